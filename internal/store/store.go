// Package store persists budget periods, the job queue and vendor records
// in Postgres or SQLite.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/budget"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

// VendorStore manages vendor configs and the health fields written by the
// orchestrator.
type VendorStore interface {
	UpsertVendor(ctx context.Context, cfg model.VendorScrapeConfig) error
	UpsertVendors(ctx context.Context, cfgs []model.VendorScrapeConfig) (int64, error)
	// GetVendor returns nil, nil when the vendor does not exist.
	GetVendor(ctx context.Context, vendorID string) (*model.Vendor, error)
	ListVendors(ctx context.Context) ([]model.Vendor, error)
	SaveHealth(ctx context.Context, h model.VendorHealth) error
}

// Store is the full persistence surface of pricewatch.
type Store interface {
	budget.Store
	queue.Store
	VendorStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "pricewatch.db"
		}
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// fits reports whether every period has headroom for cost.
func fits(ledgers []model.PeriodLedger, cost float64) bool {
	if len(ledgers) != len(model.Periods()) {
		return false
	}
	for _, l := range ledgers {
		if l.Spent+cost > l.Limit+epsilon {
			return false
		}
	}
	return true
}

func tally(stats *model.QueueStats, status string, n int) error {
	switch model.JobStatus(status) {
	case model.JobQueued:
		stats.Queued = n
	case model.JobProcessing:
		stats.Processing = n
	case model.JobCompleted:
		stats.Completed = n
	case model.JobFailed:
		stats.Failed = n
	default:
		return eris.Errorf("unknown job status %q", status)
	}
	return nil
}

// sweepSQL requeues expired claims that still have attempts left and fails
// the rest. ph is the driver's placeholder for the sweep time.
func sweepSQL(ph string) string {
	return strings.ReplaceAll(`UPDATE jobs SET
		status = CASE WHEN attempt_count < max_attempts THEN 'queued' ELSE 'failed' END,
		error = CASE WHEN attempt_count < max_attempts THEN error ELSE 'lease expired after final attempt' END,
		completed_at = CASE WHEN attempt_count < max_attempts THEN NULL ELSE :now END,
		claimed_by = '', lease_expires_at = NULL, updated_at = :now
	WHERE status = 'processing' AND lease_expires_at < :now
	RETURNING status`, ":now", ph)
}

type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func countSwept(rows rowIter) (requeued, failed int, err error) {
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		if model.JobStatus(status) == model.JobQueued {
			requeued++
		} else {
			failed++
		}
	}
	return requeued, failed, rows.Err()
}
