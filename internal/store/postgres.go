package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, nowFunc: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS budget_periods (
	period     TEXT PRIMARY KEY CHECK (period IN ('daily', 'weekly', 'monthly')),
	limit_usd  DOUBLE PRECISION NOT NULL CHECK (limit_usd >= 0),
	spent      DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (spent >= 0),
	last_reset TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id         TEXT PRIMARY KEY,
	method     TEXT NOT NULL,
	vendor_id  TEXT NOT NULL,
	cost       DOUBLE PRECISION NOT NULL,
	approved   BOOLEAN NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS budget_alerts (
	period       TEXT NOT NULL,
	threshold    DOUBLE PRECISION NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (period, threshold, window_start)
);

CREATE TABLE IF NOT EXISTS budget_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scrape_results (
	id            TEXT PRIMARY KEY,
	vendor_id     TEXT NOT NULL,
	method        TEXT NOT NULL,
	status        TEXT NOT NULL,
	actual_cost   DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	payload       JSONB,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vendors (
	vendor_id                      TEXT PRIMARY KEY,
	name                           TEXT NOT NULL DEFAULT '',
	pricing_url                    TEXT NOT NULL,
	preferred_methods              JSONB NOT NULL DEFAULT '[]',
	scrape_frequency               TEXT NOT NULL DEFAULT 'monthly',
	max_failures_before_escalation INTEGER NOT NULL DEFAULT 3,
	method_costs                   JSONB NOT NULL DEFAULT '{}',
	consecutive_failures           INTEGER NOT NULL DEFAULT 0,
	last_successful_method         TEXT NOT NULL DEFAULT '',
	is_quarantined                 BOOLEAN NOT NULL DEFAULT false,
	quarantine_until               TIMESTAMPTZ,
	last_attempt_at                TIMESTAMPTZ,
	created_at                     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	vendor_id        TEXT NOT NULL,
	method           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	priority         INTEGER NOT NULL DEFAULT 0,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	result           JSONB,
	error            TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lease_expires_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_scrape_results_vendor ON scrape_results(vendor_id, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_budget_allocations_created ON budget_allocations(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

// Budget

// AllocateBudget locks every period row in a fixed order, checks headroom
// and applies cost to all of them in the same transaction.
func (s *PostgresStore) AllocateBudget(ctx context.Context, cost float64) (bool, []model.PeriodLedger, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: allocate: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+ledgerColumns+` FROM budget_periods ORDER BY period FOR UPDATE`)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: allocate: lock periods")
	}
	ledgers, err := collectLedgers(rows)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: allocate")
	}

	if !fits(ledgers, cost) {
		return false, ledgers, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE budget_periods SET spent = spent + $1, updated_at = $2`,
		cost, s.now(),
	); err != nil {
		return false, nil, eris.Wrap(err, "postgres: allocate: apply")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, eris.Wrap(err, "postgres: allocate: commit")
	}

	for i := range ledgers {
		ledgers[i].Spent += cost
	}
	return true, ledgers, nil
}

func (s *PostgresStore) CheckBudgetAvailable(ctx context.Context, cost float64) (bool, error) {
	var fitting, total int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN spent + $1 <= limit_usd + $2 THEN 1 ELSE 0 END), 0), COUNT(*) FROM budget_periods`,
		cost, epsilon,
	).Scan(&fitting, &total)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check budget")
	}
	return total == len(model.Periods()) && fitting == total, nil
}

func (s *PostgresStore) ResetPeriodsIfElapsed(ctx context.Context, boundaries map[model.Period]time.Time) ([]model.Period, error) {
	var reset []model.Period
	for _, p := range model.Periods() {
		b, ok := boundaries[p]
		if !ok {
			continue
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE budget_periods SET spent = 0, last_reset = $1, updated_at = $2 WHERE period = $3 AND last_reset < $1`,
			b.UTC(), s.now(), string(p),
		)
		if err != nil {
			return reset, eris.Wrapf(err, "postgres: reset %s", p)
		}
		if tag.RowsAffected() > 0 {
			reset = append(reset, p)
		}
	}
	return reset, nil
}

func (s *PostgresStore) GetBudgetStats(ctx context.Context, period model.Period) (*model.PeriodLedger, error) {
	l, err := scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM budget_periods WHERE period = $1`, string(period)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get budget %s", period)
	}
	return l, nil
}

func (s *PostgresStore) ListBudgetPeriods(ctx context.Context) ([]model.PeriodLedger, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ledgerColumns+` FROM budget_periods ORDER BY period`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list budget periods")
	}
	ledgers, err := collectLedgers(rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list budget periods")
	}
	return ledgers, nil
}

func (s *PostgresStore) EmergencyShutdown(ctx context.Context, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: shutdown: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	if _, err := tx.Exec(ctx, `UPDATE budget_periods SET spent = limit_usd, updated_at = $1`, now); err != nil {
		return eris.Wrap(err, "postgres: shutdown")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_events (id, kind, message, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), "emergency_shutdown", reason, now,
	); err != nil {
		return eris.Wrap(err, "postgres: shutdown: record event")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: shutdown: commit")
}

func (s *PostgresStore) EnsureBudgetPeriods(ctx context.Context, limits map[model.Period]float64, boundaries map[model.Period]time.Time) error {
	for _, p := range model.Periods() {
		limit, ok := limits[p]
		if !ok {
			continue
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO budget_periods (period, limit_usd, spent, last_reset, updated_at) VALUES ($1, $2, 0, $3, $4)
			ON CONFLICT (period) DO UPDATE SET limit_usd = EXCLUDED.limit_usd, updated_at = EXCLUDED.updated_at`,
			string(p), limit, boundaries[p].UTC(), s.now(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: ensure period %s", p)
		}
	}
	return nil
}

func (s *PostgresStore) RecordAllocation(ctx context.Context, a model.BudgetAllocation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_allocations (id, method, vendor_id, cost, approved, message, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Method), a.VendorID, a.Cost, a.Approved, a.Message, a.Timestamp.UTC(),
	)
	return eris.Wrap(err, "postgres: record allocation")
}

func (s *PostgresStore) RecordResult(ctx context.Context, r *model.ScrapeResult) error {
	if r == nil {
		return nil
	}
	payload, code, msg, err := resultJSON(r)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scrape_results (id, vendor_id, method, status, actual_cost, error_code, error_message, payload, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), r.VendorID, string(r.MethodUsed), string(r.Status), r.ActualCost,
		code, msg, payload, r.StartedAt.UTC(), r.CompletedAt.UTC(), r.Duration.Milliseconds(),
	)
	return eris.Wrap(err, "postgres: record result")
}

func (s *PostgresStore) ClaimAlert(ctx context.Context, period model.Period, threshold float64, windowStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO budget_alerts (period, threshold, window_start, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		string(period), threshold, windowStart.UTC(), s.now(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: claim alert")
	}
	return tag.RowsAffected() == 1, nil
}

// Queue

func (s *PostgresStore) EnqueueJob(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	now := s.now()
	j := &model.Job{
		ID:          uuid.New().String(),
		VendorID:    nj.VendorID,
		Method:      nj.Method,
		Status:      model.JobQueued,
		Priority:    nj.Priority,
		MaxAttempts: nj.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, vendor_id, method, status, priority, max_attempts, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.VendorID, string(j.Method), string(j.Status), j.Priority, j.MaxAttempts, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enqueue job")
	}
	return j, nil
}

// EnqueueJobs bulk-inserts jobs with COPY.
func (s *PostgresStore) EnqueueJobs(ctx context.Context, jobs []model.NewJob) (int64, error) {
	now := s.now()
	rows := make([][]any, len(jobs))
	for i, nj := range jobs {
		rows[i] = []any{uuid.New().String(), nj.VendorID, string(nj.Method), string(model.JobQueued), nj.Priority, nj.MaxAttempts, now, now}
	}
	n, err := db.CopyFrom(ctx, s.pool, "jobs",
		[]string{"id", "vendor_id", "method", "status", "priority", "max_attempts", "created_at", "updated_at"}, rows)
	return n, eris.Wrap(err, "postgres: enqueue jobs")
}

// DequeueNextJob claims one job with FOR UPDATE SKIP LOCKED so concurrent
// workers never receive the same row.
func (s *PostgresStore) DequeueNextJob(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	now := s.now()
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', claimed_by = $1, lease_expires_at = $2,
			attempt_count = attempt_count + 1, started_at = COALESCE(started_at, $3), updated_at = $3
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, now.Add(lease), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue job")
	}
	return job, nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET lease_expires_at = $1, updated_at = $2 WHERE id = $3 AND claimed_by = $4 AND status = 'processing'`,
		now.Add(lease), now, jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: extend lease %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(queue.ErrLeaseLost, "postgres: job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result json.RawMessage, errMsg string) error {
	now := s.now()
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, error = $3, lease_expires_at = NULL,
			completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE id = $6`,
		string(status), payload, errMsg, completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, eris.Wrap(err, "postgres: scan queue stats")
		}
		if err := tally(&stats, status, n); err != nil {
			return stats, eris.Wrap(err, "postgres: queue stats")
		}
	}
	return stats, eris.Wrap(rows.Err(), "postgres: queue stats")
}

func (s *PostgresStore) SweepStaleClaims(ctx context.Context, now time.Time) (int, int, error) {
	rows, err := s.pool.Query(ctx, sweepSQL(`$1::timestamptz`), now.UTC())
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: sweep stale claims")
	}
	defer rows.Close()
	requeued, failed, err := countSwept(rows)
	return requeued, failed, eris.Wrap(err, "postgres: sweep stale claims")
}

// Vendors

func (s *PostgresStore) UpsertVendor(ctx context.Context, cfg model.VendorScrapeConfig) error {
	preferred, costs, err := vendorJSON(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}
	now := s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vendors (vendor_id, name, pricing_url, preferred_methods, scrape_frequency, max_failures_before_escalation, method_costs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (vendor_id) DO UPDATE SET
			name = EXCLUDED.name,
			pricing_url = EXCLUDED.pricing_url,
			preferred_methods = EXCLUDED.preferred_methods,
			scrape_frequency = EXCLUDED.scrape_frequency,
			max_failures_before_escalation = EXCLUDED.max_failures_before_escalation,
			method_costs = EXCLUDED.method_costs,
			updated_at = EXCLUDED.updated_at`,
		cfg.VendorID, cfg.Name, cfg.PricingURL, preferred, string(cfg.ScrapeFrequency),
		cfg.MaxFailuresBeforeEscalation, costs, now,
	)
	return eris.Wrapf(err, "postgres: upsert vendor %s", cfg.VendorID)
}

// UpsertVendors bulk-loads vendor configs. Health columns are untouched.
func (s *PostgresStore) UpsertVendors(ctx context.Context, cfgs []model.VendorScrapeConfig) (int64, error) {
	now := s.now()
	rows := make([][]any, 0, len(cfgs))
	for _, cfg := range cfgs {
		preferred, costs, err := vendorJSON(cfg)
		if err != nil {
			return 0, eris.Wrap(err, "postgres")
		}
		rows = append(rows, []any{
			cfg.VendorID, cfg.Name, cfg.PricingURL, preferred, string(cfg.ScrapeFrequency),
			cfg.MaxFailuresBeforeEscalation, costs, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "vendors",
		Columns:      []string{"vendor_id", "name", "pricing_url", "preferred_methods", "scrape_frequency", "max_failures_before_escalation", "method_costs", "updated_at"},
		ConflictKeys: []string{"vendor_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert vendors")
}

func (s *PostgresStore) GetVendor(ctx context.Context, vendorID string) (*model.Vendor, error) {
	v, err := scanVendor(s.pool.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE vendor_id = $1`, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get vendor %s", vendorID)
	}
	return v, nil
}

func (s *PostgresStore) ListVendors(ctx context.Context) ([]model.Vendor, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+vendorColumns+` FROM vendors ORDER BY vendor_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendors")
	}
	defer rows.Close()

	var out []model.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan vendor")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list vendors")
}

func (s *PostgresStore) SaveHealth(ctx context.Context, h model.VendorHealth) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vendors SET consecutive_failures = $1, last_successful_method = $2, is_quarantined = $3,
			quarantine_until = $4, last_attempt_at = $5, updated_at = $6
		WHERE vendor_id = $7`,
		h.ConsecutiveFailures, string(h.LastSuccessfulMethod), h.IsQuarantined,
		h.QuarantineUntil, h.LastAttemptAt, s.now(), h.VendorID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save health %s", h.VendorID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("vendor not found: %s", h.VendorID)
	}
	return nil
}

func collectLedgers(rows pgx.Rows) ([]model.PeriodLedger, error) {
	defer rows.Close()
	var out []model.PeriodLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan period")
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
