package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

// SQLiteStore implements Store using modernc.org/sqlite. Every mutation
// that must be atomic is a single statement.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serialises writers inside the process and keeps
	// :memory: databases coherent.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS budget_periods (
	period     TEXT PRIMARY KEY CHECK (period IN ('daily', 'weekly', 'monthly')),
	limit_usd  REAL NOT NULL CHECK (limit_usd >= 0),
	spent      REAL NOT NULL DEFAULT 0 CHECK (spent >= 0),
	last_reset DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id         TEXT PRIMARY KEY,
	method     TEXT NOT NULL,
	vendor_id  TEXT NOT NULL,
	cost       REAL NOT NULL,
	approved   INTEGER NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_alerts (
	period       TEXT NOT NULL,
	threshold    REAL NOT NULL,
	window_start DATETIME NOT NULL,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (period, threshold, window_start)
);

CREATE TABLE IF NOT EXISTS budget_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_results (
	id            TEXT PRIMARY KEY,
	vendor_id     TEXT NOT NULL,
	method        TEXT NOT NULL,
	status        TEXT NOT NULL,
	actual_cost   REAL NOT NULL DEFAULT 0,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	payload       TEXT,
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME NOT NULL,
	duration_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vendors (
	vendor_id                      TEXT PRIMARY KEY,
	name                           TEXT NOT NULL DEFAULT '',
	pricing_url                    TEXT NOT NULL,
	preferred_methods              TEXT NOT NULL DEFAULT '[]',
	scrape_frequency               TEXT NOT NULL DEFAULT 'monthly',
	max_failures_before_escalation INTEGER NOT NULL DEFAULT 3,
	method_costs                   TEXT NOT NULL DEFAULT '{}',
	consecutive_failures           INTEGER NOT NULL DEFAULT 0,
	last_successful_method         TEXT NOT NULL DEFAULT '',
	is_quarantined                 INTEGER NOT NULL DEFAULT 0,
	quarantine_until               DATETIME,
	last_attempt_at                DATETIME,
	created_at                     DATETIME NOT NULL,
	updated_at                     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	vendor_id        TEXT NOT NULL,
	method           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	priority         INTEGER NOT NULL DEFAULT 0,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	result           TEXT,
	error            TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	started_at       DATETIME,
	completed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_scrape_results_vendor ON scrape_results(vendor_id, completed_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

// Budget

// AllocateBudget applies cost to all three periods in one UPDATE that
// matches only when every period has headroom.
func (s *SQLiteStore) AllocateBudget(ctx context.Context, cost float64) (bool, []model.PeriodLedger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: allocate: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE budget_periods SET spent = spent + ?1, updated_at = ?2
		WHERE (SELECT COUNT(*) FROM budget_periods WHERE spent + ?1 <= limit_usd + ?3) = ?4`,
		cost, s.now(), epsilon, len(model.Periods()),
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: allocate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: allocate: rows affected")
	}
	if n != 0 && n != int64(len(model.Periods())) {
		return false, nil, eris.Errorf("sqlite: allocate touched %d period rows", n)
	}

	ledgers, err := queryLedgers(ctx, tx, `SELECT `+ledgerColumns+` FROM budget_periods ORDER BY period`)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: allocate")
	}
	if err := tx.Commit(); err != nil {
		return false, nil, eris.Wrap(err, "sqlite: allocate: commit")
	}
	return n > 0, ledgers, nil
}

func (s *SQLiteStore) CheckBudgetAvailable(ctx context.Context, cost float64) (bool, error) {
	var fitting, total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN spent + ?1 <= limit_usd + ?2 THEN 1 ELSE 0 END), 0), COUNT(*) FROM budget_periods`,
		cost, epsilon,
	).Scan(&fitting, &total)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check budget")
	}
	return total == len(model.Periods()) && fitting == total, nil
}

func (s *SQLiteStore) ResetPeriodsIfElapsed(ctx context.Context, boundaries map[model.Period]time.Time) ([]model.Period, error) {
	var reset []model.Period
	for _, p := range model.Periods() {
		b, ok := boundaries[p]
		if !ok {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE budget_periods SET spent = 0, last_reset = ?1, updated_at = ?2 WHERE period = ?3 AND last_reset < ?1`,
			b.UTC(), s.now(), string(p),
		)
		if err != nil {
			return reset, eris.Wrapf(err, "sqlite: reset %s", p)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reset = append(reset, p)
		}
	}
	return reset, nil
}

func (s *SQLiteStore) GetBudgetStats(ctx context.Context, period model.Period) (*model.PeriodLedger, error) {
	l, err := scanLedger(s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM budget_periods WHERE period = ?`, string(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get budget %s", period)
	}
	return l, nil
}

func (s *SQLiteStore) ListBudgetPeriods(ctx context.Context) ([]model.PeriodLedger, error) {
	ledgers, err := queryLedgers(ctx, s.db, `SELECT `+ledgerColumns+` FROM budget_periods ORDER BY period`)
	return ledgers, eris.Wrap(err, "sqlite: list budget periods")
}

func (s *SQLiteStore) EmergencyShutdown(ctx context.Context, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: shutdown: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE budget_periods SET spent = limit_usd, updated_at = ?`, now); err != nil {
		return eris.Wrap(err, "sqlite: shutdown")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budget_events (id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), "emergency_shutdown", reason, now,
	); err != nil {
		return eris.Wrap(err, "sqlite: shutdown: record event")
	}
	return eris.Wrap(tx.Commit(), "sqlite: shutdown: commit")
}

func (s *SQLiteStore) EnsureBudgetPeriods(ctx context.Context, limits map[model.Period]float64, boundaries map[model.Period]time.Time) error {
	for _, p := range model.Periods() {
		limit, ok := limits[p]
		if !ok {
			continue
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO budget_periods (period, limit_usd, spent, last_reset, updated_at) VALUES (?1, ?2, 0, ?3, ?4)
			ON CONFLICT (period) DO UPDATE SET limit_usd = excluded.limit_usd, updated_at = excluded.updated_at`,
			string(p), limit, boundaries[p].UTC(), s.now(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: ensure period %s", p)
		}
	}
	return nil
}

func (s *SQLiteStore) RecordAllocation(ctx context.Context, a model.BudgetAllocation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_allocations (id, method, vendor_id, cost, approved, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Method), a.VendorID, a.Cost, a.Approved, a.Message, a.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: record allocation")
}

func (s *SQLiteStore) RecordResult(ctx context.Context, r *model.ScrapeResult) error {
	if r == nil {
		return nil
	}
	payload, code, msg, err := resultJSON(r)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scrape_results (id, vendor_id, method, status, actual_cost, error_code, error_message, payload, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.VendorID, string(r.MethodUsed), string(r.Status), r.ActualCost,
		code, msg, string(payload), r.StartedAt.UTC(), r.CompletedAt.UTC(), r.Duration.Milliseconds(),
	)
	return eris.Wrap(err, "sqlite: record result")
}

func (s *SQLiteStore) ClaimAlert(ctx context.Context, period model.Period, threshold float64, windowStart time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_alerts (period, threshold, window_start, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		string(period), threshold, windowStart.UTC(), s.now(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim alert: rows affected")
	}
	return n == 1, nil
}

// Queue

func (s *SQLiteStore) EnqueueJob(ctx context.Context, nj model.NewJob) (*model.Job, error) {
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
	if err := insertJob(ctx, s.db, j); err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue job")
	}
	return j, nil
}

func (s *SQLiteStore) EnqueueJobs(ctx context.Context, jobs []model.NewJob) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: enqueue jobs: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, nj := range jobs {
		j := &model.Job{
			ID: uuid.New().String(), VendorID: nj.VendorID, Method: nj.Method, Status: model.JobQueued,
			Priority: nj.Priority, MaxAttempts: nj.MaxAttempts, CreatedAt: now, UpdatedAt: now,
		}
		if err := insertJob(ctx, tx, j); err != nil {
			return 0, eris.Wrap(err, "sqlite: enqueue jobs")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: enqueue jobs: commit")
	}
	return int64(len(jobs)), nil
}

// DequeueNextJob claims a job with a single UPDATE ... RETURNING, so two
// workers can never both match the same queued row.
func (s *SQLiteStore) DequeueNextJob(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	now := s.now()
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'processing', claimed_by = ?1, lease_expires_at = ?2,
			attempt_count = attempt_count + 1, started_at = COALESCE(started_at, ?3), updated_at = ?3
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING id`,
		workerID, now.Add(lease), now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue job")
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND claimed_by = ? AND status = 'processing'`,
		now.Add(lease), now, jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: extend lease %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(queue.ErrLeaseLost, "sqlite: job %s", jobID)
	}
	return nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result json.RawMessage, errMsg string) error {
	now := s.now()
	var payload sql.NullString
	if len(result) > 0 {
		payload = sql.NullString{String: string(result), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, lease_expires_at = NULL,
			completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?`,
		string(status), payload, errMsg, completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	var stats model.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, eris.Wrap(err, "sqlite: scan queue stats")
		}
		if err := tally(&stats, status, n); err != nil {
			return stats, eris.Wrap(err, "sqlite: queue stats")
		}
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: queue stats")
}

func (s *SQLiteStore) SweepStaleClaims(ctx context.Context, now time.Time) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, sweepSQL(`?1`), now.UTC())
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: sweep stale claims")
	}
	defer rows.Close()
	requeued, failed, err := countSwept(rows)
	return requeued, failed, eris.Wrap(err, "sqlite: sweep stale claims")
}

// Vendors

const sqliteUpsertVendor = `INSERT INTO vendors (vendor_id, name, pricing_url, preferred_methods, scrape_frequency, max_failures_before_escalation, method_costs, created_at, updated_at)
	VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?8)
	ON CONFLICT (vendor_id) DO UPDATE SET
		name = excluded.name,
		pricing_url = excluded.pricing_url,
		preferred_methods = excluded.preferred_methods,
		scrape_frequency = excluded.scrape_frequency,
		max_failures_before_escalation = excluded.max_failures_before_escalation,
		method_costs = excluded.method_costs,
		updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertVendor(ctx context.Context, cfg model.VendorScrapeConfig) error {
	return eris.Wrapf(upsertVendor(ctx, s.db, cfg, s.now()), "sqlite: upsert vendor %s", cfg.VendorID)
}

func (s *SQLiteStore) UpsertVendors(ctx context.Context, cfgs []model.VendorScrapeConfig) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert vendors: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, cfg := range cfgs {
		if err := upsertVendor(ctx, tx, cfg, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert vendor %s", cfg.VendorID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert vendors: commit")
	}
	return int64(len(cfgs)), nil
}

func (s *SQLiteStore) GetVendor(ctx context.Context, vendorID string) (*model.Vendor, error) {
	v, err := scanVendor(s.db.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE vendor_id = ?`, vendorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get vendor %s", vendorID)
	}
	return v, nil
}

func (s *SQLiteStore) ListVendors(ctx context.Context) ([]model.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vendorColumns+` FROM vendors ORDER BY vendor_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendors")
	}
	defer rows.Close()

	var out []model.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vendor")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list vendors")
}

func (s *SQLiteStore) SaveHealth(ctx context.Context, h model.VendorHealth) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vendors SET consecutive_failures = ?, last_successful_method = ?, is_quarantined = ?,
			quarantine_until = ?, last_attempt_at = ?, updated_at = ?
		WHERE vendor_id = ?`,
		h.ConsecutiveFailures, string(h.LastSuccessfulMethod), h.IsQuarantined,
		utcPtr(h.QuarantineUntil), utcPtr(h.LastAttemptAt), s.now(), h.VendorID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save health %s", h.VendorID)
	}
	return checkRowsAffected(res, "vendor", h.VendorID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertJob(ctx context.Context, ex execer, j *model.Job) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO jobs (id, vendor_id, method, status, priority, max_attempts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.VendorID, string(j.Method), string(j.Status), j.Priority, j.MaxAttempts, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func upsertVendor(ctx context.Context, ex execer, cfg model.VendorScrapeConfig, now time.Time) error {
	preferred, costs, err := vendorJSON(cfg)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, sqliteUpsertVendor,
		cfg.VendorID, cfg.Name, cfg.PricingURL, string(preferred), string(cfg.ScrapeFrequency),
		cfg.MaxFailuresBeforeEscalation, string(costs), now,
	)
	return err
}

func queryLedgers(ctx context.Context, q querier, query string) ([]model.PeriodLedger, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
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

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
