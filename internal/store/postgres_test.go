package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

var fixedNow = time.Date(2026, 3, 18, 15, 30, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return fixedNow }}
	return s, mock
}

func ledgerRows(spent float64) *pgxmock.Rows {
	day := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)
	return pgxmock.NewRows([]string{"period", "limit_usd", "spent", "last_reset"}).
		AddRow("daily", 5.0, spent, day).
		AddRow("monthly", 80.0, spent, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).
		AddRow("weekly", 25.0, spent, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
}

func jobRow(id, status string) *pgxmock.Rows {
	lease := fixedNow.Add(90 * time.Second)
	started := fixedNow
	var completed *time.Time
	return pgxmock.NewRows([]string{
		"id", "vendor_id", "method", "status", "priority", "attempt_count", "max_attempts",
		"result", "error", "claimed_by", "lease_expires_at", "created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(id, "acme", "", status, 0, 1, 3, []byte(nil), "", "w1", &lease, fixedNow, fixedNow, &started, completed)
}

func TestPostgresStore_AllocateBudget_Approved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT period, limit_usd, spent, last_reset FROM budget_periods ORDER BY period FOR UPDATE`).
		WillReturnRows(ledgerRows(1.0))
	mock.ExpectExec(`UPDATE budget_periods SET spent = spent \+ \$1`).
		WithArgs(0.5, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	ok, ledgers, err := s.AllocateBudget(context.Background(), 0.5)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ledgers, 3)
	for _, l := range ledgers {
		assert.InDelta(t, 1.5, l.Spent, 1e-9)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateBudget_Insufficient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM budget_periods ORDER BY period FOR UPDATE`).
		WillReturnRows(ledgerRows(4.9))
	mock.ExpectRollback()

	ok, ledgers, err := s.AllocateBudget(context.Background(), 0.5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 4.9, ledgers[0].Spent, 1e-9, "ledgers are returned untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocateBudget_MissingRowsDenied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"period", "limit_usd", "spent", "last_reset"}).
			AddRow("daily", 5.0, 0.0, fixedNow))
	mock.ExpectRollback()

	ok, ledgers, err := s.AllocateBudget(context.Background(), 0.01)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ledgers, 1)
}

func TestPostgresStore_AllocateBudget_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, _, err := s.AllocateBudget(context.Background(), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestPostgresStore_CheckBudgetAvailable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(CASE WHEN spent \+ \$1 <= limit_usd`).
		WithArgs(0.5, epsilon).
		WillReturnRows(pgxmock.NewRows([]string{"fitting", "total"}).AddRow(3, 3))
	mock.ExpectQuery(`FROM budget_periods`).
		WithArgs(10.0, epsilon).
		WillReturnRows(pgxmock.NewRows([]string{"fitting", "total"}).AddRow(2, 3))

	ok, err := s.CheckBudgetAvailable(context.Background(), 0.5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckBudgetAvailable(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetPeriodsIfElapsed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	day := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)
	week := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE budget_periods SET spent = 0, last_reset = \$1.* AND last_reset < \$1`).
		WithArgs(day, fixedNow, "daily").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE budget_periods SET spent = 0`).
		WithArgs(week, fixedNow, "weekly").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	reset, err := s.ResetPeriodsIfElapsed(context.Background(), map[model.Period]time.Time{
		model.PeriodDaily:  day,
		model.PeriodWeekly: week,
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Period{model.PeriodDaily}, reset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBudgetStats_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT period, limit_usd, spent, last_reset FROM budget_periods WHERE period = \$1`).
		WithArgs("daily").
		WillReturnError(pgx.ErrNoRows)

	l, err := s.GetBudgetStats(context.Background(), model.PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EmergencyShutdown(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE budget_periods SET spent = limit_usd`).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(`INSERT INTO budget_events`).
		WithArgs(pgxmock.AnyArg(), "emergency_shutdown", "runaway vision spend", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.EmergencyShutdown(context.Background(), "runaway vision spend"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureBudgetPeriods(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO budget_periods .* ON CONFLICT \(period\) DO UPDATE SET limit_usd = EXCLUDED.limit_usd`).
		WithArgs("monthly", 80.0, month, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnsureBudgetPeriods(context.Background(),
		map[model.Period]float64{model.PeriodMonthly: 80},
		map[model.Period]time.Time{model.PeriodMonthly: month})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimAlert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	window := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO budget_alerts .* ON CONFLICT DO NOTHING`).
		WithArgs("daily", 0.7, window, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO budget_alerts`).
		WithArgs("daily", 0.7, window, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	first, err := s.ClaimAlert(context.Background(), model.PeriodDaily, 0.7, window)
	require.NoError(t, err)
	second, err := s.ClaimAlert(context.Background(), model.PeriodDaily, 0.7, window)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scrape_results`).
		WithArgs(pgxmock.AnyArg(), "acme", "firecrawl", "failed", 0.0063, "blocked", "captcha",
			pgxmock.AnyArg(), fixedNow, fixedNow, int64(2000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordResult(context.Background(), &model.ScrapeResult{
		VendorID:    "acme",
		MethodUsed:  model.MethodFirecrawl,
		Status:      model.ScrapeFailed,
		ActualCost:  0.0063,
		StartedAt:   fixedNow,
		CompletedAt: fixedNow,
		Duration:    2 * time.Second,
		Error:       &model.ScrapeError{Code: model.ErrCodeBlocked, Message: "captcha"},
	})
	require.NoError(t, err)
	assert.NoError(t, s.RecordResult(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueNextJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("w1", fixedNow.Add(90*time.Second), fixedNow).
		WillReturnRows(jobRow("job-1", "processing"))

	job, err := s.DequeueNextJob(context.Background(), "w1", 90*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, model.JobProcessing, job.Status)
	assert.Equal(t, "w1", job.ClaimedBy)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.Nil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueNextJob_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.DequeueNextJob(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExtendLease_Lost(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET lease_expires_at = \$1`).
		WithArgs(fixedNow.Add(time.Minute), fixedNow, "job-1", "w1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ExtendLease(context.Background(), "job-1", "w1", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrLeaseLost))
}

func TestPostgresStore_UpdateJobStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	result := json.RawMessage(`{"status":"success"}`)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, result = \$2`).
		WithArgs("completed", []byte(result), "", &fixedNow, fixedNow, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "boom", pgxmock.AnyArg(), fixedNow, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.UpdateJobStatus(context.Background(), "job-1", model.JobCompleted, result, ""))

	err := s.UpdateJobStatus(context.Background(), "missing", model.JobFailed, nil, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetQueueStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 4).
			AddRow("processing", 1).
			AddRow("failed", 2))

	stats, err := s.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Queued: 4, Processing: 1, Failed: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SweepStaleClaims(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE status = 'processing' AND lease_expires_at < \$1::timestamptz`).
		WithArgs(fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).
			AddRow("queued").AddRow("queued").AddRow("failed"))

	requeued, failed, err := s.SweepStaleClaims(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 1, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueJobs_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"jobs"},
		[]string{"id", "vendor_id", "method", "status", "priority", "max_attempts", "created_at", "updated_at"}).
		WillReturnResult(2)

	n, err := s.EnqueueJobs(context.Background(), []model.NewJob{{VendorID: "a", MaxAttempts: 3}, {VendorID: "b", MaxAttempts: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetVendor_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM vendors WHERE vendor_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	v, err := s.GetVendor(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPostgresStore_GetVendor(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	var none *time.Time

	mock.ExpectQuery(`FROM vendors WHERE vendor_id = \$1`).
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows([]string{
			"vendor_id", "name", "pricing_url", "preferred_methods", "scrape_frequency",
			"max_failures_before_escalation", "method_costs", "consecutive_failures",
			"last_successful_method", "is_quarantined", "quarantine_until", "last_attempt_at",
			"created_at", "updated_at",
		}).AddRow("acme", "Acme", "https://acme.test/pricing", []byte(`["firecrawl"]`), "daily",
			3, []byte(`{"vision":0.02}`), 2, "playwright", false, none, none, fixedNow, fixedNow))

	v, err := s.GetVendor(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl}, v.Config.PreferredMethods)
	assert.InDelta(t, 0.02, v.Config.MethodCosts[model.MethodVision], 1e-9)
	assert.Equal(t, 2, v.ScrapeConfig().ConsecutiveFailures)
	assert.Equal(t, "acme", v.Health.VendorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveHealth_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE vendors SET consecutive_failures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveHealth(context.Background(), model.VendorHealth{VendorID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vendor not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS budget_periods`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
