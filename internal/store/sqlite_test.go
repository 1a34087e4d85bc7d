package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var testBoundaries = map[model.Period]time.Time{
	model.PeriodDaily:   time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC),
	model.PeriodWeekly:  time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
	model.PeriodMonthly: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
}

func seedBudget(t *testing.T, st *SQLiteStore, daily, weekly, monthly float64) {
	t.Helper()
	require.NoError(t, st.EnsureBudgetPeriods(context.Background(), map[model.Period]float64{
		model.PeriodDaily:   daily,
		model.PeriodWeekly:  weekly,
		model.PeriodMonthly: monthly,
	}, testBoundaries))
}

// --- Budget ---

func TestSQLite_EnsureBudgetPeriods(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBudget(t, st, 5, 25, 80)

	l, err := st.GetBudgetStats(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.InDelta(t, 25.0, l.Limit, 1e-9)
	assert.Zero(t, l.Spent)
	assert.True(t, testBoundaries[model.PeriodWeekly].Equal(l.LastReset))

	// Re-applying limits keeps spent.
	ok, _, err := st.AllocateBudget(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	seedBudget(t, st, 10, 25, 80)

	l, err = st.GetBudgetStats(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, l.Limit, 1e-9)
	assert.InDelta(t, 1.0, l.Spent, 1e-9)
}

func TestSQLite_GetBudgetStats_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	l, err := st.GetBudgetStats(context.Background(), model.PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestSQLite_AllocateBudget(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBudget(t, st, 1, 25, 80)

	ok, ledgers, err := st.AllocateBudget(ctx, 0.6)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ledgers, 3)
	for _, l := range ledgers {
		assert.InDelta(t, 0.6, l.Spent, 1e-9, l.Period)
	}

	// Daily has 0.4 left; nothing is applied to any period.
	ok, ledgers, err = st.AllocateBudget(ctx, 0.5)
	require.NoError(t, err)
	assert.False(t, ok)
	for _, l := range ledgers {
		assert.InDelta(t, 0.6, l.Spent, 1e-9, l.Period)
	}
}

func TestSQLite_AllocateBudget_NoPeriods(t *testing.T) {
	st := newTestSQLiteStore(t)

	ok, ledgers, err := st.AllocateBudget(context.Background(), 0.1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ledgers)
}

func TestSQLite_AllocateBudget_ConcurrentNeverOverspends(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBudget(t, st, 5, 25, 80)

	const workers = 50
	const cost = 0.3
	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := st.AllocateBudget(ctx, cost)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, approved)
	l, err := st.GetBudgetStats(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.LessOrEqual(t, l.Spent, l.Limit+epsilon)
	assert.InDelta(t, float64(approved)*cost, l.Spent, 1e-9)
}

func TestSQLite_CheckBudgetAvailable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok, err := st.CheckBudgetAvailable(ctx, 0.01)
	require.NoError(t, err)
	assert.False(t, ok, "no periods means no budget")

	seedBudget(t, st, 5, 25, 80)
	ok, err = st.CheckBudgetAvailable(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.CheckBudgetAvailable(ctx, 5.01)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_ResetPeriodsIfElapsed_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBudget(t, st, 5, 25, 80)
	_, _, err := st.AllocateBudget(ctx, 2)
	require.NoError(t, err)

	next := map[model.Period]time.Time{
		model.PeriodDaily:   time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC),
		model.PeriodWeekly:  testBoundaries[model.PeriodWeekly],
		model.PeriodMonthly: testBoundaries[model.PeriodMonthly],
	}

	reset, err := st.ResetPeriodsIfElapsed(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []model.Period{model.PeriodDaily}, reset)

	reset, err = st.ResetPeriodsIfElapsed(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, reset)

	daily, err := st.GetBudgetStats(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, daily.Spent)
	weekly, err := st.GetBudgetStats(ctx, model.PeriodWeekly)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, weekly.Spent, 1e-9)
}

func TestSQLite_EmergencyShutdown(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBudget(t, st, 5, 25, 80)

	require.NoError(t, st.EmergencyShutdown(ctx, "runaway spend"))

	ledgers, err := st.ListBudgetPeriods(ctx)
	require.NoError(t, err)
	require.Len(t, ledgers, 3)
	for _, l := range ledgers {
		assert.InDelta(t, l.Limit, l.Spent, 1e-9)
	}

	ok, _, err := st.AllocateBudget(ctx, 0.0001)
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM budget_events WHERE message = 'runaway spend'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLite_ClaimAlert_OncePerWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	window := testBoundaries[model.PeriodDaily]

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimAlert(ctx, model.PeriodDaily, 0.7, window)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)

	ok, err := st.ClaimAlert(ctx, model.PeriodDaily, 0.9, window)
	require.NoError(t, err)
	assert.True(t, ok, "different threshold")

	ok, err = st.ClaimAlert(ctx, model.PeriodDaily, 0.7, window.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "next window")
}

func TestSQLite_RecordAllocationAndResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordAllocation(ctx, model.BudgetAllocation{
		Method: model.MethodVision, VendorID: "acme", Cost: 0.024, Approved: true, Timestamp: time.Now(),
	}))
	require.NoError(t, st.RecordResult(ctx, &model.ScrapeResult{
		VendorID:    "acme",
		MethodUsed:  model.MethodPlaywright,
		Status:      model.ScrapeSuccess,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
		Tiers:       []model.ExtractedTier{{Name: "Pro", Price: "$49"}},
	}))

	var payload string
	require.NoError(t, st.db.QueryRow(`SELECT payload FROM scrape_results WHERE vendor_id = 'acme'`).Scan(&payload))
	assert.Contains(t, payload, `"Pro"`)
}

// --- Queue ---

func TestSQLite_QueueLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	low, err := st.EnqueueJob(ctx, model.NewJob{VendorID: "low", Priority: 0, MaxAttempts: 3})
	require.NoError(t, err)
	high, err := st.EnqueueJob(ctx, model.NewJob{VendorID: "high", Priority: 5, MaxAttempts: 3})
	require.NoError(t, err)

	job, err := st.DequeueNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID, "higher priority first")
	assert.Equal(t, model.JobProcessing, job.Status)
	assert.Equal(t, "w1", job.ClaimedBy)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LeaseExpiresAt)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, st.ExtendLease(ctx, job.ID, "w1", 2*time.Minute))
	err = st.ExtendLease(ctx, job.ID, "w2", time.Minute)
	assert.True(t, errors.Is(err, queue.ErrLeaseLost))

	result := json.RawMessage(`{"status":"success"}`)
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobCompleted, result, ""))

	done, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.JSONEq(t, string(result), string(done.Result))
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.LeaseExpiresAt)

	next, err := st.DequeueNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, low.ID, next.ID)

	empty, err := st.DequeueNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	stats, err := st.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Processing: 1, Completed: 1}, stats)
}

func TestSQLite_UpdateJobStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateJobStatus(context.Background(), "missing", model.JobFailed, nil, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestSQLite_DequeueNextJob_ConcurrentClaimsAreUnique(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.EnqueueJobs(ctx, []model.NewJob{
		{VendorID: "a", MaxAttempts: 3}, {VendorID: "b", MaxAttempts: 3}, {VendorID: "c", MaxAttempts: 3},
		{VendorID: "d", MaxAttempts: 3}, {VendorID: "e", MaxAttempts: 3},
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.DequeueNextJob(ctx, "w", time.Minute)
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestSQLite_SweepStaleClaims(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	retry, err := st.EnqueueJob(ctx, model.NewJob{VendorID: "retry", Priority: 1, MaxAttempts: 2})
	require.NoError(t, err)
	final, err := st.EnqueueJob(ctx, model.NewJob{VendorID: "final", MaxAttempts: 1})
	require.NoError(t, err)

	// Negative leases are already expired.
	for i := 0; i < 2; i++ {
		job, err := st.DequeueNextJob(ctx, "crashed", -time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	requeued, failed, err := st.SweepStaleClaims(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	r, err := st.GetJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, r.Status)
	assert.Empty(t, r.ClaimedBy)

	f, err := st.GetJob(ctx, final.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, f.Status)
	assert.Contains(t, f.Error, "lease expired")

	// A live lease is left alone.
	job, err := st.DequeueNextJob(ctx, "w1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, job)
	requeued, failed, err = st.SweepStaleClaims(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, requeued+failed)
}

// --- Vendors ---

func TestSQLite_Vendors(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg := model.VendorScrapeConfig{
		VendorID:                    "acme",
		Name:                        "Acme",
		PricingURL:                  "https://acme.test/pricing",
		PreferredMethods:            []model.ScrapingMethod{model.MethodFirecrawl},
		ScrapeFrequency:             model.FrequencyDaily,
		MaxFailuresBeforeEscalation: 3,
		MethodCosts:                 map[model.ScrapingMethod]float64{model.MethodVision: 0.02},
	}
	require.NoError(t, st.UpsertVendor(ctx, cfg))

	until := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, st.SaveHealth(ctx, model.VendorHealth{
		VendorID:            "acme",
		ConsecutiveFailures: 5,
		IsQuarantined:       true,
		QuarantineUntil:     &until,
	}))

	// Updating the config keeps health.
	cfg.PricingURL = "https://acme.test/plans"
	require.NoError(t, st.UpsertVendor(ctx, cfg))

	v, err := st.GetVendor(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "https://acme.test/plans", v.Config.PricingURL)
	assert.Equal(t, []model.ScrapingMethod{model.MethodFirecrawl}, v.Config.PreferredMethods)
	assert.InDelta(t, 0.02, v.Config.MethodCosts[model.MethodVision], 1e-9)
	assert.Equal(t, 5, v.Health.ConsecutiveFailures)
	assert.True(t, v.Health.IsQuarantined)
	require.NotNil(t, v.Health.QuarantineUntil)
	assert.True(t, until.Equal(*v.Health.QuarantineUntil))

	missing, err := st.GetVendor(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = st.SaveHealth(ctx, model.VendorHealth{VendorID: "nope"})
	assert.ErrorContains(t, err, "vendor not found")
}

func TestSQLite_UpsertVendorsAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertVendors(ctx, []model.VendorScrapeConfig{
		{VendorID: "b", PricingURL: "https://b.test", ScrapeFrequency: model.FrequencyWeekly},
		{VendorID: "a", PricingURL: "https://a.test", ScrapeFrequency: model.FrequencyMonthly},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	vendors, err := st.ListVendors(ctx)
	require.NoError(t, err)
	require.Len(t, vendors, 2)
	assert.Equal(t, "a", vendors[0].Config.VendorID)
	assert.Empty(t, vendors[0].Config.PreferredMethods)
	assert.Nil(t, vendors[0].Health.QuarantineUntil)
}

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "open.db"),
	})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported driver")
}
