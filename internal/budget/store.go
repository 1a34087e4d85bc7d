package budget

import (
	"context"
	"time"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
)

// Store is the persisted, atomic side of the ledger. Implementations must
// make AllocateBudget linearizable: concurrent calls never jointly push any
// period past its limit.
type Store interface {
	// AllocateBudget adds cost to every period iff every period has
	// headroom >= cost. It returns whether the allocation was applied and
	// the period rows as they stand afterwards.
	AllocateBudget(ctx context.Context, cost float64) (bool, []model.PeriodLedger, error)
	CheckBudgetAvailable(ctx context.Context, cost float64) (bool, error)
	// ResetPeriodsIfElapsed zeroes spent for each period whose last_reset is
	// before its boundary and returns the periods that were reset.
	ResetPeriodsIfElapsed(ctx context.Context, boundaries map[model.Period]time.Time) ([]model.Period, error)
	GetBudgetStats(ctx context.Context, period model.Period) (*model.PeriodLedger, error)
	ListBudgetPeriods(ctx context.Context) ([]model.PeriodLedger, error)
	EmergencyShutdown(ctx context.Context, reason string) error
	// EnsureBudgetPeriods creates missing period rows, with last_reset at
	// the period's current boundary, and updates limits of existing ones
	// without touching spent.
	EnsureBudgetPeriods(ctx context.Context, limits map[model.Period]float64, boundaries map[model.Period]time.Time) error
	RecordAllocation(ctx context.Context, a model.BudgetAllocation) error
	RecordResult(ctx context.Context, r *model.ScrapeResult) error
	// ClaimAlert records that the threshold alert for the window starting
	// at windowStart was emitted. It returns false if it already was.
	ClaimAlert(ctx context.Context, period model.Period, threshold float64, windowStart time.Time) (bool, error)
}

// AlertSink receives budget alerts.
type AlertSink interface {
	Send(ctx context.Context, alert monitoring.Alert) error
}
