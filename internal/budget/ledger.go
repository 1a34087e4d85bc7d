// Package budget is the authoritative spend ledger for scrape methods.
// All state lives in the Store; the Ledger holds no counters of its own.
package budget

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
)

// ErrBudgetUnavailable means the ledger store could not be reached or
// returned data that failed validation. Callers must not fall back to
// approving spend locally.
var ErrBudgetUnavailable = eris.New("budget system unavailable")

// AllocationResult is the outcome of an Allocate call.
type AllocationResult struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Cost      float64         `json:"cost"`
	Message   string          `json:"message"`
	Remaining model.Remaining `json:"remaining,omitempty"`
}

// Ledger enforces daily, weekly and monthly spend caps through a Store.
type Ledger struct {
	store      Store
	sink       AlertSink
	metrics    *monitoring.Metrics
	thresholds []float64
	nowFunc    func() time.Time
	log        *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAlertSink sets where threshold and shutdown alerts are sent.
func WithAlertSink(s AlertSink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithThresholds sets the utilization fractions that trigger alerts.
func WithThresholds(ts []float64) Option {
	return func(l *Ledger) {
		l.thresholds = append([]float64(nil), ts...)
		sort.Float64s(l.thresholds)
	}
}

// WithMetrics records allocation outcomes and spend gauges.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		thresholds: []float64{0.7, 0.9},
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "budget")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckAvailable reports whether every period currently has headroom for
// cost. The answer may be stale by the time it is used.
func (l *Ledger) CheckAvailable(ctx context.Context, cost float64) (bool, error) {
	ok, err := l.store.CheckBudgetAvailable(ctx, cost)
	if err != nil {
		return false, unavailable(err, "check available")
	}
	return ok, nil
}

// Allocate reserves cost for one attempt of method against vendorID. The
// reservation is atomic at the store across all three periods. Zero-cost
// allocations always succeed and only write the audit row.
func (l *Ledger) Allocate(ctx context.Context, method model.ScrapingMethod, vendorID string, cost float64) (AllocationResult, error) {
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return AllocationResult{}, eris.Errorf("budget: invalid cost %v for %s", cost, method)
	}

	res := AllocationResult{ID: uuid.NewString(), Cost: cost}
	now := l.nowFunc().UTC()
	log := l.log.With(
		zap.String("vendor_id", vendorID),
		zap.String("method", string(method)),
		zap.Float64("cost", cost),
	)

	if cost == 0 {
		res.Success = true
		res.Message = "zero-cost method approved"
		l.audit(ctx, log, res, method, vendorID, now)
		l.metrics.ObserveAllocation(method, "approved")
		return res, nil
	}

	applied, rows, err := l.store.AllocateBudget(ctx, cost)
	if err != nil {
		l.metrics.ObserveAllocation(method, "error")
		return AllocationResult{}, unavailable(err, "allocate")
	}
	ledgers, err := validateLedgers(rows)
	if err != nil {
		l.metrics.ObserveAllocation(method, "error")
		return AllocationResult{}, err
	}
	res.Remaining = remaining(ledgers)

	if !applied {
		p, r := tightest(ledgers)
		res.Message = fmt.Sprintf("insufficient budget: need $%.4f, %s has $%.4f remaining", cost, p, r)
		log.Info("budget: allocation denied", zap.String("period", string(p)), zap.Float64("remaining", r))
		l.audit(ctx, log, res, method, vendorID, now)
		l.metrics.ObserveAllocation(method, "denied")
		return res, nil
	}

	res.Success = true
	res.Message = "allocated"
	log.Debug("budget: allocated", zap.Float64("min_remaining", res.Remaining.Min()))
	l.audit(ctx, log, res, method, vendorID, now)
	l.metrics.ObserveAllocation(method, "approved")
	for _, lg := range ledgers {
		l.metrics.ObserveLedger(lg)
	}
	l.checkThresholds(ctx, ledgers, res.Remaining)
	return res, nil
}

// ResetPeriodsIfElapsed zeroes each period whose window has rolled over.
// It is safe to call concurrently and repeatedly.
func (l *Ledger) ResetPeriodsIfElapsed(ctx context.Context) ([]model.Period, error) {
	reset, err := l.store.ResetPeriodsIfElapsed(ctx, Boundaries(l.nowFunc()))
	if err != nil {
		return nil, unavailable(err, "reset periods")
	}
	if len(reset) > 0 {
		names := make([]string, len(reset))
		for i, p := range reset {
			names[i] = string(p)
		}
		l.log.Info("budget: periods reset", zap.Strings("periods", names))
	}
	return reset, nil
}

// EmergencyShutdown marks every period fully spent so no paid method can
// allocate until the next reset, and emits a critical alert.
func (l *Ledger) EmergencyShutdown(ctx context.Context, reason string) error {
	if err := l.store.EmergencyShutdown(ctx, reason); err != nil {
		return unavailable(err, "emergency shutdown")
	}
	l.log.Error("budget: emergency shutdown", zap.String("reason", reason))

	rem := model.Remaining{}
	for _, p := range model.Periods() {
		rem[p] = 0
	}
	l.emit(ctx, monitoring.Alert{
		Type:      monitoring.AlertBudgetShutdown,
		Level:     monitoring.LevelCritical,
		Message:   "budget emergency shutdown: " + reason,
		Remaining: rem,
		Timestamp: l.nowFunc().UTC(),
	})
	return nil
}

// RecordResult appends the outcome of an executed attempt, with its actual
// cost, to the audit log.
func (l *Ledger) RecordResult(ctx context.Context, r *model.ScrapeResult) error {
	if r == nil {
		return nil
	}
	if err := l.store.RecordResult(ctx, r); err != nil {
		return unavailable(err, "record result")
	}
	return nil
}

// Stats returns the current state of one period.
func (l *Ledger) Stats(ctx context.Context, p model.Period) (*model.PeriodLedger, error) {
	row, err := l.store.GetBudgetStats(ctx, p)
	if err != nil {
		return nil, unavailable(err, "stats")
	}
	if err := validateRow(row); err != nil {
		return nil, err
	}
	return row, nil
}

// AllStats returns every period in daily, weekly, monthly order.
func (l *Ledger) AllStats(ctx context.Context) ([]model.PeriodLedger, error) {
	rows, err := l.store.ListBudgetPeriods(ctx)
	if err != nil {
		return nil, unavailable(err, "list periods")
	}
	return validateLedgers(rows)
}

// Remaining returns the headroom of every period.
func (l *Ledger) Remaining(ctx context.Context) (model.Remaining, error) {
	ledgers, err := l.AllStats(ctx)
	if err != nil {
		return nil, err
	}
	return remaining(ledgers), nil
}

// EnsurePeriods creates missing period rows and applies limits.
func (l *Ledger) EnsurePeriods(ctx context.Context, limits map[model.Period]float64) error {
	for p, v := range limits {
		if v < 0 || math.IsNaN(v) {
			return eris.Errorf("budget: invalid %s limit %v", p, v)
		}
	}
	if err := l.store.EnsureBudgetPeriods(ctx, limits, Boundaries(l.nowFunc())); err != nil {
		return unavailable(err, "ensure periods")
	}
	return nil
}

func (l *Ledger) audit(ctx context.Context, log *zap.Logger, res AllocationResult, method model.ScrapingMethod, vendorID string, now time.Time) {
	err := l.store.RecordAllocation(ctx, model.BudgetAllocation{
		ID:        res.ID,
		Method:    method,
		VendorID:  vendorID,
		Cost:      res.Cost,
		Approved:  res.Success,
		Message:   res.Message,
		Timestamp: now,
	})
	if err != nil {
		log.Warn("budget: audit allocation failed", zap.Error(err))
	}
}

// checkThresholds emits at most one alert per threshold per period window.
// The store claim makes that hold across processes.
func (l *Ledger) checkThresholds(ctx context.Context, ledgers []model.PeriodLedger, rem model.Remaining) {
	for _, lg := range ledgers {
		if lg.Limit <= 0 {
			continue
		}
		util := lg.Spent / lg.Limit
		for _, th := range l.thresholds {
			if util < th {
				break
			}
			claimed, err := l.store.ClaimAlert(ctx, lg.Period, th, lg.LastReset)
			if err != nil {
				l.log.Warn("budget: claim alert failed", zap.String("period", string(lg.Period)), zap.Error(err))
				continue
			}
			if !claimed {
				continue
			}
			level := monitoring.LevelWarning
			if th >= 0.9 {
				level = monitoring.LevelCritical
			}
			l.emit(ctx, monitoring.Alert{
				Type:      monitoring.AlertBudgetThreshold,
				Level:     level,
				Message:   fmt.Sprintf("%s budget at %.0f%%: $%.2f of $%.2f spent", lg.Period, util*100, lg.Spent, lg.Limit),
				Period:    lg.Period,
				Threshold: th,
				Remaining: rem,
				Timestamp: l.nowFunc().UTC(),
			})
		}
	}
}

func (l *Ledger) emit(ctx context.Context, a monitoring.Alert) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Send(ctx, a); err != nil {
		l.log.Warn("budget: alert delivery failed", zap.String("type", string(a.Type)), zap.Error(err))
	}
}

func unavailable(err error, op string) error {
	return eris.Wrapf(ErrBudgetUnavailable, "budget: %s: %v", op, err)
}

func validateRow(r *model.PeriodLedger) error {
	switch {
	case r == nil:
		return eris.Wrap(ErrBudgetUnavailable, "budget: missing period row")
	case r.Limit < 0 || math.IsNaN(r.Limit) || math.IsInf(r.Limit, 0):
		return eris.Wrapf(ErrBudgetUnavailable, "budget: invalid limit %v for %s", r.Limit, r.Period)
	case r.Spent < 0 || math.IsNaN(r.Spent) || math.IsInf(r.Spent, 0):
		return eris.Wrapf(ErrBudgetUnavailable, "budget: invalid spent %v for %s", r.Spent, r.Period)
	}
	if _, err := model.ParsePeriod(string(r.Period)); err != nil {
		return eris.Wrap(ErrBudgetUnavailable, err.Error())
	}
	return nil
}

// validateLedgers checks that exactly one valid row exists per period and
// returns them in canonical order.
func validateLedgers(rows []model.PeriodLedger) ([]model.PeriodLedger, error) {
	byPeriod := make(map[model.Period]model.PeriodLedger, len(rows))
	for i := range rows {
		if err := validateRow(&rows[i]); err != nil {
			return nil, err
		}
		if _, dup := byPeriod[rows[i].Period]; dup {
			return nil, eris.Wrapf(ErrBudgetUnavailable, "budget: duplicate %s row", rows[i].Period)
		}
		byPeriod[rows[i].Period] = rows[i]
	}
	out := make([]model.PeriodLedger, 0, 3)
	for _, p := range model.Periods() {
		r, ok := byPeriod[p]
		if !ok {
			return nil, eris.Wrapf(ErrBudgetUnavailable, "budget: %s period not initialised", p)
		}
		out = append(out, r)
	}
	return out, nil
}

func remaining(ledgers []model.PeriodLedger) model.Remaining {
	out := make(model.Remaining, len(ledgers))
	for _, lg := range ledgers {
		out[lg.Period] = lg.Remaining()
	}
	return out
}

func tightest(ledgers []model.PeriodLedger) (model.Period, float64) {
	var p model.Period
	lo := math.Inf(1)
	for _, lg := range ledgers {
		if r := lg.Remaining(); r < lo {
			p, lo = lg.Period, r
		}
	}
	return p, lo
}
