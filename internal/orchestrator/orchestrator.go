// Package orchestrator runs one scrape session for a vendor: it walks the
// method strategy, reserves budget before each paid attempt, executes the
// adapter under a timeout and keeps vendor health up to date.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/budget"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/scrape"
	"github.com/sells-group/pricewatch/internal/strategy"
)

// Ledger is the part of the budget ledger a session needs.
type Ledger interface {
	Allocate(ctx context.Context, method model.ScrapingMethod, vendorID string, cost float64) (budget.AllocationResult, error)
	Remaining(ctx context.Context) (model.Remaining, error)
	RecordResult(ctx context.Context, r *model.ScrapeResult) error
}

// HealthStore persists vendor health after every attempt.
type HealthStore interface {
	SaveHealth(ctx context.Context, h model.VendorHealth) error
}

// Adapters resolves the adapter for a method.
type Adapters interface {
	Get(m model.ScrapingMethod) (scrape.Adapter, bool)
}

// Config bounds a session.
type Config struct {
	MaxAttempts         int
	RetryDelay          time.Duration
	AttemptTimeout      time.Duration
	QuarantineThreshold int
	QuarantineDuration  time.Duration
}

// ConfigFrom derives the session bounds from application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxAttempts:         cfg.Orchestrator.MaxAttempts,
		RetryDelay:          cfg.Orchestrator.RetryDelay(),
		AttemptTimeout:      cfg.Methods.AttemptTimeout(),
		QuarantineThreshold: cfg.Orchestrator.QuarantineThreshold,
		QuarantineDuration:  cfg.Orchestrator.QuarantineDuration(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = 5
	}
	if c.QuarantineDuration <= 0 {
		c.QuarantineDuration = 24 * time.Hour
	}
	return c
}

// Orchestrator runs scrape sessions. It holds no per-vendor state and
// takes no per-vendor lock; callers must not run two sessions for the same
// vendor at once.
type Orchestrator struct {
	cfg      Config
	selector *strategy.Selector
	ledger   Ledger
	health   HealthStore
	adapters Adapters
	metrics  *monitoring.Metrics
	nowFunc  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records attempt outcomes.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFunc = now }
}

// WithSleep overrides the inter-attempt wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an Orchestrator.
func New(cfg Config, selector *strategy.Selector, ledger Ledger, health HealthStore, adapters Adapters, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		selector: selector,
		ledger:   ledger,
		health:   health,
		adapters: adapters,
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one session for vendor and returns its terminal result.
// Scrape failures are data in the result; the error is non-nil only when
// the budget ledger or the health store cannot be used.
func (o *Orchestrator) Run(ctx context.Context, vendor model.Vendor) (*model.ScrapeResult, error) {
	cfg := vendor.ScrapeConfig()
	health := vendor.Health
	health.VendorID = cfg.VendorID
	started := o.now()
	log := zap.L().With(zap.String("vendor_id", cfg.VendorID))

	headroom, err := o.ledger.Remaining(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: read headroom")
	}
	s := newSession(o.selector, cfg, headroom)
	log.Debug("orchestrator: strategy selected",
		zap.String("tier", string(s.strategy.Tier)),
		zap.String("primary", string(s.strategy.PrimaryMethod)),
		zap.Int("fallbacks", len(s.strategy.FallbackChain)),
		zap.Bool("allow_escalation", s.strategy.AllowEscalation),
	)

	var (
		last      *model.ScrapeResult
		attempts  int
		spent     float64
		denied    bool
		waitFirst bool
	)

	for attempts < o.cfg.MaxAttempts {
		m, ok := s.next()
		if !ok {
			break
		}
		adapter, ok := o.adapters.Get(m)
		if !ok {
			log.Debug("orchestrator: no adapter registered", zap.String("method", string(m)))
			continue
		}

		if waitFirst {
			if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
				break
			}
			waitFirst = false
		}

		if c := o.selector.Cost(cfg, m); c > 0 {
			alloc, err := o.ledger.Allocate(ctx, m, cfg.VendorID, c)
			if err != nil {
				return nil, eris.Wrap(err, "orchestrator: allocate")
			}
			if !alloc.Success {
				denied = true
				log.Info("orchestrator: allocation denied, trying next method",
					zap.String("method", string(m)),
					zap.String("reason", alloc.Message),
				)
				continue
			}
		}

		res := o.execute(ctx, adapter, cfg)
		attempts++
		spent += res.ActualCost

		if err := o.ledger.RecordResult(ctx, res); err != nil {
			return nil, eris.Wrap(err, "orchestrator: record result")
		}
		o.metrics.ObserveAttempt(m, res.Status, res.Duration)

		now := o.now()
		health.LastAttemptAt = &now
		if res.Succeeded() {
			health.ConsecutiveFailures = 0
			health.LastSuccessfulMethod = m
			health.IsQuarantined = false
			health.QuarantineUntil = nil
			if err := o.saveHealth(ctx, health); err != nil {
				return nil, err
			}
			log.Info("orchestrator: scrape succeeded",
				zap.String("method", string(m)),
				zap.Int("attempts", attempts),
				zap.Int("tiers", len(res.Tiers)),
			)
			return o.finish(res, started, attempts, spent), nil
		}

		health.ConsecutiveFailures++
		if health.ConsecutiveFailures >= o.cfg.QuarantineThreshold {
			until := now.Add(o.cfg.QuarantineDuration)
			health.IsQuarantined = true
			health.QuarantineUntil = &until
			log.Warn("orchestrator: vendor quarantined",
				zap.Int("consecutive_failures", health.ConsecutiveFailures),
				zap.Time("until", until),
			)
		}
		if err := o.saveHealth(ctx, health); err != nil {
			return nil, err
		}

		last = res
		log.Info("orchestrator: attempt failed",
			zap.String("method", string(m)),
			zap.String("code", res.Error.Code),
			zap.Bool("retryable", res.Error.ShouldRetry),
			zap.String("message", res.Error.Message),
		)
		if res.Error.Code == model.ErrCodeInvalidTarget {
			break
		}
		s.suggest(res.Error.SuggestedNextMethod)
		waitFirst = res.Error.ShouldRetry
	}

	if last == nil {
		code, msg := model.ErrCodeNoMethods, "no scraping methods available"
		if denied {
			code, msg = model.ErrCodeInsufficientBudget, "insufficient budget for every candidate method"
		}
		last = model.Failure(cfg.VendorID, "", code, msg, false)
	}
	return o.finish(last, started, attempts, spent), nil
}

// execute runs one attempt and always returns a result with an Error set
// when it did not succeed.
func (o *Orchestrator) execute(ctx context.Context, a scrape.Adapter, cfg model.VendorScrapeConfig) *model.ScrapeResult {
	m := a.Method()
	start := o.now()

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	res, err := a.Execute(attemptCtx, cfg)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err != nil:
		code, retry := resilience.Classify(err)
		if timedOut {
			code, retry = model.ErrCodeTimeout, true
		}
		res = model.Failure(cfg.VendorID, m, code, err.Error(), retry)
	case res == nil:
		res = model.Failure(cfg.VendorID, m, model.ErrCodeAdapter, "adapter returned no result", false)
	}

	end := o.now()
	res.VendorID = cfg.VendorID
	res.MethodUsed = m
	if res.StartedAt.IsZero() || err != nil {
		res.StartedAt = start
	}
	res.CompletedAt = end
	if res.Duration == 0 {
		res.Duration = end.Sub(res.StartedAt)
	}
	if !res.Succeeded() {
		if res.Status == model.ScrapeSuccess {
			res.Status = model.ScrapeFailed
		}
		if res.Error == nil {
			res.Error = &model.ScrapeError{Message: "no pricing found", Code: model.ErrCodeNoPricing, ShouldRetry: true}
		}
		if timedOut && err == nil {
			// An attempt that outlived its deadline is retryable however the
			// adapter reported it.
			e := *res.Error
			e.Code, e.ShouldRetry = model.ErrCodeTimeout, true
			res.Error = &e
		}
	}
	return res
}

func (o *Orchestrator) finish(r *model.ScrapeResult, started time.Time, attempts int, spent float64) *model.ScrapeResult {
	out := *r
	out.StartedAt = started
	out.CompletedAt = o.now()
	out.Duration = out.CompletedAt.Sub(started)
	out.Attempts = attempts
	out.ActualCost = spent
	return &out
}

func (o *Orchestrator) saveHealth(ctx context.Context, h model.VendorHealth) error {
	if err := o.health.SaveHealth(ctx, h); err != nil {
		return eris.Wrapf(err, "orchestrator: save health for %s", h.VendorID)
	}
	return nil
}

func (o *Orchestrator) now() time.Time { return o.nowFunc().UTC() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
