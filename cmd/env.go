package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/budget"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/orchestrator"
	"github.com/sells-group/pricewatch/internal/queue"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/scrape"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/internal/strategy"
	anthropicpkg "github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/firecrawl"
)

// appEnv holds everything the commands share. Scraping fields are nil
// unless the environment was built with scraping enabled.
type appEnv struct {
	Store    store.Store
	Ledger   *budget.Ledger
	Queue    *queue.Queue
	Metrics  *monitoring.Metrics
	Registry *prometheus.Registry
	Alerter  *monitoring.Alerter

	Orchestrator *orchestrator.Orchestrator
	Worker       *orchestrator.Worker
	browser      *scrape.BrowserPool
}

// Close releases the browser pool and the store.
func (e *appEnv) Close() {
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			zap.L().Warn("close browser pool", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the store, ledger and queue. With scraping set it also
// builds the adapters, the orchestrator and a worker.
func initEnv(ctx context.Context, scraping bool) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)
	alerter := monitoring.NewAlerter(cfg.Monitoring)

	ledger := budget.NewLedger(st,
		budget.WithAlertSink(alerter),
		budget.WithThresholds(cfg.Budget.AlertThresholds),
		budget.WithMetrics(metrics),
	)
	if err := ledger.EnsurePeriods(ctx, budgetLimits(cfg.Budget)); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init budget periods")
	}

	env := &appEnv{
		Store:    st,
		Ledger:   ledger,
		Queue:    queue.New(st, cfg.Queue.Lease(), cfg.Queue.MaxJobAttempts),
		Metrics:  metrics,
		Registry: reg,
		Alerter:  alerter,
	}
	if !scraping {
		return env, nil
	}

	policies, err := loadPolicies()
	if err != nil {
		env.Close()
		return nil, err
	}
	calc := cost.NewCalculator(ratesFrom(cfg.Methods))
	selector := strategy.NewSelector(policies, calc)

	env.browser = scrape.NewBrowserPool(cfg.Browser)
	adapters := scrape.WithBreakers(buildAdapters(env.browser, calc), resilience.NewMethodBreakers(resilience.DefaultCircuitBreakerConfig()))

	env.Orchestrator = orchestrator.New(orchestrator.ConfigFrom(cfg), selector, ledger, st, adapters,
		orchestrator.WithMetrics(metrics))
	env.Worker = orchestrator.NewWorker(orchestrator.WorkerConfig{
		ID:          workerID(),
		BatchSize:   cfg.Queue.BatchSize,
		Concurrency: cfg.Queue.Concurrency,
	}, env.Queue, st, ledger, env.Orchestrator)

	return env, nil
}

// buildAdapters registers one adapter per method. Methods whose API key is
// missing still get an adapter; it reports missing_credentials.
func buildAdapters(pool *scrape.BrowserPool, calc *cost.Calculator) *scrape.Registry {
	var fc firecrawl.Client
	if cfg.Firecrawl.Key != "" {
		fc = firecrawl.NewClient(cfg.Firecrawl.Key,
			firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL),
			firecrawl.WithRateLimit(cfg.Firecrawl.RequestsPerSecond),
		)
	} else {
		zap.L().Warn("firecrawl key not set; firecrawl method will report missing credentials")
	}

	var ac anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		ac = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("anthropic key not set; vision method will report missing credentials")
	}

	return scrape.NewRegistry(
		scrape.NewBrowserAdapter(pool, calc.Estimate(model.MethodPlaywright, nil)),
		scrape.NewFirecrawlAdapter(fc, calc, cfg.Firecrawl.Retries),
		scrape.NewVisionAdapter(pool, ac, calc, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens),
		scrape.ManualAdapter{},
	)
}

// loadPolicies reads tier policies from --policies when given, otherwise
// from the tiers config section.
func loadPolicies() (strategy.Policies, error) {
	if policyFile != "" {
		return strategy.LoadPolicyFile(policyFile)
	}
	return strategy.PoliciesFromConfig(cfg.Tiers)
}

func ratesFrom(m config.MethodsConfig) cost.Rates {
	return cost.Rates{
		Browser: cost.BrowserRate{PerScrape: m.BrowserPerScrape},
		Firecrawl: cost.FirecrawlRate{
			PlanMonthly:      m.Firecrawl.PlanMonthly,
			CreditsIncluded:  m.Firecrawl.CreditsIncluded,
			CreditsPerScrape: m.Firecrawl.CreditsPerScrape,
		},
		Vision: cost.VisionRate{
			Input:           m.Vision.Input,
			Output:          m.Vision.Output,
			EstInputTokens:  m.Vision.EstInputTokens,
			EstOutputTokens: m.Vision.EstOutputTokens,
		},
	}
}

func budgetLimits(b config.BudgetConfig) map[model.Period]float64 {
	return map[model.Period]float64{
		model.PeriodDaily:   b.DailyLimit,
		model.PeriodWeekly:  b.WeeklyLimit,
		model.PeriodMonthly: b.MonthlyLimit,
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
