package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/pricewatch/internal/model"
)

// Metrics holds the Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	ScrapeAttempts    *prometheus.CounterVec
	ScrapeDuration    *prometheus.HistogramVec
	BudgetAllocations *prometheus.CounterVec
	BudgetSpent       *prometheus.GaugeVec
	BudgetLimit       *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScrapeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_scrape_attempts_total",
				Help: "Executed scrape attempts by method and status",
			},
			[]string{"method", "status"},
		),
		ScrapeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricewatch_scrape_duration_seconds",
				Help:    "Duration of scrape attempts",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"method"},
		),
		BudgetAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricewatch_budget_allocations_total",
				Help: "Budget allocation requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		BudgetSpent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricewatch_budget_spent_usd",
				Help: "Spend recorded in the current budget period",
			},
			[]string{"period"},
		),
		BudgetLimit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricewatch_budget_limit_usd",
				Help: "Configured limit of the budget period",
			},
			[]string{"period"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricewatch_queue_jobs",
				Help: "Jobs in the queue by status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.ScrapeAttempts,
		m.ScrapeDuration,
		m.BudgetAllocations,
		m.BudgetSpent,
		m.BudgetLimit,
		m.QueueDepth,
	)
	return m
}

// ObserveAttempt records one executed scrape attempt.
func (m *Metrics) ObserveAttempt(method model.ScrapingMethod, status model.ScrapeStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.ScrapeAttempts.WithLabelValues(string(method), string(status)).Inc()
	m.ScrapeDuration.WithLabelValues(string(method)).Observe(d.Seconds())
}

// ObserveAllocation records one allocation outcome ("approved", "denied", "error").
func (m *Metrics) ObserveAllocation(method model.ScrapingMethod, outcome string) {
	if m == nil {
		return
	}
	m.BudgetAllocations.WithLabelValues(string(method), outcome).Inc()
}

// ObserveLedger refreshes the spend gauges for one period.
func (m *Metrics) ObserveLedger(l model.PeriodLedger) {
	if m == nil {
		return
	}
	m.BudgetSpent.WithLabelValues(string(l.Period)).Set(l.Spent)
	m.BudgetLimit.WithLabelValues(string(l.Period)).Set(l.Limit)
}

// ObserveQueue refreshes the queue depth gauges.
func (m *Metrics) ObserveQueue(s model.QueueStats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(string(model.JobQueued)).Set(float64(s.Queued))
	m.QueueDepth.WithLabelValues(string(model.JobProcessing)).Set(float64(s.Processing))
	m.QueueDepth.WithLabelValues(string(model.JobCompleted)).Set(float64(s.Completed))
	m.QueueDepth.WithLabelValues(string(model.JobFailed)).Set(float64(s.Failed))
}
