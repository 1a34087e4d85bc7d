package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	JobsQueued     int     `json:"jobs_queued"`
	JobsProcessing int     `json:"jobs_processing"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	JobFailRate    float64 `json:"job_fail_rate"`

	Budget []model.PeriodLedger `json:"budget"`

	CollectedAt time.Time `json:"collected_at"`
}

// Remaining returns per-period headroom from the snapshot.
func (s *MetricsSnapshot) Remaining() model.Remaining {
	out := make(model.Remaining, len(s.Budget))
	for _, l := range s.Budget {
		out[l.Period] = l.Remaining()
	}
	return out
}

// Source abstracts the store methods needed by the collector.
type Source interface {
	GetQueueStats(ctx context.Context) (model.QueueStats, error)
	ListBudgetPeriods(ctx context.Context) ([]model.PeriodLedger, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src     Source
	metrics *Metrics
}

// NewCollector creates a new metrics collector. metrics may be nil.
func NewCollector(src Source, metrics *Metrics) *Collector {
	return &Collector{src: src, metrics: metrics}
}

// Collect gathers a snapshot of queue and budget state and refreshes the
// exported gauges.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	stats, err := c.src.GetQueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.JobsQueued = stats.Queued
	snap.JobsProcessing = stats.Processing
	snap.JobsCompleted = stats.Completed
	snap.JobsFailed = stats.Failed
	if finished := stats.Completed + stats.Failed; finished > 0 {
		snap.JobFailRate = float64(stats.Failed) / float64(finished)
	}

	periods, err := c.src.ListBudgetPeriods(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: budget periods")
	}
	snap.Budget = periods

	c.metrics.ObserveQueue(stats)
	for _, l := range periods {
		c.metrics.ObserveLedger(l)
	}

	return snap, nil
}
