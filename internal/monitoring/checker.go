package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically snapshots queue and budget state and raises alerts.
// An alert condition pages once when it starts and again only after it has
// cleared and returned.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	active    map[string]bool
}

// NewChecker creates a background alert checker. A non-positive
// check_interval_secs falls back to five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		active:    make(map[string]bool),
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started", zap.Duration("interval", c.interval))

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			log.Info("monitoring: checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-t.C:
		}
	}
}

func alertKey(a Alert) string { return string(a.Type) + "/" + string(a.Period) }

// Check collects one snapshot and sends the alerts that became active
// since the previous check. It returns how many were delivered.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		zap.L().Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	now := make(map[string]bool)
	var fresh []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		key := alertKey(a)
		now[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}

	sent := 0
	for _, a := range fresh {
		if err := c.alerter.Send(ctx, a); err != nil {
			zap.L().Error("monitoring: send alert", zap.String("type", string(a.Type)), zap.Error(err))
			// retried on the next check
			delete(now, alertKey(a))
			continue
		}
		sent++
	}
	c.active = now
	return sent
}
