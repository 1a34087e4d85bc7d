package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBudgetThreshold AlertType = "budget_threshold"
	AlertBudgetShutdown  AlertType = "budget_shutdown"
	AlertBudgetExhausted AlertType = "budget_exhausted"
	AlertJobFailureRate  AlertType = "job_failure_rate"
)

// Alert levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType       `json:"type"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Period    model.Period    `json:"period,omitempty"`
	Threshold float64         `json:"threshold,omitempty"`
	Remaining model.Remaining `json:"remaining,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and delivers alerts via webhook. With no webhook configured alerts are
// only logged.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Job failure rate, once enough jobs have finished to mean anything.
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:  AlertJobFailureRate,
			Level: LevelWarning,
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100, snap.JobsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Exhausted periods block every paid method.
	for _, l := range snap.Budget {
		if l.Limit > 0 && l.Remaining() <= 0 {
			alerts = append(alerts, Alert{
				Type:      AlertBudgetExhausted,
				Level:     LevelCritical,
				Message:   fmt.Sprintf("%s budget exhausted: $%.2f of $%.2f spent", l.Period, l.Spent, l.Limit),
				Period:    l.Period,
				Remaining: snap.Remaining(),
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Send delivers one alert. It always logs; the webhook is used when configured.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("type", string(alert.Type)),
		zap.String("level", alert.Level),
		zap.String("message", alert.Message),
	}
	if alert.Level == LevelCritical {
		zap.L().Error("monitoring: alert", fields...)
	} else {
		zap.L().Warn("monitoring: alert", fields...)
	}

	if a.cfg.WebhookURL == "" {
		return nil
	}
	return a.sendWebhook(ctx, alert)
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
