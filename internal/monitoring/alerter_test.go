package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.25})

	snap := &MetricsSnapshot{
		JobsCompleted: 95,
		JobsFailed:    5,
		JobFailRate:   0.05,
		Budget: []model.PeriodLedger{
			{Period: model.PeriodDaily, Limit: 5, Spent: 1},
		},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.25})

	snap := &MetricsSnapshot{
		JobsCompleted: 12,
		JobsFailed:    8,
		JobFailRate:   0.4,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Only 3 finished jobs, below the 5-job minimum.
	snap := &MetricsSnapshot{JobsCompleted: 1, JobsFailed: 2, JobFailRate: 0.666}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_BudgetExhausted(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Budget: []model.PeriodLedger{
			{Period: model.PeriodDaily, Limit: 5, Spent: 5},
			{Period: model.PeriodWeekly, Limit: 25, Spent: 5},
			{Period: model.PeriodMonthly, Limit: 0, Spent: 0},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBudgetExhausted, alerts[0].Type)
	assert.Equal(t, LevelCritical, alerts[0].Level)
	assert.Equal(t, model.PeriodDaily, alerts[0].Period)
	assert.InDelta(t, 20.0, alerts[0].Remaining[model.PeriodWeekly], 1e-9)
}

func TestAlerter_Send(t *testing.T) {
	var got Alert
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	err := a.Send(context.Background(), Alert{
		Type:      AlertBudgetThreshold,
		Level:     LevelWarning,
		Message:   "daily budget at 70%",
		Period:    model.PeriodDaily,
		Threshold: 0.7,
		Remaining: model.Remaining{model.PeriodDaily: 1.5},
	})
	require.NoError(t, err)

	assert.Equal(t, AlertBudgetThreshold, got.Type)
	assert.Equal(t, model.PeriodDaily, got.Period)
	assert.InDelta(t, 0.7, got.Threshold, 1e-9)
	assert.InDelta(t, 1.5, got.Remaining[model.PeriodDaily], 1e-9)
	assert.False(t, got.Timestamp.IsZero())
}

func TestAlerter_Send_NoWebhookLogsOnly(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.NoError(t, a.Send(context.Background(), Alert{Type: AlertBudgetShutdown, Level: LevelCritical}))
}

func TestAlerter_Send_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	err := a.Send(context.Background(), Alert{Type: AlertBudgetShutdown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
