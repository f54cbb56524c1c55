package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/config"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/router"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:  0.10,
		DegradedRateThreshold: 0.5,
		CostThresholdUSD:      50.0,
	})

	snap := &MetricsSnapshot{
		QueriesTotal:    100,
		QueriesComplete: 90,
		QueriesPartial:  5,
		QueriesFailed:   5,
		FailRate:        0.05,
		DegradedRate:    0.05,
		CostUSD:         10.0,
		LookbackHours:   24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		QueriesTotal:  20,
		QueriesFailed: 8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueryFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_DegradedRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DegradedRateThreshold: 0.25})

	snap := &MetricsSnapshot{
		QueriesTotal:   10,
		QueriesPartial: 5,
		DegradedRate:   0.5,
		LookbackHours:  6,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDegradedRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, CostThresholdUSD: 100.0})

	snap := &MetricsSnapshot{
		QueriesTotal:  50,
		QueriesFailed: 2,
		FailRate:      0.04,
		CostUSD:       250.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_MinimumQueriesRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10, DegradedRateThreshold: 0.1})

	snap := &MetricsSnapshot{
		QueriesTotal:   3,
		QueriesFailed:  2,
		QueriesPartial: 1,
		FailRate:       0.666,
		DegradedRate:   0.333,
		LookbackHours:  24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		QueriesTotal: 100,
		FailRate:     0.9,
		DegradedRate: 0.9,
		CostUSD:      999.0,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertQueryFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertQueryFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertQueryFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_EvaluateHealth_OpenCircuit(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.EvaluateHealth(HealthSnapshot{Providers: []router.Profile{
		{ID: "primary", State: "open", ConsecutiveFailures: 3},
		{ID: "fallback", State: "closed"},
		{ID: "cheap", State: "half-open"},
	}})

	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "primary", alerts[0].Details["provider"])
}

func TestAlerter_EvaluateHealth_LaneFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{LaneFailureThreshold: 0.5})
	alerts := a.EvaluateHealth(HealthSnapshot{Lanes: []LaneHealth{
		{Lane: "graph", Statuses: map[model.LaneStatus]int64{model.LaneSuccess: 1, model.LaneTimeout: 3, model.LaneError: 2}},
		{Lane: "vector", Statuses: map[model.LaneStatus]int64{model.LaneSuccess: 9, model.LaneError: 1}},
		{Lane: "keyword", Statuses: map[model.LaneStatus]int64{model.LaneError: 4}},
	}})

	require.Len(t, alerts, 1, "vector is under threshold and keyword has too few samples")
	assert.Equal(t, AlertLaneFailureRate, alerts[0].Type)
	assert.Equal(t, "graph", alerts[0].Details["lane"])
}

func TestAlerter_EvaluateHealth_LaneThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.EvaluateHealth(HealthSnapshot{Lanes: []LaneHealth{
		{Lane: "graph", Statuses: map[model.LaneStatus]int64{model.LaneError: 10}},
	}})
	assert.Empty(t, alerts)
}
