package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/config"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/router"
	"github.com/sells-group/knowledge-search/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&mockSummarizer{}), NewAlerter(cfg), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		LookbackWindowHours:  1,
		FailureRateThreshold: 0.1,
		WebhookURL:           ts.URL,
	}
	st := &mockSummarizer{sums: []store.StateSummary{
		{State: model.StateFailed, Count: 10},
	}}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg, nil)

	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSummarizer{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CircuitAlertSentOncePerOpening(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 1, WebhookURL: ts.URL}
	state := "open"
	health := func() HealthSnapshot {
		return HealthSnapshot{Providers: []router.Profile{{ID: "primary", State: state}}}
	}
	checker := NewChecker(NewCollector(&mockSummarizer{}), NewAlerter(cfg), cfg, health)

	checker.check(context.Background(), zap.NewNop())
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load(), "still open, no repeat")

	state = "closed"
	checker.check(context.Background(), zap.NewNop())
	state = "open"
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(2), received.Load(), "reopened circuit alerts again")
}

func TestChecker_LaneAlertUsesOutcomesSinceLastCheck(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 1, LaneFailureThreshold: 0.5, WebhookURL: ts.URL}
	statuses := map[model.LaneStatus]int64{model.LaneSuccess: 2, model.LaneTimeout: 8}
	health := func() HealthSnapshot {
		counts := make(map[model.LaneStatus]int64, len(statuses))
		for k, v := range statuses {
			counts[k] = v
		}
		return HealthSnapshot{Lanes: []LaneHealth{{Lane: "graph", Statuses: counts}}}
	}
	checker := NewChecker(NewCollector(&mockSummarizer{}), NewAlerter(cfg), cfg, health)

	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load())

	// Cumulative failures stay high but the last interval was all ok.
	statuses[model.LaneSuccess] += 10
	checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, int32(1), received.Load())
}
