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

	"github.com/sells-group/knowledge-search/internal/config"
	"github.com/sells-group/knowledge-search/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQueryFailureRate AlertType = "query_failure_rate"
	AlertDegradedRate     AlertType = "degraded_rate"
	AlertCostOverrun      AlertType = "cost_overrun"
	AlertCircuitOpen      AlertType = "circuit_open"
	AlertLaneFailureRate  AlertType = "lane_failure_rate"
)

// minQueriesForRate is the sample size below which rate alerts stay quiet.
const minQueriesForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
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

	if snap.QueriesTotal >= minQueriesForRate && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueryFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Query failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.QueriesFailed, snap.QueriesTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.QueriesFailed,
				"total":        snap.QueriesTotal,
			},
			Timestamp: now,
		})
	}

	if snap.QueriesTotal >= minQueriesForRate && a.cfg.DegradedRateThreshold > 0 && snap.DegradedRate > a.cfg.DegradedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDegradedRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Degraded answer rate %.1f%% exceeds threshold %.1f%% in last %dh",
				snap.DegradedRate*100, a.cfg.DegradedRateThreshold*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"degraded_rate": snap.DegradedRate,
				"threshold":     a.cfg.DegradedRateThreshold,
				"partial":       snap.QueriesPartial,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"queries_total": snap.QueriesTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateHealth checks the live health snapshot: every provider whose
// circuit is open, and every lane whose share of timeouts and errors in
// its status counts exceeds the lane failure threshold.
func (a *Alerter) EvaluateHealth(h HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, p := range h.Providers {
		if p.State != "open" {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message: fmt.Sprintf("Provider %s circuit is open after %d consecutive failures",
				p.ID, p.ConsecutiveFailures),
			Details: map[string]any{
				"provider":             p.ID,
				"consecutive_failures": p.ConsecutiveFailures,
				"error_rate":           p.ErrorRate,
				"since":                p.LastTransition,
			},
			Timestamp: now,
		})
	}

	if a.cfg.LaneFailureThreshold <= 0 {
		return alerts
	}
	for _, l := range h.Lanes {
		var total, failed int64
		for status, n := range l.Statuses {
			total += n
			if status == model.LaneTimeout || status == model.LaneError {
				failed += n
			}
		}
		if total < minQueriesForRate {
			continue
		}
		rate := float64(failed) / float64(total)
		if rate <= a.cfg.LaneFailureThreshold {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertLaneFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf("Lane %s failed %.1f%% of %d searches (threshold %.1f%%)",
				l.Lane, rate*100, total, a.cfg.LaneFailureThreshold*100),
			Details: map[string]any{
				"lane":      l.Lane,
				"failed":    failed,
				"total":     total,
				"threshold": a.cfg.LaneFailureThreshold,
				"p90_ms":    l.P90Ms,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

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
