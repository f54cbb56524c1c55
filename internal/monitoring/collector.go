package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/store"
)

// MetricsSnapshot holds a point-in-time view of query outcomes.
type MetricsSnapshot struct {
	// Query metrics (within lookback window).
	QueriesTotal    int     `json:"queries_total"`
	QueriesComplete int     `json:"queries_complete"`
	QueriesPartial  int     `json:"queries_partial"`
	QueriesFailed   int     `json:"queries_failed"`
	FailRate        float64 `json:"fail_rate"`
	DegradedRate    float64 `json:"degraded_rate"`
	CostUSD         float64 `json:"cost_usd"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// AuditSummarizer abstracts the store method needed by the collector.
type AuditSummarizer interface {
	SummarizeAudits(ctx context.Context, since time.Time) ([]store.StateSummary, error)
}

// Collector gathers query metrics from the audit store.
type Collector struct {
	store AuditSummarizer
}

// NewCollector creates a new metrics collector.
func NewCollector(st AuditSummarizer) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of query metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	sums, err := c.store.SummarizeAudits(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: summarize audits")
	}

	var confSum, durSum float64
	for _, s := range sums {
		n := int(s.Count)
		snap.QueriesTotal += n
		snap.CostUSD += s.TotalCostUSD
		confSum += s.AvgConfidence * float64(s.Count)
		durSum += s.AvgDurationMs * float64(s.Count)
		switch s.State {
		case model.StateComplete:
			snap.QueriesComplete += n
		case model.StatePartial:
			snap.QueriesPartial += n
		case model.StateFailed:
			snap.QueriesFailed += n
		}
	}

	if snap.QueriesTotal > 0 {
		total := float64(snap.QueriesTotal)
		snap.FailRate = float64(snap.QueriesFailed) / total
		snap.DegradedRate = float64(snap.QueriesPartial) / total
		snap.AvgConfidence = confSum / total
		snap.AvgDurationMs = durSum / total
	}
	return snap, nil
}
