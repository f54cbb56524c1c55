// Package store persists query audit records.
package store

import (
	"context"
	"time"

	"github.com/sells-group/knowledge-search/internal/model"
)

// AuditFilter specifies criteria for listing audit records.
type AuditFilter struct {
	State   model.State `json:"state,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Since   time.Time   `json:"since,omitzero"`
	Limit   int         `json:"limit,omitempty"`
	Offset  int         `json:"offset,omitempty"`
}

// StateSummary aggregates audit records sharing a final state.
type StateSummary struct {
	State         model.State `json:"state"`
	Count         int64       `json:"count"`
	AvgDurationMs float64     `json:"avg_duration_ms"`
	AvgConfidence float64     `json:"avg_confidence"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
}

// Store defines the persistence interface for query audits.
type Store interface {
	SaveAudit(ctx context.Context, rec *model.AuditRecord) error
	GetAudit(ctx context.Context, id string) (*model.AuditRecord, error)
	ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)
	SummarizeAudits(ctx context.Context, since time.Time) ([]StateSummary, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func limitOf(f AuditFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
