package model

import "time"

// State is a position in the query controller state machine.
type State string

const (
	StateReceived     State = "received"
	StateClassifying  State = "classifying"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateAligning     State = "aligning"
	StateComplete     State = "complete"
	StatePartial      State = "partial"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends the state machine.
func (s State) Terminal() bool {
	return s == StateComplete || s == StatePartial || s == StateFailed
}

// Result is the response to a query.
type Result struct {
	TraceID         string             `json:"trace_id"`
	Fingerprint     string             `json:"fingerprint"`
	Tier            Tier               `json:"tier"`
	Intent          Intent             `json:"intent"`
	Answer          string             `json:"answer"`
	Claims          []Claim            `json:"claims"`
	Alignments      []SourceAlignment  `json:"alignments"`
	Disagreements   []DisagreementFlag `json:"disagreements"`
	Citations       []Citation         `json:"citations"`
	Bibliography    []BibEntry         `json:"bibliography"`
	Confidence      float64            `json:"confidence"`
	Degraded        bool               `json:"degraded"`
	DegradedReasons []string           `json:"degraded_reasons,omitempty"`
	State           State              `json:"state"`
	Provider        string             `json:"provider,omitempty"`
	Model           string             `json:"model,omitempty"`
	Lanes           []LaneResult       `json:"lanes,omitempty"`
	Documents       []Document         `json:"documents,omitempty"`
	Budget          *Budget            `json:"budget,omitempty"`
	CostUSD         float64            `json:"cost_usd"`
	Cached          bool               `json:"cached"`
	Duration        time.Duration      `json:"duration"`
}

// LaneAudit is the per-lane portion of an audit record.
type LaneAudit struct {
	Lane      string     `json:"lane"`
	Status    LaneStatus `json:"status"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Documents int        `json:"documents"`
}

// AuditRecord summarizes one completed query for analytics.
type AuditRecord struct {
	ID              string      `json:"id"`
	TraceID         string      `json:"trace_id"`
	Fingerprint     string      `json:"fingerprint"`
	Tier            Tier        `json:"tier"`
	State           State       `json:"state"`
	Provider        string      `json:"provider,omitempty"`
	Model           string      `json:"model,omitempty"`
	Lanes           []LaneAudit `json:"lanes"`
	Claims          int         `json:"claims"`
	Unsupported     int         `json:"unsupported"`
	Disagreements   int         `json:"disagreements"`
	Citations       int         `json:"citations"`
	Confidence      float64     `json:"confidence"`
	Degraded        bool        `json:"degraded"`
	DegradedReasons []string    `json:"degraded_reasons,omitempty"`
	CostUSD         float64     `json:"cost_usd"`
	DurationMs      int64       `json:"duration_ms"`
	Cached          bool        `json:"cached"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewAuditRecord builds the audit summary for a result.
func NewAuditRecord(r *Result) AuditRecord {
	rec := AuditRecord{
		TraceID:         r.TraceID,
		Fingerprint:     r.Fingerprint,
		Tier:            r.Tier,
		State:           r.State,
		Provider:        r.Provider,
		Model:           r.Model,
		Claims:          len(r.Claims),
		Disagreements:   len(r.Disagreements),
		Citations:       len(r.Citations),
		Confidence:      r.Confidence,
		Degraded:        r.Degraded,
		DegradedReasons: r.DegradedReasons,
		CostUSD:         r.CostUSD,
		DurationMs:      r.Duration.Milliseconds(),
		Cached:          r.Cached,
	}
	for _, c := range r.Claims {
		if c.Unsupported {
			rec.Unsupported++
		}
	}
	for _, l := range r.Lanes {
		rec.Lanes = append(rec.Lanes, LaneAudit{
			Lane:      l.Lane,
			Status:    l.Status,
			ElapsedMs: l.Elapsed.Milliseconds(),
			Documents: len(l.Documents),
		})
	}
	return rec
}
