package model

import "time"

// Tier is the classified complexity of a query.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Intent is the detected purpose of a query.
type Intent string

const (
	IntentDefinition  Intent = "definition"
	IntentFactual     Intent = "factual"
	IntentComparison  Intent = "comparison"
	IntentProcedural  Intent = "procedural"
	IntentExplanation Intent = "explanation"
	IntentExploratory Intent = "exploratory"
)

// Request is an inbound query submission.
type Request struct {
	Text      string `json:"text"`
	Context   string `json:"context,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Query is a classified request. It is not modified after classification.
type Query struct {
	Text            string    `json:"text"`
	Context         string    `json:"context,omitempty"`
	Normalized      string    `json:"normalized"`
	Fingerprint     string    `json:"fingerprint"`
	Tier            Tier      `json:"tier"`
	ComplexityScore float64   `json:"complexity_score"`
	Intent          Intent    `json:"intent"`
	TraceID         string    `json:"trace_id"`
	MaxTokens       int       `json:"max_tokens"`
	ReceivedAt      time.Time `json:"received_at"`
}
