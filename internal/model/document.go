package model

import "time"

// SourceKind tags the family of a knowledge source.
type SourceKind string

const (
	KindVector  SourceKind = "vector"
	KindKeyword SourceKind = "keyword"
	KindGraph   SourceKind = "graph"
	KindWeb     SourceKind = "web"
)

// Document is a single piece of evidence returned by a retrieval lane.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	Relevance   float64   `json:"relevance"`
	Credibility float64   `json:"credibility"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Score       float64   `json:"score,omitempty"`
}

// LaneStatus is the outcome of one retrieval lane.
type LaneStatus string

const (
	LanePending LaneStatus = "pending"
	LaneSuccess LaneStatus = "success"
	LaneTimeout LaneStatus = "timeout"
	LaneError   LaneStatus = "error"
)

// LaneResult is the per-query record of one retrieval lane.
type LaneResult struct {
	Lane      string        `json:"lane"`
	Kind      SourceKind    `json:"kind"`
	Status    LaneStatus    `json:"status"`
	Documents []Document    `json:"documents,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
}
