package model

// EventType labels a streaming event.
type EventType string

const (
	EventStatus    EventType = "status"
	EventDelta     EventType = "delta"
	EventRetry     EventType = "retry"
	EventHeartbeat EventType = "heartbeat"
	EventResult    EventType = "result"
	EventError     EventType = "error"
)

// Event is one message on a streaming query.
type Event struct {
	Type    EventType `json:"type"`
	TraceID string    `json:"trace_id"`
	State   State     `json:"state,omitempty"`
	Delta   string    `json:"delta,omitempty"`
	Message string    `json:"message,omitempty"`
	Result  *Result   `json:"result,omitempty"`
}
