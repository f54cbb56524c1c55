package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/orchestrator"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

// errorFor maps a controller error to an HTTP status and body.
func errorFor(err error, traceID string) (int, errorBody) {
	qe, ok := orchestrator.AsQueryError(err)
	if !ok {
		return http.StatusInternalServerError, errorBody{
			Code:    string(orchestrator.CodeInternal),
			Message: err.Error(),
			TraceID: traceID,
		}
	}
	body := errorBody{Code: string(qe.Code), Message: qe.Message, TraceID: qe.TraceID}
	switch qe.Code {
	case orchestrator.CodeValidation:
		return http.StatusBadRequest, body
	case orchestrator.CodeCancelled:
		return http.StatusRequestTimeout, body
	case orchestrator.CodeInternal:
		return http.StatusInternalServerError, body
	default:
		return http.StatusServiceUnavailable, body
	}
}

type laneSummary struct {
	Lane      string           `json:"lane"`
	Status    model.LaneStatus `json:"status"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Documents int              `json:"documents"`
	Error     string           `json:"error,omitempty"`
}

type queryResponse struct {
	TraceID         string                   `json:"trace_id"`
	State           model.State              `json:"state"`
	Answer          string                   `json:"answer"`
	Claims          []model.Claim            `json:"claims"`
	Citations       []model.Citation         `json:"citations"`
	Bibliography    []model.BibEntry         `json:"bibliography"`
	Disagreements   []model.DisagreementFlag `json:"disagreements"`
	Confidence      float64                  `json:"confidence"`
	Degraded        bool                     `json:"degraded"`
	DegradedReasons []string                 `json:"degraded_reasons"`
	Provider        string                   `json:"provider,omitempty"`
	Model           string                   `json:"model,omitempty"`
	Tier            model.Tier               `json:"tier"`
	Intent          model.Intent             `json:"intent"`
	Lanes           []laneSummary            `json:"lanes,omitempty"`
	Cached          bool                     `json:"cached"`
	CostUSD         float64                  `json:"cost_usd"`
	DurationMs      int64                    `json:"duration_ms"`
}

func newQueryResponse(r *model.Result) queryResponse {
	resp := queryResponse{
		TraceID:         r.TraceID,
		State:           r.State,
		Answer:          r.Answer,
		Claims:          nonNil(r.Claims),
		Citations:       nonNil(r.Citations),
		Bibliography:    nonNil(r.Bibliography),
		Disagreements:   nonNil(r.Disagreements),
		Confidence:      r.Confidence,
		Degraded:        r.Degraded,
		DegradedReasons: nonNil(r.DegradedReasons),
		Provider:        r.Provider,
		Model:           r.Model,
		Tier:            r.Tier,
		Intent:          r.Intent,
		Cached:          r.Cached,
		CostUSD:         r.CostUSD,
		DurationMs:      r.Duration.Milliseconds(),
	}
	for _, l := range r.Lanes {
		resp.Lanes = append(resp.Lanes, laneSummary{
			Lane:      l.Lane,
			Status:    l.Status,
			ElapsedMs: l.Elapsed.Milliseconds(),
			Documents: len(l.Documents),
			Error:     l.Error,
		})
	}
	return resp
}

// nonNil keeps empty lists as [] rather than null in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type streamEvent struct {
	Type    model.EventType `json:"type"`
	TraceID string          `json:"trace_id"`
	State   model.State     `json:"state,omitempty"`
	Delta   string          `json:"delta,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  *queryResponse  `json:"result,omitempty"`
}

// sseWriter frames events as server-sent events.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(ev model.Event) {
	out := streamEvent{
		Type:    ev.Type,
		TraceID: ev.TraceID,
		State:   ev.State,
		Delta:   ev.Delta,
		Message: ev.Message,
	}
	if ev.Result != nil {
		resp := newQueryResponse(ev.Result)
		out.Result = &resp
	}
	data, err := json.Marshal(out)
	if err != nil {
		zap.L().Warn("server: encode stream event", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return
	}
	s.flusher.Flush()
}
