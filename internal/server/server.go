// Package server exposes the query controller over HTTP: synchronous and
// SSE streaming query endpoints, a health snapshot and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/monitoring"
	"github.com/sells-group/knowledge-search/internal/orchestrator"
)

// Querier answers queries. *orchestrator.Controller satisfies it.
type Querier interface {
	Run(ctx context.Context, req model.Request) (*model.Result, error)
	Stream(ctx context.Context, req model.Request, emit orchestrator.Emit) (*model.Result, error)
}

// StatusFunc returns the current health snapshot.
type StatusFunc func() monitoring.HealthSnapshot

// Config controls the HTTP surface.
type Config struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	// RequestTimeout bounds a request beyond the query budget. 0 disables it.
	RequestTimeout time.Duration
}

const defaultMaxBodyBytes = 64 << 10

// Server routes HTTP requests to the controller.
type Server struct {
	cfg      Config
	querier  Querier
	status   StatusFunc
	gatherer prometheus.Gatherer
	schema   *requestSchema
}

// New builds a Server. status and gatherer may be nil, in which case the
// corresponding endpoints report 503.
func New(cfg Config, q Querier, status StatusFunc, gatherer prometheus.Gatherer) (*Server, error) {
	if q == nil {
		return nil, eris.New("server: querier is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	schema, err := newRequestSchema()
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, querier: q, status: status, gatherer: gatherer, schema: schema}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/v1/query", s.handleQuery)
	r.Post("/v1/query/stream", s.handleStream)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "status not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.querier.Run(ctx, req)
	if err != nil {
		status, body := errorFor(err, req.TraceID)
		writeError(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(res))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorBody{Code: string(orchestrator.CodeInternal), Message: "streaming not supported"})
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher}
	if _, err := s.querier.Stream(ctx, req, sse.send); err != nil {
		zap.L().Info("server: stream ended with error", zap.String("trace_id", req.TraceID), zap.Error(err))
	}
}

// decode reads, schema-checks and unmarshals the request body, writing a
// 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (model.Request, bool) {
	var req model.Request
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorBody{Code: string(orchestrator.CodeValidation), Message: "request body too large"})
			return req, false
		}
		writeError(w, http.StatusBadRequest, errorBody{Code: string(orchestrator.CodeValidation), Message: "unreadable request body"})
		return req, false
	}
	if err := s.schema.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: string(orchestrator.CodeValidation), Message: err.Error()})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: string(orchestrator.CodeValidation), Message: "invalid JSON body"})
		return req, false
	}
	return req, true
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}
