// Package audit records completed queries off the request path.
package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
)

// Writer persists audit records. store.Store satisfies it.
type Writer interface {
	SaveAudit(ctx context.Context, rec *model.AuditRecord) error
}

// Config sizes the sink.
type Config struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// Stats reports sink counters.
type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Sink writes audit records on a bounded worker pool. When every worker is
// busy the record is dropped instead of blocking the caller.
type Sink struct {
	w       Writer
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewSink creates a sink writing to w.
func NewSink(w Writer, cfg Config) (*Sink, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, eris.Wrap(err, "audit: create pool")
	}
	return &Sink{w: w, pool: pool, timeout: cfg.WriteTimeout}, nil
}

// Record queues rec for persistence. It never blocks on the writer.
func (s *Sink) Record(rec model.AuditRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.write(&rec)
	})
	if err == nil {
		return
	}
	s.wg.Done()
	s.dropped.Add(1)
	if errors.Is(err, ants.ErrPoolOverload) {
		zap.L().Warn("audit: pool saturated, dropping record",
			zap.String("trace_id", rec.TraceID),
		)
		return
	}
	zap.L().Warn("audit: submit failed", zap.String("trace_id", rec.TraceID), zap.Error(err))
}

func (s *Sink) write(rec *model.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.w.SaveAudit(ctx, rec); err != nil {
		s.failed.Add(1)
		zap.L().Error("audit: save failed",
			zap.String("trace_id", rec.TraceID),
			zap.Error(err),
		)
		return
	}
	s.written.Add(1)
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

// Close stops accepting records and waits for in-flight writes.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Release()
}
