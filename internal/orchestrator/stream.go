package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/knowledge-search/internal/model"
)

// progress receives state changes and generated text while a query runs.
type progress interface {
	begin(traceID string)
	state(s model.State)
	delta(text string)
	retry(provider string, err error)
}

type noProgress struct{}

func (noProgress) begin(string)        {}
func (noProgress) state(model.State)   {}
func (noProgress) delta(string)        {}
func (noProgress) retry(string, error) {}

// Emit receives stream events. Calls are serialized and stop once Stream
// returns.
type Emit func(model.Event)

// Stream runs req like Run while emitting status, delta, retry and
// heartbeat events, then one final result or error event. The returned
// values are those of Run.
func (c *Controller) Stream(ctx context.Context, req model.Request, emit Emit) (*model.Result, error) {
	s := &streamer{emit: emit, traceID: req.TraceID}
	defer s.close()

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(hbCtx, c.cfg.Heartbeat)
	}()

	res, err := c.run(ctx, req, s)
	stop()
	wg.Wait()

	if err != nil {
		ev := model.Event{Type: model.EventError, State: model.StateFailed, Message: err.Error()}
		if qe, ok := AsQueryError(err); ok {
			ev.TraceID = qe.TraceID
		}
		s.send(ev)
		return nil, err
	}
	s.send(model.Event{Type: model.EventResult, TraceID: res.TraceID, State: res.State, Result: res})
	return res, nil
}

// streamer adapts progress callbacks to events. Provider callbacks may
// still fire after the caller left, so sends after close are dropped.
type streamer struct {
	mu      sync.Mutex
	emit    Emit
	traceID string
	closed  bool
}

func (s *streamer) send(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.emit == nil {
		return
	}
	if ev.TraceID == "" {
		ev.TraceID = s.traceID
	}
	s.emit(ev)
}

func (s *streamer) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *streamer) begin(traceID string) {
	s.mu.Lock()
	s.traceID = traceID
	s.mu.Unlock()
}

func (s *streamer) state(st model.State) {
	s.send(model.Event{Type: model.EventStatus, State: st})
}

func (s *streamer) delta(text string) {
	if text == "" {
		return
	}
	s.send(model.Event{Type: model.EventDelta, Delta: text})
}

func (s *streamer) retry(provider string, err error) {
	msg := provider + " failed"
	if err != nil {
		msg += ": " + err.Error()
	}
	s.send(model.Event{Type: model.EventRetry, Message: msg})
}

func (s *streamer) heartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.send(model.Event{Type: model.EventHeartbeat})
		}
	}
}
