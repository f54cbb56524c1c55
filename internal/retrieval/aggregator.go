// Package retrieval fans a query out to every configured knowledge source in
// parallel under per-lane timeouts and a phase deadline.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/source"
)

// Default lane settings.
const (
	DefaultLaneTimeout = 2 * time.Second
	DefaultTopK        = 8
)

// Lane binds a source to its timeout and result size.
type Lane struct {
	Source  source.Source
	Timeout time.Duration
	TopK    int
}

// Name returns the lane name.
func (l Lane) Name() string { return l.Source.Name() }

// Observer receives the outcome of each resolved lane.
type Observer interface {
	ObserveLane(lane string, status model.LaneStatus, elapsed time.Duration)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBreakers guards each lane with a per-source circuit breaker.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(a *Aggregator) { a.breakers = sb }
}

// WithObserver registers a lane outcome observer.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

// Aggregator runs retrieval lanes concurrently.
type Aggregator struct {
	lanes    []Lane
	breakers *resilience.ServiceBreakers
	observer Observer
	nowFunc  func() time.Time
}

// New creates an aggregator over lanes. Lane order is preserved in results.
func New(lanes []Lane, opts ...Option) *Aggregator {
	a := &Aggregator{nowFunc: time.Now}
	for _, l := range lanes {
		if l.Source == nil {
			continue
		}
		if l.Timeout <= 0 {
			l.Timeout = DefaultLaneTimeout
		}
		if l.TopK <= 0 {
			l.TopK = DefaultTopK
		}
		a.lanes = append(a.lanes, l)
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Lanes returns the configured lane names in order.
func (a *Aggregator) Lanes() []string {
	names := make([]string, len(a.lanes))
	for i, l := range a.lanes {
		names[i] = l.Name()
	}
	return names
}

type laneOutcome struct {
	idx    int
	result model.LaneResult
}

// FanOut searches every lane in parallel and returns one LaneResult per lane
// in configured order. It returns when all lanes resolve or budget elapses,
// whichever comes first; lanes still pending at that point are cancelled and
// reported as timed out with no documents. A non-positive budget means the
// caller's context alone bounds the phase.
func (a *Aggregator) FanOut(ctx context.Context, query string, budget time.Duration) []model.LaneResult {
	start := a.nowFunc()
	results := make([]model.LaneResult, len(a.lanes))
	for i, l := range a.lanes {
		results[i] = model.LaneResult{Lane: l.Name(), Kind: l.Source.Kind(), Status: model.LanePending}
	}
	if len(a.lanes) == 0 {
		return results
	}

	var (
		phaseCtx context.Context
		cancel   context.CancelFunc
	)
	if budget > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, budget)
	} else {
		phaseCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so late lanes never block after FanOut has returned.
	done := make(chan laneOutcome, len(a.lanes))
	for i, l := range a.lanes {
		go func(idx int, lane Lane) {
			done <- laneOutcome{idx: idx, result: a.runLane(phaseCtx, lane, query)}
		}(i, l)
	}

	remaining := len(a.lanes)
	for remaining > 0 {
		select {
		case out := <-done:
			results[out.idx] = out.result
			remaining--
		case <-phaseCtx.Done():
			elapsed := a.nowFunc().Sub(start)
			for i := range results {
				if results[i].Status != model.LanePending {
					continue
				}
				results[i].Status = model.LaneTimeout
				results[i].Elapsed = elapsed
				results[i].Error = "retrieval phase deadline exceeded"
				a.observe(results[i])
				zap.L().Warn("retrieval: lane abandoned at phase deadline",
					zap.String("lane", results[i].Lane),
					zap.Duration("elapsed", elapsed),
				)
			}
			return results
		}
	}
	return results
}

// runLane executes one lane and never panics or returns an error; failures
// are encoded in the LaneResult.
func (a *Aggregator) runLane(phaseCtx context.Context, lane Lane, query string) model.LaneResult {
	start := a.nowFunc()
	res := model.LaneResult{Lane: lane.Name(), Kind: lane.Source.Kind()}

	var cause error
	search := func(ctx context.Context) ([]model.Document, error) {
		laneCtx, cancel := context.WithTimeout(ctx, lane.Timeout)
		defer cancel()

		docs, err := safeSearch(laneCtx, lane, query)
		switch {
		case err == nil:
			return docs, nil
		case ctx.Err() != nil:
			// The phase ended, not the lane; the breaker releases the call.
			return nil, ctx.Err()
		case laneCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			return nil, eris.Wrapf(resilience.ErrLaneTimeout, "lane %s", lane.Name())
		default:
			cause = err
			return nil, eris.Wrapf(resilience.ErrLaneError, "lane %s: %v", lane.Name(), err)
		}
	}

	var docs []model.Document
	var err error
	if a.breakers != nil {
		docs, err = resilience.ExecuteVal(phaseCtx, a.breakers.Get(lane.Name()), search)
	} else {
		docs, err = search(phaseCtx)
	}
	res.Elapsed = a.nowFunc().Sub(start)

	switch {
	case err == nil:
		res.Status = model.LaneSuccess
		res.Documents = stampSource(docs, lane)
	case errors.Is(err, resilience.ErrCircuitOpen):
		res.Status = model.LaneError
		res.Error = "circuit open"
		res.Elapsed = 0
	case phaseCtx.Err() != nil:
		res.Status = model.LaneTimeout
		res.Error = "retrieval phase deadline exceeded"
	case errors.Is(err, resilience.ErrLaneTimeout):
		res.Status = model.LaneTimeout
		res.Error = fmt.Sprintf("timed out after %s", lane.Timeout)
	default:
		res.Status = model.LaneError
		res.Error = cause.Error()
	}

	if phaseCtx.Err() == nil {
		a.observe(res)
		if res.Status != model.LaneSuccess {
			zap.L().Warn("retrieval: lane failed",
				zap.String("lane", res.Lane),
				zap.String("status", string(res.Status)),
				zap.Duration("elapsed", res.Elapsed),
				zap.Error(err),
			)
		}
	}
	return res
}

// safeSearch calls the source and converts a panic into an error.
func safeSearch(ctx context.Context, lane Lane, query string) (docs []model.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("source panic: %v", r)
		}
	}()
	return lane.Source.Search(ctx, query, lane.TopK)
}

// stampSource sets the lane name on every document and truncates to TopK.
func stampSource(docs []model.Document, lane Lane) []model.Document {
	if len(docs) > lane.TopK {
		docs = docs[:lane.TopK]
	}
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		d.Source = lane.Name()
		out = append(out, d)
	}
	return out
}

func (a *Aggregator) observe(res model.LaneResult) {
	if a.observer != nil {
		a.observer.ObserveLane(res.Lane, res.Status, res.Elapsed)
	}
}

// Documents concatenates the documents of all successful lanes in lane order.
func Documents(results []model.LaneResult) []model.Document {
	var out []model.Document
	for _, r := range results {
		if r.Status == model.LaneSuccess {
			out = append(out, r.Documents...)
		}
	}
	return out
}

// Failures returns a human readable reason per lane that did not succeed.
func Failures(results []model.LaneResult) []string {
	var reasons []string
	for _, r := range results {
		switch r.Status {
		case model.LaneTimeout:
			reasons = append(reasons, fmt.Sprintf("%s lane timed out", r.Lane))
		case model.LaneError:
			reasons = append(reasons, fmt.Sprintf("%s lane failed: %s", r.Lane, r.Error))
		case model.LanePending:
			reasons = append(reasons, fmt.Sprintf("%s lane did not run", r.Lane))
		}
	}
	return reasons
}
