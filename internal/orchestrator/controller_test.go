package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/knowledge-search/internal/cache"
	"github.com/sells-group/knowledge-search/internal/citation"
	"github.com/sells-group/knowledge-search/internal/classify"
	"github.com/sells-group/knowledge-search/internal/cost"
	"github.com/sells-group/knowledge-search/internal/fusion"
	"github.com/sells-group/knowledge-search/internal/llm"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/retrieval"
	"github.com/sells-group/knowledge-search/internal/router"
	"github.com/sells-group/knowledge-search/internal/synth"
)

const topic = "Goroutines are lightweight threads managed by the Go runtime scheduler."

// fakeSource returns n topical documents after delay. A hanging source
// ignores ctx until release is closed.
type fakeSource struct {
	name    string
	kind    model.SourceKind
	delay   time.Duration
	n       int
	err     error
	hang    bool
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Name() string           { return f.name }
func (f *fakeSource) Kind() model.SourceKind { return f.kind }

func (f *fakeSource) Search(ctx context.Context, _ string, _ int) ([]model.Document, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.hang {
		<-f.release
		return nil, nil
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	docs := make([]model.Document, f.n)
	for i := range docs {
		docs[i] = model.Document{
			ID:        fmt.Sprintf("%s-%d", f.name, i),
			Title:     fmt.Sprintf("%s result %d", f.name, i),
			Content:   fmt.Sprintf("%s Entry %s%d notes alpha%s%d beta%s%d gamma%s%d delta%s%d.", topic, f.name, i, f.name, i, f.name, i, f.name, i, f.name, i),
			Source:    f.name,
			Relevance: 0.9 - float64(i)*0.05,
		}
	}
	return docs, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLLM answers with text. When gate is set the call blocks until the
// gate closes; hang blocks until ctx ends; sleep blocks and ignores ctx.
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	text    string
	err     error
	hang    bool
	delay   time.Duration
	sleep   time.Duration
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeLLM) Generate(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	text, err, hang, delay, sleep, gate, started := f.text, f.err, f.hang, f.delay, f.sleep, f.gate, f.started
	f.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "sonar", InputTokens: 1000, OutputTokens: 200}, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingAudit struct {
	mu   sync.Mutex
	recs []model.AuditRecord
}

func (r *recordingAudit) Record(rec model.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingAudit) Records() []model.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditRecord(nil), r.recs...)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []*model.Result
	hits    int
	misses  int
}

func (o *recordingObserver) ObserveQuery(res *model.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, res)
}

func (o *recordingObserver) ObserveCache(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

type harness struct {
	ctl      *Controller
	router   *router.Router
	audit    *recordingAudit
	observer *recordingObserver
}

type harnessOpts struct {
	budget    time.Duration
	heartbeat time.Duration
	lanes     []retrieval.Lane
	providers []router.ProviderConfig
	clients   map[string]llm.Client
	breaker   resilience.CircuitBreakerConfig
	aligner   Aligner
	cache     cache.Cache
}

func quality(id string, costTier int) router.ProviderConfig {
	return router.ProviderConfig{
		ID:       id,
		Kind:     "anthropic",
		Model:    id + "-model",
		Roles:    []router.Role{router.RoleQuality, router.RoleReasoning},
		CostTier: costTier,
	}
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.budget == 0 {
		o.budget = 2 * time.Second
	}

	rcfg := router.DefaultConfig()
	if o.breaker.FailureThreshold > 0 {
		rcfg.Breaker = o.breaker
	}
	rt := router.New(rcfg)
	for _, pc := range o.providers {
		require.NoError(t, rt.Register(pc, o.clients[pc.ID]))
	}

	aligner := o.aligner
	if aligner == nil {
		a, err := citation.New(citation.DefaultConfig())
		require.NoError(t, err)
		aligner = a
	}

	h := &harness{router: rt, audit: &recordingAudit{}, observer: &recordingObserver{}}
	opts := []Option{
		WithAudit(h.audit),
		WithObserver(h.observer),
		WithCost(cost.NewCalculator(cost.DefaultRates())),
	}
	if o.cache != nil {
		opts = append(opts, WithCache(o.cache))
	}
	ctl, err := New(Config{
		Budgets:   Budgets{Simple: o.budget, Moderate: o.budget, Complex: o.budget},
		Shares:    DefaultConfig().Shares,
		Heartbeat: o.heartbeat,
	}, Deps{
		Classifier:  classify.New(0),
		Selector:    rt,
		Retriever:   retrieval.New(o.lanes),
		Merger:      fusion.New(fusion.DefaultConfig()),
		Synthesizer: synth.New(rt, synth.DefaultConfig()),
		Aligner:     aligner,
	}, opts...)
	require.NoError(t, err)
	h.ctl = ctl
	return h
}

func lane(s *fakeSource, timeout time.Duration) retrieval.Lane {
	return retrieval.Lane{Source: s, Timeout: timeout, TopK: 10}
}

func documentSources(docs []model.Document) map[string]int {
	out := make(map[string]int)
	for _, d := range docs {
		out[d.Source]++
	}
	return out
}

func TestNew_RequiresEveryDependency(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
}

func TestBudgets_For(t *testing.T) {
	b := DefaultConfig().Budgets
	assert.Equal(t, 4*time.Second, b.For(model.TierSimple))
	assert.Equal(t, 8*time.Second, b.For(model.TierModerate))
	assert.Equal(t, 15*time.Second, b.For(model.TierComplex))
	assert.Equal(t, 8*time.Second, b.For(model.Tier("unknown")))
}

func TestRun_CompleteAnswerWithCitations(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 3}
	kw := &fakeSource{name: "keyword", kind: model.KindKeyword, n: 2}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second), lane(kw, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic + " [1]"}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "trace-1"})
	require.NoError(t, err)

	assert.Equal(t, model.StateComplete, res.State)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.DegradedReasons)
	assert.Equal(t, "trace-1", res.TraceID)
	assert.Equal(t, "claude-sonnet", res.Provider)
	assert.Equal(t, "sonar", res.Model)
	assert.Equal(t, topic+" [1]", res.Answer)
	assert.Len(t, res.Documents, 5)
	require.NotEmpty(t, res.Claims)
	assert.NotEmpty(t, res.Citations)
	assert.NotEmpty(t, res.Bibliography)
	assert.Greater(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	assert.Greater(t, res.CostUSD, 0.0)
	require.NotNil(t, res.Budget)
	assert.Contains(t, res.Budget.Consumed, model.PhaseRetrieval)
	assert.Contains(t, res.Budget.Consumed, model.PhaseSynthesis)
	assert.Contains(t, res.Budget.Consumed, model.PhaseAlignment)

	recs := h.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "trace-1", recs[0].TraceID)
	assert.Equal(t, model.StateComplete, recs[0].State)
	assert.Equal(t, "claude-sonnet", recs[0].Provider)
	assert.Len(t, recs[0].Lanes, 2)
}

func TestRun_ScenarioA_GraphTimeoutDegrades(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	vec := &fakeSource{name: "vector", kind: model.KindVector, delay: 20 * time.Millisecond, n: 5}
	graph := &fakeSource{name: "graph", kind: model.KindGraph, hang: true, release: release}
	web := &fakeSource{name: "web", kind: model.KindWeb, delay: 280 * time.Millisecond, n: 8}

	// Retrieval gets 40% of the budget, i.e. 400ms.
	budget := time.Second
	h := newHarness(t, harnessOpts{
		budget: budget,
		lanes: []retrieval.Lane{
			lane(vec, time.Second),
			lane(graph, 150*time.Millisecond),
			lane(web, time.Second),
		},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic + " [1]"}},
	})

	start := time.Now()
	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, model.StatePartial, res.State)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.DegradedReasons, "graph lane timed out")

	bySource := documentSources(res.Documents)
	assert.Equal(t, 5, bySource["vector"])
	assert.Equal(t, 8, bySource["web"])
	assert.Zero(t, bySource["graph"])

	require.Len(t, res.Lanes, 3)
	assert.Equal(t, model.LaneSuccess, res.Lanes[0].Status)
	assert.Equal(t, model.LaneTimeout, res.Lanes[1].Status)
	assert.Equal(t, model.LaneSuccess, res.Lanes[2].Status)

	assert.Less(t, elapsed, budget+200*time.Millisecond)
}

func TestRun_LaneErrorReason(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	web := &fakeSource{name: "web", kind: model.KindWeb, err: errors.New("rate limited")}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second), lane(web, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePartial, res.State)
	require.Len(t, res.DegradedReasons, 1)
	assert.True(t, strings.HasPrefix(res.DegradedReasons[0], "web lane failed: "), res.DegradedReasons[0])
}

func TestRun_ScenarioB_FailoverAfterCircuitOpens(t *testing.T) {
	a := &fakeLLM{err: errors.New("upstream 500")}
	b := &fakeLLM{text: topic}
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	h := newHarness(t, harnessOpts{
		lanes: []retrieval.Lane{lane(vec, time.Second)},
		// a is free so it leads every chain until its circuit opens.
		providers: []router.ProviderConfig{quality("a", 0), quality("b", 2)},
		clients:   map[string]llm.Client{"a": a, "b": b},
		breaker:   resilience.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute},
	})

	for i := 0; i < 5; i++ {
		res, err := h.ctl.Run(context.Background(), model.Request{Text: fmt.Sprintf("What are goroutines, take %d?", i)})
		require.NoError(t, err)
		assert.Equal(t, "b", res.Provider)
	}
	require.Equal(t, 5, a.Calls())

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines after the outage?"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 5, a.Calls(), "open circuit must not be called")
	assert.Equal(t, 6, b.Calls())

	var stateA string
	for _, p := range h.router.Profiles() {
		if p.ID == "a" {
			stateA = p.State
		}
	}
	assert.Equal(t, "open", stateA)
}

func TestRun_ValidationFailure(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "   "})
	require.Error(t, err)
	assert.Nil(t, res)

	qe, ok := AsQueryError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, qe.Code)
	assert.Equal(t, model.StateFailed, qe.State)
	assert.NotEmpty(t, qe.TraceID)
	assert.True(t, errors.Is(err, resilience.ErrValidation))
	assert.Zero(t, vec.Calls(), "no phase may start after validation fails")

	recs := h.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, model.StateFailed, recs[0].State)
	assert.Equal(t, qe.TraceID, recs[0].TraceID)
}

func TestRun_ExhaustedWithoutEvidenceFails(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 0}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("a", 1), quality("b", 2)},
		clients: map[string]llm.Client{
			"a": &fakeLLM{err: errors.New("down")},
			"b": &fakeLLM{err: errors.New("down too")},
		},
	})

	_, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "t-x"})
	require.Error(t, err)
	qe, ok := AsQueryError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProvidersExhausted, qe.Code)
	assert.Equal(t, "t-x", qe.TraceID)
	assert.True(t, errors.Is(err, resilience.ErrAllProvidersExhausted))

	recs := h.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, model.StateFailed, recs[0].State)
}

func TestRun_ExhaustedWithEvidenceReturnsExtractive(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 3}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("a", 1)},
		clients:   map[string]llm.Client{"a": &fakeLLM{err: errors.New("down")}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Contains(t, res.DegradedReasons, "synthesis: all providers exhausted, extractive answer returned")
	assert.Empty(t, res.Provider)
	assert.Contains(t, res.Answer, "[1]")
	assert.NotEmpty(t, res.Citations)
}

func TestRun_NoProviderForRoleFallsBackToExtractive(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	fast := router.ProviderConfig{ID: "fast-only", Model: "m", Roles: []router.Role{router.RoleFast}}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{fast},
		clients:   map[string]llm.Client{"fast-only": &fakeLLM{text: topic}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Contains(t, res.DegradedReasons, "synthesis: all providers exhausted, extractive answer returned")
}

func TestRun_BudgetBoundsHangingLaneAndProvider(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	stuck := &fakeSource{name: "graph", kind: model.KindGraph, hang: true, release: release}
	budget := 500 * time.Millisecond
	h := newHarness(t, harnessOpts{
		budget:    budget,
		lanes:     []retrieval.Lane{lane(vec, time.Minute), lane(stuck, time.Minute)},
		providers: []router.ProviderConfig{quality("slow", 1)},
		clients:   map[string]llm.Client{"slow": &fakeLLM{hang: true}},
	})

	start := time.Now()
	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, budget+150*time.Millisecond)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Contains(t, res.DegradedReasons, "graph lane timed out")
	assert.Contains(t, res.DegradedReasons, "synthesis timed out, extractive answer returned")
	assert.NotEmpty(t, res.Answer)
}

func TestRun_BudgetBoundsProviderIgnoringContext(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	budget := 300 * time.Millisecond
	h := newHarness(t, harnessOpts{
		budget:    budget,
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("stuck", 1)},
		clients:   map[string]llm.Client{"stuck": &fakeLLM{text: topic, sleep: 2 * time.Second}},
	})

	start := time.Now()
	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, budget+150*time.Millisecond)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Contains(t, res.DegradedReasons, "synthesis timed out, extractive answer returned")
	assert.NotEmpty(t, res.Answer)
}

// stuckAligner never returns before release closes, whatever ctx does.
type stuckAligner struct{ release chan struct{} }

func (s stuckAligner) Align(context.Context, string, []model.Document) (*citation.Alignment, error) {
	<-s.release
	return &citation.Alignment{}, nil
}

func TestRun_DeadlineAnswersFromPartialOutput(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	budget := 300 * time.Millisecond
	h := newHarness(t, harnessOpts{
		budget:    budget,
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic}},
		aligner:   stuckAligner{release: release},
	})

	start := time.Now()
	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, budget+150*time.Millisecond)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Equal(t, topic, res.Answer)
	assert.Equal(t, "claude-sonnet", res.Provider)
	assert.Equal(t, []string{"alignment timed out, citations omitted"}, res.DegradedReasons)
	assert.Empty(t, res.Citations)
	assert.Len(t, res.Documents, 2)
}

func TestRun_DeadlineWithoutEvidenceFails(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := &fakeSource{name: "graph", kind: model.KindGraph, hang: true, release: release}
	h := newHarness(t, harnessOpts{
		budget:    200 * time.Millisecond,
		lanes:     []retrieval.Lane{lane(stuck, time.Minute)},
		providers: []router.ProviderConfig{quality("stuck", 1)},
		clients:   map[string]llm.Client{"stuck": &fakeLLM{text: topic, sleep: time.Second}},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	assert.Nil(t, res)
	qe, ok := AsQueryError(err)
	require.True(t, ok)
	assert.Equal(t, CodeBudgetExceeded, qe.Code)
	assert.NotEmpty(t, qe.TraceID)
}

// blockingAligner waits for ctx like an alignment that cannot finish.
type blockingAligner struct{}

func (blockingAligner) Align(ctx context.Context, _ string, _ []model.Document) (*citation.Alignment, error) {
	<-ctx.Done()
	return nil, eris.Wrapf(resilience.ErrAlignmentFailure, "citation: %v", ctx.Err())
}

func TestRun_AlignmentTimeoutOmitsCitations(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	h := newHarness(t, harnessOpts{
		budget:    400 * time.Millisecond,
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": &fakeLLM{text: topic}},
		aligner:   blockingAligner{},
	})

	res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePartial, res.State)
	assert.Equal(t, []string{"alignment timed out, citations omitted"}, res.DegradedReasons)
	assert.Equal(t, topic, res.Answer)
	assert.Empty(t, res.Citations)
	assert.Empty(t, res.Bibliography)
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
}

func TestRun_CachesCompleteResults(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	client := &fakeLLM{text: topic}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": client},
		cache:     cache.NewMemory(time.Minute, 10),
	})

	first, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "t1"})
	require.NoError(t, err)
	require.Equal(t, model.StateComplete, first.State)
	assert.False(t, first.Cached)

	second, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "t2"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "t2", second.TraceID)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Zero(t, second.CostUSD)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, vec.Calls())

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, 1, h.observer.hits)
	assert.Equal(t, 1, h.observer.misses)
}

func TestRun_PartialResultsAreNotCached(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	web := &fakeSource{name: "web", kind: model.KindWeb, err: errors.New("boom")}
	client := &fakeLLM{text: topic}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second), lane(web, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": client},
		cache:     cache.NewMemory(time.Minute, 10),
	})

	for i := 0; i < 2; i++ {
		res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?"})
		require.NoError(t, err)
		assert.Equal(t, model.StatePartial, res.State)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 2, client.Calls())
}

func TestRun_ConcurrentSameFingerprintSharesWork(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	client := &fakeLLM{text: topic, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": client},
	})

	type outcome struct {
		res *model.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "leader"})
		first <- outcome{res, err}
	}()
	<-client.started

	second := make(chan outcome, 1)
	go func() {
		res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "follower"})
		second <- outcome{res, err}
	}()
	// Give the follower time to join the in-flight computation.
	time.Sleep(50 * time.Millisecond)
	close(client.gate)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "leader", a.res.TraceID)
	assert.Equal(t, "follower", b.res.TraceID)
	assert.Equal(t, a.res.Answer, b.res.Answer)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, vec.Calls())
	assert.Zero(t, b.res.CostUSD)
}

func TestRun_CancelledCallerDoesNotAbortSharedComputation(t *testing.T) {
	vec := &fakeSource{name: "vector", kind: model.KindVector, n: 2}
	client := &fakeLLM{text: topic, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, harnessOpts{
		lanes:     []retrieval.Lane{lane(vec, time.Second)},
		providers: []router.ProviderConfig{quality("claude-sonnet", 2)},
		clients:   map[string]llm.Client{"claude-sonnet": client},
	})

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.ctl.Run(ctx, model.Request{Text: "What are goroutines?", TraceID: "leader"})
		leaderErr <- err
	}()
	<-client.started

	followerRes := make(chan *model.Result, 1)
	go func() {
		res, err := h.ctl.Run(context.Background(), model.Request{Text: "What are goroutines?", TraceID: "follower"})
		assert.NoError(t, err)
		followerRes <- res
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-leaderErr
	qe, ok := AsQueryError(err)
	require.True(t, ok)
	assert.Equal(t, CodeCancelled, qe.Code)

	close(client.gate)
	res := <-followerRes
	require.NotNil(t, res)
	assert.Equal(t, model.StateComplete, res.State)
	assert.Equal(t, topic, res.Answer)
}
