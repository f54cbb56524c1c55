// Package router tracks model provider health and budgets and builds scored
// fallback chains for each generation request.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/llm"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// Weights are the coefficients of the provider score.
type Weights struct {
	Capability float64 `yaml:"capability" mapstructure:"capability"`
	Cost       float64 `yaml:"cost" mapstructure:"cost"`
	Health     float64 `yaml:"health" mapstructure:"health"`
	Latency    float64 `yaml:"latency" mapstructure:"latency"`
}

// Config controls scoring and failure isolation.
type Config struct {
	Weights        Weights
	PreferFree     bool
	LatencyCeiling time.Duration
	EWMAAlpha      float64
	Breaker        resilience.CircuitBreakerConfig
	// OnStateChange receives provider circuit transitions.
	OnStateChange func(provider string, from, to resilience.CircuitState)
	// OnCall receives the outcome of every provider call that ran.
	OnCall func(provider string, success bool, latency time.Duration)
}

// DefaultConfig returns the default weights and breaker settings.
func DefaultConfig() Config {
	return Config{
		Weights:        Weights{Capability: 0.4, Cost: 0.3, Health: 0.3, Latency: 0.2},
		PreferFree:     true,
		LatencyCeiling: 10 * time.Second,
		EWMAAlpha:      0.2,
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// ChainEntry is one provider in a fallback chain.
type ChainEntry struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	// Probe marks an open provider tried once because every candidate
	// for the role was open.
	Probe bool `json:"probe,omitempty"`
}

// Chain is an ordered list of providers to try for a role.
type Chain struct {
	Role    Role         `json:"role"`
	Entries []ChainEntry `json:"entries"`
}

// IDs returns the provider ids in chain order.
func (c Chain) IDs() []string {
	ids := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Attempt records one provider tried during Generate.
type Attempt struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Generation is the outcome of a successful Generate.
type Generation struct {
	Response *llm.Response
	Provider string
	Attempts []Attempt
}

// Router owns the provider registry. It holds no package-level state, so
// each caller or test gets an isolated instance.
type Router struct {
	cfg Config

	mu        sync.RWMutex
	providers map[string]*provider
	order     []string

	nowFunc func() time.Time
}

// New creates an empty router.
func New(cfg Config) *Router {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = def.LatencyCeiling
	}
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1 {
		cfg.EWMAAlpha = def.EWMAAlpha
	}
	return &Router{
		cfg:       cfg,
		providers: make(map[string]*provider),
		nowFunc:   time.Now,
	}
}

// Register adds a provider. Ids must be unique.
func (r *Router) Register(pc ProviderConfig, client llm.Client) error {
	if pc.ID == "" {
		return eris.New("router: provider id is required")
	}
	if len(pc.Roles) == 0 {
		return eris.Errorf("router: provider %s has no roles", pc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[pc.ID]; ok {
		return eris.Errorf("router: provider %s already registered", pc.ID)
	}

	bc := r.cfg.Breaker
	if hook := r.cfg.OnStateChange; hook != nil {
		id := pc.ID
		bc.OnStateChange = func(from, to resilience.CircuitState) { hook(id, from, to) }
	}
	r.providers[pc.ID] = newProvider(pc, client, resilience.NewCircuitBreaker(bc))
	r.order = append(r.order, pc.ID)
	return nil
}

func (r *Router) get(id string) (*provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) all() []*provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Select returns the fallback chain for role. Open providers are left out
// unless every provider for the role is open, in which case the one that
// failed least recently is returned alone as a probe.
func (r *Router) Select(role Role, complexityScore float64) (Chain, error) {
	var eligible []*provider
	for _, p := range r.all() {
		if p.cfg.Supports(role) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return Chain{}, eris.Wrapf(resilience.ErrAllProvidersExhausted, "router: no provider supports role %s", role)
	}

	maxCost := 0
	for _, p := range eligible {
		maxCost = max(maxCost, p.cfg.CostTier)
	}

	type scored struct {
		p     *provider
		score float64
	}
	var candidates []scored
	for _, p := range eligible {
		state := p.breaker.State()
		if state == resilience.CircuitOpen {
			continue
		}
		candidates = append(candidates, scored{p: p, score: r.score(p, state, role, complexityScore, maxCost)})
	}

	if len(candidates) == 0 {
		probe := eligible[0]
		for _, p := range eligible[1:] {
			pf, bf := p.breaker.LastFailure(), probe.breaker.LastFailure()
			if pf.Before(bf) || (pf.Equal(bf) && p.cfg.ID < probe.cfg.ID) {
				probe = p
			}
		}
		zap.L().Warn("router: all providers open, probing least recently failed",
			zap.String("role", string(role)),
			zap.String("provider", probe.cfg.ID),
		)
		return Chain{Role: role, Entries: []ChainEntry{{ID: probe.cfg.ID, Probe: true}}}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if r.cfg.PreferFree {
			af, bf := a.p.cfg.CostTier == 0, b.p.cfg.CostTier == 0
			if af != bf {
				return af
			}
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.p.cfg.ID < b.p.cfg.ID
	})

	chain := Chain{Role: role, Entries: make([]ChainEntry, len(candidates))}
	for i, c := range candidates {
		chain.Entries[i] = ChainEntry{ID: c.p.cfg.ID, Score: c.score}
	}
	return chain, nil
}

// score computes capabilityMatch*w1 + (1-normalizedCost)*w2 +
// healthScore*w3 - latencyPenalty. The cost weight shrinks as complexity
// grows so hard queries tolerate pricier models.
func (r *Router) score(p *provider, state resilience.CircuitState, role Role, complexity float64, maxCost int) float64 {
	w := r.cfg.Weights

	normCost := 0.0
	if maxCost > 0 {
		normCost = float64(p.cfg.CostTier) / float64(maxCost)
	}

	latencyMs, errorRate := p.stats()
	stateFactor := 1.0
	if state == resilience.CircuitHalfOpen {
		stateFactor = 0.5
	}
	health := (1 - errorRate) * stateFactor

	penalty := latencyMs / float64(r.cfg.LatencyCeiling.Milliseconds())
	if penalty > 1 {
		penalty = 1
	}

	return capabilityMatch(p.cfg, role, complexity)*w.Capability +
		(1-normCost)*w.Cost*(1-0.5*complexity) +
		health*w.Health -
		penalty*w.Latency
}

// capabilityMatch is 0.8 for a provider that supports the role, rising to 1
// as it covers the capabilities the role and complexity call for.
func capabilityMatch(pc ProviderConfig, role Role, complexity float64) float64 {
	var wanted []Capability
	switch role {
	case RoleLongContext:
		wanted = append(wanted, CapLongContext)
	case RoleToolUse:
		wanted = append(wanted, CapFunctionCalling)
	}
	if complexity >= 0.65 && role != RoleLongContext {
		wanted = append(wanted, CapLongContext)
	}
	if len(wanted) == 0 {
		return 1
	}
	have := 0
	for _, c := range wanted {
		if pc.Has(c) {
			have++
		}
	}
	return 0.8 + 0.2*float64(have)/float64(len(wanted))
}

// ReportOutcome records the result of a call made outside Generate.
func (r *Router) ReportOutcome(id string, success bool, latency time.Duration) {
	p, ok := r.get(id)
	if !ok {
		return
	}
	var err error
	if !success {
		err = resilience.ErrProviderUnavailable
	}
	r.record(p, err, latency)
}

func (r *Router) record(p *provider, err error, latency time.Duration) {
	p.observe(err == nil, latency, r.cfg.EWMAAlpha)
	p.breaker.Done(err)
	if r.cfg.OnCall != nil {
		r.cfg.OnCall(p.cfg.ID, err == nil, latency)
	}
}

// GenerateOptions carries optional streaming hooks.
type GenerateOptions struct {
	// OnDelta receives text as it streams from the active provider.
	OnDelta func(string)
	// OnRetry is called when a provider fails after it may have emitted
	// deltas; consumers should discard partial text.
	OnRetry func(provider string, err error)
}

// Generate walks chain until a provider succeeds. Providers whose circuit
// rejects the call or whose rate ceiling would be exceeded are skipped
// without a network call. When ctx ends the in-flight provider is released
// without blame and the error wraps resilience.ErrBudgetExceeded.
func (r *Router) Generate(ctx context.Context, chain Chain, req llm.Request, opts GenerateOptions) (*Generation, error) {
	log := zap.L().With(zap.String("role", string(chain.Role)))
	tokens := estimateTokens(req)
	var attempts []Attempt

	for _, entry := range chain.Entries {
		if ctx.Err() != nil {
			break
		}
		p, ok := r.get(entry.ID)
		if !ok {
			continue
		}

		// The rate ceilings are checked before admission so a skipped
		// probe never moves an open circuit to half-open.
		unreserve, err := p.reserve(r.nowFunc(), tokens)
		if err != nil {
			attempts = append(attempts, Attempt{Provider: p.cfg.ID, Error: err.Error(), Skipped: true})
			log.Debug("router: budget ceiling, skipping provider", zap.String("provider", p.cfg.ID), zap.Error(err))
			continue
		}
		admit := p.breaker.Allow
		if entry.Probe {
			admit = p.breaker.ForceProbe
		}
		if err := admit(); err != nil {
			unreserve()
			attempts = append(attempts, Attempt{Provider: p.cfg.ID, Error: err.Error(), Skipped: true})
			continue
		}

		start := r.nowFunc()
		resp, err := r.call(ctx, p, req, opts.OnDelta)
		latency := r.nowFunc().Sub(start)

		if err == nil {
			r.record(p, nil, latency)
			attempts = append(attempts, Attempt{Provider: p.cfg.ID, Latency: latency})
			return &Generation{Response: resp, Provider: p.cfg.ID, Attempts: attempts}, nil
		}

		if ctx.Err() != nil {
			p.breaker.Release()
			attempts = append(attempts, Attempt{Provider: p.cfg.ID, Error: ctx.Err().Error(), Latency: latency})
			break
		}

		r.record(p, err, latency)
		attempts = append(attempts, Attempt{Provider: p.cfg.ID, Error: err.Error(), Latency: latency})
		log.Warn("router: provider failed, trying next",
			zap.String("provider", p.cfg.ID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		if opts.OnRetry != nil {
			opts.OnRetry(p.cfg.ID, err)
		}
	}

	if ctx.Err() != nil {
		return &Generation{Attempts: attempts}, eris.Wrapf(resilience.ErrBudgetExceeded, "router: %s generation stopped: %v", chain.Role, ctx.Err())
	}
	return &Generation{Attempts: attempts}, eris.Wrapf(resilience.ErrAllProvidersExhausted, "router: role %s: %s", chain.Role, summarize(attempts))
}

// call runs one provider request. A provider that ignores ctx is abandoned
// when ctx or its own timeout ends; no deltas are forwarded after that.
func (r *Router) call(ctx context.Context, p *provider, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if p.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var (
		mu        sync.Mutex
		abandoned bool
		emit      func(string)
	)
	if onDelta != nil {
		emit = func(d string) {
			mu.Lock()
			defer mu.Unlock()
			if !abandoned {
				onDelta(d)
			}
		}
	}

	type outcome struct {
		resp *llm.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if rec := recover(); rec != nil {
				out = outcome{err: eris.Errorf("router: provider %s panicked: %v", p.cfg.ID, rec)}
			}
			done <- out
		}()
		if emit != nil {
			out.resp, out.err = llm.Stream(callCtx, p.client, req, emit)
		} else {
			out.resp, out.err = p.client.Generate(callCtx, req)
		}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		out.err = callCtx.Err()
		zap.L().Debug("router: abandoned provider call", zap.String("provider", p.cfg.ID), zap.Error(out.err))
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, eris.Wrapf(resilience.ErrProviderUnavailable, "router: provider %s timed out after %s", p.cfg.ID, p.cfg.Timeout)
		}
		return nil, eris.Wrapf(out.err, "router: provider %s", p.cfg.ID)
	}
	if out.resp == nil || strings.TrimSpace(out.resp.Text) == "" {
		return nil, eris.Wrapf(resilience.ErrProviderUnavailable, "router: provider %s returned empty text", p.cfg.ID)
	}
	return out.resp, nil
}

func summarize(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "no providers available"
	}
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Provider, a.Error)
	}
	return strings.Join(parts, "; ")
}

// Profiles returns a snapshot of every provider in registration order.
func (r *Router) Profiles() []Profile {
	ps := r.all()
	out := make([]Profile, len(ps))
	for i, p := range ps {
		out[i] = p.profile()
	}
	return out
}

// Model returns the configured model name for a provider id.
func (r *Router) Model(id string) string {
	if p, ok := r.get(id); ok {
		return p.cfg.Model
	}
	return ""
}
