package router

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/knowledge-search/internal/llm"
	"github.com/sells-group/knowledge-search/internal/resilience"
)

// Role is the job a provider is asked to do.
type Role string

const (
	RoleFast        Role = "fast"
	RoleQuality     Role = "quality"
	RoleLongContext Role = "long_context"
	RoleReasoning   Role = "reasoning"
	RoleToolUse     Role = "tool_use"
)

// Capability is an optional provider feature.
type Capability string

const (
	CapVision          Capability = "vision"
	CapFunctionCalling Capability = "function_calling"
	CapLongContext     Capability = "long_context"
)

// ProviderConfig describes a provider at startup.
type ProviderConfig struct {
	ID           string        `yaml:"id" mapstructure:"id"`
	Kind         string        `yaml:"kind" mapstructure:"kind"`
	Model        string        `yaml:"model" mapstructure:"model"`
	Roles        []Role        `yaml:"roles" mapstructure:"roles"`
	Capabilities []Capability  `yaml:"capabilities" mapstructure:"capabilities"`
	CostTier     int           `yaml:"cost_tier" mapstructure:"cost_tier"`
	RPM          int           `yaml:"rpm" mapstructure:"rpm"`
	TPM          int           `yaml:"tpm" mapstructure:"tpm"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Supports reports whether the provider can serve role. Long-context and
// tool-use roles also require the matching capability.
func (c ProviderConfig) Supports(role Role) bool {
	if !slices.Contains(c.Roles, role) {
		return false
	}
	switch role {
	case RoleLongContext:
		return c.Has(CapLongContext)
	case RoleToolUse:
		return c.Has(CapFunctionCalling)
	}
	return true
}

// Has reports whether the provider declares capability want.
func (c ProviderConfig) Has(want Capability) bool {
	return slices.Contains(c.Capabilities, want)
}

// Profile is a point-in-time view of a provider's health and stats.
type Profile struct {
	ID                  string       `json:"id"`
	Model               string       `json:"model"`
	Roles               []Role       `json:"roles"`
	Capabilities        []Capability `json:"capabilities,omitempty"`
	CostTier            int          `json:"cost_tier"`
	State               string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastTransition      time.Time    `json:"last_transition"`
	EWMALatencyMs       float64      `json:"ewma_latency_ms"`
	ErrorRate           float64      `json:"error_rate"`
	Calls               int64        `json:"calls"`
	Failures            int64        `json:"failures"`
}

// provider is the live, shared state for one registered provider. Stats are
// guarded by mu; circuit state lives in the breaker.
type provider struct {
	cfg     ProviderConfig
	client  llm.Client
	breaker *resilience.CircuitBreaker
	rpm     *rate.Limiter
	tpm     *rate.Limiter

	mu          sync.Mutex
	ewmaLatency float64 // milliseconds
	ewmaErrors  float64
	calls       int64
	failures    int64
}

func newProvider(cfg ProviderConfig, client llm.Client, breaker *resilience.CircuitBreaker) *provider {
	p := &provider{cfg: cfg, client: client, breaker: breaker}
	if cfg.RPM > 0 {
		p.rpm = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60), cfg.RPM)
	}
	if cfg.TPM > 0 {
		p.tpm = rate.NewLimiter(rate.Limit(float64(cfg.TPM)/60), cfg.TPM)
	}
	return p
}

// reserve takes one request and tokens from the rate ceilings without
// waiting. Nothing is consumed when either ceiling would be exceeded. The
// returned func gives the reservation back.
func (p *provider) reserve(now time.Time, tokens int) (func(), error) {
	var held []*rate.Reservation
	release := func() {
		for _, r := range held {
			r.CancelAt(now)
		}
	}

	for _, lim := range []struct {
		l    *rate.Limiter
		n    int
		name string
	}{{p.rpm, 1, "rpm"}, {p.tpm, tokens, "tpm"}} {
		if lim.l == nil {
			continue
		}
		r := lim.l.ReserveN(now, lim.n)
		if !r.OK() {
			release()
			return nil, eris.Wrapf(resilience.ErrBudgetExceeded, "router: %s request of %d exceeds ceiling for %s", lim.name, lim.n, p.cfg.ID)
		}
		if r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			release()
			return nil, eris.Wrapf(resilience.ErrBudgetExceeded, "router: %s ceiling reached for %s", lim.name, p.cfg.ID)
		}
		held = append(held, r)
	}
	return release, nil
}

// observe folds one call outcome into the rolling stats.
func (p *provider) observe(success bool, latency time.Duration, alpha float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ms := float64(latency) / float64(time.Millisecond)
	errVal := 0.0
	if !success {
		errVal = 1
		p.failures++
	}
	if p.calls == 0 {
		p.ewmaLatency = ms
		p.ewmaErrors = errVal
	} else {
		p.ewmaLatency = alpha*ms + (1-alpha)*p.ewmaLatency
		p.ewmaErrors = alpha*errVal + (1-alpha)*p.ewmaErrors
	}
	p.calls++
}

func (p *provider) stats() (latencyMs, errorRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ewmaLatency, p.ewmaErrors
}

func (p *provider) profile() Profile {
	p.mu.Lock()
	lat, errs, calls, failures := p.ewmaLatency, p.ewmaErrors, p.calls, p.failures
	p.mu.Unlock()

	consecutive, _ := p.breaker.Counters()
	return Profile{
		ID:                  p.cfg.ID,
		Model:               p.cfg.Model,
		Roles:               p.cfg.Roles,
		Capabilities:        p.cfg.Capabilities,
		CostTier:            p.cfg.CostTier,
		State:               p.breaker.State().String(),
		ConsecutiveFailures: consecutive,
		LastTransition:      p.breaker.LastTransition(),
		EWMALatencyMs:       math.Round(lat*10) / 10,
		ErrorRate:           math.Round(errs*1000) / 1000,
		Calls:               calls,
		Failures:            failures,
	}
}

// estimateTokens approximates the token cost of a request as four
// characters per token plus the output allowance.
func estimateTokens(req llm.Request) int {
	chars := len(req.System) + len(req.Prompt)
	return (chars+3)/4 + req.MaxTokens
}
