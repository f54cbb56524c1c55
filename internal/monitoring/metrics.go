// Package monitoring exposes query metrics to Prometheus, keeps rolling
// lane latency percentiles, and raises threshold alerts from the audit log.
package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/knowledge-search/internal/cache"
	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/router"
)

// DefaultLatencyWindow is the number of samples kept per lane.
const DefaultLatencyWindow = 512

// Metrics records lane, provider, cache and query outcomes. It satisfies
// retrieval.Observer.
type Metrics struct {
	laneDuration     *prometheus.HistogramVec
	laneResults      *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerState    *prometheus.GaugeVec
	queries          *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec

	windowSize int
	mu         sync.Mutex
	lanes      map[string]*laneStats
}

type laneStats struct {
	window   *window
	statuses map[model.LaneStatus]int64
}

// NewMetrics registers collectors on reg. windowSize <= 0 uses
// DefaultLatencyWindow.
func NewMetrics(reg prometheus.Registerer, windowSize int) *Metrics {
	if windowSize <= 0 {
		windowSize = DefaultLatencyWindow
	}
	f := promauto.With(reg)
	return &Metrics{
		laneDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ksearch_lane_duration_seconds",
			Help:    "Retrieval lane duration in seconds",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2, 3, 5},
		}, []string{"lane", "status"}),
		laneResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ksearch_lane_results_total",
			Help: "Retrieval lane outcomes",
		}, []string{"lane", "status"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ksearch_provider_calls_total",
			Help: "Model provider calls by outcome",
		}, []string{"provider", "outcome"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ksearch_provider_duration_seconds",
			Help:    "Model provider call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 9),
		}, []string{"provider"}),
		providerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ksearch_provider_circuit_state",
			Help: "Provider circuit state (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ksearch_queries_total",
			Help: "Queries by final state",
		}, []string{"state", "tier"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ksearch_query_duration_seconds",
			Help:    "End-to-end query duration in seconds",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30},
		}, []string{"tier"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ksearch_cache_lookups_total",
			Help: "Result cache lookups",
		}, []string{"result"}),
		windowSize: windowSize,
		lanes:      make(map[string]*laneStats),
	}
}

// ObserveLane records one resolved retrieval lane.
func (m *Metrics) ObserveLane(lane string, status model.LaneStatus, elapsed time.Duration) {
	m.laneDuration.WithLabelValues(lane, string(status)).Observe(elapsed.Seconds())
	m.laneResults.WithLabelValues(lane, string(status)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.lanes[lane]
	if !ok {
		ls = &laneStats{window: newWindow(m.windowSize), statuses: make(map[model.LaneStatus]int64)}
		m.lanes[lane] = ls
	}
	ls.window.add(elapsed)
	ls.statuses[status]++
}

// ObserveProvider records a provider call that ran.
func (m *Metrics) ObserveProvider(provider string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

// ObserveCircuit records a provider circuit transition.
func (m *Metrics) ObserveCircuit(provider string, _, to resilience.CircuitState) {
	m.providerState.WithLabelValues(provider).Set(float64(to))
}

// ObserveCache records a result cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveQuery records a finished query.
func (m *Metrics) ObserveQuery(res *model.Result) {
	m.queries.WithLabelValues(string(res.State), string(res.Tier)).Inc()
	m.queryDuration.WithLabelValues(string(res.Tier)).Observe(res.Duration.Seconds())
}

// LaneHealth is the rolling view of one lane.
type LaneHealth struct {
	Lane     string                     `json:"lane"`
	Samples  int                        `json:"samples"`
	P50Ms    int64                      `json:"p50_ms"`
	P90Ms    int64                      `json:"p90_ms"`
	P99Ms    int64                      `json:"p99_ms"`
	Statuses map[model.LaneStatus]int64 `json:"statuses"`
}

// Lanes returns rolling percentiles per lane, sorted by lane name.
func (m *Metrics) Lanes() []LaneHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LaneHealth, 0, len(m.lanes))
	for name, ls := range m.lanes {
		p := ls.window.percentiles(0.5, 0.9, 0.99)
		statuses := make(map[model.LaneStatus]int64, len(ls.statuses))
		for k, v := range ls.statuses {
			statuses[k] = v
		}
		out = append(out, LaneHealth{
			Lane:     name,
			Samples:  ls.window.len(),
			P50Ms:    p[0].Milliseconds(),
			P90Ms:    p[1].Milliseconds(),
			P99Ms:    p[2].Milliseconds(),
			Statuses: statuses,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lane < out[j].Lane })
	return out
}

// HealthSnapshot is the status surface served to operators.
type HealthSnapshot struct {
	Lanes        []LaneHealth     `json:"lanes"`
	Providers    []router.Profile `json:"providers"`
	CacheHits    int64            `json:"cache_hits"`
	CacheMisses  int64            `json:"cache_misses"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	CollectedAt  time.Time        `json:"collected_at"`
}

// Health assembles a snapshot from the rolling lane stats, the provider
// profiles and the cache counters.
func (m *Metrics) Health(providers []router.Profile, cs cache.Stats) HealthSnapshot {
	return HealthSnapshot{
		Lanes:        m.Lanes(),
		Providers:    providers,
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		CacheHitRate: cs.HitRate(),
		CollectedAt:  time.Now().UTC(),
	}
}
