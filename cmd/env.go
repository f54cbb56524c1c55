package main

import (
	"context"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/audit"
	"github.com/sells-group/knowledge-search/internal/cache"
	"github.com/sells-group/knowledge-search/internal/citation"
	"github.com/sells-group/knowledge-search/internal/classify"
	"github.com/sells-group/knowledge-search/internal/config"
	"github.com/sells-group/knowledge-search/internal/cost"
	"github.com/sells-group/knowledge-search/internal/db"
	"github.com/sells-group/knowledge-search/internal/fusion"
	"github.com/sells-group/knowledge-search/internal/llm"
	"github.com/sells-group/knowledge-search/internal/monitoring"
	"github.com/sells-group/knowledge-search/internal/orchestrator"
	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/internal/retrieval"
	"github.com/sells-group/knowledge-search/internal/router"
	"github.com/sells-group/knowledge-search/internal/source"
	"github.com/sells-group/knowledge-search/internal/store"
	"github.com/sells-group/knowledge-search/internal/synth"
	anthropicpkg "github.com/sells-group/knowledge-search/pkg/anthropic"
	"github.com/sells-group/knowledge-search/pkg/jina"
	"github.com/sells-group/knowledge-search/pkg/perplexity"
)

// queryEnv holds the controller and everything it was built from, for the
// serve and ask commands.
type queryEnv struct {
	Store      store.Store
	Router     *router.Router
	Metrics    *monitoring.Metrics
	Registry   *prometheus.Registry
	Cache      cache.Cache // nil when caching is disabled
	Audit      *audit.Sink // nil when auditing is disabled
	Controller *orchestrator.Controller

	closers []func()
}

func (e *queryEnv) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (e *queryEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Health returns the current status snapshot.
func (e *queryEnv) Health() monitoring.HealthSnapshot {
	var cs cache.Stats
	if e.Cache != nil {
		cs = e.Cache.Stats()
	}
	return e.Metrics.Health(e.Router.Profiles(), cs)
}

// initQueryEnv validates the config for mode and wires the controller.
// Callers should defer env.Close().
func initQueryEnv(ctx context.Context, mode string) (*queryEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &queryEnv{}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.onClose(func() { _ = st.Close() })

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = monitoring.NewMetrics(env.Registry, cfg.Monitoring.LatencyWindow)

	tracer, shutdownTracing := initTracing(cfg.Tracing)
	env.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			zap.L().Warn("tracing: shutdown", zap.Error(err))
		}
	})

	rt, err := buildRouter(cfg, env.Metrics)
	if err != nil {
		return nil, err
	}
	env.Router = rt

	lanes, err := buildLanes(ctx, cfg, env.onClose)
	if err != nil {
		return nil, err
	}
	breakers := resilience.NewServiceBreakers(breakerConfig(cfg.Router))
	breakers.OnStateChange(env.Metrics.ObserveCircuit)
	agg := retrieval.New(lanes,
		retrieval.WithBreakers(breakers),
		retrieval.WithObserver(env.Metrics),
	)

	aligner, err := citation.New(alignConfig(cfg.Align))
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithObserver(env.Metrics),
		orchestrator.WithCost(cost.NewCalculator(cfg.Pricing)),
		orchestrator.WithTracer(tracer),
	}

	c, err := buildCache(cfg)
	if err != nil {
		return nil, err
	}
	if c != nil {
		env.Cache = c
		opts = append(opts, orchestrator.WithCache(c))
	}

	if cfg.Audit.Enabled {
		sink, err := audit.NewSink(st, audit.Config{
			Workers:      cfg.Audit.Workers,
			WriteTimeout: time.Duration(cfg.Audit.WriteTimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		env.Audit = sink
		env.onClose(sink.Close)
		opts = append(opts, orchestrator.WithAudit(sink))
	}

	ctl, err := orchestrator.New(controllerConfig(cfg), orchestrator.Deps{
		Classifier:  classify.New(cfg.Classify.MaxLength),
		Selector:    rt,
		Retriever:   agg,
		Merger:      fusion.New(fusionConfig(cfg.Fusion)),
		Synthesizer: synth.New(rt, synthConfig(cfg.Synth)),
		Aligner:     aligner,
	}, opts...)
	if err != nil {
		return nil, err
	}
	env.Controller = ctl

	zap.L().Info("query environment ready",
		zap.Strings("lanes", agg.Lanes()),
		zap.Int("providers", len(rt.Profiles())),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("audit", cfg.Audit.Enabled),
	)
	ok = true
	return env, nil
}

func breakerConfig(rc config.RouterConfig) resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(rc.FailureThreshold, rc.ResetTimeoutSecs)
}

// buildRouter registers every configured provider whose credentials are
// present. Providers without credentials are skipped with a warning.
func buildRouter(c *config.Config, m *monitoring.Metrics) (*router.Router, error) {
	rt := router.New(router.Config{
		Weights:        c.Router.Weights,
		PreferFree:     c.Router.PreferFree,
		LatencyCeiling: time.Duration(c.Router.LatencyCeilingMs) * time.Millisecond,
		EWMAAlpha:      c.Router.EWMAAlpha,
		Breaker:        breakerConfig(c.Router),
		OnStateChange:  m.ObserveCircuit,
		OnCall:         m.ObserveProvider,
	})

	var (
		anthropicClient  anthropicpkg.Client
		perplexityClient perplexity.Client
	)
	registered := 0
	for _, pc := range c.Providers {
		var client llm.Client
		switch pc.Kind {
		case "anthropic":
			if c.Anthropic.Key == "" {
				zap.L().Warn("router: skipping provider without anthropic key", zap.String("provider", pc.ID))
				continue
			}
			if anthropicClient == nil {
				anthropicClient = anthropicpkg.NewClient(c.Anthropic.Key, "")
			}
			client = llm.NewAnthropicClient(anthropicClient, pc.Model)
		case "perplexity":
			if c.Perplexity.Key == "" {
				zap.L().Warn("router: skipping provider without perplexity key", zap.String("provider", pc.ID))
				continue
			}
			if perplexityClient == nil {
				perplexityClient = perplexity.NewClient(c.Perplexity.Key, perplexity.WithBaseURL(c.Perplexity.BaseURL))
			}
			client = llm.NewPerplexityClient(perplexityClient, pc.Model)
		case "openai":
			oc, err := llm.NewOpenAIClient(c.OpenAI.BaseURL, c.OpenAI.Token, pc.Model)
			if err != nil {
				return nil, eris.Wrapf(err, "router: provider %s", pc.ID)
			}
			client = oc
		default:
			return nil, eris.Errorf("router: provider %s has unknown kind %q", pc.ID, pc.Kind)
		}
		if err := rt.Register(pc, client); err != nil {
			return nil, err
		}
		registered++
	}
	if registered == 0 {
		return nil, eris.New("router: no provider has credentials configured")
	}
	return rt, nil
}

// buildLanes constructs the enabled retrieval lanes in fixed order.
// Resources that need releasing are registered through onClose.
func buildLanes(ctx context.Context, c *config.Config, onClose func(func())) ([]retrieval.Lane, error) {
	var lanes []retrieval.Lane
	add := func(src source.Source, lc config.LaneConfig) {
		lanes = append(lanes, retrieval.Lane{
			Source:  src,
			Timeout: time.Duration(lc.TimeoutMs) * time.Millisecond,
			TopK:    lc.TopK,
		})
	}

	if lc := c.Lanes.Vector; lc.Enabled {
		src, err := buildVectorSource(ctx, c, onClose)
		if err != nil {
			return nil, err
		}
		add(src, lc)
	}
	if lc := c.Lanes.Keyword; lc.Enabled {
		es, err := newElasticsearch(c.Elasticsearch)
		if err != nil {
			return nil, err
		}
		add(source.NewKeywordSource("keyword", es, c.Elasticsearch.Index), lc)
	}
	if lc := c.Lanes.Graph; lc.Enabled {
		bdb, err := source.OpenGraphDB(c.Graph.Path)
		if err != nil {
			return nil, err
		}
		onClose(func() { _ = bdb.Close() })
		add(source.NewGraphSource("graph", bdb), lc)
	}
	if lc := c.Lanes.Web; lc.Enabled {
		add(buildWebSource(c.Jina), lc)
	}
	return lanes, nil
}

func buildVectorSource(ctx context.Context, c *config.Config, onClose func(func())) (*source.VectorSource, error) {
	url := c.Vector.DatabaseURL
	if url == "" {
		url = c.Store.DatabaseURL
	}
	pool, err := db.Connect(ctx, url, db.PoolConfig{MaxConns: c.Vector.MaxConns})
	if err != nil {
		return nil, eris.Wrap(err, "vector lane: connect")
	}
	onClose(pool.Close)

	embedder, err := source.NewLangchainEmbedder(source.EmbedderConfig{
		BaseURL: c.Embedding.BaseURL,
		Token:   c.Embedding.Token,
		Model:   c.Embedding.Model,
	})
	if err != nil {
		return nil, err
	}
	return source.NewVectorSource("vector", pool, embedder,
		source.WithVectorTable(c.Vector.Table),
		source.WithMinSimilarity(c.Vector.MinSimilarity),
	)
}

func newElasticsearch(ec config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	return source.NewElasticsearchClient(source.ElasticsearchConfig{
		Addresses: ec.Addresses,
		Username:  ec.Username,
		Password:  ec.Password,
		Index:     ec.Index,
	})
}

func buildWebSource(jc config.JinaConfig) *source.WebSource {
	var jinaOpts []jina.Option
	if jc.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(jc.SearchBaseURL))
	}
	webOpts := []source.WebOption{
		source.WithWebRetry(resilience.FromRetryConfig(jc.RetryAttempts, jc.RetryBackoffMs, jc.RetryMaxBackoffMs)),
	}
	if jc.Site != "" {
		webOpts = append(webOpts, source.WithSiteFilter(jc.Site))
	}
	return source.NewWebSource("web", jina.NewClient(jc.Key, jinaOpts...), webOpts...)
}

// buildCache returns nil when caching is disabled.
func buildCache(c *config.Config) (cache.Cache, error) {
	ttl := time.Duration(c.Cache.TTLSecs) * time.Second
	switch c.Cache.Backend {
	case "memory":
		return cache.NewMemory(ttl, c.Cache.MaxEntries), nil
	case "redis":
		client := cache.NewRedisClient(cache.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		return cache.NewRedis(client, ttl), nil
	case "none", "":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
}

func controllerConfig(c *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	b := c.Budget
	if b.SimpleMs > 0 {
		oc.Budgets.Simple = time.Duration(b.SimpleMs) * time.Millisecond
	}
	if b.ModerateMs > 0 {
		oc.Budgets.Moderate = time.Duration(b.ModerateMs) * time.Millisecond
	}
	if b.ComplexMs > 0 {
		oc.Budgets.Complex = time.Duration(b.ComplexMs) * time.Millisecond
	}
	if s := b.Shares; s.Retrieval > 0 && s.Synthesis > 0 {
		oc.Shares = orchestrator.Shares{
			Classification: s.Classification,
			Retrieval:      s.Retrieval,
			Synthesis:      s.Synthesis,
			Alignment:      s.Alignment,
		}
	}
	if c.Server.HeartbeatSecs > 0 {
		oc.Heartbeat = time.Duration(c.Server.HeartbeatSecs) * time.Second
	}
	return oc
}

func fusionConfig(fc config.FusionConfig) fusion.Config {
	out := fusion.DefaultConfig()
	out.Weights = fusion.Weights{
		Relevance:   fc.RelevanceWeight,
		Credibility: fc.CredibilityWeight,
		Recency:     fc.RecencyWeight,
		Diversity:   fc.DiversityWeight,
	}
	if out.Weights == (fusion.Weights{}) {
		out.Weights = fusion.DefaultConfig().Weights
	}
	if len(fc.Credibility) > 0 {
		out.Credibility = fc.Credibility
	}
	if fc.DuplicateThreshold > 0 {
		out.DuplicateThreshold = fc.DuplicateThreshold
	}
	if fc.DefaultCredibility > 0 {
		out.DefaultCredibility = fc.DefaultCredibility
	}
	if fc.NeutralRecency > 0 {
		out.NeutralRecency = fc.NeutralRecency
	}
	if fc.HalfLifeDays > 0 {
		out.HalfLifeDays = fc.HalfLifeDays
	}
	out.SourceCap = fc.SourceCap
	out.MaxDocuments = fc.MaxDocuments
	return out
}

func alignConfig(ac config.AlignConfig) citation.Config {
	out := citation.DefaultConfig()
	if len(ac.ClaimPatterns) > 0 {
		out.ClaimPatterns = ac.ClaimPatterns
	}
	if len(ac.NegationCues) > 0 {
		out.NegationCues = ac.NegationCues
	}
	if ac.MinClaimWords > 0 {
		out.MinClaimWords = ac.MinClaimWords
	}
	if ac.SimilarityThreshold > 0 {
		out.SimilarityThreshold = ac.SimilarityThreshold
	}
	if ac.NumericTolerance > 0 {
		out.NumericTolerance = ac.NumericTolerance
	}
	if ac.DisagreementThreshold > 0 {
		out.DisagreementThreshold = ac.DisagreementThreshold
	}
	return out
}

func synthConfig(sc config.SynthConfig) synth.Config {
	return synth.Config{
		MaxContextDocs:      sc.MaxContextDocs,
		MaxDocChars:         sc.MaxDocChars,
		MaxTokens:           sc.MaxTokens,
		ExtractiveSentences: sc.ExtractiveSentences,
	}
}
