// Package config loads knowledge-search settings from config.yaml and
// KSEARCH_* environment variables and bootstraps the global logger.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/knowledge-search/internal/cost"
	"github.com/sells-group/knowledge-search/internal/router"
)

// Config holds the full application configuration.
type Config struct {
	Log           LogConfig               `yaml:"log" mapstructure:"log"`
	Server        ServerConfig            `yaml:"server" mapstructure:"server"`
	Store         StoreConfig             `yaml:"store" mapstructure:"store"`
	Cache         CacheConfig             `yaml:"cache" mapstructure:"cache"`
	Redis         RedisConfig             `yaml:"redis" mapstructure:"redis"`
	Budget        BudgetConfig            `yaml:"budget" mapstructure:"budget"`
	Classify      ClassifyConfig          `yaml:"classify" mapstructure:"classify"`
	Lanes         LanesConfig             `yaml:"lanes" mapstructure:"lanes"`
	Vector        VectorConfig            `yaml:"vector" mapstructure:"vector"`
	Elasticsearch ElasticsearchConfig     `yaml:"elasticsearch" mapstructure:"elasticsearch"`
	Graph         GraphConfig             `yaml:"graph" mapstructure:"graph"`
	Jina          JinaConfig              `yaml:"jina" mapstructure:"jina"`
	Embedding     EmbeddingConfig         `yaml:"embedding" mapstructure:"embedding"`
	Anthropic     AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity    PerplexityConfig        `yaml:"perplexity" mapstructure:"perplexity"`
	OpenAI        OpenAIConfig            `yaml:"openai" mapstructure:"openai"`
	Providers     []router.ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Router        RouterConfig            `yaml:"router" mapstructure:"router"`
	Fusion        FusionConfig            `yaml:"fusion" mapstructure:"fusion"`
	Align         AlignConfig             `yaml:"align" mapstructure:"align"`
	Synth         SynthConfig             `yaml:"synth" mapstructure:"synth"`
	Audit         AuditConfig             `yaml:"audit" mapstructure:"audit"`
	Monitoring    MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing       TracingConfig           `yaml:"tracing" mapstructure:"tracing"`
	Pricing       cost.Rates              `yaml:"pricing" mapstructure:"pricing"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	HeartbeatSecs      int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ShutdownSecs       int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// StoreConfig configures the audit database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"`
	TTLSecs    int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// BudgetConfig holds per-tier time budgets and phase shares.
type BudgetConfig struct {
	SimpleMs   int         `yaml:"simple_ms" mapstructure:"simple_ms"`
	ModerateMs int         `yaml:"moderate_ms" mapstructure:"moderate_ms"`
	ComplexMs  int         `yaml:"complex_ms" mapstructure:"complex_ms"`
	Shares     ShareConfig `yaml:"shares" mapstructure:"shares"`
}

// ShareConfig splits a budget across controller phases.
type ShareConfig struct {
	Classification float64 `yaml:"classification" mapstructure:"classification"`
	Retrieval      float64 `yaml:"retrieval" mapstructure:"retrieval"`
	Synthesis      float64 `yaml:"synthesis" mapstructure:"synthesis"`
	Alignment      float64 `yaml:"alignment" mapstructure:"alignment"`
}

// ClassifyConfig configures query validation.
type ClassifyConfig struct {
	MaxLength int `yaml:"max_length" mapstructure:"max_length"`
}

// LaneConfig configures one retrieval lane.
type LaneConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	TimeoutMs int  `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	TopK      int  `yaml:"top_k" mapstructure:"top_k"`
}

// LanesConfig configures the retrieval lanes. Lanes run and report in
// field order.
type LanesConfig struct {
	Vector  LaneConfig `yaml:"vector" mapstructure:"vector"`
	Keyword LaneConfig `yaml:"keyword" mapstructure:"keyword"`
	Graph   LaneConfig `yaml:"graph" mapstructure:"graph"`
	Web     LaneConfig `yaml:"web" mapstructure:"web"`
}

// VectorConfig configures the pgvector lane.
type VectorConfig struct {
	DatabaseURL   string  `yaml:"database_url" mapstructure:"database_url"`
	Table         string  `yaml:"table" mapstructure:"table"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
	MaxConns      int32   `yaml:"max_conns" mapstructure:"max_conns"`
}

// ElasticsearchConfig configures the keyword lane.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	Username  string   `yaml:"username" mapstructure:"username"`
	Password  string   `yaml:"password" mapstructure:"password"`
	Index     string   `yaml:"index" mapstructure:"index"`
}

// GraphConfig configures the Badger knowledge graph lane.
type GraphConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// JinaConfig holds Jina search settings for the web lane.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
	Site          string `yaml:"site" mapstructure:"site"`

	RetryAttempts     int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// EmbeddingConfig configures the OpenAI-compatible query embedder.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds settings for an OpenAI-compatible endpoint, typically
// a local zero-cost model server.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// RouterConfig configures provider scoring and circuit breaking.
type RouterConfig struct {
	PreferFree       bool           `yaml:"prefer_free" mapstructure:"prefer_free"`
	LatencyCeilingMs int            `yaml:"latency_ceiling_ms" mapstructure:"latency_ceiling_ms"`
	EWMAAlpha        float64        `yaml:"ewma_alpha" mapstructure:"ewma_alpha"`
	Weights          router.Weights `yaml:"weights" mapstructure:"weights"`
	FailureThreshold int            `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int            `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// FusionConfig configures dedup and ranking.
type FusionConfig struct {
	RelevanceWeight    float64            `yaml:"relevance_weight" mapstructure:"relevance_weight"`
	Credibility        map[string]float64 `yaml:"credibility" mapstructure:"credibility"`
	CredibilityWeight  float64            `yaml:"credibility_weight" mapstructure:"credibility_weight"`
	RecencyWeight      float64            `yaml:"recency_weight" mapstructure:"recency_weight"`
	DiversityWeight    float64            `yaml:"diversity_weight" mapstructure:"diversity_weight"`
	DuplicateThreshold float64            `yaml:"duplicate_threshold" mapstructure:"duplicate_threshold"`
	SourceCap          float64            `yaml:"source_cap" mapstructure:"source_cap"`
	MaxDocuments       int                `yaml:"max_documents" mapstructure:"max_documents"`
	DefaultCredibility float64            `yaml:"default_credibility" mapstructure:"default_credibility"`
	NeutralRecency     float64            `yaml:"neutral_recency" mapstructure:"neutral_recency"`
	HalfLifeDays       float64            `yaml:"half_life_days" mapstructure:"half_life_days"`
}

// AlignConfig configures claim extraction and alignment.
type AlignConfig struct {
	ClaimPatterns         []string `yaml:"claim_patterns" mapstructure:"claim_patterns"`
	MinClaimWords         int      `yaml:"min_claim_words" mapstructure:"min_claim_words"`
	SimilarityThreshold   float64  `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	NegationCues          []string `yaml:"negation_cues" mapstructure:"negation_cues"`
	NumericTolerance      float64  `yaml:"numeric_tolerance" mapstructure:"numeric_tolerance"`
	DisagreementThreshold float64  `yaml:"disagreement_threshold" mapstructure:"disagreement_threshold"`
}

// SynthConfig configures prompt assembly.
type SynthConfig struct {
	MaxContextDocs      int `yaml:"max_context_docs" mapstructure:"max_context_docs"`
	MaxDocChars         int `yaml:"max_doc_chars" mapstructure:"max_doc_chars"`
	MaxTokens           int `yaml:"max_tokens" mapstructure:"max_tokens"`
	ExtractiveSentences int `yaml:"extractive_sentences" mapstructure:"extractive_sentences"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	Workers          int  `yaml:"workers" mapstructure:"workers"`
	WriteTimeoutSecs int  `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// MonitoringConfig configures metrics and alerting.
type MonitoringConfig struct {
	LatencyWindow         int     `yaml:"latency_window" mapstructure:"latency_window"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	LaneFailureThreshold  float64 `yaml:"lane_failure_threshold" mapstructure:"lane_failure_threshold"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.heartbeat_secs", 10)
	v.SetDefault("server.shutdown_secs", 15)
	v.SetDefault("server.max_body_bytes", 64*1024)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "ksearch.db")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_secs", 600)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("budget.simple_ms", 4000)
	v.SetDefault("budget.moderate_ms", 8000)
	v.SetDefault("budget.complex_ms", 15000)
	v.SetDefault("budget.shares.classification", 0.05)
	v.SetDefault("budget.shares.retrieval", 0.40)
	v.SetDefault("budget.shares.synthesis", 0.40)
	v.SetDefault("budget.shares.alignment", 0.15)
	v.SetDefault("classify.max_length", 4000)
	v.SetDefault("lanes.vector.enabled", true)
	v.SetDefault("lanes.vector.timeout_ms", 2000)
	v.SetDefault("lanes.vector.top_k", 8)
	v.SetDefault("lanes.keyword.enabled", true)
	v.SetDefault("lanes.keyword.timeout_ms", 2000)
	v.SetDefault("lanes.keyword.top_k", 8)
	v.SetDefault("lanes.graph.enabled", true)
	v.SetDefault("lanes.graph.timeout_ms", 1500)
	v.SetDefault("lanes.graph.top_k", 8)
	v.SetDefault("lanes.web.enabled", false)
	v.SetDefault("lanes.web.timeout_ms", 3000)
	v.SetDefault("lanes.web.top_k", 8)
	v.SetDefault("vector.table", "kb_documents")
	v.SetDefault("vector.min_similarity", 0.0)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.index", "kb_documents")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.retry_attempts", 2)
	v.SetDefault("jina.retry_backoff_ms", 250)
	v.SetDefault("jina.retry_max_backoff_ms", 2000)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("providers", defaultProviders())
	v.SetDefault("router.prefer_free", true)
	v.SetDefault("router.latency_ceiling_ms", 10000)
	v.SetDefault("router.ewma_alpha", 0.2)
	v.SetDefault("router.weights.capability", 0.4)
	v.SetDefault("router.weights.cost", 0.3)
	v.SetDefault("router.weights.health", 0.3)
	v.SetDefault("router.weights.latency", 0.2)
	v.SetDefault("router.failure_threshold", 5)
	v.SetDefault("router.reset_timeout_secs", 30)
	v.SetDefault("fusion.relevance_weight", 0.40)
	v.SetDefault("fusion.credibility_weight", 0.30)
	v.SetDefault("fusion.recency_weight", 0.15)
	v.SetDefault("fusion.diversity_weight", 0.15)
	v.SetDefault("fusion.credibility", map[string]float64{"vector": 0.7, "keyword": 0.6, "graph": 0.8, "web": 0.5})
	v.SetDefault("fusion.duplicate_threshold", 0.8)
	v.SetDefault("fusion.source_cap", 0.4)
	v.SetDefault("fusion.max_documents", 20)
	v.SetDefault("fusion.default_credibility", 0.5)
	v.SetDefault("fusion.neutral_recency", 0.5)
	v.SetDefault("fusion.half_life_days", 365)
	v.SetDefault("align.min_claim_words", 4)
	v.SetDefault("align.similarity_threshold", 0.2)
	v.SetDefault("align.numeric_tolerance", 0.05)
	v.SetDefault("align.disagreement_threshold", 0.1)
	v.SetDefault("synth.max_context_docs", 8)
	v.SetDefault("synth.max_doc_chars", 1200)
	v.SetDefault("synth.max_tokens", 1024)
	v.SetDefault("synth.extractive_sentences", 3)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.write_timeout_secs", 5)
	v.SetDefault("monitoring.latency_window", 512)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.50)
	v.SetDefault("monitoring.lane_failure_threshold", 0.50)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("pricing.jina.per_query", cost.DefaultRates().Jina.PerQuery)
	v.SetDefault("pricing.models", defaultModelRates())
}

func defaultModelRates() map[string]any {
	rates := cost.DefaultRates().Models
	out := make(map[string]any, len(rates))
	for name, r := range rates {
		out[name] = map[string]any{"input": r.Input, "output": r.Output, "per_request": r.PerRequest}
	}
	return out
}

func defaultProviders() []map[string]any {
	return []map[string]any{
		{
			"id":        "claude-haiku",
			"kind":      "anthropic",
			"model":     "claude-haiku-4-5-20251001",
			"roles":     []string{"fast", "quality"},
			"cost_tier": 1,
			"rpm":       50,
			"tpm":       100000,
			"timeout":   "20s",
		},
		{
			"id":           "claude-sonnet",
			"kind":         "anthropic",
			"model":        "claude-sonnet-4-5-20250929",
			"roles":        []string{"quality", "reasoning", "long_context", "tool_use"},
			"capabilities": []string{"long_context", "function_calling"},
			"cost_tier":    2,
			"rpm":          50,
			"tpm":          80000,
			"timeout":      "40s",
		},
		{
			"id":        "perplexity-sonar",
			"kind":      "perplexity",
			"model":     "sonar",
			"roles":     []string{"fast", "quality"},
			"cost_tier": 1,
			"rpm":       50,
			"timeout":   "20s",
		},
	}
}

// Validate checks that the configuration is usable for mode and returns
// every problem found in one error.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch mode {
	case "serve", "ask":
		c.validateQuery(add)
		if mode == "serve" && c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "migrate", "audits", "status", "ingest":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	c.validateStore(add)

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore(add func(string, ...any)) {
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
}

func (c *Config) validateQuery(add func(string, ...any)) {
	if c.Budget.SimpleMs <= 0 || c.Budget.ModerateMs <= 0 || c.Budget.ComplexMs <= 0 {
		add("budget.simple_ms, budget.moderate_ms and budget.complex_ms must be > 0")
	}
	s := c.Budget.Shares
	if s.Classification < 0 || s.Retrieval <= 0 || s.Synthesis <= 0 || s.Alignment < 0 {
		add("budget.shares must be non-negative with retrieval and synthesis > 0")
	}
	if sum := s.Classification + s.Retrieval + s.Synthesis + s.Alignment; sum > 1.0001 {
		add("budget.shares must sum to at most 1, got %.2f", sum)
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			add("redis.addr is required for the redis cache backend")
		}
	default:
		add("cache.backend must be memory, redis or none, got %q", c.Cache.Backend)
	}

	l := c.Lanes
	if !l.Vector.Enabled && !l.Keyword.Enabled && !l.Graph.Enabled && !l.Web.Enabled {
		add("at least one retrieval lane must be enabled")
	}
	if l.Vector.Enabled {
		if c.Vector.DatabaseURL == "" && c.Store.Driver != "postgres" {
			add("vector.database_url is required when the vector lane is enabled")
		}
		if c.Embedding.Model == "" {
			add("embedding.model is required when the vector lane is enabled")
		}
	}
	if l.Keyword.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		add("elasticsearch.addresses is required when the keyword lane is enabled")
	}
	if l.Web.Enabled && c.Jina.Key == "" {
		add("jina.key is required when the web lane is enabled")
	}

	if len(c.Providers) == 0 {
		add("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			add("providers[%d].id is required", i)
			continue
		}
		if seen[p.ID] {
			add("providers[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "anthropic", "perplexity", "openai":
		default:
			add("providers[%d].kind must be anthropic, perplexity or openai, got %q", i, p.Kind)
		}
	}

	f := c.Fusion
	if f.RelevanceWeight < 0 || f.CredibilityWeight < 0 || f.RecencyWeight < 0 || f.DiversityWeight < 0 {
		add("fusion weights must be non-negative")
	}
	if f.DuplicateThreshold <= 0 || f.DuplicateThreshold > 1 {
		add("fusion.duplicate_threshold must be in (0, 1]")
	}
	if c.Align.SimilarityThreshold < 0 || c.Align.SimilarityThreshold > 1 {
		add("align.similarity_threshold must be in [0, 1]")
	}
	if c.Align.DisagreementThreshold < 0 {
		add("align.disagreement_threshold must be >= 0")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
