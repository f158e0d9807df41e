// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig                     `mapstructure:"server"`
	Auth         AuthConfig                       `mapstructure:"auth"`
	Crawler      CrawlerConfig                    `mapstructure:"crawler"`
	HTTP         HTTPConfig                       `mapstructure:"http"`
	Headless     HeadlessConfig                   `mapstructure:"headless"`
	Storage      StorageConfig                    `mapstructure:"storage"`
	Database     DatabaseConfig                   `mapstructure:"database"`
	PubSub       PubSubConfig                     `mapstructure:"pubsub"`
	Progress     ProgressConfig                   `mapstructure:"progress"`
	RateLimit    RateLimitConfig                  `mapstructure:"rate_limit"`
	RateGovernor RateGovernorConfig               `mapstructure:"rate_governor"`
	Repository   RepositoryConfig                 `mapstructure:"repository"`
	CrawlEngine  CrawlEngineConfig                `mapstructure:"crawl_engine"`
	Analysis     AnalysisConfig                   `mapstructure:"analysis"`
	LLM          LLMConfig                        `mapstructure:"llm"`
	Logging      LoggingConfig                    `mapstructure:"logging"`
	Telemetry    TelemetryConfig                  `mapstructure:"telemetry"`
	StandardJobs map[string]crawler.JobParameters `mapstructure:"standard_jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs dispatcher and crawl pipeline behavior.
type CrawlerConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	PerDomainMax     int    `mapstructure:"per_domain_max"`
	UserAgent        string `mapstructure:"user_agent"`
	DelaySeconds     int    `mapstructure:"delay_seconds"`
	IgnoreRobots     bool   `mapstructure:"ignore_robots"`
	MaxDepthDefault  int    `mapstructure:"max_depth_default"`
	MaxPagesDefault  int    `mapstructure:"max_pages_default"`
	GlobalQueueDepth int    `mapstructure:"queue_depth"`
	SocksProxy       string `mapstructure:"socks_proxy"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	BrowserURL       string `mapstructure:"browser_url"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the blob backend and its connection details.
// Backend is one of "memory", "local", "gcs"; Local/Bucket only apply to
// their matching backend.
type StorageConfig struct {
	Backend     string      `mapstructure:"backend"`
	Local       local.Config `mapstructure:"local"`
	Bucket      string      `mapstructure:"bucket"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
}

// DatabaseConfig controls access to the Postgres instance that backs the
// retrieval audit trail and the job progress repository.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RetrievalTable  string        `mapstructure:"retrieval_table"`
	ProgressTable   string        `mapstructure:"progress_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Leaving
// either field blank falls back to the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub that fans job/site counters out
// to the configured sinks (store-backed and/or structured log).
type ProgressConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	LogEnabled    bool              `mapstructure:"log_enabled"`
	BufferSize    int               `mapstructure:"buffer_size"`
	Batch         ProgressBatchCfg  `mapstructure:"batch"`
	SinkTimeoutMs int               `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchCfg tunes how the progress hub batches events before flushing.
type ProgressBatchCfg struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// RateLimitConfig is the coarse admission-control policy (crawler.Policy):
// a plain per-domain token bucket. Set Enabled=false to fall back to the
// permissive simple.Policy.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// RateGovernorConfig tunes the AIMD delay governor (internal/ratelimit) that
// the fetcher consults before every request, independent of the coarser
// admission-control Policy above.
type RateGovernorConfig struct {
	Backend          string `mapstructure:"backend"`
	InitialDelayMs   int64  `mapstructure:"initial_delay_ms"`
	MinDelayMs       int64  `mapstructure:"min_delay_ms"`
	MaxBackoffMs     int64  `mapstructure:"max_backoff_ms"`
	MaxGrowthMs      int64  `mapstructure:"max_growth_ms"`
	SuccessDecayStep int    `mapstructure:"success_decay_step"`
}

// RepositoryConfig selects the backend for the crawl queue/document state
// store. Backend is "sqlite" (default, embedded); "postgres" requires
// Database.DSN to be set and then still opens the embedded sqlite store.
// SqliteDSN defaults to ./data/state.db; set explicitly to "" it opens an
// in-memory sqlite database.
type RepositoryConfig struct {
	Backend   string `mapstructure:"backend"`
	SqliteDSN string `mapstructure:"sqlite_dsn"`
}

// CrawlEngineConfig tunes the claim/fetch/finalize batch loop that drives
// crawl_urls through the engine's state machine. Zero values fall back to
// crawlengine's own withDefaults().
type CrawlEngineConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	StaleThresholdSec int           `mapstructure:"stale_threshold_seconds"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseRetryDelaySec int           `mapstructure:"base_retry_delay_seconds"`
	MaxRetryDelaySec  int           `mapstructure:"max_retry_delay_seconds"`
	RefreshTTLHours   int           `mapstructure:"refresh_ttl_hours"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// AnalysisConfig selects which text-extraction backends are enabled.
type AnalysisConfig struct {
	OCRBackends          []string `mapstructure:"ocr_backends"`
	MaxPages             int      `mapstructure:"max_pages"`
	CompareMode          bool     `mapstructure:"compare_mode"`
	ClassicalOCREndpoint string   `mapstructure:"classical_ocr_endpoint"`
	NeuralOCREndpoint    string   `mapstructure:"neural_ocr_endpoint"`
}

// LLMConfig configures the OpenAI-compatible annotation client.
type LLMConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Provider        string  `mapstructure:"provider"`
	BaseURL         string  `mapstructure:"base_url"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxContentChars int     `mapstructure:"max_content_chars"`
	SynopsisPrompt  string  `mapstructure:"synopsis_prompt"`
	TagsPrompt      string  `mapstructure:"tags_prompt"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service for trace export and, when ProjectID is
// set, points the Cloud Trace exporter at a GCP project; left blank, tracing
// runs with no exporter attached (spans are created but never shipped).
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLiteralEnvOverrides(v)

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLiteralEnvOverrides binds the literal, unprefixed environment variable
// names the configuration surface enumerates (DATABASE_URL, LLM_*, etc.) on
// top of the CRAWLER_-prefixed AutomaticEnv coverage every other key gets.
func bindLiteralEnvOverrides(v *viper.Viper) {
	literal := map[string]string{
		"database.dsn":          "DATABASE_URL",
		"crawler.browser_url":   "BROWSER_URL",
		"crawler.socks_proxy":   "SOCKS_PROXY",
		"llm.provider":          "LLM_PROVIDER",
		"llm.base_url":          "LLM_ENDPOINT",
		"llm.model":             "LLM_MODEL",
		"llm.api_key":           "LLM_API_KEY",
		"llm.max_tokens":        "LLM_MAX_TOKENS",
		"llm.temperature":       "LLM_TEMPERATURE",
		"llm.max_content_chars": "LLM_MAX_CONTENT_CHARS",
		"llm.synopsis_prompt":   "LLM_SYNOPSIS_PROMPT",
		"llm.tags_prompt":       "LLM_TAGS_PROMPT",
		"analysis.ocr_backends": "ANALYSIS_OCR_BACKENDS",
	}
	for key, env := range literal {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.per_domain_max", 2)
	v.SetDefault("crawler.user_agent", "pubrecords-acquire/0.1")
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_depth_default", 1)
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.max_redirects", 5)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "./data/blobs")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.content_type", "application/octet-stream")
	v.SetDefault("database.retrieval_table", "retrievals")
	v.SetDefault("database.progress_table", "job_runs")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("rate_governor.backend", "memory")
	v.SetDefault("rate_governor.initial_delay_ms", 1000)
	v.SetDefault("rate_governor.min_delay_ms", 250)
	v.SetDefault("rate_governor.max_backoff_ms", 60000)
	v.SetDefault("rate_governor.max_growth_ms", 30000)
	v.SetDefault("rate_governor.success_decay_step", 5)
	v.SetDefault("repository.backend", "sqlite")
	v.SetDefault("repository.sqlite_dsn", "./data/state.db")
	v.SetDefault("crawl_engine.batch_size", 25)
	v.SetDefault("crawl_engine.stale_threshold_seconds", 900)
	v.SetDefault("crawl_engine.max_retries", 5)
	v.SetDefault("crawl_engine.base_retry_delay_seconds", 30)
	v.SetDefault("crawl_engine.max_retry_delay_seconds", 3600)
	v.SetDefault("crawl_engine.refresh_ttl_hours", 720)
	v.SetDefault("crawl_engine.poll_interval", 10*time.Second)
	v.SetDefault("analysis.ocr_backends", []string{"native_pdf"})
	v.SetDefault("analysis.max_pages", 200)
	v.SetDefault("analysis.compare_mode", false)
	v.SetDefault("analysis.classical_ocr_endpoint", "")
	v.SetDefault("analysis.neural_ocr_endpoint", "")
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_content_chars", 8000)
	v.SetDefault("llm.synopsis_prompt", "Summarize the following public record in a single neutral paragraph.\n\nTitle: {title}\n\nContent:\n{content}")
	v.SetDefault("llm.tags_prompt", "List 3-5 short topical tags (comma-separated, lowercase) for the following public record.\n\nTitle: {title}\n\nContent:\n{content}")
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "acquire")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateGovernor.MinDelayMs <= 0 {
		return fmt.Errorf("rate_governor.min_delay_ms must be > 0")
	}
	return nil
}

// JobBudget converts the HTTP timeout/backoff config into duration helpers.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
