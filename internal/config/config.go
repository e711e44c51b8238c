package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for the ingestion core.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"      yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis"         yaml:"redis"`
	Ingestion    IngestionConfig    `mapstructure:"ingestion"     yaml:"ingestion"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"     yaml:"scheduler"`
	Safety       SafetyConfig       `mapstructure:"safety"        yaml:"safety"`
	Arxiv        ArxivConfig        `mapstructure:"arxiv"         yaml:"arxiv"`
	AuthorSearch AuthorSearchConfig `mapstructure:"author_search" yaml:"author_search"`
	OpenAlex     OpenAlexConfig     `mapstructure:"openalex"      yaml:"openalex"`
	Crossref     CrossrefConfig     `mapstructure:"crossref"      yaml:"crossref"`
	Fetcher      FetcherConfig      `mapstructure:"fetcher"       yaml:"fetcher"`
	Logging      LoggingConfig      `mapstructure:"logging"       yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"       yaml:"metrics"`
	HTTP         HTTPConfig         `mapstructure:"http"          yaml:"http"`
}

// DatabaseConfig configures the pgx connection pool backing C12.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"            yaml:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"      yaml:"max_conns"`
	AdvisoryLockNamespace int32 `mapstructure:"advisory_lock_namespace" yaml:"advisory_lock_namespace"`
}

// RedisConfig configures the shared cache's backing store (C8).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db"       yaml:"db"`
}

// IngestionConfig is the authoritative per-run/per-page policy, matching
// spec §6's configuration list.
type IngestionConfig struct {
	RequestDelaySeconds             int `mapstructure:"request_delay_seconds"               yaml:"request_delay_seconds"`
	MinRequestDelaySeconds           int `mapstructure:"min_request_delay_seconds"           yaml:"min_request_delay_seconds"`
	NetworkErrorRetries             int `mapstructure:"network_error_retries"               yaml:"network_error_retries"`
	RetryBackoffSeconds              int `mapstructure:"retry_backoff_seconds"               yaml:"retry_backoff_seconds"`
	RateLimitRetries                 int `mapstructure:"rate_limit_retries"                  yaml:"rate_limit_retries"`
	RateLimitBackoffSeconds          int `mapstructure:"rate_limit_backoff_seconds"          yaml:"rate_limit_backoff_seconds"`
	MaxPagesPerScholar               int `mapstructure:"max_pages_per_scholar"               yaml:"max_pages_per_scholar"`
	PageSize                         int `mapstructure:"page_size"                           yaml:"page_size"`
	ContinuationQueueEnabled         bool `mapstructure:"continuation_queue_enabled"          yaml:"continuation_queue_enabled"`
	ContinuationBaseDelaySeconds     int `mapstructure:"continuation_base_delay_seconds"     yaml:"continuation_base_delay_seconds"`
	ContinuationMaxDelaySeconds      int `mapstructure:"continuation_max_delay_seconds"      yaml:"continuation_max_delay_seconds"`
	ContinuationMaxAttempts          int `mapstructure:"continuation_max_attempts"           yaml:"continuation_max_attempts"`
	AlertBlockedFailureThreshold     int `mapstructure:"alert_blocked_failure_threshold"     yaml:"alert_blocked_failure_threshold"`
	AlertNetworkFailureThreshold     int `mapstructure:"alert_network_failure_threshold"     yaml:"alert_network_failure_threshold"`
	AlertRetryScheduledThreshold     int `mapstructure:"alert_retry_scheduled_threshold"     yaml:"alert_retry_scheduled_threshold"`
}

// SchedulerConfig controls C10.
type SchedulerConfig struct {
	TickSeconds     int `mapstructure:"tick_seconds"      yaml:"tick_seconds"`
	QueueBatchSize  int `mapstructure:"queue_batch_size"  yaml:"queue_batch_size"`
	RunIntervalMinutesDefault int `mapstructure:"run_interval_minutes_default" yaml:"run_interval_minutes_default"`
}

// SafetyConfig controls C7.
type SafetyConfig struct {
	CooldownBlockedSeconds int `mapstructure:"cooldown_blocked_seconds" yaml:"cooldown_blocked_seconds"`
	CooldownNetworkSeconds int `mapstructure:"cooldown_network_seconds" yaml:"cooldown_network_seconds"`
}

// ArxivConfig controls the arXiv gateway (C8/C9).
type ArxivConfig struct {
	Enabled           bool          `mapstructure:"enabled"             yaml:"enabled"`
	TimeoutSeconds    int           `mapstructure:"timeout_seconds"     yaml:"timeout_seconds"`
	DefaultMaxResults int           `mapstructure:"default_max_results" yaml:"default_max_results"`
	CacheTTLSeconds   int           `mapstructure:"cache_ttl_seconds"   yaml:"cache_ttl_seconds"`
	CacheMaxEntries   int           `mapstructure:"cache_max_entries"   yaml:"cache_max_entries"`
	Mailto            string        `mapstructure:"mailto"              yaml:"mailto"`
	CooldownAfterBlocked int        `mapstructure:"cooldown_after_blocked" yaml:"cooldown_after_blocked"`
	CooldownSeconds   time.Duration `mapstructure:"cooldown_seconds"    yaml:"cooldown_seconds"`
}

// AuthorSearchConfig controls the author-search cache/cooldown/jitter.
type AuthorSearchConfig struct {
	CacheTTLSeconds       int `mapstructure:"cache_ttl_seconds"       yaml:"cache_ttl_seconds"`
	CacheMaxEntries       int `mapstructure:"cache_max_entries"       yaml:"cache_max_entries"`
	CooldownAfterBlocked  int `mapstructure:"cooldown_after_blocked"  yaml:"cooldown_after_blocked"`
	CooldownSeconds       int `mapstructure:"cooldown_seconds"        yaml:"cooldown_seconds"`
	JitterMillis          int `mapstructure:"jitter_millis"           yaml:"jitter_millis"`
	BlockedThreshold      int `mapstructure:"blocked_threshold"       yaml:"blocked_threshold"`
}

// OpenAlexConfig controls C9's OpenAlex client.
type OpenAlexConfig struct {
	APIKey        string `mapstructure:"api_key"         yaml:"api_key"`
	DailyBudget   int    `mapstructure:"daily_budget"    yaml:"daily_budget"`
	BatchSize     int    `mapstructure:"batch_size"      yaml:"batch_size"`
	MatchThreshold float64 `mapstructure:"match_threshold" yaml:"match_threshold"`
}

// CrossrefConfig controls DOI landing-page resolution courtesy contact.
type CrossrefConfig struct {
	APIMailto string `mapstructure:"api_mailto" yaml:"api_mailto"`
}

// FetcherConfig controls the Scholar Source HTTP client (C1).
type FetcherConfig struct {
	FollowRedirects  bool          `mapstructure:"follow_redirects"   yaml:"follow_redirects"`
	MaxRedirects     int           `mapstructure:"max_redirects"      yaml:"max_redirects"`
	MaxBodySize      int64         `mapstructure:"max_body_size"      yaml:"max_body_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"    yaml:"request_timeout"`
	MinRequestTimeout time.Duration `mapstructure:"min_request_timeout" yaml:"min_request_timeout"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"     yaml:"max_idle_conns"`
	IdleConnTimeout  time.Duration `mapstructure:"idle_conn_timeout"  yaml:"idle_conn_timeout"`
	UserAgents       []string      `mapstructure:"user_agents"        yaml:"user_agents"`
	StealthFallback  bool          `mapstructure:"stealth_fallback"   yaml:"stealth_fallback"`
	// ContactMailto is set as a courtesy From header on requests to
	// external scholarly APIs (arXiv, OpenAlex, Crossref); Scholar itself
	// ignores it but the remote APIs' terms of use expect it.
	ContactMailto string `mapstructure:"contact_mailto" yaml:"contact_mailto"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// HTTPConfig controls the thin external API surface.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"             yaml:"addr"`
	CORSOrigins    []string `mapstructure:"cors_origins"     yaml:"cors_origins"`
	SSEQueueDepth  int      `mapstructure:"sse_queue_depth"  yaml:"sse_queue_depth"`
}

// DefaultConfig returns a Config with sensible defaults matching the
// spec's stated minimums (request_delay_seconds>=2, run_interval_minutes>=15).
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:                   "postgres://localhost:5432/ingestcore",
			MaxConns:              10,
			AdvisoryLockNamespace: 8217,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Ingestion: IngestionConfig{
			RequestDelaySeconds:         3,
			MinRequestDelaySeconds:      2,
			NetworkErrorRetries:         3,
			RetryBackoffSeconds:         2,
			RateLimitRetries:            2,
			RateLimitBackoffSeconds:     5,
			MaxPagesPerScholar:          10,
			PageSize:                    100,
			ContinuationQueueEnabled:    true,
			ContinuationBaseDelaySeconds: 30,
			ContinuationMaxDelaySeconds: 3600,
			ContinuationMaxAttempts:     8,
			AlertBlockedFailureThreshold: 1,
			AlertNetworkFailureThreshold: 1,
			AlertRetryScheduledThreshold: 1,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:               30,
			QueueBatchSize:            20,
			RunIntervalMinutesDefault: 60,
		},
		Safety: SafetyConfig{
			CooldownBlockedSeconds: 1800,
			CooldownNetworkSeconds: 600,
		},
		Arxiv: ArxivConfig{
			Enabled:              true,
			TimeoutSeconds:       10,
			DefaultMaxResults:    10,
			CacheTTLSeconds:      3600,
			CacheMaxEntries:      5000,
			Mailto:               "",
			CooldownAfterBlocked: 3,
			CooldownSeconds:      5 * time.Minute,
		},
		AuthorSearch: AuthorSearchConfig{
			CacheTTLSeconds:      86400,
			CacheMaxEntries:      2000,
			CooldownAfterBlocked: 3,
			CooldownSeconds:      600,
			JitterMillis:         250,
			BlockedThreshold:     3,
		},
		OpenAlex: OpenAlexConfig{
			DailyBudget:    10000,
			BatchSize:      25,
			MatchThreshold: 90.0,
		},
		Crossref: CrossrefConfig{
			APIMailto: "",
		},
		Fetcher: FetcherConfig{
			FollowRedirects:   true,
			MaxRedirects:      10,
			MaxBodySize:       10 * 1024 * 1024,
			RequestTimeout:    15 * time.Second,
			MinRequestTimeout: 500 * time.Millisecond,
			MaxIdleConns:      100,
			IdleConnTimeout:   90 * time.Second,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			},
			StealthFallback: true,
			ContactMailto:   "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			SSEQueueDepth: 64,
		},
	}
}
