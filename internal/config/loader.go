package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the config file and INGESTCORE_-prefixed
// environment variables over the built-in defaults. Priority (highest to
// lowest): env vars > config file > defaults. No CLI flags are bound here.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("INGESTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ingestcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".ingestcore"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper so that partial config
// files and env vars only override what they explicitly set.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)
	v.SetDefault("database.advisory_lock_namespace", cfg.Database.AdvisoryLockNamespace)

	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)

	v.SetDefault("ingestion.request_delay_seconds", cfg.Ingestion.RequestDelaySeconds)
	v.SetDefault("ingestion.min_request_delay_seconds", cfg.Ingestion.MinRequestDelaySeconds)
	v.SetDefault("ingestion.network_error_retries", cfg.Ingestion.NetworkErrorRetries)
	v.SetDefault("ingestion.retry_backoff_seconds", cfg.Ingestion.RetryBackoffSeconds)
	v.SetDefault("ingestion.rate_limit_retries", cfg.Ingestion.RateLimitRetries)
	v.SetDefault("ingestion.rate_limit_backoff_seconds", cfg.Ingestion.RateLimitBackoffSeconds)
	v.SetDefault("ingestion.max_pages_per_scholar", cfg.Ingestion.MaxPagesPerScholar)
	v.SetDefault("ingestion.page_size", cfg.Ingestion.PageSize)
	v.SetDefault("ingestion.continuation_queue_enabled", cfg.Ingestion.ContinuationQueueEnabled)
	v.SetDefault("ingestion.continuation_base_delay_seconds", cfg.Ingestion.ContinuationBaseDelaySeconds)
	v.SetDefault("ingestion.continuation_max_delay_seconds", cfg.Ingestion.ContinuationMaxDelaySeconds)
	v.SetDefault("ingestion.continuation_max_attempts", cfg.Ingestion.ContinuationMaxAttempts)
	v.SetDefault("ingestion.alert_blocked_failure_threshold", cfg.Ingestion.AlertBlockedFailureThreshold)
	v.SetDefault("ingestion.alert_network_failure_threshold", cfg.Ingestion.AlertNetworkFailureThreshold)
	v.SetDefault("ingestion.alert_retry_scheduled_threshold", cfg.Ingestion.AlertRetryScheduledThreshold)

	v.SetDefault("scheduler.tick_seconds", cfg.Scheduler.TickSeconds)
	v.SetDefault("scheduler.queue_batch_size", cfg.Scheduler.QueueBatchSize)
	v.SetDefault("scheduler.run_interval_minutes_default", cfg.Scheduler.RunIntervalMinutesDefault)

	v.SetDefault("safety.cooldown_blocked_seconds", cfg.Safety.CooldownBlockedSeconds)
	v.SetDefault("safety.cooldown_network_seconds", cfg.Safety.CooldownNetworkSeconds)

	v.SetDefault("arxiv.enabled", cfg.Arxiv.Enabled)
	v.SetDefault("arxiv.timeout_seconds", cfg.Arxiv.TimeoutSeconds)
	v.SetDefault("arxiv.default_max_results", cfg.Arxiv.DefaultMaxResults)
	v.SetDefault("arxiv.cache_ttl_seconds", cfg.Arxiv.CacheTTLSeconds)
	v.SetDefault("arxiv.cache_max_entries", cfg.Arxiv.CacheMaxEntries)
	v.SetDefault("arxiv.mailto", cfg.Arxiv.Mailto)
	v.SetDefault("arxiv.cooldown_after_blocked", cfg.Arxiv.CooldownAfterBlocked)
	v.SetDefault("arxiv.cooldown_seconds", cfg.Arxiv.CooldownSeconds)

	v.SetDefault("author_search.cache_ttl_seconds", cfg.AuthorSearch.CacheTTLSeconds)
	v.SetDefault("author_search.cache_max_entries", cfg.AuthorSearch.CacheMaxEntries)
	v.SetDefault("author_search.cooldown_after_blocked", cfg.AuthorSearch.CooldownAfterBlocked)
	v.SetDefault("author_search.cooldown_seconds", cfg.AuthorSearch.CooldownSeconds)
	v.SetDefault("author_search.jitter_millis", cfg.AuthorSearch.JitterMillis)
	v.SetDefault("author_search.blocked_threshold", cfg.AuthorSearch.BlockedThreshold)

	v.SetDefault("openalex.api_key", cfg.OpenAlex.APIKey)
	v.SetDefault("openalex.daily_budget", cfg.OpenAlex.DailyBudget)
	v.SetDefault("openalex.batch_size", cfg.OpenAlex.BatchSize)
	v.SetDefault("openalex.match_threshold", cfg.OpenAlex.MatchThreshold)

	v.SetDefault("crossref.api_mailto", cfg.Crossref.APIMailto)

	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.request_timeout", cfg.Fetcher.RequestTimeout)
	v.SetDefault("fetcher.min_request_timeout", cfg.Fetcher.MinRequestTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.user_agents", cfg.Fetcher.UserAgents)
	v.SetDefault("fetcher.stealth_fallback", cfg.Fetcher.StealthFallback)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.cors_origins", cfg.HTTP.CORSOrigins)
	v.SetDefault("http.sse_queue_depth", cfg.HTTP.SSEQueueDepth)
}
