package config

import "fmt"

// Validate checks DB-independent invariants named in spec §6 and §3, plus
// the defaults the core's own components depend on to not divide by zero
// or build zero-length backoff schedules.
func Validate(cfg *Config) error {
	if cfg.Ingestion.RequestDelaySeconds < 2 {
		return fmt.Errorf("ingestion.request_delay_seconds must be >= 2, got %d", cfg.Ingestion.RequestDelaySeconds)
	}
	if cfg.Ingestion.MinRequestDelaySeconds < 2 {
		return fmt.Errorf("ingestion.min_request_delay_seconds must be >= 2, got %d", cfg.Ingestion.MinRequestDelaySeconds)
	}
	if cfg.Ingestion.RequestDelaySeconds < cfg.Ingestion.MinRequestDelaySeconds {
		return fmt.Errorf("ingestion.request_delay_seconds (%d) must be >= min_request_delay_seconds (%d)",
			cfg.Ingestion.RequestDelaySeconds, cfg.Ingestion.MinRequestDelaySeconds)
	}
	if cfg.Ingestion.NetworkErrorRetries < 0 {
		return fmt.Errorf("ingestion.network_error_retries must be >= 0")
	}
	if cfg.Ingestion.RetryBackoffSeconds < 1 {
		return fmt.Errorf("ingestion.retry_backoff_seconds must be >= 1")
	}
	if cfg.Ingestion.RateLimitRetries < 0 {
		return fmt.Errorf("ingestion.rate_limit_retries must be >= 0")
	}
	if cfg.Ingestion.RateLimitBackoffSeconds < 1 {
		return fmt.Errorf("ingestion.rate_limit_backoff_seconds must be >= 1")
	}
	if cfg.Ingestion.MaxPagesPerScholar < 1 {
		return fmt.Errorf("ingestion.max_pages_per_scholar must be >= 1")
	}
	if cfg.Ingestion.PageSize < 1 {
		return fmt.Errorf("ingestion.page_size must be >= 1")
	}
	if cfg.Ingestion.ContinuationBaseDelaySeconds < 1 {
		return fmt.Errorf("ingestion.continuation_base_delay_seconds must be >= 1")
	}
	if cfg.Ingestion.ContinuationMaxDelaySeconds < cfg.Ingestion.ContinuationBaseDelaySeconds {
		return fmt.Errorf("ingestion.continuation_max_delay_seconds must be >= continuation_base_delay_seconds")
	}
	if cfg.Ingestion.ContinuationMaxAttempts < 1 {
		return fmt.Errorf("ingestion.continuation_max_attempts must be >= 1")
	}

	if cfg.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("scheduler.tick_seconds must be >= 1")
	}
	if cfg.Scheduler.QueueBatchSize < 1 {
		return fmt.Errorf("scheduler.queue_batch_size must be >= 1")
	}
	if cfg.Scheduler.RunIntervalMinutesDefault < 15 {
		return fmt.Errorf("scheduler.run_interval_minutes_default must be >= 15, got %d", cfg.Scheduler.RunIntervalMinutesDefault)
	}

	if cfg.Safety.CooldownBlockedSeconds < 60 {
		return fmt.Errorf("safety.cooldown_blocked_seconds must be >= 60")
	}
	if cfg.Safety.CooldownNetworkSeconds < 60 {
		return fmt.Errorf("safety.cooldown_network_seconds must be >= 60")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.RequestTimeout < cfg.Fetcher.MinRequestTimeout {
		return fmt.Errorf("fetcher.request_timeout must be >= min_request_timeout (500ms floor)")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
	}

	if cfg.OpenAlex.BatchSize < 1 {
		return fmt.Errorf("openalex.batch_size must be >= 1")
	}
	if cfg.OpenAlex.MatchThreshold <= 0 || cfg.OpenAlex.MatchThreshold > 100 {
		return fmt.Errorf("openalex.match_threshold must be in (0, 100]")
	}

	return nil
}
