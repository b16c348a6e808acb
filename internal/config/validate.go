package config

import (
	"fmt"
	"net/url"
)

// Validate checks the decoded configuration for invalid values. It runs
// after UnmarshalExact has already rejected unrecognized keys, so this pass
// only has to check the ranges and enum-like fields.
func Validate(cfg *Config) error {
	if cfg.Orchestrator.MaxConcurrentScrapers < 1 || cfg.Orchestrator.MaxConcurrentScrapers > 1000 {
		return fmt.Errorf("orchestrator.max_concurrent_scrapers must be 1-1000, got %d", cfg.Orchestrator.MaxConcurrentScrapers)
	}
	if cfg.Orchestrator.MinConcurrentScrapers < 1 {
		return fmt.Errorf("orchestrator.min_concurrent_scrapers must be >= 1, got %d", cfg.Orchestrator.MinConcurrentScrapers)
	}
	if cfg.Orchestrator.MinConcurrentScrapers > cfg.Orchestrator.MaxConcurrentScrapers {
		return fmt.Errorf("orchestrator.min_concurrent_scrapers (%d) must be <= max_concurrent_scrapers (%d)",
			cfg.Orchestrator.MinConcurrentScrapers, cfg.Orchestrator.MaxConcurrentScrapers)
	}
	if cfg.Orchestrator.ScrapeDeadline <= 0 {
		return fmt.Errorf("orchestrator.scrape_deadline must be > 0")
	}
	if cfg.Orchestrator.HTTPRequestTimeout <= 0 {
		return fmt.Errorf("orchestrator.http_request_timeout must be > 0")
	}
	if cfg.Orchestrator.DedupCacheSize < 1 {
		return fmt.Errorf("orchestrator.dedup_cache_size must be >= 1, got %d", cfg.Orchestrator.DedupCacheSize)
	}
	for kind, max := range cfg.Orchestrator.ScraperPoolSizes {
		if max < 1 {
			return fmt.Errorf("orchestrator.scraper_pool_sizes[%s] must be >= 1, got %d", kind, max)
		}
	}

	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be >= 1, got %d", cfg.CircuitBreaker.SuccessThreshold)
	}
	if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be > 0")
	}

	if cfg.RateLimit.Requests < 1 {
		return fmt.Errorf("rate_limit.requests_per_domain must be >= 1, got %d", cfg.RateLimit.Requests)
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}

	if cfg.Quota.MonthlyQuota < 0 {
		return fmt.Errorf("quota.monthly_quota must be >= 0, got %d", cfg.Quota.MonthlyQuota)
	}
	if cfg.Quota.MongoURI == "" && cfg.Quota.SettingsStorePath == "" {
		return fmt.Errorf("quota.settings_store_path or quota.mongo_uri must be set")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.Rotation != "round_robin" && cfg.Proxy.Rotation != "random" {
			return fmt.Errorf("proxy.rotation must be 'round_robin' or 'random', got %q", cfg.Proxy.Rotation)
		}
		for _, proxyURL := range cfg.Proxy.URLs {
			if _, err := url.Parse(proxyURL); err != nil {
				return fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
			}
		}
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port < 1 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be 1-65535, got %d", cfg.Admin.Port)
	}
	if cfg.Observability.Enabled && (cfg.Observability.Port < 1 || cfg.Observability.Port > 65535) {
		return fmt.Errorf("observability.port must be 1-65535, got %d", cfg.Observability.Port)
	}

	if cfg.Cluster.Enabled {
		if cfg.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id must be set when cluster.enabled is true")
		}
		if cfg.Cluster.HeartbeatInterval <= 0 {
			return fmt.Errorf("cluster.heartbeat_interval must be > 0")
		}
		if cfg.Cluster.NodeTimeout <= cfg.Cluster.HeartbeatInterval {
			return fmt.Errorf("cluster.node_timeout must exceed cluster.heartbeat_interval")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	return nil
}

// ValidateURL checks that a raw task URL is well-formed and has an
// http(s) scheme, used by the orchestrator when accepting new tasks.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
