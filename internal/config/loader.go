package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and the documented
// defaults. Priority (highest to lowest): env vars (SCRAPECTL_ prefix) >
// config file > defaults. Unknown keys in the config file are rejected
// (UnmarshalExact) rather than silently ignored (§9).
func Load(configPath string) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, def)

	v.SetEnvPrefix("SCRAPECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("scrapectl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".scrapectl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("decode config (unknown or malformed key): %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers every field of def so ReadInConfig only needs to
// override a subset, and AutomaticEnv can resolve the rest.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("orchestrator.max_concurrent_scrapers", def.Orchestrator.MaxConcurrentScrapers)
	v.SetDefault("orchestrator.min_concurrent_scrapers", def.Orchestrator.MinConcurrentScrapers)
	v.SetDefault("orchestrator.scraper_pool_sizes", def.Orchestrator.ScraperPoolSizes)
	v.SetDefault("orchestrator.scrape_deadline", def.Orchestrator.ScrapeDeadline)
	v.SetDefault("orchestrator.pool_acquire_timeout", def.Orchestrator.PoolAcquireTimeout)
	v.SetDefault("orchestrator.http_request_timeout", def.Orchestrator.HTTPRequestTimeout)
	v.SetDefault("orchestrator.task_retention", def.Orchestrator.TaskRetention)
	v.SetDefault("orchestrator.scaling_interval", def.Orchestrator.ScalingInterval)
	v.SetDefault("orchestrator.health_check_interval", def.Orchestrator.HealthCheckInterval)
	v.SetDefault("orchestrator.dedup_cache_size", def.Orchestrator.DedupCacheSize)
	v.SetDefault("orchestrator.use_metered_first", def.Orchestrator.UseMeteredFirst)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.recovery_timeout", def.CircuitBreaker.RecoveryTimeout)

	v.SetDefault("rate_limit.requests_per_domain", def.RateLimit.Requests)
	v.SetDefault("rate_limit.window", def.RateLimit.Window)
	v.SetDefault("rate_limit.adaptive", def.RateLimit.Adaptive)

	v.SetDefault("quota.monthly_quota", def.Quota.MonthlyQuota)
	v.SetDefault("quota.free_tier_mode", def.Quota.FreeTierMode)
	v.SetDefault("quota.high_value_only", def.Quota.HighValueOnly)
	v.SetDefault("quota.settings_store_path", def.Quota.SettingsStorePath)
	v.SetDefault("quota.mongo_uri", def.Quota.MongoURI)
	v.SetDefault("quota.mongo_database", def.Quota.MongoDatabase)
	v.SetDefault("quota.mongo_collection", def.Quota.MongoCollection)
	v.SetDefault("quota.major_employers", def.Quota.MajorEmployers)
	v.SetDefault("quota.high_demand_occupations", def.Quota.HighDemandOccupations)
	v.SetDefault("quota.endpoint", def.Quota.Endpoint)
	v.SetDefault("quota.api_key", def.Quota.APIKey)

	v.SetDefault("event_bus.endpoint", def.EventBus.Endpoint)
	v.SetDefault("event_bus.client_id", def.EventBus.ClientID)
	v.SetDefault("event_bus.consumer_group", def.EventBus.ConsumerGroup)
	v.SetDefault("event_bus.topic_jobs", def.EventBus.TopicJobs)
	v.SetDefault("event_bus.topic_events", def.EventBus.TopicEvents)
	v.SetDefault("event_bus.topic_enrichment", def.EventBus.TopicEnrichment)
	v.SetDefault("event_bus.topic_commands", def.EventBus.TopicCommands)

	v.SetDefault("fetcher.follow_redirects", def.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", def.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", def.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.tls_insecure", def.Fetcher.TLSInsecure)
	v.SetDefault("fetcher.idle_conn_timeout", def.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", def.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.respect_robots", def.Fetcher.RespectRobots)
	v.SetDefault("fetcher.user_agents", def.Fetcher.UserAgents)

	v.SetDefault("proxy.enabled", def.Proxy.Enabled)
	v.SetDefault("proxy.rotation", def.Proxy.Rotation)
	v.SetDefault("proxy.urls", def.Proxy.URLs)
	v.SetDefault("proxy.health_check", def.Proxy.HealthCheck)
	v.SetDefault("proxy.rotate_on_fail", def.Proxy.RotateOnFail)

	v.SetDefault("admin.enabled", def.Admin.Enabled)
	v.SetDefault("admin.port", def.Admin.Port)

	v.SetDefault("observability.enabled", def.Observability.Enabled)
	v.SetDefault("observability.port", def.Observability.Port)
	v.SetDefault("observability.path", def.Observability.Path)

	v.SetDefault("cluster.enabled", def.Cluster.Enabled)
	v.SetDefault("cluster.node_id", def.Cluster.NodeID)
	v.SetDefault("cluster.address", def.Cluster.Address)
	v.SetDefault("cluster.master_address", def.Cluster.MasterAddress)
	v.SetDefault("cluster.heartbeat_interval", def.Cluster.HeartbeatInterval)
	v.SetDefault("cluster.node_timeout", def.Cluster.NodeTimeout)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
}
