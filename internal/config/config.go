package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for the scrape control plane: the
// orchestrator (C7), circuit breaker registry (C1), adaptive rate limiter
// (C2), metered-API quota guard (C3), event publisher (C9), and the ambient
// admin/observability/cluster/logging surfaces around them. Every
// recognized field is named here; Load rejects unknown keys rather than
// silently ignoring them (§9: "dynamic-typed config... replace with a
// tagged configuration record").
type Config struct {
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator"    yaml:"orchestrator"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"      yaml:"rate_limit"`
	Quota          QuotaConfig          `mapstructure:"quota"           yaml:"quota"`
	EventBus       EventBusConfig       `mapstructure:"event_bus"       yaml:"event_bus"`
	Fetcher        FetcherConfig        `mapstructure:"fetcher"         yaml:"fetcher"`
	Proxy          ProxyConfig          `mapstructure:"proxy"           yaml:"proxy"`
	Admin          AdminConfig          `mapstructure:"admin"           yaml:"admin"`
	Observability  ObservabilityConfig  `mapstructure:"observability"   yaml:"observability"`
	Cluster        ClusterConfig        `mapstructure:"cluster"         yaml:"cluster"`
	Logging        LoggingConfig        `mapstructure:"logging"         yaml:"logging"`
}

// OrchestratorConfig configures C7 (task scheduling, scaling, backend
// pools) and the worker set (C6).
type OrchestratorConfig struct {
	// MaxConcurrentScrapers bounds the worker set size (§5: default 20,
	// range 5-50).
	MaxConcurrentScrapers int `mapstructure:"max_concurrent_scrapers" yaml:"max_concurrent_scrapers"`
	MinConcurrentScrapers int `mapstructure:"min_concurrent_scrapers" yaml:"min_concurrent_scrapers"`

	// ScraperPoolSizes maps backend kind -> max_instances for C4.
	ScraperPoolSizes map[string]int `mapstructure:"scraper_pool_sizes" yaml:"scraper_pool_sizes"`

	ScrapeDeadline      time.Duration `mapstructure:"scrape_deadline"       yaml:"scrape_deadline"`
	PoolAcquireTimeout  time.Duration `mapstructure:"pool_acquire_timeout"  yaml:"pool_acquire_timeout"`
	HTTPRequestTimeout  time.Duration `mapstructure:"http_request_timeout"  yaml:"http_request_timeout"`
	TaskRetention       time.Duration `mapstructure:"task_retention"        yaml:"task_retention"`
	ScalingInterval     time.Duration `mapstructure:"scaling_interval"      yaml:"scaling_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	DedupCacheSize      int           `mapstructure:"dedup_cache_size"      yaml:"dedup_cache_size"`

	// UseMeteredFirst forces selectBackend to always prefer metered_api
	// (§4.7 policy step 1).
	UseMeteredFirst bool `mapstructure:"use_metered_first" yaml:"use_metered_first"`
}

// CircuitBreakerConfig configures C1.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"  yaml:"recovery_timeout"`
}

// RateLimitConfig configures C2.
type RateLimitConfig struct {
	PerDomain time.Duration `mapstructure:"-" yaml:"-"` // unused, kept for struct symmetry
	Requests  int           `mapstructure:"requests_per_domain" yaml:"requests_per_domain"`
	Window    time.Duration `mapstructure:"window"              yaml:"window"`
	Adaptive  bool          `mapstructure:"adaptive"            yaml:"adaptive"`
}

// QuotaConfig configures C3, including its persistence backend.
type QuotaConfig struct {
	MonthlyQuota  int  `mapstructure:"monthly_quota"   yaml:"monthly_quota"`
	FreeTierMode  bool `mapstructure:"free_tier_mode"  yaml:"free_tier_mode"`
	HighValueOnly bool `mapstructure:"high_value_only" yaml:"high_value_only"`

	// SettingsStorePath selects the FileStore backend when set and
	// MongoURI is empty.
	SettingsStorePath string `mapstructure:"settings_store_path" yaml:"settings_store_path"`

	MongoURI        string `mapstructure:"mongo_uri"        yaml:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"   yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`

	// MajorEmployers and HighDemandOccupations extend the high-value
	// query predicate (§4.3) beyond the built-in signal list.
	MajorEmployers        []string `mapstructure:"major_employers"          yaml:"major_employers"`
	HighDemandOccupations []string `mapstructure:"high_demand_occupations"  yaml:"high_demand_occupations"`

	// Endpoint and APIKey address the metered_api backend's upstream
	// (a SerpAPI-style Google Jobs search), consumed once C3 has already
	// granted the call.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key"  yaml:"api_key"`
}

// EventBusConfig configures C9's transport and topic names.
type EventBusConfig struct {
	Endpoint        string `mapstructure:"endpoint"         yaml:"endpoint"`
	ClientID        string `mapstructure:"client_id"        yaml:"client_id"`
	ConsumerGroup   string `mapstructure:"consumer_group"   yaml:"consumer_group"`
	TopicJobs       string `mapstructure:"topic_jobs"       yaml:"topic_jobs"`
	TopicEvents     string `mapstructure:"topic_events"     yaml:"topic_events"`
	TopicEnrichment string `mapstructure:"topic_enrichment" yaml:"topic_enrichment"`
	TopicCommands   string `mapstructure:"topic_commands"   yaml:"topic_commands"`
}

// FetcherConfig controls the HTTP backend's transport.
type FetcherConfig struct {
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	RespectRobots   bool          `mapstructure:"respect_robots"    yaml:"respect_robots"`
	UserAgents      []string      `mapstructure:"user_agents"       yaml:"user_agents"`
}

// ProxyConfig controls outbound proxy rotation for the HTTP and browser
// backends.
type ProxyConfig struct {
	Enabled      bool     `mapstructure:"enabled"        yaml:"enabled"`
	Rotation     string   `mapstructure:"rotation"       yaml:"rotation"`
	URLs         []string `mapstructure:"urls"           yaml:"urls"`
	HealthCheck  bool     `mapstructure:"health_check"   yaml:"health_check"`
	RotateOnFail bool     `mapstructure:"rotate_on_fail" yaml:"rotate_on_fail"`
}

// AdminConfig controls the admin control HTTP server (§6 "admin control
// channel").
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port"    yaml:"port"`
}

// ObservabilityConfig controls the Prometheus-style metrics endpoint.
type ObservabilityConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// ClusterConfig controls optional multi-node coordination.
type ClusterConfig struct {
	Enabled           bool          `mapstructure:"enabled"            yaml:"enabled"`
	NodeID            string        `mapstructure:"node_id"            yaml:"node_id"`
	Address           string        `mapstructure:"address"            yaml:"address"`
	MasterAddress     string        `mapstructure:"master_address"     yaml:"master_address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	NodeTimeout       time.Duration `mapstructure:"node_timeout"       yaml:"node_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DefaultConfig returns a Config with the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentScrapers: 20,
			MinConcurrentScrapers: 5,
			ScraperPoolSizes: map[string]int{
				"metered_api":     30,
				"rss":             10,
				"government":      10,
				"company_page":    15,
				"browser_driven":  8,
			},
			ScrapeDeadline:      300 * time.Second,
			PoolAcquireTimeout:  30 * time.Second,
			HTTPRequestTimeout:  30 * time.Second,
			TaskRetention:       1 * time.Hour,
			ScalingInterval:     60 * time.Second,
			HealthCheckInterval: 60 * time.Second,
			DedupCacheSize:      100_000,
			UseMeteredFirst:     false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			RecoveryTimeout:  60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   60 * time.Second,
			Adaptive: true,
		},
		Quota: QuotaConfig{
			MonthlyQuota:      250,
			FreeTierMode:      false,
			HighValueOnly:     false,
			SettingsStorePath: "./data/quota_settings.json",
			Endpoint:          "https://serpapi.com/search.json",
		},
		EventBus: EventBusConfig{
			ClientID:        "scrapectl",
			ConsumerGroup:   "scrapectl-orchestrator",
			TopicJobs:       "jobs",
			TopicEvents:     "events",
			TopicEnrichment: "enrichment",
			TopicCommands:   "scraping-tasks",
		},
		Fetcher: FetcherConfig{
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
			RespectRobots:   true,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			},
		},
		Proxy: ProxyConfig{
			Enabled:      false,
			Rotation:     "round_robin",
			HealthCheck:  true,
			RotateOnFail: true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8090,
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Cluster: ClusterConfig{
			Enabled:           false,
			HeartbeatInterval: 10 * time.Second,
			NodeTimeout:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
