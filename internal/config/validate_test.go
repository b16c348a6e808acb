package config

import "testing"

func TestValidateDefaultConfigPasses(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate cleanly, got %v", err)
	}
}

func TestValidateRejectsMaxConcurrentOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MaxConcurrentScrapers = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of max_concurrent_scrapers = 0")
	}
}

func TestValidateRejectsMinExceedingMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MinConcurrentScrapers = cfg.Orchestrator.MaxConcurrentScrapers + 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection when min exceeds max")
	}
}

func TestValidateRejectsZeroPoolSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.ScraperPoolSizes["rss"] = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of a zero-sized backend pool")
	}
}

func TestValidateRejectsMissingQuotaStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.SettingsStorePath = ""
	cfg.Quota.MongoURI = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection when neither a file nor a Mongo quota store is configured")
	}
}

func TestValidateAcceptsMongoWithoutFileStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.SettingsStorePath = ""
	cfg.Quota.MongoURI = "mongodb://localhost:27017"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected Mongo-only quota config to validate, got %v", err)
	}
}

func TestValidateRejectsBadProxyRotation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.Rotation = "sticky"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of unrecognized proxy rotation strategy")
	}
}

func TestValidateRejectsInvalidProxyURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.Rotation = "round_robin"
	cfg.Proxy.URLs = []string{"://not-a-url"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of malformed proxy URL")
	}
}

func TestValidateRejectsOutOfRangeAdminPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of out-of-range admin port")
	}
}

func TestValidateClusterRequiresNodeIDWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.NodeID = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of enabled cluster mode without a node id")
	}
}

func TestValidateClusterRequiresTimeoutExceedingHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.Enabled = true
	cfg.Cluster.NodeID = "node-1"
	cfg.Cluster.HeartbeatInterval = cfg.Cluster.NodeTimeout
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection when node_timeout does not exceed heartbeat_interval")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of unrecognized log level")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of unrecognized log format")
	}
}

func TestValidateURLAcceptsHTTPAndHTTPS(t *testing.T) {
	if err := ValidateURL("https://example.com/jobs"); err != nil {
		t.Errorf("expected https URL accepted, got %v", err)
	}
	if err := ValidateURL("http://example.com/jobs"); err != nil {
		t.Errorf("expected http URL accepted, got %v", err)
	}
}

func TestValidateURLRejectsNonHTTPScheme(t *testing.T) {
	if err := ValidateURL("ftp://example.com/jobs"); err == nil {
		t.Fatal("expected rejection of non-http(s) scheme")
	}
}

func TestValidateURLRejectsMissingHost(t *testing.T) {
	if err := ValidateURL("https:///jobs"); err == nil {
		t.Fatal("expected rejection of URL missing a host")
	}
}
