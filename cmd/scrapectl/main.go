// Command scrapectl runs the scrape control plane: the orchestrator core
// (C7), its worker set (C6), the circuit breaker registry (C1), the
// adaptive rate limiter (C2), the metered-API quota guard (C3), the backend
// pool registry (C4), the task queue (C5), the health & anomaly monitor
// (C8), and the event publisher (C9), plus the ambient admin API,
// Prometheus exporter, and optional cluster coordination.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nullvector/scrapectl/internal/adminapi"
	"github.com/nullvector/scrapectl/internal/backend"
	"github.com/nullvector/scrapectl/internal/backendpool"
	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/dedup"
	"github.com/nullvector/scrapectl/internal/events"
	"github.com/nullvector/scrapectl/internal/health"
	"github.com/nullvector/scrapectl/internal/observability"
	"github.com/nullvector/scrapectl/internal/orchestrator"
	"github.com/nullvector/scrapectl/internal/pipeline"
	"github.com/nullvector/scrapectl/internal/quota"
	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/ratelimit"
	"github.com/nullvector/scrapectl/internal/scheduler"
	"github.com/nullvector/scrapectl/internal/types"
)

var (
	cfgFile string
	verbose bool

	runSources  []string
	runKeywords string
	runURL      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scrapectl",
		Short: "scrapectl — distributed job-listing scrape control plane",
		Long: `scrapectl dispatches scrape tasks across heterogeneous backend kinds
(metered_api, rss, government, company_page, browser_driven), gated by a
per-domain circuit breaker registry, an adaptive rate limiter, and a
monthly/daily/hourly metered-API quota guard, and publishes normalized job
records to an event bus.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator, worker set, and ambient surfaces",
		RunE:  runOrchestrator,
	}
	cmd.Flags().StringSliceVar(&runSources, "seed-sources", nil, "backend-kind tags to immediately enqueue one task for")
	cmd.Flags().StringVar(&runKeywords, "seed-keywords", "", "keywords filter for --seed-sources tasks")
	cmd.Flags().StringVar(&runURL, "seed-url", "", "URL for --seed-sources tasks (page-based backends only)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scrapectl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("scrapectl %s\n", config.Version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("orchestrator.max_concurrent_scrapers: %d\n", cfg.Orchestrator.MaxConcurrentScrapers)
			fmt.Printf("circuit_breaker.failure_threshold:    %d\n", cfg.CircuitBreaker.FailureThreshold)
			fmt.Printf("rate_limit.adaptive:                  %v\n", cfg.RateLimit.Adaptive)
			fmt.Printf("quota.monthly_quota:                  %d\n", cfg.Quota.MonthlyQuota)
			fmt.Printf("event_bus.endpoint:                   %q\n", cfg.EventBus.Endpoint)
			fmt.Printf("admin.port:                            %d\n", cfg.Admin.Port)
			fmt.Printf("observability.port:                    %d\n", cfg.Observability.Port)
			return nil
		},
	}
}

// buildBackendPools constructs one backendpool.Pool per configured backend
// kind, each backed by a real ScraperContract constructor grounded on the
// backend package's reference implementations. sharedProxyMgr, when
// non-nil, is handed to every HTTP/browser backend instance so a single
// proxy-rotation corrective action (§4.8) reaches every in-flight backend.
func buildBackendPools(cfg *config.Config, logger *slog.Logger, sharedProxyMgr *backend.ProxyManager) (*backendpool.Registry, error) {
	registry := backendpool.NewRegistry()

	meteredPool, err := backendpool.New(types.SourceMeteredAPI, cfg.Orchestrator.ScraperPoolSizes[types.SourceMeteredAPI],
		func() (backend.ScraperContract, error) {
			return backend.NewMeteredAPIBackend(cfg, logger), nil
		}, logger)
	if err != nil {
		return nil, fmt.Errorf("build metered_api pool: %w", err)
	}
	if err := registry.Add(meteredPool); err != nil {
		return nil, err
	}

	for _, kind := range []string{types.SourceRSS, types.SourceGovernment, types.SourceCompanyPage} {
		k := kind
		pool, err := backendpool.New(k, cfg.Orchestrator.ScraperPoolSizes[k],
			func() (backend.ScraperContract, error) {
				return backend.NewHTTPBackend(k, cfg, logger, sharedProxyMgr)
			}, logger)
		if err != nil {
			return nil, fmt.Errorf("build %s pool: %w", k, err)
		}
		if err := registry.Add(pool); err != nil {
			return nil, err
		}
	}

	browserPool, err := backendpool.New(types.SourceBrowserDriven, cfg.Orchestrator.ScraperPoolSizes[types.SourceBrowserDriven],
		func() (backend.ScraperContract, error) {
			return backend.NewBrowserBackend(cfg, logger, sharedProxyMgr)
		}, logger)
	if err != nil {
		logger.Warn("browser_driven pool unavailable, continuing without it", "error", err)
	} else if err := registry.Add(browserPool); err != nil {
		return nil, err
	}

	return registry, nil
}

// buildQuotaStore selects MongoStore when a Mongo URI is configured,
// otherwise the FileStore settings-file backend (§6 settings_store_path).
func buildQuotaStore(cfg *config.Config, logger *slog.Logger) (quota.Store, error) {
	if cfg.Quota.MongoURI != "" {
		return quota.NewMongoStore(cfg.Quota.MongoURI, cfg.Quota.MongoDatabase, cfg.Quota.MongoCollection, logger)
	}
	return quota.NewFileStore(cfg.Quota.SettingsStorePath), nil
}

// buildPublisher returns a KafkaPublisher when an event bus endpoint is
// configured, otherwise a no-op publisher (single-shot CLI runs, tests).
func buildPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.EventBus.Endpoint == "" {
		logger.Warn("event_bus.endpoint unset, publishing is a no-op")
		return events.NoopPublisher{}
	}
	pub, err := events.NewKafkaPublisher(cfg.EventBus.Endpoint, cfg.EventBus.ClientID, logger)
	if err != nil {
		logger.Warn("kafka publisher unavailable, falling back to no-op", "error", err)
		return events.NoopPublisher{}
	}
	return pub
}

// buildDefaultPipeline wires the normalization middleware chain every
// backend's raw extraction passes through before dedup and publication.
func buildDefaultPipeline(logger *slog.Logger) *pipeline.Pipeline {
	pipe := pipeline.New(logger)
	pipe.Use(pipeline.NewHTMLSanitizeMiddleware())
	pipe.Use(&pipeline.CurrencyNormalizeMiddleware{})
	pipe.Use(&pipeline.SkillsNormalizeMiddleware{})
	pipe.Use(pipeline.NewPIIRedactMiddleware(logger))
	return pipe
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
	})

	limiter := ratelimit.NewLimiter(ratelimit.Settings{
		RequestsPerWindow: cfg.RateLimit.Requests,
		Window:            cfg.RateLimit.Window,
		Adaptive:          cfg.RateLimit.Adaptive,
	})

	quotaStore, err := buildQuotaStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build quota store: %w", err)
	}
	ledger := quota.NewLedger(quota.Settings{
		MonthlyQuota:  cfg.Quota.MonthlyQuota,
		FreeTierMode:  cfg.Quota.FreeTierMode,
		HighValueOnly: cfg.Quota.HighValueOnly,
	}, quotaStore)

	bgCtx, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ledger.Load(bgCtx); err != nil {
		logger.Warn("quota ledger load failed, starting from config defaults", "error", err)
	}
	bgCancel()

	var sharedProxyMgr *backend.ProxyManager
	if cfg.Proxy.Enabled && len(cfg.Proxy.URLs) > 0 {
		sharedProxyMgr = backend.NewProxyManager(&cfg.Proxy, logger)
	}

	pools, err := buildBackendPools(cfg, logger, sharedProxyMgr)
	if err != nil {
		return fmt.Errorf("build backend pools: %w", err)
	}

	taskQueue := queue.NewTaskQueue()
	dedupe := dedup.New(cfg.Orchestrator.DedupCacheSize)
	publisher := buildPublisher(cfg, logger)
	pipe := buildDefaultPipeline(logger)

	orch := orchestrator.New(cfg, logger, breakers, limiter, ledger, pools, taskQueue, dedupe, publisher, pipe)

	monitor := health.New(health.CorrectiveActions{
		Breakers: breakers,
		Limiter:  limiter,
		ScaleDown: func(n int) {
			orch.ApplyScaling(orch.ActiveWorkers() - n)
		},
		RotateProxies: func() {
			if sharedProxyMgr != nil {
				sharedProxyMgr.Rotate()
			}
		},
		AlertOperator: func(msg string, a health.Anomaly) {
			logger.Warn(msg, "metric", a.Metric, "severity", a.Severity.String(), "z_score", a.ZScore)
		},
	}, logger)

	workers := scheduler.New(orch, taskQueue, cfg.Orchestrator.MaxConcurrentScrapers, logger)

	if cfg.Admin.Enabled {
		adminSrv := adminapi.NewServer(cfg.Admin.Port, orch, logger)
		adminSrv.Start()
	}

	var cmdConsumer *events.CommandConsumer
	if cfg.EventBus.Endpoint != "" {
		cmdConsumer, err = events.NewCommandConsumer(cfg.EventBus.Endpoint, cfg.EventBus.ConsumerGroup, orch, logger)
		if err != nil {
			logger.Warn("command consumer unavailable, scraping-tasks topic will not be ingested", "error", err)
		}
	}

	if cfg.Observability.Enabled {
		metrics := observability.NewMetrics(observability.Sources{
			Breakers:      breakers,
			Quota:         ledger,
			Health:        monitor,
			QueueSize:     orch.QueueSize,
			ActiveWorkers: orch.ActiveWorkers,
		}, logger)
		if err := metrics.StartServer(cfg.Observability.Port, cfg.Observability.Path); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, source := range runSources {
		filters := types.Filters{}
		if runKeywords != "" {
			filters.Keywords = []string{runKeywords}
		}
		task := types.NewTask(source, filters, runURL)
		if err := orch.Submit(task); err != nil {
			logger.Warn("seed task submission failed", "source", source, "error", err)
			continue
		}
		logger.Info("seed task submitted", "task_id", task.ID, "source", source)
	}

	go monitor.Run(ctx, cfg.Orchestrator.HealthCheckInterval)
	go orch.RunScalingLoop(ctx, cfg.Orchestrator.ScalingInterval, func(delta int) {
		newSize := workers.Resize(ctx, delta)
		orch.ApplyScaling(newSize)
	})
	if cmdConsumer != nil {
		go func() {
			if err := cmdConsumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("command consumer stopped", "error", err)
			}
		}()
	}

	logger.Info("scrapectl starting",
		"max_concurrent_scrapers", cfg.Orchestrator.MaxConcurrentScrapers,
		"monthly_quota", cfg.Quota.MonthlyQuota,
		"admin_enabled", cfg.Admin.Enabled,
		"observability_enabled", cfg.Observability.Enabled)

	workers.Run(ctx)

	logger.Info("shutting down, persisting quota ledger")
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err := ledger.Persist(persistCtx); err != nil {
		logger.Error("quota ledger persist failed", "error", err)
	}
	pools.CloseAll()
	_ = publisher.Close()
	if cmdConsumer != nil {
		_ = cmdConsumer.Close()
	}

	return nil
}
