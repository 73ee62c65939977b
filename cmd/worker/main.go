package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"delivery-core/internal/infra/adapter/persistence/memory"
	pgRepo "delivery-core/internal/infra/adapter/persistence/postgres"
	"delivery-core/internal/infra/adapter/persistence/sqlite"
	"delivery-core/internal/infra/db"
	"delivery-core/internal/infra/notifier"
	"delivery-core/internal/infra/provider"
	workerPkg "delivery-core/internal/infra/worker"
	grpcHealth "delivery-core/internal/interface/grpc"
	"delivery-core/internal/observability/logging"
	"delivery-core/internal/observability/metrics"
	"delivery-core/internal/observability/tracing"
	"delivery-core/internal/pkg/config"
	"delivery-core/internal/repository"
	"delivery-core/internal/resilience/circuitbreaker"
	"delivery-core/internal/resilience/retry"
	"delivery-core/internal/usecase/campaign"
	"delivery-core/internal/usecase/dispatch"
	"delivery-core/internal/usecase/router"
	"delivery-core/pkg/ratelimit"
)

// shutdownTimeout bounds how long in-flight dispatches may finish after a
// termination signal before they are cancelled and requeued.
const shutdownTimeout = 30 * time.Second

// stores groups the repositories of the selected queue backend.
type stores struct {
	queue     repository.QueueStore
	campaigns repository.CampaignRepository
	attempts  repository.AttemptRepository
	close     func() error
}

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load worker configuration (fail-open strategy)
	workerMetrics := workerPkg.NewWorkerMetrics(nil)
	cfg, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		logger.Error("failed to load worker configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker configuration loaded",
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("providers_config", cfg.ProvidersConfig),
		slog.Int("max_concurrent_dispatches", cfg.MaxConcurrentDispatches),
		slog.Duration("lease_duration", cfg.LeaseDuration),
		slog.Duration("provider_timeout", cfg.ProviderTimeout),
		slog.String("retention_schedule", cfg.RetentionSchedule),
		slog.String("timezone", cfg.Timezone))

	shutdownTracing := initTracing(logger)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to shut down tracer provider", slog.Any("error", err))
		}
	}()

	st, err := openStores(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to open queue store", slog.String("backend", cfg.QueueBackend), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Error("failed to close queue store", slog.Any("error", err))
		}
	}()

	limiter, limiterMetrics := newLimiter(cfg)
	go runLimiterCleanup(ctx, logger, limiter, cfg.RateLimitWindow)

	breakerDefaults := circuitbreaker.DefaultConfig("", "")
	breakerDefaults.FailureThreshold = uint32(cfg.BreakerThreshold)
	breakerDefaults.Cooldown = cfg.BreakerCooldown
	breakers := circuitbreaker.NewRegistry(breakerDefaults)

	rt := router.New(breakers, st.attempts,
		router.WithLimiter(limiter),
		router.WithProviderTimeout(cfg.ProviderTimeout),
		router.WithLogger(logger))
	loadProviders(ctx, logger, rt, cfg.ProvidersConfig, cfg.WatchProviders)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.JitterMax = cfg.RetryJitter

	manager := campaign.NewManager(st.campaigns, st.queue)

	publisher, closePublisher := buildPublisher(ctx, logger, cfg)
	defer closePublisher()

	scheduler := dispatch.NewScheduler(st.queue, rt, policy, dispatch.Config{
		MaxConcurrentDispatches: cfg.MaxConcurrentDispatches,
		BatchSize:               cfg.BatchSize,
		PollInterval:            cfg.PollInterval,
		LeaseDuration:           cfg.LeaseDuration,
	},
		dispatch.WithLimiter(limiter),
		dispatch.WithCampaigns(manager),
		dispatch.WithPublisher(publisher),
		dispatch.WithLogger(logger))

	sweeper := dispatch.NewSweeper(st.queue, cfg.SweepInterval)
	go sweeper.Run(ctx)

	c := workerPkg.NewCron(cfg.Timezone, logger)
	retention := workerPkg.NewRetentionJob(st.queue, cfg.RetentionPeriod, workerMetrics, logger)
	if _, err := workerPkg.ScheduleRetention(ctx, c, cfg.RetentionSchedule, retention); err != nil {
		logger.Error("failed to add retention job", slog.Any("error", err))
		os.Exit(1)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	// Start metrics HTTP server
	prometheus.MustRegister(metrics.NewProviderCollector(rt))
	startMetricsServer(ctx, logger, cfg.MetricsPort, limiterMetrics.Registry())

	// Start health check server
	healthAddr := fmt.Sprintf(":%d", cfg.HealthPort)
	healthServer := workerPkg.NewHealthServer(healthAddr, logger).
		WithProviders(rt).
		WithTickSource(scheduler.LastTick, cfg.LeaseDuration)
	go func() {
		if err := healthServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", slog.Any("error", err))
		}
	}()

	// Start gRPC health service
	grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
	go func() {
		if err := grpcHealth.Serve(ctx, grpcAddr, grpcHealth.NewHealthServer(rt), 5*time.Second); err != nil {
			logger.Error("grpc health server failed", slog.Any("error", err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- scheduler.Run(ctx) }()

	healthServer.SetReady(true)
	logger.Info("worker started",
		slog.String("health_addr", healthAddr),
		slog.String("grpc_addr", grpcAddr),
		slog.Int("metrics_port", cfg.MetricsPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		logger.Error("scheduler exited unexpectedly", slog.Any("error", err))
		stop()
	}
	healthServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler did not drain before timeout", slog.Any("error", err))
	}
	logger.Info("worker stopped")
}

// initTracing installs the tracer provider. Spans carry trace ids into logs;
// exporters are attached by deployments that collect them.
func initTracing(logger *slog.Logger) func(context.Context) error {
	ratio := config.LoadEnvFloat("TRACE_SAMPLE_RATIO", 0.1, func(v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("must be between 0 and 1, got %v", v)
		}
		return nil
	})
	if ratio.FallbackApplied {
		logger.Warn("Configuration fallback applied",
			slog.String("field", "trace_sample_ratio"),
			slog.String("warning", ratio.Warning))
	}

	shutdown, err := tracing.InitProvider("delivery-worker", ratio.Value)
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
		return func(context.Context) error { return nil }
	}
	return shutdown
}

// openStores opens the repositories of the configured backend. The
// postgres backend runs migrations and routes queries through a database
// circuit breaker.
func openStores(ctx context.Context, logger *slog.Logger, cfg *workerPkg.WorkerConfig) (*stores, error) {
	switch cfg.QueueBackend {
	case workerPkg.BackendPostgres:
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.MigrateUp(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		guarded := circuitbreaker.NewDBCircuitBreaker(database)
		logger.Info("queue store ready", slog.String("backend", cfg.QueueBackend))
		return &stores{
			queue:     pgRepo.NewQueueStore(guarded),
			campaigns: pgRepo.NewCampaignRepo(guarded),
			attempts:  pgRepo.NewAttemptRepo(guarded),
			close:     database.Close,
		}, nil

	case workerPkg.BackendSQLite:
		database, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("queue store ready",
			slog.String("backend", cfg.QueueBackend),
			slog.String("path", cfg.SQLitePath))
		return &stores{
			queue:     sqlite.NewQueueStore(database),
			campaigns: sqlite.NewCampaignRepo(database),
			attempts:  sqlite.NewAttemptRepo(database),
			close:     database.Close,
		}, nil

	default:
		logger.Warn("using in-memory queue store; queued items are lost on restart")
		return &stores{
			queue:     memory.NewQueueStore(),
			campaigns: memory.NewCampaignRepo(),
			attempts:  memory.NewAttemptRepo(),
			close:     func() error { return nil },
		}, nil
	}
}

// newLimiter builds the global, per-recipient and per-provider admission
// limiter. A zero limit disables the corresponding family.
func newLimiter(cfg *workerPkg.WorkerConfig) (*ratelimit.Limiter, *ratelimit.PrometheusMetrics) {
	rlConfig := ratelimit.DefaultConfig()
	rlConfig.Policies = map[string]ratelimit.Policy{
		ratelimit.GlobalKey: {Limit: cfg.GlobalRateLimit, Window: cfg.RateLimitWindow},
		"recipient":         {Limit: cfg.RecipientRateLimit, Window: cfg.RateLimitWindow},
		"provider":          {Limit: cfg.ProviderRateLimit, Window: cfg.RateLimitWindow},
	}
	rlMetrics := ratelimit.NewPrometheusMetrics()
	return ratelimit.NewLimiter(rlConfig, ratelimit.WithMetrics(rlMetrics)), rlMetrics
}

// runLimiterCleanup drops idle rate buckets so per-recipient keys do not
// accumulate.
func runLimiterCleanup(ctx context.Context, logger *slog.Logger, limiter *ratelimit.Limiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Cleanup(ctx); err != nil {
				logger.Warn("rate limiter cleanup failed", slog.Any("error", err))
			}
		}
	}
}

// loadProviders installs the provider chains from path and, when watch is
// set, keeps them in sync with the file. A missing file starts the worker
// with empty chains, so every dispatch fails over to retry until providers
// are configured.
func loadProviders(ctx context.Context, logger *slog.Logger, rt *router.Router, path string, watch bool) {
	f, err := provider.LoadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("provider configuration not found, starting with empty chains", slog.String("path", path))
		f = &provider.File{}
	case err != nil:
		logger.Error("failed to load provider configuration", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	if err := provider.Apply(rt, f, os.Getenv); err != nil {
		logger.Error("failed to build providers", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("providers loaded", slog.Int("count", len(f.Providers)), slog.Bool("watch", watch))
	if !watch {
		return
	}

	go func() {
		err := provider.Watch(ctx, path, func(f *provider.File) {
			if err := provider.Apply(rt, f, os.Getenv); err != nil {
				logger.Error("provider reload rejected, keeping previous chains", slog.Any("error", err))
				return
			}
			logger.Info("providers reloaded", slog.Int("count", len(f.Providers)))
		})
		if err != nil {
			logger.Warn("provider configuration watch stopped", slog.Any("error", err))
		}
	}()
}

// buildPublisher combines the configured outcome sinks. Without any sink
// outcomes are only logged. The returned function releases broker
// connections.
func buildPublisher(ctx context.Context, logger *slog.Logger, cfg *workerPkg.WorkerConfig) (dispatch.Publisher, func()) {
	var (
		sinks   notifier.Multi
		closers []func() error
	)

	if cfg.RabbitMQURL != "" {
		amqpPub, err := notifier.DialAMQP(ctx, cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn("outcome events disabled: broker unavailable", slog.Any("error", err))
		} else {
			sinks = append(sinks, amqpPub)
			closers = append(closers, amqpPub.Close)
			logger.Info("outcome events enabled", slog.String("exchange", cfg.EventsExchange))
		}
	}

	if cfg.SlackWebhookURL != "" {
		slack := notifier.NewSlackNotifier(notifier.SlackConfig{
			WebhookURL: cfg.SlackWebhookURL,
			Timeout:    10 * time.Second,
		})
		go slack.Run(ctx)
		sinks = append(sinks, slack)
		logger.Info("slack failure alerts enabled")
	}

	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close outcome publisher", slog.Any("error", err))
			}
		}
	}
	if len(sinks) == 0 {
		return notifier.NewNoOpPublisher(), cleanup
	}
	return sinks, cleanup
}
