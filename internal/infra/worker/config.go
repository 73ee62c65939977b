package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"delivery-core/internal/pkg/config"
)

// Queue backends selectable with QUEUE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// WorkerConfig holds the configuration for the delivery worker.
//
// Environment variables (defaults in DefaultConfig):
//   - QUEUE_BACKEND: memory | postgres | sqlite
//   - DATABASE_URL: postgres DSN, required for the postgres backend
//   - SQLITE_PATH: database file for the sqlite backend
//   - PROVIDERS_CONFIG: provider registration YAML
//   - PROVIDERS_WATCH: re-apply PROVIDERS_CONFIG when it changes (default true)
//   - RABBITMQ_URL, EVENTS_EXCHANGE: outcome events; unset URL disables them
//   - SLACK_WEBHOOK_URL: failed-delivery alerts; unset disables them
//   - MAX_CONCURRENT_DISPATCHES (1-200), DISPATCH_BATCH_SIZE (1-500)
//   - POLL_INTERVAL (100ms-1m), LEASE_DURATION (10s-1h), SWEEP_INTERVAL (1s-10m)
//   - PROVIDER_TIMEOUT (1s-10m), must be shorter than LEASE_DURATION
//   - CIRCUIT_BREAKER_THRESHOLD (1-100), CIRCUIT_BREAKER_COOLDOWN (1s-1h)
//   - RETRY_BASE_DELAY (100ms-1h), RETRY_MAX_DELAY (1s-24h), RETRY_JITTER (0-1m)
//   - GLOBAL_RATE_LIMIT, RECIPIENT_RATE_LIMIT, PROVIDER_RATE_LIMIT (0-100000, 0 disables),
//     RATE_LIMIT_WINDOW (1s-24h)
//   - RETENTION_SCHEDULE (cron), RETENTION_PERIOD (1h-8760h), WORKER_TIMEZONE
//   - WORKER_HEALTH_PORT, WORKER_METRICS_PORT, WORKER_GRPC_PORT (1024-65535)
type WorkerConfig struct {
	QueueBackend    string
	DatabaseURL     string
	SQLitePath      string
	ProvidersConfig string
	RabbitMQURL     string
	EventsExchange  string
	SlackWebhookURL string
	WatchProviders  bool

	MaxConcurrentDispatches int
	BatchSize               int
	PollInterval            time.Duration
	LeaseDuration           time.Duration
	SweepInterval           time.Duration
	ProviderTimeout         time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    time.Duration

	GlobalRateLimit    int
	RecipientRateLimit int
	ProviderRateLimit  int
	RateLimitWindow    time.Duration

	RetentionSchedule string
	RetentionPeriod   time.Duration
	Timezone          string

	HealthPort  int
	MetricsPort int
	GRPCPort    int
}

// DefaultConfig returns a WorkerConfig with the default values.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		QueueBackend:    BackendMemory,
		SQLitePath:      "delivery.db",
		ProvidersConfig: "providers.yaml",
		EventsExchange:  "delivery.events",
		WatchProviders:  true,

		MaxConcurrentDispatches: 10,
		BatchSize:               10,
		PollInterval:            time.Second,
		LeaseDuration:           2 * time.Minute,
		SweepInterval:           30 * time.Second,
		ProviderTimeout:         30 * time.Second,

		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,

		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		RetryJitter:    time.Second,

		GlobalRateLimit:    600,
		RecipientRateLimit: 10,
		RateLimitWindow:    time.Minute,

		RetentionSchedule: "15 3 * * *", // every day at 3:15
		RetentionPeriod:   720 * time.Hour,
		Timezone:          "UTC",

		HealthPort:  9091,
		MetricsPort: 9090,
		GRPCPort:    9092,
	}
}

// Validate checks every field and reports all failures together.
func (c *WorkerConfig) Validate() error {
	var errs []error
	check := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	check("queue backend", config.ValidateOneOf(BackendMemory, BackendPostgres, BackendSQLite)(c.QueueBackend))
	if c.QueueBackend == BackendPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url: required for the postgres backend"))
	}
	check("max concurrent dispatches", config.ValidateIntRange(c.MaxConcurrentDispatches, 1, 200))
	check("batch size", config.ValidateIntRange(c.BatchSize, 1, 500))
	check("poll interval", config.ValidateDuration(c.PollInterval, 100*time.Millisecond, time.Minute))
	check("lease duration", config.ValidateDuration(c.LeaseDuration, 10*time.Second, time.Hour))
	check("sweep interval", config.ValidateDuration(c.SweepInterval, time.Second, 10*time.Minute))
	check("provider timeout", config.ValidateDuration(c.ProviderTimeout, time.Second, 10*time.Minute))
	if c.ProviderTimeout >= c.LeaseDuration {
		errs = append(errs, fmt.Errorf("provider timeout %v must be shorter than lease duration %v", c.ProviderTimeout, c.LeaseDuration))
	}
	check("circuit breaker threshold", config.ValidateIntRange(c.BreakerThreshold, 1, 100))
	check("circuit breaker cooldown", config.ValidateDuration(c.BreakerCooldown, time.Second, time.Hour))
	check("retry base delay", config.ValidateDuration(c.RetryBaseDelay, 100*time.Millisecond, time.Hour))
	check("retry max delay", config.ValidateDuration(c.RetryMaxDelay, time.Second, 24*time.Hour))
	check("retry jitter", config.ValidateDuration(c.RetryJitter, 0, time.Minute))
	if c.RetryBaseDelay > c.RetryMaxDelay {
		errs = append(errs, fmt.Errorf("retry base delay %v must not exceed retry max delay %v", c.RetryBaseDelay, c.RetryMaxDelay))
	}
	check("global rate limit", config.ValidateIntRange(c.GlobalRateLimit, 0, 100000))
	check("recipient rate limit", config.ValidateIntRange(c.RecipientRateLimit, 0, 100000))
	check("provider rate limit", config.ValidateIntRange(c.ProviderRateLimit, 0, 100000))
	check("rate limit window", config.ValidateDuration(c.RateLimitWindow, time.Second, 24*time.Hour))
	check("retention schedule", config.ValidateCronSchedule(c.RetentionSchedule))
	check("retention period", config.ValidateDuration(c.RetentionPeriod, time.Hour, 8760*time.Hour))
	check("timezone", config.ValidateTimezone(c.Timezone))
	check("health port", config.ValidateIntRange(c.HealthPort, 1024, 65535))
	check("metrics port", config.ValidateIntRange(c.MetricsPort, 1024, 65535))
	check("grpc port", config.ValidateIntRange(c.GRPCPort, 1024, 65535))

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// envLoader applies fallbacks and records them in logs and metrics.
type envLoader struct {
	logger   *slog.Logger
	metrics  *config.ConfigMetrics
	fallback bool
}

func apply[T any](l *envLoader, field string, r config.LoadResult[T]) T {
	if r.FallbackApplied {
		l.fallback = true
		l.metrics.RecordFallback(field)
		l.logger.Warn("Configuration fallback applied",
			slog.String("field", field),
			slog.String("warning", r.Warning))
	}
	return r.Value
}

func durationIn(min, max time.Duration) func(time.Duration) error {
	return func(d time.Duration) error { return config.ValidateDuration(d, min, max) }
}

func intIn(min, max int) func(int) error {
	return func(v int) error { return config.ValidateIntRange(v, min, max) }
}

// LoadConfigFromEnv loads the worker configuration with the fail-open
// strategy: each invalid variable falls back to its default with a warning
// and a metric, and the returned configuration always validates except for
// a postgres backend without DATABASE_URL, which is reported as an error.
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) (*WorkerConfig, error) {
	cfg := DefaultConfig()
	l := &envLoader{logger: logger, metrics: metrics.ConfigMetrics}

	cfg.QueueBackend = apply(l, "queue_backend", config.LoadEnvWithFallback("QUEUE_BACKEND", cfg.QueueBackend,
		config.ValidateOneOf(BackendMemory, BackendPostgres, BackendSQLite)))
	cfg.DatabaseURL = config.LoadEnvString("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = config.LoadEnvString("SQLITE_PATH", cfg.SQLitePath)
	cfg.ProvidersConfig = config.LoadEnvString("PROVIDERS_CONFIG", cfg.ProvidersConfig)
	cfg.WatchProviders = apply(l, "providers_watch", config.LoadEnvBool("PROVIDERS_WATCH", cfg.WatchProviders))
	cfg.RabbitMQURL = config.LoadEnvString("RABBITMQ_URL", cfg.RabbitMQURL)
	cfg.EventsExchange = config.LoadEnvString("EVENTS_EXCHANGE", cfg.EventsExchange)
	cfg.SlackWebhookURL = config.LoadEnvString("SLACK_WEBHOOK_URL", cfg.SlackWebhookURL)

	cfg.MaxConcurrentDispatches = apply(l, "max_concurrent_dispatches",
		config.LoadEnvInt("MAX_CONCURRENT_DISPATCHES", cfg.MaxConcurrentDispatches, intIn(1, 200)))
	cfg.BatchSize = apply(l, "batch_size",
		config.LoadEnvInt("DISPATCH_BATCH_SIZE", cfg.BatchSize, intIn(1, 500)))
	cfg.PollInterval = apply(l, "poll_interval",
		config.LoadEnvDuration("POLL_INTERVAL", cfg.PollInterval, durationIn(100*time.Millisecond, time.Minute)))
	cfg.LeaseDuration = apply(l, "lease_duration",
		config.LoadEnvDuration("LEASE_DURATION", cfg.LeaseDuration, durationIn(10*time.Second, time.Hour)))
	cfg.SweepInterval = apply(l, "sweep_interval",
		config.LoadEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval, durationIn(time.Second, 10*time.Minute)))
	cfg.ProviderTimeout = apply(l, "provider_timeout",
		config.LoadEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout, durationIn(time.Second, 10*time.Minute)))

	// A lease shorter than the provider timeout lets a second worker resend
	// while the first is still waiting on the provider.
	if cfg.ProviderTimeout >= cfg.LeaseDuration {
		defaults := DefaultConfig()
		l.fallback = true
		metrics.RecordFallback("lease_duration")
		logger.Warn("Configuration fallback applied",
			slog.String("field", "lease_duration"),
			slog.String("warning", fmt.Sprintf(
				"PROVIDER_TIMEOUT=%v must be shorter than LEASE_DURATION=%v, falling back to defaults %v/%v",
				cfg.ProviderTimeout, cfg.LeaseDuration, defaults.ProviderTimeout, defaults.LeaseDuration)))
		cfg.ProviderTimeout = defaults.ProviderTimeout
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	cfg.BreakerThreshold = apply(l, "circuit_breaker_threshold",
		config.LoadEnvInt("CIRCUIT_BREAKER_THRESHOLD", cfg.BreakerThreshold, intIn(1, 100)))
	cfg.BreakerCooldown = apply(l, "circuit_breaker_cooldown",
		config.LoadEnvDuration("CIRCUIT_BREAKER_COOLDOWN", cfg.BreakerCooldown, durationIn(time.Second, time.Hour)))

	cfg.RetryBaseDelay = apply(l, "retry_base_delay",
		config.LoadEnvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay, durationIn(100*time.Millisecond, time.Hour)))
	cfg.RetryMaxDelay = apply(l, "retry_max_delay",
		config.LoadEnvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay, durationIn(time.Second, 24*time.Hour)))
	cfg.RetryJitter = apply(l, "retry_jitter",
		config.LoadEnvDuration("RETRY_JITTER", cfg.RetryJitter, durationIn(0, time.Minute)))

	if cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		defaults := DefaultConfig()
		l.fallback = true
		metrics.RecordFallback("retry_base_delay")
		logger.Warn("Configuration fallback applied",
			slog.String("field", "retry_base_delay"),
			slog.String("warning", fmt.Sprintf(
				"RETRY_BASE_DELAY=%v exceeds RETRY_MAX_DELAY=%v, falling back to defaults %v/%v",
				cfg.RetryBaseDelay, cfg.RetryMaxDelay, defaults.RetryBaseDelay, defaults.RetryMaxDelay)))
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}

	cfg.GlobalRateLimit = apply(l, "global_rate_limit",
		config.LoadEnvInt("GLOBAL_RATE_LIMIT", cfg.GlobalRateLimit, intIn(0, 100000)))
	cfg.RecipientRateLimit = apply(l, "recipient_rate_limit",
		config.LoadEnvInt("RECIPIENT_RATE_LIMIT", cfg.RecipientRateLimit, intIn(0, 100000)))
	cfg.ProviderRateLimit = apply(l, "provider_rate_limit",
		config.LoadEnvInt("PROVIDER_RATE_LIMIT", cfg.ProviderRateLimit, intIn(0, 100000)))
	cfg.RateLimitWindow = apply(l, "rate_limit_window",
		config.LoadEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow, durationIn(time.Second, 24*time.Hour)))

	cfg.RetentionSchedule = apply(l, "retention_schedule",
		config.LoadEnvWithFallback("RETENTION_SCHEDULE", cfg.RetentionSchedule, config.ValidateCronSchedule))
	cfg.RetentionPeriod = apply(l, "retention_period",
		config.LoadEnvDuration("RETENTION_PERIOD", cfg.RetentionPeriod, durationIn(time.Hour, 8760*time.Hour)))
	cfg.Timezone = apply(l, "timezone",
		config.LoadEnvWithFallback("WORKER_TIMEZONE", cfg.Timezone, config.ValidateTimezone))

	cfg.HealthPort = apply(l, "health_port",
		config.LoadEnvInt("WORKER_HEALTH_PORT", cfg.HealthPort, intIn(1024, 65535)))
	cfg.MetricsPort = apply(l, "metrics_port",
		config.LoadEnvInt("WORKER_METRICS_PORT", cfg.MetricsPort, intIn(1024, 65535)))
	cfg.GRPCPort = apply(l, "grpc_port",
		config.LoadEnvInt("WORKER_GRPC_PORT", cfg.GRPCPort, intIn(1024, 65535)))

	metrics.SetFallbackActive(l.fallback)
	metrics.RecordLoadTimestamp()

	if cfg.QueueBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return &cfg, errors.New("DATABASE_URL is required when QUEUE_BACKEND=postgres")
	}
	return &cfg, nil
}
