package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"delivery-core/internal/pkg/config"
	"delivery-core/internal/resilience/retry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pingTimeout = 5 * time.Second

// PoolConfig sizes the PostgreSQL connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig suits one worker process with a few dozen concurrent
// dispatches: each settles through a short transaction.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// PoolConfigFromEnv reads DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS,
// DB_CONN_MAX_LIFETIME and DB_CONN_MAX_IDLE_TIME. Invalid values keep the
// default and are returned as warnings. MaxIdleConns never exceeds
// MaxOpenConns.
func PoolConfigFromEnv() (PoolConfig, []string) {
	def := DefaultPoolConfig()
	positive := func(v int) error {
		if v <= 0 {
			return errors.New("must be positive")
		}
		return nil
	}

	var warnings []string
	note := func(warning string) {
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	open := config.LoadEnvInt("DB_MAX_OPEN_CONNS", def.MaxOpenConns, positive)
	note(open.Warning)
	idle := config.LoadEnvInt("DB_MAX_IDLE_CONNS", def.MaxIdleConns, positive)
	note(idle.Warning)
	lifetime := config.LoadEnvDuration("DB_CONN_MAX_LIFETIME", def.ConnMaxLifetime, config.ValidatePositiveDuration)
	note(lifetime.Warning)
	idleTime := config.LoadEnvDuration("DB_CONN_MAX_IDLE_TIME", def.ConnMaxIdleTime, config.ValidatePositiveDuration)
	note(idleTime.Warning)

	cfg := PoolConfig{
		MaxOpenConns:    open.Value,
		MaxIdleConns:    idle.Value,
		ConnMaxLifetime: lifetime.Value,
		ConnMaxIdleTime: idleTime.Value,
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return cfg, warnings
}

// Open connects to PostgreSQL at dsn, sizes the pool from the environment
// and pings until the server answers or the retry budget runs out.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	cfg, warnings := PoolConfigFromEnv()
	for _, w := range warnings {
		slog.Warn("database pool setting ignored", slog.String("reason", w))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	err = retry.WithBackoff(ctx, retry.DBConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	slog.Info("database connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime))
	return db, nil
}
