package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Limiter applies per-prefix sliding window policies to bucket keys.
// It is safe for concurrent use and never blocks: a denied request returns
// immediately with the time until a slot frees up.
type Limiter struct {
	cfg       Config
	algorithm *SlidingWindow
	store     Store
	metrics   Metrics
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(l *Limiter) { l.algorithm = NewSlidingWindow(clock) }
}

// WithStore replaces the in-memory store.
func WithStore(store Store) Option {
	return func(l *Limiter) { l.store = store }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter creates a Limiter. Call cfg.Validate beforehand; invalid
// policies behave as unlimited.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	if cfg.Policies == nil {
		cfg.Policies = map[string]Policy{}
	}
	l := &Limiter{
		cfg:       cfg,
		algorithm: NewSlidingWindow(nil),
		metrics:   NewNoOpMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		mem := NewInMemoryStore(InMemoryStoreConfig{MaxKeys: cfg.MaxKeys})
		mem.onEvict = func(n int) { l.metrics.RecordEviction(n) }
		l.store = mem
	}
	return l
}

// Allow admits or denies one request against key.
//
// Store failures fail open: the request is allowed and the error is logged,
// so a broken limiter store never halts delivery.
func (l *Limiter) Allow(ctx context.Context, key string) *Decision {
	name, policy := l.cfg.policyFor(key)
	if policy.Limit <= 0 || policy.Window <= 0 {
		return &Decision{Key: key, Allowed: true, Policy: name, Remaining: -1}
	}

	start := time.Now()
	d, err := l.algorithm.Check(ctx, key, l.store, policy.Limit, policy.Window)
	l.metrics.RecordCheckDuration(name, time.Since(start))
	if err != nil {
		slog.Error("rate limiter check failed, allowing request",
			slog.String("key", key),
			slog.Any("error", err))
		return &Decision{Key: key, Allowed: true, Policy: name, Limit: policy.Limit}
	}

	d.Policy = name
	if d.Allowed {
		l.metrics.RecordAllowed(name)
	} else {
		l.metrics.RecordDenied(name)
	}
	return d
}

// AllowAll admits one request only when every bucket in keys has room.
// It returns the first denying decision, or the last allowed one. Buckets
// admitted before the denial are refunded, so a denied request is never
// counted against any bucket.
func (l *Limiter) AllowAll(ctx context.Context, keys ...string) *Decision {
	admitted := make([]*Decision, 0, len(keys))
	var last *Decision
	for _, key := range keys {
		d := l.Allow(ctx, key)
		if d.Allowed {
			admitted = append(admitted, d)
			last = d
			continue
		}
		for _, a := range admitted {
			l.refund(ctx, a)
		}
		return d
	}
	return last
}

func (l *Limiter) refund(ctx context.Context, d *Decision) {
	if d.recordedAt.IsZero() {
		return
	}
	if err := l.store.Remove(ctx, d.Key, d.recordedAt); err != nil {
		slog.Warn("rate limiter refund failed",
			slog.String("key", d.Key),
			slog.Any("error", err))
	}
}

// Bucket returns the current state of key for observability.
func (l *Limiter) Bucket(ctx context.Context, key string) (Bucket, error) {
	_, policy := l.cfg.policyFor(key)
	return l.algorithm.Snapshot(ctx, key, l.store, policy.Limit, policy.Window)
}

// Cleanup drops buckets idle longer than the configured max age and
// refreshes the active key gauge.
func (l *Limiter) Cleanup(ctx context.Context) error {
	maxAge := l.cfg.CleanupMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if err := l.store.Cleanup(ctx, l.algorithm.clock.Now().Add(-maxAge)); err != nil {
		return err
	}
	l.algorithm.CleanupExpiredTimestamps(maxAge)

	if n, err := l.store.KeyCount(ctx); err == nil {
		l.metrics.SetActiveKeys(n)
	}
	return nil
}
