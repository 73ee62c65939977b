// Package dispatch drives leased queue items through the provider router.
//
// The Scheduler leases a batch of ready items on every tick and dispatches
// them concurrently, bounded by MaxConcurrentDispatches. Each item is gated
// by the rate limiter, routed, and then either completed or requeued
// according to the retry policy. The Sweeper returns items whose lease
// expired to the queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/observability/logging"
	"delivery-core/internal/observability/tracing"
	"delivery-core/internal/repository"
	"delivery-core/internal/resilience/retry"
	"delivery-core/internal/usecase/router"
	"delivery-core/pkg/ratelimit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config holds scheduler settings.
type Config struct {
	// MaxConcurrentDispatches bounds in-flight provider calls.
	MaxConcurrentDispatches int

	// BatchSize is the maximum number of items leased per tick.
	// Zero uses MaxConcurrentDispatches.
	BatchSize int

	// PollInterval is the wait between ticks when the queue is drained.
	PollInterval time.Duration

	// LeaseDuration is how long a leased item stays claimed. It must exceed
	// the provider timeout times the chain length, or a slow dispatch can be
	// reclaimed and sent twice.
	LeaseDuration time.Duration

	// MaxStoreBackoff caps the global backoff applied after store failures.
	MaxStoreBackoff time.Duration

	// PauseRecheck is how long a member of a paused campaign waits before it
	// is considered again.
	PauseRecheck time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDispatches: 10,
		PollInterval:            time.Second,
		LeaseDuration:           2 * time.Minute,
		MaxStoreBackoff:         30 * time.Second,
		PauseRecheck:            5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = d.MaxConcurrentDispatches
	}
	if c.BatchSize <= 0 || c.BatchSize > c.MaxConcurrentDispatches {
		c.BatchSize = c.MaxConcurrentDispatches
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.MaxStoreBackoff < c.PollInterval {
		c.MaxStoreBackoff = d.MaxStoreBackoff
	}
	if c.PauseRecheck <= 0 {
		c.PauseRecheck = d.PauseRecheck
	}
	return c
}

// Router delivers one item. *router.Router satisfies it.
type Router interface {
	Dispatch(ctx context.Context, item *entity.QueueItem) (*router.Result, error)
}

// CampaignTracker is consulted for campaign members. *campaign.Manager satisfies it.
type CampaignTracker interface {
	IsPaused(ctx context.Context, campaignID string) (bool, error)
	RecordOutcome(ctx context.Context, campaignID string, status entity.Status) error
}

// Admitter checks several rate buckets as one admission. *ratelimit.Limiter
// satisfies it.
type Admitter interface {
	AllowAll(ctx context.Context, keys ...string) *ratelimit.Decision
}

// Publisher announces terminal outcomes.
type Publisher interface {
	Publish(ctx context.Context, ev entity.OutcomeEvent) error
}

// Scheduler is the dispatch worker pool.
type Scheduler struct {
	store     repository.QueueStore
	router    Router
	policy    retry.Policy
	limiter   Admitter
	campaigns CampaignTracker
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	sem chan struct{}

	// workCtx outlives Run's context so in-flight dispatches can finish
	// during a graceful shutdown.
	workCtx    context.Context
	workCancel context.CancelFunc
	running    atomic.Bool
	stopped    chan struct{}
	lastTick   atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimiter gates every dispatch on the global and recipient buckets.
func WithLimiter(l Admitter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithCampaigns enables paused checks and aggregate updates for campaign members.
func WithCampaigns(c CampaignTracker) Option {
	return func(s *Scheduler) { s.campaigns = c }
}

// WithPublisher publishes an OutcomeEvent for each terminal item.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler. Call Run to start it.
func NewScheduler(store repository.QueueStore, r Router, policy retry.Policy, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	workCtx, workCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		router:     r,
		policy:     policy,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		sem:        make(chan struct{}, cfg.MaxConcurrentDispatches),
		workCtx:    workCtx,
		workCancel: workCancel,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. Store failures back off globally,
// doubling from PollInterval up to MaxStoreBackoff, instead of spinning.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.stopped)

	storeBackoff := retry.Policy{
		BaseDelay:  s.cfg.PollInterval,
		MaxDelay:   s.cfg.MaxStoreBackoff,
		Multiplier: 2,
	}
	failures := 0

	s.logger.Info("scheduler started",
		slog.Int("max_concurrent_dispatches", s.cfg.MaxConcurrentDispatches),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("lease_duration", s.cfg.LeaseDuration))

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		n, err := s.Tick(ctx)
		wait := s.cfg.PollInterval
		switch {
		case err != nil:
			failures++
			wait = storeBackoff.Backoff(failures)
			storeErrorsTotal.Inc()
			s.logger.Error("queue store unavailable, backing off",
				slog.Int("consecutive_failures", failures),
				slog.Duration("backoff", wait),
				slog.Any("error", err))
		case n >= s.cfg.BatchSize:
			// A full batch suggests more work is ready.
			failures = 0
			wait = 0
		default:
			failures = 0
		}

		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Shutdown waits for Run to return after its context was cancelled. If ctx
// expires first, in-flight dispatches are cancelled and requeued.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.running.Load() {
		s.workCancel()
		return nil
	}
	select {
	case <-s.stopped:
		s.workCancel()
		s.logger.Info("scheduler shutdown complete")
		return nil
	case <-ctx.Done():
		s.workCancel()
		s.logger.Warn("scheduler shutdown timeout, cancelling in-flight dispatches")
		<-s.stopped
		return ctx.Err()
	}
}

// LastTick returns when the last tick completed without a store error.
func (s *Scheduler) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Tick leases one batch and dispatches it, returning once every item in the
// batch has settled. The returned error is a store failure; dispatch
// failures are handled per item.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	items, err := s.store.LeaseNext(ctx, s.cfg.BatchSize, s.now(), s.cfg.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("lease: %w", err)
	}
	leaseBatchSize.Observe(float64(len(items)))

	var eg errgroup.Group
	for _, it := range items {
		item := it
		s.sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-s.sem }()
			return s.process(item)
		})
	}
	if err := eg.Wait(); err != nil {
		return len(items), err
	}

	s.lastTick.Store(s.now().UnixNano())
	return len(items), nil
}

// process handles one leased item. Only store failures are returned.
func (s *Scheduler) process(item *entity.QueueItem) (err error) {
	inflight.Inc()
	defer inflight.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger := s.logger.With(slog.String("item_id", item.ID))
			logger.Error("panic while dispatching item",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			// A panic spends a retry like any transient failure, so an item
			// that always panics still reaches its retry budget.
			err = s.settleFailure(context.WithoutCancel(s.workCtx), logger, item, fmt.Errorf("dispatch panicked: %v", r))
		}
	}()

	ctx, span := tracing.GetTracer().Start(s.workCtx, "dispatch.Process",
		trace.WithAttributes(
			attribute.String("delivery.item_id", item.ID),
			attribute.String("delivery.kind", string(item.Kind)),
			attribute.Int("delivery.retry_count", item.RetryCount),
		))
	defer span.End()

	// Store writes must land even when the dispatch was cancelled.
	storeCtx := context.WithoutCancel(ctx)
	logger := logging.WithTrace(ctx, s.logger).With(slog.String("item_id", item.ID))
	ctx = logging.WithLogger(ctx, logger)

	if item.CancelRequested {
		return s.finish(storeCtx, item, entity.StatusCancelled, nil, "")
	}

	if item.CampaignID != nil && s.campaigns != nil {
		paused, err := s.campaigns.IsPaused(storeCtx, *item.CampaignID)
		if err != nil {
			logger.Warn("campaign lookup failed", slog.Any("error", err))
		}
		if paused {
			recordDispatch("deferred")
			return s.requeue(storeCtx, item, s.now().Add(s.cfg.PauseRecheck), "campaign paused", false)
		}
	}

	if d := s.admit(ctx, item); d != nil {
		recordDispatch("deferred")
		logger.Debug("dispatch deferred by rate limiter",
			slog.String("bucket", d.Key),
			slog.Duration("retry_after", d.RetryAfter))
		return s.requeue(storeCtx, item, s.now().Add(d.RetryAfter), "rate limited: "+d.Key, false)
	}

	res, dispatchErr := s.router.Dispatch(ctx, item)
	if dispatchErr == nil {
		// Delivery wins over a cancel request that arrived mid-flight.
		return s.finish(storeCtx, item, entity.StatusSent, res, "")
	}

	if ctx.Err() != nil {
		recordDispatch("interrupted")
		return s.requeue(storeCtx, item, s.now(), "dispatch interrupted by shutdown", false)
	}

	if skipped, delay := onlyLocalSkips(dispatchErr); skipped {
		if delay <= 0 {
			delay = s.cfg.PollInterval
		}
		recordDispatch("deferred")
		logger.Debug("dispatch deferred by provider pacing", slog.Duration("retry_after", delay))
		return s.requeue(storeCtx, item, s.now().Add(delay), entity.TruncateError(dispatchErr), false)
	}

	return s.settleFailure(storeCtx, logger, item, dispatchErr)
}

// settleFailure applies the retry policy to a failed dispatch: the item is
// either failed for good or requeued with one retry consumed.
func (s *Scheduler) settleFailure(storeCtx context.Context, logger *slog.Logger, item *entity.QueueItem, dispatchErr error) error {
	lastErr := entity.TruncateError(dispatchErr)
	decision := s.policy.Decide(item, dispatchErr, s.now())
	if decision.Terminal {
		logger.Warn("item failed",
			slog.String("reason", decision.Reason),
			slog.String("error_kind", string(decision.Kind)),
			slog.Int("retry_count", item.RetryCount),
			slog.Any("error", dispatchErr))
		return s.finish(storeCtx, item, entity.StatusFailed, nil, lastErr)
	}

	if current, err := s.store.Get(storeCtx, item.ID); err == nil && current.CancelRequested {
		return s.finish(storeCtx, item, entity.StatusCancelled, nil, lastErr)
	}

	logger.Info("item requeued",
		slog.String("error_kind", string(decision.Kind)),
		slog.Int("retry_count", item.RetryCount+1),
		slog.Duration("delay", decision.Delay))
	recordDispatch("requeued")
	return s.requeue(storeCtx, item, decision.NextAttemptAt, lastErr, true)
}

// onlyLocalSkips reports whether no provider was called because every one
// was held back by local rate limiting, and the shortest wait among them.
func onlyLocalSkips(err error) (bool, time.Duration) {
	var allErr *entity.AllProvidersFailedError
	if !errors.As(err, &allErr) || len(allErr.Errors) == 0 {
		return false, 0
	}
	var shortest time.Duration
	for _, e := range allErr.Errors {
		var limited *entity.RateLimitedError
		if !errors.As(e, &limited) || !limited.Local {
			return false, 0
		}
		if limited.RetryAfter > 0 && (shortest == 0 || limited.RetryAfter < shortest) {
			shortest = limited.RetryAfter
		}
	}
	return true, shortest
}

// admit checks the recipient and global buckets together and returns the
// denying decision, or nil when the item may be dispatched. A denial leaves
// neither bucket charged.
func (s *Scheduler) admit(ctx context.Context, item *entity.QueueItem) *ratelimit.Decision {
	if s.limiter == nil {
		return nil
	}
	d := s.limiter.AllowAll(ctx, ratelimit.RecipientKey(item.Target), ratelimit.GlobalKey)
	if d == nil || d.Allowed {
		return nil
	}
	if d.RetryAfter <= 0 {
		d.RetryAfter = s.cfg.PollInterval
	}
	return d
}

func (s *Scheduler) requeue(ctx context.Context, item *entity.QueueItem, next time.Time, lastErr string, consumeRetry bool) error {
	err := s.store.Requeue(ctx, item.ID, next, lastErr, consumeRetry)
	return s.storeResult(item, "requeue", err)
}

func (s *Scheduler) finish(ctx context.Context, item *entity.QueueItem, status entity.Status, res *router.Result, lastErr string) error {
	if err := s.store.Complete(ctx, item.ID, status, lastErr); err != nil {
		return s.storeResult(item, "complete", err)
	}
	recordDispatch(string(status))

	attrs := []any{slog.String("item_id", item.ID), slog.String("status", string(status))}
	if res != nil {
		attrs = append(attrs, slog.String("provider", res.ProviderID), slog.String("message_id", res.MessageID))
	}
	s.logger.Info("item settled", attrs...)

	if item.CampaignID != nil && s.campaigns != nil {
		if err := s.campaigns.RecordOutcome(ctx, *item.CampaignID, status); err != nil {
			s.logger.Error("failed to record campaign outcome",
				slog.String("item_id", item.ID),
				slog.String("campaign_id", *item.CampaignID),
				slog.Any("error", err))
		}
	}

	if s.publisher != nil {
		ev := entity.OutcomeEvent{
			ItemID:     item.ID,
			Status:     status,
			RetryCount: item.RetryCount,
			Error:      lastErr,
			OccurredAt: s.now(),
		}
		if res != nil {
			ev.ProviderID = res.ProviderID
			ev.MessageID = res.MessageID
		}
		if item.CampaignID != nil {
			ev.CampaignID = *item.CampaignID
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish outcome event",
				slog.String("item_id", item.ID),
				slog.Any("error", err))
		}
	}
	return nil
}

// storeResult logs a lost lease and passes other store errors up so the
// run loop backs off.
func (s *Scheduler) storeResult(item *entity.QueueItem, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrLeaseLost) || errors.Is(err, entity.ErrNotFound) {
		s.logger.Warn("lease lost before settling item",
			slog.String("item_id", item.ID),
			slog.String("op", op),
			slog.Any("error", err))
		return nil
	}
	return fmt.Errorf("%s item %s: %w", op, item.ID, err)
}

// Sweeper periodically returns expired leases to the queue.
type Sweeper struct {
	store    repository.QueueStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(store repository.QueueStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{store: store, interval: interval, logger: slog.Default(), now: time.Now}
}

// WithClock overrides time.Now and returns w.
func (w *Sweeper) WithClock(now func() time.Time) *Sweeper {
	w.now = now
	return w
}

// Sweep reclaims expired leases once. Reclaiming does not consume a retry.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.store.ReclaimExpired(ctx, w.now())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		leasesReclaimedTotal.Add(float64(n))
		w.logger.Warn("reclaimed expired leases", slog.Int("count", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("lease sweep failed", slog.Any("error", err))
			}
		}
	}
}
