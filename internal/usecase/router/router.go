// Package router delivers a queue item through an ordered fallback chain of
// interchangeable providers.
//
// For each provider in the chain the router:
//   - skips it without an attempt when its circuit breaker is open
//   - skips it without an attempt when its provider rate bucket is exhausted
//   - otherwise invokes it through the breaker with a bounded timeout and
//     records a DeliveryAttempt
//
// The first success wins. When every provider was skipped or failed the
// router returns *entity.AllProvidersFailedError carrying each provider's error.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/observability/logging"
	"delivery-core/internal/observability/tracing"
	"delivery-core/internal/repository"
	"delivery-core/internal/resilience/circuitbreaker"
	"delivery-core/internal/resilience/retry"
	"delivery-core/pkg/ratelimit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 30 * time.Second

// Provider is one concrete channel or inference client.
type Provider interface {
	ID() string
	Capability() entity.Capability
	// Deliver sends item and returns the provider-assigned result. Errors
	// should be one of the entity provider error types; anything else is
	// treated as transient.
	Deliver(ctx context.Context, item *entity.QueueItem) (*Result, error)
}

// Result is what a provider reports for a successful delivery.
type Result struct {
	ProviderID string
	// MessageID is the provider-assigned id, used downstream to dedup resends.
	MessageID string
	// Output carries the completion text of inference requests.
	Output string
}

// Paced is implemented by providers that space out their own requests.
// Admit blocks for at most wait and returns a local *entity.RateLimitedError
// when no slot frees up in time. The router calls it before the circuit
// breaker, so pacing never counts as a provider failure.
type Paced interface {
	Admit(ctx context.Context, wait time.Duration) error
}

// Limiter admits provider calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) *ratelimit.Decision
}

// Router holds one fallback chain per capability.
type Router struct {
	mu     sync.RWMutex
	chains map[entity.Capability][]Provider

	breakers *circuitbreaker.Registry
	attempts repository.AttemptRepository
	limiter  Limiter
	timeout  time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLimiter gates every provider call on its "provider:<id>" bucket.
func WithLimiter(l Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

// WithProviderTimeout overrides DefaultProviderTimeout.
func WithProviderTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithTracer replaces the package tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with empty chains.
func New(breakers *circuitbreaker.Registry, attempts repository.AttemptRepository, opts ...Option) *Router {
	r := &Router{
		chains:   make(map[entity.Capability][]Provider),
		breakers: breakers,
		attempts: attempts,
		timeout:  DefaultProviderTimeout,
		tracer:   tracing.GetTracer(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetChain replaces the chain for capability. Breakers are registered for
// new providers and kept for providers that stay, so reloading the
// configuration does not reset their health.
func (r *Router) SetChain(capability entity.Capability, providers []Provider) error {
	chain := make([]Provider, 0, len(providers))
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p.Capability() != capability {
			return fmt.Errorf("SetChain: provider %s has capability %s, want %s: %w",
				p.ID(), p.Capability(), capability, entity.ErrInvalidInput)
		}
		if seen[p.ID()] {
			return fmt.Errorf("SetChain: duplicate provider %s: %w", p.ID(), entity.ErrInvalidInput)
		}
		seen[p.ID()] = true
		r.breakers.Register(p.ID(), capability)
		chain = append(chain, p)
	}

	r.mu.Lock()
	r.chains[capability] = chain
	r.mu.Unlock()

	r.logger.Info("provider chain updated",
		slog.String("capability", string(capability)),
		slog.Int("providers", len(chain)))
	return nil
}

// Chain returns a copy of the chain for capability.
func (r *Router) Chain(capability entity.Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.chains[capability]...)
}

// Health returns the breaker view of every registered provider.
func (r *Router) Health() []entity.ProviderHealth {
	return r.breakers.Health()
}

// Dispatch delivers item through the chain for its kind's capability.
func (r *Router) Dispatch(ctx context.Context, item *entity.QueueItem) (*Result, error) {
	capability := item.Kind.Capability()
	ctx, span := r.tracer.Start(ctx, "router.Dispatch",
		trace.WithAttributes(
			attribute.String("delivery.item_id", item.ID),
			attribute.String("delivery.capability", string(capability)),
			attribute.Int("delivery.retry_count", item.RetryCount),
		))
	defer span.End()

	chain := r.Chain(capability)
	errs := make([]error, 0, len(chain))
	for _, p := range chain {
		res, err := r.try(ctx, p, item)
		if err == nil {
			span.SetAttributes(attribute.String("delivery.provider", res.ProviderID))
			return res, nil
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "dispatch cancelled")
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}

	allErr := &entity.AllProvidersFailedError{Capability: capability, Errors: errs}
	span.RecordError(allErr)
	span.SetStatus(codes.Error, "all providers failed")
	return nil, allErr
}

// try runs one provider. The returned error is never nil on failure and
// providers that were skipped produce no attempt record.
func (r *Router) try(ctx context.Context, p Provider, item *entity.QueueItem) (*Result, error) {
	id := p.ID()
	cb := r.breakers.Register(id, p.Capability())
	logger := logging.WithFields(logging.FromContext(ctx, r.logger.With(slog.String("item_id", item.ID))),
		map[string]any{"provider": id, "capability": string(p.Capability())})

	if cb.IsOpen() {
		recordSkip(id, "circuit_open")
		h := cb.Health()
		openErr := &entity.CircuitOpenError{ProviderID: id}
		if h.CooldownUntil != nil {
			openErr.CooldownUntil = *h.CooldownUntil
		}
		logger.Debug("provider skipped: circuit open")
		return nil, openErr
	}

	if r.limiter != nil {
		if d := r.limiter.Allow(ctx, ratelimit.ProviderKey(id)); !d.Allowed {
			recordSkip(id, "rate_limited")
			return nil, &entity.RateLimitedError{ProviderID: id, RetryAfter: d.RetryAfter, Local: true}
		}
	}

	if paced, ok := p.(Paced); ok {
		if err := paced.Admit(ctx, r.timeout); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			recordSkip(id, "paced")
			logger.Debug("provider skipped: pacing backlog", slog.Any("error", err))
			return nil, err
		}
	}

	ctx, span := r.tracer.Start(ctx, "router.Attempt",
		trace.WithAttributes(attribute.String("delivery.provider", id)))
	defer span.End()

	invoked := false
	start := r.now()
	out, err := cb.Execute(func() (interface{}, error) {
		invoked = true
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		res, err := p.Deliver(callCtx, item)
		if err != nil {
			return nil, normalize(ctx, id, err)
		}
		return res, nil
	})
	latency := r.now().Sub(start)

	if !invoked {
		// A half-open probe was already in flight.
		recordSkip(id, "circuit_open")
		return nil, err
	}

	attempt := &entity.DeliveryAttempt{
		QueueItemID:   item.ID,
		ProviderID:    id,
		AttemptNumber: item.RetryCount + 1,
		LatencyMS:     latency.Milliseconds(),
		Timestamp:     start,
	}

	var res *Result
	if err == nil {
		res, _ = out.(*Result)
		if res == nil {
			res = &Result{}
		}
		res.ProviderID = id
		attempt.Outcome = entity.AttemptSuccess
	} else {
		attempt.Outcome = entity.AttemptFailure
		attempt.ErrorKind = retry.Classify(err)
		attempt.Error = entity.TruncateError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(attempt.ErrorKind))
	}
	recordAttempt(id, attempt.Outcome, latency)
	r.record(ctx, attempt)

	if err != nil {
		logger.Warn("provider attempt failed",
			slog.Int("attempt", attempt.AttemptNumber),
			slog.String("error_kind", string(attempt.ErrorKind)),
			slog.Duration("latency", latency),
			slog.Any("error", err))
		return nil, err
	}
	return res, nil
}

func (r *Router) record(ctx context.Context, a *entity.DeliveryAttempt) {
	if r.attempts == nil {
		return
	}
	// The audit write must not be lost because the dispatch context ended.
	if err := r.attempts.Record(context.WithoutCancel(ctx), a); err != nil {
		r.logger.Error("failed to record delivery attempt",
			slog.String("item_id", a.QueueItemID),
			slog.String("provider", a.ProviderID),
			slog.Any("error", err))
	}
}

// normalize maps errors outside the provider taxonomy to
// TransientProviderError. Cancellation of the parent context is passed
// through so shutdowns do not count against the provider.
func normalize(parent context.Context, providerID string, err error) error {
	var (
		transient *entity.TransientProviderError
		permanent *entity.PermanentProviderError
		limited   *entity.RateLimitedError
	)
	switch {
	case errors.As(err, &transient), errors.As(err, &permanent), errors.As(err, &limited):
		return err
	case parent.Err() != nil && errors.Is(err, parent.Err()):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &entity.TransientProviderError{ProviderID: providerID, Err: fmt.Errorf("provider timeout: %w", err)}
	}
	return &entity.TransientProviderError{ProviderID: providerID, Err: err}
}
