// Package circuitbreaker isolates failing providers using github.com/sony/gobreaker.
//
// Each provider gets its own breaker. A breaker opens after FailureThreshold
// consecutive failures, rejects calls for Cooldown, then lets exactly one
// probe through. A successful probe closes it and clears the counters; a
// failed probe opens it again for another full cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/sony/gobreaker"
)

// Config holds the configuration for a circuit breaker.
type Config struct {
	// Name identifies the breaker, normally the provider id.
	Name string

	// Capability is reported in ProviderHealth.
	Capability entity.Capability

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration

	// Window is the rolling period after which closed-state counters are cleared.
	// Zero never clears them.
	Window time.Duration
}

// DefaultConfig returns the default provider breaker configuration.
func DefaultConfig(name string, capability entity.Capability) Config {
	return Config{
		Name:             name,
		Capability:       capability,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Window:           60 * time.Second,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with provider health tracking.
type CircuitBreaker struct {
	breaker    *gobreaker.CircuitBreaker
	name       string
	capability entity.Capability
	cooldown   time.Duration

	// tripFailures holds the consecutive failure count that opened the breaker,
	// since gobreaker clears its counters on every state change.
	tripFailures atomic.Uint32

	mu       sync.RWMutex
	openedAt time.Time

	listeners []func(name string, from, to entity.CircuitState)
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:       cfg.Name,
		capability: cfg.Capability,
		cooldown:   cfg.Cooldown,
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				cb.tripFailures.Store(counts.ConsecutiveFailures)
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			// Cancellation comes from the caller shutting down. While closed it
			// is ignored; a cancelled half-open probe proves nothing, so the
			// breaker re-opens and waits for a real one.
			if errors.Is(err, context.Canceled) {
				return cb.breaker.State() != gobreaker.StateHalfOpen
			}
			return countsAsSuccess(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.onStateChange(name, from, to)
		},
	}
	cb.breaker = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// countsAsSuccess decides which errors leave the breaker's failure count alone.
// A permanent rejection proves the provider is reachable, and breaker or
// router errors raised on behalf of other providers must not feed back here.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var permErr *entity.PermanentProviderError
	var openErr *entity.CircuitOpenError
	var allErr *entity.AllProvidersFailedError
	switch {
	case errors.As(err, &openErr), errors.As(err, &allErr):
		return true
	case errors.As(err, &permErr):
		return true
	}
	return false
}

func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now()
	cb.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		cb.openedAt = now
	case gobreaker.StateClosed:
		cb.openedAt = time.Time{}
		cb.tripFailures.Store(0)
	}
	listeners := cb.listeners
	cb.mu.Unlock()

	slog.Warn("circuit breaker state changed",
		slog.String("circuit", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	for _, fn := range listeners {
		fn(name, toEntityState(from), toEntityState(to))
	}
}

// OnStateChange registers fn to be called after every state transition.
// fn runs while gobreaker holds its lock: it must not block or call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to entity.CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Execute runs fn through the breaker. While the breaker is open, or while a
// half-open probe is already in flight, fn is not invoked and a
// *entity.CircuitOpenError is returned.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := cb.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &entity.CircuitOpenError{ProviderID: cb.name, CooldownUntil: cb.cooldownUntil()}
	}
	return result, err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen returns true if the circuit breaker is in the open state.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}

// Health returns the provider health view of this breaker.
func (cb *CircuitBreaker) Health() entity.ProviderHealth {
	state := cb.breaker.State()
	h := entity.ProviderHealth{
		ProviderID: cb.name,
		Capability: cb.capability,
		State:      toEntityState(state),
	}

	switch state {
	case gobreaker.StateClosed:
		h.FailureCount = int(cb.breaker.Counts().ConsecutiveFailures)
	default:
		h.FailureCount = int(cb.tripFailures.Load())
		cb.mu.RLock()
		if !cb.openedAt.IsZero() {
			opened := cb.openedAt
			until := opened.Add(cb.cooldown)
			h.OpenedAt = &opened
			h.CooldownUntil = &until
		}
		cb.mu.RUnlock()
	}
	return h
}

func (cb *CircuitBreaker) cooldownUntil() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.openedAt.IsZero() {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cooldown)
}

func toEntityState(s gobreaker.State) entity.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return entity.CircuitOpen
	case gobreaker.StateHalfOpen:
		return entity.CircuitHalfOpen
	}
	return entity.CircuitClosed
}
