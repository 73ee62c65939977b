// Package retry decides when failed work runs again.
//
// Policy drives queue items: it classifies a dispatch error and returns a
// requeue time or a terminal verdict. WithBackoff covers short in-process
// retries, such as dialing the database or posting an alert, using the same
// delay curve.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"delivery-core/internal/domain/entity"
)

// Config bounds an in-process retry loop.
type Config struct {
	// MaxAttempts counts the first call. Values below 1 mean one call.
	MaxAttempts int

	// Delay supplies the wait between attempts.
	Delay Policy
}

// DBConfig is used while opening the database: a few fast attempts.
func DBConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterMax: 20 * time.Millisecond, Multiplier: 2},
	}
}

// BrokerConfig is used while dialing the message broker, which often comes
// up after the worker.
func BrokerConfig() Config {
	return Config{
		MaxAttempts: 5,
		Delay:       Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, JitterMax: 100 * time.Millisecond, Multiplier: 2},
	}
}

// WithBackoff calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = fn(); lastErr == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", slog.Int("attempt", attempt))
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
		}

		delay := cfg.Delay.Backoff(attempt)
		slog.Warn("operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}
}

// IsRetryable reports whether err is worth another in-process attempt.
// Provider errors follow Classify, except that permanent failures and plain
// errors of unknown origin are not retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 ||
			httpErr.StatusCode == http.StatusTooManyRequests ||
			httpErr.StatusCode == http.StatusRequestTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var transient *entity.TransientProviderError
	var limited *entity.RateLimitedError
	var open *entity.CircuitOpenError
	var all *entity.AllProvidersFailedError
	if errors.As(err, &transient) || errors.As(err, &limited) ||
		errors.As(err, &open) || errors.As(err, &all) {
		return Classify(err) != entity.ErrorKindPermanent
	}
	return false
}

// HTTPError is a non-2xx response from a plain HTTP call.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
