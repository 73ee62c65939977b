package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for domain layer operations.
var (
	// ErrNotFound indicates that a requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a status change that would regress a terminal state
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError represents a validation error with detailed field information.
// Enqueue requests that fail validation are rejected synchronously and never retried.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns a formatted error message for the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// TransientProviderError is a provider failure worth retrying:
// timeouts, 5xx responses and network failures.
type TransientProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: transient failure (status %d): %v", e.ProviderID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: transient failure: %v", e.ProviderID, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError is a provider rejection that will not succeed on retry,
// such as an invalid recipient or rejected content.
type PermanentProviderError struct {
	ProviderID string
	StatusCode int
	Err        error
}

func (e *PermanentProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: permanent failure (status %d): %v", e.ProviderID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: permanent failure: %v", e.ProviderID, e.Err)
}

func (e *PermanentProviderError) Unwrap() error { return e.Err }

// RateLimitedError is returned when a provider throttled the request.
// RetryAfter is zero when the provider did not say how long to wait.
// Local marks a request held back on this side that never reached the provider.
type RateLimitedError struct {
	ProviderID string
	RetryAfter time.Duration
	Local      bool
	Err        error
}

func (e *RateLimitedError) Error() string {
	scope := "rate limited"
	if e.Local {
		scope = "rate limited locally"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s: %s (retry after %v)", e.ProviderID, scope, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, scope)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without invoking the provider while its breaker is open.
type CircuitOpenError struct {
	ProviderID    string
	CooldownUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.CooldownUntil.IsZero() {
		return fmt.Sprintf("provider %s: circuit open", e.ProviderID)
	}
	return fmt.Sprintf("provider %s: circuit open until %s", e.ProviderID, e.CooldownUntil.Format(time.RFC3339))
}

// AllProvidersFailedError is returned by the router when every provider in a
// capability chain was skipped or failed.
type AllProvidersFailedError struct {
	Capability Capability
	Errors     []error
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("all %s providers failed: no provider available", e.Capability)
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("all %s providers failed: %s", e.Capability, strings.Join(msgs, "; "))
}

// Unwrap exposes the per-provider errors to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error { return e.Errors }

// maxLastErrorLength bounds the error text persisted on a queue item.
const maxLastErrorLength = 512

// TruncateError renders err for storage on a queue item.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxLastErrorLength {
		return msg
	}
	cut := maxLastErrorLength - 3
	// Stored text must stay valid UTF-8.
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
