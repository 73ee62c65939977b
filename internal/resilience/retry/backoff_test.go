package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quick(attempts int) Config {
	return Config{MaxAttempts: attempts, Delay: Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}}
}

func TestWithBackoff(t *testing.T) {
	serverErr := &HTTPError{StatusCode: 503, Message: "unavailable"}

	tests := []struct {
		name        string
		attempts    int
		failures    int
		err         error
		wantCalls   int
		wantErr     bool
		wantSameErr bool
	}{
		{name: "first call succeeds", attempts: 3, failures: 0, err: serverErr, wantCalls: 1},
		{name: "succeeds on last attempt", attempts: 3, failures: 2, err: serverErr, wantCalls: 3},
		{name: "attempts exhausted", attempts: 3, failures: 10, err: serverErr, wantCalls: 3, wantErr: true},
		{name: "non-retryable stops at once", attempts: 3, failures: 10, err: &HTTPError{StatusCode: 400}, wantCalls: 1, wantErr: true, wantSameErr: true},
		{name: "zero attempts still calls once", attempts: 0, failures: 10, err: serverErr, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := WithBackoff(context.Background(), quick(tt.attempts), func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			if tt.wantSameErr {
				assert.Same(t, tt.err, err)
			}
		})
	}
}

func TestWithBackoff_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, Delay: Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}}

	calls := 0
	err := WithBackoff(ctx, cfg, func() error {
		calls++
		cancel()
		return syscall.ECONNREFUSED
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: fmt.Errorf("ping: %w", context.DeadlineExceeded), want: false},
		{name: "http 500", err: &HTTPError{StatusCode: 500}, want: true},
		{name: "http 429", err: &HTTPError{StatusCode: 429}, want: true},
		{name: "http 408", err: &HTTPError{StatusCode: 408}, want: true},
		{name: "http 404", err: &HTTPError{StatusCode: 404}, want: false},
		{name: "connection refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "network unreachable", err: syscall.ENETUNREACH, want: true},
		{name: "transient provider", err: &entity.TransientProviderError{ProviderID: "web-a", StatusCode: 503}, want: true},
		{name: "rate limited provider", err: &entity.RateLimitedError{ProviderID: "web-a"}, want: true},
		{name: "circuit open", err: &entity.CircuitOpenError{ProviderID: "web-a"}, want: true},
		{name: "permanent provider", err: &entity.PermanentProviderError{ProviderID: "web-a", StatusCode: 400}, want: false},
		{
			name: "every provider rejected",
			err: &entity.AllProvidersFailedError{Errors: []error{
				&entity.PermanentProviderError{ProviderID: "a"},
				&entity.PermanentProviderError{ProviderID: "b"},
			}},
			want: false,
		},
		{
			name: "mixed provider failures",
			err: &entity.AllProvidersFailedError{Errors: []error{
				&entity.PermanentProviderError{ProviderID: "a"},
				&entity.TransientProviderError{ProviderID: "b"},
			}},
			want: true,
		},
		{name: "unknown error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPresetConfigs(t *testing.T) {
	db := DBConfig()
	assert.Equal(t, 3, db.MaxAttempts)
	assert.LessOrEqual(t, db.Delay.exponential(10), time.Second)

	broker := BrokerConfig()
	assert.Equal(t, 5, broker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, broker.Delay.exponential(1))
	assert.Equal(t, 5*time.Second, broker.Delay.exponential(10))
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: 502, Message: "bad gateway"}
	assert.Equal(t, "HTTP 502: bad gateway", err.Error())
}
