package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/sony/gobreaker"
)

func failing(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func TestNew(t *testing.T) {
	cb := New(DefaultConfig("web-a", entity.CapabilityChannel))

	if cb == nil {
		t.Fatal("expected circuit breaker, got nil")
	}
	if cb.Name() != "web-a" {
		t.Errorf("expected name='web-a', got %q", cb.Name())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected initial state=Closed, got %v", cb.State())
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	cb := New(Config{Name: "bare"})

	if cb.cooldown != 30*time.Second {
		t.Errorf("expected default cooldown 30s, got %v", cb.cooldown)
	}

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(failing(errors.New("boom")))
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected Closed after 4 failures, got %v", cb.State())
	}
	_, _ = cb.Execute(failing(errors.New("boom")))
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("expected Open after 5 failures, got %v", cb.State())
	}
}

func TestCircuitBreaker_Execute_Success(t *testing.T) {
	cb := New(DefaultConfig("web-a", entity.CapabilityChannel))

	result, err := cb.Execute(func() (interface{}, error) {
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "success" {
		t.Errorf("expected result='success', got %v", result)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected state=Closed after success, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensOnFifthConsecutiveFailure(t *testing.T) {
	cb := New(DefaultConfig("web-a", entity.CapabilityChannel))
	transient := &entity.TransientProviderError{ProviderID: "web-a", StatusCode: 503}

	for i := 1; i <= 5; i++ {
		_, err := cb.Execute(failing(transient))
		if !errors.Is(err, transient) {
			t.Fatalf("attempt %d: expected provider error, got %v", i, err)
		}
		if i < 5 && cb.State() != gobreaker.StateClosed {
			t.Fatalf("attempt %d: expected Closed, got %v", i, cb.State())
		}
	}

	if !cb.IsOpen() {
		t.Fatalf("expected Open after 5 consecutive failures, got %v", cb.State())
	}

	var calls int32
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		})
		var openErr *entity.CircuitOpenError
		if !errors.As(err, &openErr) {
			t.Fatalf("expected CircuitOpenError, got %v", err)
		}
		if openErr.ProviderID != "web-a" {
			t.Errorf("expected provider web-a, got %q", openErr.ProviderID)
		}
		if openErr.CooldownUntil.IsZero() {
			t.Error("expected CooldownUntil to be set")
		}
	}
	if calls != 0 {
		t.Errorf("expected no calls while open, got %d", calls)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(DefaultConfig("web-a", entity.CapabilityChannel))

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(failing(errors.New("boom")))
	}
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(failing(errors.New("boom")))
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected Closed, got %v", cb.State())
	}
	if got := cb.Health().FailureCount; got != 4 {
		t.Errorf("expected FailureCount 4, got %d", got)
	}
}

func TestCircuitBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	cb := New(Config{Name: "web-a", FailureThreshold: 5, Cooldown: 50 * time.Millisecond})

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(failing(errors.New("boom")))
	}
	if !cb.IsOpen() {
		t.Fatal("expected Open")
	}

	time.Sleep(80 * time.Millisecond)
	if cb.State() != gobreaker.StateHalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", cb.State())
	}

	// Only one probe may be in flight while half-open.
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cb.Execute(func() (interface{}, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()
	<-started

	_, err := cb.Execute(func() (interface{}, error) {
		t.Error("second probe must not run")
		return nil, nil
	})
	var openErr *entity.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Errorf("expected CircuitOpenError for concurrent probe, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.State())
	}
	h := cb.Health()
	if h.FailureCount != 0 {
		t.Errorf("expected FailureCount 0, got %d", h.FailureCount)
	}
	if h.OpenedAt != nil || h.CooldownUntil != nil {
		t.Error("expected OpenedAt and CooldownUntil to be cleared")
	}
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb := New(Config{Name: "web-a", FailureThreshold: 2, Cooldown: 50 * time.Millisecond})

	_, _ = cb.Execute(failing(errors.New("boom")))
	_, _ = cb.Execute(failing(errors.New("boom")))
	firstOpen := *cb.Health().OpenedAt

	time.Sleep(80 * time.Millisecond)
	_, err := cb.Execute(failing(errors.New("still down")))
	if err == nil || err.Error() != "still down" {
		t.Fatalf("expected probe error, got %v", err)
	}

	if !cb.IsOpen() {
		t.Fatalf("expected Open after failed probe, got %v", cb.State())
	}
	h := cb.Health()
	if !h.OpenedAt.After(firstOpen) {
		t.Error("expected a new open period to start")
	}
	if got := h.CooldownUntil.Sub(*h.OpenedAt); got != 50*time.Millisecond {
		t.Errorf("expected full cooldown, got %v", got)
	}
}

func TestCircuitBreaker_CancelledProbeReopens(t *testing.T) {
	cb := New(Config{Name: "web-a", FailureThreshold: 2, Cooldown: 50 * time.Millisecond})

	_, _ = cb.Execute(failing(errors.New("boom")))
	_, _ = cb.Execute(failing(errors.New("boom")))
	if !cb.IsOpen() {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	firstOpen := *cb.Health().OpenedAt

	time.Sleep(80 * time.Millisecond)
	if cb.State() != gobreaker.StateHalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", cb.State())
	}
	_, err := cb.Execute(failing(context.Canceled))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}

	if !cb.IsOpen() {
		t.Fatalf("cancelled probe must not close the breaker, got %v", cb.State())
	}
	if !cb.Health().OpenedAt.After(firstOpen) {
		t.Error("expected a new open period to start")
	}
}

func TestCircuitBreaker_ErrorsThatDoNotCount(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "permanent", err: &entity.PermanentProviderError{ProviderID: "web-a", StatusCode: 400}},
		{name: "canceled", err: context.Canceled},
		{name: "circuit open", err: &entity.CircuitOpenError{ProviderID: "other"}},
		{name: "all failed", err: &entity.AllProvidersFailedError{Capability: entity.CapabilityChannel}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(Config{Name: "web-a", FailureThreshold: 2, Cooldown: time.Minute})
			for i := 0; i < 5; i++ {
				_, err := cb.Execute(failing(tt.err))
				if !errors.Is(err, tt.err) {
					t.Fatalf("expected error to pass through, got %v", err)
				}
			}
			if cb.State() != gobreaker.StateClosed {
				t.Errorf("expected Closed, got %v", cb.State())
			}
		})
	}
}

func TestCircuitBreaker_RateLimitedAndTimeoutCount(t *testing.T) {
	cb := New(Config{Name: "web-a", FailureThreshold: 2, Cooldown: time.Minute})

	_, _ = cb.Execute(failing(&entity.RateLimitedError{ProviderID: "web-a", RetryAfter: time.Second}))
	_, _ = cb.Execute(failing(context.DeadlineExceeded))

	if !cb.IsOpen() {
		t.Errorf("expected Open, got %v", cb.State())
	}
}

func TestCircuitBreaker_Health(t *testing.T) {
	cb := New(Config{Name: "claude", Capability: entity.CapabilityInference, FailureThreshold: 3, Cooldown: time.Minute})

	h := cb.Health()
	if h.ProviderID != "claude" || h.Capability != entity.CapabilityInference {
		t.Errorf("unexpected identity: %+v", h)
	}
	if h.State != entity.CircuitClosed || h.FailureCount != 0 {
		t.Errorf("unexpected initial health: %+v", h)
	}

	before := time.Now()
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(failing(errors.New("boom")))
	}

	h = cb.Health()
	if h.State != entity.CircuitOpen {
		t.Fatalf("expected open, got %s", h.State)
	}
	if h.FailureCount != 3 {
		t.Errorf("expected FailureCount 3, got %d", h.FailureCount)
	}
	if h.OpenedAt == nil || h.OpenedAt.Before(before) {
		t.Errorf("unexpected OpenedAt: %v", h.OpenedAt)
	}
	if h.CooldownUntil == nil || !h.CooldownUntil.Equal(h.OpenedAt.Add(time.Minute)) {
		t.Errorf("unexpected CooldownUntil: %v", h.CooldownUntil)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(Config{Name: "web-a", FailureThreshold: 1, Cooldown: time.Minute})

	var transitions []entity.CircuitState
	cb.OnStateChange(func(name string, from, to entity.CircuitState) {
		if name != "web-a" {
			t.Errorf("unexpected name %q", name)
		}
		transitions = append(transitions, to)
	})

	_, _ = cb.Execute(failing(errors.New("boom")))

	if len(transitions) != 1 || transitions[0] != entity.CircuitOpen {
		t.Errorf("expected [open], got %v", transitions)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	a := reg.Register("web-b", entity.CapabilityChannel)
	b := reg.Register("claude", entity.CapabilityInference)
	if again := reg.Register("web-b", entity.CapabilityChannel); again != a {
		t.Error("expected Register to be idempotent")
	}

	if got, ok := reg.Get("claude"); !ok || got != b {
		t.Error("expected Get to return registered breaker")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("expected missing provider to be absent")
	}

	health := reg.Health()
	if len(health) != 2 || health[0].ProviderID != "claude" || health[1].ProviderID != "web-b" {
		t.Fatalf("expected health ordered by id, got %+v", health)
	}
	if reg.AnyOpen() {
		t.Error("expected no open breaker")
	}

	_, _ = a.Execute(failing(errors.New("boom")))
	if !reg.AnyOpen() {
		t.Error("expected AnyOpen after trip")
	}
	if health := reg.Health(); health[1].State != entity.CircuitOpen {
		t.Errorf("expected web-b open, got %s", health[1].State)
	}
}
