package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockClock implements Clock for testing.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func newTestLimiter(clock Clock, limit int, window time.Duration) *Limiter {
	return NewLimiter(Config{
		Policies: map[string]Policy{
			"recipient": {Limit: limit, Window: window},
		},
		MaxKeys: 100,
	}, WithClock(clock))
}

func TestLimiter_DeniesEleventhCallInsideWindow(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newTestLimiter(clock, 10, time.Minute)
	key := RecipientKey("alice")

	for i := 0; i < 10; i++ {
		d := l.Allow(ctx, key)
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, 10-(i+1), d.Remaining)
		clock.Advance(time.Second)
	}

	denied := l.Allow(ctx, key)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, 50*time.Second, denied.RetryAfter)

	// A full window after the first call every slot has slid out.
	clock.Set(time.Date(2025, 1, 1, 0, 1, 10, 0, time.UTC))
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(ctx, key).Allowed, "call %d after window should be allowed", i+1)
	}
}

func TestLimiter_NoBurstAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start.Add(50 * time.Second))
	l := newTestLimiter(clock, 10, time.Minute)
	key := RecipientKey("bob")

	// Ten calls at the end of one minute...
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(ctx, key).Allowed)
	}

	// ...and a fixed window would reset at the minute mark. The sliding window must not.
	clock.Set(start.Add(61 * time.Second))
	assert.False(t, l.Allow(ctx, key).Allowed)

	clock.Set(start.Add(110 * time.Second))
	assert.True(t, l.Allow(ctx, key).Allowed)
}

func TestLimiter_DeniedRequestsAreNotCounted(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newTestLimiter(clock, 2, time.Minute)
	key := RecipientKey("carol")

	require.True(t, l.Allow(ctx, key).Allowed)
	require.True(t, l.Allow(ctx, key).Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow(ctx, key).Allowed)
	}

	b, err := l.Bucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count)
	assert.Equal(t, 2, b.Limit)
	assert.Equal(t, 0, b.Remaining())
	assert.Equal(t, time.Minute, b.WindowSize)
	assert.Equal(t, clock.Now().Add(time.Minute), b.ResetAt)
}

func TestLimiter_AllowAllRefundsEarlierBuckets(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiter(Config{
		Policies: map[string]Policy{
			GlobalKey:   {Limit: 1, Window: time.Minute},
			"recipient": {Limit: 5, Window: time.Minute},
		},
	}, WithClock(clock))

	d := l.AllowAll(ctx, RecipientKey("dave"), GlobalKey)
	require.True(t, d.Allowed)
	assert.Equal(t, GlobalKey, d.Key)

	clock.Advance(time.Second)
	denied := l.AllowAll(ctx, RecipientKey("erin"), GlobalKey)
	require.False(t, denied.Allowed)
	assert.Equal(t, GlobalKey, denied.Key)
	assert.Equal(t, 59*time.Second, denied.RetryAfter)

	erin, err := l.Bucket(ctx, RecipientKey("erin"))
	require.NoError(t, err)
	assert.Equal(t, 0, erin.Count, "denied request is not charged to the recipient")

	dave, err := l.Bucket(ctx, RecipientKey("dave"))
	require.NoError(t, err)
	assert.Equal(t, 1, dave.Count)
}

func TestLimiter_AllowAllStopsAtFirstDenial(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLimiter(Config{
		Policies: map[string]Policy{
			GlobalKey:   {Limit: 10, Window: time.Minute},
			"recipient": {Limit: 1, Window: time.Minute},
		},
	}, WithClock(clock))

	require.True(t, l.AllowAll(ctx, RecipientKey("frank"), GlobalKey).Allowed)
	for i := 0; i < 3; i++ {
		d := l.AllowAll(ctx, RecipientKey("frank"), GlobalKey)
		require.False(t, d.Allowed)
		assert.Equal(t, RecipientKey("frank"), d.Key)
	}

	global, err := l.Bucket(ctx, GlobalKey)
	require.NoError(t, err)
	assert.Equal(t, 1, global.Count)
}

func TestLimiter_AllowAllWithoutKeys(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	assert.Nil(t, l.AllowAll(context.Background()))
}

func TestLimiter_UnlimitedPolicy(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow(context.Background(), GlobalKey).Allowed)
	}
}

func TestLimiter_PolicyResolution(t *testing.T) {
	cfg := Config{
		Policies: map[string]Policy{
			"provider": {Limit: 1, Window: time.Minute},
		},
		Default: Policy{Limit: 3, Window: time.Minute},
	}

	name, p := cfg.policyFor(ProviderKey("web"))
	assert.Equal(t, "provider", name)
	assert.Equal(t, 1, p.Limit)

	name, p = cfg.policyFor(GlobalKey)
	assert.Equal(t, "default", name)
	assert.Equal(t, 3, p.Limit)
}

func TestLimiter_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Now())
	l := newTestLimiter(clock, 25, time.Minute)
	key := RecipientKey("dave")

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, key).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestLimiter_ClockSkewDoesNotReopenWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(now)
	l := newTestLimiter(clock, 1, time.Minute)
	key := RecipientKey("erin")

	require.True(t, l.Allow(ctx, key).Allowed)

	clock.Set(now.Add(-time.Hour))
	assert.False(t, l.Allow(ctx, key).Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Now())
	metrics := NewPrometheusMetrics()
	l := NewLimiter(Config{
		Policies:      map[string]Policy{"recipient": {Limit: 5, Window: time.Minute}},
		CleanupMaxAge: 2 * time.Minute,
	}, WithClock(clock), WithMetrics(metrics))

	for i := 0; i < 3; i++ {
		l.Allow(ctx, RecipientKey(fmt.Sprintf("user-%d", i)))
	}

	clock.Advance(5 * time.Minute)
	require.NoError(t, l.Cleanup(ctx))

	n, err := l.store.KeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, l.algorithm.CleanupExpiredTimestamps(time.Minute))
}

func TestDecision_String(t *testing.T) {
	reset := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	allowed := &Decision{Key: "global", Allowed: true, Limit: 10, Remaining: 4, ResetAt: reset}
	assert.Equal(t, "Decision{Allowed: true, Key: global, Remaining: 4/10, ResetAt: 2025-01-01T00:01:00Z}", allowed.String())

	denied := &Decision{Key: "global", Limit: 10, RetryAfter: 3 * time.Second}
	assert.Equal(t, "Decision{Allowed: false, Key: global, Limit: 10, RetryAfter: 3s}", denied.String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig()},
		{name: "negative limit", cfg: Config{Default: Policy{Limit: -1}}, wantErr: true},
		{name: "limit without window", cfg: Config{Policies: map[string]Policy{"global": {Limit: 3}}}, wantErr: true},
		{name: "empty prefix", cfg: Config{Policies: map[string]Policy{"": {Limit: 3, Window: time.Second}}}, wantErr: true},
		{name: "negative max keys", cfg: Config{MaxKeys: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
