package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SlidingWindow implements sliding-log admission.
//
// A request at time t is admitted when fewer than limit requests were
// admitted in (t-window, t]. Because the window moves with every request
// there is no boundary at which a burst of 2x limit can slip through, which
// a fixed window reset would allow.
//
// Clock skew protection: the last timestamp seen per key is remembered and a
// clock that moves backwards is clamped to it, so the store log stays ordered
// and a time change cannot reopen a full window.
type SlidingWindow struct {
	clock Clock

	mu             sync.Mutex
	lastTimestamps map[string]time.Time
}

// NewSlidingWindow creates a sliding window algorithm. A nil clock uses SystemClock.
func NewSlidingWindow(clock Clock) *SlidingWindow {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &SlidingWindow{
		clock:          clock,
		lastTimestamps: make(map[string]time.Time),
	}
}

// Check admits or denies one request for key against store.
func (a *SlidingWindow) Check(ctx context.Context, key string, store Store, limit int, window time.Duration) (*Decision, error) {
	now := a.validTimestamp(key)
	cutoff := now.Add(-window)

	w, err := store.CheckAndAdd(ctx, key, now, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("check and add request: %w", err)
	}

	resetAt := now.Add(window)
	if !w.Oldest.IsZero() {
		resetAt = w.Oldest.Add(window)
	}

	d := &Decision{
		Key:       key,
		Allowed:   w.Allowed,
		Limit:     limit,
		Remaining: limit - w.Count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if w.Allowed {
		d.recordedAt = now
	} else {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}

// Snapshot reports the current window for key without recording a request.
func (a *SlidingWindow) Snapshot(ctx context.Context, key string, store Store, limit int, window time.Duration) (Bucket, error) {
	now := a.clock.Now()
	cutoff := now.Add(-window)

	w, err := store.Snapshot(ctx, key, cutoff)
	if err != nil {
		return Bucket{}, fmt.Errorf("snapshot: %w", err)
	}

	b := Bucket{
		Key:         key,
		WindowStart: cutoff,
		Count:       w.Count,
		Limit:       limit,
		WindowSize:  window,
		ResetAt:     now,
	}
	if !w.Oldest.IsZero() {
		b.ResetAt = w.Oldest.Add(window)
	}
	return b, nil
}

func (a *SlidingWindow) validTimestamp(key string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if last, ok := a.lastTimestamps[key]; ok && now.Before(last) {
		slog.Warn("clock skew detected, using last valid timestamp",
			slog.String("key", key),
			slog.Time("now", now),
			slog.Time("last_seen", last),
			slog.Duration("skew", last.Sub(now)))
		return last
	}
	a.lastTimestamps[key] = now
	return now
}

// CleanupExpiredTimestamps forgets skew tracking for keys idle longer than maxAge.
// It returns the number of entries removed.
func (a *SlidingWindow) CleanupExpiredTimestamps(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.clock.Now().Add(-maxAge)
	removed := 0
	for key, ts := range a.lastTimestamps {
		if ts.Before(cutoff) {
			delete(a.lastTimestamps, key)
			removed++
		}
	}
	return removed
}
