// Package ratelimit provides sliding-window admission control keyed by bucket.
//
// Buckets are plain strings such as "global", "provider:web" or
// "recipient:+15550001111". The part before the first colon selects the
// Policy applied to the bucket.
package ratelimit

import (
	"context"
	"time"
)

// Store holds the request log for each bucket. All methods must be thread-safe.
type Store interface {
	// CheckAndAdd atomically counts the requests recorded after cutoff and,
	// when the count is below limit, records timestamp. The check and the add
	// must happen under a single lock so concurrent callers cannot overshoot.
	CheckAndAdd(ctx context.Context, key string, timestamp, cutoff time.Time, limit int) (Window, error)

	// Remove forgets one request recorded at timestamp. It undoes a
	// CheckAndAdd whose request was never sent.
	Remove(ctx context.Context, key string, timestamp time.Time) error

	// Snapshot returns the current window for key without recording a request.
	Snapshot(ctx context.Context, key string, cutoff time.Time) (Window, error)

	// Cleanup drops timestamps at or before cutoff and forgets empty buckets.
	Cleanup(ctx context.Context, cutoff time.Time) error

	// KeyCount returns the number of buckets currently tracked.
	KeyCount(ctx context.Context) (int, error)
}

// Window describes the requests a store holds for one bucket inside the current window.
type Window struct {
	// Allowed is set by CheckAndAdd when the request was recorded.
	Allowed bool

	// Count is the number of requests in the window, including the recorded one.
	Count int

	// Oldest is the earliest timestamp still inside the window. Zero when Count is 0.
	Oldest time.Time
}

// Metrics records limiter decisions.
type Metrics interface {
	RecordAllowed(policy string)
	RecordDenied(policy string)
	RecordCheckDuration(policy string, duration time.Duration)
	SetActiveKeys(count int)
	RecordEviction(count int)
}

// Clock abstracts time so tests can drive the window deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}
