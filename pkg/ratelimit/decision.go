package ratelimit

import (
	"fmt"
	"time"
)

// Decision is the result of a single admission check.
type Decision struct {
	// Key is the bucket that was checked.
	Key string

	// Allowed reports whether the request was admitted and counted.
	Allowed bool

	// Limit is the maximum number of requests per window for this bucket.
	Limit int

	// Remaining is the number of further requests the window admits right now.
	Remaining int

	// ResetAt is when the oldest request in the window slides out and a slot frees up.
	ResetAt time.Time

	// RetryAfter is ResetAt minus the decision time for denied requests, zero otherwise.
	RetryAfter time.Duration

	// Policy names the policy that produced the decision.
	Policy string

	// recordedAt is the timestamp the store logged for an admitted request.
	recordedAt time.Time
}

// String returns a human-readable representation of the decision.
func (d *Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("Decision{Allowed: true, Key: %s, Remaining: %d/%d, ResetAt: %s}",
			d.Key, d.Remaining, d.Limit, d.ResetAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("Decision{Allowed: false, Key: %s, Limit: %d, RetryAfter: %s}",
		d.Key, d.Limit, d.RetryAfter)
}

// Bucket is an observability snapshot of one rate bucket.
type Bucket struct {
	Key         string
	WindowStart time.Time
	Count       int
	Limit       int
	WindowSize  time.Duration
	ResetAt     time.Time
}

// Remaining returns how many requests the bucket admits right now.
func (b Bucket) Remaining() int {
	if r := b.Limit - b.Count; r > 0 {
		return r
	}
	return 0
}
