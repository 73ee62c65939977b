package retry

import (
	"errors"
	"math/rand"
	"time"

	"delivery-core/internal/domain/entity"
)

// Policy computes backoff delays and requeue decisions for failed queue items.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration

	// JitterMax bounds the random delay added on top of the backoff.
	JitterMax time.Duration

	// Multiplier is the growth factor between retries.
	Multiplier float64

	// jitter returns a value in [0, 1). Nil uses math/rand.
	jitter func() float64
}

// DefaultPolicy returns the default item retry policy: 1s doubling up to 60s
// with up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		JitterMax:  time.Second,
		Multiplier: 2.0,
	}
}

// Decision is the outcome of Decide for a failed dispatch.
type Decision struct {
	// Kind is the error classification.
	Kind entity.ErrorKind

	// Terminal is true when the item must be marked failed.
	Terminal bool

	// Delay is the wait before the next attempt. Zero when Terminal.
	Delay time.Duration

	// NextAttemptAt is now + Delay. Zero when Terminal.
	NextAttemptAt time.Time

	// Reason explains a terminal decision: "permanent" or "retries_exhausted".
	Reason string
}

// Classify maps an error onto the retry taxonomy.
//
// AllProvidersFailedError is permanent only when every provider rejected the
// item permanently, and rate limited only when every provider was rate
// limited. Circuit-open errors are transient.
func Classify(err error) entity.ErrorKind {
	if err == nil {
		return entity.ErrorKindNone
	}

	// Checked first: its Unwrap exposes the per-provider errors to errors.As.
	var allErr *entity.AllProvidersFailedError
	if errors.As(err, &allErr) {
		return classifyAll(allErr)
	}
	return classifyOne(err)
}

func classifyOne(err error) entity.ErrorKind {
	var openErr *entity.CircuitOpenError
	var rateErr *entity.RateLimitedError
	var permErr *entity.PermanentProviderError
	var valErr *entity.ValidationError

	switch {
	case errors.As(err, &openErr):
		return entity.ErrorKindTransient
	case errors.As(err, &rateErr):
		return entity.ErrorKindRateLimited
	case errors.As(err, &permErr), errors.As(err, &valErr):
		return entity.ErrorKindPermanent
	}
	return entity.ErrorKindTransient
}

func classifyAll(allErr *entity.AllProvidersFailedError) entity.ErrorKind {
	if len(allErr.Errors) == 0 {
		return entity.ErrorKindTransient
	}

	permanent, limited := 0, 0
	for _, e := range allErr.Errors {
		switch classifyOne(e) {
		case entity.ErrorKindPermanent:
			permanent++
		case entity.ErrorKindRateLimited:
			limited++
		}
	}

	switch len(allErr.Errors) {
	case permanent:
		return entity.ErrorKindPermanent
	case limited:
		return entity.ErrorKindRateLimited
	}
	return entity.ErrorKindTransient
}

// RetryAfter returns the provider-supplied retry-after hint carried by err.
// For an AllProvidersFailedError it is the shortest positive hint.
func RetryAfter(err error) time.Duration {
	var allErr *entity.AllProvidersFailedError
	if errors.As(err, &allErr) {
		var shortest time.Duration
		for _, e := range allErr.Errors {
			if d := RetryAfter(e); d > 0 && (shortest == 0 || d < shortest) {
				shortest = d
			}
		}
		return shortest
	}

	var rateErr *entity.RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter
	}
	return 0
}

// Backoff returns the delay before retry number retryCount (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(retryCount-1)) plus jitter in [0, JitterMax].
func (p Policy) Backoff(retryCount int) time.Duration {
	return p.exponential(retryCount) + p.addedJitter()
}

func (p Policy) exponential(retryCount int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	delay := float64(base)
	for i := 1; i < retryCount; i++ {
		delay *= mult
		if delay >= float64(maxDelay) {
			return maxDelay
		}
	}
	return time.Duration(delay)
}

func (p Policy) addedJitter() time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	f := p.jitter
	if f == nil {
		// #nosec G404 -- jitter does not need cryptographic randomness.
		f = rand.Float64
	}
	return time.Duration(f() * float64(p.JitterMax))
}

// Decide returns what to do with item after a failed dispatch at now.
// Permanent errors and an exhausted retry budget are terminal. Everything else
// is requeued with retry_count+1; a rate-limited error waits for the
// provider-supplied retry-after when there is one.
func (p Policy) Decide(item *entity.QueueItem, err error, now time.Time) Decision {
	kind := Classify(err)
	if kind == entity.ErrorKindNone {
		kind = entity.ErrorKindTransient
	}

	if kind == entity.ErrorKindPermanent {
		return Decision{Kind: kind, Terminal: true, Reason: "permanent"}
	}
	if item.RetriesExhausted() {
		return Decision{Kind: kind, Terminal: true, Reason: "retries_exhausted"}
	}

	delay := p.Backoff(item.RetryCount + 1)
	if kind == entity.ErrorKindRateLimited {
		if hint := RetryAfter(err); hint > 0 {
			delay = hint
		}
	}

	return Decision{
		Kind:          kind,
		Delay:         delay,
		NextAttemptAt: now.Add(delay),
	}
}
