package entity

import "time"

// Capability groups interchangeable providers.
type Capability string

const (
	CapabilityChannel   Capability = "channel"
	CapabilityInference Capability = "inference"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapabilityChannel || c == CapabilityInference
}

// CircuitState mirrors the breaker states exposed for health reporting.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderHealth is a point-in-time view of one provider's breaker.
type ProviderHealth struct {
	ProviderID    string
	Capability    Capability
	State         CircuitState
	FailureCount  int
	OpenedAt      *time.Time
	CooldownUntil *time.Time
}

// AttemptOutcome is the result recorded for one provider invocation.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
)

// ErrorKind is the retry classification attached to a failed attempt.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPermanent   ErrorKind = "permanent"
	ErrorKindRateLimited ErrorKind = "rate_limited"
)

// DeliveryAttempt is the audit record of a single provider invocation.
type DeliveryAttempt struct {
	QueueItemID   string
	ProviderID    string
	AttemptNumber int
	Outcome       AttemptOutcome
	LatencyMS     int64
	ErrorKind     ErrorKind
	Error         string
	Timestamp     time.Time
}
