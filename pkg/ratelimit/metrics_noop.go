package ratelimit

import "time"

// NoOpMetrics implements Metrics and records nothing.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new NoOpMetrics instance.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) RecordAllowed(policy string)                               {}
func (m *NoOpMetrics) RecordDenied(policy string)                                {}
func (m *NoOpMetrics) RecordCheckDuration(policy string, duration time.Duration) {}
func (m *NoOpMetrics) SetActiveKeys(count int)                                   {}
func (m *NoOpMetrics) RecordEviction(count int)                                  {}
