package notifier

import (
	"context"

	"delivery-core/internal/domain/entity"
)

// NoOpPublisher discards every event. It is used when no sink is
// configured so callers need no nil checks.
type NoOpPublisher struct{}

// NewNoOpPublisher creates a NoOpPublisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

// Publish does nothing.
func (n *NoOpPublisher) Publish(context.Context, entity.OutcomeEvent) error {
	return nil
}
