// Package notifier announces terminal delivery outcomes to the outside
// world. Every sink implements Publisher so the dispatcher can fan out to
// a broker, a chat webhook, or nothing at all through the same interface.
//
// Publishing is best effort: the dispatcher logs a failed Publish and
// carries on, so sinks must never block a worker for long.
package notifier

import (
	"context"
	"errors"

	"delivery-core/internal/domain/entity"
)

// Publisher sends an outcome event to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev entity.OutcomeEvent) error
}

// Multi publishes every event to each sink in order. A failing sink does
// not stop the others; their errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev entity.OutcomeEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
