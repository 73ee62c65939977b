package repository

import (
	"context"

	"delivery-core/internal/domain/entity"
)

// AttemptRepository stores the audit trail of provider invocations.
type AttemptRepository interface {
	Record(ctx context.Context, a *entity.DeliveryAttempt) error
	// ListByItem returns the attempts for one queue item oldest first.
	ListByItem(ctx context.Context, itemID string) ([]*entity.DeliveryAttempt, error)
}
