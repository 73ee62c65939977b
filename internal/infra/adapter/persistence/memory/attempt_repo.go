package memory

import (
	"context"
	"sync"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

// AttemptRepo is an in-memory repository.AttemptRepository.
type AttemptRepo struct {
	mu       sync.RWMutex
	attempts map[string][]entity.DeliveryAttempt
}

func NewAttemptRepo() *AttemptRepo {
	return &AttemptRepo{attempts: make(map[string][]entity.DeliveryAttempt)}
}

func (r *AttemptRepo) Record(_ context.Context, a *entity.DeliveryAttempt) error {
	r.mu.Lock()
	r.attempts[a.QueueItemID] = append(r.attempts[a.QueueItemID], *a)
	r.mu.Unlock()
	return nil
}

func (r *AttemptRepo) ListByItem(_ context.Context, itemID string) ([]*entity.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.attempts[itemID]
	out := make([]*entity.DeliveryAttempt, len(src))
	for i := range src {
		a := src[i]
		out[i] = &a
	}
	return out, nil
}

var _ repository.AttemptRepository = (*AttemptRepo)(nil)
