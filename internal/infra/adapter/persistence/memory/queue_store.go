// Package memory provides in-process implementations of the delivery
// repositories. They back tests and single-process deployments that accept
// losing queued work on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"

	"github.com/google/uuid"
)

// QueueStore is an in-memory repository.QueueStore. A single mutex
// serializes every state change, which makes each lease a compare-and-set.
type QueueStore struct {
	mu    sync.Mutex
	items map[string]*entity.QueueItem
	now   func() time.Time
}

// Option configures a memory store.
type Option func(*QueueStore)

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *QueueStore) { s.now = now }
}

// NewQueueStore creates an empty in-memory queue.
func NewQueueStore(opts ...Option) *QueueStore {
	s := &QueueStore{
		items: make(map[string]*entity.QueueItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueueStore) Enqueue(_ context.Context, item *entity.QueueItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := item.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.items[stored.ID]; exists {
		return "", fmt.Errorf("Enqueue: item %s already exists: %w", stored.ID, entity.ErrInvalidInput)
	}

	now := s.now()
	stored.Status = entity.StatusPending
	stored.LeaseExpiresAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.NextAttemptAt.IsZero() {
		stored.NextAttemptAt = now
	}

	s.items[stored.ID] = stored
	item.ID = stored.ID
	return stored.ID, nil
}

func (s *QueueStore) LeaseNext(_ context.Context, n int, now time.Time, leaseFor time.Duration) ([]*entity.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]*entity.QueueItem, 0)
	for _, it := range s.items {
		if it.Status != entity.StatusPending || it.Paused || it.ReadyAt().After(now) {
			continue
		}
		ready = append(ready, it)
	}
	entity.SortForLease(ready)

	if len(ready) > n {
		ready = ready[:n]
	}

	expires := now.Add(leaseFor)
	leased := make([]*entity.QueueItem, 0, len(ready))
	for _, it := range ready {
		it.Status = entity.StatusProcessing
		lease := expires
		it.LeaseExpiresAt = &lease
		it.UpdatedAt = now
		leased = append(leased, it.Clone())
	}
	return leased, nil
}

func (s *QueueStore) Complete(_ context.Context, id string, outcome entity.Status, lastError string) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("Complete: outcome %q: %w", outcome, entity.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("Complete: %w", entity.ErrNotFound)
	}
	if it.Status != entity.StatusProcessing {
		return fmt.Errorf("Complete: item %s is %s: %w", id, it.Status, repository.ErrLeaseLost)
	}

	it.Status = outcome
	it.LastError = lastError
	it.LeaseExpiresAt = nil
	it.UpdatedAt = s.now()
	return nil
}

func (s *QueueStore) Requeue(_ context.Context, id string, nextAttemptAt time.Time, lastError string, consumeRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("Requeue: %w", entity.ErrNotFound)
	}
	if it.Status != entity.StatusProcessing {
		return fmt.Errorf("Requeue: item %s is %s: %w", id, it.Status, repository.ErrLeaseLost)
	}

	it.Status = entity.StatusPending
	it.NextAttemptAt = nextAttemptAt
	it.LastError = lastError
	it.LeaseExpiresAt = nil
	if consumeRetry {
		it.RetryCount++
	}
	it.UpdatedAt = s.now()
	return nil
}

func (s *QueueStore) Cancel(_ context.Context, id string) (entity.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return "", fmt.Errorf("Cancel: %w", entity.ErrNotFound)
	}

	switch it.Status {
	case entity.StatusPending:
		it.Status = entity.StatusCancelled
	case entity.StatusProcessing:
		it.CancelRequested = true
	default:
		return it.Status, fmt.Errorf("Cancel: item %s is %s: %w", id, it.Status, entity.ErrInvalidTransition)
	}
	it.UpdatedAt = s.now()
	return it.Status, nil
}

func (s *QueueStore) Get(_ context.Context, id string) (*entity.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("Get: %w", entity.ErrNotFound)
	}
	return it.Clone(), nil
}

func (s *QueueStore) ListByCampaign(_ context.Context, campaignID string) ([]*entity.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*entity.QueueItem, 0)
	for _, it := range s.items {
		if it.CampaignID != nil && *it.CampaignID == campaignID {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ki, kj := out[i].OrderKey(), out[j].OrderKey(); !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *QueueStore) CountByCampaign(_ context.Context, campaignID string) (map[entity.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[entity.Status]int)
	for _, it := range s.items {
		if it.CampaignID != nil && *it.CampaignID == campaignID {
			counts[it.Status]++
		}
	}
	return counts, nil
}

func (s *QueueStore) SetCampaignPaused(_ context.Context, campaignID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if it.CampaignID != nil && *it.CampaignID == campaignID && !it.Status.IsTerminal() {
			it.Paused = paused
		}
	}
	return nil
}

func (s *QueueStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, it := range s.items {
		if it.Status != entity.StatusProcessing || it.LeaseExpiresAt == nil || it.LeaseExpiresAt.After(now) {
			continue
		}
		it.Status = entity.StatusPending
		it.LeaseExpiresAt = nil
		it.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

func (s *QueueStore) PurgeTerminal(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, it := range s.items {
		if it.Status.IsTerminal() && it.UpdatedAt.Before(olderThan) {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

var _ repository.QueueStore = (*QueueStore)(nil)
