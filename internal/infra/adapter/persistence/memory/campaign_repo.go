package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

// CampaignRepo is an in-memory repository.CampaignRepository.
type CampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*entity.Campaign
}

func NewCampaignRepo() *CampaignRepo {
	return &CampaignRepo{campaigns: make(map[string]*entity.Campaign)}
}

func (r *CampaignRepo) Create(_ context.Context, c *entity.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.campaigns[c.ID]; exists {
		return fmt.Errorf("Create: campaign %s already exists: %w", c.ID, entity.ErrInvalidInput)
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepo) Get(_ context.Context, id string) (*entity.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("Get: %w", entity.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) List(_ context.Context) ([]*entity.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entity.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *CampaignRepo) UpdateStatus(_ context.Context, id string, to entity.CampaignStatus, from ...entity.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return fmt.Errorf("UpdateStatus: %w", entity.ErrNotFound)
	}
	if !slices.Contains(from, c.Status) {
		return fmt.Errorf("UpdateStatus: campaign %s is %s: %w", id, c.Status, entity.ErrInvalidTransition)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CampaignRepo) ApplyOutcome(_ context.Context, id string, status entity.Status) (*entity.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("ApplyOutcome: %w", entity.ErrNotFound)
	}
	c.ApplyOutcome(status, time.Now())
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) AddMembers(_ context.Context, id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return fmt.Errorf("AddMembers: %w", entity.ErrNotFound)
	}
	if c.Status.IsTerminal() {
		return fmt.Errorf("AddMembers: campaign %s is %s: %w", id, c.Status, entity.ErrInvalidTransition)
	}
	c.TotalCount += n
	c.UpdatedAt = time.Now()
	return nil
}

var _ repository.CampaignRepository = (*CampaignRepo)(nil)
