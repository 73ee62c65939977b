package repository

import (
	"context"

	"delivery-core/internal/domain/entity"
)

// CampaignRepository persists campaigns and their aggregate counters.
type CampaignRepository interface {
	Create(ctx context.Context, c *entity.Campaign) error
	Get(ctx context.Context, id string) (*entity.Campaign, error)
	// List returns campaigns newest first.
	List(ctx context.Context) ([]*entity.Campaign, error)
	// UpdateStatus moves a campaign from one of the from statuses to to.
	// It returns entity.ErrInvalidTransition when the current status is not in from.
	UpdateStatus(ctx context.Context, id string, to entity.CampaignStatus, from ...entity.CampaignStatus) error
	// ApplyOutcome atomically folds one member's terminal status into the
	// counters and returns the updated campaign.
	ApplyOutcome(ctx context.Context, id string, status entity.Status) (*entity.Campaign, error)
	// AddMembers grows total_count by n. Terminal campaigns return
	// entity.ErrInvalidTransition.
	AddMembers(ctx context.Context, id string, n int) error
}
