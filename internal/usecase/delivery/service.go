// Package delivery is the entry point for callers that enqueue work and
// query its progress.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"delivery-core/internal/common/validation"
	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

// EnqueueRequest describes one unit of outbound work.
type EnqueueRequest struct {
	Target   string          `validate:"required,max=512"`
	Payload  string          `validate:"required,max=65536"`
	Kind     entity.Kind     `validate:"omitempty,oneof=single campaign_member scheduled inference"`
	Priority entity.Priority `validate:"omitempty,oneof=urgent high normal low"`
	// ScheduledAt defers the first dispatch. A time in the past means now.
	ScheduledAt *time.Time
	CampaignID  *string `validate:"omitempty,min=1"`
	// MaxRetries nil uses entity.DefaultMaxRetries.
	MaxRetries *int `validate:"omitempty,gte=0,lte=100"`
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	ItemID string
	Status entity.Status
}

// ItemStatus is the externally visible state of a queue item.
type ItemStatus struct {
	Item     *entity.QueueItem
	Status   entity.Status
	Attempts []*entity.DeliveryAttempt
	// LastError is the most recent failure, empty after a clean delivery.
	LastError string
}

// Service implements enqueue, status and cancel.
type Service struct {
	queue     repository.QueueStore
	attempts  repository.AttemptRepository
	campaigns repository.CampaignRepository
	logger    *slog.Logger
}

// NewService creates a Service. campaigns may be nil when campaign members
// are never enqueued directly.
func NewService(queue repository.QueueStore, attempts repository.AttemptRepository, campaigns repository.CampaignRepository) *Service {
	return &Service{
		queue:     queue,
		attempts:  attempts,
		campaigns: campaigns,
		logger:    slog.Default(),
	}
}

// Enqueue validates req and stores a pending item.
//
// Defaults: kind single (scheduled when ScheduledAt is set, campaign_member
// when CampaignID is set), priority normal, entity.DefaultMaxRetries.
// A campaign member joins an existing campaign that has not finished.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	item := &entity.QueueItem{
		Target:      req.Target,
		Payload:     req.Payload,
		Kind:        req.Kind,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		CampaignID:  req.CampaignID,
		MaxRetries:  entity.DefaultMaxRetries,
	}
	if req.MaxRetries != nil {
		item.MaxRetries = *req.MaxRetries
	}
	if item.Priority == "" {
		item.Priority = entity.PriorityNormal
	}
	if item.Kind == "" {
		switch {
		case item.CampaignID != nil:
			item.Kind = entity.KindCampaignMember
		case item.ScheduledAt != nil:
			item.Kind = entity.KindScheduled
		default:
			item.Kind = entity.KindSingle
		}
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	if item.CampaignID != nil {
		if err := s.joinCampaign(ctx, item); err != nil {
			return nil, err
		}
	}

	id, err := s.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("Enqueue: %w", err)
	}

	s.logger.Info("item enqueued",
		slog.String("item_id", id),
		slog.String("kind", string(item.Kind)),
		slog.String("priority", string(item.Priority)))
	return &EnqueueResult{ItemID: id, Status: entity.StatusPending}, nil
}

func (s *Service) joinCampaign(ctx context.Context, item *entity.QueueItem) error {
	if s.campaigns == nil {
		return &entity.ValidationError{Field: "campaign_id", Message: "campaigns are not enabled"}
	}
	c, err := s.campaigns.Get(ctx, *item.CampaignID)
	if errors.Is(err, entity.ErrNotFound) {
		return &entity.ValidationError{Field: "campaign_id", Message: "unknown campaign"}
	}
	if err != nil {
		return fmt.Errorf("Enqueue: %w", err)
	}
	if err := s.campaigns.AddMembers(ctx, c.ID, 1); err != nil {
		if errors.Is(err, entity.ErrInvalidTransition) {
			return &entity.ValidationError{Field: "campaign_id", Message: fmt.Sprintf("campaign is %s", c.Status)}
		}
		return fmt.Errorf("Enqueue: %w", err)
	}
	item.Paused = c.Status == entity.CampaignPaused
	return nil
}

// Status returns the item with its attempt history.
func (s *Service) Status(ctx context.Context, id string) (*ItemStatus, error) {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	attempts, err := s.attempts.ListByItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return &ItemStatus{
		Item:      item,
		Status:    item.Status,
		Attempts:  attempts,
		LastError: item.LastError,
	}, nil
}

// Cancel cancels a pending item at once and asks the worker holding a
// processing item to cancel it. It returns the status after the call.
func (s *Service) Cancel(ctx context.Context, id string) (entity.Status, error) {
	status, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return status, fmt.Errorf("Cancel: %w", err)
	}

	if status == entity.StatusCancelled {
		item, err := s.queue.Get(ctx, id)
		if err == nil && item.CampaignID != nil && s.campaigns != nil {
			if _, err := s.campaigns.ApplyOutcome(ctx, *item.CampaignID, entity.StatusCancelled); err != nil {
				s.logger.Error("failed to record campaign outcome",
					slog.String("item_id", id),
					slog.Any("error", err))
			}
		}
	}
	s.logger.Info("item cancel requested", slog.String("item_id", id), slog.String("status", string(status)))
	return status, nil
}
