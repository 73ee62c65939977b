// Package campaign manages named batches of queue items that are paced,
// paused, resumed and cancelled as one unit.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"delivery-core/internal/common/validation"
	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"

	"github.com/google/uuid"
)

// Recipient is one target of a campaign. Vars fill {{key}} placeholders in
// the campaign template.
type Recipient struct {
	Target string `validate:"required,max=512"`
	Vars   map[string]string
}

// CreateRequest describes a new campaign.
type CreateRequest struct {
	Name       string        `validate:"required,max=200"`
	Template   string        `validate:"required"`
	Recipients []Recipient   `validate:"required,min=1,dive"`
	Pacing     time.Duration `validate:"gte=0"`
	// StartAt is when the first member becomes ready. Nil means now.
	StartAt *time.Time
	// MaxRetries applies to every member. Nil uses entity.DefaultMaxRetries.
	MaxRetries *int `validate:"omitempty,gte=0"`
}

// Manager is the campaign service.
type Manager struct {
	campaigns repository.CampaignRepository
	queue     repository.QueueStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager.
func NewManager(campaigns repository.CampaignRepository, queue repository.QueueStore) *Manager {
	return &Manager{
		campaigns: campaigns,
		queue:     queue,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithClock overrides time.Now and returns m.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create stores the campaign and expands it into one queue item per
// recipient. Member i is scheduled at StartAt + i*Pacing with normal priority.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*entity.Campaign, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	now := m.now()
	start := now
	if req.StartAt != nil && req.StartAt.After(now) {
		start = *req.StartAt
	}
	maxRetries := entity.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	c := &entity.Campaign{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Template:    req.Template,
		PacingDelay: req.Pacing,
		Status:      entity.CampaignDraft,
		TotalCount:  len(req.Recipients),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	for i, r := range req.Recipients {
		scheduled := start.Add(time.Duration(i) * req.Pacing)
		campaignID := c.ID
		item := &entity.QueueItem{
			Target:      r.Target,
			Payload:     Render(req.Template, r.Vars),
			Kind:        entity.KindCampaignMember,
			Priority:    entity.PriorityNormal,
			ScheduledAt: &scheduled,
			CampaignID:  &campaignID,
			MaxRetries:  maxRetries,
		}
		if _, err := m.queue.Enqueue(ctx, item); err != nil {
			m.abort(ctx, c.ID)
			return nil, fmt.Errorf("Create: enqueue member %d: %w", i, err)
		}
	}

	if err := m.campaigns.UpdateStatus(ctx, c.ID, entity.CampaignRunning, entity.CampaignDraft); err != nil {
		// Members are leasable as soon as they are enqueued, so the campaign
		// may already have completed.
		current, getErr := m.campaigns.Get(ctx, c.ID)
		if !errors.Is(err, entity.ErrInvalidTransition) || getErr != nil || current.Status != entity.CampaignCompleted {
			return nil, fmt.Errorf("Create: start: %w", err)
		}
		c = current
	} else {
		c.Status = entity.CampaignRunning
	}

	m.logger.Info("campaign created",
		slog.String("campaign_id", c.ID),
		slog.String("name", c.Name),
		slog.Int("members", c.TotalCount),
		slog.Duration("pacing", c.PacingDelay))
	return c, nil
}

// abort cancels a campaign whose expansion failed part way.
func (m *Manager) abort(ctx context.Context, id string) {
	if err := m.Cancel(ctx, id); err != nil {
		m.logger.Error("failed to abort partially created campaign",
			slog.String("campaign_id", id),
			slog.Any("error", err))
	}
}

// Get returns the campaign with its aggregate counters.
func (m *Manager) Get(ctx context.Context, id string) (*entity.Campaign, error) {
	c, err := m.campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return c, nil
}

// List returns every campaign, newest first.
func (m *Manager) List(ctx context.Context) ([]*entity.Campaign, error) {
	cs, err := m.campaigns.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return cs, nil
}

// Progress returns member counts by queue status.
func (m *Manager) Progress(ctx context.Context, id string) (map[entity.Status]int, error) {
	if _, err := m.campaigns.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("Progress: %w", err)
	}
	counts, err := m.queue.CountByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Progress: %w", err)
	}
	return counts, nil
}

// Pause stops members from being leased. Members already in flight finish.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if err := m.campaigns.UpdateStatus(ctx, id, entity.CampaignPaused, entity.CampaignRunning); err != nil {
		return fmt.Errorf("Pause: %w", err)
	}
	if err := m.queue.SetCampaignPaused(ctx, id, true); err != nil {
		return fmt.Errorf("Pause: %w", err)
	}
	m.logger.Info("campaign paused", slog.String("campaign_id", id))
	return nil
}

// Resume makes a paused campaign's members leasable again.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.campaigns.UpdateStatus(ctx, id, entity.CampaignRunning, entity.CampaignPaused); err != nil {
		return fmt.Errorf("Resume: %w", err)
	}
	if err := m.queue.SetCampaignPaused(ctx, id, false); err != nil {
		return fmt.Errorf("Resume: %w", err)
	}
	m.logger.Info("campaign resumed", slog.String("campaign_id", id))
	return nil
}

// Cancel cancels the campaign and every member that has not settled.
// Pending members are cancelled at once; members being dispatched get a
// cancel request and settle through the scheduler.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	err := m.campaigns.UpdateStatus(ctx, id, entity.CampaignCancelled,
		entity.CampaignDraft, entity.CampaignRunning, entity.CampaignPaused)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	members, err := m.queue.ListByCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}

	cancelled, requested := 0, 0
	for _, it := range members {
		if it.Status.IsTerminal() {
			continue
		}
		status, err := m.queue.Cancel(ctx, it.ID)
		switch {
		case errors.Is(err, entity.ErrInvalidTransition):
			// Settled between the listing and the cancel.
			continue
		case err != nil:
			return fmt.Errorf("Cancel: member %s: %w", it.ID, err)
		case status == entity.StatusCancelled:
			cancelled++
			if _, err := m.campaigns.ApplyOutcome(ctx, id, entity.StatusCancelled); err != nil {
				return fmt.Errorf("Cancel: record member %s: %w", it.ID, err)
			}
		default:
			requested++
		}
	}

	m.logger.Info("campaign cancelled",
		slog.String("campaign_id", id),
		slog.Int("members_cancelled", cancelled),
		slog.Int("members_cancel_requested", requested))
	return nil
}

// IsPaused reports whether the campaign is paused.
func (m *Manager) IsPaused(ctx context.Context, id string) (bool, error) {
	c, err := m.campaigns.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("IsPaused: %w", err)
	}
	return c.Status == entity.CampaignPaused, nil
}

// RecordOutcome folds a member's terminal status into the campaign counters.
func (m *Manager) RecordOutcome(ctx context.Context, id string, status entity.Status) error {
	c, err := m.campaigns.ApplyOutcome(ctx, id, status)
	if err != nil {
		return fmt.Errorf("RecordOutcome: %w", err)
	}
	if c.Status == entity.CampaignCompleted && c.Settled() == c.TotalCount {
		m.logger.Info("campaign completed",
			slog.String("campaign_id", c.ID),
			slog.Int("sent", c.SentCount),
			slog.Int("failed", c.FailedCount),
			slog.Int("cancelled", c.CancelledCount))
	}
	return nil
}

// Render substitutes {{key}} placeholders in template with vars.
// Unknown placeholders are left as they are.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	pairs := make([]string, 0, len(vars)*4)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v, "{{ "+k+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
