package entity

import "time"

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether the campaign accepts no further control actions.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// Campaign is a named batch of queue items controlled as one unit.
type Campaign struct {
	ID             string
	Name           string
	Template       string
	PacingDelay    time.Duration
	Status         CampaignStatus
	SentCount      int
	FailedCount    int
	CancelledCount int
	TotalCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Settled returns the number of members that reached a terminal state.
func (c *Campaign) Settled() int {
	return c.SentCount + c.FailedCount + c.CancelledCount
}

// ApplyOutcome folds one member's terminal status into the aggregate counts
// and completes the campaign once every member has settled.
// Cancelled campaigns keep counting late outcomes but stay cancelled.
func (c *Campaign) ApplyOutcome(status Status, now time.Time) {
	switch status {
	case StatusSent:
		c.SentCount++
	case StatusFailed:
		c.FailedCount++
	case StatusCancelled:
		c.CancelledCount++
	default:
		return
	}
	c.UpdatedAt = now
	if c.Settled() >= c.TotalCount && !c.Status.IsTerminal() {
		c.Status = CampaignCompleted
	}
}
