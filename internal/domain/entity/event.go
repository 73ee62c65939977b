package entity

import "time"

// OutcomeEvent announces that a queue item reached a terminal status.
type OutcomeEvent struct {
	ItemID     string    `json:"item_id"`
	Status     Status    `json:"status"`
	ProviderID string    `json:"provider_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
