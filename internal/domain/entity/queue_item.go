package entity

import (
	"fmt"
	"sort"
	"time"
)

// Kind describes what a queue item delivers and therefore which provider
// capability it needs.
type Kind string

const (
	KindSingle         Kind = "single"
	KindCampaignMember Kind = "campaign_member"
	KindScheduled      Kind = "scheduled"
	KindInference      Kind = "inference"
)

// Capability returns the provider capability required to deliver an item of this kind.
func (k Kind) Capability() Capability {
	if k == KindInference {
		return CapabilityInference
	}
	return CapabilityChannel
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSingle, KindCampaignMember, KindScheduled, KindInference:
		return true
	}
	return false
}

// Priority is the dispatch tier of a queue item.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; higher ranks dispatch first. Unknown priorities rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// PriorityFromRank is the inverse of Rank. Out of range values map to normal.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityUrgent
	case 2:
		return PriorityHigh
	case 0:
		return PriorityLow
	}
	return PriorityNormal
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a legal step:
//
//	pending    -> processing | failed | cancelled
//	processing -> sent | pending | failed | cancelled
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed || next == StatusCancelled
	case StatusProcessing:
		return next == StatusSent || next == StatusPending || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// DefaultMaxRetries is applied when an enqueue request leaves MaxRetries unset.
const DefaultMaxRetries = 5

// QueueItem is a unit of outbound work held by the queue store.
type QueueItem struct {
	ID              string
	Target          string
	Payload         string
	Kind            Kind
	Priority        Priority
	ScheduledAt     *time.Time
	Status          Status
	RetryCount      int
	MaxRetries      int
	LastError       string
	CampaignID      *string
	CancelRequested bool
	LeaseExpiresAt  *time.Time
	NextAttemptAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Paused mirrors the campaign's paused state; paused items are not leased.
	Paused bool
}

// Validate checks the fields an enqueue caller controls.
func (q *QueueItem) Validate() error {
	if q.Target == "" {
		return &ValidationError{Field: "target", Message: "target is required"}
	}
	if q.Payload == "" {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	if !q.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", q.Kind)}
	}
	if !q.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", q.Priority)}
	}
	if q.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "max_retries must not be negative"}
	}
	if q.Kind == KindCampaignMember && (q.CampaignID == nil || *q.CampaignID == "") {
		return &ValidationError{Field: "campaign_id", Message: "campaign members require a campaign_id"}
	}
	if q.Kind == KindScheduled && q.ScheduledAt == nil {
		return &ValidationError{Field: "scheduled_at", Message: "scheduled items require scheduled_at"}
	}
	return nil
}

// ReadyAt is the earliest time the item may be leased.
func (q *QueueItem) ReadyAt() time.Time {
	ready := q.NextAttemptAt
	if q.ScheduledAt != nil && q.ScheduledAt.After(ready) {
		ready = *q.ScheduledAt
	}
	return ready
}

// OrderKey returns the timestamp used to order items within one priority tier.
func (q *QueueItem) OrderKey() time.Time {
	if q.ScheduledAt != nil {
		return *q.ScheduledAt
	}
	return q.CreatedAt
}

// RetriesExhausted reports whether one more retry would exceed MaxRetries.
func (q *QueueItem) RetriesExhausted() bool {
	return q.RetryCount >= q.MaxRetries
}

// Clone returns a deep copy so stores can hand out items without sharing pointers.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	if q.ScheduledAt != nil {
		t := *q.ScheduledAt
		c.ScheduledAt = &t
	}
	if q.CampaignID != nil {
		id := *q.CampaignID
		c.CampaignID = &id
	}
	if q.LeaseExpiresAt != nil {
		t := *q.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

// SortForLease orders items the way they are leased: priority descending,
// then scheduled_at (or created_at) ascending, then created_at and id.
func SortForLease(items []*QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if ka, kb := a.OrderKey(), b.OrderKey(); !ka.Equal(kb) {
			return ka.Before(kb)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
