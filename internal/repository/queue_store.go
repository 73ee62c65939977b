package repository

import (
	"context"
	"errors"
	"time"

	"delivery-core/internal/domain/entity"
)

// ErrLeaseLost is returned when a conditional update finds the item no longer
// in the expected state: another worker holds it, its lease expired and was
// reclaimed, or it already reached a terminal status.
var ErrLeaseLost = errors.New("queue item lease lost")

// QueueStore is the durable priority queue of delivery work.
//
// Every state change is a conditional update on the item's current status so
// that at most one worker holds an item at a time.
type QueueStore interface {
	// Enqueue validates and persists a new pending item and returns its id.
	// An empty ID is assigned a new uuid. Invalid items return *entity.ValidationError.
	Enqueue(ctx context.Context, item *entity.QueueItem) (string, error)

	// LeaseNext claims up to n ready items and marks them processing until
	// now+leaseFor. An item is ready when it is pending, its scheduled_at and
	// next_attempt_at are not after now, and its campaign is not paused.
	// Items are returned by priority descending, then scheduled_at (or
	// created_at) ascending.
	LeaseNext(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]*entity.QueueItem, error)

	// Complete moves a processing item to a terminal status (sent, failed or
	// cancelled) and clears its lease.
	Complete(ctx context.Context, id string, outcome entity.Status, lastError string) error

	// Requeue returns a processing item to pending with the given next attempt
	// time. consumeRetry increments retry_count.
	Requeue(ctx context.Context, id string, nextAttemptAt time.Time, lastError string, consumeRetry bool) error

	// Cancel cancels a pending item immediately. A processing item only gets
	// cancel_requested set; the worker holding it decides. Cancelling a
	// terminal item returns entity.ErrInvalidTransition.
	Cancel(ctx context.Context, id string) (entity.Status, error)

	// Get returns the item with the given id or entity.ErrNotFound.
	Get(ctx context.Context, id string) (*entity.QueueItem, error)

	// ListByCampaign returns all members of a campaign ordered by scheduled_at.
	ListByCampaign(ctx context.Context, campaignID string) ([]*entity.QueueItem, error)

	// CountByCampaign returns member counts keyed by status.
	CountByCampaign(ctx context.Context, campaignID string) (map[entity.Status]int, error)

	// SetCampaignPaused marks whether the campaign's members may be leased.
	SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error

	// ReclaimExpired reverts processing items whose lease expired at or before
	// now back to pending and returns how many were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// PurgeTerminal deletes terminal items last updated before olderThan.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}
