package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"

	"github.com/google/uuid"
)

// DBTX is the subset of *sql.DB the repositories use. A
// *circuitbreaker.DBCircuitBreaker satisfies it as well.
type DBTX interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const queueColumns = `id, target, payload, kind, priority, scheduled_at, status, retry_count, max_retries,
last_error, campaign_id, cancel_requested, paused, lease_expires_at, next_attempt_at, created_at, updated_at`

type QueueStore struct {
	db  DBTX
	now func() time.Time
}

// NewQueueStore returns a PostgreSQL backed queue.
func NewQueueStore(db DBTX) *QueueStore {
	return &QueueStore{db: db, now: time.Now}
}

// WithClock overrides the clock used for created_at and updated_at.
func (s *QueueStore) WithClock(now func() time.Time) *QueueStore {
	s.now = now
	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row scanner) (*entity.QueueItem, error) {
	var (
		it         entity.QueueItem
		kind       string
		rank       int
		status     string
		campaignID sql.NullString
	)
	if err := row.Scan(
		&it.ID, &it.Target, &it.Payload, &kind, &rank, &it.ScheduledAt, &status,
		&it.RetryCount, &it.MaxRetries, &it.LastError, &campaignID, &it.CancelRequested,
		&it.Paused, &it.LeaseExpiresAt, &it.NextAttemptAt, &it.CreatedAt, &it.UpdatedAt,
	); err != nil {
		return nil, err
	}
	it.Kind = entity.Kind(kind)
	it.Priority = entity.PriorityFromRank(rank)
	it.Status = entity.Status(status)
	if campaignID.Valid {
		id := campaignID.String
		it.CampaignID = &id
	}
	return &it, nil
}

func scanQueueItems(rows *sql.Rows) ([]*entity.QueueItem, error) {
	items := make([]*entity.QueueItem, 0, 16)
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *QueueStore) Enqueue(ctx context.Context, item *entity.QueueItem) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	next := item.NextAttemptAt
	if next.IsZero() {
		next = now
	}

	const query = `
INSERT INTO queue_items
  (id, target, payload, kind, priority, scheduled_at, status, retry_count, max_retries,
   last_error, campaign_id, paused, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, '', $8, $9, $10, $11, $11)`
	if _, err := s.db.ExecContext(ctx, query,
		id, item.Target, item.Payload, string(item.Kind), item.Priority.Rank(), item.ScheduledAt,
		item.MaxRetries, item.CampaignID, item.Paused, next, now,
	); err != nil {
		return "", fmt.Errorf("Enqueue: %w", err)
	}

	item.ID = id
	return id, nil
}

// LeaseNext claims ready rows in one statement. FOR UPDATE SKIP LOCKED lets
// concurrent workers lease disjoint batches without blocking each other.
func (s *QueueStore) LeaseNext(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]*entity.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	const query = `
UPDATE queue_items
SET status = 'processing', lease_expires_at = $3, updated_at = $1
WHERE id IN (
    SELECT id FROM queue_items
    WHERE status = 'pending'
      AND paused = FALSE
      AND next_attempt_at <= $1
      AND (scheduled_at IS NULL OR scheduled_at <= $1)
    ORDER BY priority DESC, COALESCE(scheduled_at, created_at) ASC, created_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
AND status = 'pending'
RETURNING ` + queueColumns
	rows, err := s.db.QueryContext(ctx, query, now, n, now.Add(leaseFor))
	if err != nil {
		return nil, fmt.Errorf("LeaseNext: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("LeaseNext: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	entity.SortForLease(items)
	return items, nil
}

func (s *QueueStore) Complete(ctx context.Context, id string, outcome entity.Status, lastError string) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("Complete: outcome %q: %w", outcome, entity.ErrInvalidTransition)
	}

	const query = `
UPDATE queue_items
SET status = $2, last_error = $3, lease_expires_at = NULL, updated_at = $4
WHERE id = $1 AND status = 'processing'`
	res, err := s.db.ExecContext(ctx, query, id, string(outcome), lastError, s.now())
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return s.checkAffected(ctx, "Complete", id, res)
}

func (s *QueueStore) Requeue(ctx context.Context, id string, nextAttemptAt time.Time, lastError string, consumeRetry bool) error {
	inc := 0
	if consumeRetry {
		inc = 1
	}

	const query = `
UPDATE queue_items
SET status = 'pending', next_attempt_at = $2, last_error = $3, retry_count = retry_count + $4,
    lease_expires_at = NULL, updated_at = $5
WHERE id = $1 AND status = 'processing'`
	res, err := s.db.ExecContext(ctx, query, id, nextAttemptAt, lastError, inc, s.now())
	if err != nil {
		return fmt.Errorf("Requeue: %w", err)
	}
	return s.checkAffected(ctx, "Requeue", id, res)
}

// checkAffected turns a conditional update that matched nothing into
// ErrNotFound or ErrLeaseLost.
func (s *QueueStore) checkAffected(ctx context.Context, op, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}

	status, err := s.currentStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: item %s is %s: %w", op, id, status, repository.ErrLeaseLost)
}

func (s *QueueStore) currentStatus(ctx context.Context, id string) (entity.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entity.Status(status), nil
}

func (s *QueueStore) Cancel(ctx context.Context, id string) (entity.Status, error) {
	const query = `
UPDATE queue_items
SET status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
    cancel_requested = CASE WHEN status = 'processing' THEN TRUE ELSE cancel_requested END,
    updated_at = $2
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING status`
	var status string
	err := s.db.QueryRowContext(ctx, query, id, s.now()).Scan(&status)
	if err == nil {
		return entity.Status(status), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("Cancel: %w", err)
	}

	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return "", fmt.Errorf("Cancel: %w", err)
	}
	return current, fmt.Errorf("Cancel: item %s is %s: %w", id, current, entity.ErrInvalidTransition)
}

func (s *QueueStore) Get(ctx context.Context, id string) (*entity.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE id = $1`
	it, err := scanQueueItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get: %w", entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return it, nil
}

func (s *QueueStore) ListByCampaign(ctx context.Context, campaignID string) ([]*entity.QueueItem, error) {
	query := `SELECT ` + queueColumns + `
FROM queue_items
WHERE campaign_id = $1
ORDER BY COALESCE(scheduled_at, created_at) ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("ListByCampaign: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByCampaign: %w", err)
	}
	return items, nil
}

func (s *QueueStore) CountByCampaign(ctx context.Context, campaignID string) (map[entity.Status]int, error) {
	const query = `
SELECT status, COUNT(*)
FROM queue_items
WHERE campaign_id = $1
GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("CountByCampaign: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[entity.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("CountByCampaign: %w", err)
		}
		counts[entity.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *QueueStore) SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error {
	const query = `
UPDATE queue_items
SET paused = $2, updated_at = $3
WHERE campaign_id = $1 AND status IN ('pending', 'processing')`
	if _, err := s.db.ExecContext(ctx, query, campaignID, paused, s.now()); err != nil {
		return fmt.Errorf("SetCampaignPaused: %w", err)
	}
	return nil
}

func (s *QueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	const query = `
UPDATE queue_items
SET status = 'pending', lease_expires_at = NULL, updated_at = $1
WHERE status = 'processing' AND lease_expires_at <= $1`
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("ReclaimExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ReclaimExpired: %w", err)
	}
	return int(n), nil
}

func (s *QueueStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	const query = `
DELETE FROM queue_items
WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < $1`
	res, err := s.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("PurgeTerminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeTerminal: %w", err)
	}
	return int(n), nil
}

var _ repository.QueueStore = (*QueueStore)(nil)
