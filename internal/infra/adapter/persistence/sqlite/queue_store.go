package sqlite

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

const queueColumns = `id, target, payload, kind, priority, scheduled_at, status, retry_count, max_retries,
last_error, campaign_id, cancel_requested, paused, lease_expires_at, next_attempt_at, created_at, updated_at`

// QueueStore is a repository.QueueStore persisted in a single SQLite file.
// Timestamps are stored as Unix nanoseconds.
type QueueStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a QueueStore.
type Option func(*QueueStore)

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *QueueStore) { s.now = now }
}

// NewQueueStore wraps a database returned by Open.
func NewQueueStore(db *sql.DB, opts ...Option) *QueueStore {
	s := &QueueStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanQueueItem(row scanner) (*entity.QueueItem, error) {
	var (
		it                            entity.QueueItem
		kind, status                  string
		rank                          int
		campaignID                    sql.NullString
		cancelRequested, paused       int
		scheduledAt, leaseExpiresAt   sql.NullInt64
		nextAttempt, created, updated int64
	)
	if err := row.Scan(
		&it.ID, &it.Target, &it.Payload, &kind, &rank, &scheduledAt, &status,
		&it.RetryCount, &it.MaxRetries, &it.LastError, &campaignID, &cancelRequested,
		&paused, &leaseExpiresAt, &nextAttempt, &created, &updated,
	); err != nil {
		return nil, err
	}
	it.Kind = entity.Kind(kind)
	it.Priority = entity.PriorityFromRank(rank)
	it.Status = entity.Status(status)
	it.ScheduledAt = timePtr(scheduledAt)
	it.LeaseExpiresAt = timePtr(leaseExpiresAt)
	it.CancelRequested = cancelRequested != 0
	it.Paused = paused != 0
	it.NextAttemptAt = fromNanos(nextAttempt)
	it.CreatedAt = fromNanos(created)
	it.UpdatedAt = fromNanos(updated)
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
	var campaignID sql.NullString
	if item.CampaignID != nil {
		campaignID = sql.NullString{String: *item.CampaignID, Valid: true}
	}

	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		var exists int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, id).Scan(&exists)
		if err == nil {
			return fmt.Errorf("item %s already exists: %w", id, entity.ErrInvalidInput)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = conn.ExecContext(ctx, `
INSERT INTO queue_items
  (id, target, payload, kind, priority, scheduled_at, status, retry_count, max_retries,
   last_error, campaign_id, cancel_requested, paused, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, 0, ?, ?, ?, ?)`,
			id, item.Target, item.Payload, string(item.Kind), item.Priority.Rank(), nullNanos(item.ScheduledAt),
			item.MaxRetries, campaignID, boolInt(item.Paused), nanos(next), nanos(now), nanos(now),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("Enqueue: %w", err)
	}

	item.ID = id
	return id, nil
}

// LeaseNext selects candidates and claims each with a conditional update,
// all under the file's write lock.
func (s *QueueStore) LeaseNext(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]*entity.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	var leased []*entity.QueueItem
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+queueColumns+`
FROM queue_items
WHERE status = 'pending'
  AND paused = 0
  AND next_attempt_at <= ?
  AND (scheduled_at IS NULL OR scheduled_at <= ?)
ORDER BY priority DESC, COALESCE(scheduled_at, created_at) ASC, created_at ASC, id ASC
LIMIT ?`, nanos(now), nanos(now), n)
		if err != nil {
			return err
		}
		candidates, err := scanQueueItems(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}

		expires := now.Add(leaseFor)
		leased = make([]*entity.QueueItem, 0, len(candidates))
		for _, it := range candidates {
			res, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET status = 'processing', lease_expires_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, nanos(expires), nanos(now), it.ID)
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err != nil || affected == 0 {
				continue
			}
			it.Status = entity.StatusProcessing
			lease := expires
			it.LeaseExpiresAt = &lease
			it.UpdatedAt = now
			leased = append(leased, it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("LeaseNext: %w", err)
	}
	return leased, nil
}

// settle applies a conditional update to a processing item and maps a miss
// to ErrNotFound or ErrLeaseLost.
func (s *QueueStore) settle(ctx context.Context, op, id, query string, args ...interface{}) error {
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		status, err := currentStatus(ctx, conn, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("item %s is %s: %w", id, status, repository.ErrLeaseLost)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func currentStatus(ctx context.Context, conn *sql.Conn, id string) (entity.Status, error) {
	var status string
	err := conn.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entity.Status(status), nil
}

func (s *QueueStore) Complete(ctx context.Context, id string, outcome entity.Status, lastError string) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("Complete: outcome %q: %w", outcome, entity.ErrInvalidTransition)
	}
	return s.settle(ctx, "Complete", id, `
UPDATE queue_items
SET status = ?, last_error = ?, lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`, string(outcome), lastError, nanos(s.now()), id)
}

func (s *QueueStore) Requeue(ctx context.Context, id string, nextAttemptAt time.Time, lastError string, consumeRetry bool) error {
	return s.settle(ctx, "Requeue", id, `
UPDATE queue_items
SET status = 'pending', next_attempt_at = ?, last_error = ?, retry_count = retry_count + ?,
    lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`, nanos(nextAttemptAt), lastError, boolInt(consumeRetry), nanos(s.now()), id)
}

func (s *QueueStore) Cancel(ctx context.Context, id string) (entity.Status, error) {
	var result entity.Status
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		status, err := currentStatus(ctx, conn, id)
		if err != nil {
			return err
		}
		result = status

		var query string
		switch status {
		case entity.StatusPending:
			query = `UPDATE queue_items SET status = 'cancelled', updated_at = ? WHERE id = ?`
			result = entity.StatusCancelled
		case entity.StatusProcessing:
			query = `UPDATE queue_items SET cancel_requested = 1, updated_at = ? WHERE id = ?`
		default:
			return fmt.Errorf("item %s is %s: %w", id, status, entity.ErrInvalidTransition)
		}
		_, err = conn.ExecContext(ctx, query, nanos(s.now()), id)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("Cancel: %w", err)
	}
	return result, nil
}

func (s *QueueStore) Get(ctx context.Context, id string) (*entity.QueueItem, error) {
	it, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get: %w", entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return it, nil
}

func (s *QueueStore) ListByCampaign(ctx context.Context, campaignID string) ([]*entity.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+`
FROM queue_items
WHERE campaign_id = ?
ORDER BY COALESCE(scheduled_at, created_at) ASC, id ASC`, campaignID)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE campaign_id = ? GROUP BY status`, campaignID)
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
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET paused = ?, updated_at = ?
WHERE campaign_id = ? AND status IN ('pending', 'processing')`, boolInt(paused), nanos(s.now()), campaignID)
		return err
	})
	if err != nil {
		return fmt.Errorf("SetCampaignPaused: %w", err)
	}
	return nil
}

func (s *QueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	return s.execCount(ctx, "ReclaimExpired", `
UPDATE queue_items
SET status = 'pending', lease_expires_at = NULL, updated_at = ?
WHERE status = 'processing' AND lease_expires_at <= ?`, nanos(now), nanos(now))
}

func (s *QueueStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	return s.execCount(ctx, "PurgeTerminal", `
DELETE FROM queue_items
WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < ?`, nanos(olderThan))
}

func (s *QueueStore) execCount(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	var n int64
	err := withImmediateTx(ctx, s.db, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

var _ repository.QueueStore = (*QueueStore)(nil)
