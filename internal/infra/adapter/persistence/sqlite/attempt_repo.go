package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

type AttemptRepo struct{ db *sql.DB }

func NewAttemptRepo(db *sql.DB) repository.AttemptRepository {
	return &AttemptRepo{db: db}
}

func (repo *AttemptRepo) Record(ctx context.Context, a *entity.DeliveryAttempt) error {
	err := withImmediateTx(ctx, repo.db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO delivery_attempts
  (queue_item_id, provider_id, attempt_number, outcome, latency_ms, error_kind, error, attempted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.QueueItemID, a.ProviderID, a.AttemptNumber, string(a.Outcome), a.LatencyMS,
			string(a.ErrorKind), a.Error, nanos(a.Timestamp),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

func (repo *AttemptRepo) ListByItem(ctx context.Context, itemID string) ([]*entity.DeliveryAttempt, error) {
	rows, err := repo.db.QueryContext(ctx, `
SELECT queue_item_id, provider_id, attempt_number, outcome, latency_ms, error_kind, error, attempted_at
FROM delivery_attempts
WHERE queue_item_id = ?
ORDER BY attempted_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("ListByItem: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make([]*entity.DeliveryAttempt, 0, 8)
	for rows.Next() {
		var (
			a                  entity.DeliveryAttempt
			outcome, errorKind string
			attemptedAt        int64
		)
		if err := rows.Scan(
			&a.QueueItemID, &a.ProviderID, &a.AttemptNumber, &outcome, &a.LatencyMS,
			&errorKind, &a.Error, &attemptedAt,
		); err != nil {
			return nil, fmt.Errorf("ListByItem: %w", err)
		}
		a.Outcome = entity.AttemptOutcome(outcome)
		a.ErrorKind = entity.ErrorKind(errorKind)
		a.Timestamp = fromNanos(attemptedAt)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
