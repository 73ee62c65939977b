package postgres

import (
	"context"
	"fmt"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

type AttemptRepo struct{ db DBTX }

func NewAttemptRepo(db DBTX) repository.AttemptRepository {
	return &AttemptRepo{db: db}
}

func (repo *AttemptRepo) Record(ctx context.Context, a *entity.DeliveryAttempt) error {
	const query = `
INSERT INTO delivery_attempts
  (queue_item_id, provider_id, attempt_number, outcome, latency_ms, error_kind, error, attempted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := repo.db.ExecContext(ctx, query,
		a.QueueItemID, a.ProviderID, a.AttemptNumber, string(a.Outcome), a.LatencyMS,
		string(a.ErrorKind), a.Error, a.Timestamp,
	); err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

func (repo *AttemptRepo) ListByItem(ctx context.Context, itemID string) ([]*entity.DeliveryAttempt, error) {
	const query = `
SELECT queue_item_id, provider_id, attempt_number, outcome, latency_ms, error_kind, error, attempted_at
FROM delivery_attempts
WHERE queue_item_id = $1
ORDER BY attempted_at ASC, id ASC`
	rows, err := repo.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("ListByItem: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make([]*entity.DeliveryAttempt, 0, 8)
	for rows.Next() {
		var (
			a         entity.DeliveryAttempt
			outcome   string
			errorKind string
		)
		if err := rows.Scan(
			&a.QueueItemID, &a.ProviderID, &a.AttemptNumber, &outcome, &a.LatencyMS,
			&errorKind, &a.Error, &a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("ListByItem: %w", err)
		}
		a.Outcome = entity.AttemptOutcome(outcome)
		a.ErrorKind = entity.ErrorKind(errorKind)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
