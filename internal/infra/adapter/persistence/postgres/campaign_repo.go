package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

const campaignColumns = `id, name, template, pacing_ms, status, sent_count, failed_count,
cancelled_count, total_count, created_at, updated_at`

type CampaignRepo struct{ db DBTX }

func NewCampaignRepo(db DBTX) repository.CampaignRepository {
	return &CampaignRepo{db: db}
}

func scanCampaign(row scanner) (*entity.Campaign, error) {
	var (
		c        entity.Campaign
		pacingMS int64
		status   string
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.Template, &pacingMS, &status, &c.SentCount, &c.FailedCount,
		&c.CancelledCount, &c.TotalCount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.PacingDelay = time.Duration(pacingMS) * time.Millisecond
	c.Status = entity.CampaignStatus(status)
	return &c, nil
}

func (repo *CampaignRepo) Create(ctx context.Context, c *entity.Campaign) error {
	const query = `
INSERT INTO campaigns
  (id, name, template, pacing_ms, status, sent_count, failed_count, cancelled_count, total_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := repo.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Template, c.PacingDelay.Milliseconds(), string(c.Status),
		c.SentCount, c.FailedCount, c.CancelledCount, c.TotalCount, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (repo *CampaignRepo) Get(ctx context.Context, id string) (*entity.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(repo.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get: %w", entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return c, nil
}

func (repo *CampaignRepo) List(ctx context.Context) ([]*entity.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns ORDER BY created_at DESC, id ASC`
	rows, err := repo.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	campaigns := make([]*entity.Campaign, 0, 16)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (repo *CampaignRepo) UpdateStatus(ctx context.Context, id string, to entity.CampaignStatus, from ...entity.CampaignStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("UpdateStatus: no source status: %w", entity.ErrInvalidTransition)
	}

	args := []interface{}{id, string(to), time.Now()}
	placeholders := make([]string, len(from))
	for i, f := range from {
		args = append(args, string(f))
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	query := `
UPDATE campaigns
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return fmt.Errorf("UpdateStatus: campaign %s is %s: %w", id, current.Status, entity.ErrInvalidTransition)
}

// ApplyOutcome increments one counter and completes the campaign in the same
// statement, so concurrent workers never lose an update.
func (repo *CampaignRepo) ApplyOutcome(ctx context.Context, id string, status entity.Status) (*entity.Campaign, error) {
	var sent, failed, cancelled int
	switch status {
	case entity.StatusSent:
		sent = 1
	case entity.StatusFailed:
		failed = 1
	case entity.StatusCancelled:
		cancelled = 1
	default:
		return repo.Get(ctx, id)
	}

	query := `
UPDATE campaigns
SET sent_count = sent_count + $2,
    failed_count = failed_count + $3,
    cancelled_count = cancelled_count + $4,
    status = CASE
        WHEN status IN ('completed', 'cancelled') THEN status
        WHEN sent_count + failed_count + cancelled_count + 1 >= total_count THEN 'completed'
        ELSE status
    END,
    updated_at = $5
WHERE id = $1
RETURNING ` + campaignColumns
	c, err := scanCampaign(repo.db.QueryRowContext(ctx, query, id, sent, failed, cancelled, time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ApplyOutcome: %w", entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ApplyOutcome: %w", err)
	}
	return c, nil
}

func (repo *CampaignRepo) AddMembers(ctx context.Context, id string, n int) error {
	const query = `
UPDATE campaigns
SET total_count = total_count + $2, updated_at = $3
WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`
	res, err := repo.db.ExecContext(ctx, query, id, n, time.Now())
	if err != nil {
		return fmt.Errorf("AddMembers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("AddMembers: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("AddMembers: %w", err)
	}
	return fmt.Errorf("AddMembers: campaign %s is %s: %w", id, current.Status, entity.ErrInvalidTransition)
}
