package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/repository"
)

const campaignColumns = `id, name, template, pacing_ms, status, sent_count, failed_count,
cancelled_count, total_count, created_at, updated_at`

type CampaignRepo struct{ db *sql.DB }

func NewCampaignRepo(db *sql.DB) repository.CampaignRepository {
	return &CampaignRepo{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanCampaign(row scanner) (*entity.Campaign, error) {
	var (
		c                entity.Campaign
		pacingMS         int64
		status           string
		created, updated int64
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.Template, &pacingMS, &status, &c.SentCount, &c.FailedCount,
		&c.CancelledCount, &c.TotalCount, &created, &updated,
	); err != nil {
		return nil, err
	}
	c.PacingDelay = time.Duration(pacingMS) * time.Millisecond
	c.Status = entity.CampaignStatus(status)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func getCampaign(ctx context.Context, q queryRower, id string) (*entity.Campaign, error) {
	c, err := scanCampaign(q.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	return c, err
}

func (repo *CampaignRepo) Create(ctx context.Context, c *entity.Campaign) error {
	err := withImmediateTx(ctx, repo.db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO campaigns
  (id, name, template, pacing_ms, status, sent_count, failed_count, cancelled_count, total_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Template, c.PacingDelay.Milliseconds(), string(c.Status),
			c.SentCount, c.FailedCount, c.CancelledCount, c.TotalCount, nanos(c.CreatedAt), nanos(c.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (repo *CampaignRepo) Get(ctx context.Context, id string) (*entity.Campaign, error) {
	c, err := getCampaign(ctx, repo.db, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return c, nil
}

func (repo *CampaignRepo) List(ctx context.Context) ([]*entity.Campaign, error) {
	rows, err := repo.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id ASC`)
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
	err := withImmediateTx(ctx, repo.db, func(conn *sql.Conn) error {
		c, err := getCampaign(ctx, conn, id)
		if err != nil {
			return err
		}
		if !slices.Contains(from, c.Status) {
			return fmt.Errorf("campaign %s is %s: %w", id, c.Status, entity.ErrInvalidTransition)
		}
		_, err = conn.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
			string(to), nanos(time.Now()), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return nil
}

func (repo *CampaignRepo) AddMembers(ctx context.Context, id string, n int) error {
	err := withImmediateTx(ctx, repo.db, func(conn *sql.Conn) error {
		c, err := getCampaign(ctx, conn, id)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return fmt.Errorf("campaign %s is %s: %w", id, c.Status, entity.ErrInvalidTransition)
		}
		_, err = conn.ExecContext(ctx, `UPDATE campaigns SET total_count = total_count + ?, updated_at = ? WHERE id = ?`,
			n, nanos(time.Now()), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("AddMembers: %w", err)
	}
	return nil
}

func (repo *CampaignRepo) ApplyOutcome(ctx context.Context, id string, status entity.Status) (*entity.Campaign, error) {
	var out *entity.Campaign
	err := withImmediateTx(ctx, repo.db, func(conn *sql.Conn) error {
		c, err := getCampaign(ctx, conn, id)
		if err != nil {
			return err
		}
		c.ApplyOutcome(status, time.Now())
		_, err = conn.ExecContext(ctx, `
UPDATE campaigns
SET sent_count = ?, failed_count = ?, cancelled_count = ?, status = ?, updated_at = ?
WHERE id = ?`, c.SentCount, c.FailedCount, c.CancelledCount, string(c.Status), nanos(c.UpdatedAt), id)
		out = c
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyOutcome: %w", err)
	}
	return out, nil
}
