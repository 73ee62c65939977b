package db

import (
	"database/sql"
)

// MigrateUp creates the delivery schema. Every statement is idempotent.
func MigrateUp(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS campaigns (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    template        TEXT NOT NULL,
    pacing_ms       BIGINT NOT NULL DEFAULT 0,
    status          VARCHAR(20) NOT NULL DEFAULT 'draft',
    sent_count      INTEGER NOT NULL DEFAULT 0,
    failed_count    INTEGER NOT NULL DEFAULT 0,
    cancelled_count INTEGER NOT NULL DEFAULT 0,
    total_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT chk_campaign_status CHECK (status IN ('draft', 'running', 'paused', 'completed', 'cancelled'))
)`); err != nil {
		return err
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS queue_items (
    id               TEXT PRIMARY KEY,
    target           TEXT NOT NULL,
    payload          TEXT NOT NULL,
    kind             VARCHAR(20) NOT NULL,
    priority         SMALLINT NOT NULL,
    scheduled_at     TIMESTAMPTZ,
    status           VARCHAR(20) NOT NULL DEFAULT 'pending',
    retry_count      INTEGER NOT NULL DEFAULT 0,
    max_retries      INTEGER NOT NULL,
    last_error       TEXT NOT NULL DEFAULT '',
    campaign_id      TEXT REFERENCES campaigns(id),
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    paused           BOOLEAN NOT NULL DEFAULT FALSE,
    lease_expires_at TIMESTAMPTZ,
    next_attempt_at  TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT chk_queue_status CHECK (status IN ('pending', 'processing', 'sent', 'failed', 'cancelled')),
    CONSTRAINT chk_queue_kind CHECK (kind IN ('single', 'campaign_member', 'scheduled', 'inference')),
    CONSTRAINT chk_queue_retries CHECK (retry_count <= max_retries)
)`); err != nil {
		return err
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS delivery_attempts (
    id             BIGSERIAL PRIMARY KEY,
    queue_item_id  TEXT NOT NULL REFERENCES queue_items(id) ON DELETE CASCADE,
    provider_id    TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    outcome        VARCHAR(10) NOT NULL,
    latency_ms     BIGINT NOT NULL,
    error_kind     VARCHAR(20) NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    attempted_at   TIMESTAMPTZ NOT NULL
)`); err != nil {
		return err
	}

	indexes := []string{
		// LeaseNext: ready pending items in lease order
		`CREATE INDEX IF NOT EXISTS idx_queue_items_ready ON queue_items(priority DESC, (COALESCE(scheduled_at, created_at))) WHERE status = 'pending'`,
		// ReclaimExpired
		`CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON queue_items(lease_expires_at) WHERE status = 'processing'`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_campaign_id ON queue_items(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_item ON delivery_attempts(queue_item_id)`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}

	return nil
}

// MigrateDown rolls back the database schema.
// Use with caution: this will delete all queued work and audit history.
func MigrateDown(db *sql.DB) error {
	dropStatements := []string{
		`DROP INDEX IF EXISTS idx_delivery_attempts_item`,
		`DROP INDEX IF EXISTS idx_queue_items_campaign_id`,
		`DROP INDEX IF EXISTS idx_queue_items_lease`,
		`DROP INDEX IF EXISTS idx_queue_items_ready`,
		`DROP TABLE IF EXISTS delivery_attempts`,
		`DROP TABLE IF EXISTS queue_items`,
		`DROP TABLE IF EXISTS campaigns`,
	}
	for _, stmt := range dropStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
