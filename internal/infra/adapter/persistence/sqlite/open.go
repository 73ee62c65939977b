// Package sqlite provides file-backed implementations of the delivery
// repositories on top of modernc.org/sqlite. Every write runs inside
// BEGIN IMMEDIATE, so concurrent processes sharing the file serialize on
// SQLite's write lock and a lease is never granted twice.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id               TEXT PRIMARY KEY,
  target           TEXT NOT NULL,
  payload          TEXT NOT NULL,
  kind             TEXT NOT NULL,
  priority         INTEGER NOT NULL,
  scheduled_at     INTEGER,
  status           TEXT NOT NULL,
  retry_count      INTEGER NOT NULL DEFAULT 0,
  max_retries      INTEGER NOT NULL,
  last_error       TEXT NOT NULL DEFAULT '',
  campaign_id      TEXT,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  lease_expires_at INTEGER,
  next_attempt_at  INTEGER NOT NULL,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_ready ON queue_items(status, priority, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON queue_items(status, lease_expires_at);

CREATE TABLE IF NOT EXISTS delivery_attempts (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  queue_item_id  TEXT NOT NULL,
  provider_id    TEXT NOT NULL,
  attempt_number INTEGER NOT NULL,
  outcome        TEXT NOT NULL,
  latency_ms     INTEGER NOT NULL,
  error_kind     TEXT NOT NULL DEFAULT '',
  error          TEXT NOT NULL DEFAULT '',
  attempted_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_item ON delivery_attempts(queue_item_id, attempted_at);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS campaigns (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  template        TEXT NOT NULL,
  pacing_ms       INTEGER NOT NULL,
  status          TEXT NOT NULL,
  sent_count      INTEGER NOT NULL DEFAULT 0,
  failed_count    INTEGER NOT NULL DEFAULT 0,
  cancelled_count INTEGER NOT NULL DEFAULT 0,
  total_count     INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
ALTER TABLE queue_items ADD COLUMN paused INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_queue_items_campaign_id ON queue_items(campaign_id);
`

// Open opens (or creates) the queue file at path, switches it to WAL mode
// and applies pending schema migrations.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps BEGIN IMMEDIATE transactions from deadlocking
	// against each other inside this process.
	db.SetMaxOpenConns(1)

	if err := initDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initDB(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	return withImmediateTx(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var ddl string
			switch v {
			case 1:
				ddl = schemaV1
			case 2:
				ddl = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if current == schemaVersion {
			return nil
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, nil
}

// withImmediateTx runs fn on a dedicated connection inside BEGIN IMMEDIATE
// and commits when fn returns nil.
func withImmediateTx(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}
