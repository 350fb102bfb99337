package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 3

// Migrate creates (or upgrades) the pipeline schema in-place.
//
// Timestamps are stored as integer milliseconds since the Unix epoch so that
// range predicates (stalled-step detection, queue visibility) compare
// numerically.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			original_filename TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			location TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);`,

		`CREATE TABLE IF NOT EXISTS steps (
			document_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('pending', 'in_progress', 'success', 'failure', 'skipped')),
			previous_state TEXT,
			started_at INTEGER,
			finished_at INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(document_id, stage_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_state_started ON steps(state, started_at);`,

		`CREATE TABLE IF NOT EXISTS step_events (
			event_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_step_events_document ON step_events(document_id, occurred_at);`,

		`CREATE TABLE IF NOT EXISTS queue_jobs (
			job_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			visible_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_visible ON queue_jobs(queue, visible_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: the manifest version that produced each document's plan.
	if current < 2 {
		if err := execAlters(ctx, tx, `ALTER TABLE documents ADD COLUMN plan_version TEXT;`); err != nil {
			return err
		}
	}

	// v3: the earliest time a retry-pending step may be claimed again.
	if current < 3 {
		if err := execAlters(ctx, tx, `ALTER TABLE steps ADD COLUMN retry_at INTEGER;`); err != nil {
			return err
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func execAlters(ctx context.Context, tx *sql.Tx, alters ...string) error {
	for _, stmt := range alters {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			msg := err.Error()
			// SQLite/libsql report duplicate columns as an error; treat as idempotent.
			if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	return nil
}
