package queue

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// migrate creates (or upgrades) the queue schema in-place. The five tables
// are the queue's logical partitions: scheduled, processing, dead_letter,
// metadata, config.
func migrate(ctx context.Context, db *sql.DB) error {
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

		`CREATE TABLE IF NOT EXISTS scheduled (
			task_id TEXT PRIMARY KEY,
			thread_pubkey TEXT NOT NULL,
			thread BLOB NOT NULL,
			trigger_time INTEGER NOT NULL,
			scheduled_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_time ON scheduled(scheduled_time, task_id);`,

		`CREATE TABLE IF NOT EXISTS processing (
			task_id TEXT PRIMARY KEY,
			thread_pubkey TEXT NOT NULL,
			thread BLOB NOT NULL,
			trigger_time INTEGER NOT NULL,
			scheduled_time INTEGER NOT NULL,
			claimed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processing_claimed_at ON processing(claimed_at);`,

		`CREATE TABLE IF NOT EXISTS dead_letter (
			task_id TEXT PRIMARY KEY,
			thread_pubkey TEXT NOT NULL,
			thread BLOB NOT NULL,
			reason TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			dead_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_dead_at ON dead_letter(dead_at);`,

		`CREATE TABLE IF NOT EXISTS metadata (
			task_id TEXT PRIMARY KEY,
			retry_count INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			last_error TEXT,
			updated_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
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
	if current != schemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, schemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
