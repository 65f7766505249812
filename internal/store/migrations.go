package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL DEFAULT '',
		description  TEXT,
		status       TEXT NOT NULL DEFAULT 'pending',
		priority     TEXT NOT NULL DEFAULT 'normal',
		due_date     TEXT,
		upstream_id  TEXT,
		sync_status  TEXT NOT NULL DEFAULT 'pending',
		sync_error   TEXT,
		last_sync_at INTEGER,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_upstream ON tasks(upstream_id);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sync_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id        TEXT NOT NULL,
		op             TEXT NOT NULL,
		status         TEXT NOT NULL,
		upstream_id    TEXT,
		error          TEXT,
		correlation_id TEXT,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_task ON sync_log(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
