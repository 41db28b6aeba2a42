// Package store is the SQLite persistence layer: workflow runs and task
// results, reports with their matches, and the cached technique catalog.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"attacklens/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	completion_time TIMESTAMP,
	source_url      TEXT,
	document_id     TEXT,
	current_step    TEXT,
	error           TEXT,
	state_data      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);

CREATE TABLE IF NOT EXISTS task_results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id  TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	task_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	attempts     INTEGER NOT NULL DEFAULT 0,
	result_data  TEXT,
	error        TEXT,
	UNIQUE (workflow_id, task_name)
);
CREATE INDEX IF NOT EXISTS idx_task_results_workflow ON task_results(workflow_id);

CREATE TABLE IF NOT EXISTS reports (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	url           TEXT,
	filename      TEXT,
	created_at    TIMESTAMP NOT NULL,
	mitre_version TEXT NOT NULL,
	summary_data  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_workflow ON reports(workflow_id);

CREATE TABLE IF NOT EXISTS matches (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id        TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	technique_id     TEXT NOT NULL,
	technique_name   TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	matched_text     TEXT,
	context_text     TEXT,
	match_data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_matches_report ON matches(report_id);
CREATE INDEX IF NOT EXISTS idx_matches_technique ON matches(technique_id);

CREATE TABLE IF NOT EXISTS mitre_techniques (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT,
	tactics      TEXT NOT NULL,
	data_sources TEXT,
	platforms    TEXT,
	detection    TEXT,
	mitigations  TEXT,
	url          TEXT,
	keywords     TEXT,
	version      TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
`

// Store wraps the SQLite database. Safe for concurrent use; writes are
// serialized by SQLite with a busy timeout instead of failing fast.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL keeps readers unblocked during workflow persistence bursts.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Store("database ready at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreWarn("rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}
