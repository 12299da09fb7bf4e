package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS code_tasks (
  id                      TEXT PRIMARY KEY,
  user_id                 TEXT NOT NULL,
  prompt                  TEXT NOT NULL,
  sanitized_prompt        TEXT NOT NULL,
  system_prompt_hash      TEXT,
  worker_type             TEXT NOT NULL,
  worker_location         TEXT NOT NULL,
  repository              TEXT,
  base_branch             TEXT,
  trace_id                TEXT,
  action_id               TEXT,
  approval_event_id       TEXT,
  linear_issue_id         TEXT,
  linear_issue_title      TEXT,
  linear_fallback         INTEGER NOT NULL DEFAULT 0,
  status                  TEXT NOT NULL,
  callback_received       INTEGER NOT NULL DEFAULT 0,
  dedup_key               TEXT NOT NULL,
  cancel_nonce            TEXT,
  cancel_nonce_expires_at TEXT,
  error_code              TEXT,
  error_message           TEXT,
  result_branch           TEXT,
  result_commits          INTEGER,
  result_summary          TEXT,
  result_pr_url           TEXT,
  status_phase            TEXT,
  status_message          TEXT,
  status_progress         INTEGER,
  status_updated_at       TEXT,
  dispatched_at           TEXT,
  created_at              TEXT NOT NULL,
  updated_at              TEXT NOT NULL,
  completed_at            TEXT
);`,
		`CREATE TABLE IF NOT EXISTS user_usage (
  user_id          TEXT PRIMARY KEY,
  concurrent_tasks INTEGER NOT NULL DEFAULT 0,
  tasks_this_hour  INTEGER NOT NULL DEFAULT 0,
  hour_started_at  TEXT NOT NULL,
  cost_today       REAL NOT NULL DEFAULT 0,
  day_started_at   TEXT NOT NULL,
  cost_this_month  REAL NOT NULL DEFAULT 0,
  month_started_at TEXT NOT NULL,
  updated_at       TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS code_tasks_approval_event_idx ON code_tasks(approval_event_id);`,
		`CREATE INDEX IF NOT EXISTS code_tasks_action_idx ON code_tasks(action_id);`,
		`CREATE INDEX IF NOT EXISTS code_tasks_user_dedup_created_idx ON code_tasks(user_id, dedup_key, created_at);`,
		`CREATE INDEX IF NOT EXISTS code_tasks_linear_issue_status_idx ON code_tasks(linear_issue_id, status);`,
		`CREATE INDEX IF NOT EXISTS code_tasks_status_updated_idx ON code_tasks(status, updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
