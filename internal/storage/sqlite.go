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

// OpenSQLite opens (and creates if needed) the catalog database at path and
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
		`CREATE TABLE IF NOT EXISTS workspaces (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  active     INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS datasets (
  workspace_id TEXT NOT NULL,
  table_name   TEXT NOT NULL,
  source_path  TEXT NOT NULL,
  file_size    INTEGER NOT NULL,
  mtime_ns     INTEGER NOT NULL,
  sample_hash  TEXT,
  row_count    INTEGER NOT NULL,
  columns      JSON NOT NULL,
  ingested_at  TEXT NOT NULL,
  PRIMARY KEY (workspace_id, table_name)
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS datasets_workspace_source_idx ON datasets(workspace_id, source_path);`,
		`CREATE TABLE IF NOT EXISTS exec_log (
  id           TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  code_size    INTEGER NOT NULL,
  status       TEXT NOT NULL,
  result_kind  TEXT,
  error        TEXT,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS exec_log_workspace_started_idx ON exec_log(workspace_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
