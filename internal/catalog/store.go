package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists workspace, dataset, and execution records in the catalog
// database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureWorkspace creates a workspace row if missing and returns the record.
// The workspace ID is supplied by the auth collaborator and trusted as-is.
func (s *Store) EnsureWorkspace(ctx context.Context, id, name string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace id is empty")
	}
	if name == "" {
		name = id
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspaces(id, name, active, created_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(id) DO NOTHING;
`, id, name, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	return s.GetWorkspace(ctx, id)
}

// GetWorkspace returns the workspace record, or ErrNotFound.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var (
		ws         Workspace
		active     int
		createdAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, active, created_at FROM workspaces WHERE id = ?;
`, id).Scan(&ws.ID, &ws.Name, &active, &createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	ws.Active = active != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		ws.CreatedAt = t
	}
	return &ws, nil
}

// DeleteWorkspace removes a workspace row and all of its dataset records.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE workspace_id = ?;`, id); err != nil {
		return fmt.Errorf("delete workspace datasets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return tx.Commit()
}

// GetDatasetBySource returns the dataset record for a source path, or
// ErrNotFound.
func (s *Store) GetDatasetBySource(ctx context.Context, workspaceID, sourcePath string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT workspace_id, table_name, source_path, file_size, mtime_ns, sample_hash, row_count, columns, ingested_at
FROM datasets
WHERE workspace_id = ? AND source_path = ?;
`, workspaceID, sourcePath)
	return scanDataset(row)
}

// ListDatasets returns all dataset records for a workspace, newest first.
func (s *Store) ListDatasets(ctx context.Context, workspaceID string) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT workspace_id, table_name, source_path, file_size, mtime_ns, sample_hash, row_count, columns, ingested_at
FROM datasets
WHERE workspace_id = ?
ORDER BY ingested_at DESC;
`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TableNames returns the set of table names already used in a workspace.
func (s *Store) TableNames(ctx context.Context, workspaceID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name FROM datasets WHERE workspace_id = ?;
`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list table names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// UpsertDataset inserts or replaces the dataset record keyed by
// (workspace_id, source_path).
func (s *Store) UpsertDataset(ctx context.Context, d *Dataset) error {
	if d.WorkspaceID == "" || d.TableName == "" {
		return fmt.Errorf("dataset record incomplete")
	}
	columnsJSON, err := json.Marshal(d.Columns)
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}

	var sampleHash any
	if d.Fingerprint.SampleHash != "" {
		sampleHash = d.Fingerprint.SampleHash
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO datasets(workspace_id, table_name, source_path, file_size, mtime_ns, sample_hash, row_count, columns, ingested_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id, source_path) DO UPDATE SET
  table_name  = excluded.table_name,
  file_size   = excluded.file_size,
  mtime_ns    = excluded.mtime_ns,
  sample_hash = excluded.sample_hash,
  row_count   = excluded.row_count,
  columns     = excluded.columns,
  ingested_at = excluded.ingested_at;
`, d.WorkspaceID, d.TableName, d.SourcePath, d.Fingerprint.Size, d.Fingerprint.MtimeNS,
		sampleHash, d.RowCount, string(columnsJSON), d.IngestedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert dataset: %w", err)
	}
	return nil
}

// RecordExec appends an execution audit row.
func (s *Store) RecordExec(ctx context.Context, rec *ExecRecord) error {
	if rec.ID == "" || rec.WorkspaceID == "" {
		return fmt.Errorf("exec record incomplete")
	}
	var resultKind any
	if rec.ResultKind != "" {
		resultKind = rec.ResultKind
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exec_log(id, workspace_id, code_size, status, result_kind, error, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.WorkspaceID, rec.CodeSize, rec.Status, resultKind, rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert exec_log: %w", err)
	}
	return nil
}

// ListExec returns up to limit audit rows for a workspace, newest first.
func (s *Store) ListExec(ctx context.Context, workspaceID string, limit int) ([]*ExecRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, code_size, status, result_kind, error, started_at, completed_at
FROM exec_log
WHERE workspace_id = ?
ORDER BY started_at DESC
LIMIT ?;
`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list exec_log: %w", err)
	}
	defer rows.Close()

	var out []*ExecRecord
	for rows.Next() {
		var (
			rec         ExecRecord
			resultKind  sql.NullString
			errText     sql.NullString
			startedAtS  string
			completedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.CodeSize, &rec.Status,
			&resultKind, &errText, &startedAtS, &completedAt); err != nil {
			return nil, fmt.Errorf("scan exec_log: %w", err)
		}
		if resultKind.Valid {
			rec.ResultKind = resultKind.String
		}
		if errText.Valid {
			rec.Error = &errText.String
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			rec.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			rec.CompletedAt = t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var (
		d           Dataset
		sampleHash  sql.NullString
		columnsJSON string
		ingestedAtS string
	)
	err := row.Scan(&d.WorkspaceID, &d.TableName, &d.SourcePath,
		&d.Fingerprint.Size, &d.Fingerprint.MtimeNS, &sampleHash,
		&d.RowCount, &columnsJSON, &ingestedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	if sampleHash.Valid {
		d.Fingerprint.SampleHash = sampleHash.String
	}
	if err := json.Unmarshal([]byte(columnsJSON), &d.Columns); err != nil {
		return nil, fmt.Errorf("decode dataset columns: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ingestedAtS); err == nil {
		d.IngestedAt = t
	}
	return &d, nil
}
