package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/duck"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/lock"
	"github.com/mattjoyce/quarry/internal/log"
)

// Service loads source files into per-workspace DuckDB stores and keeps the
// catalog in sync. Ensure is idempotent: a source whose fingerprint has not
// changed is never reloaded.
type Service struct {
	store *catalog.Store
	paths *catalog.Paths
	locks *lock.Keyed
	hub   *events.Hub
	cfg   config.IngestConfig
}

func NewService(store *catalog.Store, paths *catalog.Paths, hub *events.Hub, cfg config.IngestConfig) *Service {
	return &Service{
		store: store,
		paths: paths,
		locks: lock.NewKeyed(),
		hub:   hub,
		cfg:   cfg,
	}
}

// Ensure makes sourcePath queryable in workspaceID's store. It returns the
// catalog record and whether the store was actually (re)loaded. Concurrent
// calls for the same (workspace, source) serialize on an in-process lock;
// a caller that cannot get the lock within the configured wait fails with a
// conflict instead of queueing indefinitely.
func (s *Service) Ensure(ctx context.Context, workspaceID, sourcePath string) (*catalog.Dataset, bool, error) {
	if workspaceID == "" {
		return nil, false, fault.Validation("workspace id is required")
	}
	if sourcePath == "" {
		return nil, false, fault.Validation("source path is required")
	}
	sourcePath = filepath.Clean(sourcePath)

	logger := log.WithWorkspace(workspaceID)

	fp, err := TakeFingerprint(sourcePath, int64(s.cfg.SampleBytes))
	if err != nil {
		return nil, false, fault.Wrap(fault.KindValidation, err, "inspect source %s", sourcePath)
	}

	if _, err := s.store.EnsureWorkspace(ctx, workspaceID, workspaceID); err != nil {
		return nil, false, fmt.Errorf("ensure workspace: %w", err)
	}

	// Unlocked fast path. A stale read here is harmless: the locked section
	// re-checks before loading.
	if existing, err := s.store.GetDatasetBySource(ctx, workspaceID, sourcePath); err == nil {
		if existing.Fingerprint == fp {
			logger.Debug("dataset unchanged, skipping load", "table", existing.TableName)
			return existing, false, nil
		}
	}

	key := workspaceID + "\x00" + sourcePath
	release, ok := s.locks.Acquire(ctx, key, s.cfg.LockWait)
	if !ok {
		return nil, false, fault.Conflict("dataset %s is currently locked", filepath.Base(sourcePath))
	}
	defer release()

	// Another caller may have loaded this revision while we waited.
	existing, err := s.store.GetDatasetBySource(ctx, workspaceID, sourcePath)
	if err == nil && existing.Fingerprint == fp {
		return existing, false, nil
	}

	tableName := ""
	if existing != nil {
		// Re-ingest of a known source keeps its table name stable.
		tableName = existing.TableName
	} else {
		taken, err := s.store.TableNames(ctx, workspaceID)
		if err != nil {
			return nil, false, fmt.Errorf("list table names: %w", err)
		}
		tableName = Disambiguate(TableName(sourcePath), taken)
	}

	s.hub.Publish(events.TypeProgress, "ingest", workspaceID,
		fmt.Sprintf("loading %s into %s", filepath.Base(sourcePath), tableName), nil)

	rowCount, columns, err := s.load(ctx, workspaceID, tableName, sourcePath)
	if err != nil {
		s.hub.Publish(events.TypeError, "ingest", workspaceID, err.Error(), nil)
		return nil, false, err
	}

	ds := &catalog.Dataset{
		WorkspaceID: workspaceID,
		TableName:   tableName,
		SourcePath:  sourcePath,
		Fingerprint: fp,
		RowCount:    rowCount,
		Columns:     columns,
		IngestedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertDataset(ctx, ds); err != nil {
		return nil, false, fmt.Errorf("record dataset: %w", err)
	}

	log.WithDataset(tableName).Info("dataset loaded",
		"workspace_id", workspaceID, "rows", rowCount, "columns", len(columns))
	s.hub.Publish(events.TypeCompleted, "ingest", workspaceID,
		fmt.Sprintf("%s ready (%d rows)", tableName, rowCount), ds)
	return ds, true, nil
}

// List returns the catalog records for a workspace.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*catalog.Dataset, error) {
	if workspaceID == "" {
		return nil, fault.Validation("workspace id is required")
	}
	return s.store.ListDatasets(ctx, workspaceID)
}

// DeleteWorkspace removes a workspace's catalog rows and its on-disk store.
// The caller must stop the workspace's kernel first; a runner still holding
// the store open would keep the file alive.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return fault.Validation("workspace id is required")
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return fmt.Errorf("delete workspace rows: %w", err)
	}
	if err := s.paths.Remove(workspaceID); err != nil {
		return fmt.Errorf("remove workspace dir: %w", err)
	}
	log.WithWorkspace(workspaceID).Info("workspace deleted")
	s.hub.Publish(events.TypeStatus, "ingest", workspaceID, "workspace deleted", nil)
	return nil
}

func (s *Service) load(ctx context.Context, workspaceID, tableName, sourcePath string) (int64, []catalog.Column, error) {
	reader, err := duck.ReaderFunc(sourcePath)
	if err != nil {
		return 0, nil, fault.Wrap(fault.KindValidation, err, "source %s", filepath.Base(sourcePath))
	}

	dbPath, err := s.paths.DuckDBPath(workspaceID)
	if err != nil {
		return 0, nil, err
	}
	db, err := duck.Open(ctx, dbPath)
	if err != nil {
		if duck.IsLockConflict(err) {
			return 0, nil, fault.Wrap(fault.KindConflict, err, "workspace store is currently locked")
		}
		return 0, nil, err
	}
	defer db.Close()

	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s(%s)",
		duck.QuoteIdent(tableName), reader, duck.QuoteString(sourcePath))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		if duck.IsLockConflict(err) {
			return 0, nil, fault.Wrap(fault.KindConflict, err, "workspace store is currently locked")
		}
		return 0, nil, fault.Execution("load %s: %v", filepath.Base(sourcePath), err)
	}

	var rowCount int64
	if err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM "+duck.QuoteIdent(tableName)).Scan(&rowCount); err != nil {
		return 0, nil, fmt.Errorf("count rows: %w", err)
	}

	columns, err := describe(ctx, db, tableName)
	if err != nil {
		return 0, nil, err
	}
	return rowCount, columns, nil
}

func describe(ctx context.Context, db *sql.DB, tableName string) ([]catalog.Column, error) {
	rows, err := db.QueryContext(ctx, "DESCRIBE "+duck.QuoteIdent(tableName))
	if err != nil {
		return nil, fmt.Errorf("describe table: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}

	var columns []catalog.Column
	for rows.Next() {
		var (
			colName string
			colType string
		)
		dest := make([]any, len(names))
		dest[0] = &colName
		dest[1] = &colType
		for i := 2; i < len(dest); i++ {
			dest[i] = new(sql.NullString)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan describe row: %w", err)
		}
		columns = append(columns, catalog.Column{
			Name:  colName,
			Dtype: duck.PrimitiveType(colType),
		})
	}
	return columns, rows.Err()
}
