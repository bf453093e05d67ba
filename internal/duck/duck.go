package duck

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Open opens the workspace DuckDB store at path for writing.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("duckdb path is empty")
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

// OpenReadOnly opens the store at path in read-only mode. Kernel connections
// always use this so an in-flight query can never write the store.
func OpenReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("duckdb path is empty")
	}
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open duckdb read-only: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb read-only: %w", err)
	}
	return db, nil
}

// ReaderFunc returns the DuckDB table function used to load a source file,
// chosen by extension.
func ReaderFunc(sourcePath string) (string, error) {
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".csv", ".tsv":
		return "read_csv_auto", nil
	case ".parquet":
		return "read_parquet", nil
	case ".json", ".ndjson", ".jsonl":
		return "read_json_auto", nil
	default:
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(sourcePath))
	}
}

// QuoteIdent quotes a DuckDB identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a DuckDB string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// IsLockConflict reports whether err looks like a DuckDB file-lock conflict,
// i.e. another process currently holds the database file.
func IsLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") &&
		(strings.Contains(msg, "could not set") || strings.Contains(msg, "conflicting") ||
			strings.Contains(msg, "held"))
}

// PrimitiveType maps a DuckDB column type to the engine's primitive dtype
// vocabulary: string, integer, float, boolean, datetime.
func PrimitiveType(duckType string) string {
	t := strings.ToUpper(duckType)
	// Parameterized types like DECIMAL(18,3).
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT":
		return "integer"
	case "FLOAT", "REAL", "DOUBLE", "DECIMAL", "NUMERIC":
		return "float"
	case "BOOLEAN":
		return "boolean"
	case "DATE", "TIME", "TIMESTAMP", "TIMESTAMP_S", "TIMESTAMP_MS",
		"TIMESTAMP_NS", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return "datetime"
	default:
		return "string"
	}
}
