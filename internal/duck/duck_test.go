package duck

import (
	"errors"
	"testing"
)

func TestReaderFunc(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"data/sales.csv", "read_csv_auto"},
		{"data/sales.CSV", "read_csv_auto"},
		{"data/events.tsv", "read_csv_auto"},
		{"data/metrics.parquet", "read_parquet"},
		{"data/logs.json", "read_json_auto"},
		{"data/logs.ndjson", "read_json_auto"},
	}
	for _, tc := range cases {
		got, err := ReaderFunc(tc.path)
		if err != nil {
			t.Fatalf("ReaderFunc(%q): %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("ReaderFunc(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}

	if _, err := ReaderFunc("data/report.xlsx"); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestPrimitiveType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"BIGINT":         "integer",
		"INTEGER":        "integer",
		"UINTEGER":       "integer",
		"DOUBLE":         "float",
		"DECIMAL(18,3)":  "float",
		"BOOLEAN":        "boolean",
		"TIMESTAMP":      "datetime",
		"DATE":           "datetime",
		"VARCHAR":        "string",
		"BLOB":           "string",
		"STRUCT(a INT)":  "string",
	}
	for in, want := range cases {
		if got := PrimitiveType(in); got != want {
			t.Errorf("PrimitiveType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuoting(t *testing.T) {
	t.Parallel()

	if got := QuoteIdent(`my"table`); got != `"my""table"` {
		t.Errorf("QuoteIdent = %s", got)
	}
	if got := QuoteString("it's"); got != "'it''s'" {
		t.Errorf("QuoteString = %s", got)
	}
}

func TestIsLockConflict(t *testing.T) {
	t.Parallel()

	if !IsLockConflict(errors.New(`IO Error: Could not set lock on file "ws.duckdb"`)) {
		t.Error("expected lock conflict detection")
	}
	if IsLockConflict(errors.New("syntax error near SELECT")) {
		t.Error("unexpected lock conflict")
	}
	if IsLockConflict(nil) {
		t.Error("nil error is not a conflict")
	}
}
