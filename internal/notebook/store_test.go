package notebook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/quarry/internal/catalog"
)

func newTestStore(t *testing.T) (*Store, *catalog.Paths) {
	t.Helper()
	paths, err := catalog.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	return NewStore(paths), paths
}

func TestLoadMissingNotebookIsEmpty(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	cells, err := s.Load("ws1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cells) != 0 {
		t.Errorf("expected no cells, got %d", len(cells))
	}
}

func TestAppendAndLoadPreservesOrder(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	if err := s.AppendCell("ws1", "Load sales", "select * from sales"); err != nil {
		t.Fatalf("AppendCell: %v", err)
	}
	if err := s.AppendCell("ws1", "Totals by region", "select region, sum(amount) as total\nfrom sales\ngroup by region"); err != nil {
		t.Fatalf("AppendCell: %v", err)
	}

	cells, err := s.Load("ws1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cells) != 2 {
		t.Fatalf("got %d cells, want 2", len(cells))
	}
	if cells[0].Title != "Load sales" || cells[1].Title != "Totals by region" {
		t.Errorf("titles = %q, %q", cells[0].Title, cells[1].Title)
	}
	if !strings.Contains(cells[1].Code, "group by region") {
		t.Errorf("multi-line code lost: %q", cells[1].Code)
	}
}

func TestReplaceAllOverwrites(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	if err := s.AppendCell("ws1", "old", "select 1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceAll("ws1", []Cell{
		{Title: "fresh start", Code: "select 2"},
	}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	cells, err := s.Load("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 1 || cells[0].Title != "fresh start" {
		t.Errorf("cells = %+v", cells)
	}
}

func TestWrittenMarkersCarryTitles(t *testing.T) {
	t.Parallel()

	s, paths := newTestStore(t)

	if err := s.AppendCell("ws1", "Revenue", "select sum(amount) from sales"); err != nil {
		t.Fatal(err)
	}

	path, err := paths.NotebookPath("ws1")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "-- %% cell: Revenue") {
		t.Errorf("titled delimiter missing:\n%s", data)
	}
}

func TestLegacyNumericMarkersStillParse(t *testing.T) {
	t.Parallel()

	s, paths := newTestStore(t)

	path, err := paths.NotebookPath("ws1")
	if err != nil {
		t.Fatal(err)
	}
	legacy := "-- %% cell 1\nselect 1\n\n-- %% cell 2\nselect 2\n"
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	cells, err := s.Load("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 {
		t.Fatalf("got %d cells, want 2", len(cells))
	}
	if cells[0].Title != "cell 1" || cells[1].Title != "cell 2" {
		t.Errorf("titles = %q, %q", cells[0].Title, cells[1].Title)
	}

	// Re-saving upgrades the file to titled delimiters.
	if err := s.ReplaceAll("ws1", cells); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), legacyMarker+"1") {
		t.Errorf("legacy delimiter written back:\n%s", data)
	}
	if !strings.Contains(string(data), "-- %% cell: cell 1") {
		t.Errorf("upgraded delimiter missing:\n%s", data)
	}
}

func TestTitleCannotForgeDelimiter(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	if err := s.AppendCell("ws1", "sneaky\n-- %% cell: fake", "select 1"); err != nil {
		t.Fatal(err)
	}
	cells, err := s.Load("ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 1 {
		t.Fatalf("newline in title split the notebook: %+v", cells)
	}
}

func TestNoPartialFileOnWrite(t *testing.T) {
	t.Parallel()

	s, paths := newTestStore(t)
	if err := s.AppendCell("ws1", "a", "select 1"); err != nil {
		t.Fatal(err)
	}

	dir, err := paths.WorkspaceDir("ws1")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".notebook-") {
			t.Errorf("temp file left behind: %s", filepath.Join(dir, e.Name()))
		}
	}
}
