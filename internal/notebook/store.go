package notebook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/log"
)

// cellMarker opens every cell. The delimiter carries the human title so
// cells can be reordered or retitled by hand without renumbering.
const cellMarker = "-- %% cell:"

// legacyMarker is the retired numeric form ("-- %% cell 3"). Still accepted
// on read; never written.
const legacyMarker = "-- %% cell "

// Cell is one titled block of code.
type Cell struct {
	Title string `json:"title"`
	Code  string `json:"code"`
}

// Store persists each workspace's ordered cells as a flat file next to its
// data store. Persistence only: nothing here ever executes code.
type Store struct {
	paths *catalog.Paths
}

func NewStore(paths *catalog.Paths) *Store {
	return &Store{paths: paths}
}

// Load reads the workspace's cells. A workspace with no notebook yet loads
// as empty, not as an error.
func (s *Store) Load(workspaceID string) ([]Cell, error) {
	path, err := s.paths.NotebookPath(workspaceID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	return parse(string(data)), nil
}

// AppendCell adds one cell at the end.
func (s *Store) AppendCell(workspaceID, title, code string) error {
	cells, err := s.Load(workspaceID)
	if err != nil {
		return err
	}
	cells = append(cells, Cell{Title: title, Code: code})
	return s.ReplaceAll(workspaceID, cells)
}

// ReplaceAll overwrites the workspace's notebook with cells. The write goes
// through a temp file and rename so a crash never leaves a half-written
// notebook.
func (s *Store) ReplaceAll(workspaceID string, cells []Cell) error {
	path, err := s.paths.NotebookPath(workspaceID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".notebook-*")
	if err != nil {
		return fmt.Errorf("create notebook temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(render(cells)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write notebook: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync notebook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close notebook temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace notebook: %w", err)
	}

	log.WithWorkspace(workspaceID).Debug("notebook written", "cells", len(cells))
	return nil
}

func render(cells []Cell) string {
	var b strings.Builder
	for _, c := range cells {
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = "untitled"
		}
		fmt.Fprintf(&b, "%s %s\n", cellMarker, sanitizeTitle(title))
		code := strings.TrimRight(c.Code, "\n")
		if code != "" {
			b.WriteString(code)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// sanitizeTitle keeps a title on one line so it cannot forge a delimiter.
func sanitizeTitle(title string) string {
	title = strings.ReplaceAll(title, "\n", " ")
	title = strings.ReplaceAll(title, "\r", " ")
	return strings.TrimSpace(title)
}

func parse(content string) []Cell {
	var (
		cells   []Cell
		current *Cell
		body    []string
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Code = strings.TrimRight(strings.Join(body, "\n"), "\n")
		cells = append(cells, *current)
		current = nil
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if title, ok := markerTitle(line); ok {
			flush()
			current = &Cell{Title: title}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return cells
}

// markerTitle recognizes both delimiter generations. The titled form wins
// when a line matches both.
func markerTitle(line string) (string, bool) {
	trimmed := strings.TrimRight(line, " \t")
	if rest, ok := strings.CutPrefix(trimmed, cellMarker); ok {
		title := strings.TrimSpace(rest)
		if title == "" {
			title = "untitled"
		}
		return title, true
	}
	if rest, ok := strings.CutPrefix(trimmed, legacyMarker); ok {
		n := strings.TrimSpace(rest)
		if n != "" && isDigits(n) {
			return "cell " + n, true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
