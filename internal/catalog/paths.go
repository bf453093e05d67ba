package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths resolves on-disk locations for workspace data-plane files. The
// control plane stores only workspace IDs; absolute paths stay here so the
// data directory can move without catalog rewrites.
type Paths struct {
	dataDir string
}

// NewPaths creates a path resolver rooted at dataDir.
func NewPaths(dataDir string) (*Paths, error) {
	trimmed := strings.TrimSpace(dataDir)
	if trimmed == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	return &Paths{dataDir: filepath.Clean(trimmed)}, nil
}

// WorkspaceDir returns the directory for workspaceID, creating it if needed.
func (p *Paths) WorkspaceDir(workspaceID string) (string, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return "", err
	}
	dir := filepath.Join(p.dataDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}
	return dir, nil
}

// DuckDBPath returns the path of the workspace's cached analytical store.
func (p *Paths) DuckDBPath(workspaceID string) (string, error) {
	dir, err := p.WorkspaceDir(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspace.duckdb"), nil
}

// NotebookPath returns the path of the workspace's persisted notebook file.
func (p *Paths) NotebookPath(workspaceID string) (string, error) {
	dir, err := p.WorkspaceDir(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "notebook.sql"), nil
}

// Remove deletes all data-plane files for workspaceID.
func (p *Paths) Remove(workspaceID string) error {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(p.dataDir, workspaceID))
}

func validateWorkspaceID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("workspace id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	return nil
}
