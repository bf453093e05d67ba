package catalog

import (
	"errors"
	"time"
)

// Column describes one dataset column with its inferred primitive dtype.
type Column struct {
	Name  string `json:"name"`
	Dtype string `json:"dtype"` // string | integer | float | boolean | datetime
}

// Fingerprint identifies a source file revision without reading its content.
// SampleHash is only set when content sampling is enabled.
type Fingerprint struct {
	Size       int64  `json:"size"`
	MtimeNS    int64  `json:"mtime_ns"`
	SampleHash string `json:"sample_hash,omitempty"`
}

// Dataset is the catalog record for one ingested source file.
type Dataset struct {
	WorkspaceID string      `json:"workspace_id"`
	TableName   string      `json:"table_name"`
	SourcePath  string      `json:"source_path"`
	Fingerprint Fingerprint `json:"fingerprint"`
	RowCount    int64       `json:"row_count"`
	Columns     []Column    `json:"columns"`
	IngestedAt  time.Time   `json:"ingested_at"`
}

// Workspace is the control-plane record for one workspace.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecRecord is one row of the execution audit log.
type ExecRecord struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	CodeSize    int        `json:"code_size"`
	Status      string     `json:"status"` // succeeded | failed | timed_out | cancelled
	ResultKind  string     `json:"result_kind,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

var ErrNotFound = errors.New("catalog record not found")
