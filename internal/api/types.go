package api

import (
	"time"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/notebook"
)

// IngestRequest is the JSON body for POST /v1/workspaces/{workspace}/datasets.
type IngestRequest struct {
	Path string `json:"path"`
}

// IngestResponse is returned after a successful ensure.
type IngestResponse struct {
	TableName  string           `json:"table_name"`
	RowCount   int64            `json:"row_count"`
	Columns    []catalog.Column `json:"columns"`
	Reingested bool             `json:"reingested"`
	IngestedAt time.Time        `json:"ingested_at"`
}

// DatasetListResponse is returned by GET /v1/workspaces/{workspace}/datasets.
type DatasetListResponse struct {
	Datasets []*catalog.Dataset `json:"datasets"`
}

// ExecuteRequest is the JSON body for POST /v1/workspaces/{workspace}/execute.
type ExecuteRequest struct {
	Code string `json:"code"`
}

// KernelResponse reports a workspace kernel's lifecycle state.
type KernelResponse struct {
	WorkspaceID    string     `json:"workspace_id"`
	State          string     `json:"state"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// WorkspaceDeleteResponse is returned by DELETE /v1/workspaces/{workspace}.
type WorkspaceDeleteResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Deleted     bool   `json:"deleted"`
}

// NotebookResponse is returned by GET /v1/workspaces/{workspace}/notebook.
type NotebookResponse struct {
	Cells []notebook.Cell `json:"cells"`
}

// NotebookPutRequest is the JSON body for PUT .../notebook.
type NotebookPutRequest struct {
	Cells []notebook.Cell `json:"cells"`
}

// CellRequest is the JSON body for POST .../notebook/cells.
type CellRequest struct {
	Title string `json:"title"`
	Code  string `json:"code"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Kernels       map[string]string `json:"kernels"`
}
