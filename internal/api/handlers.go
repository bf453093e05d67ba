package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/quarry/internal/fault"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Kernels:       s.runtime.Describe(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleKernelStatus handles GET /v1/workspaces/{workspaceID}/kernel.
func (s *Server) handleKernelStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	snap := s.runtime.Snapshot(workspaceID)
	resp := KernelResponse{
		WorkspaceID: workspaceID,
		State:       string(snap.State),
		Message:     snap.Diagnostic,
	}
	if !snap.LastActivity.IsZero() {
		resp.LastActivityAt = &snap.LastActivity
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleKernelStart handles POST /v1/workspaces/{workspaceID}/kernel.
func (s *Server) handleKernelStart(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if _, err := s.runtime.EnsureReady(r.Context(), workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, KernelResponse{
		WorkspaceID: workspaceID,
		State:       string(s.runtime.Status(workspaceID)),
	})
}

// handleKernelReset handles POST /v1/workspaces/{workspaceID}/kernel/reset.
func (s *Server) handleKernelReset(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if _, err := s.runtime.Reset(r.Context(), workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, KernelResponse{
		WorkspaceID: workspaceID,
		State:       string(s.runtime.Status(workspaceID)),
	})
}

// handleKernelStop handles DELETE /v1/workspaces/{workspaceID}/kernel.
func (s *Server) handleKernelStop(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if err := s.runtime.Stop(r.Context(), workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, KernelResponse{
		WorkspaceID: workspaceID,
		State:       string(s.runtime.Status(workspaceID)),
	})
}

// handleWorkspaceDelete handles DELETE /v1/workspaces/{workspaceID}. The
// kernel goes down first so nothing holds the store open while the files go.
func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if err := s.runtime.Stop(r.Context(), workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.ingest.DeleteWorkspace(r.Context(), workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WorkspaceDeleteResponse{
		WorkspaceID: workspaceID,
		Deleted:     true,
	})
}

// handleDatasetEnsure handles POST /v1/workspaces/{workspaceID}/datasets.
func (s *Server) handleDatasetEnsure(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ds, reingested, err := s.ingest.Ensure(r.Context(), workspaceID, req.Path)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, IngestResponse{
		TableName:  ds.TableName,
		RowCount:   ds.RowCount,
		Columns:    ds.Columns,
		Reingested: reingested,
		IngestedAt: ds.IngestedAt,
	})
}

// handleDatasetList handles GET /v1/workspaces/{workspaceID}/datasets.
func (s *Server) handleDatasetList(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	datasets, err := s.ingest.List(r.Context(), workspaceID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, DatasetListResponse{Datasets: datasets})
}

// handleExecute handles POST /v1/workspaces/{workspaceID}/execute.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Code that raises comes back inside the result with HTTP 200; only the
	// engine failing maps to an error status.
	res, err := s.exec.Execute(r.Context(), workspaceID, req.Code)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleExecuteCancel handles POST /v1/workspaces/{workspaceID}/execute/cancel.
func (s *Server) handleExecuteCancel(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if err := s.exec.Cancel(workspaceID); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleNotebookGet handles GET /v1/workspaces/{workspaceID}/notebook.
func (s *Server) handleNotebookGet(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	cells, err := s.notebooks.Load(workspaceID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotebookResponse{Cells: cells})
}

// handleNotebookPut handles PUT /v1/workspaces/{workspaceID}/notebook.
func (s *Server) handleNotebookPut(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req NotebookPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.notebooks.ReplaceAll(workspaceID, req.Cells); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotebookResponse{Cells: req.Cells})
}

// handleNotebookAppend handles POST /v1/workspaces/{workspaceID}/notebook/cells.
func (s *Server) handleNotebookAppend(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req CellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.notebooks.AppendCell(workspaceID, req.Title, req.Code); err != nil {
		s.writeFault(w, err)
		return
	}
	cells, err := s.notebooks.Load(workspaceID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotebookResponse{Cells: cells})
}

// writeFault maps engine error kinds onto HTTP statuses.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindExecution:
		status = http.StatusUnprocessableEntity
	case fault.KindRuntimeFatal:
		status = http.StatusInternalServerError
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
