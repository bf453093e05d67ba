package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/gateway"
	"github.com/mattjoyce/quarry/internal/kernel"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/notebook"
)

type fakeIngestor struct {
	ensureErr error
	dataset   *catalog.Dataset
	deleted   []string
}

func (f *fakeIngestor) Ensure(_ context.Context, workspaceID, sourcePath string) (*catalog.Dataset, bool, error) {
	if f.ensureErr != nil {
		return nil, false, f.ensureErr
	}
	return f.dataset, true, nil
}

func (f *fakeIngestor) List(_ context.Context, workspaceID string) ([]*catalog.Dataset, error) {
	if f.dataset == nil {
		return nil, nil
	}
	return []*catalog.Dataset{f.dataset}, nil
}

func (f *fakeIngestor) DeleteWorkspace(_ context.Context, workspaceID string) error {
	f.deleted = append(f.deleted, workspaceID)
	f.dataset = nil
	return nil
}

type fakeExecutor struct {
	result *gateway.Result
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, workspaceID, code string) (*gateway.Result, error) {
	return f.result, f.err
}

func (f *fakeExecutor) Cancel(workspaceID string) error { return f.err }

type fakeRuntime struct {
	state kernel.State
}

func (f *fakeRuntime) Status(string) kernel.State { return f.state }
func (f *fakeRuntime) Snapshot(string) kernel.Snapshot {
	return kernel.Snapshot{State: f.state}
}
func (f *fakeRuntime) EnsureReady(context.Context, string) (*kernel.Kernel, error) {
	f.state = kernel.StateReady
	return nil, nil
}
func (f *fakeRuntime) Reset(context.Context, string) (*kernel.Kernel, error) {
	f.state = kernel.StateReady
	return nil, nil
}
func (f *fakeRuntime) Stop(context.Context, string) error {
	f.state = kernel.StateAbsent
	return nil
}
func (f *fakeRuntime) Describe() map[string]string { return map[string]string{} }

type testServer struct {
	*Server
	ingestor *fakeIngestor
	executor *fakeExecutor
	runtime  *fakeRuntime
	hub      *events.Hub
}

func newTestServer(t *testing.T, cfg config.APIConfig) *testServer {
	t.Helper()

	paths, err := catalog.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}

	ing := &fakeIngestor{}
	exec := &fakeExecutor{}
	rt := &fakeRuntime{state: kernel.StateAbsent}
	hub := events.NewHub(16)
	s := New(cfg, ing, exec, rt, notebook.NewStore(paths), hub, log.Get())
	return &testServer{Server: s, ingestor: ing, executor: exec, runtime: rt, hub: hub}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	rec := doJSON(t, ts.setupRoutes(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestKernelLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	router := ts.setupRoutes()

	rec := doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/kernel", nil)
	var kr KernelResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &kr)
	if kr.State != "absent" {
		t.Errorf("initial state = %q, want absent", kr.State)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/kernel", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &kr)
	if kr.State != "ready" {
		t.Errorf("state after start = %q, want ready", kr.State)
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/workspaces/ws1/kernel", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &kr)
	if kr.State != "absent" {
		t.Errorf("state after stop = %q, want absent", kr.State)
	}
}

func TestWorkspaceDeleteStopsKernelAndDropsData(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	ts.runtime.state = kernel.StateReady
	router := ts.setupRoutes()

	rec := doJSON(t, router, http.MethodDelete, "/v1/workspaces/ws1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp WorkspaceDeleteResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Deleted || resp.WorkspaceID != "ws1" {
		t.Errorf("resp = %+v", resp)
	}
	if ts.runtime.state != kernel.StateAbsent {
		t.Errorf("kernel state after delete = %v, want absent", ts.runtime.state)
	}
	if len(ts.ingestor.deleted) != 1 || ts.ingestor.deleted[0] != "ws1" {
		t.Errorf("deleted workspaces = %v, want [ws1]", ts.ingestor.deleted)
	}
}

func TestDatasetEnsure(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	ts.ingestor.dataset = &catalog.Dataset{
		WorkspaceID: "ws1",
		TableName:   "sales",
		RowCount:    10,
		Columns:     []catalog.Column{{Name: "region", Dtype: "string"}},
		IngestedAt:  time.Now(),
	}

	rec := doJSON(t, ts.setupRoutes(), http.MethodPost, "/v1/workspaces/ws1/datasets",
		IngestRequest{Path: "/data/sales.csv"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp IngestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TableName != "sales" || resp.RowCount != 10 || !resp.Reingested {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFaultKindsMapToStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fault.Validation("bad input"), http.StatusBadRequest},
		{fault.Conflict("dataset sales.csv is currently locked"), http.StatusConflict},
		{fault.Timeout("kernel bootstrap exceeded 30s"), http.StatusGatewayTimeout},
		{fault.Execution("load sales.csv: malformed csv"), http.StatusUnprocessableEntity},
		{fault.RuntimeFatal("runner died"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestServer(t, config.Defaults().API)
		ts.ingestor.ensureErr = tc.err
		rec := doJSON(t, ts.setupRoutes(), http.MethodPost, "/v1/workspaces/ws1/datasets",
			IngestRequest{Path: "/data/sales.csv"})
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestExecuteReturnsFailedResultWith200(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	ts.executor.result = &gateway.Result{
		ID:      "e1",
		Success: false,
		Error:   &gateway.ExecError{Message: "Binder Error: no such column"},
	}

	rec := doJSON(t, ts.setupRoutes(), http.MethodPost, "/v1/workspaces/ws1/execute",
		ExecuteRequest{Code: "select nope from sales"})
	if rec.Code != http.StatusOK {
		t.Fatalf("raised code must still be HTTP 200, got %d", rec.Code)
	}
	var res gateway.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Success || res.Error == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteTimeoutMaps504(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	ts.executor.err = fault.Timeout("execution exceeded 120s")

	rec := doJSON(t, ts.setupRoutes(), http.MethodPost, "/v1/workspaces/ws1/execute",
		ExecuteRequest{Code: "select * from huge"})
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestNotebookRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	router := ts.setupRoutes()

	rec := doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/notebook/cells",
		CellRequest{Title: "Revenue", Code: "select sum(amount) from sales"})
	if rec.Code != http.StatusOK {
		t.Fatalf("append status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/notebook", nil)
	var resp NotebookResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Cells) != 1 || resp.Cells[0].Title != "Revenue" {
		t.Errorf("cells = %+v", resp.Cells)
	}
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults().API
	cfg.APIKey = "secret-key"
	ts := newTestServer(t, cfg)
	router := ts.setupRoutes()

	rec := doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/kernel", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws1/kernel", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}

	// Healthz stays open.
	rec = doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz behind auth: status = %d", rec.Code)
	}
}

func TestEventsReplaySinceLastEventID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.Defaults().API)
	ts.hub.Publish(events.TypeStatus, "kernel", "ws1", "kernel ready", nil)
	ts.hub.Publish(events.TypeCompleted, "ingest", "ws1", "sales ready", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	ts.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "kernel ready") {
		t.Errorf("event 1 replayed despite Last-Event-ID: %s", body)
	}
	if !strings.Contains(body, "sales ready") {
		t.Errorf("event 2 missing from replay: %s", body)
	}
}
