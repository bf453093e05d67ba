package kernel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/protocol"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	paths, err := catalog.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	return NewManager(config.Defaults().Kernel, paths, events.NewHub(16))
}

func TestStatusAbsentWithoutKernel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if got := m.Status("ws1"); got != StateAbsent {
		t.Errorf("Status = %v, want absent", got)
	}
}

func TestSnapshotAbsentWithoutKernel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	snap := m.Snapshot("ws1")
	if snap.State != StateAbsent {
		t.Errorf("Snapshot.State = %v, want absent", snap.State)
	}
	if !snap.LastActivity.IsZero() {
		t.Errorf("absent kernel should have zero LastActivity, got %v", snap.LastActivity)
	}
	if snap.Diagnostic != "" {
		t.Errorf("absent kernel should have no diagnostic, got %q", snap.Diagnostic)
	}
}

func TestInterruptWithoutKernel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.Interrupt("ws1"); !fault.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStopWithoutKernelIsNoop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if err := m.Stop(context.Background(), "ws1"); err != nil {
		t.Errorf("Stop on absent kernel: %v", err)
	}
}

func TestEnsureReadyRefusesErroredKernel(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	k, _ := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		return ok(req.ID)
	})
	k.fail(errors.New("runner crashed mid-flight"))
	m.mu.Lock()
	m.kernels["ws1"] = k
	m.mu.Unlock()

	got, err := m.EnsureReady(context.Background(), "ws1")
	if !fault.IsRuntimeFatal(err) {
		t.Fatalf("EnsureReady on errored kernel: got %v, want runtime-fatal", err)
	}
	if got != nil {
		t.Error("EnsureReady must not hand out an errored kernel")
	}
	if !strings.Contains(err.Error(), "runner crashed mid-flight") {
		t.Errorf("error should carry the diagnostic, got %q", err)
	}
	if m.get("ws1") != k {
		t.Error("errored kernel must stay in place until reset or stop")
	}
	if m.Status("ws1") != StateError {
		t.Errorf("Status = %v, want error", m.Status("ws1"))
	}
}

func TestBootstrapFailurePreservesDiagnostic(t *testing.T) {
	t.Parallel()

	paths, err := catalog.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	cfg := config.Defaults().Kernel
	cfg.Command = []string{"sh", "-c", "read line; echo bootstrap exploded >&2; exit 3"}
	m := NewManager(cfg, paths, events.NewHub(16))

	if _, err := m.EnsureReady(context.Background(), "ws1"); err == nil {
		t.Fatal("EnsureReady should fail when the runner dies during bootstrap")
	}

	snap := m.Snapshot("ws1")
	if snap.State != StateError {
		t.Fatalf("Snapshot.State = %v, want error", snap.State)
	}
	if !strings.Contains(snap.Diagnostic, "bootstrap exploded") {
		t.Errorf("diagnostic should fold in the runner's stderr, got %q", snap.Diagnostic)
	}

	// Another ensure must refuse rather than quietly respawn.
	if _, err := m.EnsureReady(context.Background(), "ws1"); !fault.IsRuntimeFatal(err) {
		t.Errorf("second EnsureReady: got %v, want runtime-fatal", err)
	}

	// Stop is still allowed to clear the wreck.
	if err := m.Stop(context.Background(), "ws1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Status("ws1") != StateAbsent {
		t.Errorf("Status after stop = %v, want absent", m.Status("ws1"))
	}
}

func TestLifecycleLockIsPerWorkspace(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a := m.lifecycleLock("ws1")
	b := m.lifecycleLock("ws1")
	c := m.lifecycleLock("ws2")
	if a != b {
		t.Error("same workspace must share one lifecycle lock")
	}
	if a == c {
		t.Error("different workspaces must not share a lifecycle lock")
	}
}
