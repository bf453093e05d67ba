package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/protocol"
)

// terminationGracePeriod is the time between SIGTERM and SIGKILL when a
// runner refuses to exit.
const terminationGracePeriod = 5 * time.Second

// Manager owns at most one kernel per workspace. Lifecycle operations for a
// workspace serialize on a per-workspace mutex so concurrent starts resolve
// to a single runner process.
type Manager struct {
	cfg   config.KernelConfig
	paths *catalog.Paths
	hub   *events.Hub

	mu        sync.Mutex
	kernels   map[string]*Kernel
	lifecycle map[string]*sync.Mutex
}

func NewManager(cfg config.KernelConfig, paths *catalog.Paths, hub *events.Hub) *Manager {
	return &Manager{
		cfg:       cfg,
		paths:     paths,
		hub:       hub,
		kernels:   make(map[string]*Kernel),
		lifecycle: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lifecycleLock(workspaceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lifecycle[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		m.lifecycle[workspaceID] = l
	}
	return l
}

func (m *Manager) get(workspaceID string) *Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernels[workspaceID]
}

// Status reports the lifecycle state of a workspace's kernel. A workspace
// with no kernel is absent.
func (m *Manager) Status(workspaceID string) State {
	if k := m.get(workspaceID); k != nil {
		return k.State()
	}
	return StateAbsent
}

// Snapshot is a non-blocking view of one workspace's kernel.
type Snapshot struct {
	State        State
	LastActivity time.Time
	Diagnostic   string
}

// Snapshot reports state, last activity, and any failure diagnostic for a
// workspace's kernel.
func (m *Manager) Snapshot(workspaceID string) Snapshot {
	k := m.get(workspaceID)
	if k == nil {
		return Snapshot{State: StateAbsent}
	}
	return Snapshot{
		State:        k.State(),
		LastActivity: k.LastUsed(),
		Diagnostic:   k.Diagnostic(),
	}
}

// EnsureReady returns the workspace's kernel, starting one when absent. A
// kernel in the error state stays put so its diagnostic survives; only an
// explicit reset (or stop) replaces it. Only one goroutine starts a runner
// for a workspace regardless of how many call this concurrently.
func (m *Manager) EnsureReady(ctx context.Context, workspaceID string) (*Kernel, error) {
	l := m.lifecycleLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	if k := m.get(workspaceID); k != nil {
		switch k.State() {
		case StateReady, StateBusy, StateStarting:
			return k, nil
		case StateError:
			return nil, fault.RuntimeFatal(
				"kernel for workspace %s is in error state (%s); reset the workspace to recover",
				workspaceID, k.Diagnostic())
		default:
			m.teardown(workspaceID, k)
		}
	}
	return m.start(ctx, workspaceID)
}

// start spawns and bootstraps a runner. Caller holds the lifecycle lock.
func (m *Manager) start(ctx context.Context, workspaceID string) (*Kernel, error) {
	logger := log.WithWorkspace(workspaceID)

	dbPath, err := m.paths.DuckDBPath(workspaceID)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "resolve workspace store")
	}

	m.hub.Publish(events.TypeProgress, "kernel", workspaceID, "starting kernel", nil)
	logger.Info("starting kernel", "command", m.cfg.Command)

	proc, stdin, stdout, err := spawn(m.cfg.Command)
	if err != nil {
		m.hub.Publish(events.TypeError, "kernel", workspaceID, err.Error(), nil)
		return nil, fault.Wrap(fault.KindRuntimeFatal, err, "spawn runner")
	}

	k := newKernel(workspaceID, proc, stdin, stdout)
	m.mu.Lock()
	m.kernels[workspaceID] = k
	m.mu.Unlock()

	boot := &protocol.Request{
		ID:         uuid.NewString(),
		Op:         protocol.OpBootstrap,
		DuckDBPath: dbPath,
		ReadOnly:   true,
		Packages:   m.cfg.Preload,
	}
	resp, err := k.submit(ctx, boot, m.cfg.BootstrapTimeout)
	if err != nil {
		if fault.IsTimeout(err) {
			err = fault.Timeout("kernel bootstrap exceeded %v", m.cfg.BootstrapTimeout)
		}
		return nil, m.condemn(workspaceID, k, err)
	}
	if resp.Status != "ok" {
		err := fault.RuntimeFatal("kernel bootstrap failed: %s", resp.Error)
		return nil, m.condemn(workspaceID, k, err)
	}

	k.mu.Lock()
	k.state = StateReady
	k.mu.Unlock()

	logger.Info("kernel ready")
	m.hub.Publish(events.TypeStatus, "kernel", workspaceID, "kernel ready", nil)
	return k, nil
}

// Submit runs code on the workspace's kernel, starting it first when
// needed. Submissions for one workspace execute strictly in arrival order.
func (m *Manager) Submit(ctx context.Context, workspaceID, code string, timeout time.Duration) (*protocol.Response, error) {
	k, err := m.EnsureReady(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	req := &protocol.Request{
		ID:   uuid.NewString(),
		Op:   protocol.OpExecute,
		Code: code,
	}
	return k.submit(ctx, req, timeout)
}

// Interrupt asks the workspace's runner to abandon its in-flight request.
func (m *Manager) Interrupt(workspaceID string) error {
	k := m.get(workspaceID)
	if k == nil {
		return fault.Validation("workspace %s has no kernel", workspaceID)
	}
	return k.interrupt()
}

// Stop shuts down the workspace's kernel: a shutdown request first, then
// SIGTERM, then SIGKILL after the grace period. Session variables die with
// the process; loaded datasets live in the store and survive.
func (m *Manager) Stop(ctx context.Context, workspaceID string) error {
	l := m.lifecycleLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	k := m.get(workspaceID)
	if k == nil {
		return nil
	}
	m.hub.Publish(events.TypeStatus, "kernel", workspaceID, "stopping kernel", nil)
	m.teardown(workspaceID, k)
	m.hub.Publish(events.TypeStatus, "kernel", workspaceID, "kernel stopped", nil)
	return nil
}

// Reset replaces the workspace's kernel with a fresh one. It is the escape
// hatch from every state, including error and a wedged busy.
func (m *Manager) Reset(ctx context.Context, workspaceID string) (*Kernel, error) {
	l := m.lifecycleLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	if k := m.get(workspaceID); k != nil {
		m.teardown(workspaceID, k)
	}
	m.hub.Publish(events.TypeStatus, "kernel", workspaceID, "resetting kernel", nil)
	return m.start(ctx, workspaceID)
}

// StopAll tears down every kernel. Used at service shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Stop(context.Background(), id)
	}
}

// teardown walks the termination ladder for k and removes it from the map.
// Caller holds the lifecycle lock for the workspace.
func (m *Manager) teardown(workspaceID string, k *Kernel) {
	k.mu.Lock()
	k.state = StateStopping
	k.mu.Unlock()

	// Best effort: ask politely on the wire, then close stdin.
	_ = k.writeRequest(&protocol.Request{
		Protocol: protocol.Version,
		ID:       uuid.NewString(),
		Op:       protocol.OpShutdown,
	})
	_ = k.stdin.Close()

	m.reap(workspaceID, k)

	m.mu.Lock()
	if m.kernels[workspaceID] == k {
		delete(m.kernels, workspaceID)
	}
	m.mu.Unlock()
}

// condemn marks a kernel that failed to come up as errored and reaps its
// process, but leaves it in the map so the diagnostic is inspectable. The
// runner's stderr tail is folded into the diagnostic once the process is
// gone. Caller holds the lifecycle lock. Returns cause unchanged.
func (m *Manager) condemn(workspaceID string, k *Kernel, cause error) error {
	k.fail(cause)
	_ = k.stdin.Close()
	m.reap(workspaceID, k)

	if t, ok := k.proc.(interface{ StderrTail() string }); ok {
		k.noteStderr(t.StderrTail())
	}
	m.hub.Publish(events.TypeError, "kernel", workspaceID, k.Diagnostic(), nil)
	log.WithWorkspace(workspaceID).Error("kernel condemned", "error", k.Diagnostic())
	return cause
}

// reap waits for the runner to exit, escalating SIGTERM then SIGKILL after
// the grace period.
func (m *Manager) reap(workspaceID string, k *Kernel) {
	select {
	case <-k.proc.Done():
	case <-time.After(terminationGracePeriod):
		if t, ok := k.proc.(interface{ Terminate() error }); ok {
			_ = t.Terminate()
		}
		select {
		case <-k.proc.Done():
		case <-time.After(terminationGracePeriod):
			log.WithWorkspace(workspaceID).Warn("runner ignored SIGTERM, killing")
			_ = k.proc.Kill()
			<-k.proc.Done()
		}
	}
}

// RunIdleReaper stops kernels that have sat unused past the idle timeout.
// Blocks until ctx is cancelled.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := m.cfg.IdleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, k := range m.kernels {
		if k.State() == StateReady && k.LastUsed().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		log.WithWorkspace(id).Info("stopping idle kernel",
			"idle_timeout", m.cfg.IdleTimeout.String())
		_ = m.Stop(context.Background(), id)
	}
}

// Describe returns a human-readable summary of all live kernels.
func (m *Manager) Describe() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.kernels))
	for id, k := range m.kernels {
		out[id] = string(k.State())
	}
	return out
}
