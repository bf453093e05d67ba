package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/protocol"
)

// State is the lifecycle position of a workspace kernel.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const submitQueueDepth = 64

// process is the subset of process control the kernel needs. The real
// implementation wraps exec.Cmd; tests substitute a fake.
type process interface {
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

type result struct {
	resp *protocol.Response
	err  error
}

type submission struct {
	req  *protocol.Request
	done chan result
}

// Kernel is one live runner process bound to a workspace. All requests for
// the workspace funnel through a single submission queue consumed by one
// loop goroutine, so execution is strictly serial and FIFO in arrival order.
type Kernel struct {
	workspaceID string
	proc        process
	stdin       io.WriteCloser
	logger      *slog.Logger

	// writeMu serializes writes to the runner's stdin. The dispatch loop is
	// the usual writer; teardown also writes a shutdown envelope, and a pipe
	// write past PIPE_BUF is not atomic.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	lastUsed time.Time
	pending  map[string]chan result
	fatalErr error
	deadOnce bool

	subs   chan *submission
	dead   chan struct{} // closed by fail(); unblocks the dispatch loop
	closed chan struct{} // closed when the loop drains and exits
}

func newKernel(workspaceID string, proc process, stdin io.WriteCloser, stdout io.Reader) *Kernel {
	k := &Kernel{
		workspaceID: workspaceID,
		proc:        proc,
		stdin:       stdin,
		logger:      log.WithComponent("kernel").With("workspace_id", workspaceID),
		state:       StateStarting,
		lastUsed:    time.Now(),
		pending:     make(map[string]chan result),
		subs:        make(chan *submission, submitQueueDepth),
		dead:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	go k.readLoop(stdout)
	go k.dispatchLoop()
	return k
}

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// LastUsed returns when the kernel last finished a request.
func (k *Kernel) LastUsed() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastUsed
}

// Diagnostic returns the failure message for a kernel in the error state,
// empty otherwise.
func (k *Kernel) Diagnostic() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateError && k.fatalErr != nil {
		return k.fatalErr.Error()
	}
	return ""
}

// submit enqueues req and waits for its response, the timeout, or ctx
// cancellation. A timed-out submission leaves the kernel busy; the caller
// decides whether to interrupt or reset.
func (k *Kernel) submit(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Protocol = protocol.Version

	sub := &submission{req: req, done: make(chan result, 1)}

	select {
	case k.subs <- sub:
	case <-k.closed:
		return nil, k.fatal()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-sub.done:
		return res.resp, res.err
	case <-timer.C:
		return nil, fault.Timeout("execution exceeded %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeRequest sends one request envelope down the runner's stdin. All
// writers go through here so envelopes never interleave on the pipe.
func (k *Kernel) writeRequest(req *protocol.Request) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	return protocol.EncodeRequest(k.stdin, req)
}

// interrupt delivers SIGINT to the runner, asking it to abandon the
// in-flight request. The runner stays alive and answers the pending request
// with an interruption error.
func (k *Kernel) interrupt() error {
	return k.proc.Signal(os.Interrupt)
}

// dispatchLoop feeds the runner one submission at a time and does not start
// the next until the runner has answered the current one, even if the
// submitter gave up.
func (k *Kernel) dispatchLoop() {
	defer close(k.closed)
	for {
		select {
		case sub := <-k.subs:
			k.runOne(sub)
		case <-k.proc.Done():
			k.failPending()
			return
		case <-k.dead:
			k.failPending()
			return
		}
		k.mu.Lock()
		dead := k.state == StateError
		k.mu.Unlock()
		if dead {
			k.failPending()
			return
		}
	}
}

func (k *Kernel) runOne(sub *submission) {
	wait := make(chan result, 1)

	k.mu.Lock()
	if k.state == StateError {
		k.mu.Unlock()
		sub.done <- result{err: k.fatal()}
		return
	}
	if sub.req.Op == protocol.OpExecute {
		k.state = StateBusy
	}
	k.pending[sub.req.ID] = wait
	k.mu.Unlock()

	if err := k.writeRequest(sub.req); err != nil {
		k.mu.Lock()
		delete(k.pending, sub.req.ID)
		k.mu.Unlock()
		k.fail(fmt.Errorf("write to runner: %w", err))
		sub.done <- result{err: k.fatal()}
		return
	}

	select {
	case res := <-wait:
		k.mu.Lock()
		if k.state == StateBusy {
			k.state = StateReady
		}
		k.lastUsed = time.Now()
		k.mu.Unlock()
		sub.done <- res
	case <-k.proc.Done():
		k.fail(fmt.Errorf("runner exited mid-request"))
		sub.done <- result{err: k.fatal()}
	case <-k.dead:
		sub.done <- result{err: k.fatal()}
	}
}

// readLoop owns the runner's stdout. Each line is matched to its pending
// submission by request ID; a closed or corrupted pipe poisons the kernel.
func (k *Kernel) readLoop(stdout io.Reader) {
	sc := protocol.NewResponseScanner(stdout)
	for sc.Scan() {
		resp, err := protocol.ParseResponse(sc.Bytes())
		if err != nil {
			k.fail(fmt.Errorf("runner protocol violation: %w", err))
			return
		}
		k.mu.Lock()
		wait, ok := k.pending[resp.ID]
		delete(k.pending, resp.ID)
		k.mu.Unlock()
		if !ok {
			k.logger.Warn("response for unknown request", "id", resp.ID)
			continue
		}
		wait <- result{resp: resp}
	}
	if err := sc.Err(); err != nil {
		k.fail(fmt.Errorf("read from runner: %w", err))
		return
	}
	// Clean EOF. Harmless during shutdown; fatal any other time.
	k.mu.Lock()
	stopping := k.state == StateStopping
	k.mu.Unlock()
	if !stopping {
		k.fail(fmt.Errorf("runner closed its output stream"))
	}
}

func (k *Kernel) fail(err error) {
	k.mu.Lock()
	if k.state != StateStopping && k.state != StateError {
		k.logger.Error("kernel failed", "error", err)
	}
	if k.fatalErr == nil {
		k.fatalErr = err
	}
	if k.state != StateStopping {
		k.state = StateError
	}
	if !k.deadOnce {
		k.deadOnce = true
		close(k.dead)
	}
	k.mu.Unlock()
}

// noteStderr folds the runner's captured stderr tail into the failure
// diagnostic once the process is gone.
func (k *Kernel) noteStderr(tail string) {
	if tail == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fatalErr != nil {
		k.fatalErr = fmt.Errorf("%w; stderr: %s", k.fatalErr, tail)
	}
}

func (k *Kernel) fatal() error {
	k.mu.Lock()
	err := k.fatalErr
	k.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("kernel is not running")
	}
	return fault.Wrap(fault.KindRuntimeFatal, err, "workspace %s kernel", k.workspaceID)
}

// failPending answers every queued and in-flight waiter after the runner
// dies so no submitter blocks forever.
func (k *Kernel) failPending() {
	k.mu.Lock()
	waiters := k.pending
	k.pending = make(map[string]chan result)
	k.mu.Unlock()

	err := k.fatal()
	for _, w := range waiters {
		w <- result{err: err}
	}
	for {
		select {
		case sub := <-k.subs:
			sub.done <- result{err: err}
		default:
			return
		}
	}
}
