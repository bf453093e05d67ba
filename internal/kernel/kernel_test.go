package kernel

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/protocol"
)

type fakeProc struct {
	done       chan struct{}
	once       sync.Once
	interrupts atomic.Int32
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Signal(sig os.Signal) error {
	if sig == os.Interrupt {
		p.interrupts.Add(1)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) exit() { p.once.Do(func() { close(p.done) }) }

// startFakeKernel wires a kernel to an in-memory runner driven by handle.
// handle runs once per request, in request order.
func startFakeKernel(t *testing.T, handle func(req *protocol.Request) *protocol.Response) (*Kernel, *fakeProc) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	proc := newFakeProc()

	go func() {
		sc := protocol.NewResponseScanner(stdinR)
		for {
			req, err := protocol.DecodeRequest(sc)
			if err != nil {
				_ = stdoutW.Close()
				proc.exit()
				return
			}
			if resp := handle(req); resp != nil {
				_ = protocol.EncodeResponse(stdoutW, resp)
			}
		}
	}()

	k := newKernel("ws1", proc, stdinW, stdoutR)
	t.Cleanup(func() {
		_ = stdinW.Close()
		proc.exit()
	})
	return k, proc
}

func ok(id string) *protocol.Response {
	return &protocol.Response{ID: id, Status: "ok"}
}

func TestSubmitRoundTrip(t *testing.T) {
	t.Parallel()

	k, _ := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		resp := ok(req.ID)
		resp.Stdout = req.Code
		return resp
	})

	resp, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "select 1"}, time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Stdout != "select 1" {
		t.Errorf("stdout = %q", resp.Stdout)
	}
	if got := k.State(); got != StateReady {
		t.Errorf("state after submit = %v, want ready", got)
	}
}

func TestSubmissionsExecuteOneAtATime(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	k, _ := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ok(req.ID)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "x"}, 5*time.Second); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("runner saw %d concurrent requests, want 1", maxInFlight.Load())
	}
}

func TestTimedOutSubmissionStillBlocksTheNext(t *testing.T) {
	t.Parallel()

	var firstDone atomic.Int64
	var secondStart atomic.Int64
	first := true
	k, _ := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		if first {
			first = false
			time.Sleep(150 * time.Millisecond)
			firstDone.Store(time.Now().UnixNano())
			return ok(req.ID)
		}
		secondStart.Store(time.Now().UnixNano())
		return ok(req.ID)
	})

	_, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "slow"}, 30*time.Millisecond)
	if !fault.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The kernel stays busy until the runner answers the abandoned request.
	if _, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "fast"}, 2*time.Second); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if secondStart.Load() < firstDone.Load() {
		t.Error("second request started before the first finished")
	}
}

func TestRunnerExitFailsWaiters(t *testing.T) {
	t.Parallel()

	var proc *fakeProc
	var k *Kernel
	k, proc = startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		proc.exit()
		return nil // never answers
	})

	_, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "x"}, 2*time.Second)
	if !fault.IsRuntimeFatal(err) {
		t.Fatalf("expected runtime fatal, got %v", err)
	}
	if got := k.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestMalformedRunnerOutputPoisonsKernel(t *testing.T) {
	t.Parallel()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	proc := newFakeProc()

	go func() {
		sc := protocol.NewResponseScanner(stdinR)
		if _, err := protocol.DecodeRequest(sc); err == nil {
			_, _ = stdoutW.Write([]byte("this is not a protocol line\n"))
		}
	}()
	k := newKernel("ws1", proc, stdinW, stdoutR)
	t.Cleanup(func() {
		_ = stdinW.Close()
		proc.exit()
	})

	_, err := k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "x"}, 2*time.Second)
	if !fault.IsRuntimeFatal(err) {
		t.Fatalf("expected runtime fatal, got %v", err)
	}
	if got := k.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestInterruptSignalsRunner(t *testing.T) {
	t.Parallel()

	k, proc := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		return ok(req.ID)
	})

	if err := k.interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if proc.interrupts.Load() != 1 {
		t.Errorf("interrupts = %d, want 1", proc.interrupts.Load())
	}
}

func TestBusyStateWhileExecuting(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	k, _ := startFakeKernel(t, func(req *protocol.Request) *protocol.Response {
		<-release
		return ok(req.ID)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = k.submit(context.Background(), &protocol.Request{Op: protocol.OpExecute, Code: "x"}, 5*time.Second)
	}()

	deadline := time.After(2 * time.Second)
	for k.State() != StateBusy {
		select {
		case <-deadline:
			t.Fatal("kernel never reported busy")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	<-done
	if got := k.State(); got != StateReady {
		t.Errorf("state after completion = %v, want ready", got)
	}
}
