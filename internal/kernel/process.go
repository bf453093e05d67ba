package kernel

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

const maxStderrBytes = 64 * 1024

// execProcess wraps a spawned runner subprocess with the process interface
// the kernel needs. Stderr is kept in a capped tail buffer for diagnostics.
type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stderr *tailBuffer
}

func spawn(argv []string) (*execProcess, io.WriteCloser, io.Reader, error) {
	if len(argv) == 0 {
		return nil, nil, nil, fmt.Errorf("runner command is empty")
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: &tailBuffer{limit: maxStderrBytes},
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start runner: %w", err)
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, stdin, stdout, nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error { return p.Signal(syscall.SIGTERM) }

func (p *execProcess) StderrTail() string { return p.stderr.String() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
