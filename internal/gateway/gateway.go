package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/fault"
	"github.com/mattjoyce/quarry/internal/kernel"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_runtime.go -package=mocks github.com/mattjoyce/quarry/internal/gateway Runtime

// Runtime is the slice of the kernel manager the gateway depends on.
type Runtime interface {
	Submit(ctx context.Context, workspaceID, code string, timeout time.Duration) (*protocol.Response, error)
	Interrupt(workspaceID string) error
	Status(workspaceID string) kernel.State
}

// Auditor records completed executions. Satisfied by catalog.Store.
type Auditor interface {
	RecordExec(ctx context.Context, rec *catalog.ExecRecord) error
}

// Gateway accepts code submissions, runs them on the workspace kernel, and
// classifies what came back. Ordering and one-at-a-time execution are the
// runtime's job; the gateway adds timeout escalation, auditing, and shape
// classification.
type Gateway struct {
	runtime Runtime
	audit   Auditor
	hub     *events.Hub
	cfg     config.KernelConfig

	// mu guards cancelled. A workspace lands in cancelled when Cancel
	// interrupts its in-flight execution; the next completed submission
	// for that workspace consumes the mark.
	mu        sync.Mutex
	cancelled map[string]bool
}

func New(runtime Runtime, audit Auditor, hub *events.Hub, cfg config.KernelConfig) *Gateway {
	return &Gateway{
		runtime:   runtime,
		audit:     audit,
		hub:       hub,
		cfg:       cfg,
		cancelled: make(map[string]bool),
	}
}

func (g *Gateway) markCancelled(workspaceID string) {
	g.mu.Lock()
	g.cancelled[workspaceID] = true
	g.mu.Unlock()
}

func (g *Gateway) takeCancelled(workspaceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.cancelled[workspaceID]
	delete(g.cancelled, workspaceID)
	return was
}

// ExecError is the structured failure surfaced to the caller when submitted
// code raised instead of completing.
type ExecError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Result is the outcome of one execution. Cancelled distinguishes an
// execution stopped by an interrupt from one that raised on its own.
type Result struct {
	ID        string        `json:"id"`
	Success   bool          `json:"success"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Error     *ExecError    `json:"error,omitempty"`
	Value     *Value        `json:"value,omitempty"`
	Vars      *protocol.Vars `json:"vars,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Execute runs code on the workspace's kernel and classifies the outcome.
// Code that raises is not a transport failure: the error comes back inside
// the Result. The returned error is reserved for the engine itself failing,
// timing out, or rejecting the submission.
func (g *Gateway) Execute(ctx context.Context, workspaceID, code string) (*Result, error) {
	if workspaceID == "" {
		return nil, fault.Validation("workspace id is required")
	}
	if strings.TrimSpace(code) == "" {
		return nil, fault.Validation("code is empty")
	}

	id := uuid.NewString()
	started := time.Now()
	logger := log.WithWorkspace(workspaceID).With("exec_id", id)

	g.hub.Publish(events.TypeProgress, "execute", workspaceID, "execution started", nil)

	resp, err := g.runtime.Submit(ctx, workspaceID, code, g.cfg.ExecTimeout)
	if err != nil {
		wasCancelled := g.takeCancelled(workspaceID)
		if fault.IsExecution(err) {
			// The runtime reported the code failing, not itself. Fold it
			// into the result like any other raised error.
			res := &Result{
				ID:        id,
				Cancelled: wasCancelled,
				Error:     &ExecError{Message: err.Error()},
				Elapsed:   time.Since(started),
			}
			g.record(ctx, id, workspaceID, len(code), statusOf(res), "", err.Error(), started)
			g.hub.Publish(events.TypeCompleted, "execute", workspaceID, "execution failed", res)
			return res, nil
		}
		status := "failed"
		if fault.IsTimeout(err) {
			status = "timed_out"
			// Ask the runner to abandon the statement so the kernel can
			// drain back to ready instead of staying wedged.
			if ierr := g.runtime.Interrupt(workspaceID); ierr != nil {
				logger.Warn("interrupt after timeout failed", "error", ierr)
			}
		}
		g.record(ctx, id, workspaceID, len(code), status, "", err.Error(), started)
		g.hub.Publish(events.TypeError, "execute", workspaceID, err.Error(), nil)
		return nil, err
	}

	res := &Result{
		ID:      id,
		Success: resp.Succeeded(),
		Stdout:  resp.Stdout,
		Stderr:  resp.Stderr,
		Vars:    resp.Vars,
		Elapsed: time.Since(started),
	}
	res.Cancelled = g.takeCancelled(workspaceID) && !res.Success

	if resp.Status == "error" {
		res.Error = &ExecError{Message: resp.Error, Trace: resp.Trace}
		g.record(ctx, id, workspaceID, len(code), statusOf(res), "", resp.Error, started)
		if res.Cancelled {
			logger.Info("execution cancelled")
		} else {
			logger.Info("execution raised", "error", resp.Error)
		}
		g.hub.Publish(events.TypeCompleted, "execute", workspaceID, "execution failed", res)
		return res, nil
	}

	res.Value = Classify(resp.Result, resp.ResultName)
	kind := ""
	if res.Value != nil {
		kind = res.Value.Kind
	}
	g.record(ctx, id, workspaceID, len(code), statusOf(res), kind, resp.Stderr, started)

	logger.Info("execution completed",
		"success", res.Success, "kind", kind, "elapsed", res.Elapsed.String())
	g.hub.Publish(events.TypeCompleted, "execute", workspaceID, "execution completed", res)
	return res, nil
}

// Cancel interrupts the workspace's in-flight execution, if any.
func (g *Gateway) Cancel(workspaceID string) error {
	if workspaceID == "" {
		return fault.Validation("workspace id is required")
	}
	if g.runtime.Status(workspaceID) != kernel.StateBusy {
		return fault.Validation("workspace %s has no execution in flight", workspaceID)
	}
	if err := g.runtime.Interrupt(workspaceID); err != nil {
		return err
	}
	g.markCancelled(workspaceID)
	g.hub.Publish(events.TypeStatus, "execute", workspaceID, "execution cancelled", nil)
	return nil
}

func statusOf(res *Result) string {
	switch {
	case res.Success:
		return "succeeded"
	case res.Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (g *Gateway) record(ctx context.Context, id, workspaceID string, codeSize int, status, kind, errMsg string, started time.Time) {
	rec := &catalog.ExecRecord{
		ID:          id,
		WorkspaceID: workspaceID,
		CodeSize:    codeSize,
		Status:      status,
		ResultKind:  kind,
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
	}
	if errMsg != "" {
		rec.Error = &errMsg
	}
	if err := g.audit.RecordExec(ctx, rec); err != nil {
		log.WithWorkspace(workspaceID).Warn("exec audit write failed", "error", err)
	}
}
