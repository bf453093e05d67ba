// Package doctor validates quarry configuration and environment before the
// engine starts serving.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host environment.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStorage(r)
	d.validateRunner(r)
	d.validateTimeouts(r)
	d.validateAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStorage checks the catalog path is openable and the data dir
// writable.
func (d *Doctor) validateStorage(r *Result) {
	if d.cfg.Storage.CatalogPath == "" {
		d.addError(r, "storage", "storage.catalog_path", "catalog_path is required")
	} else {
		db, err := storage.OpenSQLite(context.Background(), d.cfg.Storage.CatalogPath)
		if err != nil {
			d.addError(r, "storage", "storage.catalog_path",
				fmt.Sprintf("cannot open catalog: %v", err))
		} else {
			_ = db.Close()
		}
	}

	if d.cfg.Storage.DataDir == "" {
		d.addError(r, "storage", "storage.data_dir", "data_dir is required")
		return
	}
	if err := os.MkdirAll(d.cfg.Storage.DataDir, 0o755); err != nil {
		d.addError(r, "storage", "storage.data_dir",
			fmt.Sprintf("cannot create data dir: %v", err))
		return
	}
	probe := filepath.Join(d.cfg.Storage.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		d.addError(r, "storage", "storage.data_dir",
			fmt.Sprintf("data dir is not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
}

// validateRunner checks that the kernel runner command resolves to an
// executable.
func (d *Doctor) validateRunner(r *Result) {
	if len(d.cfg.Kernel.Command) == 0 {
		d.addError(r, "kernel", "kernel.command", "kernel command is required")
		return
	}
	bin := d.cfg.Kernel.Command[0]
	if strings.Contains(bin, string(os.PathSeparator)) {
		info, err := os.Stat(bin)
		if err != nil {
			d.addError(r, "kernel", "kernel.command",
				fmt.Sprintf("runner %q not found: %v", bin, err))
			return
		}
		if info.Mode()&0o111 == 0 {
			d.addError(r, "kernel", "kernel.command",
				fmt.Sprintf("runner %q is not executable", bin))
		}
		return
	}
	if _, err := exec.LookPath(bin); err != nil {
		d.addError(r, "kernel", "kernel.command",
			fmt.Sprintf("runner %q not found in PATH", bin))
	}
}

func (d *Doctor) validateTimeouts(r *Result) {
	if d.cfg.Kernel.ExecTimeout <= 0 {
		d.addError(r, "kernel", "kernel.exec_timeout", "exec_timeout must be positive")
	}
	if d.cfg.Kernel.BootstrapTimeout <= 0 {
		d.addError(r, "kernel", "kernel.bootstrap_timeout", "bootstrap_timeout must be positive")
	}
	if d.cfg.Ingest.LockWait <= 0 {
		d.addError(r, "ingest", "ingest.lock_wait", "lock_wait must be positive")
	}
	if d.cfg.Kernel.IdleTimeout > 0 && d.cfg.Kernel.IdleTimeout < d.cfg.Kernel.ExecTimeout {
		d.addWarning(r, "kernel", "kernel.idle_timeout",
			"idle_timeout shorter than exec_timeout; kernels may be reaped between statements")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "listen address is required when api is enabled")
	}
	if d.cfg.API.APIKey == "" && !strings.HasPrefix(d.cfg.API.Listen, "127.0.0.1") &&
		!strings.HasPrefix(d.cfg.API.Listen, "localhost") {
		d.addWarning(r, "api", "api.api_key",
			"api exposed beyond loopback without an api_key")
	}
}
