package executor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"voxcoder/log"
)

// Registry is the process-wide package environment the engine installs
// into during remediation. Passed by reference so an isolated per-session
// environment can be swapped in without changing the engine.
type Registry interface {
	Install(ctx context.Context, pkg string) error
}

const pipTimeout = 120 * time.Second

// PipRegistry installs packages into the host Python environment.
// Concurrent installs of the same package are tolerated: pip treats an
// already-satisfied requirement as a no-op.
type PipRegistry struct {
	python  []string
	timeout time.Duration
}

func NewPipRegistry(python []string) *PipRegistry {
	if len(python) == 0 {
		python = []string{"python3"}
	}
	return &PipRegistry{python: python, timeout: pipTimeout}
}

func (r *PipRegistry) Install(ctx context.Context, pkg string) error {
	installCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.python[1:]...), "-m", "pip", "install", pkg, "--quiet")
	cmd := exec.CommandContext(installCtx, r.python[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warnf("executor: pip install %s failed: %v", pkg, err)
		return fmt.Errorf("executor: installing %s: %w: %s", pkg, err, out)
	}
	log.Infof("executor: installed %s", pkg)
	return nil
}
