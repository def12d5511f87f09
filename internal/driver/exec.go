package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for output pipes held open by
// a service the command left running in the background.
const DefaultWaitDelay = 2 * time.Second

// ExecRunner runs commands as child processes and waits for them to exit.
type ExecRunner struct {
	stdout    io.Writer
	stderr    io.Writer
	dir       string
	waitDelay time.Duration
}

// ExecConfig holds configuration for an ExecRunner.
type ExecConfig struct {
	Stdout     io.Writer // defaults to os.Stdout
	Stderr     io.Writer // defaults to os.Stderr
	WorkingDir string
	WaitDelay  time.Duration // 0 for DefaultWaitDelay
}

// NewExec creates a runner that executes commands directly.
func NewExec(cfg ExecConfig) *ExecRunner {
	r := &ExecRunner{
		stdout:    cfg.Stdout,
		stderr:    cfg.Stderr,
		dir:       cfg.WorkingDir,
		waitDelay: cfg.WaitDelay,
	}
	if r.stdout == nil {
		r.stdout = os.Stdout
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}
	if r.waitDelay <= 0 {
		r.waitDelay = DefaultWaitDelay
	}
	return r
}

func (r *ExecRunner) Run(ctx context.Context, argv []string, env []string) (int, error) {
	if len(argv) == 0 {
		return -1, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = r.dir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	cmd.WaitDelay = r.waitDelay

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	case errors.Is(err, exec.ErrWaitDelay):
		// The command exited cleanly but a background child kept our pipe.
		return cmd.ProcessState.ExitCode(), nil
	default:
		return -1, fmt.Errorf("running %s: %w", argv[0], err)
	}
}
