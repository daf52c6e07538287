package vmctl

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nullsector/detonator/internal/errx"
)

// cliResult is the captured outcome of one virtualization-CLI
// invocation: exit code plus separated stdout/stderr.
type cliResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// cliRunner is the seam the Controller invokes the virtualization CLI
// through; tests substitute a fake to avoid shelling out.
type cliRunner interface {
	run(ctx context.Context, timeout time.Duration, args ...string) (cliResult, error)
}

// runner shells out to the configured virtualization CLI binary. Every
// invocation is a fresh child process, run in its own process group so
// a timeout can kill the whole group instead of leaking an orphan.
type runner struct {
	binPath string
}

func newRunner(binPath string) *runner {
	return &runner{binPath: binPath}
}

func (r *runner) run(ctx context.Context, timeout time.Duration, args ...string) (cliResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.binPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// exec.CommandContext only signals the direct child on context
	// cancellation; kill the whole process group so a timed-out CLI
	// invocation never leaves grandchildren (helper processes spawned
	// by the virtualization CLI) running.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return cliResult{Stdout: stdout.String(), Stderr: stderr.String()}, errx.With(ErrCLITimeout, " %s %v", r.binPath, args)
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return cliResult{Stdout: stdout.String(), Stderr: stderr.String()}, errx.With(ErrCLIInvocation, " %s %v: %w", r.binPath, args, runErr)
		}
		// Non-zero exit is reported through ExitCode below, not as a Go error.
	}
	return cliResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
