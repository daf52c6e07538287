// Package vmctl wraps the external virtualization CLI named by
// server.cli_path. Every method shells out, captures stdout/stderr,
// parses the result, and returns a typed outcome; no method ever
// retains a reference into the spawned process beyond its own call.
package vmctl

import (
	"context"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/nullsector/detonator/internal/auditlog"
	"github.com/nullsector/detonator/internal/errx"
	"github.com/nullsector/detonator/internal/model"
)

// AuditSink is the subset of auditlog.Recorder the Controller drives.
// A nil AuditSink (the default) disables the CLI audit trail entirely;
// *auditlog.Recorder itself is nil-safe so callers can pass a possibly-
// nil Recorder straight through without a guard.
type AuditSink interface {
	Record(ctx context.Context, inv auditlog.Invocation)
}

type pipelineIDKey struct{}

// WithPipelineID attaches a pipeline id to ctx so every virtualization-
// CLI invocation made with it is recorded against that pipeline in the
// audit trail. The Pipeline Runner calls this once at the start of Run.
func WithPipelineID(ctx context.Context, pipelineID string) context.Context {
	return context.WithValue(ctx, pipelineIDKey{}, pipelineID)
}

func pipelineIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(pipelineIDKey{}).(string)
	return id
}

// PowerMode selects how PowerOn starts a VM.
type PowerMode string

const (
	ModeHeadless PowerMode = "headless"
	ModeGUI      PowerMode = "gui"
)

const (
	cleanupPollInterval = time.Second
	cleanupPollTimeout  = 30 * time.Second
	cleanupSettle       = 2 * time.Second
	acpiWait            = 5 * time.Second
	guestReadyPoll      = 500 * time.Millisecond
)

// Controller is a one-shot wrapper over the virtualization CLI binary.
// All methods are safe to call concurrently for different VM names; two
// concurrent calls for the *same* VM name are the caller's
// responsibility to serialize (the VM Pool does this).
type Controller struct {
	run cliRunner

	// Audit records every invocation for forensic replay (SPEC_FULL.md
	// §4.9). Optional: nil disables the trail.
	Audit AuditSink

	// sleep/now are indirected for deterministic tests of the polling
	// loops in CleanupResources and WaitGuestReady.
	sleep func(time.Duration)
	now   func() time.Time
}

func NewController(cliPath string) *Controller {
	return &Controller{
		run:   newRunner(cliPath),
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// runAudited is the one seam every CLI invocation passes through: it
// runs the command via c.run and, if c.Audit is set, appends an
// Invocation record keyed by the pipeline id carried on ctx. Recording
// never affects the call's outcome.
func (c *Controller) runAudited(ctx context.Context, vm string, timeout time.Duration, args ...string) (cliResult, error) {
	started := c.now()
	res, err := c.run.run(ctx, timeout, args...)
	if c.Audit != nil {
		c.Audit.Record(ctx, auditlog.Invocation{
			PipelineID: pipelineIDFrom(ctx),
			VMName:     vm,
			Argv:       args,
			StartedAt:  started,
			EndedAt:    c.now(),
			ExitCode:   res.ExitCode,
			Stderr:     res.Stderr,
		})
	}
	return res, err
}

// Status reads the VM's power/session state. It never fails for "VM
// not found" — that is reported as PowerUnknown.
func (c *Controller) Status(ctx context.Context, vm string) (model.VMStatus, error) {
	res, err := c.runAudited(ctx, vm, 30*time.Second, "showvminfo", vm, "--machinereadable")
	if err != nil {
		return model.VMStatus{PowerState: model.PowerUnknown}, nil
	}
	if res.ExitCode != 0 {
		return model.VMStatus{PowerState: model.PowerUnknown}, nil
	}
	return parseInfoOutput(res.Stdout), nil
}

func parseInfoOutput(stdout string) model.VMStatus {
	status := model.VMStatus{PowerState: model.PowerUnknown}
	for _, line := range strings.Split(stdout, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "VMState":
			status.PowerState = normalizePowerState(value)
		case "SessionState":
			status.SessionState = value
		}
	}
	return status
}

func normalizePowerState(raw string) model.PowerState {
	switch strings.ToLower(raw) {
	case "running":
		return model.PowerRunning
	case "paused":
		return model.PowerPaused
	case "stuck":
		return model.PowerStuck
	case "starting":
		return model.PowerStarting
	case "poweroff":
		return model.PowerOff
	case "aborted":
		return model.PowerAborted
	case "saved":
		return model.PowerSaved
	default:
		return model.PowerUnknown
	}
}

// RestoreSnapshot restores vm to snapshotName. Precondition: vm is not
// running; callers must have called CleanupResources first if it might
// be.
func (c *Controller) RestoreSnapshot(ctx context.Context, vm, snapshotName string, timeout time.Duration) error {
	res, err := c.runAudited(ctx, vm, timeout, "snapshot", vm, "restore", snapshotName)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errWithDetail(ErrSnapshotRestoreFailed, vm, res)
	}
	return nil
}

// PowerOn asynchronously starts vm; it returns once the CLI accepts the
// request, not once the guest is usable. Use WaitGuestReady for that.
func (c *Controller) PowerOn(ctx context.Context, vm string, mode PowerMode, timeout time.Duration) error {
	cliMode := "headless"
	if mode == ModeGUI {
		cliMode = "gui"
	}
	res, err := c.runAudited(ctx, vm, timeout, "startvm", vm, "--type", cliMode)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errWithDetail(ErrPowerOnFailed, vm, res)
	}
	return nil
}

// WaitGuestReady polls for guest-additions responsiveness by attempting
// a trivial in-guest command until deadline.
func (c *Controller) WaitGuestReady(ctx context.Context, vm, user, password string, deadline time.Time) error {
	for c.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := c.runAudited(ctx, vm, 10*time.Second, "guestcontrol", vm, "run",
			"--exe", "cmd.exe", "--username", user, "--password", password, "--", "cmd.exe", "/c", "exit")
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		c.sleep(guestReadyPoll)
	}
	return ErrGuestNotReady
}

// CopyToGuest uploads hostPath to guestPath, overwriting any existing
// file.
func (c *Controller) CopyToGuest(ctx context.Context, vm, hostPath, guestPath, user, password string, deadline time.Time) error {
	timeout := time.Until(deadline)
	res, err := c.runAudited(ctx, vm, timeout, "guestcontrol", vm, "copyto", hostPath, guestPath,
		"--username", user, "--password", password)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if isAuthFailure(res.Stderr) {
			return errWithDetail(ErrAuthFailed, vm, res)
		}
		return errWithDetail(ErrTransferFailed, vm, res)
	}
	return nil
}

// ExecInGuest runs a single program+argv (not a shell) inside the
// guest. commandLine is split with shell-style quoting into a program
// and its argv, passed in the CLI's --exe/-- argument form; callers
// that need shell semantics compose through
// internal/guestcmd first.
func (c *Controller) ExecInGuest(ctx context.Context, vm, commandLine, user, password string, deadline time.Time) (int, string, string, error) {
	program, args := splitProgramArgs(commandLine)
	timeout := time.Until(deadline)

	cliArgs := []string{"guestcontrol", vm, "run", "--exe", program, "--username", user, "--password", password, "--"}
	cliArgs = append(cliArgs, program)
	cliArgs = append(cliArgs, args...)

	res, err := c.runAudited(ctx, vm, timeout, cliArgs...)
	if err != nil {
		return 0, res.Stdout, res.Stderr, err
	}
	if res.ExitCode != 0 && isAuthFailure(res.Stderr) {
		return res.ExitCode, res.Stdout, res.Stderr, errWithDetail(ErrAuthFailed, vm, res)
	}
	return res.ExitCode, res.Stdout, res.Stderr, nil
}

// CleanupResources returns vm to poweroff with no held session,
// surviving stuck/locked states. It is idempotent and is the only
// primitive every pipeline exit path calls — success or failure.
func (c *Controller) CleanupResources(ctx context.Context, vm string) error {
	status, err := c.Status(ctx, vm)
	if err != nil {
		return err
	}

	if status.PowerState == model.PowerRunning || status.PowerState == model.PowerPaused ||
		status.PowerState == model.PowerStuck || status.PowerState == model.PowerStarting {
		if err := c.powerOffAttempts(ctx, vm); err != nil {
			return err
		}
	}

	deadline := c.now().Add(cleanupPollTimeout)
	for c.now().Before(deadline) {
		status, err = c.Status(ctx, vm)
		if err == nil && status.PowerState.IsOff() {
			c.sleep(cleanupSettle)
			return nil
		}
		c.sleep(cleanupPollInterval)
	}

	return errx.With(ErrCleanupFailed, " vm=%s final_state=%s", vm, status.PowerState)
}

// powerOffAttempts escalates: graceful poweroff, then ACPI power
// button with a short wait, then forced poweroff.
func (c *Controller) powerOffAttempts(ctx context.Context, vm string) error {
	res, _ := c.runAudited(ctx, vm, 30*time.Second, "controlvm", vm, "poweroff")
	if res.ExitCode == 0 {
		return nil
	}

	_, _ = c.runAudited(ctx, vm, 10*time.Second, "controlvm", vm, "acpipowerbutton")
	c.sleep(acpiWait)
	status, err := c.Status(ctx, vm)
	if err == nil && status.PowerState.IsOff() {
		return nil
	}

	_, _ = c.runAudited(ctx, vm, 30*time.Second, "controlvm", vm, "poweroff")
	return nil
}

func isAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "authentication") || strings.Contains(lower, "invalid password") ||
		strings.Contains(lower, "logon failure")
}

// splitProgramArgs splits a commandLine into its program and argv,
// honoring shell-style quoting so a quoted argument containing spaces
// (as the Guest Command Layer's -Command payload always is) survives
// as one argv entry instead of being torn apart on whitespace.
func splitProgramArgs(commandLine string) (string, []string) {
	fields, err := shellquote.Split(commandLine)
	if err != nil || len(fields) == 0 {
		// Malformed quoting (unbalanced quote) falls back to a naive
		// split rather than failing the call outright; the CLI
		// invocation below will surface any resulting argv mismatch as
		// a non-zero exit.
		fields = strings.Fields(commandLine)
	}
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func errWithDetail(sentinel error, vm string, res cliResult) error {
	return errx.With(sentinel, " vm=%s exit=%d stderr=%s", vm, res.ExitCode, truncate(res.Stderr, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
