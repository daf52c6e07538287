package guestcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/nullsector/detonator/internal/errx"
)

var (
	ErrCommandFailed = fmt.Errorf("guestcmd: guest command failed")
)

// Execer is the subset of the VM Controller the Guest Command Layer
// drives: a single non-shell program+argv execution inside a guest,
// bounded by a deadline.
type Execer interface {
	ExecInGuest(ctx context.Context, vm, commandLine, user, password string, deadline time.Time) (exitCode int, stdout, stderr string, err error)
}

// Layer exposes the standardized guest primitives on top of an Execer,
// wrapping every path argument through QuotePath/WrapScript before it
// ever reaches a shell.
type Layer struct {
	exec Execer
}

func NewLayer(exec Execer) *Layer {
	return &Layer{exec: exec}
}

// guestShellProgram is the program the virtualization CLI is told to
// run in-guest; its single argument is the quoted script payload.
const guestShellProgram = "powershell.exe"

func (l *Layer) run(ctx context.Context, vm, script, user, password string, deadline time.Time) (exitCode int, stdout, stderr string, err error) {
	commandLine := guestShellProgram + " -NoProfile -NonInteractive -Command " + script
	exitCode, stdout, stderr, err = l.exec.ExecInGuest(ctx, vm, commandLine, user, password, deadline)
	if err != nil {
		return exitCode, stdout, stderr, errx.Wrap(ErrCommandFailed, err)
	}
	// A non-zero exit is a failure even when stderr is empty: the guest
	// shell may swallow error text that a crashed agent hook produced.
	if exitCode != 0 {
		return exitCode, stdout, stderr, errx.With(ErrCommandFailed, " exit=%d vm=%s", exitCode, vm)
	}
	return exitCode, stdout, stderr, nil
}

// GuestPathExists reports whether path exists on the guest.
func (l *Layer) GuestPathExists(ctx context.Context, vm, path, user, password string, deadline time.Time) (bool, error) {
	script := PathExistsScript(path)
	_, stdout, _, err := l.run(ctx, vm, script, user, password, deadline)
	if err != nil {
		return false, err
	}
	return ParseBool(stdout), nil
}

// GuestDeletePath removes path on the guest, tolerating its absence.
func (l *Layer) GuestDeletePath(ctx context.Context, vm, path, user, password string, deadline time.Time) error {
	script := DeletePathScript(path)
	_, _, _, err := l.run(ctx, vm, script, user, password, deadline)
	return err
}

// GuestListFiles lists dir's entries on the guest.
func (l *Layer) GuestListFiles(ctx context.Context, vm, dir string, recursive bool, user, password string, deadline time.Time) ([]string, error) {
	script := ListFilesScript(dir, recursive)
	_, stdout, _, err := l.run(ctx, vm, script, user, password, deadline)
	if err != nil {
		return nil, err
	}
	return ParseFileNames(stdout), nil
}

// GuestReadText reads a guest text file and returns its lines. Missing
// files surface as the same ErrCommandFailed every other guest command
// failure does; callers that need "absent means no data" must probe
// with GuestPathExists first.
func (l *Layer) GuestReadText(ctx context.Context, vm, path, user, password string, deadline time.Time) ([]string, error) {
	script := ReadTextScript(path)
	_, stdout, _, err := l.run(ctx, vm, script, user, password, deadline)
	if err != nil {
		return nil, err
	}
	return ParseTextLines(stdout), nil
}

// GuestRunExecutable launches path with argv on the guest and returns
// once the launch completes — this is deliberately fire-and-forget at
// the pipeline layer; Layer itself still waits for the launcher script
// to return so callers can detect a launch-time failure.
func (l *Layer) GuestRunExecutable(ctx context.Context, vm, path string, argv []string, user, password string, deadline time.Time) error {
	script := RunExecutableScript(path, argv)
	_, _, _, err := l.run(ctx, vm, script, user, password, deadline)
	return err
}
