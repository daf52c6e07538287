// Package console implements the operator console attach described in
// SPEC_FULL.md §4.10: `detonator console <vm>` relays the operator's
// local terminal to an interactive guest shell for live observation
// during development. It is never invoked by the Pipeline.
//
// The relay itself mirrors the teacher's runInteractive/runExecInteractive
// pattern in cmd/matchlock: allocate a pty, put the local terminal into
// raw mode, and pump bytes between the two until the child exits or the
// context is cancelled.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Attach spawns the virtualization CLI's interactive guest exec
// subcommand (cliPath guestcontrol vm run --exe shellPath -- shellPath,
// run with --tty so the CLI itself allocates a guest-side terminal),
// wires it to a host pty, and relays stdin/stdout between the
// operator's terminal and that pty until the child exits.
func Attach(ctx context.Context, cliPath, vm, user, password, shellPath string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("console: attach requires a TTY")
	}

	cmd := exec.CommandContext(ctx, cliPath,
		"guestcontrol", vm, "run",
		"--exe", shellPath, "--username", user, "--password", password, "--tty",
		"--", shellPath)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("console: start pty: %w", err)
	}
	defer ptmx.Close()

	if err := syncSize(ptmx); err != nil {
		return fmt.Errorf("console: initial resize: %w", err)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = syncSize(ptmx)
		}
	}()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("console: set raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
		close(done)
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
	}()

	waitErr := cmd.Wait()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return waitErr
}

func syncSize(ptmx *os.File) error {
	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return err
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}
