package vmctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/auditlog"
	"github.com/nullsector/detonator/internal/model"
)

// fakeRunner scripts a sequence of responses per subcommand, keyed by
// the first CLI argument (e.g. "showvminfo", "controlvm").
type fakeRunner struct {
	t       *testing.T
	queue   map[string][]cliResult
	errs    map[string][]error
	calls   []string
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t, queue: map[string][]cliResult{}, errs: map[string][]error{}}
}

func (f *fakeRunner) push(subcommand string, res cliResult, err error) {
	f.queue[subcommand] = append(f.queue[subcommand], res)
	f.errs[subcommand] = append(f.errs[subcommand], err)
}

func (f *fakeRunner) run(ctx context.Context, timeout time.Duration, args ...string) (cliResult, error) {
	f.calls = append(f.calls, args[0])
	q := f.queue[args[0]]
	e := f.errs[args[0]]
	if len(q) == 0 {
		f.t.Fatalf("no scripted response for %q", args[0])
	}
	res := q[0]
	err := e[0]
	f.queue[args[0]] = q[1:]
	f.errs[args[0]] = e[1:]
	return res, err
}

func newTestController(run cliRunner) *Controller {
	return &Controller{
		run:   run,
		sleep: func(time.Duration) {},
		now:   time.Now,
	}
}

func TestParseInfoOutput(t *testing.T) {
	stdout := `name="analysis-win10"
VMState="running"
SessionState="Locked"
memory=4096
`
	status := parseInfoOutput(stdout)
	require.Equal(t, model.PowerRunning, status.PowerState)
	require.Equal(t, "Locked", status.SessionState)
}

func TestStatusUnknownOnCLIFailure(t *testing.T) {
	fr := newFakeRunner(t)
	fr.push("showvminfo", cliResult{}, errors.New("boom"))
	c := newTestController(fr)

	status, err := c.Status(context.Background(), "vm1")
	require.NoError(t, err)
	require.Equal(t, model.PowerUnknown, status.PowerState)
}

func TestCleanupResourcesUnstacksLockedVM(t *testing.T) {
	fr := newFakeRunner(t)
	// initial Status: running/locked
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="running"` + "\nSessionState=\"Locked\"\n"}, nil)
	// graceful poweroff fails
	fr.push("controlvm", cliResult{ExitCode: 1}, nil)
	// acpipowerbutton accepted
	fr.push("controlvm", cliResult{ExitCode: 0}, nil)
	// status check after acpi wait: still running
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="running"` + "\n"}, nil)
	// forced poweroff
	fr.push("controlvm", cliResult{ExitCode: 0}, nil)
	// poll loop: now off
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="poweroff"` + "\n"}, nil)

	c := newTestController(fr)
	err := c.CleanupResources(context.Background(), "vm1")
	require.NoError(t, err)
}

func TestCleanupResourcesIdempotentOnAlreadyOffVM(t *testing.T) {
	fr := newFakeRunner(t)
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="poweroff"` + "\n"}, nil)
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="poweroff"` + "\n"}, nil)

	c := newTestController(fr)
	err := c.CleanupResources(context.Background(), "vm1")
	require.NoError(t, err)
	require.NotContains(t, fr.calls, "controlvm")
}

func TestExecInGuestReportsAuthFailed(t *testing.T) {
	fr := newFakeRunner(t)
	fr.push("guestcontrol", cliResult{ExitCode: 1, Stderr: "Authentication failed"}, nil)
	c := newTestController(fr)

	_, _, _, err := c.ExecInGuest(context.Background(), "vm1", "cmd.exe /c exit", "u", "p", time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrAuthFailed)
}

type fakeAuditSink struct {
	recorded []auditlog.Invocation
}

func (f *fakeAuditSink) Record(ctx context.Context, inv auditlog.Invocation) {
	f.recorded = append(f.recorded, inv)
}

func TestStatusRecordsAuditInvocationWithPipelineID(t *testing.T) {
	fr := newFakeRunner(t)
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="running"` + "\n"}, nil)
	c := newTestController(fr)
	sink := &fakeAuditSink{}
	c.Audit = sink

	ctx := WithPipelineID(context.Background(), "pipe-7")
	_, err := c.Status(ctx, "vm1")
	require.NoError(t, err)

	require.Len(t, sink.recorded, 1)
	require.Equal(t, "pipe-7", sink.recorded[0].PipelineID)
	require.Equal(t, "vm1", sink.recorded[0].VMName)
	require.Equal(t, []string{"showvminfo", "vm1", "--machinereadable"}, sink.recorded[0].Argv)
}

func TestNilAuditDoesNotRecord(t *testing.T) {
	fr := newFakeRunner(t)
	fr.push("showvminfo", cliResult{ExitCode: 0, Stdout: `VMState="running"` + "\n"}, nil)
	c := newTestController(fr)

	_, err := c.Status(context.Background(), "vm1")
	require.NoError(t, err)
}
