package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/collector"
	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/vmctl"
)

type fakeController struct {
	restoreErr    error
	powerOnErr    error
	waitGuestErr  error
	copyErr       error
	cleanupErr    error
	cleanupCalls  int

	// cleanupErrFromCall, when positive, makes cleanupErr apply only from
	// that CleanupResources call onward; earlier calls succeed.
	cleanupErrFromCall int
}

func (f *fakeController) RestoreSnapshot(ctx context.Context, vm, snapshotName string, timeout time.Duration) error {
	return f.restoreErr
}

func (f *fakeController) PowerOn(ctx context.Context, vm string, mode vmctl.PowerMode, timeout time.Duration) error {
	return f.powerOnErr
}

func (f *fakeController) WaitGuestReady(ctx context.Context, vm, user, password string, deadline time.Time) error {
	return f.waitGuestErr
}

func (f *fakeController) CopyToGuest(ctx context.Context, vm, hostPath, guestPath, user, password string, deadline time.Time) error {
	return f.copyErr
}

func (f *fakeController) CleanupResources(ctx context.Context, vm string) error {
	f.cleanupCalls++
	if f.cleanupErrFromCall > 0 && f.cleanupCalls < f.cleanupErrFromCall {
		return nil
	}
	return f.cleanupErr
}

type fakeGuest struct {
	pathExists    bool
	pathExistsErr error
	runErr        error
}

func (f *fakeGuest) GuestPathExists(ctx context.Context, vm, path, user, password string, deadline time.Time) (bool, error) {
	return f.pathExists, f.pathExistsErr
}

func (f *fakeGuest) GuestRunExecutable(ctx context.Context, vm, path string, argv []string, user, password string, deadline time.Time) error {
	return f.runErr
}

type fakePool struct {
	acquireErr      error
	released        []model.VMLease
	flaggedVMs      []string
	clearedVMs      []string
}

func (f *fakePool) Acquire(ctx context.Context, vmName, pipelineID string, waitDeadline time.Time) (model.VMLease, error) {
	if f.acquireErr != nil {
		return model.VMLease{}, f.acquireErr
	}
	return model.VMLease{VMName: vmName, PipelineID: pipelineID, AcquiredAt: time.Now()}, nil
}

func (f *fakePool) Release(lease model.VMLease) error {
	f.released = append(f.released, lease)
	return nil
}

func (f *fakePool) MarkNeedsAttention(vmName, reason string) {
	f.flaggedVMs = append(f.flaggedVMs, vmName)
}

func (f *fakePool) ClearNeedsAttention(vmName string) {
	f.clearedVMs = append(f.clearedVMs, vmName)
}

type fakeCollector struct {
	result collector.Result
	err    error
}

func (f *fakeCollector) Collect(ctx context.Context, vmCtx collector.VMContext, window collector.Window) (collector.Result, error) {
	return f.result, f.err
}

type fakeRegistry struct {
	c   collector.Collector
	err error
}

func (f *fakeRegistry) For(kind model.AgentKind) (collector.Collector, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.c, nil
}

func testParams() Params {
	return Params{
		PipelineID: "pipe-1",
		Sample:     model.Sample{Name: "sample.exe", HashHex: "abc"},
		VM:         model.VMSpec{VMName: "vm1", AgentKind: model.AgentDefender, GuestDesktopPath: `C:\Users\analyst\Desktop`},
		GUIMode:    false,
		Timeouts: Timeouts{
			AcquireWait:             time.Second,
			Restore:                 time.Second,
			PowerOn:                 time.Second,
			WaitGuestReady:          time.Second,
			Upload:                  time.Second,
			DetonationReactionDwell: 0,
			Execute:                 time.Second,
			MonitoringWindow:        0,
			DetonationGrace:         time.Second,
			Collect:                 time.Second,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRunHappyPathReachesReleasedWithAlerts(t *testing.T) {
	ctrl := &fakeController{}
	guest := &fakeGuest{pathExists: true}
	pool := &fakePool{}
	registry := &fakeRegistry{c: &fakeCollector{result: collector.Result{Alerts: []model.Alert{{Severity: model.SeverityHigh}}}}}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.Equal(t, model.PhaseReleased, result.Phase)
	require.Empty(t, result.ErrorKind)
	require.Len(t, result.Alerts, 1)
	require.False(t, result.SampleDeletedByAgent)
	require.Equal(t, 2, ctrl.cleanupCalls)
	require.Len(t, pool.released, 1)
	require.NotNil(t, result.EndedAt)
}

func TestRunSampleDeletedByAgentIsNotAnError(t *testing.T) {
	ctrl := &fakeController{}
	guest := &fakeGuest{pathExists: false}
	pool := &fakePool{}
	registry := &fakeRegistry{c: &fakeCollector{result: collector.Result{Alerts: []model.Alert{{}}}}}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.True(t, result.SampleDeletedByAgent)
	require.Empty(t, result.ErrorKind)
	require.Equal(t, model.PhaseReleased, result.Phase)
}

func TestRunRestoreFailureShortCircuitsToCleanup(t *testing.T) {
	ctrl := &fakeController{restoreErr: vmctl.ErrSnapshotRestoreFailed}
	guest := &fakeGuest{}
	pool := &fakePool{}
	registry := &fakeRegistry{}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.Equal(t, model.ErrorKindEnvironmentFailed, result.ErrorKind)
	require.Equal(t, model.PhaseReleased, result.Phase)
	require.Equal(t, 2, ctrl.cleanupCalls)
	require.Len(t, pool.released, 1)
}

func TestRunUploadFailureStillRunsCollecting(t *testing.T) {
	ctrl := &fakeController{copyErr: vmctl.ErrTransferFailed}
	guest := &fakeGuest{}
	pool := &fakePool{}
	collected := &fakeCollector{result: collector.Result{Alerts: []model.Alert{{}}}}
	registry := &fakeRegistry{c: collected}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.Equal(t, model.ErrorKindDetonationFailed, result.ErrorKind)
	require.Len(t, result.Alerts, 1, "collecting must still run after an upload failure")
	require.Equal(t, model.PhaseReleased, result.Phase)
}

func TestRunCleanupFailureOverridesEarlierSuccess(t *testing.T) {
	ctrl := &fakeController{cleanupErr: vmctl.ErrCleanupFailed, cleanupErrFromCall: 2}
	guest := &fakeGuest{pathExists: true}
	pool := &fakePool{}
	registry := &fakeRegistry{c: &fakeCollector{}}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.Equal(t, model.ErrorKindCleanupFailed, result.ErrorKind)
}

func TestRunCancellationDuringDwellingRunsCollectingThenCleanup(t *testing.T) {
	ctrl := &fakeController{}
	guest := &fakeGuest{pathExists: true}
	pool := &fakePool{}
	registry := &fakeRegistry{c: &fakeCollector{result: collector.Result{Events: []model.Event{{EventType: model.EventProcessCreate}}}}}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	params := testParams()
	params.Timeouts.MonitoringWindow = time.Hour
	result := r.Run(ctx, params)

	require.Equal(t, model.ErrorKindCancelled, result.ErrorKind)
	require.Equal(t, model.PhaseReleased, result.Phase)
	require.Len(t, result.Events, 1, "partial events up to cancellation must still be collected")
	require.Equal(t, 2, ctrl.cleanupCalls)
}

func TestRunPoolAcquireFailureSkipsCleanup(t *testing.T) {
	ctrl := &fakeController{}
	guest := &fakeGuest{}
	pool := &fakePool{acquireErr: context.DeadlineExceeded}
	registry := &fakeRegistry{}

	r := NewRunner(ctrl, guest, pool, registry, nil, discardLogger())
	result := r.Run(context.Background(), testParams())

	require.Equal(t, model.ErrorKindEnvironmentFailed, result.ErrorKind)
	require.Equal(t, 0, ctrl.cleanupCalls)
}
