// Package pipeline drives one sample through one VM: acquire, restore,
// start, upload, detonate, dwell, collect, and always clean up. It is
// the direct analogue of the teacher's lifecycle reconciler, but
// instead of reconciling one VM's on-disk record against its process
// state, it advances one VMResult through the phase sequence in
// internal/model while orchestrating the VM Controller, Guest Command
// Layer, VM Pool, and Collector registry around it.
package pipeline

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/nullsector/detonator/internal/collector"
	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/vmctl"
)

// Controller is the subset of vmctl.Controller the Pipeline drives.
type Controller interface {
	RestoreSnapshot(ctx context.Context, vm, snapshotName string, timeout time.Duration) error
	PowerOn(ctx context.Context, vm string, mode vmctl.PowerMode, timeout time.Duration) error
	WaitGuestReady(ctx context.Context, vm, user, password string, deadline time.Time) error
	CopyToGuest(ctx context.Context, vm, hostPath, guestPath, user, password string, deadline time.Time) error
	CleanupResources(ctx context.Context, vm string) error
}

// GuestLayer is the subset of guestcmd.Layer the Pipeline drives.
type GuestLayer interface {
	GuestPathExists(ctx context.Context, vm, path, user, password string, deadline time.Time) (bool, error)
	GuestRunExecutable(ctx context.Context, vm, path string, argv []string, user, password string, deadline time.Time) error
}

// Pool is the subset of vmpool.Pool the Pipeline drives.
type Pool interface {
	Acquire(ctx context.Context, vmName, pipelineID string, waitDeadline time.Time) (model.VMLease, error)
	Release(lease model.VMLease) error
	MarkNeedsAttention(vmName, reason string)
	ClearNeedsAttention(vmName string)
}

// CollectorRegistry is the subset of collector.Registry the Pipeline drives.
type CollectorRegistry interface {
	For(kind model.AgentKind) (collector.Collector, error)
}

// NetIsolation is the subset of netisolate.Controller the Pipeline
// drives. It is optional — a nil NetIsolation disables §4.8 entirely.
type NetIsolation interface {
	ApplyIsolation(ctx context.Context, vm string, allowlist []string) error
	ClearIsolation(ctx context.Context, vm string) error
}

// Timeouts bundles every per-phase deadline the Pipeline honors. All
// fields have sane defaults applied by config.Analysis; the Runner
// never invents its own.
type Timeouts struct {
	AcquireWait             time.Duration
	Restore                 time.Duration
	PowerOn                 time.Duration
	WaitGuestReady          time.Duration
	Upload                  time.Duration
	DetonationReactionDwell time.Duration
	Execute                 time.Duration
	MonitoringWindow        time.Duration
	DetonationGrace         time.Duration
	Collect                 time.Duration
}

// Params is everything one Run needs beyond the shared collaborators.
type Params struct {
	PipelineID       string
	Sample           model.Sample
	VM               model.VMSpec
	GUIMode          bool
	Timeouts         Timeouts
	NetworkAllowlist []string
}

// Runner executes one Pipeline run per call to Run. It holds no
// per-run state itself; every field here is a shared collaborator
// safe to use concurrently across many simultaneous Runs on different
// VMs (the Pool is what serializes access to any one VM).
type Runner struct {
	Controller Controller
	Guest      GuestLayer
	Pool       Pool
	Collectors CollectorRegistry
	NetIso     NetIsolation // nil disables network isolation
	Log        *slog.Logger

	now func() time.Time
}

func NewRunner(ctrl Controller, guest GuestLayer, pool Pool, collectors CollectorRegistry, netIso NetIsolation, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		Controller: ctrl,
		Guest:      guest,
		Pool:       pool,
		Collectors: collectors,
		NetIso:     netIso,
		Log:        log,
		now:        time.Now,
	}
}

// Run drives p.VM through the full phase sequence and always returns a
// VMResult, even on failure; the caller never needs a second error
// return because every failure mode is represented in the result
// itself (ErrorKind/ErrorDetail), per spec.md §4.4's failure policy.
func (r *Runner) Run(ctx context.Context, p Params) *model.VMResult {
	log := r.Log.With("pipeline_id", p.PipelineID, "vm_name", p.VM.VMName, "task_sample", p.Sample.Name)
	ctx = vmctl.WithPipelineID(ctx, p.PipelineID)

	result := &model.VMResult{
		VMName:    p.VM.VMName,
		AgentKind: p.VM.AgentKind,
		Phase:     model.PhaseQueued,
		StartedAt: r.now(),
	}
	advance(log, result, model.PhaseAcquired)

	lease, err := r.Pool.Acquire(ctx, p.VM.VMName, p.PipelineID, r.now().Add(p.Timeouts.AcquireWait))
	if err != nil {
		log.Error("vm pool acquire failed", "error", err)
		return r.fail(ctx, log, result, model.ErrorKindEnvironmentFailed, err.Error(), false)
	}
	defer func() {
		if err := r.Pool.Release(lease); err != nil {
			log.Error("vm pool release failed", "error", err)
		}
	}()

	advance(log, result, model.PhaseRestoring)
	if err := r.Controller.CleanupResources(ctx, p.VM.VMName); err != nil {
		log.Error("pre-restore cleanup failed", "error", err)
		r.Pool.MarkNeedsAttention(p.VM.VMName, err.Error())
		return r.fail(ctx, log, result, model.ErrorKindEnvironmentFailed, err.Error(), true)
	}
	// A prior run's cleanup may have left the VM flagged; this run's
	// own unconditional cleanup above just succeeded, so the VM is
	// trustworthy again.
	r.Pool.ClearNeedsAttention(p.VM.VMName)
	if err := r.Controller.RestoreSnapshot(ctx, p.VM.VMName, p.VM.BaselineSnapshotName, p.Timeouts.Restore); err != nil {
		log.Error("restore snapshot failed", "error", err)
		return r.fail(ctx, log, result, model.ErrorKindEnvironmentFailed, err.Error(), true)
	}

	advance(log, result, model.PhaseStarting)
	mode := vmctl.ModeGUI
	if !p.GUIMode {
		mode = vmctl.ModeHeadless
	}
	if err := r.Controller.PowerOn(ctx, p.VM.VMName, mode, p.Timeouts.PowerOn); err != nil {
		log.Error("power on failed", "error", err)
		return r.fail(ctx, log, result, model.ErrorKindEnvironmentFailed, err.Error(), true)
	}

	advance(log, result, model.PhaseWaitingGuest)
	if err := r.Controller.WaitGuestReady(ctx, p.VM.VMName, p.VM.GuestUser, p.VM.GuestPassword, r.now().Add(p.Timeouts.WaitGuestReady)); err != nil {
		log.Error("guest did not become ready", "error", err)
		return r.fail(ctx, log, result, model.ErrorKindEnvironmentFailed, err.Error(), true)
	}

	if r.NetIso != nil {
		if err := r.NetIso.ApplyIsolation(ctx, p.VM.VMName, p.NetworkAllowlist); err != nil {
			log.Warn("network isolation failed to apply; continuing", "error", err)
		}
	}

	advance(log, result, model.PhaseUploading)
	windowStart := r.now()
	samplePathOnGuest := guestSamplePath(p.VM.GuestDesktopPath, p.Sample.Name)
	if err := r.Controller.CopyToGuest(ctx, p.VM.VMName, p.Sample.Path, samplePathOnGuest, p.VM.GuestUser, p.VM.GuestPassword, r.now().Add(p.Timeouts.Upload)); err != nil {
		log.Error("upload failed", "error", err)
		result.ErrorKind = model.ErrorKindDetonationFailed
		result.ErrorDetail = err.Error()
		// Uploading failures still run Collecting: the agent may have
		// detected the attempted write itself. Advance through the
		// remaining phases in order rather than jumping, so the phase
		// sequence stays strictly monotone even on this short-circuit.
		advance(log, result, model.PhaseDetonating)
		advance(log, result, model.PhaseDwelling)
		r.collectThenCleanup(ctx, log, result, p, windowStart, r.now())
		return result
	}

	advance(log, result, model.PhaseDetonating)
	sleepOrCancel(ctx, p.Timeouts.DetonationReactionDwell)

	present, err := r.Guest.GuestPathExists(ctx, p.VM.VMName, samplePathOnGuest, p.VM.GuestUser, p.VM.GuestPassword, r.now().Add(p.Timeouts.Execute))
	switch {
	case err != nil:
		log.Error("post-upload probe failed", "error", err)
		result.ErrorKind = model.ErrorKindDetonationFailed
		result.ErrorDetail = err.Error()
	case !present:
		// The agent already acted on the sample; this is a first-class
		// outcome, not an error. Detonation is skipped.
		result.SampleDeletedByAgent = true
	default:
		if err := r.Guest.GuestRunExecutable(ctx, p.VM.VMName, samplePathOnGuest, nil, p.VM.GuestUser, p.VM.GuestPassword, r.now().Add(p.Timeouts.Execute)); err != nil {
			log.Error("detonation launch failed", "error", err)
			result.ErrorKind = model.ErrorKindDetonationFailed
			result.ErrorDetail = err.Error()
		}
	}

	advance(log, result, model.PhaseDwelling)
	cancelled := sleepOrCancel(ctx, p.Timeouts.MonitoringWindow)
	windowEnd := r.now()
	if cancelled {
		log.Warn("dwelling cancelled", "error", ctx.Err())
		result.ErrorKind = model.ErrorKindCancelled
		result.ErrorDetail = ctx.Err().Error()
	}

	r.collectThenCleanup(ctx, log, result, p, windowStart, windowEnd)
	return result
}

// sleepOrCancel blocks for d or until ctx is done, whichever comes
// first, reporting whether ctx.Done() won the race. A non-positive d
// returns immediately without cancellation.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}

// collectThenCleanup always runs Collecting against [windowStart,
// windowEnd] and then always runs Cleanup, matching spec.md §4.4's
// per-phase failure policy: Uploading/Detonating failures still run
// Collecting (the agent may have detected the attempt itself), and
// Cleanup runs on every exit path.
func (r *Runner) collectThenCleanup(ctx context.Context, log *slog.Logger, result *model.VMResult, p Params, windowStart, windowEnd time.Time) {
	advance(log, result, model.PhaseCollecting)
	col, err := r.Collectors.For(p.VM.AgentKind)
	if err != nil {
		log.Error("no collector for agent kind", "agent_kind", p.VM.AgentKind, "error", err)
		if result.ErrorKind == "" {
			result.ErrorKind = model.ErrorKindCollectionFailed
			result.ErrorDetail = err.Error()
		}
	} else {
		collectCtx, cancel := context.WithTimeout(ctx, p.Timeouts.Collect)
		res, err := col.Collect(collectCtx, collector.VMContext{
			VM:         p.VM,
			SampleName: p.Sample.Name,
			SampleHash: p.Sample.HashHex,
		}, collector.Window{Start: windowStart, End: windowEnd, Grace: p.Timeouts.DetonationGrace})
		cancel()
		if err != nil {
			log.Error("collector returned error", "error", err)
			if result.ErrorKind == "" {
				result.ErrorKind = model.ErrorKindCollectionFailed
				result.ErrorDetail = err.Error()
			}
		} else if res.ErrorKind != "" {
			if result.ErrorKind == "" {
				result.ErrorKind = res.ErrorKind
			}
		} else {
			result.Alerts = append(result.Alerts, res.Alerts...)
			result.Events = append(result.Events, res.Events...)
		}
	}

	advance(log, result, model.PhaseCleanup)
	if r.NetIso != nil {
		if err := r.NetIso.ClearIsolation(ctx, p.VM.VMName); err != nil {
			log.Warn("network isolation clear failed", "error", err)
		}
	}
	if err := r.Controller.CleanupResources(ctx, p.VM.VMName); err != nil {
		log.Error("cleanup failed; vm needs operator attention", "error", err)
		// Cleanup failure always takes precedence: the VM is now
		// poisoned regardless of what Collecting produced.
		result.ErrorKind = model.ErrorKindCleanupFailed
		result.ErrorDetail = err.Error()
		r.Pool.MarkNeedsAttention(p.VM.VMName, err.Error())
	}

	advance(log, result, model.PhaseReleased)
	ended := r.now()
	result.EndedAt = &ended
}

// fail short-circuits straight to Cleanup from an environment-failure
// phase. runCleanup is false only when the failure happened before any
// VM state could have changed (e.g. pool acquire itself failed), so
// there is nothing to clean up yet.
func (r *Runner) fail(ctx context.Context, log *slog.Logger, result *model.VMResult, kind model.ErrorKind, detail string, runCleanup bool) *model.VMResult {
	result.ErrorKind = kind
	result.ErrorDetail = detail
	if runCleanup {
		advance(log, result, model.PhaseCleanup)
		if err := r.Controller.CleanupResources(ctx, result.VMName); err != nil {
			log.Error("cleanup failed; vm needs operator attention", "error", err)
			result.ErrorKind = model.ErrorKindCleanupFailed
			result.ErrorDetail = err.Error()
			r.Pool.MarkNeedsAttention(result.VMName, err.Error())
		}
		advance(log, result, model.PhaseReleased)
	}
	// When runCleanup is false the lease was never acquired, so there
	// is no VM state to release either; the result is left at whatever
	// phase it failed in, with EndedAt marking it terminal regardless.
	ended := r.now()
	result.EndedAt = &ended
	return result
}

// advance moves result to the next phase, logging the transition. An
// invalid transition is a programming error in the Runner itself (the
// phase sequence above is the only caller); it is still recorded
// rather than silently applied, so a test exercising the Runner
// directly catches a reordering bug immediately.
func advance(log *slog.Logger, result *model.VMResult, to model.Phase) {
	if !model.ValidPhaseTransition(result.Phase, to) {
		log.Error("invalid phase transition attempted", "from", result.Phase, "to", to)
	}
	result.Phase = to
	log.Info("phase transition", "phase", to)
}

// guestSamplePath builds the upload destination: the sample under the
// VM's desktop path, with a .bin extension appended if the sample name
// has none.
func guestSamplePath(desktopPath, sampleName string) string {
	name := sampleName
	if path.Ext(name) == "" {
		name += ".bin"
	}
	return strings.TrimRight(desktopPath, `\/`) + `\` + name
}
