// Package orchestrator owns the bounded work queue and worker pool
// that fan a Task out into one concurrent Pipeline per requested VM,
// aggregate the results, and drive the Task through the Result Store's
// status lifecycle. It shares no mutable state with a Pipeline except
// through the Store and the VM Pool the Pipeline itself holds.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullsector/detonator/internal/ids"
	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/pipeline"
)

// PipelineRunner is the subset of pipeline.Runner the orchestrator
// drives; tests substitute a fake so they never run a real Pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, p pipeline.Params) *model.VMResult
}

// Store is the subset of store.Store the orchestrator drives.
type Store interface {
	Register(task model.Task)
	Get(taskID string) (model.Task, error)
	AdvanceStatus(taskID string, newStatus model.Status) error
	RecordPerVM(taskID, vmName string, result model.VMResult) error
	SetSummary(taskID string, summary model.Summary) error
}

// Metrics is the subset of metrics.Metrics the orchestrator drives. A
// nil Metrics (the default) disables observation entirely, the same
// convention internal/vmctl's AuditSink uses.
type Metrics interface {
	SetQueueDepth(n int)
	SetActivePipelines(n int)
	ObserveAlert(severity string)
	ObserveTaskTerminal(status string)
}

// Config bundles the orchestrator's tuning knobs, sourced from
// config.Analysis at process start.
type Config struct {
	QueueSize          int
	MaxConcurrentTasks int
	PerVMMaxTimeout    time.Duration
	GUIMode            bool
	NetworkAllowlist   []string
	Timeouts           pipeline.Timeouts
}

// Orchestrator owns the queue and the fixed worker pool draining it.
// One Orchestrator is constructed at process start and run for the
// life of the process; it holds no per-task state beyond the in-flight
// cancel functions needed to support task cancellation.
type Orchestrator struct {
	Runner  PipelineRunner
	Store   Store
	Metrics Metrics
	cfg     Config
	log     *slog.Logger

	queue chan model.Task

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	activePipelines atomic.Int64
}

func New(runner PipelineRunner, store Store, m Metrics, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	return &Orchestrator{
		Runner:  runner,
		Store:   store,
		Metrics: m,
		cfg:     cfg,
		log:     log,
		queue:   make(chan model.Task, cfg.QueueSize),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the fixed-size worker pool. Workers run until ctx is
// done; Start returns immediately, the worker goroutines run in the
// background.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.MaxConcurrentTasks; i++ {
		go o.worker(ctx)
	}
}

// Submit registers task as Pending and enqueues it. A full queue
// rejects the task with ErrQueueFull; the task remains visible in the
// Store, transitioned to Failed, rather than silently vanishing.
func (o *Orchestrator) Submit(task model.Task) (string, error) {
	if len(task.RequestedVMs) == 0 {
		return "", ErrNoVMsRequested
	}
	if task.TaskID == "" {
		task.TaskID = ids.NewTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	o.Store.Register(task)

	select {
	case o.queue <- task:
		o.observeQueueDepth()
		return task.TaskID, nil
	default:
		_ = o.Store.AdvanceStatus(task.TaskID, model.StatusFailed)
		if o.Metrics != nil {
			o.Metrics.ObserveTaskTerminal(string(model.StatusFailed))
		}
		return task.TaskID, ErrQueueFull
	}
}

// observeQueueDepth reports the queue's current length, called on every
// enqueue and dequeue so the gauge never lags a full scrape interval
// behind the channel's real state.
func (o *Orchestrator) observeQueueDepth() {
	if o.Metrics != nil {
		o.Metrics.SetQueueDepth(len(o.queue))
	}
}

// Cancel flips a running task's pipelines into Cleanup via context
// cancellation. A no-op, non-error return for a task that is not
// currently running (already terminal, or still queued).
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// QueueDepth reports the number of tasks currently queued, waiting for
// a worker. Used by GET /api/health alongside the same gauge
// SetQueueDepth feeds for GET /api/metrics.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-o.queue:
			if !ok {
				return
			}
			o.observeQueueDepth()
			o.runTask(ctx, task)
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, task model.Task) {
	log := o.log.With("task_id", task.TaskID)

	if err := o.Store.AdvanceStatus(task.TaskID, model.StatusRunning); err != nil {
		log.Error("advance to running failed", "error", err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[task.TaskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, task.TaskID)
		o.mu.Unlock()
		cancel()
	}()

	perVM := o.perVMTimeout(task)

	var mu sync.Mutex
	results := make(map[string]model.VMResult, len(task.RequestedVMs))

	// Each sibling pipeline's failure never cancels the others: no
	// WithContext group, just a shared WaitGroup via errgroup.Group's
	// zero value, since pipeline.Runner.Run never returns an error for
	// errgroup to propagate as a cancellation signal.
	var g errgroup.Group
	for _, vm := range task.RequestedVMs {
		vm := vm
		g.Go(func() error {
			runCtx, runCancel := context.WithTimeout(taskCtx, perVM)
			defer runCancel()

			if o.Metrics != nil {
				o.Metrics.SetActivePipelines(int(o.activePipelines.Add(1)))
				defer func() {
					o.Metrics.SetActivePipelines(int(o.activePipelines.Add(-1)))
				}()
			}

			result := o.Runner.Run(runCtx, pipeline.Params{
				PipelineID:       ids.NewPipelineID(),
				Sample:           task.Sample,
				VM:               vm,
				GUIMode:          o.cfg.GUIMode,
				Timeouts:         o.cfg.Timeouts,
				NetworkAllowlist: o.cfg.NetworkAllowlist,
			})

			mu.Lock()
			results[vm.VMName] = *result
			mu.Unlock()

			if err := o.Store.RecordPerVM(task.TaskID, vm.VMName, *result); err != nil {
				log.Error("record per-vm result failed", "vm", vm.VMName, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Cancel only ever cancels taskCtx itself (the per-VM runCtx
	// deadlines are independent, shorter-lived children); a cancelled
	// taskCtx is therefore the one unambiguous signal that this task's
	// terminal status is Cancelled rather than Completed/Failed.
	terminal := model.StatusCompleted
	switch {
	case taskCtx.Err() != nil:
		terminal = model.StatusCancelled
	case len(results) == 0:
		// No pipeline ever produced a result: an internal error
		// prevented every one of them from starting.
		terminal = model.StatusFailed
	}

	if terminal == model.StatusCompleted {
		summary := aggregate(results)
		if o.Metrics != nil {
			for _, r := range results {
				for _, a := range r.Alerts {
					o.Metrics.ObserveAlert(string(a.Severity))
				}
			}
		}
		if err := o.Store.SetSummary(task.TaskID, summary); err != nil {
			log.Error("set summary failed", "error", err)
		}
	}

	if err := o.Store.AdvanceStatus(task.TaskID, terminal); err != nil {
		log.Error("advance status failed", "status", terminal, "error", err)
	}
	if o.Metrics != nil {
		o.Metrics.ObserveTaskTerminal(string(terminal))
	}
}

// perVMTimeout bounds each pipeline's context by the lesser of the
// task's requested timeout and the configured ceiling, per spec.
func (o *Orchestrator) perVMTimeout(task model.Task) time.Duration {
	max := o.cfg.PerVMMaxTimeout
	if max <= 0 {
		max = 10 * time.Minute
	}
	if task.TimeoutSeconds <= 0 {
		return max
	}
	requested := time.Duration(task.TimeoutSeconds) * time.Second
	if requested < max {
		return requested
	}
	return max
}

// aggregate builds the Task's summary: alert counts by kind and the
// total event count across every VM, the earliest alert timestamp, and
// a detected flag that fires on any alert or any agent-driven sample
// deletion.
func aggregate(results map[string]model.VMResult) model.Summary {
	summary := model.Summary{AlertCounts: make(map[string]int)}
	var first *time.Time

	for _, r := range results {
		if r.SampleDeletedByAgent {
			summary.Detected = true
		}
		for _, a := range r.Alerts {
			summary.Detected = true
			key := a.Kind
			if key == "" {
				key = "unknown"
			}
			summary.AlertCounts[key]++
			if first == nil || a.Timestamp.Before(*first) {
				t := a.Timestamp
				first = &t
			}
		}
		summary.EventCount += len(r.Events)
	}
	summary.FirstDetectionAt = first
	return summary
}
