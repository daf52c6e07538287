package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/model"
	"github.com/nullsector/detonator/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*model.VMResult // by vm name
	delay   time.Duration
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, p pipeline.Params) *model.VMResult {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if r, ok := f.results[p.VM.VMName]; ok {
		return r
	}
	return &model.VMResult{VMName: p.VM.VMName, Phase: model.PhaseReleased}
}

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	statuses []model.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*model.Task)}
}

func (s *fakeStore) Register(task model.Task) {
	task.Status = model.StatusPending
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = &task
}

func (s *fakeStore) Get(taskID string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNoVMsRequested
	}
	return *t, nil
}

func (s *fakeStore) AdvanceStatus(taskID string, newStatus model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNoVMsRequested
	}
	t.Status = newStatus
	s.statuses = append(s.statuses, newStatus)
	return nil
}

func (s *fakeStore) RecordPerVM(taskID, vmName string, result model.VMResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNoVMsRequested
	}
	if t.PerVMResults == nil {
		t.PerVMResults = make(map[string]*model.VMResult)
	}
	r := result
	t.PerVMResults[vmName] = &r
	return nil
}

func (s *fakeStore) SetSummary(taskID string, summary model.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNoVMsRequested
	}
	sum := summary
	t.Summary = &sum
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForStatus(t *testing.T, s *fakeStore, taskID string, want model.Status) model.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.Get(taskID)
		if err == nil && (task.Status == want || task.Status == model.StatusFailed || task.Status == model.StatusCompleted || task.Status == model.StatusCancelled) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
	return model.Task{}
}

func testTask(vms ...string) model.Task {
	var specs []model.VMSpec
	for _, name := range vms {
		specs = append(specs, model.VMSpec{VMName: name})
	}
	return model.Task{Sample: model.Sample{Name: "sample.exe"}, RequestedVMs: specs}
}

func TestSubmitRejectsTaskWithNoVMs(t *testing.T) {
	o := New(&fakeRunner{}, newFakeStore(), nil, Config{}, discardLogger())
	_, err := o.Submit(model.Task{})
	require.ErrorIs(t, err, ErrNoVMsRequested)
}

func TestSubmitEnqueuesAndRunsToCompletion(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{results: map[string]*model.VMResult{
		"vm1": {VMName: "vm1", Phase: model.PhaseReleased, Alerts: []model.Alert{{Kind: "malware", Severity: model.SeverityHigh}}},
	}}
	o := New(runner, store, nil, Config{QueueSize: 2, MaxConcurrentTasks: 2}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	taskID, err := o.Submit(testTask("vm1"))
	require.NoError(t, err)

	task := waitForStatus(t, store, taskID, model.StatusCompleted)
	require.Equal(t, model.StatusCompleted, task.Status)
	require.NotNil(t, task.Summary)
	require.True(t, task.Summary.Detected)
	require.Equal(t, 1, task.Summary.AlertCounts["malware"])
}

func TestSubmitQueueFullRejectsAndMarksFailed(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{delay: time.Second}
	// No workers started: the queue never drains.
	o := New(runner, store, nil, Config{QueueSize: 1, MaxConcurrentTasks: 1}, discardLogger())

	_, err := o.Submit(testTask("vm1"))
	require.NoError(t, err)

	taskID, err := o.Submit(testTask("vm1"))
	require.ErrorIs(t, err, ErrQueueFull)

	task, err := store.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, task.Status)
}

func TestMultiVMTaskRunsAllPipelinesConcurrentlyAndAggregates(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{results: map[string]*model.VMResult{
		"beh": {VMName: "beh", Phase: model.PhaseReleased, Events: []model.Event{{EventType: model.EventProcessCreate}, {EventType: model.EventFileCreate}}},
		"def": {VMName: "def", Phase: model.PhaseReleased, SampleDeletedByAgent: true, Alerts: []model.Alert{{Kind: "trojan"}}},
	}}
	o := New(runner, store, nil, Config{QueueSize: 2, MaxConcurrentTasks: 2}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	taskID, err := o.Submit(testTask("beh", "def"))
	require.NoError(t, err)

	task := waitForStatus(t, store, taskID, model.StatusCompleted)
	require.Equal(t, model.StatusCompleted, task.Status)
	require.Len(t, task.PerVMResults, 2)
	require.True(t, task.Summary.Detected)
	require.Equal(t, 2, task.Summary.EventCount)
	require.Equal(t, 1, task.Summary.AlertCounts["trojan"])
}

func TestOneVMFailureDoesNotPreventTaskFromCompleting(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{results: map[string]*model.VMResult{
		"good": {VMName: "good", Phase: model.PhaseReleased},
		"bad":  {VMName: "bad", Phase: model.PhaseReleased, ErrorKind: model.ErrorKindEnvironmentFailed},
	}}
	o := New(runner, store, nil, Config{QueueSize: 2, MaxConcurrentTasks: 2}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	taskID, err := o.Submit(testTask("good", "bad"))
	require.NoError(t, err)

	task := waitForStatus(t, store, taskID, model.StatusCompleted)
	require.Equal(t, model.StatusCompleted, task.Status)
	require.Equal(t, model.ErrorKindEnvironmentFailed, task.PerVMResults["bad"].ErrorKind)
}

func TestCancelCallsThroughToPipelineContext(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	runner := &blockingUntilCancelRunner{started: started}
	o := New(runner, store, nil, Config{QueueSize: 2, MaxConcurrentTasks: 1}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	taskID, err := o.Submit(testTask("vm1"))
	require.NoError(t, err)

	<-started
	o.Cancel(taskID)

	task := waitForStatus(t, store, taskID, model.StatusCancelled)
	require.Equal(t, model.StatusCancelled, task.Status)
}

type blockingUntilCancelRunner struct {
	started chan struct{}
}

func (r *blockingUntilCancelRunner) Run(ctx context.Context, p pipeline.Params) *model.VMResult {
	close(r.started)
	<-ctx.Done()
	return &model.VMResult{VMName: p.VM.VMName, Phase: model.PhaseReleased, ErrorKind: model.ErrorKindCancelled}
}
