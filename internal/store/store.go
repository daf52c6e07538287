// Package store is the in-memory Result Store: a concurrency-safe
// registry of Tasks keyed by taskId, mediating the only mutable state
// the Orchestrator shares with running Pipelines.
package store

import (
	"fmt"
	"sync"

	"github.com/nullsector/detonator/internal/model"
)

// Store holds every Task for the lifetime of the process. Reads are
// cheap and frequent (API polling); writes are infrequent (one per
// status transition, one per finished pipeline) so a single RWMutex is
// sufficient contention-wise.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

func New() *Store {
	return &Store{tasks: make(map[string]*model.Task)}
}

// Register records a new Task as Pending. Re-registering an existing
// taskId overwrites it; callers are expected to generate fresh ids
// (internal/ids) so this should never happen outside of tests.
func (s *Store) Register(task model.Task) {
	task.Status = model.StatusPending
	if task.PerVMResults == nil {
		task.PerVMResults = make(map[string]*model.VMResult)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = &task
}

// Get returns a copy of the Task, so callers can't mutate store state
// behind the mutex.
func (s *Store) Get(taskID string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, ErrTaskUnknown
	}
	return cloneTask(t), nil
}

// List returns every Task whose Status matches statusFilter, or every
// Task if statusFilter is empty.
func (s *Store) List(statusFilter model.Status) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out
}

// AdvanceStatus moves a Task to newStatus. An invalid transition is a
// programming error elsewhere in the orchestrator (the Task's own
// lifecycle guarantees monotonicity) and panics rather than returning a
// swallowable error, so it fails loudly in tests.
func (s *Store) AdvanceStatus(taskID string, newStatus model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskUnknown
	}
	if !model.ValidStatusTransition(t.Status, newStatus) {
		panic(fmt.Sprintf("store: invalid status transition task=%s %s -> %s", taskID, t.Status, newStatus))
	}
	t.Status = newStatus
	return nil
}

// RecordPerVM stores one VM's pipeline result on the Task. Safe to call
// repeatedly for the same vmName; the latest result wins.
func (s *Store) RecordPerVM(taskID, vmName string, result model.VMResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskUnknown
	}
	if t.PerVMResults == nil {
		t.PerVMResults = make(map[string]*model.VMResult)
	}
	r := result
	t.PerVMResults[vmName] = &r
	return nil
}

// SetSummary attaches the orchestrator's aggregate view once every
// per-VM pipeline has produced a result.
func (s *Store) SetSummary(taskID string, summary model.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskUnknown
	}
	t.Summary = &summary
	return nil
}

func cloneTask(t *model.Task) model.Task {
	c := *t
	c.PerVMResults = make(map[string]*model.VMResult, len(t.PerVMResults))
	for vm, r := range t.PerVMResults {
		rc := *r
		c.PerVMResults[vm] = &rc
	}
	if t.Summary != nil {
		s := *t.Summary
		c.Summary = &s
	}
	return c
}
