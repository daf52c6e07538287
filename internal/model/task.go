package model

import "time"

// Status is a Task's lifecycle state. It advances monotonically except
// for Cancelled, which may preempt Pending or Running.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// statusRank gives the monotone ordering Pending < Running < terminal.
// Cancelled is reachable from Pending or Running only; it is not itself
// orderable against Completed/Failed since at most one terminal state
// is ever reached.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
	StatusCancelled: 2,
}

// ValidStatusTransition reports whether moving from `from` to `to` is
// allowed under the monotone status order, with Cancelled able to
// preempt Pending or Running at any point.
func ValidStatusTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusCancelled {
		return from == StatusPending || from == StatusRunning
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusCancelled || from == StatusCompleted || from == StatusFailed {
		return false
	}
	return toRank > fromRank
}

// Task is the unit of work submitted by a client: one sample, a set of
// VMs to run it on, and the aggregate result once all pipelines finish.
type Task struct {
	TaskID         string               `json:"task_id"`
	Sample         Sample               `json:"sample"`
	RequestedVMs   []VMSpec             `json:"requested_vms"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	CreatedAt      time.Time            `json:"created_at"`
	Status         Status               `json:"status"`
	PerVMResults   map[string]*VMResult `json:"per_vm_results"`
	Summary        *Summary             `json:"summary,omitempty"`
}

// Summary is the aggregate view the orchestrator computes once every
// per-VM pipeline for a Task has produced a VMResult.
type Summary struct {
	Detected         bool           `json:"detected"`
	FirstDetectionAt *time.Time     `json:"first_detection_at,omitempty"`
	AlertCounts      map[string]int `json:"alert_counts"`
	EventCount       int            `json:"event_count"`
}
