// Package collector defines the pluggable per-agentKind alert/event
// collection step the Pipeline State Machine invokes during Collecting,
// and a registry that binds a VMSpec's agentKind to its Collector.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/nullsector/detonator/internal/model"
)

var ErrNoCollectorForAgent = fmt.Errorf("collector: no collector registered for agent kind")

// VMContext is what a Collector needs to reach into the guest: which VM,
// which guest layer to issue commands through, and the sample identity
// the collector may use as a filter hint.
type VMContext struct {
	VM         model.VMSpec
	SampleName string
	SampleHash string
}

// Window is the time span a Collector must confine its output to:
// [Start-Grace, End+Grace]. Start and End are the unwidened detonation
// window; each Collector applies Grace itself (model.InWindow).
type Window struct {
	Start time.Time
	End   time.Time
	Grace time.Duration
}

// Result is a Collector's output. ErrorKind is set only when the
// collector's in-guest tool could not be reached at all; "no data
// found" is represented by empty Alerts/Events, never an error.
type Result struct {
	Alerts    []model.Alert
	Events    []model.Event
	ErrorKind model.ErrorKind
}

// Collector reads one VM's agent-specific telemetry store (quarantine
// log, event channel, ...) and normalizes it into Alert/Event records
// confined to Window.
type Collector interface {
	Collect(ctx context.Context, vmCtx VMContext, window Window) (Result, error)
}

// Registry binds an AgentKind to the Collector that handles it.
type Registry struct {
	byKind map[model.AgentKind]Collector
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[model.AgentKind]Collector)}
}

func (r *Registry) Register(kind model.AgentKind, c Collector) {
	r.byKind[kind] = c
}

func (r *Registry) For(kind model.AgentKind) (Collector, error) {
	c, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCollectorForAgent, kind)
	}
	return c, nil
}
