// Package vmpool owns the ownership ledger over the fixed set of VMs
// named in config: an in-memory map from vmName to its lease state. It
// hands a VM out exclusively to one pipeline run at a time and never
// concerns itself with the VM's power state.
package vmpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nullsector/detonator/internal/errx"
	"github.com/nullsector/detonator/internal/model"
)

// Pool serializes access to a fixed set of vmNames. Each vmName gets a
// capacity-1 token channel; acquiring is taking the token, releasing is
// returning it. Go's runtime wakes blocked channel receivers in the
// order they started waiting, which gives the FIFO-among-waiters
// behavior without a hand-rolled queue.
type Pool struct {
	mu             sync.Mutex
	tokens         map[string]chan struct{}
	current        map[string]model.VMLease
	needsAttention map[string]string
}

// New builds a Pool over the VMs named in specs, starting all of them
// free.
func New(specs []model.VMSpec) *Pool {
	tokens := make(map[string]chan struct{}, len(specs))
	for _, spec := range specs {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		tokens[spec.VMName] = ch
	}
	return &Pool{
		tokens:         tokens,
		current:        make(map[string]model.VMLease),
		needsAttention: make(map[string]string),
	}
}

// Acquire blocks until vmName's lease is free, waitDeadline passes, or
// ctx is cancelled, whichever comes first.
func (p *Pool) Acquire(ctx context.Context, vmName, pipelineID string, waitDeadline time.Time) (model.VMLease, error) {
	p.mu.Lock()
	ch, ok := p.tokens[vmName]
	p.mu.Unlock()
	if !ok {
		return model.VMLease{}, errx.With(ErrVMUnknown, " vm=%s", vmName)
	}

	timer := time.NewTimer(time.Until(waitDeadline))
	defer timer.Stop()

	select {
	case <-ch:
	case <-ctx.Done():
		return model.VMLease{}, ctx.Err()
	case <-timer.C:
		return model.VMLease{}, errx.With(ErrAcquireTimeout, " vm=%s", vmName)
	}

	lease := model.VMLease{VMName: vmName, PipelineID: pipelineID, AcquiredAt: time.Now()}
	p.mu.Lock()
	p.current[vmName] = lease
	p.mu.Unlock()
	return lease, nil
}

// Release returns vmName's lease to the pool, waking the next waiter
// if any. Idempotent: releasing an already-free lease, or one held by a
// different pipeline, is a no-op rather than an error, since Cleanup
// paths call this unconditionally on every exit route. A lease naming
// a VM the pool was not built with returns ErrVMUnknown.
func (p *Pool) Release(lease model.VMLease) error {
	p.mu.Lock()
	ch, ok := p.tokens[lease.VMName]
	cur, held := p.current[lease.VMName]
	p.mu.Unlock()
	if !ok {
		return errx.With(ErrVMUnknown, " vm=%s", lease.VMName)
	}
	if !held || cur.PipelineID != lease.PipelineID {
		return nil
	}

	p.mu.Lock()
	delete(p.current, lease.VMName)
	p.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
		// Exclusivity invariant means this branch is unreachable in
		// practice; stay idempotent rather than panic if it is ever hit.
	}
	return nil
}

// Holder reports the lease currently held on vmName, if any.
func (p *Pool) Holder(vmName string) (model.VMLease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.current[vmName]
	return lease, ok
}

// VMNames returns the fixed set of VM names the pool was constructed
// with.
func (p *Pool) VMNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tokens))
	for name := range p.tokens {
		names = append(names, name)
	}
	return names
}

// MarkNeedsAttention flags vmName as poisoned: CleanupResources could
// not return it to a powered-off state. The lease is still released by
// the caller (spec.md §5 — cancellation/cleanup-timeout semantics say
// the system must not deadlock), so this is a health annotation, not an
// exclusivity mechanism; a poisoned VM can still be acquired by the
// next pipeline, which will attempt its own unconditional Restoring-
// phase cleanup before trusting the VM again.
func (p *Pool) MarkNeedsAttention(vmName, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.needsAttention[vmName] = reason
}

// ClearNeedsAttention removes vmName's health flag, called once a
// pipeline's own Restoring-phase cleanup succeeds on it.
func (p *Pool) ClearNeedsAttention(vmName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.needsAttention, vmName)
}

// Health is a point-in-time snapshot of one vmName's pool state, used
// by GET /api/health and GET /api/metrics.
type Health struct {
	VMName         string `json:"vm_name"`
	Leased         bool   `json:"leased"`
	NeedsAttention bool   `json:"needs_attention"`
	Reason         string `json:"reason,omitempty"`
}

// Snapshot returns a Health record for every configured VM, sorted by
// name for stable API/metrics output.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Health, 0, len(p.tokens))
	for name := range p.tokens {
		_, leased := p.current[name]
		reason, attn := p.needsAttention[name]
		out = append(out, Health{VMName: name, Leased: leased, NeedsAttention: attn, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMName < out[j].VMName })
	return out
}
