// Package inmem provides in-memory repository implementations for development
// and testing. They honor the same lease semantics as the durable stores:
// conditional claims, ownership checks on save, and heartbeat refresh.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/store"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// WorkflowRepository is a concurrency-safe in-memory workflow store.
	WorkflowRepository struct {
		mu  sync.RWMutex
		byT map[string]map[string]*workflow.Workflow
	}

	// StateRepository is a concurrency-safe in-memory snapshot store with
	// lease columns.
	StateRepository struct {
		mu  sync.Mutex
		byT map[string]map[string]*state.Snapshot
	}
)

// NewWorkflowRepository returns an empty in-memory workflow repository.
func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{byT: make(map[string]map[string]*workflow.Workflow)}
}

// FindByID returns the workflow or store.ErrNotFound.
func (r *WorkflowRepository) FindByID(_ context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.byT[tenantID][workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return wf, nil
}

// Save stores or replaces the workflow.
func (r *WorkflowRepository) Save(_ context.Context, tenantID string, wf *workflow.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byT[tenantID]
	if !ok {
		tenant = make(map[string]*workflow.Workflow)
		r.byT[tenantID] = tenant
	}
	tenant[wf.ID] = wf
	return nil
}

// Delete removes the workflow, reporting whether it existed.
func (r *WorkflowRepository) Delete(_ context.Context, tenantID, workflowID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byT[tenantID]
	if !ok {
		return false, nil
	}
	if _, ok := tenant[workflowID]; !ok {
		return false, nil
	}
	delete(tenant, workflowID)
	return true, nil
}

// FindAll lists the tenant's workflows.
func (r *WorkflowRepository) FindAll(_ context.Context, tenantID string) ([]*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenant := r.byT[tenantID]
	out := make([]*workflow.Workflow, 0, len(tenant))
	for _, wf := range tenant {
		out = append(out, wf)
	}
	return out, nil
}

// Exists reports whether the workflow is stored.
func (r *WorkflowRepository) Exists(_ context.Context, tenantID, workflowID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byT[tenantID][workflowID]
	return ok, nil
}

// NewStateRepository returns an empty in-memory snapshot repository.
func NewStateRepository() *StateRepository {
	return &StateRepository{byT: make(map[string]map[string]*state.Snapshot)}
}

// Save persists the snapshot, enforcing lease ownership for non-terminal
// writes: a stored snapshot owned by a different server node rejects the
// write with store.ErrLeaseLost.
func (r *StateRepository) Save(_ context.Context, tenantID string, snap *state.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenant, ok := r.byT[tenantID]
	if !ok {
		tenant = make(map[string]*state.Snapshot)
		r.byT[tenantID] = tenant
	}
	if prev, ok := tenant[snap.ExecutionID]; ok && !prev.Status.Terminal() {
		if prev.ServerNodeID != "" && snap.ServerNodeID != "" && prev.ServerNodeID != snap.ServerNodeID {
			return store.ErrLeaseLost
		}
	}
	cp := *snap
	tenant[snap.ExecutionID] = &cp
	return nil
}

// FindByExecutionID returns a copy of the snapshot or store.ErrNotFound.
func (r *StateRepository) FindByExecutionID(_ context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.byT[tenantID][executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

// FindPaused lists paused snapshots for the tenant.
func (r *StateRepository) FindPaused(_ context.Context, tenantID string) ([]*state.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*state.Snapshot
	for _, snap := range r.byT[tenantID] {
		if snap.Status == state.StatusPaused {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateHeartbeats refreshes the heartbeat of every non-terminal snapshot
// owned by serverNodeID.
func (r *StateRepository) UpdateHeartbeats(_ context.Context, serverNodeID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, tenant := range r.byT {
		for _, snap := range tenant {
			if snap.ServerNodeID == serverNodeID && !snap.Status.Terminal() {
				snap.LastHeartbeatAt = now
				count++
			}
		}
	}
	return count, nil
}

// ClaimStaleExecutions transfers ownership of stale non-terminal snapshots
// under a single lock, which makes the claim atomic with respect to
// concurrent sweepers.
func (r *StateRepository) ClaimStaleExecutions(_ context.Context, serverNodeID string, staleBefore time.Time) ([]*state.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []*state.Snapshot
	for _, tenant := range r.byT {
		for _, snap := range tenant {
			if snap.Status.Terminal() {
				continue
			}
			if !snap.LastHeartbeatAt.Before(staleBefore) {
				continue
			}
			if snap.ServerNodeID == serverNodeID {
				continue
			}
			snap.ServerNodeID = serverNodeID
			snap.LastHeartbeatAt = time.Now().UTC()
			cp := *snap
			claimed = append(claimed, &cp)
		}
	}
	return claimed, nil
}
