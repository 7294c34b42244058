// Package store defines tenant-scoped persistence contracts for workflow
// definitions and execution state snapshots. Implementations must be safe for
// concurrent use: repositories are shared by every execution in the process.
// The snapshot repository also owns the lease columns used by the distributed
// recovery protocol.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

var (
	// ErrNotFound indicates the requested entity does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost indicates a non-terminal snapshot save was rejected because
	// another orchestrator instance claimed the execution. The original owner
	// must abort; the claimer resumes from the last checkpoint.
	ErrLeaseLost = errors.New("execution lease lost")
)

type (
	// WorkflowRepository stores immutable workflow definitions per tenant.
	WorkflowRepository interface {
		// FindByID returns the workflow or ErrNotFound.
		FindByID(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error)
		// Save stores or replaces the workflow under its (tenant, id) key.
		Save(ctx context.Context, tenantID string, wf *workflow.Workflow) error
		// Delete removes the workflow, reporting whether it existed.
		Delete(ctx context.Context, tenantID, workflowID string) (bool, error)
		// FindAll lists the tenant's workflows.
		FindAll(ctx context.Context, tenantID string) ([]*workflow.Workflow, error)
		// Exists reports whether the workflow is stored.
		Exists(ctx context.Context, tenantID, workflowID string) (bool, error)
	}

	// StateRepository stores execution snapshots and their lease columns.
	//
	// Save enforces lease ownership for non-terminal snapshots: when a stored
	// snapshot carries a different ServerNodeID than the one being written,
	// Save returns ErrLeaseLost so a superseded owner stops producing state.
	// Terminal snapshots must be written with an empty ServerNodeID.
	StateRepository interface {
		// Save persists the snapshot, replacing any prior snapshot of the
		// same execution.
		Save(ctx context.Context, tenantID string, snap *state.Snapshot) error
		// FindByExecutionID returns the latest snapshot or ErrNotFound.
		FindByExecutionID(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error)
		// FindPaused lists snapshots with status paused for the tenant.
		FindPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error)
		// UpdateHeartbeats refreshes LastHeartbeatAt to now for every
		// non-terminal snapshot owned by serverNodeID, returning the number
		// of refreshed snapshots.
		UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int, error)
		// ClaimStaleExecutions atomically transfers ownership of non-terminal
		// snapshots whose heartbeat predates staleBefore. The claim is a
		// single conditional update per snapshot: concurrent sweepers cannot
		// both succeed for the same snapshot.
		ClaimStaleExecutions(ctx context.Context, serverNodeID string, staleBefore time.Time) ([]*state.Snapshot, error)
	}
)
