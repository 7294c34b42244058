package state

import (
	"time"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/rubric"
)

// SnapshotStatus is the persistence status of a snapshot.
type SnapshotStatus string

const (
	// StatusCheckpoint marks an in-flight snapshot taken before a node ran.
	StatusCheckpoint SnapshotStatus = "checkpoint"
	// StatusPaused marks an execution waiting on external input.
	StatusPaused SnapshotStatus = "paused"
	// StatusCompleted marks a successfully finished execution.
	StatusCompleted SnapshotStatus = "completed"
	// StatusRejected marks an execution terminated by review rejection.
	StatusRejected SnapshotStatus = "rejected"
	// StatusFailed marks an execution terminated by an error.
	StatusFailed SnapshotStatus = "failed"
)

// Terminal reports whether the status ends the engine's ownership of the
// execution. Terminal snapshots must carry no server node lease.
func (s SnapshotStatus) Terminal() bool {
	switch s {
	case StatusPaused, StatusCompleted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Snapshot is the immutable persisted projection of a WorkflowState. The
// lease columns (ServerNodeID, LastHeartbeatAt) track which orchestrator
// instance owns a non-terminal execution.
type Snapshot struct {
	// WorkflowID names the executed workflow.
	WorkflowID string
	// ExecutionID identifies the execution.
	ExecutionID string
	// TenantID scopes the snapshot to its owning tenant.
	TenantID string
	// CurrentNodeID is the node the execution is positioned at.
	CurrentNodeID string
	// Context is the full (system keys included) execution context.
	Context map[string]any
	// ActivePlan is the in-flight plan for paused plan reviews. Nil otherwise.
	ActivePlan *plan.Plan
	// RubricEvaluation is the evaluation attached at snapshot time, if any.
	RubricEvaluation *rubric.Evaluation
	// CreatedAt is the snapshot creation time (UTC).
	CreatedAt time.Time
	// Status is the persistence status.
	Status SnapshotStatus
	// ServerNodeID is the orchestrator instance holding the lease. Empty for
	// terminal snapshots.
	ServerNodeID string
	// LastHeartbeatAt is the last lease refresh time.
	LastHeartbeatAt time.Time
}

// SnapshotFrom projects the state into an immutable snapshot with the given
// status. The context map is copied so later state mutation cannot alter the
// snapshot.
func SnapshotFrom(s *WorkflowState, tenantID string, status SnapshotStatus) *Snapshot {
	ctx := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		// In-flight handles (fork futures) never survive into persistence.
		if _, ok := v.(Ephemeral); ok {
			continue
		}
		ctx[k] = v
	}
	var eval *rubric.Evaluation
	if s.RubricEvaluation != nil {
		ev := *s.RubricEvaluation
		eval = &ev
	}
	return &Snapshot{
		WorkflowID:       s.WorkflowID,
		ExecutionID:      s.ExecutionID,
		TenantID:         tenantID,
		CurrentNodeID:    s.CurrentNode,
		Context:          ctx,
		ActivePlan:       s.ActivePlan.Clone(),
		RubricEvaluation: eval,
		CreatedAt:        time.Now().UTC(),
		Status:           status,
	}
}

// ToState reconstructs a WorkflowState from the snapshot. History is not
// persisted in snapshots; recovered executions start with fresh history at
// the checkpointed node.
func (sn *Snapshot) ToState() *WorkflowState {
	ctx := make(map[string]any, len(sn.Context))
	for k, v := range sn.Context {
		ctx[k] = v
	}
	var eval *rubric.Evaluation
	if sn.RubricEvaluation != nil {
		ev := *sn.RubricEvaluation
		eval = &ev
	}
	return &WorkflowState{
		ExecutionID:      sn.ExecutionID,
		WorkflowID:       sn.WorkflowID,
		CurrentNode:      sn.CurrentNodeID,
		Context:          ctx,
		RubricEvaluation: eval,
		ActivePlan:       sn.ActivePlan.Clone(),
	}
}

// PublicContext returns the user-visible projection of the snapshot context.
func (sn *Snapshot) PublicContext() map[string]any {
	return PublicProjection(sn.Context)
}
