// Package state holds the mutable runtime state of one workflow execution and
// its immutable snapshot projection. A WorkflowState is single-owner: the
// traversal loop, pipeline processors, and history appends for one execution
// all run on one goroutine. Fork children receive clones, never shared
// references.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/rubric"
)

// WorkflowState is the mutable execution state threaded through the traversal
// loop. Context keys starting with "_" are system-reserved and stripped from
// the public projection.
type WorkflowState struct {
	// ExecutionID is stable for the lifetime of the execution.
	ExecutionID string
	// WorkflowID names the workflow being executed.
	WorkflowID string
	// CurrentNode is the node the traversal loop is positioned at. Must
	// always name an existing node of the workflow.
	CurrentNode string
	// Context is the mutable key-value state shared across nodes.
	Context map[string]any
	// History is the append-only sequence of steps and backtracks.
	History []HistoryEntry
	// RubricEvaluation is the most recent evaluation, cleared before each
	// node executes so stale scores never bleed across nodes.
	RubricEvaluation *rubric.Evaluation
	// ActivePlan is the in-flight plan when a standard node paused for plan
	// review. Nil otherwise.
	ActivePlan *plan.Plan
	// LoopBreakTarget is set by loop break logic and consumed (cleared) by
	// transition evaluation.
	LoopBreakTarget string
}

// New creates a fresh state positioned at startNode with a copy of the
// initial context.
func New(workflowID, startNode string, initial map[string]any) *WorkflowState {
	ctx := make(map[string]any, len(initial))
	for k, v := range initial {
		ctx[k] = v
	}
	return &WorkflowState{
		ExecutionID: uuid.NewString(),
		WorkflowID:  workflowID,
		CurrentNode: startNode,
		Context:     ctx,
	}
}

// Clone returns an independent copy of the state for fork children. The
// context map and history slice are copied; history entries themselves are
// immutable once appended.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		cp.Context[k] = v
	}
	cp.History = make([]HistoryEntry, len(s.History))
	copy(cp.History, s.History)
	if s.RubricEvaluation != nil {
		ev := *s.RubricEvaluation
		cp.RubricEvaluation = &ev
	}
	cp.ActivePlan = s.ActivePlan.Clone()
	return &cp
}

// AppendStep records a completed node execution in history.
func (s *WorkflowState) AppendStep(nodeID string, result *NodeResult) {
	snapshot := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		snapshot[k] = v
	}
	s.History = append(s.History, &ExecutionStep{
		NodeID:        nodeID,
		StateSnapshot: snapshot,
		Result:        result,
		Timestamp:     time.Now().UTC(),
	})
}

// AppendBacktrack records a backtrack event in history.
func (s *WorkflowState) AppendBacktrack(ev *BacktrackEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.History = append(s.History, ev)
}

// Steps returns the execution steps of history in traversal order,
// skipping backtrack events.
func (s *WorkflowState) Steps() []*ExecutionStep {
	steps := make([]*ExecutionStep, 0, len(s.History))
	for _, entry := range s.History {
		if step, ok := entry.(*ExecutionStep); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// Backtracks returns the backtrack events of history in append order.
func (s *WorkflowState) Backtracks() []*BacktrackEvent {
	var events []*BacktrackEvent
	for _, entry := range s.History {
		if ev, ok := entry.(*BacktrackEvent); ok {
			events = append(events, ev)
		}
	}
	return events
}

// PublicContext returns the user-visible projection of the context: every
// key starting with "_" is excluded unconditionally.
func (s *WorkflowState) PublicContext() map[string]any {
	return PublicProjection(s.Context)
}

// Ephemeral marks context values that exist only for the lifetime of the
// owning process (fork futures). Snapshot projection skips them.
type Ephemeral interface {
	Ephemeral()
}

// PublicProjection strips system-reserved keys from a context map.
func PublicProjection(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
