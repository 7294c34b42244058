// Package plan models ordered tool-call plans and the sub-engine that creates,
// reviews, executes, and revises them inside standard nodes. Plans are either
// declared statically on the node or generated by a Planner implementation
// from the resolved prompt and the tenant's available tools.
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Source tags how a plan was obtained.
	Source string

	// StepStatus is the lifecycle state of a single plan step.
	StepStatus string

	// Plan is an ordered sequence of tool calls executed on behalf of a node.
	Plan struct {
		// PlanID uniquely identifies the plan.
		PlanID string
		// NodeID is the standard node the plan belongs to.
		NodeID string
		// Source records whether the plan was declared or generated.
		Source Source
		// Steps are executed in index order.
		Steps []Step
		// Constraints bounds execution and replanning.
		Constraints workflow.PlanConstraints
		// CreatedAt is the plan creation time (UTC).
		CreatedAt time.Time
		// Revision counts how many times the plan has been revised.
		Revision int
	}

	// Step is one tool call of a plan.
	Step struct {
		// Index is the zero-based position in the plan.
		Index int
		// ToolName is the registered tool identifier.
		ToolName string
		// Arguments is the tool input payload.
		Arguments map[string]any
		// Description explains the step's intent for review UIs.
		Description string
		// Status tracks the step lifecycle.
		Status StepStatus
		// Output holds the tool result once the step succeeded.
		Output any
		// Error holds the failure message when the step failed.
		Error string
	}
)

const (
	// SourceStatic marks a plan declared inline on the node.
	SourceStatic Source = "STATIC"
	// SourceDynamic marks a plan generated by the planner.
	SourceDynamic Source = "DYNAMIC"
)

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

// New constructs a plan for a node with a fresh identifier.
func New(nodeID string, source Source, steps []Step) *Plan {
	return &Plan{
		PlanID:    uuid.NewString(),
		NodeID:    nodeID,
		Source:    source,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the plan. Step argument maps are copied one
// level deep, which is sufficient because the engine never mutates nested
// argument values.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		cp.Steps[i] = s
		if s.Arguments != nil {
			args := make(map[string]any, len(s.Arguments))
			for k, v := range s.Arguments {
				args[k] = v
			}
			cp.Steps[i].Arguments = args
		}
	}
	return &cp
}

// FirstFailed returns the first failed step and whether one exists.
func (p *Plan) FirstFailed() (Step, bool) {
	for _, s := range p.Steps {
		if s.Status == StepFailed {
			return s, true
		}
	}
	return Step{}, false
}
