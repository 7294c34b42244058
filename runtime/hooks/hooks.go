// Package hooks defines the execution listener contract: the ordered stream
// of callbacks the engine fires as a workflow traverses its graph. Listeners
// observe one execution from one goroutine, so a single listener always sees
// events in traversal order. Fan-out to multiple observers and decoupling of
// slow observers are provided by Multi and Async wrappers.
package hooks

import (
	"context"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// Listener receives execution lifecycle callbacks. Implementations must be
// safe for concurrent invocation: parallel branch tasks may report agent
// events at the same time.
type Listener interface {
	// OnNodeStart fires after the pre-execution pipeline, before dispatch.
	OnNodeStart(ctx context.Context, node workflow.Node)
	// OnNodeComplete fires after dispatch with the node's result.
	OnNodeComplete(ctx context.Context, node workflow.Node, result *state.NodeResult)
	// OnAgentStart fires before an agent invocation.
	OnAgentStart(ctx context.Context, nodeID, agentID, prompt string)
	// OnAgentComplete fires after an agent invocation with its output or
	// error.
	OnAgentComplete(ctx context.Context, nodeID, agentID, output string, err error)
	// OnPlannerStart fires before dynamic plan creation.
	OnPlannerStart(ctx context.Context, nodeID, prompt string)
	// OnPlannerComplete fires after plan creation with the step count.
	OnPlannerComplete(ctx context.Context, nodeID string, steps int)
	// OnCheckpoint fires after a checkpoint snapshot persists.
	OnCheckpoint(ctx context.Context, st *state.WorkflowState)
	// OnBacktrack fires when traversal jumps backward, whether by reviewer
	// decision or rubric policy.
	OnBacktrack(ctx context.Context, ev *state.BacktrackEvent)
	// OnPlanEvent relays plan sub-engine events (created, step started and
	// completed, revised, completed).
	OnPlanEvent(ctx context.Context, ev plan.Event)
}

// Nop is a Listener that ignores every callback.
type Nop struct{}

// NewNop returns a listener that discards all callbacks.
func NewNop() Listener { return Nop{} }

func (Nop) OnNodeStart(context.Context, workflow.Node)                          {}
func (Nop) OnNodeComplete(context.Context, workflow.Node, *state.NodeResult)    {}
func (Nop) OnAgentStart(context.Context, string, string, string)                {}
func (Nop) OnAgentComplete(context.Context, string, string, string, error)      {}
func (Nop) OnPlannerStart(context.Context, string, string)                      {}
func (Nop) OnPlannerComplete(context.Context, string, int)                      {}
func (Nop) OnCheckpoint(context.Context, *state.WorkflowState)                  {}
func (Nop) OnBacktrack(context.Context, *state.BacktrackEvent)                  {}
func (Nop) OnPlanEvent(context.Context, plan.Event)                             {}

// Multi fans callbacks out to several listeners in registration order. Each
// listener receives the same callback order the engine produced.
type Multi struct {
	listeners []Listener
}

// NewMulti combines listeners into one. Nil entries are skipped.
func NewMulti(listeners ...Listener) *Multi {
	m := &Multi{}
	for _, l := range listeners {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
	return m
}

func (m *Multi) OnNodeStart(ctx context.Context, node workflow.Node) {
	for _, l := range m.listeners {
		l.OnNodeStart(ctx, node)
	}
}

func (m *Multi) OnNodeComplete(ctx context.Context, node workflow.Node, result *state.NodeResult) {
	for _, l := range m.listeners {
		l.OnNodeComplete(ctx, node, result)
	}
}

func (m *Multi) OnAgentStart(ctx context.Context, nodeID, agentID, prompt string) {
	for _, l := range m.listeners {
		l.OnAgentStart(ctx, nodeID, agentID, prompt)
	}
}

func (m *Multi) OnAgentComplete(ctx context.Context, nodeID, agentID, output string, err error) {
	for _, l := range m.listeners {
		l.OnAgentComplete(ctx, nodeID, agentID, output, err)
	}
}

func (m *Multi) OnPlannerStart(ctx context.Context, nodeID, prompt string) {
	for _, l := range m.listeners {
		l.OnPlannerStart(ctx, nodeID, prompt)
	}
}

func (m *Multi) OnPlannerComplete(ctx context.Context, nodeID string, steps int) {
	for _, l := range m.listeners {
		l.OnPlannerComplete(ctx, nodeID, steps)
	}
}

func (m *Multi) OnCheckpoint(ctx context.Context, st *state.WorkflowState) {
	for _, l := range m.listeners {
		l.OnCheckpoint(ctx, st)
	}
}

func (m *Multi) OnBacktrack(ctx context.Context, ev *state.BacktrackEvent) {
	for _, l := range m.listeners {
		l.OnBacktrack(ctx, ev)
	}
}

func (m *Multi) OnPlanEvent(ctx context.Context, ev plan.Event) {
	for _, l := range m.listeners {
		l.OnPlanEvent(ctx, ev)
	}
}
