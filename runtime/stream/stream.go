// Package stream provides abstractions for delivering real-time workflow
// execution updates to clients. Stream events differ from hook callbacks: the
// stream carries client-facing updates (node progress, agent output, plan
// steps) while hooks provide internal observability across the whole engine
// lifecycle.
//
// The Subscriber bridges selected hook callbacks into stream events and
// forwards them to a Sink, which marshals them onto a transport such as
// Server-Sent Events, WebSockets, or a Pulse stream.
package stream

import (
	"context"
	"time"

	"github.com/weftworks/loom/runtime/plan"
)

type (
	// Sink delivers streaming updates to clients over a transport. Send may be
	// called concurrently from multiple goroutines when parallel branches run;
	// implementations must be safe for concurrent use.
	Sink interface {
		// Send publishes an event. Implementations marshal the event into
		// their wire format and handle transport-specific delivery semantics.
		Send(ctx context.Context, event Event) error

		// Close releases sink resources. Idempotent. The context bounds
		// graceful shutdown; implementations should abort when it expires.
		Close(ctx context.Context) error
	}

	// Event describes a streaming update delivered to clients through a Sink.
	// Concrete types embed Base for standard metadata; sinks marshal events
	// generically via Payload and consumers type-assert when they need typed
	// field access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ExecutionID returns the workflow execution that produced the event.
		// Events from one execution share the same ID so multiplexed sinks
		// can group or filter per execution.
		ExecutionID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// NodeStarted streams when a traversal step begins executing a node.
	NodeStarted struct {
		Base
		Data NodeStartedPayload
	}

	// NodeCompleted streams when a node finishes, success or failure.
	NodeCompleted struct {
		Base
		Data NodeCompletedPayload
	}

	// AgentOutput streams the textual output an agent produced for a node.
	AgentOutput struct {
		Base
		Data AgentOutputPayload
	}

	// PlanUpdate streams a plan sub-engine event (created, step started,
	// step completed, revised, completed).
	PlanUpdate struct {
		Base
		Data PlanUpdatePayload
	}

	// Backtrack streams when the engine jumps backward in the graph, either
	// by reviewer decision or rubric auto-backtracking.
	Backtrack struct {
		Base
		Data BacktrackPayload
	}

	// ExecutionEnd streams the terminal outcome of an execution. Emitted
	// exactly once per execution that runs to a terminal state; paused
	// executions emit it with Phase "paused" and again when resumed to
	// termination.
	ExecutionEnd struct {
		Base
		Data ExecutionEndPayload
	}

	// ExecutionError streams a non-recoverable failure raised outside node
	// results, such as a dispatch panic or a lost persistence lease.
	ExecutionError struct {
		Base
		Data ExecutionErrorPayload
	}

	// NodeStartedPayload is the typed wire payload for NodeStarted.
	NodeStartedPayload struct {
		NodeID   string `json:"node_id"`
		NodeKind string `json:"node_kind"`
	}

	// NodeCompletedPayload is the typed wire payload for NodeCompleted.
	NodeCompletedPayload struct {
		NodeID   string        `json:"node_id"`
		Status   string        `json:"status"`
		Duration time.Duration `json:"duration"`
		Error    string        `json:"error,omitempty"`
	}

	// AgentOutputPayload is the typed wire payload for AgentOutput.
	AgentOutputPayload struct {
		NodeID  string `json:"node_id"`
		AgentID string `json:"agent_id"`
		Output  string `json:"output"`
	}

	// PlanUpdatePayload is the typed wire payload for PlanUpdate. Kind is the
	// plan event tag; Step is populated for step-level events.
	PlanUpdatePayload struct {
		PlanID   string     `json:"plan_id"`
		NodeID   string     `json:"node_id,omitempty"`
		Kind     string     `json:"kind"`
		Step     *plan.Step `json:"step,omitempty"`
		Revision int        `json:"revision,omitempty"`
		Reason   string     `json:"reason,omitempty"`
	}

	// BacktrackPayload is the typed wire payload for Backtrack.
	BacktrackPayload struct {
		From   string   `json:"from"`
		To     string   `json:"to"`
		Reason string   `json:"reason"`
		Type   string   `json:"type"`
		Score  *float64 `json:"score,omitempty"`
	}

	// ExecutionEndPayload is the typed wire payload for ExecutionEnd. Context
	// carries the public projection of the final execution context.
	ExecutionEndPayload struct {
		Phase    string         `json:"phase"`
		NodeID   string         `json:"node_id,omitempty"`
		Context  map[string]any `json:"context,omitempty"`
		Error    string         `json:"error,omitempty"`
		ExitCode string         `json:"exit_code,omitempty"`
	}

	// ExecutionErrorPayload is the typed wire payload for ExecutionError.
	ExecutionErrorPayload struct {
		Message string `json:"message"`
		NodeID  string `json:"node_id,omitempty"`
	}

	// Base provides a default implementation of Event. Concrete event types
	// embed it to inherit Type, ExecutionID, and Payload. Field names are
	// abbreviated because Base fields are rarely accessed directly.
	Base struct {
		t EventType
		e string
		p any
	}
)

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventNodeStarted streams when a node begins executing.
	EventNodeStarted EventType = "node_started"

	// EventNodeCompleted streams when a node finishes with a result.
	EventNodeCompleted EventType = "node_completed"

	// EventAgentOutput streams the output an agent returned for a node.
	EventAgentOutput EventType = "agent_output"

	// EventPlanUpdate streams plan sub-engine progress.
	EventPlanUpdate EventType = "plan_update"

	// EventBacktrack streams a backward jump in the graph.
	EventBacktrack EventType = "backtrack"

	// EventExecutionEnd streams the terminal phase of an execution.
	EventExecutionEnd EventType = "execution_end"

	// EventExecutionError streams a non-recoverable engine failure.
	EventExecutionError EventType = "execution_error"
)

// NewBase constructs a Base with the given type, execution ID, and payload.
func NewBase(t EventType, executionID string, payload any) Base {
	return Base{t: t, e: executionID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// ExecutionID implements Event.ExecutionID.
func (e Base) ExecutionID() string { return e.e }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
