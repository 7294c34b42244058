package stream

import (
	"context"
	"errors"
	"time"

	"github.com/weftworks/loom/runtime/hooks"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/telemetry"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Subscriber bridges engine hook callbacks into stream events and forwards
	// them to a Sink. One Subscriber serves one execution: the execution ID is
	// fixed at construction so the sink can multiplex events from concurrent
	// executions.
	//
	// Only the sink actually "sends"; the subscriber listens to the internal
	// callbacks, translates those of interest, and hands them off via
	// Sink.Send. Sink failures are logged rather than propagated because hook
	// delivery must never stall traversal.
	Subscriber struct {
		hooks.Nop

		sink        Sink
		executionID string
		logger      telemetry.Logger

		started map[string]time.Time
	}
)

// NewSubscriber constructs a subscriber that forwards selected hook callbacks
// for the given execution to sink. It returns an error if sink is nil.
func NewSubscriber(sink Sink, executionID string, logger telemetry.Logger) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Subscriber{
		sink:        sink,
		executionID: executionID,
		logger:      logger,
		started:     make(map[string]time.Time),
	}, nil
}

// OnNodeStart forwards a NodeStarted event.
func (s *Subscriber) OnNodeStart(ctx context.Context, node workflow.Node) {
	s.started[node.ID()] = time.Now()
	payload := NodeStartedPayload{NodeID: node.ID(), NodeKind: string(node.Kind())}
	s.send(ctx, NodeStarted{Base: NewBase(EventNodeStarted, s.executionID, payload), Data: payload})
}

// OnNodeComplete forwards a NodeCompleted event with the node duration.
func (s *Subscriber) OnNodeComplete(ctx context.Context, node workflow.Node, result *state.NodeResult) {
	payload := NodeCompletedPayload{NodeID: node.ID(), Status: string(result.Status)}
	if at, ok := s.started[node.ID()]; ok {
		payload.Duration = time.Since(at)
		delete(s.started, node.ID())
	}
	if result.Error != "" {
		payload.Error = result.Error
	}
	s.send(ctx, NodeCompleted{Base: NewBase(EventNodeCompleted, s.executionID, payload), Data: payload})
}

// OnAgentComplete forwards an AgentOutput event on success. Failures surface
// through NodeCompleted instead.
func (s *Subscriber) OnAgentComplete(ctx context.Context, nodeID, agentID, output string, err error) {
	if err != nil {
		return
	}
	payload := AgentOutputPayload{NodeID: nodeID, AgentID: agentID, Output: output}
	s.send(ctx, AgentOutput{Base: NewBase(EventAgentOutput, s.executionID, payload), Data: payload})
}

// OnBacktrack forwards a Backtrack event.
func (s *Subscriber) OnBacktrack(ctx context.Context, ev *state.BacktrackEvent) {
	payload := BacktrackPayload{
		From:   ev.From,
		To:     ev.To,
		Reason: ev.Reason,
		Type:   string(ev.Type),
		Score:  ev.RubricScore,
	}
	s.send(ctx, Backtrack{Base: NewBase(EventBacktrack, s.executionID, payload), Data: payload})
}

// OnPlanEvent forwards plan sub-engine events as PlanUpdate.
func (s *Subscriber) OnPlanEvent(ctx context.Context, ev plan.Event) {
	payload := PlanUpdatePayload{PlanID: ev.PlanID(), Kind: string(ev.EventKind())}
	switch evt := ev.(type) {
	case *plan.Created:
		payload.NodeID = evt.NodeID
	case *plan.StepStarted:
		step := evt.Step
		payload.Step = &step
	case *plan.StepCompleted:
		step := evt.Step
		payload.Step = &step
	case *plan.Revised:
		payload.Revision = evt.Revision
		payload.Reason = evt.Reason
	case *plan.Completed:
		payload.NodeID = evt.NodeID
	}
	s.send(ctx, PlanUpdate{Base: NewBase(EventPlanUpdate, s.executionID, payload), Data: payload})
}

func (s *Subscriber) send(ctx context.Context, ev Event) {
	if err := s.sink.Send(ctx, ev); err != nil {
		s.logger.Error(ctx, "stream send failed",
			"execution_id", s.executionID, "event", string(ev.Type()), "err", err)
	}
}
