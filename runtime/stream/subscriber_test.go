package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestNewSubscriberRequiresSink(t *testing.T) {
	_, err := NewSubscriber(nil, "e1", nil)
	assert.Error(t, err)
}

func TestSubscriberForwardsNodeLifecycle(t *testing.T) {
	sink := &recordingSink{}
	sub, err := NewSubscriber(sink, "e1", nil)
	require.NoError(t, err)

	ctx := context.Background()
	node := &workflow.StandardNode{NodeID: "draft"}
	sub.OnNodeStart(ctx, node)
	sub.OnNodeComplete(ctx, node, state.Failure("agent unavailable"))

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventNodeStarted, events[0].Type())
	assert.Equal(t, "e1", events[0].ExecutionID())

	completed := events[1].Payload().(NodeCompletedPayload)
	assert.Equal(t, "draft", completed.NodeID)
	assert.Equal(t, string(state.ResultFailure), completed.Status)
	assert.Equal(t, "agent unavailable", completed.Error)
	assert.NotZero(t, completed.Duration, "measured from the matching start")
}

func TestSubscriberForwardsAgentOutputOnSuccessOnly(t *testing.T) {
	sink := &recordingSink{}
	sub, err := NewSubscriber(sink, "e1", nil)
	require.NoError(t, err)

	ctx := context.Background()
	sub.OnAgentComplete(ctx, "draft", "writer", "", errors.New("boom"))
	assert.Empty(t, sink.all())

	sub.OnAgentComplete(ctx, "draft", "writer", "the output", nil)
	events := sink.all()
	require.Len(t, events, 1)
	payload := events[0].Payload().(AgentOutputPayload)
	assert.Equal(t, "writer", payload.AgentID)
	assert.Equal(t, "the output", payload.Output)
}

func TestSubscriberForwardsBacktrack(t *testing.T) {
	sink := &recordingSink{}
	sub, err := NewSubscriber(sink, "e1", nil)
	require.NoError(t, err)

	score := 42.0
	sub.OnBacktrack(context.Background(), &state.BacktrackEvent{
		From:        "review",
		To:          "draft",
		Reason:      "rubric quality scored 42.0 (moderate)",
		Type:        state.BacktrackAutomatic,
		RubricScore: &score,
	})

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventBacktrack, events[0].Type())
	payload := events[0].Payload().(BacktrackPayload)
	assert.Equal(t, "review", payload.From)
	assert.Equal(t, "draft", payload.To)
	assert.Equal(t, string(state.BacktrackAutomatic), payload.Type)
	require.NotNil(t, payload.Score)
	assert.Equal(t, 42.0, *payload.Score)
}

func TestSubscriberForwardsPlanEvents(t *testing.T) {
	sink := &recordingSink{}
	sub, err := NewSubscriber(sink, "e1", nil)
	require.NoError(t, err)

	ctx := context.Background()
	step := plan.Step{Index: 0, ToolName: "search"}
	sub.OnPlanEvent(ctx, &plan.StepStarted{ID: "p1", Step: step})
	sub.OnPlanEvent(ctx, &plan.Revised{ID: "p1", Revision: 2, Reason: "step failed"})

	events := sink.all()
	require.Len(t, events, 2)

	started := events[0].Payload().(PlanUpdatePayload)
	assert.Equal(t, "p1", started.PlanID)
	require.NotNil(t, started.Step)
	assert.Equal(t, "search", started.Step.ToolName)

	revised := events[1].Payload().(PlanUpdatePayload)
	assert.Equal(t, 2, revised.Revision)
	assert.Equal(t, "step failed", revised.Reason)
}

func TestSubscriberToleratesSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("transport down")}
	sub, err := NewSubscriber(sink, "e1", nil)
	require.NoError(t, err)

	// Must not panic or propagate.
	sub.OnNodeStart(context.Background(), &workflow.StandardNode{NodeID: "draft"})
}
