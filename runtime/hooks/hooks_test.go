package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// recorder collects callback names in delivery order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) OnNodeStart(context.Context, workflow.Node) { r.record("node_start") }
func (r *recorder) OnNodeComplete(context.Context, workflow.Node, *state.NodeResult) {
	r.record("node_complete")
}
func (r *recorder) OnAgentStart(context.Context, string, string, string) { r.record("agent_start") }
func (r *recorder) OnAgentComplete(context.Context, string, string, string, error) {
	r.record("agent_complete")
}
func (r *recorder) OnPlannerStart(context.Context, string, string) { r.record("planner_start") }
func (r *recorder) OnPlannerComplete(context.Context, string, int)  { r.record("planner_complete") }
func (r *recorder) OnCheckpoint(context.Context, *state.WorkflowState) { r.record("checkpoint") }
func (r *recorder) OnBacktrack(context.Context, *state.BacktrackEvent) { r.record("backtrack") }
func (r *recorder) OnPlanEvent(context.Context, plan.Event)            { r.record("plan_event") }

func fireAll(l Listener) {
	ctx := context.Background()
	node := &workflow.StandardNode{NodeID: "n1"}
	l.OnNodeStart(ctx, node)
	l.OnAgentStart(ctx, "n1", "a1", "prompt")
	l.OnAgentComplete(ctx, "n1", "a1", "out", nil)
	l.OnPlannerStart(ctx, "n1", "prompt")
	l.OnPlannerComplete(ctx, "n1", 2)
	l.OnNodeComplete(ctx, node, state.Success("out"))
	l.OnCheckpoint(ctx, state.New("wf", "n1", nil))
	l.OnBacktrack(ctx, &state.BacktrackEvent{From: "n1", To: "n0"})
	l.OnPlanEvent(ctx, &plan.Created{})
}

var allCalls = []string{
	"node_start", "agent_start", "agent_complete",
	"planner_start", "planner_complete", "node_complete",
	"checkpoint", "backtrack", "plan_event",
}

func TestMultiFansOutInOrder(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	m := NewMulti(first, nil, second)

	fireAll(m)

	assert.Equal(t, allCalls, first.snapshot())
	assert.Equal(t, allCalls, second.snapshot())
}

func TestNopIgnoresEverything(t *testing.T) {
	// Must not panic.
	fireAll(NewNop())
}

func TestAsyncPreservesOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 32)
	fireAll(a)
	a.Close()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == len(allCalls)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, allCalls, rec.snapshot())
}

func TestAsyncDropsOldestWhenFull(t *testing.T) {
	block := make(chan struct{})
	var delivered []string
	var mu sync.Mutex
	inner := listenerFunc(func(name string) {
		<-block
		mu.Lock()
		delivered = append(delivered, name)
		mu.Unlock()
	})

	a := NewAsync(inner, 2)
	ctx := context.Background()
	// First callback occupies the delivery goroutine; the rest fill the
	// two-slot queue and push out the oldest.
	a.OnAgentStart(ctx, "n", "first", "")
	time.Sleep(20 * time.Millisecond)
	a.OnAgentStart(ctx, "n", "second", "")
	a.OnAgentStart(ctx, "n", "third", "")
	a.OnAgentStart(ctx, "n", "fourth", "")
	close(block)
	a.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third", "fourth"}, delivered)
}

func TestAsyncCloseIsIdempotent(t *testing.T) {
	a := NewAsync(&recorder{}, 0)
	a.Close()
	a.Close()
}

// listenerFunc adapts a per-agent-start function for queue tests.
type listenerFunc func(agentID string)

func (f listenerFunc) OnNodeStart(context.Context, workflow.Node)                       {}
func (f listenerFunc) OnNodeComplete(context.Context, workflow.Node, *state.NodeResult) {}
func (f listenerFunc) OnAgentStart(_ context.Context, _, agentID, _ string)             { f(agentID) }
func (f listenerFunc) OnAgentComplete(context.Context, string, string, string, error)   {}
func (f listenerFunc) OnPlannerStart(context.Context, string, string)                   {}
func (f listenerFunc) OnPlannerComplete(context.Context, string, int)                   {}
func (f listenerFunc) OnCheckpoint(context.Context, *state.WorkflowState)               {}
func (f listenerFunc) OnBacktrack(context.Context, *state.BacktrackEvent)               {}
func (f listenerFunc) OnPlanEvent(context.Context, plan.Event)                          {}
