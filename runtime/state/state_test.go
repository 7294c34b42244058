package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/rubric"
)

func TestNew(t *testing.T) {
	initial := map[string]any{"topic": "graphs"}
	s := New("wf-1", "start", initial)

	assert.NotEmpty(t, s.ExecutionID)
	assert.Equal(t, "wf-1", s.WorkflowID)
	assert.Equal(t, "start", s.CurrentNode)
	assert.Equal(t, "graphs", s.Context["topic"])

	initial["topic"] = "mutated"
	assert.Equal(t, "graphs", s.Context["topic"], "initial context must be copied")

	other := New("wf-1", "start", nil)
	assert.NotEqual(t, s.ExecutionID, other.ExecutionID)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New("wf-1", "start", map[string]any{"k": "v"})
	s.AppendStep("start", &NodeResult{Output: "out"})
	s.RubricEvaluation = &rubric.Evaluation{RubricID: "q", Score: 90, Passed: true}

	cp := s.Clone()
	cp.Context["k"] = "changed"
	cp.AppendStep("next", &NodeResult{Output: "more"})
	cp.RubricEvaluation.Score = 10

	assert.Equal(t, "v", s.Context["k"])
	assert.Len(t, s.History, 1)
	assert.Len(t, cp.History, 2)
	assert.Equal(t, 90.0, s.RubricEvaluation.Score)
}

func TestHistoryAccessors(t *testing.T) {
	s := New("wf-1", "a", nil)
	s.AppendStep("a", &NodeResult{Output: "one"})
	score := 25.0
	s.AppendBacktrack(&BacktrackEvent{
		From: "b", To: "a", Type: BacktrackAutomatic, RubricScore: &score,
	})
	s.AppendStep("b", &NodeResult{Output: "two"})

	steps := s.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].NodeID)
	assert.Equal(t, "b", steps[1].NodeID)

	events := s.Backtracks()
	require.Len(t, events, 1)
	assert.Equal(t, BacktrackAutomatic, events[0].Type)
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp is stamped on append")
}

func TestAppendStepSnapshotsContext(t *testing.T) {
	s := New("wf-1", "a", map[string]any{"k": "before"})
	s.AppendStep("a", &NodeResult{})
	s.Context["k"] = "after"

	steps := s.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "before", steps[0].StateSnapshot["k"])
}

func TestPublicProjection(t *testing.T) {
	ctx := map[string]any{
		"visible":      1,
		"_tenant_id":   "t1",
		"_fork_handle": "x",
		"retry_attempt": 2,
	}
	pub := PublicProjection(ctx)
	assert.Equal(t, map[string]any{"visible": 1, "retry_attempt": 2}, pub)
}
