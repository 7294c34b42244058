package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/action"
	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/consensus"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/review"
	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/store/inmem"
	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/tools"
	"github.com/weftworks/loom/runtime/workflow"
)

type agentFunc func(ctx context.Context, prompt string, execContext map[string]any) (agent.Response, error)

func (f agentFunc) Execute(ctx context.Context, prompt string, execContext map[string]any) (agent.Response, error) {
	return f(ctx, prompt, execContext)
}

func textAgent(content string) agent.Agent {
	return agentFunc(func(context.Context, string, map[string]any) (agent.Response, error) {
		return &agent.TextResponse{Content: content}, nil
	})
}

// scriptedRubric returns canned evaluations per node output.
type scriptedRubric struct {
	evals map[string]*rubric.Evaluation
	calls int
}

func (r *scriptedRubric) Evaluate(_ context.Context, rubricID, _, output string, _ map[string]any) (*rubric.Evaluation, error) {
	r.calls++
	if ev, ok := r.evals[output]; ok {
		ev.RubricID = rubricID
		return ev, nil
	}
	return &rubric.Evaluation{RubricID: rubricID, Score: 100, Passed: true}, nil
}

// scriptedReview replays a sequence of review decisions.
type scriptedReview struct {
	decisions []review.Decision
}

func (r *scriptedReview) Review(context.Context, *review.Request) (review.Decision, error) {
	if len(r.decisions) == 0 {
		return &review.Approve{}, nil
	}
	d := r.decisions[0]
	r.decisions = r.decisions[1:]
	return d, nil
}

func testDeps(t *testing.T) *Dependencies {
	t.Helper()
	registry := agent.NewRegistry(nil)
	resolver := template.NewResolver()
	return &Dependencies{
		Workflows:    inmem.NewWorkflowRepository(),
		States:       inmem.NewStateRepository(),
		Agents:       registry,
		Consensus:    consensus.NewEvaluator(registry),
		Actions:      action.NewExecutor(resolver),
		Plans:        plan.NewEngine(nil, tools.NewRegistry(), nil),
		Resolver:     resolver,
		ServerNodeID: "node-under-test",
	}
}

func endNodes() (success, failure *workflow.EndNode) {
	return &workflow.EndNode{NodeID: "done", Exit: workflow.ExitSuccess},
		&workflow.EndNode{NodeID: "failed", Exit: workflow.ExitFailure}
}

func TestLinearExecution(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("writer", textAgent("a fine draft"))
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "linear",
		StartNode: "draft",
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:  "draft",
				AgentID: "writer",
				Prompt:  "write about {topic}",
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}

	res := New(deps, wf).Execute(context.Background(), map[string]any{"topic": "caching"})
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T: %+v", res, res)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)
	assert.Equal(t, "a fine draft", completed.FinalState.Context["draft"])
	require.Len(t, completed.FinalState.Steps(), 1)

	// The terminal snapshot carries no lease.
	snap, err := deps.States.FindByExecutionID(context.Background(), "t1", completed.FinalState.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Empty(t, snap.ServerNodeID)
}

func TestPureTemplateNode(t *testing.T) {
	deps := testDeps(t)
	done, _ := endNodes()
	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "tmpl",
		StartNode: "render",
		Nodes: map[string]workflow.Node{
			"render": &workflow.StandardNode{
				NodeID: "render",
				Prompt: "hello {name}",
				Rules:  []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), map[string]any{"name": "Ada"})
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, "hello Ada", completed.FinalState.Context["render"])
}

func TestMissingNodeFails(t *testing.T) {
	deps := testDeps(t)
	wf := &workflow.Workflow{TenantID: "t1", ID: "broken", StartNode: "ghost", Nodes: map[string]workflow.Node{}}
	res := New(deps, wf).Execute(context.Background(), nil)
	failure, ok := res.(*Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrIllegalState)
}

func TestFailureRuleRetriesThenRoutes(t *testing.T) {
	deps := testDeps(t)
	attempts := 0
	deps.Agents.Register("flaky", agentFunc(func(context.Context, string, map[string]any) (agent.Response, error) {
		attempts++
		return nil, errors.New("provider overloaded")
	}))
	done, failed := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "retry",
		StartNode: "work",
		Nodes: map[string]workflow.Node{
			"work": &workflow.StandardNode{
				NodeID:  "work",
				AgentID: "flaky",
				Rules: []workflow.TransitionRule{
					&workflow.SuccessRule{Target: "done"},
					&workflow.FailureRule{RetryCount: 2, ElseTarget: "failed"},
				},
			},
			"done":   done,
			"failed": failed,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitFailure, completed.Exit)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestScoreRuleRouting(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("writer", textAgent("mediocre work"))
	deps.Rubrics = &scriptedRubric{evals: map[string]*rubric.Evaluation{
		"mediocre work": {Score: 65, Passed: false},
	}}
	done, failed := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "scored",
		StartNode: "draft",
		Rubrics:   map[string]string{"quality": "rubrics/quality.md"},
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:   "draft",
				AgentID:  "writer",
				RubricID: "quality",
				Rules: []workflow.TransitionRule{
					&workflow.ScoreRule{Conditions: []workflow.ScoreCondition{
						{Operator: workflow.OpGTE, Value: 80, Target: "done"},
						{Operator: workflow.OpRange, Range: [2]float64{50, 79.9}, Target: "revise"},
						{Operator: workflow.OpLT, Value: 50, Target: "failed"},
					}},
				},
			},
			"revise": &workflow.StandardNode{
				NodeID: "revise",
				Prompt: "polished",
				Rules:  []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done":   done,
			"failed": failed,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)
	// The failing score routed through the explicit Score rule, not the
	// auto-backtrack policy.
	steps := completed.FinalState.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "revise", steps[1].NodeID)
	assert.Empty(t, completed.FinalState.Backtracks())
}

func TestRubricAutoBacktrackRetry(t *testing.T) {
	deps := testDeps(t)
	outputs := []string{"sloppy first try", "solid second try"}
	deps.Agents.Register("writer", agentFunc(func(context.Context, string, map[string]any) (agent.Response, error) {
		out := outputs[0]
		if len(outputs) > 1 {
			outputs = outputs[1:]
		}
		return &agent.TextResponse{Content: out}, nil
	}))
	deps.Rubrics = &scriptedRubric{evals: map[string]*rubric.Evaluation{
		// Minor severity: retry the node in place.
		"sloppy first try": {Score: 70, Passed: false, Suggestions: []string{"tighten the intro"}},
	}}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "backtracking",
		StartNode: "draft",
		Rubrics:   map[string]string{"quality": "q.md"},
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:   "draft",
				AgentID:  "writer",
				RubricID: "quality",
				Rules:    []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)

	backtracks := completed.FinalState.Backtracks()
	require.Len(t, backtracks, 1)
	assert.Equal(t, state.BacktrackAutomatic, backtracks[0].Type)
	assert.Equal(t, "draft", backtracks[0].To)
	require.NotNil(t, backtracks[0].RubricScore)
	assert.Equal(t, 70.0, *backtracks[0].RubricScore)

	assert.Equal(t, 1, completed.FinalState.Context[state.KeyRetryAttempt])
	assert.Contains(t, completed.FinalState.Context[state.KeyRecommendations], "tighten the intro")
	assert.Equal(t, "solid second try", completed.FinalState.Context["draft"])
}

func TestRubricModerateBacktracksToPreviousPhase(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("researcher", textAgent("background notes"))
	analyses := []string{"weak analysis", "sharp analysis"}
	deps.Agents.Register("analyst", agentFunc(func(context.Context, string, map[string]any) (agent.Response, error) {
		out := analyses[0]
		if len(analyses) > 1 {
			analyses = analyses[1:]
		}
		return &agent.TextResponse{Content: out}, nil
	}))
	deps.Rubrics = &scriptedRubric{evals: map[string]*rubric.Evaluation{
		// Moderate severity: jump back to the previous phase.
		"weak analysis": {Score: 45, Passed: false, FailedCriteria: []string{"depth"}},
	}}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "phased",
		StartNode: "research",
		Rubrics:   map[string]string{"research-quality": "rq.md", "analysis-quality": "aq.md"},
		Nodes: map[string]workflow.Node{
			"research": &workflow.StandardNode{
				NodeID:   "research",
				AgentID:  "researcher",
				RubricID: "research-quality",
				Rules:    []workflow.TransitionRule{&workflow.SuccessRule{Target: "analyze"}},
			},
			"analyze": &workflow.StandardNode{
				NodeID:   "analyze",
				AgentID:  "analyst",
				RubricID: "analysis-quality",
				Rules:    []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)

	backtracks := completed.FinalState.Backtracks()
	require.Len(t, backtracks, 1)
	assert.Equal(t, state.BacktrackAutomatic, backtracks[0].Type)
	assert.Equal(t, "analyze", backtracks[0].From)
	assert.Equal(t, "research", backtracks[0].To, "latest step with a different rubric")
	require.NotNil(t, backtracks[0].RubricScore)
	assert.Equal(t, 45.0, *backtracks[0].RubricScore)

	// The previous phase re-ran before analysis succeeded.
	nodes := make([]string, 0, 4)
	for _, step := range completed.FinalState.Steps() {
		nodes = append(nodes, step.NodeID)
	}
	assert.Equal(t, []string{"research", "analyze", "research", "analyze"}, nodes)
	assert.Equal(t, []string{"depth"}, completed.FinalState.Context[state.KeyFailedCriteria])
	assert.Equal(t, "sharp analysis", completed.FinalState.Context["analyze"])
}

func TestReviewRejectTerminates(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("writer", textAgent("questionable content"))
	deps.Reviews = &scriptedReview{decisions: []review.Decision{
		&review.Reject{Reason: "policy violation"},
	}}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "reviewed",
		StartNode: "draft",
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:  "draft",
				AgentID: "writer",
				Review:  &workflow.ReviewConfig{Mode: workflow.ReviewRequired},
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	rejected, ok := res.(*Rejected)
	require.True(t, ok)
	assert.Equal(t, "policy violation", rejected.Reason)

	snap, err := deps.States.FindByExecutionID(context.Background(), "t1", rejected.RejectedState.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRejected, snap.Status)
}

func TestReviewBacktrackWithPromptOverride(t *testing.T) {
	deps := testDeps(t)
	var prompts []string
	deps.Agents.Register("writer", agentFunc(func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
		prompts = append(prompts, prompt)
		return &agent.TextResponse{Content: "draft"}, nil
	}))
	deps.Reviews = &scriptedReview{decisions: []review.Decision{
		&review.Backtrack{Target: "draft", Reason: "needs sources", EditedPrompt: "add citations"},
		&review.Approve{},
	}}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "review-backtrack",
		StartNode: "draft",
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:  "draft",
				AgentID: "writer",
				Prompt:  "write it",
				Review:  &workflow.ReviewConfig{Mode: workflow.ReviewRequired, AllowBacktrack: true},
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)

	require.Equal(t, []string{"write it", "add citations"}, prompts)
	backtracks := completed.FinalState.Backtracks()
	require.Len(t, backtracks, 1)
	assert.Equal(t, state.BacktrackManual, backtracks[0].Type)
}

func TestReviewBacktrackIgnoredWhenForbidden(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("writer", textAgent("draft"))
	deps.Reviews = &scriptedReview{decisions: []review.Decision{
		&review.Backtrack{Target: "draft", Reason: "ignored"},
	}}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "no-backtrack",
		StartNode: "draft",
		Nodes: map[string]workflow.Node{
			"draft": &workflow.StandardNode{
				NodeID:  "draft",
				AgentID: "writer",
				Review:  &workflow.ReviewConfig{Mode: workflow.ReviewRequired},
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Empty(t, completed.FinalState.Backtracks())
}

func TestOutputParamsLifted(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("extractor", textAgent(`{"title": "Go Concurrency", "pages": 12}`))
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "params",
		StartNode: "extract",
		Nodes: map[string]workflow.Node{
			"extract": &workflow.StandardNode{
				NodeID:       "extract",
				AgentID:      "extractor",
				OutputParams: []string{"title", "missing"},
				Rules:        []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, "Go Concurrency", completed.FinalState.Context["title"])
	assert.NotContains(t, completed.FinalState.Context, "missing")
}

func TestControlCharacterOutputRejected(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("binary", textAgent("bad\x00output"))
	done, failed := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "validated",
		StartNode: "gen",
		Nodes: map[string]workflow.Node{
			"gen": &workflow.StandardNode{
				NodeID:  "gen",
				AgentID: "binary",
				Rules: []workflow.TransitionRule{
					&workflow.SuccessRule{Target: "done"},
					&workflow.FailureRule{ElseTarget: "failed"},
				},
			},
			"done":   done,
			"failed": failed,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitFailure, completed.Exit)
	assert.NotContains(t, completed.FinalState.Context, "gen")
}

func TestValidateOutput(t *testing.T) {
	require.NoError(t, validateOutput("tabs\tand\nnewlines\r\nare fine"))
	assert.Error(t, validateOutput("null\x00byte"))
	assert.Error(t, validateOutput("del\x7fchar"))
	assert.Error(t, validateOutput("c1\u009bcontrol"))
	assert.Error(t, validateOutput("rtl‮override"))
}

func TestLoopBreaksOnConditionAndBound(t *testing.T) {
	deps := testDeps(t)
	iterations := 0
	deps.Agents.Register("worker", agentFunc(func(context.Context, string, map[string]any) (agent.Response, error) {
		iterations++
		return &agent.TextResponse{Content: fmt.Sprintf("pass %d", iterations)}, nil
	}))
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "looping",
		StartNode: "loop",
		Nodes: map[string]workflow.Node{
			"loop": &workflow.LoopNode{
				NodeID:        "loop",
				BodyTarget:    "body",
				ExitTarget:    "done",
				MaxIterations: 3,
			},
			"body": &workflow.StandardNode{
				NodeID:  "body",
				AgentID: "worker",
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "loop"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)
	assert.Equal(t, 3, iterations, "bounded by max iterations")
}

func TestLoopBreakCondition(t *testing.T) {
	deps := testDeps(t)
	done, _ := endNodes()
	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "cond-loop",
		StartNode: "loop",
		Nodes: map[string]workflow.Node{
			"loop": &workflow.LoopNode{
				NodeID:          "loop",
				BodyTarget:      "body",
				ExitTarget:      "done",
				BreakConditions: map[string]any{"ready": true},
				MaxIterations:   10,
			},
			"body": &workflow.StandardNode{NodeID: "body", Prompt: "noop",
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "loop"}}},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), map[string]any{"ready": true})
	completed, ok := res.(*Completed)
	require.True(t, ok)
	// The condition held on entry, so the body never ran.
	require.NotEmpty(t, completed.FinalState.Steps())
	assert.Equal(t, "loop", completed.FinalState.Steps()[0].NodeID)
}

func TestParallelConsensus(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("optimist", textAgent("I approve, ship it"))
	deps.Agents.Register("pessimist", textAgent("reject: too risky"))
	deps.Agents.Register("pragmatist", textAgent("approve with reservations"))
	deps.BranchConcurrency = 2
	done, failed := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "voting",
		StartNode: "vote",
		Nodes: map[string]workflow.Node{
			"vote": &workflow.ParallelNode{
				NodeID: "vote",
				Branches: []workflow.Branch{
					{ID: "a", AgentID: "optimist", Prompt: "assess"},
					{ID: "b", AgentID: "pessimist", Prompt: "assess"},
					{ID: "c", AgentID: "pragmatist", Prompt: "assess"},
				},
				Rules: []workflow.TransitionRule{
					&workflow.SuccessRule{Target: "done"},
					&workflow.FailureRule{ElseTarget: "failed"},
				},
			},
			"done":   done,
			"failed": failed,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)

	steps := completed.FinalState.Steps()
	require.Len(t, steps, 1)
	md := steps[0].Result.Metadata
	assert.Equal(t, true, md["consensus_reached"])
	assert.Equal(t, 2, md["approve_count"])
	assert.Equal(t, 1, md["reject_count"])
	assert.Equal(t, "a", md["winning_branch"], "highest-score approving branch")
}

func TestParallelNoConsensusRoutesFailure(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("pessimist", textAgent("reject"))
	done, failed := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "no-consensus",
		StartNode: "vote",
		Nodes: map[string]workflow.Node{
			"vote": &workflow.ParallelNode{
				NodeID: "vote",
				Branches: []workflow.Branch{
					{ID: "a", AgentID: "pessimist", Prompt: "assess"},
					{ID: "b", AgentID: "pessimist", Prompt: "assess"},
				},
				Consensus: &workflow.ConsensusConfig{Strategy: workflow.ConsensusUnanimous},
				Rules: []workflow.TransitionRule{
					&workflow.SuccessRule{Target: "done"},
					&workflow.FailureRule{ElseTarget: "failed"},
				},
			},
			"done":   done,
			"failed": failed,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, workflow.ExitFailure, completed.Exit)
}

func TestForkJoin(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("alpha", textAgent("alpha output"))
	deps.Agents.Register("beta", textAgent("beta output"))
	done, _ := endNodes()

	// Fork targets run the full child graph to their own end nodes; the join
	// reads each target node's output from the child's final context.
	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "forked",
		StartNode: "fork",
		Nodes: map[string]workflow.Node{
			"fork": &workflow.ForkNode{
				NodeID:  "fork",
				Targets: []string{"branch-a", "branch-b"},
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "join"}},
			},
			"branch-a": &workflow.StandardNode{NodeID: "branch-a", AgentID: "alpha",
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}}},
			"branch-b": &workflow.StandardNode{NodeID: "branch-b", AgentID: "beta",
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}}},
			"join": &workflow.JoinNode{
				NodeID:       "join",
				AwaitTargets: []string{"branch-a", "branch-b"},
				Merge:        workflow.MergeCollectAll,
				OutputField:  "results",
				Rules:        []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T", res)

	results, ok := completed.FinalState.Context["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alpha output", results["branch-a"])
	assert.Equal(t, "beta output", results["branch-b"])
}

func TestForkUnknownTargetIsFatal(t *testing.T) {
	deps := testDeps(t)
	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "bad-fork",
		StartNode: "fork",
		Nodes: map[string]workflow.Node{
			"fork": &workflow.ForkNode{NodeID: "fork", Targets: []string{"ghost"}},
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	failure, ok := res.(*Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrIllegalState)
}

func slowForkWorkflow(failOnAnyError bool) *workflow.Workflow {
	done, failed := endNodes()
	return &workflow.Workflow{
		TenantID:  "t1",
		ID:        "slow-fork",
		StartNode: "fork",
		Nodes: map[string]workflow.Node{
			"fork": &workflow.ForkNode{
				NodeID:  "fork",
				Targets: []string{"quick", "laggard"},
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "join"}},
			},
			"quick": &workflow.StandardNode{NodeID: "quick", AgentID: "fast",
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}}},
			"laggard": &workflow.StandardNode{NodeID: "laggard", AgentID: "slow",
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}}},
			"join": &workflow.JoinNode{
				NodeID:         "join",
				AwaitTargets:   []string{"quick", "laggard"},
				Merge:          workflow.MergeCollectAll,
				OutputField:    "results",
				TimeoutMS:      100,
				FailOnAnyError: failOnAnyError,
				Rules: []workflow.TransitionRule{
					&workflow.SuccessRule{Target: "done"},
					&workflow.FailureRule{ElseTarget: "failed"},
				},
			},
			"done":   done,
			"failed": failed,
		},
	}
}

func registerSlowForkAgents(deps *Dependencies) {
	deps.Agents.Register("fast", textAgent("fast output"))
	deps.Agents.Register("slow", agentFunc(func(ctx context.Context, _ string, _ map[string]any) (agent.Response, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return &agent.TextResponse{Content: "late output"}, nil
	}))
}

func TestJoinTimeoutFailsWhenRequired(t *testing.T) {
	deps := testDeps(t)
	registerSlowForkAgents(deps)

	res := New(deps, slowForkWorkflow(true)).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, workflow.ExitFailure, completed.Exit)

	steps := completed.FinalState.Steps()
	require.NotEmpty(t, steps)
	join := steps[len(steps)-1]
	require.Equal(t, "join", join.NodeID)
	branchErrs, ok := join.Result.Metadata["branch_errors"].([]string)
	require.True(t, ok)
	require.Len(t, branchErrs, 1)
	assert.Contains(t, branchErrs[0], "laggard")
	assert.Contains(t, branchErrs[0], "timed out")
}

func TestJoinTimeoutKeepsCompletedWhenTolerated(t *testing.T) {
	deps := testDeps(t)
	registerSlowForkAgents(deps)

	res := New(deps, slowForkWorkflow(false)).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, workflow.ExitSuccess, completed.Exit)

	results, ok := completed.FinalState.Context["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fast output", results["quick"])
	assert.NotContains(t, results, "laggard", "timed-out branch contributes nothing")
}

func TestSubWorkflow(t *testing.T) {
	deps := testDeps(t)
	deps.Agents.Register("translator", textAgent("bonjour"))
	done, _ := endNodes()

	child := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "translate",
		StartNode: "translate",
		Nodes: map[string]workflow.Node{
			"translate": &workflow.StandardNode{
				NodeID:  "translate",
				AgentID: "translator",
				Prompt:  "translate {text}",
				Rules:   []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	require.NoError(t, deps.Workflows.Save(context.Background(), "t1", child))

	parent := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "parent",
		StartNode: "delegate",
		Nodes: map[string]workflow.Node{
			"delegate": &workflow.SubWorkflowNode{
				NodeID:        "delegate",
				WorkflowID:    "translate",
				InputMapping:  map[string]string{"text": "greeting"},
				OutputMapping: map[string]string{"translated": "translate"},
				Rules:         []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, parent).Execute(context.Background(), map[string]any{"greeting": "hello"})
	completed, ok := res.(*Completed)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, "bonjour", completed.FinalState.Context["translated"])
}

func TestSubWorkflowMissingInputIsFatal(t *testing.T) {
	deps := testDeps(t)
	done, _ := endNodes()
	child := &workflow.Workflow{TenantID: "t1", ID: "child", StartNode: "done",
		Nodes: map[string]workflow.Node{"done": done}}
	require.NoError(t, deps.Workflows.Save(context.Background(), "t1", child))

	parent := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "parent",
		StartNode: "delegate",
		Nodes: map[string]workflow.Node{
			"delegate": &workflow.SubWorkflowNode{
				NodeID:       "delegate",
				WorkflowID:   "child",
				InputMapping: map[string]string{"in": "absent"},
			},
			"done": done,
		},
	}
	res := New(deps, parent).Execute(context.Background(), nil)
	failure, ok := res.(*Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrIllegalState)
}

func TestActionNode(t *testing.T) {
	deps := testDeps(t)
	handler := &recordingHandler{id: "notify"}
	deps.Actions.RegisterHandler(handler)
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "acting",
		StartNode: "notify",
		Nodes: map[string]workflow.Node{
			"notify": &workflow.ActionNode{
				NodeID: "notify",
				Actions: []workflow.Action{
					&workflow.SendAction{HandlerID: "notify", Payload: map[string]any{"msg": "finished {job}"}},
				},
				Rules: []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), map[string]any{"job": "backfill"})
	_, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, "finished backfill", handler.payload["msg"])
}

func TestGenericNode(t *testing.T) {
	deps := testDeps(t)
	deps.Generics = map[string]GenericHandler{
		"counter": func(_ context.Context, config map[string]any, st *state.WorkflowState) (*state.NodeResult, error) {
			st.Context["counted"] = config["by"]
			return state.Success(nil), nil
		},
	}
	done, _ := endNodes()

	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "generic",
		StartNode: "count",
		Nodes: map[string]workflow.Node{
			"count": &workflow.GenericNode{
				NodeID:       "count",
				ExecutorType: "counter",
				Config:       map[string]any{"by": 2},
				Rules:        []workflow.TransitionRule{&workflow.SuccessRule{Target: "done"}},
			},
			"done": done,
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	completed, ok := res.(*Completed)
	require.True(t, ok)
	assert.Equal(t, 2, completed.FinalState.Context["counted"])
}

func TestGenericNodeMissingHandlerIsFatal(t *testing.T) {
	deps := testDeps(t)
	wf := &workflow.Workflow{
		TenantID:  "t1",
		ID:        "generic",
		StartNode: "count",
		Nodes: map[string]workflow.Node{
			"count": &workflow.GenericNode{NodeID: "count", ExecutorType: "unregistered"},
		},
	}
	res := New(deps, wf).Execute(context.Background(), nil)
	failure, ok := res.(*Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, ErrExecutorNotFound)
}

type recordingHandler struct {
	id      string
	payload map[string]any
}

func (h *recordingHandler) HandlerID() string { return h.id }

func (h *recordingHandler) Execute(_ context.Context, payload, _ map[string]any) (*action.Result, error) {
	h.payload = payload
	return &action.Result{Success: true}, nil
}
