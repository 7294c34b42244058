package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftworks/loom/runtime/review"
	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// prePipeline runs before node dispatch: checkpoint, then node start. A
// non-nil return short-circuits the loop.
func (e *Executor) prePipeline(ctx context.Context, node workflow.Node) ExecutionResult {
	if err := e.persist(ctx, state.StatusCheckpoint); err != nil {
		return &Failure{FailedState: e.st, Err: err}
	}
	e.listener.OnCheckpoint(ctx, e.st)
	e.listener.OnNodeStart(ctx, node)
	return nil
}

// postPipeline runs after node dispatch in fixed order: output extraction,
// node complete, history, review, rubric, transition. Review and rubric may
// move CurrentNode backward, in which case the remaining processors are
// skipped and the loop re-enters at the new node.
func (e *Executor) postPipeline(ctx context.Context, node workflow.Node, result *state.NodeResult) ExecutionResult {
	e.extractOutput(node, result)
	e.listener.OnNodeComplete(ctx, node, result)
	e.st.AppendStep(node.ID(), result)

	moved, terminal := e.reviewProcessor(ctx, node, result)
	if terminal != nil {
		return terminal
	}
	if moved {
		return nil
	}

	moved, terminal = e.rubricProcessor(ctx, node, result)
	if terminal != nil {
		return terminal
	}
	if moved {
		return nil
	}

	return e.transitionProcessor(ctx, node, result)
}

// extractOutput writes the node output into the context under the node's id
// and lifts declared output params from JSON outputs. Invalid outputs turn
// the result into a failure in place so failure rules route it.
func (e *Executor) extractOutput(node workflow.Node, result *state.NodeResult) {
	if result.Output == nil {
		return
	}
	text := stringifyOutput(result.Output)
	if err := validateOutput(text); err != nil {
		*result = *state.Failure(fmt.Sprintf("output rejected: %v", err))
		return
	}
	e.st.Context[node.ID()] = text

	std, ok := node.(*workflow.StandardNode)
	if !ok || len(std.OutputParams) == 0 {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return
	}
	for _, param := range std.OutputParams {
		if v, ok := fields[param]; ok {
			e.st.Context[param] = v
		}
	}
}

// reviewProcessor runs the review checkpoint for standard nodes with a review
// configuration. It reports whether the reviewer moved traversal backward.
func (e *Executor) reviewProcessor(ctx context.Context, node workflow.Node, result *state.NodeResult) (bool, ExecutionResult) {
	std, ok := node.(*workflow.StandardNode)
	if !ok || std.Review == nil {
		return false, nil
	}
	cfg := std.Review
	if cfg.Mode == workflow.ReviewDisabled {
		return false, nil
	}
	if cfg.Mode == workflow.ReviewOptional && result.Status == state.ResultSuccess {
		return false, nil
	}

	decision, err := e.deps.Reviews.Review(ctx, &review.Request{
		ExecutionID:    e.st.ExecutionID,
		NodeID:         std.NodeID,
		Mode:           cfg.Mode,
		Output:         result.Output,
		Context:        e.st.PublicContext(),
		Result:         result,
		History:        e.st.History,
		AllowBacktrack: cfg.AllowBacktrack,
		AllowEdit:      cfg.AllowEdit,
	})
	if err != nil {
		*result = *state.Failure(fmt.Sprintf("review failed: %v", err))
		return false, nil
	}

	switch d := decision.(type) {
	case *review.Approve:
		if d.Edited != nil && cfg.AllowEdit {
			e.applyEdit(d.Edited)
		}
		return false, nil
	case *review.Backtrack:
		if !cfg.AllowBacktrack {
			e.deps.Logger.Warn(ctx, "reviewer backtrack ignored, node forbids it", "node_id", std.NodeID)
			return false, nil
		}
		if d.Edited != nil && cfg.AllowEdit {
			e.applyEdit(d.Edited)
		}
		if d.EditedPrompt != "" {
			e.st.Context[state.PromptOverrideKey(d.Target)] = d.EditedPrompt
		}
		ev := &state.BacktrackEvent{
			From:   std.NodeID,
			To:     d.Target,
			Reason: d.Reason,
			Type:   state.BacktrackManual,
		}
		e.st.AppendBacktrack(ev)
		e.listener.OnBacktrack(ctx, ev)
		e.st.CurrentNode = d.Target
		return true, nil
	case *review.Reject:
		return false, e.reject(ctx, d.Reason)
	default:
		return false, e.fail(ctx, fmt.Errorf("unknown review decision kind %q", decision.DecisionKind()))
	}
}

// applyEdit copies reviewer-edited fields into the live state in place.
func (e *Executor) applyEdit(edit *review.StateEdit) {
	if edit.Context != nil {
		for k, v := range edit.Context {
			e.st.Context[k] = v
		}
	}
	if edit.CurrentNode != "" {
		e.st.CurrentNode = edit.CurrentNode
	}
	if edit.RubricEvaluation != nil {
		ev := *edit.RubricEvaluation
		e.st.RubricEvaluation = &ev
	}
}

// rubricProcessor scores rubric-bearing nodes and applies the automatic
// backtrack policy. A Score transition rule that would route on this score
// suppresses the auto-backtrack.
func (e *Executor) rubricProcessor(ctx context.Context, node workflow.Node, result *state.NodeResult) (bool, ExecutionResult) {
	rubricID := workflow.NodeRubric(node)
	if rubricID == "" || e.deps.Rubrics == nil || result.Status != state.ResultSuccess {
		return false, nil
	}

	output, _ := e.st.Context[node.ID()].(string)
	eval, err := e.deps.Rubrics.Evaluate(ctx, rubricID, e.wf.Rubrics[rubricID], output, e.st.PublicContext())
	if err != nil {
		e.deps.Logger.Error(ctx, "rubric evaluation failed",
			"node_id", node.ID(), "rubric_id", rubricID, "err", err)
		return false, nil
	}
	e.st.RubricEvaluation = eval
	e.deps.Metrics.RecordGauge("engine.rubric.score", eval.Score, "rubric", rubricID)
	if eval.Passed {
		return false, nil
	}
	if target := e.scoreRuleTarget(node, eval.Score); target != "" {
		// A Score rule will route this result; auto-backtrack stays out of
		// its way.
		return false, nil
	}

	decision := rubric.Decide(eval.Score, node.ID(), rubricID, e.historySteps(), e.wf.StartNode)
	if decision.Severity == rubric.SeverityNone || decision.Target == "" {
		return false, nil
	}

	e.applyRubricFeedback(eval, decision)
	score := eval.Score
	ev := &state.BacktrackEvent{
		From:        node.ID(),
		To:          decision.Target,
		Reason:      fmt.Sprintf("rubric %s scored %.1f (%s)", rubricID, eval.Score, decision.Severity),
		Type:        state.BacktrackAutomatic,
		RubricScore: &score,
	}
	e.st.AppendBacktrack(ev)
	e.listener.OnBacktrack(ctx, ev)
	e.st.CurrentNode = decision.Target
	e.deps.Logger.Info(ctx, "rubric auto-backtrack",
		"from", node.ID(), "to", decision.Target,
		"score", eval.Score, "severity", string(decision.Severity))
	e.deps.Metrics.IncCounter("engine.rubric.backtrack", 1, "severity", string(decision.Severity))
	return true, nil
}

// applyRubricFeedback merges the rubric's guidance into the context so the
// re-run node can see why it is being retried.
func (e *Executor) applyRubricFeedback(eval *rubric.Evaluation, decision rubric.Decision) {
	if decision.Retry {
		attempt, _ := e.st.Context[state.KeyRetryAttempt].(int)
		e.st.Context[state.KeyRetryAttempt] = attempt + 1
	}
	e.st.Context[state.KeyBacktrackReason] = fmt.Sprintf("rubric score %.1f: %s severity", eval.Score, decision.Severity)
	if len(eval.FailedCriteria) > 0 {
		e.st.Context[state.KeyFailedCriteria] = eval.FailedCriteria
	} else if len(eval.Suggestions) > 0 {
		e.st.Context[state.KeyImprovementSuggestions] = eval.Suggestions
	}

	var parts []string
	if hints, ok := e.st.Context[state.KeyImprovementHints].(string); ok && hints != "" {
		parts = append(parts, hints)
	}
	parts = append(parts, eval.Suggestions...)
	if len(parts) > 0 {
		e.st.Context[state.KeyRecommendations] = strings.Join(parts, "; ")
	}
}

func (e *Executor) historySteps() []rubric.StepInfo {
	steps := e.st.Steps()
	infos := make([]rubric.StepInfo, 0, len(steps))
	for _, step := range steps {
		info := rubric.StepInfo{NodeID: step.NodeID}
		if n, ok := e.wf.Node(step.NodeID); ok {
			info.RubricID = workflow.NodeRubric(n)
		}
		infos = append(infos, info)
	}
	return infos
}
