package engine

import (
	"context"
	"fmt"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// selfReportedScoreKeys are consulted in order when no rubric evaluation is
// attached to the state.
var selfReportedScoreKeys = []string{"score", "final_score", "quality_score", "evaluation_score"}

// transitionProcessor selects the next node. Loop bookkeeping wins over
// declared rules; otherwise rules fire in declared order and the first
// non-empty target wins. No target on a non-End node is a fatal error.
func (e *Executor) transitionProcessor(ctx context.Context, node workflow.Node, result *state.NodeResult) ExecutionResult {
	if target := e.st.LoopBreakTarget; target != "" {
		e.st.LoopBreakTarget = ""
		e.st.CurrentNode = target
		return nil
	}

	if _, isLoop := node.(*workflow.LoopNode); isLoop {
		if target, ok := e.st.Context[state.KeyLoopExitTarget].(string); ok && target != "" {
			e.st.CurrentNode = target
			return nil
		}
		return e.fail(ctx, fmt.Errorf("%w: loop node %q produced no exit target", ErrIllegalState, node.ID()))
	}

	// A plan that exhausted its replan budget routes through the node's
	// declared failure target before ordinary rules.
	if result.Status == state.ResultFailure {
		if target, ok := result.Meta(state.KeyPlanFailureTarget); ok {
			if t, ok := target.(string); ok && t != "" {
				e.st.CurrentNode = t
				return nil
			}
		}
	}

	for _, rule := range node.Transitions() {
		if target := e.evalRule(node, rule, result); target != "" {
			e.st.CurrentNode = target
			return nil
		}
	}
	return e.fail(ctx, fmt.Errorf("%w: no valid transition from node %q (result %s)",
		ErrIllegalState, node.ID(), result.Status))
}

func (e *Executor) evalRule(node workflow.Node, rule workflow.TransitionRule, result *state.NodeResult) string {
	switch r := rule.(type) {
	case *workflow.SuccessRule:
		if result.Status == state.ResultSuccess {
			return r.Target
		}
	case *workflow.FailureRule:
		if result.Status != state.ResultFailure {
			return ""
		}
		if e.retries[node.ID()] < r.RetryCount {
			e.retries[node.ID()]++
			if r.RetryTarget != "" {
				return r.RetryTarget
			}
			return node.ID()
		}
		return r.ElseTarget
	case *workflow.ScoreRule:
		score, ok := e.currentScore()
		if !ok {
			return ""
		}
		for _, cond := range r.Conditions {
			if cond.Matches(score) {
				return cond.Target
			}
		}
	}
	return ""
}

// scoreRuleTarget reports the target a Score rule would select for the given
// score, or empty. Used by the rubric processor to let explicit score routing
// suppress auto-backtracking.
func (e *Executor) scoreRuleTarget(node workflow.Node, score float64) string {
	for _, rule := range node.Transitions() {
		r, ok := rule.(*workflow.ScoreRule)
		if !ok {
			continue
		}
		for _, cond := range r.Conditions {
			if cond.Matches(score) {
				return cond.Target
			}
		}
	}
	return ""
}

// currentScore returns the score a Score rule evaluates against: the rubric
// evaluation when present, then self-reported context keys.
func (e *Executor) currentScore() (float64, bool) {
	if eval := e.st.RubricEvaluation; eval != nil {
		return eval.Score, true
	}
	for _, key := range selfReportedScoreKeys {
		switch v := e.st.Context[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}
