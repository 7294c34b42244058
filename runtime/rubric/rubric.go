// Package rubric defines the scoring contract applied to node outputs and the
// policy that turns failing scores into automatic backtracks. Rubric parsing
// and LLM-based scoring live behind the Evaluator interface; this package owns
// only the evaluation shape and the threshold policy.
package rubric

import "context"

type (
	// Evaluator scores a node output against a named rubric. Implementations
	// typically render the rubric and output into a judging prompt and parse
	// the scored response. Must be safe for concurrent use.
	Evaluator interface {
		// Evaluate scores output against the rubric identified by rubricID.
		// The ref argument is the workflow-declared rubric reference (path or
		// URI) and execContext carries the public execution context for
		// prompt rendering.
		Evaluate(ctx context.Context, rubricID, ref, output string, execContext map[string]any) (*Evaluation, error)
	}

	// Evaluation is the outcome of scoring one node output.
	Evaluation struct {
		// RubricID identifies the rubric that produced the evaluation.
		RubricID string
		// Score is the quality score in [0, 100].
		Score float64
		// Passed reports whether the output met the rubric's bar.
		Passed bool
		// FailedCriteria lists the rubric criteria that failed.
		FailedCriteria []string
		// Suggestions lists rubric-derived improvement suggestions.
		Suggestions []string
	}
)

// Severity buckets a failing score into a backtrack action.
type Severity string

const (
	// SeverityCritical restarts at the earliest rubric-bearing step.
	SeverityCritical Severity = "critical"
	// SeverityModerate jumps to the previous phase (different rubric).
	SeverityModerate Severity = "moderate"
	// SeverityMinor retries the current node.
	SeverityMinor Severity = "minor"
	// SeverityNone takes no action.
	SeverityNone Severity = "none"
)

// Score thresholds separating backtrack severities. These are part of the
// engine's contract with workflow authors; changing them changes routing
// behavior for every scored workflow.
const (
	criticalBelow = 30
	moderateBelow = 60
	minorBelow    = 80
)

// Classify maps a score to its backtrack severity.
func Classify(score float64) Severity {
	switch {
	case score < criticalBelow:
		return SeverityCritical
	case score < moderateBelow:
		return SeverityModerate
	case score < minorBelow:
		return SeverityMinor
	default:
		return SeverityNone
	}
}

// StepInfo is the slice of execution history the backtrack decision needs:
// which node a step ran and which rubric (if any) that node carries.
type StepInfo struct {
	NodeID   string
	RubricID string
}

// Decision is the outcome of the backtrack policy.
type Decision struct {
	// Severity is the classified severity of the score.
	Severity Severity
	// Target is the node to backtrack to. Empty when no backtrack applies.
	Target string
	// Retry reports a same-node retry (minor severity).
	Retry bool
}

// Decide computes the auto-backtrack target for a failing score. It is a pure
// function of its inputs: the same score, node, history, and start node always
// produce the same decision.
//
// Critical scores restart at the earliest rubric-bearing step (falling back to
// the workflow start node). Moderate scores jump to the most recent step whose
// rubric differs from the current node's; when no such step exists no backtrack
// occurs. Minor scores retry the current node in place.
func Decide(score float64, currentNodeID, currentRubricID string, steps []StepInfo, startNode string) Decision {
	switch Classify(score) {
	case SeverityCritical:
		for _, step := range steps {
			if step.RubricID != "" {
				return Decision{Severity: SeverityCritical, Target: step.NodeID}
			}
		}
		return Decision{Severity: SeverityCritical, Target: startNode}
	case SeverityModerate:
		for i := len(steps) - 1; i >= 0; i-- {
			if steps[i].RubricID != "" && steps[i].RubricID != currentRubricID {
				return Decision{Severity: SeverityModerate, Target: steps[i].NodeID}
			}
		}
		return Decision{Severity: SeverityModerate}
	case SeverityMinor:
		return Decision{Severity: SeverityMinor, Target: currentNodeID, Retry: true}
	default:
		return Decision{Severity: SeverityNone}
	}
}
