package state

// System-reserved context keys. Every reserved key starts with "_" so the
// public projection can strip them by prefix alone; the handful of
// engine-owned plain keys below (loop bookkeeping, retry counters, rubric
// feedback) are user-visible by design.
const (
	// KeyTenantID carries the owning tenant through the execution context.
	KeyTenantID = "_tenant_id"
	// KeyExecutionID mirrors the execution identifier into the context.
	KeyExecutionID = "_execution_id"
	// KeyPlanID identifies the plan awaiting review in PENDING metadata.
	KeyPlanID = "_plan_id"
	// KeyPlanReviewRequired flags a plan-review pause in PENDING metadata.
	KeyPlanReviewRequired = "_plan_review_required"
	// KeyPlanSteps carries the pending plan's step count.
	KeyPlanSteps = "_plan_steps"
	// KeyPlanFailureTarget routes plan failures to a configured node.
	KeyPlanFailureTarget = "_plan_failure_target"
)

// ForkContextKey returns the reserved key stashing fork futures for a fork
// node.
func ForkContextKey(forkNodeID string) string {
	return "_fork_context_" + forkNodeID
}

// PromptOverrideKey returns the reserved key holding a prompt override for
// the given node.
func PromptOverrideKey(nodeID string) string {
	return "_prompt_override_" + nodeID
}

// Engine-owned plain context keys.
const (
	// KeyLoopExitTarget is consulted by loop transition evaluation.
	KeyLoopExitTarget = "loop_exit_target"
	// KeyRetryAttempt counts same-node retries triggered by minor rubric
	// failures.
	KeyRetryAttempt = "retry_attempt"
	// KeyBacktrackReason explains the most recent automatic backtrack.
	KeyBacktrackReason = "backtrack_reason"
	// KeyRecommendations aggregates improvement guidance across backtracks.
	KeyRecommendations = "recommendations"
	// KeyFailedCriteria lists rubric criteria that failed.
	KeyFailedCriteria = "failed_criteria"
	// KeyImprovementSuggestions lists rubric suggestions.
	KeyImprovementSuggestions = "improvement_suggestions"
	// KeyImprovementHints carries prior self-recommendations merged into the
	// rendered recommendations.
	KeyImprovementHints = "improvement_hints"
)
