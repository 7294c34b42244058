package workflow

type (
	// TransitionRule is the closed set of edge predicates attached to a node.
	// Rules are evaluated in declared order; the first rule producing a
	// non-empty target wins. Concrete variants are SuccessRule, FailureRule,
	// and ScoreRule.
	TransitionRule interface {
		// RuleKind returns the variant tag.
		RuleKind() RuleKind
	}

	// RuleKind tags the transition rule variant.
	RuleKind string

	// ScoreOperator compares a score against a rule condition.
	ScoreOperator string

	// SuccessRule routes to Target when the node result succeeded.
	SuccessRule struct {
		Target string
	}

	// FailureRule retries the node up to RetryCount times on failure, then
	// routes to ElseTarget. RetryTarget optionally names a different node to
	// retry at instead of the failing node itself.
	FailureRule struct {
		RetryCount  int
		RetryTarget string
		ElseTarget  string
	}

	// ScoreRule routes on the node's score. The score source is the rubric
	// evaluation when present, otherwise self-reported context keys.
	ScoreRule struct {
		Conditions []ScoreCondition
	}

	// ScoreCondition is one ordered comparison of a ScoreRule.
	ScoreCondition struct {
		Operator ScoreOperator
		// Value is the comparison operand for GT/GTE/LT/LTE.
		Value float64
		// Range is the inclusive [min, max] interval for RANGE.
		Range [2]float64
		// Target is the node entered when the condition matches.
		Target string
	}
)

const (
	RuleSuccess RuleKind = "success"
	RuleFailure RuleKind = "failure"
	RuleScore   RuleKind = "score"
)

const (
	OpGT    ScoreOperator = "GT"
	OpGTE   ScoreOperator = "GTE"
	OpLT    ScoreOperator = "LT"
	OpLTE   ScoreOperator = "LTE"
	OpRange ScoreOperator = "RANGE"
)

func (r *SuccessRule) RuleKind() RuleKind { return RuleSuccess }
func (r *FailureRule) RuleKind() RuleKind { return RuleFailure }
func (r *ScoreRule) RuleKind() RuleKind   { return RuleScore }

// Matches reports whether the condition holds for the given score.
func (c ScoreCondition) Matches(score float64) bool {
	switch c.Operator {
	case OpGT:
		return score > c.Value
	case OpGTE:
		return score >= c.Value
	case OpLT:
		return score < c.Value
	case OpLTE:
		return score <= c.Value
	case OpRange:
		return score >= c.Range[0] && score <= c.Range[1]
	default:
		return false
	}
}
