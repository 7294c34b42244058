package workflow

import "time"

type (
	// Node is the closed set of workflow graph vertices. Concrete variants are
	// EndNode, StandardNode, ParallelNode, ForkNode, JoinNode, LoopNode,
	// SubWorkflowNode, ActionNode, and GenericNode. The engine dispatches on
	// Kind rather than open-ended polymorphism so every executor handles an
	// explicit, known shape.
	Node interface {
		// ID returns the node identifier, unique within the workflow.
		ID() string
		// Kind returns the variant tag used for executor dispatch.
		Kind() NodeKind
		// Transitions returns the node's ordered transition rules.
		Transitions() []TransitionRule
	}

	// NodeKind tags the node variant.
	NodeKind string

	// ExitStatus is the terminal outcome carried by an End node.
	ExitStatus string

	// ReviewMode controls when human review is requested after a node.
	ReviewMode string

	// PlanningMode selects how a Standard node obtains its tool-call plan.
	PlanningMode string

	// MergeStrategy selects how a Join node combines fork branch outputs.
	MergeStrategy string

	// ConsensusStrategy selects how parallel branch votes are combined.
	ConsensusStrategy string
)

const (
	KindEnd         NodeKind = "end"
	KindStandard    NodeKind = "standard"
	KindParallel    NodeKind = "parallel"
	KindFork        NodeKind = "fork"
	KindJoin        NodeKind = "join"
	KindLoop        NodeKind = "loop"
	KindSubWorkflow NodeKind = "subworkflow"
	KindAction      NodeKind = "action"
	KindGeneric     NodeKind = "generic"
)

const (
	// ExitSuccess reports a successful terminal state.
	ExitSuccess ExitStatus = "SUCCESS"
	// ExitFailure reports a failed terminal state.
	ExitFailure ExitStatus = "FAILURE"
	// ExitCancel reports a canceled terminal state.
	ExitCancel ExitStatus = "CANCEL"
)

const (
	// ReviewDisabled never requests review.
	ReviewDisabled ReviewMode = "DISABLED"
	// ReviewOptional requests review only when the node result failed.
	ReviewOptional ReviewMode = "OPTIONAL"
	// ReviewRequired always requests review.
	ReviewRequired ReviewMode = "REQUIRED"
)

const (
	// PlanningNone disables the plan sub-engine for the node.
	PlanningNone PlanningMode = "NONE"
	// PlanningStatic executes the node's declared StaticPlan.
	PlanningStatic PlanningMode = "STATIC"
	// PlanningDynamic asks the planner to generate a plan from the prompt.
	PlanningDynamic PlanningMode = "DYNAMIC"
)

const (
	MergeCollectAll     MergeStrategy = "COLLECT_ALL"
	MergeFirstCompleted MergeStrategy = "FIRST_COMPLETED"
	MergeConcatenate    MergeStrategy = "CONCATENATE"
	MergeMaps           MergeStrategy = "MERGE_MAPS"
	MergeCustom         MergeStrategy = "CUSTOM"
)

const (
	ConsensusMajorityVote ConsensusStrategy = "MAJORITY_VOTE"
	ConsensusUnanimous    ConsensusStrategy = "UNANIMOUS"
	ConsensusWeightedVote ConsensusStrategy = "WEIGHTED_VOTE"
	ConsensusJudgeDecides ConsensusStrategy = "JUDGE_DECIDES"
)

type (
	// EndNode terminates traversal with the given exit status.
	EndNode struct {
		// NodeID is the node identifier.
		NodeID string
		// Exit is the terminal outcome reported by Completed results.
		Exit ExitStatus
	}

	// StandardNode invokes a single agent, optionally through the plan
	// sub-engine, and optionally subjects its output to review and rubric
	// scoring.
	StandardNode struct {
		NodeID string
		// AgentID names the agent to invoke. Empty for pure template nodes.
		AgentID string
		// Prompt is the template-resolved instruction sent to the agent.
		Prompt string
		// RubricID selects the rubric applied to the node output, if any.
		RubricID string
		// Review configures human review after execution. Nil disables review.
		Review *ReviewConfig
		// Planning configures the plan sub-engine for this node.
		Planning PlanningConfig
		// StaticPlan holds the declared plan for PlanningStatic mode.
		StaticPlan *StaticPlan
		// PlanFailureTarget names the node to transition to when plan execution
		// fails beyond its replan budget. Empty falls through to Failure rules.
		PlanFailureTarget string
		// OutputParams lists JSON fields lifted from the agent output into the
		// execution context.
		OutputParams []string
		// Rules are the node's ordered transition rules.
		Rules []TransitionRule
	}

	// ParallelNode fans the context out to several agent branches and combines
	// their outputs through consensus voting.
	ParallelNode struct {
		NodeID string
		// Branches enumerates the parallel agent invocations.
		Branches []Branch
		// Consensus configures vote combination. Nil means MAJORITY_VOTE with
		// default thresholds.
		Consensus *ConsensusConfig
		Rules     []TransitionRule
	}

	// ForkNode spawns each target as an independent child execution and
	// completes immediately; a later Join collects the results.
	ForkNode struct {
		NodeID string
		// Targets names the nodes to run as forked child executions.
		Targets []string
		// WaitForAll is reserved for fork-side waiting; joins do the waiting
		// in the current engine.
		WaitForAll bool
		Rules      []TransitionRule
	}

	// JoinNode awaits forked child executions and merges their outputs.
	JoinNode struct {
		NodeID string
		// AwaitTargets names the fork targets to wait for.
		AwaitTargets []string
		// Merge selects the output combination strategy.
		Merge MergeStrategy
		// OutputField is the context key receiving the merged output.
		// Defaults to "fork_results".
		OutputField string
		// TimeoutMS bounds the wait per awaited target. Zero waits forever.
		TimeoutMS int64
		// FailOnAnyError turns any branch failure into a join failure.
		FailOnAnyError bool
		Rules          []TransitionRule
	}

	// LoopNode re-enters a body sequence until a break condition or the
	// iteration bound is reached.
	LoopNode struct {
		NodeID string
		// BodyTarget names the first node of the loop body.
		BodyTarget string
		// ExitTarget names the node entered when the loop breaks.
		ExitTarget string
		// BreakConditions maps context keys to values that break the loop.
		BreakConditions map[string]any
		// MaxIterations bounds the loop. Exceeding it breaks with reason
		// MAX_ITERATIONS.
		MaxIterations int
		Rules         []TransitionRule
	}

	// SubWorkflowNode executes a nested workflow with mapped input and output
	// context keys.
	SubWorkflowNode struct {
		NodeID string
		// WorkflowID names the nested workflow, loaded through the tenant's
		// workflow repository.
		WorkflowID string
		// InputMapping maps child context keys to parent context keys.
		InputMapping map[string]string
		// OutputMapping maps parent context keys to child context keys copied
		// back on completion.
		OutputMapping map[string]string
		Rules         []TransitionRule
	}

	// ActionNode dispatches side-effecting actions through registered handlers.
	ActionNode struct {
		NodeID  string
		Actions []Action
		Rules   []TransitionRule
	}

	// GenericNode delegates to a registered generic executor selected by type.
	GenericNode struct {
		NodeID string
		// ExecutorType selects the registered generic handler.
		ExecutorType string
		// Config is the handler-specific configuration dictionary.
		Config map[string]any
		// RubricID selects the rubric applied to the node output, if any.
		RubricID string
		Rules    []TransitionRule
	}

	// Branch describes one parallel agent invocation.
	Branch struct {
		// ID identifies the branch within the parallel node.
		ID string
		// AgentID names the agent executing the branch.
		AgentID string
		// Prompt overrides the branch instruction. Empty falls back to the
		// branch ID as template key.
		Prompt string
		// RubricID optionally scores the branch output before voting.
		RubricID string
		// Weight scales the branch's vote in WEIGHTED_VOTE. Defaults to 1.0.
		Weight float64
	}

	// ReviewConfig controls the human review checkpoint after a node.
	ReviewConfig struct {
		Mode ReviewMode
		// AllowBacktrack permits the reviewer to reset to an earlier step.
		AllowBacktrack bool
		// AllowEdit permits the reviewer to modify state before approval.
		AllowEdit bool
	}

	// PlanningConfig configures the plan sub-engine on a Standard node.
	PlanningConfig struct {
		Mode PlanningMode
		// Constraints bounds plan size, replans, duration, and token budget.
		Constraints PlanConstraints
		// ReviewBeforeExecute pauses the execution for plan approval before
		// any step runs.
		ReviewBeforeExecute bool
	}

	// PlanConstraints bounds plan creation and execution. Zero values fall
	// back to configured defaults (plan.max-steps, plan.max-replans).
	PlanConstraints struct {
		MaxSteps       int
		MaxReplans     int
		MaxDuration    time.Duration
		AllowReplan    bool
		MaxTokenBudget int
	}

	// StaticPlan is a plan declared inline on a Standard node.
	StaticPlan struct {
		Steps []StaticStep
	}

	// StaticStep is one declared tool call of a static plan.
	StaticStep struct {
		ToolName    string
		Arguments   map[string]any
		Description string
	}

	// ConsensusConfig configures parallel vote combination.
	ConsensusConfig struct {
		Strategy ConsensusStrategy
		// Threshold is strategy-specific: approval fraction for MAJORITY_VOTE
		// and WEIGHTED_VOTE. Nil uses the strategy default.
		Threshold *float64
		// JudgeAgentID names the judging agent for JUDGE_DECIDES.
		JudgeAgentID string
	}
)

func (n *EndNode) ID() string         { return n.NodeID }
func (n *StandardNode) ID() string    { return n.NodeID }
func (n *ParallelNode) ID() string    { return n.NodeID }
func (n *ForkNode) ID() string        { return n.NodeID }
func (n *JoinNode) ID() string        { return n.NodeID }
func (n *LoopNode) ID() string        { return n.NodeID }
func (n *SubWorkflowNode) ID() string { return n.NodeID }
func (n *ActionNode) ID() string      { return n.NodeID }
func (n *GenericNode) ID() string     { return n.NodeID }

func (n *EndNode) Kind() NodeKind         { return KindEnd }
func (n *StandardNode) Kind() NodeKind    { return KindStandard }
func (n *ParallelNode) Kind() NodeKind    { return KindParallel }
func (n *ForkNode) Kind() NodeKind        { return KindFork }
func (n *JoinNode) Kind() NodeKind        { return KindJoin }
func (n *LoopNode) Kind() NodeKind        { return KindLoop }
func (n *SubWorkflowNode) Kind() NodeKind { return KindSubWorkflow }
func (n *ActionNode) Kind() NodeKind      { return KindAction }
func (n *GenericNode) Kind() NodeKind     { return KindGeneric }

func (n *EndNode) Transitions() []TransitionRule         { return nil }
func (n *StandardNode) Transitions() []TransitionRule    { return n.Rules }
func (n *ParallelNode) Transitions() []TransitionRule    { return n.Rules }
func (n *ForkNode) Transitions() []TransitionRule        { return n.Rules }
func (n *JoinNode) Transitions() []TransitionRule        { return n.Rules }
func (n *LoopNode) Transitions() []TransitionRule        { return n.Rules }
func (n *SubWorkflowNode) Transitions() []TransitionRule { return n.Rules }
func (n *ActionNode) Transitions() []TransitionRule      { return n.Rules }
func (n *GenericNode) Transitions() []TransitionRule     { return n.Rules }
