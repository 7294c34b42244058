package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/loom/runtime/telemetry"
	"github.com/weftworks/loom/runtime/tools"
	"github.com/weftworks/loom/runtime/workflow"
)

var (
	// ErrCreation reports that no plan could be created: a static plan is
	// missing or the planner rejected the request. Recoverable through the
	// node's plan failure target.
	ErrCreation = errors.New("plan creation failed")

	// ErrRevision reports that the planner could not revise a failing plan.
	// Recoverable through the node's plan failure target.
	ErrRevision = errors.New("plan revision failed")
)

type (
	// Planner creates and revises tool-call plans. Implementations typically
	// wrap an LLM agent; AgentPlanner adapts any agent.Agent that answers
	// with plan proposals.
	Planner interface {
		// CreatePlan composes a plan for the request. Failures wrap
		// ErrCreation.
		CreatePlan(ctx context.Context, req *Request) (*Plan, error)
		// RevisePlan replaces a failing plan. Failures wrap ErrRevision.
		RevisePlan(ctx context.Context, current *Plan, rc *RevisionContext) (*Plan, error)
	}

	// Request carries everything a planner needs to compose a plan.
	Request struct {
		NodeID string
		Prompt string
		// Tools lists the tool definitions visible to the tenant.
		Tools []*tools.Definition
		// Context is the execution context at planning time.
		Context map[string]any
		// Constraints bound the plan; defaults are already applied.
		Constraints workflow.PlanConstraints
	}

	// Observer receives planner lifecycle callbacks and plan events. The
	// execution listener in the hooks package satisfies it.
	Observer interface {
		OnPlannerStart(ctx context.Context, nodeID, prompt string)
		OnPlannerComplete(ctx context.Context, nodeID string, steps int)
		OnPlanEvent(ctx context.Context, ev Event)
	}

	// RevisionContext tells the planner why a plan needs revising.
	RevisionContext struct {
		// FailedStep is the first step that failed.
		FailedStep Step
		// Reason is the failure message.
		Reason string
	}

	// ResumeDecision carries a reviewer's verdict on a plan that paused for
	// review before execution.
	ResumeDecision struct {
		Approved bool
		// Modifications, when non-empty, replaces the plan's steps before
		// execution.
		Modifications []Step
	}

	// StepError reports the step that exhausted the plan's replan budget.
	StepError struct {
		Step    Step
		Replans int
		Err     error
	}

	// Result is the outcome of a successful plan execution.
	Result struct {
		// Plan is the final plan, revisions applied, with per-step statuses
		// and outputs filled in.
		Plan *Plan
		// Output is the output of the last step.
		Output any
		// Replans is the number of revisions that were needed.
		Replans int
	}

	// Engine drives plan creation and execution for agent nodes in planning
	// mode. It owns constraint defaults, event publication, and the
	// replan-on-failure loop; tool invocation goes through the tenant-scoped
	// registry.
	Engine struct {
		planner  Planner
		registry *tools.Registry
		listener Observer
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		defaultMaxSteps   int
		defaultMaxReplans int
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// Error implements error.
func (e *StepError) Error() string {
	return fmt.Sprintf("plan step %d (%s) failed after %d replans: %v",
		e.Step.Index, e.Step.ToolName, e.Replans, e.Err)
}

// Unwrap exposes the underlying step failure.
func (e *StepError) Unwrap() error { return e.Err }

// RevisionFromFailure builds the revision context for a failed step.
func RevisionFromFailure(step Step) *RevisionContext {
	return &RevisionContext{FailedStep: step, Reason: step.Error}
}

// WithDefaults overrides the constraint defaults applied when a node leaves
// them unset.
func WithDefaults(maxSteps, maxReplans int) EngineOption {
	return func(e *Engine) {
		e.defaultMaxSteps = maxSteps
		e.defaultMaxReplans = maxReplans
	}
}

// WithTelemetry installs the logger and metrics used by the engine.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.logger = logger
		e.metrics = metrics
	}
}

// NewEngine constructs a plan engine. The planner may be nil when only static
// plans are used; dynamic planning and replanning then fail with ErrCreation
// and ErrRevision respectively.
func NewEngine(planner Planner, registry *tools.Registry, listener Observer, opts ...EngineOption) *Engine {
	e := &Engine{
		planner:           planner,
		registry:          registry,
		listener:          listener,
		logger:            telemetry.NoopLogger{},
		metrics:           telemetry.NoopMetrics{},
		defaultMaxSteps:   10,
		defaultMaxReplans: 3,
	}
	if listener == nil {
		e.listener = nopObserver{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prepare creates the plan for a node: the declared static plan in STATIC
// mode, or a planner-composed plan in DYNAMIC mode. The resolved prompt is
// only consulted for dynamic planning. Constraint defaults are applied, the
// step bound enforced, and a Created event published.
func (e *Engine) Prepare(ctx context.Context, tenantID string, node *workflow.StandardNode, prompt string, execContext map[string]any) (*Plan, error) {
	constraints := e.applyDefaults(node.Planning.Constraints)

	var (
		pl  *Plan
		err error
	)
	switch node.Planning.Mode {
	case workflow.PlanningStatic:
		pl, err = e.fromStatic(node)
	case workflow.PlanningDynamic:
		pl, err = e.fromPlanner(ctx, tenantID, node, prompt, execContext, constraints)
	default:
		return nil, fmt.Errorf("%w: node %q has planning mode %q", ErrCreation, node.NodeID, node.Planning.Mode)
	}
	if err != nil {
		return nil, err
	}
	pl.Constraints = constraints
	if constraints.MaxSteps > 0 && len(pl.Steps) > constraints.MaxSteps {
		return nil, fmt.Errorf("%w: plan has %d steps, limit is %d", ErrCreation, len(pl.Steps), constraints.MaxSteps)
	}

	e.listener.OnPlanEvent(ctx, &Created{
		ID:     pl.PlanID,
		NodeID: pl.NodeID,
		Source: pl.Source,
		Steps:  len(pl.Steps),
	})
	e.metrics.IncCounter("plan.created", 1, "source", string(pl.Source))
	return pl, nil
}

// Execute runs the plan's steps in order through the tenant's tool registry.
// On the first step failure it asks the planner for a revision and restarts
// from step zero, until the replan budget is spent. The returned Result holds
// the final plan with statuses and outputs filled in.
func (e *Engine) Execute(ctx context.Context, tenantID string, pl *Plan) (*Result, error) {
	if d := pl.Constraints.MaxDuration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	current := pl
	replans := 0
	for {
		failed, err := e.runSteps(ctx, tenantID, current)
		if err == nil {
			e.listener.OnPlanEvent(ctx, &Completed{ID: current.PlanID, NodeID: current.NodeID})
			e.metrics.IncCounter("plan.completed", 1)
			var output any
			if n := len(current.Steps); n > 0 {
				output = current.Steps[n-1].Output
			}
			return &Result{Plan: current, Output: output, Replans: replans}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &StepError{Step: *failed, Replans: replans, Err: ctxErr}
		}
		if !current.Constraints.AllowReplan || replans >= current.Constraints.MaxReplans {
			return nil, &StepError{Step: *failed, Replans: replans, Err: err}
		}

		revised, revErr := e.revise(ctx, current, failed)
		if revErr != nil {
			return nil, revErr
		}
		replans++
		e.listener.OnPlanEvent(ctx, &Revised{
			ID:       revised.PlanID,
			Revision: revised.Revision,
			Reason:   failed.Error,
			Steps:    len(revised.Steps),
		})
		e.metrics.IncCounter("plan.revised", 1)
		e.logger.Info(ctx, "plan revised",
			"plan_id", revised.PlanID, "node_id", revised.NodeID,
			"revision", revised.Revision, "failed_step", failed.Index)
		current = revised
	}
}

// ApplyDecision applies a reviewer's resume decision to a paused plan. A
// rejection returns an error; approved modifications replace the steps.
func (e *Engine) ApplyDecision(pl *Plan, decision *ResumeDecision) (*Plan, error) {
	if decision == nil || !decision.Approved {
		return nil, fmt.Errorf("plan %s rejected by reviewer", pl.PlanID)
	}
	if len(decision.Modifications) == 0 {
		return pl, nil
	}
	modified := pl.Clone()
	modified.Steps = make([]Step, len(decision.Modifications))
	copy(modified.Steps, decision.Modifications)
	for i := range modified.Steps {
		modified.Steps[i].Index = i
		modified.Steps[i].Status = StepPending
		modified.Steps[i].Output = nil
		modified.Steps[i].Error = ""
	}
	return modified, nil
}

// runSteps executes every pending step in order. It returns the first failed
// step and its error, or nil when all steps succeeded.
func (e *Engine) runSteps(ctx context.Context, tenantID string, pl *Plan) (*Step, error) {
	for i := range pl.Steps {
		step := &pl.Steps[i]
		step.Status = StepRunning
		e.listener.OnPlanEvent(ctx, &StepStarted{ID: pl.PlanID, Step: *step})

		started := time.Now()
		output, err := e.registry.Execute(ctx, tenantID, step.ToolName, step.Arguments)
		e.metrics.RecordTimer("plan.step.duration", time.Since(started), "tool", step.ToolName)
		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			e.listener.OnPlanEvent(ctx, &StepCompleted{ID: pl.PlanID, Step: *step})
			return step, err
		}
		step.Status = StepSucceeded
		step.Output = output
		e.listener.OnPlanEvent(ctx, &StepCompleted{ID: pl.PlanID, Step: *step})
	}
	return nil, nil
}

func (e *Engine) fromStatic(node *workflow.StandardNode) (*Plan, error) {
	if node.StaticPlan == nil || len(node.StaticPlan.Steps) == 0 {
		return nil, fmt.Errorf("%w: node %q declares STATIC planning but no static plan", ErrCreation, node.NodeID)
	}
	steps := make([]Step, len(node.StaticPlan.Steps))
	for i, s := range node.StaticPlan.Steps {
		steps[i] = Step{
			Index:       i,
			ToolName:    s.ToolName,
			Arguments:   s.Arguments,
			Description: s.Description,
			Status:      StepPending,
		}
	}
	return New(node.NodeID, SourceStatic, steps), nil
}

func (e *Engine) fromPlanner(ctx context.Context, tenantID string, node *workflow.StandardNode, prompt string, execContext map[string]any, constraints workflow.PlanConstraints) (*Plan, error) {
	if e.planner == nil {
		return nil, fmt.Errorf("%w: node %q requires dynamic planning but no planner is configured", ErrCreation, node.NodeID)
	}
	e.listener.OnPlannerStart(ctx, node.NodeID, prompt)
	pl, err := e.planner.CreatePlan(ctx, &Request{
		NodeID:      node.NodeID,
		Prompt:      prompt,
		Tools:       e.registry.List(tenantID),
		Context:     execContext,
		Constraints: constraints,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: node %q: %v", ErrCreation, node.NodeID, err)
	}
	if pl.NodeID == "" {
		pl.NodeID = node.NodeID
	}
	e.listener.OnPlannerComplete(ctx, node.NodeID, len(pl.Steps))
	return pl, nil
}

func (e *Engine) revise(ctx context.Context, current *Plan, failed *Step) (*Plan, error) {
	if e.planner == nil {
		return nil, fmt.Errorf("%w: no planner configured", ErrRevision)
	}
	revised, err := e.planner.RevisePlan(ctx, current, RevisionFromFailure(*failed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRevision, err)
	}
	revised.Revision = current.Revision + 1
	if revised.PlanID == "" {
		revised.PlanID = current.PlanID
	}
	if revised.NodeID == "" {
		revised.NodeID = current.NodeID
	}
	revised.Constraints = current.Constraints
	for i := range revised.Steps {
		revised.Steps[i].Index = i
		revised.Steps[i].Status = StepPending
	}
	return revised, nil
}

type nopObserver struct{}

func (nopObserver) OnPlannerStart(context.Context, string, string) {}
func (nopObserver) OnPlannerComplete(context.Context, string, int) {}
func (nopObserver) OnPlanEvent(context.Context, Event)             {}

func (e *Engine) applyDefaults(c workflow.PlanConstraints) workflow.PlanConstraints {
	if c.MaxSteps <= 0 {
		c.MaxSteps = e.defaultMaxSteps
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = e.defaultMaxReplans
	}
	return c
}
