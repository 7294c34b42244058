package engine

import (
	"context"
	"fmt"

	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/workflow"
)

// dispatch routes a node to its kind's executor. A returned error is fatal
// for the execution; recoverable problems surface as FAILURE results instead.
func (e *Executor) dispatch(ctx context.Context, node workflow.Node) (*state.NodeResult, error) {
	switch n := node.(type) {
	case *workflow.StandardNode:
		return e.execStandard(ctx, n)
	case *workflow.ParallelNode:
		return e.execParallel(ctx, n)
	case *workflow.ForkNode:
		return e.execFork(ctx, n)
	case *workflow.JoinNode:
		return e.execJoin(ctx, n)
	case *workflow.LoopNode:
		return e.execLoop(ctx, n)
	case *workflow.SubWorkflowNode:
		return e.execSubWorkflow(ctx, n)
	case *workflow.ActionNode:
		return e.execAction(ctx, n)
	case *workflow.GenericNode:
		return e.execGeneric(ctx, n)
	default:
		return nil, fmt.Errorf("%w: no executor for node kind %q", ErrExecutorNotFound, node.Kind())
	}
}

// execStandard runs a standard node: through the plan sub-engine when the
// node declares a planning mode, otherwise as a single agent invocation.
func (e *Executor) execStandard(ctx context.Context, node *workflow.StandardNode) (*state.NodeResult, error) {
	if node.Planning.Mode == workflow.PlanningStatic || node.Planning.Mode == workflow.PlanningDynamic {
		return e.execPlanned(ctx, node)
	}

	prompt := template.NodePrompt(e.deps.Resolver, node.NodeID, node.Prompt, e.st.Context)
	if node.AgentID == "" {
		// Pure template node: the resolved prompt is the output.
		return state.Success(prompt), nil
	}

	a, err := e.deps.Agents.Get(node.AgentID)
	if err != nil {
		return state.Failure(err.Error()), nil
	}
	e.listener.OnAgentStart(ctx, node.NodeID, node.AgentID, prompt)
	resp, err := a.Execute(ctx, prompt, e.st.Context)
	if err != nil {
		e.listener.OnAgentComplete(ctx, node.NodeID, node.AgentID, "", err)
		return state.Failure(fmt.Sprintf("agent %s: %v", node.AgentID, err)), nil
	}
	return e.resultFromResponse(ctx, node, resp), nil
}

func (e *Executor) resultFromResponse(ctx context.Context, node *workflow.StandardNode, resp agent.Response) *state.NodeResult {
	switch r := resp.(type) {
	case *agent.TextResponse:
		e.listener.OnAgentComplete(ctx, node.NodeID, node.AgentID, r.Content, nil)
		if len(r.Metadata) > 0 {
			return state.SuccessWithMetadata(r.Content, r.Metadata)
		}
		return state.Success(r.Content)
	case *agent.ErrorResponse:
		err := fmt.Errorf("agent %s reported: %s", node.AgentID, r.Message)
		e.listener.OnAgentComplete(ctx, node.NodeID, node.AgentID, "", err)
		return state.Failure(err.Error())
	default:
		// Tool requests and plan proposals are only meaningful inside
		// planning mode.
		err := fmt.Errorf("agent %s returned %s outside planning mode", node.AgentID, resp.ResponseKind())
		e.listener.OnAgentComplete(ctx, node.NodeID, node.AgentID, "", err)
		return state.Failure(err.Error())
	}
}

// execPlanned drives the plan sub-engine for a planning-mode node: create or
// resume the plan, pause for review when configured, execute with replanning,
// and route failures through the node's plan failure target.
func (e *Executor) execPlanned(ctx context.Context, node *workflow.StandardNode) (*state.NodeResult, error) {
	pl := e.st.ActivePlan
	if pl != nil && pl.NodeID == node.NodeID {
		// Resuming a plan-review pause; a nil decision approves unchanged.
		decision := e.planDecision
		e.planDecision = nil
		if decision == nil {
			decision = &plan.ResumeDecision{Approved: true}
		}
		approved, err := e.deps.Plans.ApplyDecision(pl, decision)
		if err != nil {
			e.st.ActivePlan = nil
			return state.Failure(err.Error()), nil
		}
		pl = approved
	} else {
		prompt := template.NodePrompt(e.deps.Resolver, node.NodeID, node.Prompt, e.st.Context)
		created, err := e.deps.Plans.Prepare(ctx, e.tenantID, node, prompt, e.st.Context)
		if err != nil {
			return e.planFailure(node, err), nil
		}
		pl = created
		if node.Planning.ReviewBeforeExecute {
			e.st.ActivePlan = pl
			return state.Pending("awaiting plan review", map[string]any{
				state.KeyPlanID:             pl.PlanID,
				state.KeyPlanReviewRequired: true,
				state.KeyPlanSteps:          len(pl.Steps),
			}), nil
		}
	}

	e.st.ActivePlan = nil
	res, err := e.deps.Plans.Execute(ctx, e.tenantID, pl)
	if err != nil {
		return e.planFailure(node, err), nil
	}
	md := map[string]any{
		state.KeyPlanID: res.Plan.PlanID,
		"plan_replans":  res.Replans,
		"plan_steps":    len(res.Plan.Steps),
	}
	return state.SuccessWithMetadata(stringifyOutput(res.Output), md), nil
}

// planFailure converts a plan error into a FAILURE result, attaching the
// node's plan failure target so transition evaluation can route it.
func (e *Executor) planFailure(node *workflow.StandardNode, err error) *state.NodeResult {
	if node.PlanFailureTarget == "" {
		return state.Failure(err.Error())
	}
	return state.FailureWithMetadata(err.Error(), map[string]any{
		state.KeyPlanFailureTarget: node.PlanFailureTarget,
	})
}

// execLoop performs loop bookkeeping: counts the iteration, evaluates break
// conditions, and routes to the body or the exit via the loop break target.
func (e *Executor) execLoop(ctx context.Context, node *workflow.LoopNode) (*state.NodeResult, error) {
	key := "loop_iteration_" + node.NodeID
	iteration, _ := e.st.Context[key].(int)
	iteration++
	e.st.Context[key] = iteration

	for ctxKey, expect := range node.BreakConditions {
		if got, ok := e.st.Context[ctxKey]; ok && fmt.Sprintf("%v", got) == fmt.Sprintf("%v", expect) {
			e.st.LoopBreakTarget = node.ExitTarget
			return state.SuccessWithMetadata(nil, map[string]any{
				"loop_break_reason": fmt.Sprintf("condition %s=%v", ctxKey, expect),
				"loop_iterations":   iteration,
			}), nil
		}
	}
	if node.MaxIterations > 0 && iteration > node.MaxIterations {
		e.st.LoopBreakTarget = node.ExitTarget
		return state.SuccessWithMetadata(nil, map[string]any{
			"loop_break_reason": "MAX_ITERATIONS",
			"loop_iterations":   iteration,
		}), nil
	}
	e.st.LoopBreakTarget = node.BodyTarget
	return state.Success(nil), nil
}

// execSubWorkflow runs a nested workflow with mapped input and output keys.
func (e *Executor) execSubWorkflow(ctx context.Context, node *workflow.SubWorkflowNode) (*state.NodeResult, error) {
	child, err := e.deps.Workflows.FindByID(ctx, e.tenantID, node.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %q: %w", node.WorkflowID, err)
	}

	childCtx := map[string]any{state.KeyTenantID: e.tenantID}
	for childKey, parentKey := range node.InputMapping {
		v, ok := e.st.Context[parentKey]
		if !ok {
			return nil, fmt.Errorf("%w: sub-workflow %q input %q missing from parent context",
				ErrIllegalState, node.WorkflowID, parentKey)
		}
		childCtx[childKey] = v
	}

	res := New(e.deps, child).WithListener(e.listener).Execute(ctx, childCtx)
	switch r := res.(type) {
	case *Completed:
		for parentKey, childKey := range node.OutputMapping {
			if v, ok := r.FinalState.Context[childKey]; ok {
				e.st.Context[parentKey] = v
			}
		}
		if r.Exit != workflow.ExitSuccess {
			return state.Failure(fmt.Sprintf("sub-workflow %q ended with %s", node.WorkflowID, r.Exit)), nil
		}
		return state.Success(nil), nil
	case *Rejected:
		return state.Failure(fmt.Sprintf("sub-workflow %q rejected: %s", node.WorkflowID, r.Reason)), nil
	case *Failure:
		return state.Failure(fmt.Sprintf("sub-workflow %q failed: %v", node.WorkflowID, r.Err)), nil
	default:
		return state.Failure(fmt.Sprintf("sub-workflow %q did not run to completion", node.WorkflowID)), nil
	}
}

// execAction dispatches the node's actions in order through the action
// executor.
func (e *Executor) execAction(ctx context.Context, node *workflow.ActionNode) (*state.NodeResult, error) {
	results, err := e.deps.Actions.DispatchAll(ctx, node.Actions, e.st.Context)
	if err != nil {
		return state.Failure(err.Error()), nil
	}
	data := make([]map[string]any, 0, len(results))
	for _, r := range results {
		data = append(data, map[string]any{"message": r.Message, "data": r.Data})
	}
	return state.SuccessWithMetadata(nil, map[string]any{"actions": data}), nil
}

// execGeneric delegates to the registered handler for the node's executor
// type. A missing handler is fatal.
func (e *Executor) execGeneric(ctx context.Context, node *workflow.GenericNode) (*state.NodeResult, error) {
	handler, ok := e.deps.Generics[node.ExecutorType]
	if !ok {
		return nil, fmt.Errorf("%w: generic executor type %q", ErrExecutorNotFound, node.ExecutorType)
	}
	return handler(ctx, node.Config, e.st)
}
