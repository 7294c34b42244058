// Package engine implements the workflow traversal loop, the processor
// pipeline around node execution, and the per-node-kind executors. A fresh
// Executor serves one execution; collaborators arrive in an immutable
// Dependencies bundle shared by every execution in the process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/loom/runtime/action"
	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/consensus"
	"github.com/weftworks/loom/runtime/hooks"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/review"
	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/store"
	"github.com/weftworks/loom/runtime/telemetry"
	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/tenant"
	"github.com/weftworks/loom/runtime/workflow"
)

// ErrIllegalState reports a broken traversal invariant: a missing node, an
// unmapped sub-workflow input, or a node with no valid transition.
var ErrIllegalState = errors.New("illegal execution state")

// ErrExecutorNotFound reports a generic node whose executor type has no
// registered handler. Fatal for the execution.
var ErrExecutorNotFound = errors.New("node executor not found")

type (
	// GenericHandler executes a generic node given its configuration
	// dictionary and the live state.
	GenericHandler func(ctx context.Context, config map[string]any, st *state.WorkflowState) (*state.NodeResult, error)

	// Dependencies bundles the collaborators shared by every execution.
	Dependencies struct {
		// Workflows loads nested workflows for sub-workflow nodes.
		Workflows store.WorkflowRepository
		// States persists checkpoints and terminal snapshots.
		States store.StateRepository
		// Agents is the shared agent registry.
		Agents *agent.Registry
		// Rubrics scores node outputs. Nil disables rubric processing.
		Rubrics rubric.Evaluator
		// Reviews judges node outputs. Nil uses auto-approval.
		Reviews review.Handler
		// Plans drives the plan sub-engine for planning-mode nodes.
		Plans *plan.Engine
		// Consensus aggregates parallel branch votes.
		Consensus *consensus.Evaluator
		// Actions dispatches action node side effects.
		Actions *action.Executor
		// Resolver substitutes context values into prompts.
		Resolver template.Resolver
		// Listener receives lifecycle callbacks. Nil discards them.
		Listener hooks.Listener
		// Generics maps executor types to generic node handlers.
		Generics map[string]GenericHandler
		// ServerNodeID is this process's lease identity.
		ServerNodeID string
		// BranchConcurrency bounds concurrent parallel branches per node.
		// Zero means unbounded.
		BranchConcurrency int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Executor drives one workflow execution. Not safe for concurrent use;
	// cross-execution parallelism comes from one Executor per execution.
	Executor struct {
		deps     *Dependencies
		wf       *workflow.Workflow
		st       *state.WorkflowState
		tenantID string
		listener hooks.Listener

		// retries tracks per-node failure-rule retry attempts.
		retries map[string]int
		// planDecision carries the reviewer's verdict when resuming a
		// plan-review pause.
		planDecision *plan.ResumeDecision
	}
)

func (d *Dependencies) normalized() *Dependencies {
	cp := *d
	if cp.Listener == nil {
		cp.Listener = hooks.Nop{}
	}
	if cp.Reviews == nil {
		cp.Reviews = review.AutoApprove{}
	}
	if cp.Resolver == nil {
		cp.Resolver = template.NewResolver()
	}
	if cp.Logger == nil {
		cp.Logger = telemetry.NoopLogger{}
	}
	if cp.Metrics == nil {
		cp.Metrics = telemetry.NoopMetrics{}
	}
	if cp.Tracer == nil {
		cp.Tracer = telemetry.NoopTracer{}
	}
	return &cp
}

// New constructs an executor for one execution of wf.
func New(deps *Dependencies, wf *workflow.Workflow) *Executor {
	d := deps.normalized()
	return &Executor{
		deps:     d,
		wf:       wf,
		listener: d.Listener,
		retries:  make(map[string]int),
	}
}

// WithListener replaces the executor's listener for this execution. The
// listener receives callbacks in traversal order.
func (e *Executor) WithListener(l hooks.Listener) *Executor {
	if l != nil {
		e.listener = l
	}
	return e
}

// Execute runs the workflow from its start node with a fresh state seeded
// from initialContext.
func (e *Executor) Execute(ctx context.Context, initialContext map[string]any) ExecutionResult {
	st := state.New(e.wf.ID, e.wf.StartNode, initialContext)
	return e.run(ctx, st)
}

// ExecuteFrom resumes a saved state. The decision, when non-nil, answers a
// plan-review pause; a nil decision approves the plan unchanged.
func (e *Executor) ExecuteFrom(ctx context.Context, st *state.WorkflowState, decision *plan.ResumeDecision) ExecutionResult {
	e.planDecision = decision
	return e.run(ctx, st)
}

func (e *Executor) run(ctx context.Context, st *state.WorkflowState) ExecutionResult {
	e.st = st
	e.tenantID = e.resolveTenant(ctx)
	st.Context[state.KeyTenantID] = e.tenantID
	st.Context[state.KeyExecutionID] = st.ExecutionID
	ctx = tenant.WithID(ctx, e.tenantID)

	if err := e.registerAgents(); err != nil {
		return e.fail(ctx, err)
	}

	ctx, span := e.deps.Tracer.Start(ctx, "workflow.execute")
	defer span.End()

	e.deps.Logger.Info(ctx, "execution started",
		"workflow_id", e.wf.ID, "execution_id", st.ExecutionID, "start_node", st.CurrentNode)
	started := time.Now()
	res := e.loop(ctx)
	e.deps.Metrics.RecordTimer("engine.execution.duration", time.Since(started), "kind", string(res.ResultKind()))
	e.deps.Logger.Info(ctx, "execution finished",
		"workflow_id", e.wf.ID, "execution_id", st.ExecutionID, "result", string(res.ResultKind()))
	return res
}

func (e *Executor) loop(ctx context.Context) ExecutionResult {
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, err)
		}

		node, ok := e.wf.Node(e.st.CurrentNode)
		if !ok {
			return e.fail(ctx, fmt.Errorf("%w: node %q does not exist", ErrIllegalState, e.st.CurrentNode))
		}

		// Stale scores must not bleed across nodes.
		e.st.RubricEvaluation = nil

		if end, isEnd := node.(*workflow.EndNode); isEnd {
			return e.finish(ctx, end)
		}

		if terminal := e.prePipeline(ctx, node); terminal != nil {
			return terminal
		}

		result, err := e.dispatch(ctx, node)
		if err != nil {
			return e.fail(ctx, err)
		}

		if result.Status == state.ResultPending {
			return e.pause(ctx, node, result)
		}

		if terminal := e.postPipeline(ctx, node, result); terminal != nil {
			return terminal
		}
	}
}

// finish handles an End node: observers fire, a terminal snapshot persists
// with the lease cleared, and the loop returns Completed.
func (e *Executor) finish(ctx context.Context, node *workflow.EndNode) ExecutionResult {
	e.listener.OnNodeStart(ctx, node)
	e.listener.OnNodeComplete(ctx, node, state.End())
	if err := e.persist(ctx, state.StatusCompleted); err != nil {
		return &Failure{FailedState: e.st, Err: err}
	}
	return &Completed{FinalState: e.st, Exit: node.Exit}
}

func (e *Executor) pause(ctx context.Context, node workflow.Node, result *state.NodeResult) ExecutionResult {
	// CurrentNode stays unchanged so resuming re-enters this node.
	e.listener.OnNodeComplete(ctx, node, result)
	if err := e.persist(ctx, state.StatusPaused); err != nil {
		return &Failure{FailedState: e.st, Err: err}
	}
	return &Paused{PausedState: e.st}
}

func (e *Executor) fail(ctx context.Context, err error) ExecutionResult {
	if perr := e.persist(ctx, state.StatusFailed); perr != nil {
		e.deps.Logger.Error(ctx, "failed-state snapshot not persisted",
			"execution_id", e.st.ExecutionID, "err", perr)
	}
	return &Failure{FailedState: e.st, Err: err}
}

func (e *Executor) reject(ctx context.Context, reason string) ExecutionResult {
	if err := e.persist(ctx, state.StatusRejected); err != nil {
		return &Failure{FailedState: e.st, Err: err}
	}
	return &Rejected{Reason: reason, RejectedState: e.st}
}

// persist writes a snapshot. Non-terminal snapshots carry this node's lease;
// terminal snapshots clear it. A lease lost error means another instance
// claimed the execution and this owner must abort.
func (e *Executor) persist(ctx context.Context, status state.SnapshotStatus) error {
	snap := state.SnapshotFrom(e.st, e.tenantID, status)
	if !status.Terminal() {
		snap.ServerNodeID = e.deps.ServerNodeID
		snap.LastHeartbeatAt = time.Now().UTC()
	}
	if err := e.deps.States.Save(ctx, e.tenantID, snap); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			e.deps.Logger.Warn(ctx, "execution lease lost, aborting",
				"execution_id", e.st.ExecutionID, "server_node_id", e.deps.ServerNodeID)
		}
		return err
	}
	return nil
}

func (e *Executor) registerAgents() error {
	for id, cfg := range e.wf.Agents {
		if err := e.deps.Agents.EnsureRegistered(id, cfg.Settings); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) resolveTenant(ctx context.Context) string {
	if id, ok := tenant.MustID(ctx); ok {
		return id
	}
	if id, ok := e.st.Context[state.KeyTenantID].(string); ok && id != "" {
		return id
	}
	return e.wf.TenantID
}
