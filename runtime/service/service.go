// Package service exposes workflow execution as an application-facing API:
// synchronous and asynchronous execution, pause/resume, and the bridge from
// engine callbacks to client-facing stream events. It also resumes executions
// claimed by the lease sweeper.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/loom/runtime/engine"
	"github.com/weftworks/loom/runtime/hooks"
	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/stream"
	"github.com/weftworks/loom/runtime/telemetry"
	"github.com/weftworks/loom/runtime/tenant"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Service orchestrates workflow executions for every tenant in the
	// process. Safe for concurrent use.
	Service struct {
		deps   *engine.Dependencies
		sink   stream.Sink
		logger telemetry.Logger

		wg sync.WaitGroup
	}

	// Summary is the public projection of a finished or paused execution.
	// Context excludes every system-reserved key.
	Summary struct {
		ExecutionID string
		WorkflowID  string
		Status      string
		ExitStatus  workflow.ExitStatus
		Context     map[string]any
		Error       string
	}

	// Option configures a Service.
	Option func(*Service)
)

// WithSink installs the client-facing stream sink.
func WithSink(s stream.Sink) Option {
	return func(svc *Service) { svc.sink = s }
}

// New constructs a Service around the shared engine dependencies.
func New(deps *engine.Dependencies, opts ...Option) *Service {
	svc := &Service{deps: deps, logger: deps.Logger}
	if svc.logger == nil {
		svc.logger = telemetry.NoopLogger{}
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Execute runs the workflow synchronously and returns its terminal result.
func (s *Service) Execute(ctx context.Context, tenantID, workflowID string, initial map[string]any) (engine.ExecutionResult, error) {
	wf, err := s.deps.Workflows.FindByID(ctx, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", workflowID, err)
	}
	st := state.New(wf.ID, wf.StartNode, initial)
	return s.runState(ctx, tenantID, wf, st, nil), nil
}

// ExecuteAsync dispatches the execution onto its own goroutine and returns
// the execution id immediately. Failures after dispatch surface as
// ExecutionError stream events.
func (s *Service) ExecuteAsync(ctx context.Context, tenantID, workflowID string, initial map[string]any) (string, error) {
	wf, err := s.deps.Workflows.FindByID(ctx, tenantID, workflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow %q: %w", workflowID, err)
	}
	st := state.New(wf.ID, wf.StartNode, initial)
	executionID := st.ExecutionID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error(context.Background(), "execution panicked",
					"execution_id", executionID, "panic", fmt.Sprint(r))
				s.emitError(context.Background(), executionID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		// Detach from the caller's context: the request returns before the
		// execution finishes.
		runCtx := tenant.WithID(context.Background(), tenantID)
		s.runState(runCtx, tenantID, wf, st, nil)
	}()
	return executionID, nil
}

// Resume continues a paused execution. The decision answers a plan-review
// pause; it is ignored for other pause reasons.
func (s *Service) Resume(ctx context.Context, tenantID, executionID string, decision *plan.ResumeDecision) (engine.ExecutionResult, error) {
	snap, err := s.deps.States.FindByExecutionID(ctx, tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %q: %w", executionID, err)
	}
	if snap.Status != state.StatusPaused {
		return nil, fmt.Errorf("execution %q is %s, not paused", executionID, snap.Status)
	}
	wf, err := s.deps.Workflows.FindByID(ctx, tenantID, snap.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", snap.WorkflowID, err)
	}
	return s.runState(ctx, tenantID, wf, snap.ToState(), decision), nil
}

// ResumeSnapshot implements the lease sweeper's resumer contract: a claimed
// snapshot replays from its last checkpoint.
func (s *Service) ResumeSnapshot(ctx context.Context, snap *state.Snapshot) error {
	wf, err := s.deps.Workflows.FindByID(ctx, snap.TenantID, snap.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %q: %w", snap.WorkflowID, err)
	}
	res := s.runState(tenant.WithID(ctx, snap.TenantID), snap.TenantID, wf, snap.ToState(), nil)
	if f, ok := res.(*engine.Failure); ok {
		return f.Err
	}
	return nil
}

// Paused lists the tenant's paused executions as public summaries.
func (s *Service) Paused(ctx context.Context, tenantID string) ([]*Summary, error) {
	snaps, err := s.deps.States.FindPaused(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	summaries := make([]*Summary, 0, len(snaps))
	for _, snap := range snaps {
		summaries = append(summaries, &Summary{
			ExecutionID: snap.ExecutionID,
			WorkflowID:  snap.WorkflowID,
			Status:      string(snap.Status),
			Context:     snap.PublicContext(),
		})
	}
	return summaries, nil
}

// Summarize projects a terminal execution result for API consumers.
func Summarize(res engine.ExecutionResult) *Summary {
	st := res.State()
	sum := &Summary{
		ExecutionID: st.ExecutionID,
		WorkflowID:  st.WorkflowID,
		Status:      string(res.ResultKind()),
		Context:     st.PublicContext(),
	}
	switch r := res.(type) {
	case *engine.Completed:
		sum.ExitStatus = r.Exit
	case *engine.Rejected:
		sum.Error = r.Reason
	case *engine.Failure:
		sum.Error = r.Err.Error()
	}
	return sum
}

// Wait blocks until every async execution dispatched so far has finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) runState(ctx context.Context, tenantID string, wf *workflow.Workflow, st *state.WorkflowState, decision *plan.ResumeDecision) engine.ExecutionResult {
	ctx = tenant.WithID(ctx, tenantID)
	listener := s.executionListener(st.ExecutionID)
	res := engine.New(s.deps, wf).WithListener(listener).ExecuteFrom(ctx, st, decision)
	s.emitTerminal(ctx, res)
	return res
}

// executionListener combines the configured listener with a per-execution
// stream subscriber when a sink is installed.
func (s *Service) executionListener(executionID string) hooks.Listener {
	base := s.deps.Listener
	if base == nil {
		base = hooks.Nop{}
	}
	if s.sink == nil {
		return base
	}
	sub, err := stream.NewSubscriber(s.sink, executionID, s.logger)
	if err != nil {
		return base
	}
	return hooks.NewMulti(base, sub)
}

func (s *Service) emitTerminal(ctx context.Context, res engine.ExecutionResult) {
	if s.sink == nil {
		return
	}
	st := res.State()
	payload := stream.ExecutionEndPayload{
		Phase:   string(res.ResultKind()),
		NodeID:  st.CurrentNode,
		Context: st.PublicContext(),
	}
	switch r := res.(type) {
	case *engine.Completed:
		payload.ExitCode = string(r.Exit)
	case *engine.Rejected:
		payload.Error = r.Reason
	case *engine.Failure:
		payload.Error = r.Err.Error()
	}
	ev := stream.ExecutionEnd{
		Base: stream.NewBase(stream.EventExecutionEnd, st.ExecutionID, payload),
		Data: payload,
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		s.logger.Error(ctx, "terminal stream event not delivered",
			"execution_id", st.ExecutionID, "err", err)
	}
}

func (s *Service) emitError(ctx context.Context, executionID, msg string) {
	if s.sink == nil {
		return
	}
	payload := stream.ExecutionErrorPayload{Message: msg}
	ev := stream.ExecutionError{
		Base: stream.NewBase(stream.EventExecutionError, executionID, payload),
		Data: payload,
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		s.logger.Error(ctx, "error stream event not delivered",
			"execution_id", executionID, "err", err)
	}
}
