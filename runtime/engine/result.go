package engine

import (
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// ExecutionResult is the closed set of traversal outcomes. Concrete
	// variants are Completed, Paused, Rejected, and Failure.
	ExecutionResult interface {
		// ResultKind returns the variant tag.
		ResultKind() ResultKind
		// State returns the execution state at termination.
		State() *state.WorkflowState
	}

	// ResultKind tags the execution result variant.
	ResultKind string

	// Completed reports a workflow that reached an End node.
	Completed struct {
		FinalState *state.WorkflowState
		Exit       workflow.ExitStatus
	}

	// Paused reports an execution waiting on external input: a pending node
	// result or a plan awaiting review. CurrentNode is preserved so resuming
	// re-enters the same node.
	Paused struct {
		PausedState *state.WorkflowState
	}

	// Rejected reports an execution terminated by a reviewer.
	Rejected struct {
		Reason        string
		RejectedState *state.WorkflowState
	}

	// Failure reports a non-recoverable traversal error.
	Failure struct {
		FailedState *state.WorkflowState
		Err         error
	}
)

const (
	KindCompleted ResultKind = "completed"
	KindPaused    ResultKind = "paused"
	KindRejected  ResultKind = "rejected"
	KindFailure   ResultKind = "failure"
)

func (r *Completed) ResultKind() ResultKind { return KindCompleted }
func (r *Paused) ResultKind() ResultKind    { return KindPaused }
func (r *Rejected) ResultKind() ResultKind  { return KindRejected }
func (r *Failure) ResultKind() ResultKind   { return KindFailure }

func (r *Completed) State() *state.WorkflowState { return r.FinalState }
func (r *Paused) State() *state.WorkflowState    { return r.PausedState }
func (r *Rejected) State() *state.WorkflowState  { return r.RejectedState }
func (r *Failure) State() *state.WorkflowState   { return r.FailedState }
