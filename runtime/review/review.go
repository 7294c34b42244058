// Package review defines the human-in-the-loop review seam. When a node
// declares a review mode, the engine asks a Handler to judge the node's output
// before transition rules fire. The decision can approve (optionally with an
// edited output), send traversal backward, or reject the whole execution.
package review

import (
	"context"

	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Handler judges a node's output before the engine evaluates transitions.
	// Implementations typically bridge to a human approval surface; the
	// default AutoApprove handler keeps unattended workflows moving.
	Handler interface {
		// Review returns a decision for the node's output. Returning an error
		// fails the node as if the node itself had failed.
		Review(ctx context.Context, req *Request) (Decision, error)
	}

	// Request carries everything a reviewer needs to judge one node output.
	Request struct {
		ExecutionID string
		NodeID      string
		Mode        workflow.ReviewMode
		Output      any
		// Context is the public projection of the execution context at
		// review time. Reserved keys are already stripped.
		Context map[string]any
		// Result is the full node result under review.
		Result *state.NodeResult
		// History is the execution history up to and including this node.
		History []state.HistoryEntry
		// AllowBacktrack and AllowEdit mirror the node's review
		// configuration; handlers must not return decisions the node does
		// not allow.
		AllowBacktrack bool
		AllowEdit      bool
	}

	// Decision is the closed set of review outcomes. Concrete variants are
	// Approve, Backtrack, and Reject.
	Decision interface {
		// DecisionKind returns the variant tag.
		DecisionKind() DecisionKind
	}

	// DecisionKind tags the decision variant.
	DecisionKind string

	// StateEdit carries reviewer-modified state. Fields are copied into the
	// live state in place; the engine never adopts the edit by reference.
	StateEdit struct {
		Context          map[string]any
		CurrentNode      string
		RubricEvaluation *rubric.Evaluation
	}

	// Approve lets traversal continue. Edited is honored only when the node
	// allows edits.
	Approve struct {
		Edited  *StateEdit
		Comment string
	}

	// Backtrack sends traversal to an earlier node. Only honored when the
	// node's review configuration allows backtracking. EditedPrompt, when
	// set, overrides the target node's prompt for the re-run.
	Backtrack struct {
		Target       string
		Reason       string
		Edited       *StateEdit
		EditedPrompt string
	}

	// Reject terminates the execution with a rejected outcome.
	Reject struct {
		Reason string
	}
)

const (
	KindApprove   DecisionKind = "approve"
	KindBacktrack DecisionKind = "backtrack"
	KindReject    DecisionKind = "reject"
)

func (d *Approve) DecisionKind() DecisionKind   { return KindApprove }
func (d *Backtrack) DecisionKind() DecisionKind { return KindBacktrack }
func (d *Reject) DecisionKind() DecisionKind    { return KindReject }

// AutoApprove is the default handler: every output passes review unchanged.
type AutoApprove struct{}

// Review implements Handler by approving without edits.
func (AutoApprove) Review(context.Context, *Request) (Decision, error) {
	return &Approve{}, nil
}
