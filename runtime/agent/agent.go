// Package agent defines the external agent contract and the process-wide
// agent registry. Agents are the only LLM-facing seam of the engine: node
// executors hand them a resolved prompt and the execution context and receive
// a tagged response back. Provider clients live outside this module.
package agent

import "context"

type (
	// Agent executes one prompt against an external model or service.
	// Implementations must be safe for concurrent use: parallel branches may
	// invoke the same agent simultaneously.
	Agent interface {
		// Execute runs the prompt with the given execution context and
		// returns a tagged response. Transport errors are returned as Go
		// errors; model-reported failures use the ErrorResponse variant.
		Execute(ctx context.Context, prompt string, execContext map[string]any) (Response, error)
	}

	// Response is the closed set of agent outcomes. Concrete variants are
	// TextResponse, ErrorResponse, ToolRequest, and PlanProposal. Tool
	// requests and plan proposals are only honored inside planning mode;
	// everywhere else they are rejected as failures.
	Response interface {
		// ResponseKind returns the variant tag.
		ResponseKind() ResponseKind
	}

	// ResponseKind tags the response variant.
	ResponseKind string

	// TextResponse carries the agent's textual output.
	TextResponse struct {
		Content  string
		Metadata map[string]any
	}

	// ErrorResponse carries a model-reported failure.
	ErrorResponse struct {
		Message string
	}

	// ToolRequest asks for a tool invocation. Only valid in planning mode.
	ToolRequest struct {
		ToolName  string
		Arguments map[string]any
	}

	// PlanProposal proposes an ordered tool-call plan. Only valid in
	// planning mode.
	PlanProposal struct {
		Steps []ProposedStep
	}

	// ProposedStep is one tool call of a plan proposal.
	ProposedStep struct {
		ToolName    string
		Arguments   map[string]any
		Description string
	}
)

const (
	KindText         ResponseKind = "text"
	KindError        ResponseKind = "error"
	KindToolRequest  ResponseKind = "tool_request"
	KindPlanProposal ResponseKind = "plan_proposal"
)

func (r *TextResponse) ResponseKind() ResponseKind  { return KindText }
func (r *ErrorResponse) ResponseKind() ResponseKind { return KindError }
func (r *ToolRequest) ResponseKind() ResponseKind   { return KindToolRequest }
func (r *PlanProposal) ResponseKind() ResponseKind  { return KindPlanProposal }

// Text returns the textual content of a response and whether it is a
// TextResponse.
func Text(r Response) (string, bool) {
	tr, ok := r.(*TextResponse)
	if !ok {
		return "", false
	}
	return tr.Content, true
}
