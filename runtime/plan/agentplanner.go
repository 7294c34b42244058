package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftworks/loom/runtime/agent"
)

// AgentPlanner adapts an agent to the Planner interface. The agent receives a
// planning prompt that lists the available tools and is expected to answer
// with a plan proposal; a plain text answer is accepted when it parses as a
// JSON array of steps.
type AgentPlanner struct {
	agent agent.Agent
}

// NewAgentPlanner wraps a planning-capable agent.
func NewAgentPlanner(a agent.Agent) *AgentPlanner {
	return &AgentPlanner{agent: a}
}

// CreatePlan implements Planner.
func (p *AgentPlanner) CreatePlan(ctx context.Context, req *Request) (*Plan, error) {
	prompt := buildPlanningPrompt(req)
	resp, err := p.agent.Execute(ctx, prompt, req.Context)
	if err != nil {
		return nil, err
	}
	steps, err := stepsFromResponse(resp)
	if err != nil {
		return nil, err
	}
	return New(req.NodeID, SourceDynamic, steps), nil
}

// RevisePlan implements Planner.
func (p *AgentPlanner) RevisePlan(ctx context.Context, current *Plan, rc *RevisionContext) (*Plan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The following plan failed at step %d (%s): %s\n\n",
		rc.FailedStep.Index, rc.FailedStep.ToolName, rc.Reason)
	sb.WriteString("Current plan:\n")
	for _, s := range current.Steps {
		fmt.Fprintf(&sb, "%d. %s %s\n", s.Index, s.ToolName, s.Description)
	}
	sb.WriteString("\nPropose a revised plan that avoids the failure.")

	resp, err := p.agent.Execute(ctx, sb.String(), nil)
	if err != nil {
		return nil, err
	}
	steps, err := stepsFromResponse(resp)
	if err != nil {
		return nil, err
	}
	revised := New(current.NodeID, SourceDynamic, steps)
	revised.PlanID = current.PlanID
	return revised, nil
}

func buildPlanningPrompt(req *Request) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, def := range req.Tools {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	fmt.Fprintf(&sb, "\nPropose an ordered plan of at most %d tool calls.", req.Constraints.MaxSteps)
	return sb.String()
}

func stepsFromResponse(resp agent.Response) ([]Step, error) {
	switch r := resp.(type) {
	case *agent.PlanProposal:
		steps := make([]Step, len(r.Steps))
		for i, s := range r.Steps {
			steps[i] = Step{
				Index:       i,
				ToolName:    s.ToolName,
				Arguments:   s.Arguments,
				Description: s.Description,
				Status:      StepPending,
			}
		}
		return steps, nil
	case *agent.ToolRequest:
		// A single tool request is a one-step plan.
		return []Step{{
			ToolName:  r.ToolName,
			Arguments: r.Arguments,
			Status:    StepPending,
		}}, nil
	case *agent.TextResponse:
		var proposed []struct {
			ToolName    string         `json:"tool_name"`
			Arguments   map[string]any `json:"arguments"`
			Description string         `json:"description"`
		}
		if err := json.Unmarshal([]byte(r.Content), &proposed); err != nil {
			return nil, fmt.Errorf("planner answered with unparseable text: %w", err)
		}
		steps := make([]Step, len(proposed))
		for i, s := range proposed {
			steps[i] = Step{
				Index:       i,
				ToolName:    s.ToolName,
				Arguments:   s.Arguments,
				Description: s.Description,
				Status:      StepPending,
			}
		}
		return steps, nil
	case *agent.ErrorResponse:
		return nil, fmt.Errorf("planner agent reported: %s", r.Message)
	default:
		return nil, fmt.Errorf("unexpected planner response kind %q", resp.ResponseKind())
	}
}
