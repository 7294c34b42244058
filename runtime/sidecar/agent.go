package sidecar

import (
	"context"
	"fmt"

	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/state"
)

// methodAgentExecute is the JSON-RPC method invoked on the sidecar for each
// agent call.
const methodAgentExecute = "agent/execute"

// Agent invokes a sidecar process over its JSON-RPC session. The sidecar
// receives the agent id, the resolved prompt, the public execution context,
// and the agent's workflow configuration, and answers with a typed response
// object.
type Agent struct {
	manager  *Manager
	clientID string
	agentID  string
	config   map[string]any
}

var _ agent.Agent = (*Agent)(nil)

// NewAgentFactory returns an agent factory that routes every agent invocation
// to the given sidecar client. Registries built on it materialize agents
// lazily as workflows reference them.
func NewAgentFactory(m *Manager, clientID string) agent.Factory {
	return func(id string, config map[string]any) (agent.Agent, error) {
		if id == "" {
			return nil, fmt.Errorf("sidecar agent id is required")
		}
		return &Agent{manager: m, clientID: clientID, agentID: id, config: config}, nil
	}
}

// Execute sends the prompt to the sidecar and maps its answer onto the agent
// response variants. System-reserved context keys are stripped before the
// context crosses the process boundary.
func (a *Agent) Execute(ctx context.Context, prompt string, execContext map[string]any) (agent.Response, error) {
	params := map[string]any{
		"agent_id": a.agentID,
		"prompt":   prompt,
		"context":  state.PublicProjection(execContext),
	}
	if len(a.config) > 0 {
		params["config"] = a.config
	}
	result, err := a.manager.SendRequest(ctx, a.clientID, methodAgentExecute, params)
	if err != nil {
		return nil, fmt.Errorf("sidecar agent %s: %w", a.agentID, err)
	}
	return responseFromResult(a.agentID, result)
}

func responseFromResult(agentID string, result map[string]any) (agent.Response, error) {
	kind, _ := result["type"].(string)
	switch kind {
	case "", "text":
		content, _ := result["content"].(string)
		md, _ := result["metadata"].(map[string]any)
		return &agent.TextResponse{Content: content, Metadata: md}, nil
	case "error":
		msg, _ := result["message"].(string)
		return &agent.ErrorResponse{Message: msg}, nil
	case "tool_request":
		name, _ := result["tool_name"].(string)
		args, _ := result["arguments"].(map[string]any)
		return &agent.ToolRequest{ToolName: name, Arguments: args}, nil
	case "plan":
		rawSteps, _ := result["steps"].([]any)
		steps := make([]agent.ProposedStep, 0, len(rawSteps))
		for _, raw := range rawSteps {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["tool_name"].(string)
			args, _ := m["arguments"].(map[string]any)
			desc, _ := m["description"].(string)
			steps = append(steps, agent.ProposedStep{ToolName: name, Arguments: args, Description: desc})
		}
		return &agent.PlanProposal{Steps: steps}, nil
	default:
		return nil, fmt.Errorf("sidecar agent %s: unknown response type %q", agentID, kind)
	}
}
