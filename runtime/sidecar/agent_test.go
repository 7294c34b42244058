package sidecar

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/agent"
)

// respond pumps one request off the session and answers it with result.
func respond(t *testing.T, m *Manager, s *Session, result map[string]any, check func(req request)) {
	t.Helper()
	go func() {
		req := drainOne(t, s)
		if check != nil {
			check(req)
		}
		raw, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
		m.HandleResponse(context.Background(), raw)
	}()
}

func newTestAgent(t *testing.T, config map[string]any) (*Manager, *Session, agent.Agent) {
	t.Helper()
	m := NewManager(WithRequestTimeout(time.Second))
	s, err := m.CreateSession(context.Background(), "default")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	drainOne(t, s) // ping

	factory := NewAgentFactory(m, "default")
	a, err := factory("writer", config)
	require.NoError(t, err)
	return m, s, a
}

func TestAgentExecuteText(t *testing.T) {
	m, s, a := newTestAgent(t, map[string]any{"model": "large"})
	respond(t, m, s, map[string]any{"type": "text", "content": "a draft"}, func(req request) {
		assert.Equal(t, "agent/execute", req.Method)
		assert.Equal(t, "writer", req.Params["agent_id"])
		assert.Equal(t, "write it", req.Params["prompt"])
		assert.Equal(t, map[string]any{"model": "large"}, req.Params["config"])
		// Reserved keys never cross the process boundary.
		sent, ok := req.Params["context"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, sent, "topic")
		assert.NotContains(t, sent, "_tenant_id")
	})

	resp, err := a.Execute(context.Background(), "write it", map[string]any{
		"topic":      "storage",
		"_tenant_id": "t1",
	})
	require.NoError(t, err)
	text, ok := agent.Text(resp)
	require.True(t, ok)
	assert.Equal(t, "a draft", text)
}

func TestAgentExecuteDefaultsToText(t *testing.T) {
	m, s, a := newTestAgent(t, nil)
	respond(t, m, s, map[string]any{"content": "untyped"}, nil)
	resp, err := a.Execute(context.Background(), "p", nil)
	require.NoError(t, err)
	text, _ := agent.Text(resp)
	assert.Equal(t, "untyped", text)
}

func TestAgentExecuteErrorResponse(t *testing.T) {
	m, s, a := newTestAgent(t, nil)
	respond(t, m, s, map[string]any{"type": "error", "message": "model refused"}, nil)
	resp, err := a.Execute(context.Background(), "p", nil)
	require.NoError(t, err)
	er, ok := resp.(*agent.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "model refused", er.Message)
}

func TestAgentExecuteToolRequest(t *testing.T) {
	m, s, a := newTestAgent(t, nil)
	respond(t, m, s, map[string]any{
		"type":      "tool_request",
		"tool_name": "search",
		"arguments": map[string]any{"q": "go"},
	}, nil)
	resp, err := a.Execute(context.Background(), "p", nil)
	require.NoError(t, err)
	tr, ok := resp.(*agent.ToolRequest)
	require.True(t, ok)
	assert.Equal(t, "search", tr.ToolName)
	assert.Equal(t, "go", tr.Arguments["q"])
}

func TestAgentExecutePlanProposal(t *testing.T) {
	m, s, a := newTestAgent(t, nil)
	respond(t, m, s, map[string]any{
		"type": "plan",
		"steps": []any{
			map[string]any{"tool_name": "search", "arguments": map[string]any{"q": "x"}, "description": "find sources"},
			"garbage entry",
			map[string]any{"tool_name": "summarize"},
		},
	}, nil)
	resp, err := a.Execute(context.Background(), "p", nil)
	require.NoError(t, err)
	pp, ok := resp.(*agent.PlanProposal)
	require.True(t, ok)
	require.Len(t, pp.Steps, 2, "non-object steps are skipped")
	assert.Equal(t, "search", pp.Steps[0].ToolName)
	assert.Equal(t, "find sources", pp.Steps[0].Description)
	assert.Equal(t, "summarize", pp.Steps[1].ToolName)
}

func TestAgentExecuteUnknownType(t *testing.T) {
	m, s, a := newTestAgent(t, nil)
	respond(t, m, s, map[string]any{"type": "telepathy"}, nil)
	_, err := a.Execute(context.Background(), "p", nil)
	assert.EqualError(t, err, `sidecar agent writer: unknown response type "telepathy"`)
}

func TestAgentExecuteDisconnected(t *testing.T) {
	m := NewManager()
	factory := NewAgentFactory(m, "default")
	a, err := factory("writer", nil)
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAgentFactoryRequiresID(t *testing.T) {
	factory := NewAgentFactory(NewManager(), "default")
	_, err := factory("", nil)
	assert.EqualError(t, err, "sidecar agent id is required")
}
