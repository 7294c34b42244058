package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftworks/loom/runtime/agent"
)

// AgentEvaluator scores outputs by asking a judging agent. The rubric
// reference is passed through verbatim; the agent is expected to resolve it
// (load the file, fetch the URI) or treat it as inline rubric text.
type AgentEvaluator struct {
	judge agent.Agent
}

var _ Evaluator = (*AgentEvaluator)(nil)

// NewAgentEvaluator constructs an evaluator backed by the given judge agent.
func NewAgentEvaluator(judge agent.Agent) *AgentEvaluator {
	return &AgentEvaluator{judge: judge}
}

// Evaluate renders the rubric and output into a judging prompt and parses the
// scored response.
func (e *AgentEvaluator) Evaluate(ctx context.Context, rubricID, ref, output string, execContext map[string]any) (*Evaluation, error) {
	var sb strings.Builder
	sb.WriteString("Score the following output against the rubric.\n")
	sb.WriteString("Answer with a JSON object containing \"score\" (0-100), \"passed\" (boolean), \"failed_criteria\" (array of strings), and \"suggestions\" (array of strings).\n\n")
	fmt.Fprintf(&sb, "Rubric (%s): %s\n\nOutput:\n%s\n", rubricID, ref, output)

	resp, err := e.judge.Execute(ctx, sb.String(), execContext)
	if err != nil {
		return nil, fmt.Errorf("rubric %s: %w", rubricID, err)
	}
	text, ok := agent.Text(resp)
	if !ok {
		if er, isErr := resp.(*agent.ErrorResponse); isErr {
			return nil, fmt.Errorf("rubric %s: judge reported: %s", rubricID, er.Message)
		}
		return nil, fmt.Errorf("rubric %s: judge answered with response kind %q", rubricID, resp.ResponseKind())
	}
	return parseEvaluation(rubricID, text)
}

func parseEvaluation(rubricID, text string) (*Evaluation, error) {
	var body struct {
		Score          float64  `json:"score"`
		Passed         *bool    `json:"passed"`
		FailedCriteria []string `json:"failed_criteria"`
		Suggestions    []string `json:"suggestions"`
	}
	raw := extractJSONObject(text)
	if raw == "" || json.Unmarshal([]byte(raw), &body) != nil {
		return nil, fmt.Errorf("rubric %s: judge answer carries no score object", rubricID)
	}
	passed := body.Score >= minorBelow
	if body.Passed != nil {
		passed = *body.Passed
	}
	return &Evaluation{
		RubricID:       rubricID,
		Score:          body.Score,
		Passed:         passed,
		FailedCriteria: body.FailedCriteria,
		Suggestions:    body.Suggestions,
	}, nil
}

// extractJSONObject returns the first balanced {...} block in text, or "".
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
