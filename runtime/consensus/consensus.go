// Package consensus aggregates parallel branch results into a single verdict.
// Each branch result is first turned into a vote (approve, reject, abstain)
// with a confidence score, then one of four strategies decides whether
// consensus was reached. The JUDGE_DECIDES strategy delegates the final call
// to a dedicated judge agent.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Vote is a branch's stance on its own output.
	Vote string

	// BranchResult is the raw outcome of one parallel branch, as collected by
	// the parallel node executor.
	BranchResult struct {
		// BranchID identifies the branch within the parallel node.
		BranchID string
		// Output is the branch agent's textual output.
		Output string
		// Metadata carries branch annotations, rubric results among them.
		Metadata map[string]any
		// Weight is the branch's declared weight (1 when unset).
		Weight float64
		// Failed marks a branch whose agent invocation failed.
		Failed bool
		// ExecutionMS is the branch wall-clock time in milliseconds.
		ExecutionMS int64
	}

	// BranchVote is the extracted stance of one branch.
	BranchVote struct {
		BranchID string
		Vote     Vote
		Score    float64
		Weight   float64
		Output   string
	}

	// Outcome is the aggregated consensus verdict.
	Outcome struct {
		Reached      bool
		Strategy     workflow.ConsensusStrategy
		Votes        []BranchVote
		ApproveCount int
		RejectCount  int
		AbstainCount int
		// WinningBranch is the highest-score approving branch under the
		// voting strategies; the judge strategy names it directly.
		WinningBranch string
		// Reasoning and FinalOutput are populated by the judge strategy.
		Reasoning   string
		FinalOutput string
	}

	// Evaluator applies a consensus strategy to branch results.
	Evaluator struct {
		agents *agent.Registry
	}
)

const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
	VoteAbstain Vote = "ABSTAIN"
)

// NewEvaluator constructs an evaluator. The agent registry is only consulted
// by the JUDGE_DECIDES strategy.
func NewEvaluator(agents *agent.Registry) *Evaluator {
	return &Evaluator{agents: agents}
}

// Evaluate extracts a vote per branch and applies the configured strategy.
// Failed branches count as rejections with a zero score.
func (e *Evaluator) Evaluate(ctx context.Context, cfg workflow.ConsensusConfig, results []BranchResult) (*Outcome, error) {
	votes := make([]BranchVote, len(results))
	for i, br := range results {
		votes[i] = ExtractVote(br, cfg.Threshold)
	}
	out := &Outcome{Strategy: cfg.Strategy, Votes: votes}
	for _, v := range votes {
		switch v.Vote {
		case VoteApprove:
			out.ApproveCount++
		case VoteReject:
			out.RejectCount++
		default:
			out.AbstainCount++
		}
	}

	switch cfg.Strategy {
	case workflow.ConsensusMajorityVote:
		ratio := 0.5
		if cfg.Threshold != nil {
			ratio = *cfg.Threshold
		}
		needed := int(math.Ceil(float64(len(votes)) * ratio))
		out.Reached = out.ApproveCount >= needed
		out.WinningBranch = bestApproval(votes)
	case workflow.ConsensusUnanimous:
		out.Reached = len(votes) > 0 && out.ApproveCount == len(votes)
		out.WinningBranch = bestApproval(votes)
	case workflow.ConsensusWeightedVote:
		out.Reached = weightedApproval(votes, cfg.Threshold)
		out.WinningBranch = bestApproval(votes)
	case workflow.ConsensusJudgeDecides:
		if err := e.judge(ctx, cfg, votes, out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown consensus strategy %q", cfg.Strategy)
	}
	return out, nil
}

// bestApproval returns the approving branch with the highest score, or ""
// when no branch approved. Ties keep the earlier branch.
func bestApproval(votes []BranchVote) string {
	var (
		winner string
		best   float64
	)
	for _, v := range votes {
		if v.Vote != VoteApprove {
			continue
		}
		if winner == "" || v.Score > best {
			winner, best = v.BranchID, v.Score
		}
	}
	return winner
}

// weightedApproval computes the weighted score ratio of approving branches
// over all voting (approve or reject) branches. Abstentions are excluded.
func weightedApproval(votes []BranchVote, threshold *float64) bool {
	ratio := 0.5
	if threshold != nil {
		ratio = *threshold
	}
	var approved, voting float64
	for _, v := range votes {
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		switch v.Vote {
		case VoteApprove:
			approved += v.Score * w
			voting += v.Score * w
		case VoteReject:
			voting += v.Score * w
		}
	}
	if voting == 0 {
		return false
	}
	return approved/voting >= ratio
}

// judge asks the configured judge agent to decide. The prompt lists every
// branch's id, vote, score, and output; the answer is scanned for an
// approve/reject verdict and optional structured fields.
func (e *Evaluator) judge(ctx context.Context, cfg workflow.ConsensusConfig, votes []BranchVote, out *Outcome) error {
	if cfg.JudgeAgentID == "" {
		return fmt.Errorf("JUDGE_DECIDES requires a judge agent id")
	}
	j, err := e.agents.Get(cfg.JudgeAgentID)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("You are judging the outputs of parallel branches. Decide whether to approve the overall result.\n")
	sb.WriteString("Answer with a JSON object containing \"decision\" (approve or reject), \"winning_branch\", \"reasoning\", and \"final_output\".\n\n")
	for _, v := range votes {
		fmt.Fprintf(&sb, "Branch %s (vote %s, score %.1f):\n%s\n\n", v.BranchID, v.Vote, v.Score, v.Output)
	}

	resp, err := j.Execute(ctx, sb.String(), nil)
	if err != nil {
		return fmt.Errorf("judge agent: %w", err)
	}
	text, ok := agent.Text(resp)
	if !ok {
		if er, isErr := resp.(*agent.ErrorResponse); isErr {
			return fmt.Errorf("judge agent reported: %s", er.Message)
		}
		return fmt.Errorf("judge agent answered with unexpected response kind %q", resp.ResponseKind())
	}

	parseJudgeAnswer(text, out)
	return nil
}

// parseJudgeAnswer extracts the verdict from the judge's reply. Structured
// JSON is preferred; a plain-text answer falls back to keyword scanning.
func parseJudgeAnswer(text string, out *Outcome) {
	var body struct {
		Decision      string `json:"decision"`
		WinningBranch string `json:"winning_branch"`
		Reasoning     string `json:"reasoning"`
		FinalOutput   string `json:"final_output"`
	}
	if raw := extractJSONObject(text); raw != "" && json.Unmarshal([]byte(raw), &body) == nil {
		out.WinningBranch = body.WinningBranch
		out.Reasoning = body.Reasoning
		out.FinalOutput = body.FinalOutput
		if body.Decision != "" {
			out.Reached = strings.Contains(strings.ToLower(body.Decision), "approve")
			return
		}
	}
	lower := strings.ToLower(text)
	out.Reached = strings.Contains(lower, "approve") && !strings.Contains(lower, "reject")
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
