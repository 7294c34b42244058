package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/agent"
	"github.com/weftworks/loom/runtime/consensus"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/tenant"
	"github.com/weftworks/loom/runtime/workflow"
)

// execParallel fans the context out to every branch concurrently, scores
// rubric-bearing branches, and folds the results through consensus voting.
// No consensus routes through failure rules rather than failing the
// execution.
func (e *Executor) execParallel(ctx context.Context, node *workflow.ParallelNode) (*state.NodeResult, error) {
	if len(node.Branches) == 0 {
		return state.Failure(fmt.Sprintf("parallel node %q has no branches", node.NodeID)), nil
	}

	// Branches run on their own goroutines but read a frozen copy of the
	// context; the live state stays single-owner.
	frozen := e.st.Clone().Context
	ctx = tenant.WithID(ctx, e.tenantID)

	results := make([]consensus.BranchResult, len(node.Branches))
	var wg sync.WaitGroup
	sem := e.branchSemaphore()
	for i, branch := range node.Branches {
		wg.Add(1)
		go func(i int, branch workflow.Branch) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = e.runBranch(ctx, node.NodeID, branch, frozen)
		}(i, branch)
	}
	wg.Wait()

	cfg := workflow.ConsensusConfig{Strategy: workflow.ConsensusMajorityVote}
	if node.Consensus != nil {
		cfg = *node.Consensus
	}
	outcome, err := e.deps.Consensus.Evaluate(ctx, cfg, results)
	if err != nil {
		return state.Failure(fmt.Sprintf("consensus evaluation: %v", err)), nil
	}

	md := map[string]any{
		"consensus_reached":  outcome.Reached,
		"consensus_strategy": string(outcome.Strategy),
		"approve_count":      outcome.ApproveCount,
		"reject_count":       outcome.RejectCount,
		"abstain_count":      outcome.AbstainCount,
	}
	if outcome.WinningBranch != "" {
		md["winning_branch"] = outcome.WinningBranch
	}
	if outcome.Reasoning != "" {
		md["judge_reasoning"] = outcome.Reasoning
	}
	output := outcome.FinalOutput
	if output == "" {
		output = combineBranchOutputs(results)
	}
	if !outcome.Reached {
		return state.FailureWithMetadata("consensus not reached", md), nil
	}
	return state.SuccessWithMetadata(output, md), nil
}

func (e *Executor) branchSemaphore() chan struct{} {
	if e.deps.BranchConcurrency <= 0 {
		return nil
	}
	return make(chan struct{}, e.deps.BranchConcurrency)
}

// runBranch executes one branch: resolve the prompt, invoke the agent, and
// score the output when the branch carries a rubric.
func (e *Executor) runBranch(ctx context.Context, nodeID string, branch workflow.Branch, frozen map[string]any) consensus.BranchResult {
	started := time.Now()
	br := consensus.BranchResult{BranchID: branch.ID, Weight: branch.Weight}

	prompt := branch.Prompt
	if prompt == "" {
		prompt = "{" + branch.ID + "}"
	}
	prompt = template.NodePrompt(e.deps.Resolver, nodeID, prompt, frozen)

	a, err := e.deps.Agents.Get(branch.AgentID)
	if err != nil {
		br.Failed = true
		br.ExecutionMS = time.Since(started).Milliseconds()
		return br
	}
	e.listener.OnAgentStart(ctx, nodeID, branch.AgentID, prompt)
	resp, err := a.Execute(ctx, prompt, frozen)
	if err != nil {
		e.listener.OnAgentComplete(ctx, nodeID, branch.AgentID, "", err)
		br.Failed = true
		br.ExecutionMS = time.Since(started).Milliseconds()
		return br
	}
	text, ok := agent.Text(resp)
	if !ok {
		br.Failed = true
		br.ExecutionMS = time.Since(started).Milliseconds()
		return br
	}
	e.listener.OnAgentComplete(ctx, nodeID, branch.AgentID, text, nil)
	br.Output = text

	if branch.RubricID != "" && e.deps.Rubrics != nil {
		eval, err := e.deps.Rubrics.Evaluate(ctx, branch.RubricID, e.wf.Rubrics[branch.RubricID], text, state.PublicProjection(frozen))
		if err == nil {
			br.Metadata = map[string]any{
				"rubric_passed": eval.Passed,
				"rubric_score":  eval.Score,
			}
		} else {
			e.deps.Logger.Error(ctx, "branch rubric evaluation failed",
				"branch_id", branch.ID, "rubric_id", branch.RubricID, "err", err)
		}
	}
	br.ExecutionMS = time.Since(started).Milliseconds()
	return br
}

func combineBranchOutputs(results []consensus.BranchResult) string {
	var out string
	for _, br := range results {
		if br.Failed {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += fmt.Sprintf("[%s] %s", br.BranchID, br.Output)
	}
	return out
}
