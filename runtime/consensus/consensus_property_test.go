package consensus

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/weftworks/loom/runtime/workflow"
)

// genBranchResults produces branch slices with mixed votes driven by output
// keywords, which is the lowest-priority extraction path after metadata.
func genBranchResults() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf("approve", "reject", "abstain")).Map(func(words []string) []BranchResult {
		out := make([]BranchResult, len(words))
		for i, w := range words {
			out[i] = BranchResult{BranchID: string(rune('a' + i%26)), Output: w, Weight: 1}
		}
		return out
	})
}

func TestVoteCountsPartitionBranches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("approve+reject+abstain counts always sum to the branch count", prop.ForAll(
		func(results []BranchResult) bool {
			e := NewEvaluator(nil)
			out, err := e.Evaluate(context.Background(), workflow.ConsensusConfig{
				Strategy: workflow.ConsensusMajorityVote,
			}, results)
			if err != nil {
				return false
			}
			return out.ApproveCount+out.RejectCount+out.AbstainCount == len(results) &&
				len(out.Votes) == len(results)
		},
		genBranchResults(),
	))

	properties.TestingRun(t)
}

func TestUnanimousImpliesMajority(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("unanimous consensus always satisfies majority consensus too", prop.ForAll(
		func(results []BranchResult) bool {
			e := NewEvaluator(nil)
			unanimous, err := e.Evaluate(context.Background(), workflow.ConsensusConfig{
				Strategy: workflow.ConsensusUnanimous,
			}, results)
			if err != nil {
				return false
			}
			if !unanimous.Reached {
				return true
			}
			majority, err := e.Evaluate(context.Background(), workflow.ConsensusConfig{
				Strategy: workflow.ConsensusMajorityVote,
			}, results)
			if err != nil {
				return false
			}
			return majority.Reached
		},
		genBranchResults(),
	))

	properties.TestingRun(t)
}

func TestFailedBranchesNeverApprove(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a failed branch always casts a zero-score rejection", prop.ForAll(
		func(output string, weight float64) bool {
			v := ExtractVote(BranchResult{BranchID: "b", Output: output, Weight: weight, Failed: true}, nil)
			return v.Vote == VoteReject && v.Score == 0
		},
		gen.AnyString(),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}
