package consensus

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// scorePattern matches self-reported scores like `score: 85` or `"rating": 7.5`
// in branch output text.
var scorePattern = regexp.MustCompile(`(?i)(score|rating)["':\s]*([0-9]+(?:\.[0-9]+)?)`)

const neutralScore = 50.0

// ExtractVote derives a branch's vote and score. Sources are consulted in
// priority order:
//
//  1. rubric_passed metadata decides the vote outright, with rubric_score as
//     the score (neutral 50 when absent).
//  2. a numeric score metadata key supplies the score.
//  3. a score/rating pattern in the output text supplies the score.
//  4. approval keywords in the output decide the vote.
//  5. otherwise the vote is derived from the score against the effective
//     threshold (default 70): at or above approves, more than 20 below
//     rejects, the band between abstains.
//
// Failed branches reject with a zero score.
func ExtractVote(br BranchResult, threshold *float64) BranchVote {
	v := BranchVote{BranchID: br.BranchID, Weight: br.Weight, Output: br.Output, Score: neutralScore}
	if br.Failed {
		v.Vote = VoteReject
		v.Score = 0
		return v
	}

	if passed, ok := boolMeta(br.Metadata, "rubric_passed"); ok {
		if score, ok := numericMeta(br.Metadata, "rubric_score"); ok {
			v.Score = score
		}
		if passed {
			v.Vote = VoteApprove
		} else {
			v.Vote = VoteReject
		}
		return v
	}

	if score, ok := numericMeta(br.Metadata, "score"); ok {
		v.Score = score
	} else if m := scorePattern.FindStringSubmatch(br.Output); m != nil {
		if score, err := strconv.ParseFloat(m[2], 64); err == nil {
			v.Score = score
		}
	}

	lower := strings.ToLower(br.Output)
	switch {
	case containsAny(lower, "approve", "accept", "pass"):
		v.Vote = VoteApprove
		return v
	case containsAny(lower, "reject", "deny", "fail"):
		v.Vote = VoteReject
		return v
	case containsAny(lower, "abstain", "neutral"):
		v.Vote = VoteAbstain
		return v
	}

	effective := 70.0
	if threshold != nil {
		effective = *threshold
	}
	switch {
	case v.Score >= effective:
		v.Vote = VoteApprove
	case v.Score < effective-20:
		v.Vote = VoteReject
	default:
		v.Vote = VoteAbstain
	}
	return v
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func boolMeta(md map[string]any, key string) (bool, bool) {
	if md == nil {
		return false, false
	}
	b, ok := md[key].(bool)
	return b, ok
}

func numericMeta(md map[string]any, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch n := md[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
