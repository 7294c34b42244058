package engine

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/weftworks/loom/runtime/workflow"
)

func genAwaitedOutputs() gopter.Gen {
	return gen.MapOf(gen.Identifier(), gen.AlphaString())
}

func orderOf(outputs map[string]string) ([]string, map[string]any) {
	order := make([]string, 0, len(outputs))
	values := make(map[string]any, len(outputs))
	for k, v := range outputs {
		order = append(order, k)
		values[k] = v
	}
	return order, values
}

func TestMergeOutputsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("collect-all keeps exactly the awaited outputs", prop.ForAll(
		func(outputs map[string]string) bool {
			order, values := orderOf(outputs)
			merged, ok := mergeOutputs(workflow.MergeCollectAll, order, values).(map[string]any)
			if !ok || len(merged) != len(values) {
				return false
			}
			for k, v := range values {
				if merged[k] != v {
					return false
				}
			}
			return true
		},
		genAwaitedOutputs(),
	))

	properties.Property("concatenate joins every output in await order", prop.ForAll(
		func(outputs map[string]string) bool {
			order, values := orderOf(outputs)
			merged, ok := mergeOutputs(workflow.MergeConcatenate, order, values).(string)
			if !ok {
				return false
			}
			var parts []string
			for _, target := range order {
				parts = append(parts, outputs[target])
			}
			return merged == strings.Join(parts, "\n\n---\n\n")
		},
		genAwaitedOutputs(),
	))

	properties.Property("first-completed returns the first awaited output", prop.ForAll(
		func(outputs map[string]string) bool {
			order, values := orderOf(outputs)
			merged := mergeOutputs(workflow.MergeFirstCompleted, order, values)
			if len(order) == 0 {
				return merged == nil
			}
			return merged == outputs[order[0]]
		},
		genAwaitedOutputs(),
	))

	properties.TestingRun(t)
}
