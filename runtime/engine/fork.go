package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/tenant"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// forkResult is the outcome of one forked child execution.
	forkResult struct {
		Target string
		Result ExecutionResult
	}

	// forkFuture completes when a forked child execution finishes. Futures
	// live only in this process; snapshot projection skips them.
	forkFuture struct {
		done chan struct{}
		res  forkResult
	}

	// forkFutures maps fork targets to their in-flight executions. Stored in
	// the context under the fork node's reserved key.
	forkFutures map[string]*forkFuture
)

// Ephemeral marks fork futures as non-persistable context values.
func (forkFutures) Ephemeral() {}

func (f *forkFuture) await(ctx context.Context, timeout time.Duration) (forkResult, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.done:
		return f.res, nil
	case <-timer:
		return forkResult{}, fmt.Errorf("join timed out after %s", timeout)
	case <-ctx.Done():
		return forkResult{}, ctx.Err()
	}
}

// execFork spawns each target as an independent child execution with a
// branched copy of the state and completes immediately. The futures are
// stashed in the context for a later join node.
func (e *Executor) execFork(ctx context.Context, node *workflow.ForkNode) (*state.NodeResult, error) {
	if len(node.Targets) == 0 {
		return state.Failure(fmt.Sprintf("fork node %q has no targets", node.NodeID)), nil
	}
	ctx = tenant.WithID(ctx, e.tenantID)

	futures := make(forkFutures, len(node.Targets))
	for _, target := range node.Targets {
		if _, ok := e.wf.Node(target); !ok {
			return nil, fmt.Errorf("%w: fork target %q does not exist", ErrIllegalState, target)
		}
		future := &forkFuture{done: make(chan struct{})}
		futures[target] = future

		child := e.st.Clone()
		child.CurrentNode = target
		go func(target string, child *state.WorkflowState) {
			defer close(future.done)
			res := New(e.deps, e.wf).WithListener(e.listener).ExecuteFrom(ctx, child, nil)
			future.res = forkResult{Target: target, Result: res}
		}(target, child)
	}
	e.st.Context[state.ForkContextKey(node.NodeID)] = futures
	return state.Success(nil), nil
}

// execJoin awaits the futures of the awaited targets and merges their
// outputs into the configured context field.
func (e *Executor) execJoin(ctx context.Context, node *workflow.JoinNode) (*state.NodeResult, error) {
	futures := e.collectFutures()
	if len(futures) == 0 {
		return state.Failure(fmt.Sprintf("join node %q found no fork context", node.NodeID)), nil
	}

	timeout := time.Duration(node.TimeoutMS) * time.Millisecond
	outputs := make(map[string]any, len(node.AwaitTargets))
	var errs []string
	for _, target := range node.AwaitTargets {
		future, ok := futures[target]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: never forked", target))
			continue
		}
		fr, err := future.await(ctx, timeout)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", target, err))
			continue
		}
		switch r := fr.Result.(type) {
		case *Completed:
			outputs[target] = r.FinalState.Context[target]
		case *Failure:
			errs = append(errs, fmt.Sprintf("%s: %v", target, r.Err))
		case *Rejected:
			errs = append(errs, fmt.Sprintf("%s: rejected: %s", target, r.Reason))
		default:
			errs = append(errs, fmt.Sprintf("%s: did not complete", target))
		}
	}

	if len(errs) > 0 && node.FailOnAnyError {
		return state.FailureWithMetadata(
			fmt.Sprintf("join %q: %s", node.NodeID, strings.Join(errs, "; ")),
			map[string]any{"branch_errors": errs},
		), nil
	}

	field := node.OutputField
	if field == "" {
		field = "fork_results"
	}
	merged := mergeOutputs(node.Merge, node.AwaitTargets, outputs)
	e.st.Context[field] = merged

	md := map[string]any{"joined": len(outputs)}
	if len(errs) > 0 {
		md["branch_errors"] = errs
	}
	return state.SuccessWithMetadata(merged, md), nil
}

// collectFutures gathers fork futures from every fork context entry in the
// state.
func (e *Executor) collectFutures() forkFutures {
	combined := make(forkFutures)
	for key, v := range e.st.Context {
		if !strings.HasPrefix(key, state.ForkContextKey("")) {
			continue
		}
		if futures, ok := v.(forkFutures); ok {
			for target, f := range futures {
				combined[target] = f
			}
		}
	}
	return combined
}

// mergeOutputs combines awaited outputs per the join's merge strategy.
// COLLECT_ALL (and CUSTOM, which post-processes downstream) keeps the
// iteration order of the await list, not completion order.
func mergeOutputs(strategy workflow.MergeStrategy, order []string, outputs map[string]any) any {
	switch strategy {
	case workflow.MergeFirstCompleted:
		for _, target := range order {
			if v, ok := outputs[target]; ok {
				return v
			}
		}
		return nil
	case workflow.MergeConcatenate:
		var parts []string
		for _, target := range order {
			if v, ok := outputs[target]; ok {
				parts = append(parts, stringifyOutput(v))
			}
		}
		return strings.Join(parts, "\n\n---\n\n")
	case workflow.MergeMaps:
		merged := make(map[string]any)
		for _, target := range order {
			if m, ok := outputs[target].(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		return merged
	default: // COLLECT_ALL, CUSTOM
		collected := make(map[string]any, len(outputs))
		for _, target := range order {
			if v, ok := outputs[target]; ok {
				collected[target] = v
			}
		}
		return collected
	}
}
