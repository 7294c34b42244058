package hooks

import (
	"context"
	"sync"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// Async decouples a slow listener from the traversal loop. Callbacks are
// enqueued on a bounded queue and delivered by a single goroutine, preserving
// per-listener ordering. When the queue is full the oldest pending callback
// is dropped so a slow observer can never back up the engine.
type Async struct {
	inner Listener

	mu     sync.Mutex
	queue  []func(context.Context)
	cap    int
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

const defaultAsyncQueue = 256

// NewAsync wraps inner with a bounded drop-oldest delivery queue of the given
// capacity. Zero or negative capacity uses the default of 256.
func NewAsync(inner Listener, capacity int) *Async {
	if capacity <= 0 {
		capacity = defaultAsyncQueue
	}
	a := &Async{
		inner: inner,
		cap:   capacity,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go a.deliver()
	return a
}

// Close stops delivery after draining the queue. Safe to call once.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	close(a.done)
}

func (a *Async) enqueue(fn func(context.Context)) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if len(a.queue) >= a.cap {
		// Drop the oldest pending callback.
		a.queue = a.queue[1:]
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Async) deliver() {
	ctx := context.Background()
	for {
		a.mu.Lock()
		var fn func(context.Context)
		if len(a.queue) > 0 {
			fn = a.queue[0]
			a.queue = a.queue[1:]
		}
		a.mu.Unlock()
		if fn != nil {
			fn(ctx)
			continue
		}
		select {
		case <-a.wake:
		case <-a.done:
			// Drain what is left, then exit.
			a.mu.Lock()
			rest := a.queue
			a.queue = nil
			a.mu.Unlock()
			for _, fn := range rest {
				fn(ctx)
			}
			return
		}
	}
}

func (a *Async) OnNodeStart(_ context.Context, node workflow.Node) {
	a.enqueue(func(ctx context.Context) { a.inner.OnNodeStart(ctx, node) })
}

func (a *Async) OnNodeComplete(_ context.Context, node workflow.Node, result *state.NodeResult) {
	a.enqueue(func(ctx context.Context) { a.inner.OnNodeComplete(ctx, node, result) })
}

func (a *Async) OnAgentStart(_ context.Context, nodeID, agentID, prompt string) {
	a.enqueue(func(ctx context.Context) { a.inner.OnAgentStart(ctx, nodeID, agentID, prompt) })
}

func (a *Async) OnAgentComplete(_ context.Context, nodeID, agentID, output string, err error) {
	a.enqueue(func(ctx context.Context) { a.inner.OnAgentComplete(ctx, nodeID, agentID, output, err) })
}

func (a *Async) OnPlannerStart(_ context.Context, nodeID, prompt string) {
	a.enqueue(func(ctx context.Context) { a.inner.OnPlannerStart(ctx, nodeID, prompt) })
}

func (a *Async) OnPlannerComplete(_ context.Context, nodeID string, steps int) {
	a.enqueue(func(ctx context.Context) { a.inner.OnPlannerComplete(ctx, nodeID, steps) })
}

func (a *Async) OnCheckpoint(_ context.Context, st *state.WorkflowState) {
	a.enqueue(func(ctx context.Context) { a.inner.OnCheckpoint(ctx, st) })
}

func (a *Async) OnBacktrack(_ context.Context, ev *state.BacktrackEvent) {
	a.enqueue(func(ctx context.Context) { a.inner.OnBacktrack(ctx, ev) })
}

func (a *Async) OnPlanEvent(_ context.Context, ev plan.Event) {
	a.enqueue(func(ctx context.Context) { a.inner.OnPlanEvent(ctx, ev) })
}
