// Package action dispatches the side effects declared on action nodes. Every
// side effect flows through a registered handler or a command from the safe
// command registry; the engine never executes workflow-authored code
// in-process. Handlers must be idempotent: a recovered execution may replay
// an action node after a crash.
package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftworks/loom/runtime/template"
	"github.com/weftworks/loom/runtime/workflow"
)

type (
	// Handler executes Send actions addressed to it. Implementations must be
	// safe for concurrent calls.
	Handler interface {
		// HandlerID returns the identifier the handler is registered under.
		HandlerID() string
		// Execute performs the side effect with the template-resolved
		// payload.
		Execute(ctx context.Context, payload map[string]any, execContext map[string]any) (*Result, error)
	}

	// Command is a pre-registered operation referenced by Execute actions.
	// Commands are defined in code, never in workflow text.
	Command interface {
		// CommandID returns the identifier the command is registered under.
		CommandID() string
		// Run performs the operation with the execution context.
		Run(ctx context.Context, execContext map[string]any) (*Result, error)
	}

	// Result is the outcome of one dispatched action.
	Result struct {
		Success bool
		Message string
		Data    map[string]any
		Error   string
	}

	// Executor resolves and dispatches the actions of an action node.
	Executor struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		commands map[string]Command
		resolver template.Resolver
	}
)

// NewExecutor constructs an executor with the given template resolver for
// Send payloads.
func NewExecutor(resolver template.Resolver) *Executor {
	return &Executor{
		handlers: make(map[string]Handler),
		commands: make(map[string]Command),
		resolver: resolver,
	}
}

// RegisterHandler installs a Send handler under its own id.
func (e *Executor) RegisterHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[h.HandlerID()] = h
}

// RegisterCommand installs a command under its own id.
func (e *Executor) RegisterCommand(c Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[c.CommandID()] = c
}

// Dispatch executes one action against the execution context. Send payload
// string values are template-resolved against the context before the handler
// runs.
func (e *Executor) Dispatch(ctx context.Context, act workflow.Action, execContext map[string]any) (*Result, error) {
	switch a := act.(type) {
	case *workflow.SendAction:
		e.mu.RLock()
		h, ok := e.handlers[a.HandlerID]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("action handler %q is not registered", a.HandlerID)
		}
		return h.Execute(ctx, e.resolvePayload(a.Payload, execContext), execContext)
	case *workflow.ExecuteAction:
		e.mu.RLock()
		c, ok := e.commands[a.CommandID]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("command %q is not registered", a.CommandID)
		}
		return c.Run(ctx, execContext)
	default:
		return nil, fmt.Errorf("unknown action kind %q", act.ActionKind())
	}
}

// DispatchAll runs the node's actions in declared order and stops at the
// first failure.
func (e *Executor) DispatchAll(ctx context.Context, actions []workflow.Action, execContext map[string]any) ([]*Result, error) {
	results := make([]*Result, 0, len(actions))
	for i, act := range actions {
		res, err := e.Dispatch(ctx, act, execContext)
		if err != nil {
			return results, fmt.Errorf("action %d: %w", i, err)
		}
		results = append(results, res)
		if !res.Success {
			return results, fmt.Errorf("action %d failed: %s", i, res.Message)
		}
	}
	return results, nil
}

func (e *Executor) resolvePayload(payload map[string]any, execContext map[string]any) map[string]any {
	if payload == nil || e.resolver == nil {
		return payload
	}
	resolved := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			resolved[k] = e.resolver.Resolve(s, execContext)
		} else {
			resolved[k] = v
		}
	}
	return resolved
}
