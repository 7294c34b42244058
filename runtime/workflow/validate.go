package workflow

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants a workflow must satisfy before
// execution: a non-empty node map, an existing start node, and transition
// targets that resolve inside the graph.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.New("workflow id is required")
	}
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no nodes", w.ID)
	}
	if _, ok := w.Nodes[w.StartNode]; !ok {
		return fmt.Errorf("workflow %q start node %q does not exist", w.ID, w.StartNode)
	}
	for id, n := range w.Nodes {
		if n.ID() != id {
			return fmt.Errorf("workflow %q node keyed %q reports id %q", w.ID, id, n.ID())
		}
		for _, rule := range n.Transitions() {
			if err := w.validateRule(id, rule); err != nil {
				return err
			}
		}
		if fork, ok := n.(*ForkNode); ok {
			for _, target := range fork.Targets {
				if _, ok := w.Nodes[target]; !ok {
					return fmt.Errorf("workflow %q fork %q targets unknown node %q", w.ID, id, target)
				}
			}
		}
	}
	return nil
}

func (w *Workflow) validateRule(nodeID string, rule TransitionRule) error {
	check := func(target string) error {
		if target == "" {
			return nil
		}
		if _, ok := w.Nodes[target]; !ok {
			return fmt.Errorf("workflow %q node %q transition targets unknown node %q", w.ID, nodeID, target)
		}
		return nil
	}
	switch r := rule.(type) {
	case *SuccessRule:
		return check(r.Target)
	case *FailureRule:
		if err := check(r.RetryTarget); err != nil {
			return err
		}
		return check(r.ElseTarget)
	case *ScoreRule:
		for _, cond := range r.Conditions {
			if err := check(cond.Target); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("workflow %q node %q has unknown transition rule %T", w.ID, nodeID, rule)
	}
}
