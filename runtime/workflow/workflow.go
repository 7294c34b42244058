// Package workflow defines the immutable graph model executed by the engine:
// workflows, node variants, transition rules, actions, and the per-node
// configuration blocks (review, planning, consensus). A Workflow is loaded
// once, validated, and never mutated afterwards; all runtime mutation happens
// on state.WorkflowState.
package workflow

type (
	// Workflow is a directed graph of nodes owned by a tenant. It is identified
	// by (TenantID, ID, Version) and immutable after load.
	Workflow struct {
		// TenantID scopes the workflow to its owning tenant.
		TenantID string
		// ID identifies the workflow within the tenant.
		ID string
		// Version distinguishes revisions of the same workflow ID.
		Version string
		// Name is a human-readable label.
		Name string
		// Nodes maps node IDs to their definitions. Insertion order is not
		// significant; transitions name their targets explicitly.
		Nodes map[string]Node
		// StartNode names the entry node. Must exist in Nodes.
		StartNode string
		// Agents maps agent IDs to their configuration. Agents referenced by
		// nodes but absent from the registry are auto-registered from here.
		Agents map[string]AgentConfig
		// Rubrics maps rubric IDs to external rubric references (file paths,
		// URIs). The rubric engine resolves them.
		Rubrics map[string]string
	}

	// AgentConfig describes an agent declared inline in a workflow definition.
	AgentConfig struct {
		// ID identifies the agent within the workflow.
		ID string
		// Model names the backing model or profile for the agent.
		Model string
		// SystemPrompt is the agent's standing instruction, if any.
		SystemPrompt string
		// Settings carries provider-specific options (temperature, caps).
		Settings map[string]any
	}
)

// Node returns the node with the given ID and whether it exists.
func (w *Workflow) Node(id string) (Node, bool) {
	n, ok := w.Nodes[id]
	return n, ok
}

// NodeRubric returns the rubric ID carried by the given node, if any.
// Standard, Generic, and Parallel branch nodes may carry rubrics.
func NodeRubric(n Node) string {
	switch node := n.(type) {
	case *StandardNode:
		return node.RubricID
	case *GenericNode:
		return node.RubricID
	default:
		return ""
	}
}
