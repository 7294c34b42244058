package mongo

import (
	"fmt"
	"time"

	"github.com/weftworks/loom/runtime/plan"
	"github.com/weftworks/loom/runtime/rubric"
	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/workflow"
)

// Workflow nodes, transition rules, and actions are closed interface sets, so
// they persist as tagged documents: a kind discriminator plus the union of the
// variant fields. Decoding dispatches on the discriminator.

type (
	workflowDocument struct {
		TenantID  string                   `bson:"tenant_id"`
		ID        string                   `bson:"workflow_id"`
		Version   string                   `bson:"version,omitempty"`
		Name      string                   `bson:"name,omitempty"`
		StartNode string                   `bson:"start_node"`
		Nodes     []nodeDocument           `bson:"nodes"`
		Agents    map[string]agentDocument `bson:"agents,omitempty"`
		Rubrics   map[string]string        `bson:"rubrics,omitempty"`
		UpdatedAt time.Time                `bson:"updated_at"`
	}

	agentDocument struct {
		ID           string         `bson:"id"`
		Model        string         `bson:"model,omitempty"`
		SystemPrompt string         `bson:"system_prompt,omitempty"`
		Settings     map[string]any `bson:"settings,omitempty"`
	}

	nodeDocument struct {
		ID   string `bson:"id"`
		Kind string `bson:"kind"`

		// End
		Exit string `bson:"exit,omitempty"`

		// Standard
		AgentID           string              `bson:"agent_id,omitempty"`
		Prompt            string              `bson:"prompt,omitempty"`
		RubricID          string              `bson:"rubric_id,omitempty"`
		Review            *reviewDocument     `bson:"review,omitempty"`
		Planning          *planningDocument   `bson:"planning,omitempty"`
		StaticPlan        []staticStepDoc     `bson:"static_plan,omitempty"`
		PlanFailureTarget string              `bson:"plan_failure_target,omitempty"`
		OutputParams      []string            `bson:"output_params,omitempty"`

		// Parallel
		Branches  []branchDocument   `bson:"branches,omitempty"`
		Consensus *consensusDocument `bson:"consensus,omitempty"`

		// Fork / Join
		Targets        []string `bson:"targets,omitempty"`
		WaitForAll     bool     `bson:"wait_for_all,omitempty"`
		AwaitTargets   []string `bson:"await_targets,omitempty"`
		Merge          string   `bson:"merge,omitempty"`
		OutputField    string   `bson:"output_field,omitempty"`
		TimeoutMS      int64    `bson:"timeout_ms,omitempty"`
		FailOnAnyError bool     `bson:"fail_on_any_error,omitempty"`

		// Loop
		BodyTarget      string         `bson:"body_target,omitempty"`
		ExitTarget      string         `bson:"exit_target,omitempty"`
		BreakConditions map[string]any `bson:"break_conditions,omitempty"`
		MaxIterations   int            `bson:"max_iterations,omitempty"`

		// SubWorkflow
		WorkflowID    string            `bson:"sub_workflow_id,omitempty"`
		InputMapping  map[string]string `bson:"input_mapping,omitempty"`
		OutputMapping map[string]string `bson:"output_mapping,omitempty"`

		// Action
		Actions []actionDocument `bson:"actions,omitempty"`

		// Generic
		ExecutorType string         `bson:"executor_type,omitempty"`
		Config       map[string]any `bson:"config,omitempty"`

		Rules []ruleDocument `bson:"rules,omitempty"`
	}

	reviewDocument struct {
		Mode           string `bson:"mode"`
		AllowBacktrack bool   `bson:"allow_backtrack,omitempty"`
		AllowEdit      bool   `bson:"allow_edit,omitempty"`
	}

	planningDocument struct {
		Mode                string `bson:"mode"`
		MaxSteps            int    `bson:"max_steps,omitempty"`
		MaxReplans          int    `bson:"max_replans,omitempty"`
		MaxDurationMS       int64  `bson:"max_duration_ms,omitempty"`
		AllowReplan         bool   `bson:"allow_replan,omitempty"`
		MaxTokenBudget      int    `bson:"max_token_budget,omitempty"`
		ReviewBeforeExecute bool   `bson:"review_before_execute,omitempty"`
	}

	staticStepDoc struct {
		ToolName    string         `bson:"tool_name"`
		Arguments   map[string]any `bson:"arguments,omitempty"`
		Description string         `bson:"description,omitempty"`
	}

	branchDocument struct {
		ID       string  `bson:"id"`
		AgentID  string  `bson:"agent_id"`
		Prompt   string  `bson:"prompt,omitempty"`
		RubricID string  `bson:"rubric_id,omitempty"`
		Weight   float64 `bson:"weight,omitempty"`
	}

	consensusDocument struct {
		Strategy     string   `bson:"strategy"`
		Threshold    *float64 `bson:"threshold,omitempty"`
		JudgeAgentID string   `bson:"judge_agent_id,omitempty"`
	}

	actionDocument struct {
		Kind      string `bson:"kind"`
		HandlerID string `bson:"handler_id,omitempty"`
		Payload   map[string]any `bson:"payload,omitempty"`
		CommandID string `bson:"command_id,omitempty"`
	}

	ruleDocument struct {
		Kind        string         `bson:"kind"`
		Target      string         `bson:"target,omitempty"`
		RetryCount  int            `bson:"retry_count,omitempty"`
		RetryTarget string         `bson:"retry_target,omitempty"`
		ElseTarget  string         `bson:"else_target,omitempty"`
		Conditions  []conditionDoc `bson:"conditions,omitempty"`
	}

	conditionDoc struct {
		Operator string     `bson:"operator"`
		Value    float64    `bson:"value,omitempty"`
		Range    [2]float64 `bson:"range,omitempty"`
		Target   string     `bson:"target"`
	}

	snapshotDocument struct {
		TenantID         string              `bson:"tenant_id"`
		ExecutionID      string              `bson:"execution_id"`
		WorkflowID       string              `bson:"workflow_id"`
		CurrentNodeID    string              `bson:"current_node_id"`
		Context          map[string]any      `bson:"context,omitempty"`
		ActivePlan       *planDocument       `bson:"active_plan,omitempty"`
		RubricEvaluation *evaluationDocument `bson:"rubric_evaluation,omitempty"`
		CreatedAt        time.Time           `bson:"created_at"`
		Status           string              `bson:"status"`
		ServerNodeID     string              `bson:"server_node_id"`
		LastHeartbeatAt  time.Time           `bson:"last_heartbeat_at"`
	}

	planDocument struct {
		PlanID         string         `bson:"plan_id"`
		NodeID         string         `bson:"node_id"`
		Source         string         `bson:"source"`
		Steps          []stepDocument `bson:"steps,omitempty"`
		MaxSteps       int            `bson:"max_steps,omitempty"`
		MaxReplans     int            `bson:"max_replans,omitempty"`
		MaxDurationMS  int64          `bson:"max_duration_ms,omitempty"`
		AllowReplan    bool           `bson:"allow_replan,omitempty"`
		MaxTokenBudget int            `bson:"max_token_budget,omitempty"`
		CreatedAt      time.Time      `bson:"created_at"`
		Revision       int            `bson:"revision,omitempty"`
	}

	stepDocument struct {
		Index       int            `bson:"index"`
		ToolName    string         `bson:"tool_name"`
		Arguments   map[string]any `bson:"arguments,omitempty"`
		Description string         `bson:"description,omitempty"`
		Status      string         `bson:"status"`
		Output      any            `bson:"output,omitempty"`
		Error       string         `bson:"error,omitempty"`
	}

	evaluationDocument struct {
		RubricID       string   `bson:"rubric_id"`
		Score          float64  `bson:"score"`
		Passed         bool     `bson:"passed"`
		FailedCriteria []string `bson:"failed_criteria,omitempty"`
		Suggestions    []string `bson:"suggestions,omitempty"`
	}
)

func fromWorkflow(tenantID string, wf *workflow.Workflow) (workflowDocument, error) {
	doc := workflowDocument{
		TenantID:  tenantID,
		ID:        wf.ID,
		Version:   wf.Version,
		Name:      wf.Name,
		StartNode: wf.StartNode,
		Rubrics:   wf.Rubrics,
		UpdatedAt: time.Now().UTC(),
	}
	if len(wf.Agents) > 0 {
		doc.Agents = make(map[string]agentDocument, len(wf.Agents))
		for id, a := range wf.Agents {
			doc.Agents[id] = agentDocument{
				ID:           a.ID,
				Model:        a.Model,
				SystemPrompt: a.SystemPrompt,
				Settings:     a.Settings,
			}
		}
	}
	doc.Nodes = make([]nodeDocument, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nd, err := fromNode(n)
		if err != nil {
			return workflowDocument{}, err
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	return doc, nil
}

func (doc workflowDocument) toWorkflow() (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		TenantID:  doc.TenantID,
		ID:        doc.ID,
		Version:   doc.Version,
		Name:      doc.Name,
		StartNode: doc.StartNode,
		Nodes:     make(map[string]workflow.Node, len(doc.Nodes)),
		Rubrics:   doc.Rubrics,
	}
	if len(doc.Agents) > 0 {
		wf.Agents = make(map[string]workflow.AgentConfig, len(doc.Agents))
		for id, a := range doc.Agents {
			wf.Agents[id] = workflow.AgentConfig{
				ID:           a.ID,
				Model:        a.Model,
				SystemPrompt: a.SystemPrompt,
				Settings:     a.Settings,
			}
		}
	}
	for _, nd := range doc.Nodes {
		n, err := nd.toNode()
		if err != nil {
			return nil, err
		}
		wf.Nodes[n.ID()] = n
	}
	return wf, nil
}

func fromNode(n workflow.Node) (nodeDocument, error) {
	doc := nodeDocument{ID: n.ID(), Kind: string(n.Kind()), Rules: fromRules(n.Transitions())}
	switch node := n.(type) {
	case *workflow.EndNode:
		doc.Exit = string(node.Exit)
	case *workflow.StandardNode:
		doc.AgentID = node.AgentID
		doc.Prompt = node.Prompt
		doc.RubricID = node.RubricID
		doc.PlanFailureTarget = node.PlanFailureTarget
		doc.OutputParams = node.OutputParams
		if node.Review != nil {
			doc.Review = &reviewDocument{
				Mode:           string(node.Review.Mode),
				AllowBacktrack: node.Review.AllowBacktrack,
				AllowEdit:      node.Review.AllowEdit,
			}
		}
		if node.Planning.Mode != "" && node.Planning.Mode != workflow.PlanningNone {
			doc.Planning = &planningDocument{
				Mode:                string(node.Planning.Mode),
				MaxSteps:            node.Planning.Constraints.MaxSteps,
				MaxReplans:          node.Planning.Constraints.MaxReplans,
				MaxDurationMS:       node.Planning.Constraints.MaxDuration.Milliseconds(),
				AllowReplan:         node.Planning.Constraints.AllowReplan,
				MaxTokenBudget:      node.Planning.Constraints.MaxTokenBudget,
				ReviewBeforeExecute: node.Planning.ReviewBeforeExecute,
			}
		}
		if node.StaticPlan != nil {
			for _, s := range node.StaticPlan.Steps {
				doc.StaticPlan = append(doc.StaticPlan, staticStepDoc{
					ToolName:    s.ToolName,
					Arguments:   s.Arguments,
					Description: s.Description,
				})
			}
		}
	case *workflow.ParallelNode:
		for _, b := range node.Branches {
			doc.Branches = append(doc.Branches, branchDocument{
				ID:       b.ID,
				AgentID:  b.AgentID,
				Prompt:   b.Prompt,
				RubricID: b.RubricID,
				Weight:   b.Weight,
			})
		}
		if node.Consensus != nil {
			doc.Consensus = &consensusDocument{
				Strategy:     string(node.Consensus.Strategy),
				Threshold:    node.Consensus.Threshold,
				JudgeAgentID: node.Consensus.JudgeAgentID,
			}
		}
	case *workflow.ForkNode:
		doc.Targets = node.Targets
		doc.WaitForAll = node.WaitForAll
	case *workflow.JoinNode:
		doc.AwaitTargets = node.AwaitTargets
		doc.Merge = string(node.Merge)
		doc.OutputField = node.OutputField
		doc.TimeoutMS = node.TimeoutMS
		doc.FailOnAnyError = node.FailOnAnyError
	case *workflow.LoopNode:
		doc.BodyTarget = node.BodyTarget
		doc.ExitTarget = node.ExitTarget
		doc.BreakConditions = node.BreakConditions
		doc.MaxIterations = node.MaxIterations
	case *workflow.SubWorkflowNode:
		doc.WorkflowID = node.WorkflowID
		doc.InputMapping = node.InputMapping
		doc.OutputMapping = node.OutputMapping
	case *workflow.ActionNode:
		for _, a := range node.Actions {
			ad, err := fromAction(a)
			if err != nil {
				return nodeDocument{}, err
			}
			doc.Actions = append(doc.Actions, ad)
		}
	case *workflow.GenericNode:
		doc.ExecutorType = node.ExecutorType
		doc.Config = node.Config
		doc.RubricID = node.RubricID
	default:
		return nodeDocument{}, fmt.Errorf("unknown node kind %q", n.Kind())
	}
	return doc, nil
}

func (doc nodeDocument) toNode() (workflow.Node, error) {
	rules := doc.toRules()
	switch workflow.NodeKind(doc.Kind) {
	case workflow.KindEnd:
		return &workflow.EndNode{NodeID: doc.ID, Exit: workflow.ExitStatus(doc.Exit)}, nil
	case workflow.KindStandard:
		n := &workflow.StandardNode{
			NodeID:            doc.ID,
			AgentID:           doc.AgentID,
			Prompt:            doc.Prompt,
			RubricID:          doc.RubricID,
			PlanFailureTarget: doc.PlanFailureTarget,
			OutputParams:      doc.OutputParams,
			Rules:             rules,
		}
		if doc.Review != nil {
			n.Review = &workflow.ReviewConfig{
				Mode:           workflow.ReviewMode(doc.Review.Mode),
				AllowBacktrack: doc.Review.AllowBacktrack,
				AllowEdit:      doc.Review.AllowEdit,
			}
		}
		if doc.Planning != nil {
			n.Planning = workflow.PlanningConfig{
				Mode: workflow.PlanningMode(doc.Planning.Mode),
				Constraints: workflow.PlanConstraints{
					MaxSteps:       doc.Planning.MaxSteps,
					MaxReplans:     doc.Planning.MaxReplans,
					MaxDuration:    time.Duration(doc.Planning.MaxDurationMS) * time.Millisecond,
					AllowReplan:    doc.Planning.AllowReplan,
					MaxTokenBudget: doc.Planning.MaxTokenBudget,
				},
				ReviewBeforeExecute: doc.Planning.ReviewBeforeExecute,
			}
		} else {
			n.Planning = workflow.PlanningConfig{Mode: workflow.PlanningNone}
		}
		if len(doc.StaticPlan) > 0 {
			sp := &workflow.StaticPlan{}
			for _, s := range doc.StaticPlan {
				sp.Steps = append(sp.Steps, workflow.StaticStep{
					ToolName:    s.ToolName,
					Arguments:   s.Arguments,
					Description: s.Description,
				})
			}
			n.StaticPlan = sp
		}
		return n, nil
	case workflow.KindParallel:
		n := &workflow.ParallelNode{NodeID: doc.ID, Rules: rules}
		for _, b := range doc.Branches {
			n.Branches = append(n.Branches, workflow.Branch{
				ID:       b.ID,
				AgentID:  b.AgentID,
				Prompt:   b.Prompt,
				RubricID: b.RubricID,
				Weight:   b.Weight,
			})
		}
		if doc.Consensus != nil {
			n.Consensus = &workflow.ConsensusConfig{
				Strategy:     workflow.ConsensusStrategy(doc.Consensus.Strategy),
				Threshold:    doc.Consensus.Threshold,
				JudgeAgentID: doc.Consensus.JudgeAgentID,
			}
		}
		return n, nil
	case workflow.KindFork:
		return &workflow.ForkNode{
			NodeID:     doc.ID,
			Targets:    doc.Targets,
			WaitForAll: doc.WaitForAll,
			Rules:      rules,
		}, nil
	case workflow.KindJoin:
		return &workflow.JoinNode{
			NodeID:         doc.ID,
			AwaitTargets:   doc.AwaitTargets,
			Merge:          workflow.MergeStrategy(doc.Merge),
			OutputField:    doc.OutputField,
			TimeoutMS:      doc.TimeoutMS,
			FailOnAnyError: doc.FailOnAnyError,
			Rules:          rules,
		}, nil
	case workflow.KindLoop:
		return &workflow.LoopNode{
			NodeID:          doc.ID,
			BodyTarget:      doc.BodyTarget,
			ExitTarget:      doc.ExitTarget,
			BreakConditions: doc.BreakConditions,
			MaxIterations:   doc.MaxIterations,
			Rules:           rules,
		}, nil
	case workflow.KindSubWorkflow:
		return &workflow.SubWorkflowNode{
			NodeID:        doc.ID,
			WorkflowID:    doc.WorkflowID,
			InputMapping:  doc.InputMapping,
			OutputMapping: doc.OutputMapping,
			Rules:         rules,
		}, nil
	case workflow.KindAction:
		n := &workflow.ActionNode{NodeID: doc.ID, Rules: rules}
		for _, ad := range doc.Actions {
			a, err := ad.toAction()
			if err != nil {
				return nil, err
			}
			n.Actions = append(n.Actions, a)
		}
		return n, nil
	case workflow.KindGeneric:
		return &workflow.GenericNode{
			NodeID:       doc.ID,
			ExecutorType: doc.ExecutorType,
			Config:       doc.Config,
			RubricID:     doc.RubricID,
			Rules:        rules,
		}, nil
	default:
		return nil, fmt.Errorf("unknown node kind %q for node %q", doc.Kind, doc.ID)
	}
}

func fromAction(a workflow.Action) (actionDocument, error) {
	switch act := a.(type) {
	case *workflow.SendAction:
		return actionDocument{Kind: string(workflow.ActionSend), HandlerID: act.HandlerID, Payload: act.Payload}, nil
	case *workflow.ExecuteAction:
		return actionDocument{Kind: string(workflow.ActionExecute), CommandID: act.CommandID}, nil
	default:
		return actionDocument{}, fmt.Errorf("unknown action kind %q", a.ActionKind())
	}
}

func (doc actionDocument) toAction() (workflow.Action, error) {
	switch workflow.ActionKind(doc.Kind) {
	case workflow.ActionSend:
		return &workflow.SendAction{HandlerID: doc.HandlerID, Payload: doc.Payload}, nil
	case workflow.ActionExecute:
		return &workflow.ExecuteAction{CommandID: doc.CommandID}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", doc.Kind)
	}
}

func fromRules(rules []workflow.TransitionRule) []ruleDocument {
	if len(rules) == 0 {
		return nil
	}
	out := make([]ruleDocument, 0, len(rules))
	for _, r := range rules {
		switch rule := r.(type) {
		case *workflow.SuccessRule:
			out = append(out, ruleDocument{Kind: string(workflow.RuleSuccess), Target: rule.Target})
		case *workflow.FailureRule:
			out = append(out, ruleDocument{
				Kind:        string(workflow.RuleFailure),
				RetryCount:  rule.RetryCount,
				RetryTarget: rule.RetryTarget,
				ElseTarget:  rule.ElseTarget,
			})
		case *workflow.ScoreRule:
			rd := ruleDocument{Kind: string(workflow.RuleScore)}
			for _, c := range rule.Conditions {
				rd.Conditions = append(rd.Conditions, conditionDoc{
					Operator: string(c.Operator),
					Value:    c.Value,
					Range:    c.Range,
					Target:   c.Target,
				})
			}
			out = append(out, rd)
		}
	}
	return out
}

func (doc nodeDocument) toRules() []workflow.TransitionRule {
	if len(doc.Rules) == 0 {
		return nil
	}
	out := make([]workflow.TransitionRule, 0, len(doc.Rules))
	for _, rd := range doc.Rules {
		switch workflow.RuleKind(rd.Kind) {
		case workflow.RuleSuccess:
			out = append(out, &workflow.SuccessRule{Target: rd.Target})
		case workflow.RuleFailure:
			out = append(out, &workflow.FailureRule{
				RetryCount:  rd.RetryCount,
				RetryTarget: rd.RetryTarget,
				ElseTarget:  rd.ElseTarget,
			})
		case workflow.RuleScore:
			sr := &workflow.ScoreRule{}
			for _, c := range rd.Conditions {
				sr.Conditions = append(sr.Conditions, workflow.ScoreCondition{
					Operator: workflow.ScoreOperator(c.Operator),
					Value:    c.Value,
					Range:    c.Range,
					Target:   c.Target,
				})
			}
			out = append(out, sr)
		}
	}
	return out
}

func fromSnapshot(tenantID string, snap *state.Snapshot) snapshotDocument {
	doc := snapshotDocument{
		TenantID:        tenantID,
		ExecutionID:     snap.ExecutionID,
		WorkflowID:      snap.WorkflowID,
		CurrentNodeID:   snap.CurrentNodeID,
		Context:         snap.Context,
		CreatedAt:       snap.CreatedAt.UTC(),
		Status:          string(snap.Status),
		ServerNodeID:    snap.ServerNodeID,
		LastHeartbeatAt: snap.LastHeartbeatAt.UTC(),
	}
	if snap.ActivePlan != nil {
		doc.ActivePlan = fromPlan(snap.ActivePlan)
	}
	if snap.RubricEvaluation != nil {
		doc.RubricEvaluation = &evaluationDocument{
			RubricID:       snap.RubricEvaluation.RubricID,
			Score:          snap.RubricEvaluation.Score,
			Passed:         snap.RubricEvaluation.Passed,
			FailedCriteria: snap.RubricEvaluation.FailedCriteria,
			Suggestions:    snap.RubricEvaluation.Suggestions,
		}
	}
	return doc
}

func (doc snapshotDocument) toSnapshot() *state.Snapshot {
	snap := &state.Snapshot{
		WorkflowID:      doc.WorkflowID,
		ExecutionID:     doc.ExecutionID,
		TenantID:        doc.TenantID,
		CurrentNodeID:   doc.CurrentNodeID,
		Context:         doc.Context,
		CreatedAt:       doc.CreatedAt,
		Status:          state.SnapshotStatus(doc.Status),
		ServerNodeID:    doc.ServerNodeID,
		LastHeartbeatAt: doc.LastHeartbeatAt,
	}
	if doc.ActivePlan != nil {
		snap.ActivePlan = doc.ActivePlan.toPlan()
	}
	if doc.RubricEvaluation != nil {
		snap.RubricEvaluation = &rubric.Evaluation{
			RubricID:       doc.RubricEvaluation.RubricID,
			Score:          doc.RubricEvaluation.Score,
			Passed:         doc.RubricEvaluation.Passed,
			FailedCriteria: doc.RubricEvaluation.FailedCriteria,
			Suggestions:    doc.RubricEvaluation.Suggestions,
		}
	}
	return snap
}

func fromPlan(p *plan.Plan) *planDocument {
	doc := &planDocument{
		PlanID:         p.PlanID,
		NodeID:         p.NodeID,
		Source:         string(p.Source),
		MaxSteps:       p.Constraints.MaxSteps,
		MaxReplans:     p.Constraints.MaxReplans,
		MaxDurationMS:  p.Constraints.MaxDuration.Milliseconds(),
		AllowReplan:    p.Constraints.AllowReplan,
		MaxTokenBudget: p.Constraints.MaxTokenBudget,
		CreatedAt:      p.CreatedAt.UTC(),
		Revision:       p.Revision,
	}
	for _, s := range p.Steps {
		doc.Steps = append(doc.Steps, stepDocument{
			Index:       s.Index,
			ToolName:    s.ToolName,
			Arguments:   s.Arguments,
			Description: s.Description,
			Status:      string(s.Status),
			Output:      s.Output,
			Error:       s.Error,
		})
	}
	return doc
}

func (doc *planDocument) toPlan() *plan.Plan {
	p := &plan.Plan{
		PlanID: doc.PlanID,
		NodeID: doc.NodeID,
		Source: plan.Source(doc.Source),
		Constraints: workflow.PlanConstraints{
			MaxSteps:       doc.MaxSteps,
			MaxReplans:     doc.MaxReplans,
			MaxDuration:    time.Duration(doc.MaxDurationMS) * time.Millisecond,
			AllowReplan:    doc.AllowReplan,
			MaxTokenBudget: doc.MaxTokenBudget,
		},
		CreatedAt: doc.CreatedAt,
		Revision:  doc.Revision,
	}
	for _, s := range doc.Steps {
		p.Steps = append(p.Steps, plan.Step{
			Index:       s.Index,
			ToolName:    s.ToolName,
			Arguments:   s.Arguments,
			Description: s.Description,
			Status:      plan.StepStatus(s.Status),
			Output:      s.Output,
			Error:       s.Error,
		})
	}
	return p
}
