package plan

type (
	// Event is the closed set of plan sub-engine notifications published to
	// registered observers (the SSE broadcaster among them).
	Event interface {
		// EventKind returns the variant tag.
		EventKind() EventKind
		// Plan returns the plan identifier the event belongs to.
		PlanID() string
	}

	// EventKind tags the plan event variant.
	EventKind string

	// Created fires when a plan is created (static or dynamic).
	Created struct {
		ID     string
		NodeID string
		Source Source
		Steps  int
	}

	// StepStarted fires before a step executes.
	StepStarted struct {
		ID   string
		Step Step
	}

	// StepCompleted fires after a step finishes, success or failure.
	StepCompleted struct {
		ID   string
		Step Step
	}

	// Revised fires when the planner replaces a failing plan.
	Revised struct {
		ID       string
		Revision int
		Reason   string
		Steps    int
	}

	// Completed fires when every step of the plan succeeded.
	Completed struct {
		ID     string
		NodeID string
	}
)

const (
	EventCreated       EventKind = "plan_created"
	EventStepStarted   EventKind = "step_started"
	EventStepCompleted EventKind = "step_completed"
	EventRevised       EventKind = "plan_revised"
	EventCompleted     EventKind = "plan_completed"
)

func (e *Created) EventKind() EventKind       { return EventCreated }
func (e *StepStarted) EventKind() EventKind   { return EventStepStarted }
func (e *StepCompleted) EventKind() EventKind { return EventStepCompleted }
func (e *Revised) EventKind() EventKind       { return EventRevised }
func (e *Completed) EventKind() EventKind     { return EventCompleted }

func (e *Created) PlanID() string       { return e.ID }
func (e *StepStarted) PlanID() string   { return e.ID }
func (e *StepCompleted) PlanID() string { return e.ID }
func (e *Revised) PlanID() string       { return e.ID }
func (e *Completed) PlanID() string     { return e.ID }
