package workflow

type (
	// Action is the closed set of side effects dispatched by Action nodes.
	// Concrete variants are SendAction and ExecuteAction. Side effects never
	// run in-process: SendAction routes through a registered handler and
	// ExecuteAction through the command registry.
	Action interface {
		// ActionKind returns the variant tag.
		ActionKind() ActionKind
	}

	// ActionKind tags the action variant.
	ActionKind string

	// SendAction delivers a template-resolved payload to a registered handler.
	SendAction struct {
		// HandlerID selects the registered action handler.
		HandlerID string
		// Payload is the message body. String values are template-resolved
		// against the execution context before delivery.
		Payload map[string]any
	}

	// ExecuteAction runs a command defined out-of-band in the command
	// registry. Commands are never defined in workflow text.
	ExecuteAction struct {
		// CommandID selects the registered command.
		CommandID string
	}
)

const (
	ActionSend    ActionKind = "send"
	ActionExecute ActionKind = "execute"
)

func (a *SendAction) ActionKind() ActionKind    { return ActionSend }
func (a *ExecuteAction) ActionKind() ActionKind { return ActionExecute }
