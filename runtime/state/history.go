package state

import "time"

type (
	// HistoryEntry is the closed set of history records. Concrete variants
	// are ExecutionStep and BacktrackEvent. History is append-only for the
	// duration of an execution.
	HistoryEntry interface {
		// EntryKind returns the variant tag.
		EntryKind() EntryKind
		// At returns the entry timestamp.
		At() time.Time
	}

	// EntryKind tags the history entry variant.
	EntryKind string

	// BacktrackType records what triggered a backtrack.
	BacktrackType string

	// ExecutionStep records one completed node execution.
	ExecutionStep struct {
		// NodeID is the executed node.
		NodeID string
		// StateSnapshot is the context at completion time.
		StateSnapshot map[string]any
		// Result is the node outcome.
		Result *NodeResult
		// Timestamp is the completion time (UTC).
		Timestamp time.Time
	}

	// BacktrackEvent records a jump to an earlier node.
	BacktrackEvent struct {
		// From is the node the execution left.
		From string
		// To is the node the execution resumed at.
		To string
		// Reason explains the backtrack.
		Reason string
		// Type records the trigger: manual review, automatic rubric policy,
		// or an explicit jump.
		Type BacktrackType
		// RubricScore is the triggering score for automatic backtracks.
		RubricScore *float64
		// Timestamp is the event time (UTC).
		Timestamp time.Time
	}
)

const (
	EntryStep      EntryKind = "step"
	EntryBacktrack EntryKind = "backtrack"
)

const (
	// BacktrackManual marks a reviewer-initiated backtrack.
	BacktrackManual BacktrackType = "MANUAL"
	// BacktrackAutomatic marks a rubric-policy backtrack.
	BacktrackAutomatic BacktrackType = "AUTOMATIC"
	// BacktrackJump marks an explicit jump.
	BacktrackJump BacktrackType = "JUMP"
)

func (s *ExecutionStep) EntryKind() EntryKind  { return EntryStep }
func (s *ExecutionStep) At() time.Time         { return s.Timestamp }
func (b *BacktrackEvent) EntryKind() EntryKind { return EntryBacktrack }
func (b *BacktrackEvent) At() time.Time        { return b.Timestamp }
