package state

import "time"

// ResultStatus is the outcome of one node execution.
type ResultStatus string

const (
	// ResultSuccess indicates the node completed and transitions may fire.
	ResultSuccess ResultStatus = "SUCCESS"
	// ResultFailure indicates the node failed; failure rules route it.
	ResultFailure ResultStatus = "FAILURE"
	// ResultPending indicates the node is waiting on external input; the
	// engine pauses with CurrentNode unchanged.
	ResultPending ResultStatus = "PENDING"
	// ResultEnd indicates a terminal node fired.
	ResultEnd ResultStatus = "END"
)

// NodeResult is the immutable outcome of dispatching one node.
type NodeResult struct {
	// Status is the node outcome.
	Status ResultStatus
	// Output is the node's produced value, written to the context by the
	// output extraction processor.
	Output any
	// Metadata carries executor-specific annotations (scores, plan ids,
	// aggregated errors).
	Metadata map[string]any
	// Error is the failure message when Status is FAILURE.
	Error string
	// Timestamp is the result creation time (UTC).
	Timestamp time.Time
}

// Success returns a SUCCESS result with the given output.
func Success(output any) *NodeResult {
	return &NodeResult{Status: ResultSuccess, Output: output, Timestamp: time.Now().UTC()}
}

// SuccessWithMetadata returns a SUCCESS result with output and metadata.
func SuccessWithMetadata(output any, md map[string]any) *NodeResult {
	return &NodeResult{Status: ResultSuccess, Output: output, Metadata: md, Timestamp: time.Now().UTC()}
}

// Failure returns a FAILURE result with the given error message.
func Failure(msg string) *NodeResult {
	return &NodeResult{Status: ResultFailure, Error: msg, Timestamp: time.Now().UTC()}
}

// FailureWithMetadata returns a FAILURE result carrying metadata.
func FailureWithMetadata(msg string, md map[string]any) *NodeResult {
	return &NodeResult{Status: ResultFailure, Error: msg, Metadata: md, Timestamp: time.Now().UTC()}
}

// Pending returns a PENDING result with output and metadata describing what
// the execution is waiting for.
func Pending(output any, md map[string]any) *NodeResult {
	return &NodeResult{Status: ResultPending, Output: output, Metadata: md, Timestamp: time.Now().UTC()}
}

// End returns an END result for terminal nodes.
func End() *NodeResult {
	return &NodeResult{Status: ResultEnd, Timestamp: time.Now().UTC()}
}

// Meta returns the metadata value for key and whether it exists.
func (r *NodeResult) Meta(key string) (any, bool) {
	if r == nil || r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}
