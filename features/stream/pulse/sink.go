// Package pulse publishes execution stream events to goa.design/pulse streams
// backed by Redis. One Pulse stream per execution keeps per-client fan-out
// (SSE, WebSocket bridges) a plain consumer-group read.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftworks/loom/features/stream/pulse/clients/pulse"
	"github.com/weftworks/loom/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to "execution/<ExecutionID>".
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes execution events into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(stream.Event) (string, error)
	}

	// envelope is the wire form of a published event.
	envelope struct {
		// Type identifies the event kind (e.g. "node_started").
		Type string `json:"type"`
		// ExecutionID links the event to a workflow execution.
		ExecutionID string `json:"execution_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	name, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:        string(event.Type()),
		ExecutionID: event.ExecutionID(),
		Timestamp:   time.Now().UTC(),
		Payload:     event.Payload(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases sink resources by delegating to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.ExecutionID() == "" {
		return "", errors.New("stream event missing execution id")
	}
	return fmt.Sprintf("execution/%s", event.ExecutionID()), nil
}
