// Package lease implements the distributed ownership protocol for workflow
// executions. Every executor process has a persistent server node id; each
// non-terminal snapshot it writes carries that id and a heartbeat timestamp.
// A heartbeat job keeps owned snapshots fresh, and a sweeper job claims
// snapshots whose owner went silent and resumes them locally. Claims are
// single atomic conditional updates, so concurrent sweepers cannot claim the
// same execution twice.
package lease

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/store"
	"github.com/weftworks/loom/runtime/telemetry"
)

type (
	// Resumer continues a claimed execution from its last checkpoint. The
	// execution service satisfies it.
	Resumer interface {
		Resume(ctx context.Context, snap *state.Snapshot) error
	}

	// ResumerFunc adapts a function to the Resumer interface.
	ResumerFunc func(ctx context.Context, snap *state.Snapshot) error

	// Coordinator runs the heartbeat and sweeper jobs for one executor
	// process.
	Coordinator struct {
		serverNodeID string
		states       store.StateRepository
		resumer      Resumer
		logger       telemetry.Logger
		metrics      telemetry.Metrics

		heartbeatInterval time.Duration
		recoveryInterval  time.Duration
		staleThreshold    time.Duration

		stop     chan struct{}
		stopOnce sync.Once
		wg       sync.WaitGroup
	}

	// CoordinatorOption configures a Coordinator.
	CoordinatorOption func(*Coordinator)
)

// WithIntervals overrides the heartbeat, recovery, and stale-threshold
// durations.
func WithIntervals(heartbeat, recovery, stale time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.heartbeatInterval = heartbeat
		c.recoveryInterval = recovery
		c.staleThreshold = stale
	}
}

// WithTelemetry installs the coordinator's logger and metrics.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
		c.metrics = metrics
	}
}

// NewCoordinator constructs a coordinator for the given server node id.
func NewCoordinator(serverNodeID string, states store.StateRepository, resumer Resumer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		serverNodeID:      serverNodeID,
		states:            states,
		resumer:           resumer,
		logger:            telemetry.NoopLogger{},
		metrics:           telemetry.NoopMetrics{},
		heartbeatInterval: 30 * time.Second,
		recoveryInterval:  60 * time.Second,
		staleThreshold:    90 * time.Second,
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume implements Resumer.
func (f ResumerFunc) Resume(ctx context.Context, snap *state.Snapshot) error {
	return f(ctx, snap)
}

// ServerNodeID returns the process's node identity.
func (c *Coordinator) ServerNodeID() string { return c.serverNodeID }

// Start launches the heartbeat and sweeper jobs. Stop terminates them.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.loop(ctx, c.heartbeatInterval, c.heartbeat)
	go c.loop(ctx, c.recoveryInterval, c.sweep)
}

// Stop terminates the background jobs and waits for them to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat refreshes lastHeartbeatAt on every non-terminal snapshot this
// node owns.
func (c *Coordinator) heartbeat(ctx context.Context) {
	n, err := c.states.UpdateHeartbeats(ctx, c.serverNodeID, time.Now().UTC())
	if err != nil {
		c.logger.Error(ctx, "heartbeat update failed", "server_node_id", c.serverNodeID, "err", err)
		return
	}
	if n > 0 {
		c.logger.Debug(ctx, "heartbeats refreshed", "count", n)
	}
	c.metrics.RecordGauge("lease.owned", float64(n))
}

// sweep claims non-terminal snapshots whose heartbeat is older than the stale
// threshold and resumes them. The original owner is never canceled: its next
// save observes the changed owner and aborts with a lease error.
func (c *Coordinator) sweep(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-c.staleThreshold)
	claimed, err := c.states.ClaimStaleExecutions(ctx, c.serverNodeID, staleBefore)
	if err != nil {
		c.logger.Error(ctx, "stale execution sweep failed", "err", err)
		return
	}
	for _, snap := range claimed {
		c.logger.Info(ctx, "claimed stale execution",
			"execution_id", snap.ExecutionID, "workflow_id", snap.WorkflowID,
			"current_node", snap.CurrentNodeID)
		c.metrics.IncCounter("lease.claimed", 1)
		snap := snap
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.resumer.Resume(ctx, snap); err != nil {
				c.logger.Error(ctx, "resume of claimed execution failed",
					"execution_id", snap.ExecutionID, "err", err)
			}
		}()
	}
}

// LoadOrCreateNodeID returns the persistent server node id stored at path,
// creating and persisting a fresh UUID when the file does not exist.
func LoadOrCreateNodeID(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
