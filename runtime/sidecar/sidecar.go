// Package sidecar implements the JSON-RPC 2.0 split-pipe session manager that
// connects the orchestrator to external tool and handler processes. The server
// pushes requests and notifications down a per-client stream; responses come
// back on a separate pipe and are correlated to their pending request strictly
// by request id.
//
// One process-wide Manager serves every client. The emitter map and the
// pending request map are concurrent hot paths: emitters use bounded
// drop-oldest queues, and every terminal path of a request removes its
// pending entry.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/loom/runtime/telemetry"
)

type (
	// Manager is the process-wide JSON-RPC session manager.
	Manager struct {
		mu       sync.RWMutex
		emitters map[string]*emitter
		clients  map[string]ClientInfo

		pmu     sync.Mutex
		pending map[string]*pendingRequest

		timeout  time.Duration
		queueCap int
		logger   telemetry.Logger
	}

	// ClientInfo describes a connected client.
	ClientInfo struct {
		ClientID    string
		ConnectedAt time.Time
	}

	// Session is the outbound stream of one client. Messages delivers encoded
	// JSON-RPC requests and notifications; the client owns draining it. Close
	// terminates the session, abandoning any requests still pending for the
	// client.
	Session struct {
		ClientID string

		manager *Manager
		emit    *emitter
		once    sync.Once
	}

	// Option configures a Manager.
	Option func(*Manager)

	pendingRequest struct {
		clientID string
		method   string
		done     chan outcome
	}

	outcome struct {
		result map[string]any
		err    error
	}

	request struct {
		JSONRPC string         `json:"jsonrpc"`
		ID      string         `json:"id,omitempty"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params,omitempty"`
	}

	response struct {
		ID     string          `json:"id"`
		Result map[string]any  `json:"result"`
		Error  *errorObject    `json:"error"`
		Raw    json.RawMessage `json:"-"`
	}

	errorObject struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

const (
	defaultTimeout  = 60 * time.Second
	defaultQueueCap = 128
)

// WithRequestTimeout overrides the default 60s response timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithQueueCapacity overrides the per-client outbound queue capacity. Zero or
// negative values keep the default of 128.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueCap = n
		}
	}
}

// WithLogger installs the manager's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		emitters: make(map[string]*emitter),
		clients:  make(map[string]ClientInfo),
		pending:  make(map[string]*pendingRequest),
		timeout:  defaultTimeout,
		queueCap: defaultQueueCap,
		logger:   telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession registers a push stream for the client and returns it. An
// existing session for the same client is terminated first. The new stream
// starts with a ping notification so clients can confirm liveness
// immediately.
func (m *Manager) CreateSession(ctx context.Context, clientID string) (*Session, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	emit := newEmitter(m.queueCap)

	m.mu.Lock()
	if old, ok := m.emitters[clientID]; ok {
		old.close()
	}
	m.emitters[clientID] = emit
	m.clients[clientID] = ClientInfo{ClientID: clientID, ConnectedAt: time.Now().UTC()}
	m.mu.Unlock()

	s := &Session{ClientID: clientID, manager: m, emit: emit}
	m.pushMessage(ctx, clientID, request{JSONRPC: "2.0", Method: "ping"})
	m.logger.Info(ctx, "sidecar session created", "client_id", clientID)
	return s, nil
}

// Messages returns the session's outbound message stream. The channel closes
// when the session terminates.
func (s *Session) Messages() <-chan json.RawMessage { return s.emit.out }

// Close terminates the session: the emitter is removed, the client purged,
// and every request still pending for the client fails with a cancellation
// error. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() { s.manager.terminate(s.ClientID, s.emit) })
}

func (m *Manager) terminate(clientID string, emit *emitter) {
	m.mu.Lock()
	// Only remove the registration if it still belongs to this session; a
	// reconnect may have replaced it already.
	if cur, ok := m.emitters[clientID]; ok && cur == emit {
		delete(m.emitters, clientID)
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	emit.close()

	m.pmu.Lock()
	var abandoned []*pendingRequest
	for id, p := range m.pending {
		if p.clientID == clientID {
			abandoned = append(abandoned, p)
			delete(m.pending, id)
		}
	}
	m.pmu.Unlock()
	for _, p := range abandoned {
		p.done <- outcome{err: fmt.Errorf("session closed: %w", context.Canceled)}
	}
}

// Client returns the client info and whether the client is connected.
func (m *Manager) Client(clientID string) (ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.clients[clientID]
	return info, ok
}

// Clients lists the connected clients.
func (m *Manager) Clients() []ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(m.clients))
	for _, info := range m.clients {
		infos = append(infos, info)
	}
	return infos
}

// SendRequest pushes a JSON-RPC request to the client and waits for the
// matching response. It fails fast with ErrNotConnected when the client has
// no live session, with TimeoutError after the manager's timeout, and with
// RPCError when the response carries an error object. The pending entry is
// removed on every terminal path.
func (m *Manager) SendRequest(ctx context.Context, clientID, method string, params map[string]any) (map[string]any, error) {
	m.mu.RLock()
	_, connected := m.emitters[clientID]
	m.mu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("send %q to %q: %w", method, clientID, ErrNotConnected)
	}

	requestID := uuid.NewString()
	p := &pendingRequest{clientID: clientID, method: method, done: make(chan outcome, 1)}
	m.pmu.Lock()
	m.pending[requestID] = p
	m.pmu.Unlock()

	if !m.pushMessage(ctx, clientID, request{JSONRPC: "2.0", ID: requestID, Method: method, Params: params}) {
		m.removePending(requestID)
		return nil, fmt.Errorf("send %q to %q: %w", method, clientID, ErrNotConnected)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case out := <-p.done:
		// terminate or HandleResponse already removed the entry.
		return out.result, out.err
	case <-timer.C:
		m.removePending(requestID)
		return nil, &TimeoutError{Method: method}
	case <-ctx.Done():
		m.removePending(requestID)
		return nil, ctx.Err()
	}
}

// SendNotification pushes a fire-and-forget JSON-RPC notification. Delivery
// failures are logged and dropped.
func (m *Manager) SendNotification(ctx context.Context, clientID, method string, params map[string]any) {
	if !m.pushMessage(ctx, clientID, request{JSONRPC: "2.0", Method: method, Params: params}) {
		m.logger.Warn(ctx, "notification dropped", "client_id", clientID, "method", method)
	}
}

// HandleResponse completes the pending request matching the response's id.
// Responses without an id or with no matching pending entry are logged and
// dropped; correlation is strictly by request id, so concurrent responses
// from many clients are safe.
func (m *Manager) HandleResponse(ctx context.Context, raw []byte) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.logger.Warn(ctx, "unparseable json-rpc response dropped", "err", err)
		return
	}
	if resp.ID == "" {
		m.logger.Warn(ctx, "json-rpc response without id dropped")
		return
	}
	p := m.removePending(resp.ID)
	if p == nil {
		m.logger.Warn(ctx, "json-rpc response with no pending request dropped", "request_id", resp.ID)
		return
	}
	if resp.Error != nil {
		p.done <- outcome{err: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
		return
	}
	p.done <- outcome{result: resp.Result}
}

func (m *Manager) removePending(requestID string) *pendingRequest {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p, ok := m.pending[requestID]
	if !ok {
		return nil
	}
	delete(m.pending, requestID)
	return p
}

func (m *Manager) pushMessage(ctx context.Context, clientID string, msg request) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error(ctx, "marshal json-rpc message", "client_id", clientID, "method", msg.Method, "err", err)
		return false
	}
	m.mu.RLock()
	emit, ok := m.emitters[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return emit.push(raw)
}
