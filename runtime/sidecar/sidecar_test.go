package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainOne reads the next outbound message of a session and decodes it.
func drainOne(t *testing.T, s *Session) request {
	t.Helper()
	select {
	case raw, ok := <-s.Messages():
		require.True(t, ok, "stream closed unexpectedly")
		var req request
		require.NoError(t, json.Unmarshal(raw, &req))
		return req
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
		return request{}
	}
}

func TestCreateSessionPushesPing(t *testing.T) {
	m := NewManager()
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Close()

	ping := drainOne(t, s)
	assert.Equal(t, "2.0", ping.JSONRPC)
	assert.Equal(t, "ping", ping.Method)
	assert.Empty(t, ping.ID)

	info, ok := m.Client("c1")
	assert.True(t, ok)
	assert.Equal(t, "c1", info.ClientID)
	assert.Len(t, m.Clients(), 1)
}

func TestCreateSessionRequiresClientID(t *testing.T) {
	m := NewManager()
	_, err := m.CreateSession(context.Background(), "")
	assert.EqualError(t, err, "client id is required")
}

func TestSendRequestRoundTrip(t *testing.T) {
	m := NewManager()
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Close()
	drainOne(t, s) // ping

	go func() {
		req := drainOne(t, s)
		raw, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]any{"type": "text", "content": "hello"},
		})
		m.HandleResponse(context.Background(), raw)
	}()

	result, err := m.SendRequest(context.Background(), "c1", "agent/execute", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["content"])
}

func TestSendRequestNotConnected(t *testing.T) {
	m := NewManager()
	_, err := m.SendRequest(context.Background(), "ghost", "agent/execute", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRequestTimeout(t *testing.T) {
	m := NewManager(WithRequestTimeout(20 * time.Millisecond))
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Close()

	_, err = m.SendRequest(context.Background(), "c1", "agent/execute", nil)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "agent/execute", te.Method)

	// The pending entry is gone: a late response is dropped without effect.
	m.pmu.Lock()
	assert.Empty(t, m.pending)
	m.pmu.Unlock()
}

func TestSendRequestRPCError(t *testing.T) {
	m := NewManager()
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Close()
	drainOne(t, s)

	go func() {
		req := drainOne(t, s)
		raw := []byte(fmt.Sprintf(`{"id": %q, "error": {"code": -32000, "message": "tool crashed"}}`, req.ID))
		m.HandleResponse(context.Background(), raw)
	}()

	_, err = m.SendRequest(context.Background(), "c1", "agent/execute", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "tool crashed", rpcErr.Message)
}

func TestSendRequestCanceledContext(t *testing.T) {
	m := NewManager()
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.SendRequest(ctx, "c1", "agent/execute", nil)
	assert.ErrorIs(t, err, context.Canceled)

	m.pmu.Lock()
	assert.Empty(t, m.pending)
	m.pmu.Unlock()
}

func TestCloseFailsPendingRequests(t *testing.T) {
	m := NewManager()
	s, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	drainOne(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendRequest(context.Background(), "c1", "agent/execute", nil)
		errCh <- err
	}()
	drainOne(t, s) // wait until the request is on the wire

	s.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on close")
	}

	_, ok := m.Client("c1")
	assert.False(t, ok)
}

func TestReconnectReplacesSession(t *testing.T) {
	m := NewManager()
	first, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	drainOne(t, first)

	second, err := m.CreateSession(context.Background(), "c1")
	require.NoError(t, err)
	defer second.Close()

	// The first stream is closed by the reconnect.
	require.Eventually(t, func() bool {
		_, ok := <-first.Messages()
		return !ok
	}, time.Second, 5*time.Millisecond)

	// Closing the stale session must not tear down the new one.
	first.Close()
	_, ok := m.Client("c1")
	assert.True(t, ok)
	m.SendNotification(context.Background(), "c1", "status", nil)
	drainOne(t, second) // ping
	note := drainOne(t, second)
	assert.Equal(t, "status", note.Method)
}

func TestHandleResponseDropsUnmatched(t *testing.T) {
	m := NewManager()
	// None of these panic or block.
	m.HandleResponse(context.Background(), []byte("not json"))
	m.HandleResponse(context.Background(), []byte(`{"result": {}}`))
	m.HandleResponse(context.Background(), []byte(`{"id": "unknown", "result": {}}`))
}

func TestEmitterDropsOldestWhenFull(t *testing.T) {
	e := newEmitter(2)
	require.True(t, e.push(json.RawMessage(`"first"`)))
	require.True(t, e.push(json.RawMessage(`"second"`)))
	require.True(t, e.push(json.RawMessage(`"third"`)))

	assert.Equal(t, json.RawMessage(`"second"`), <-e.out)
	assert.Equal(t, json.RawMessage(`"third"`), <-e.out)

	e.close()
	assert.False(t, e.push(json.RawMessage(`"late"`)))
	_, ok := <-e.out
	assert.False(t, ok)
}

func TestEmitterZeroCapacityUsesDefault(t *testing.T) {
	// An unbuffered queue would spin forever in push's evict loop.
	e := newEmitter(0)
	assert.Equal(t, defaultQueueCap, cap(e.out))
	require.True(t, e.push(json.RawMessage(`"msg"`)))
	assert.Equal(t, json.RawMessage(`"msg"`), <-e.out)

	m := NewManager(WithQueueCapacity(0))
	assert.Equal(t, defaultQueueCap, m.queueCap)
}
