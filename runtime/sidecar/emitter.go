package sidecar

import (
	"encoding/json"
	"sync"
)

// emitter is the push channel to one client. The queue is bounded with a
// drop-oldest overflow policy so a slow client can never block the
// orchestrator's hot path.
type emitter struct {
	mu     sync.Mutex
	out    chan json.RawMessage
	closed bool
}

// newEmitter builds a bounded push channel. Zero or negative capacity uses
// the manager default; an unbuffered queue would turn the evict loop in push
// into a busy spin.
func newEmitter(capacity int) *emitter {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &emitter{out: make(chan json.RawMessage, capacity)}
}

// push enqueues a message, evicting the oldest queued message when full.
func (e *emitter) push(msg json.RawMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	for {
		select {
		case e.out <- msg:
			return true
		default:
		}
		select {
		case <-e.out:
		default:
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.out)
}
