package sidecar

import (
	"errors"
	"fmt"
)

// ErrNotConnected reports that no live session exists for the client.
var ErrNotConnected = errors.New("client is not connected")

// TimeoutError reports that a request received no response in time.
type TimeoutError struct {
	Method string
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out", e.Method)
}

// RPCError surfaces a JSON-RPC error object returned by the client.
type RPCError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}
