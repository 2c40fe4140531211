package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
var (
	// ErrConversationNotFound means the backend no longer knows the
	// conversation (process restarted or session evicted).
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrTurnNotFound means the turn being interrupted is already over.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrBackendExited is returned for calls pending or issued after the
	// backend process or connection went away.
	ErrBackendExited = errors.New("backend exited")

	// ErrClosed is returned when the client was closed locally.
	ErrClosed = errors.New("client closed")

	// ErrUnknownRequest is returned when answering a server request the
	// client has no record of.
	ErrUnknownRequest = errors.New("unknown server request")
)

// JSON-RPC error codes the app-server uses for stale references.
const (
	ErrCodeParseError       = -32700
	ErrCodeInvalidRequest   = -32600
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternalError    = -32603
	ErrCodeResourceNotFound = -32001
)

// RPCError is an error response reported by the backend.
type RPCError struct {
	Method  string
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps stale-reference responses to their sentinel so callers can
// use errors.Is.
func (e *RPCError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "conversation not found"),
		strings.Contains(msg, "thread not found"),
		e.Code == ErrCodeResourceNotFound && strings.Contains(msg, "conversation"):
		return ErrConversationNotFound
	case strings.Contains(msg, "turn not found"),
		strings.Contains(msg, "no active turn"),
		strings.Contains(msg, "no running task"):
		return ErrTurnNotFound
	}
	return nil
}

// TransportError means the call never reached the backend or the
// connection failed mid-call. The operation must be assumed to have had no
// effect.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a protocol-level error (e.g., malformed JSON).
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ProcessError represents a failure of the backend subprocess.
type ProcessError struct {
	Cause    error
	Message  string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.ExitCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// IsTransport reports whether err is a transport-level failure, including
// a backend exit.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrBackendExited) || errors.Is(err, ErrClosed)
}
