package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the session or link has been closed.
	ErrClosed = errors.New("closed")

	// ErrCapacity indicates a send would exceed a bounded queue.
	// Backpressure, not failure: the caller decides to retry or drop.
	ErrCapacity = errors.New("send queue full")

	// ErrLeaseExpired indicates no activity was observed within the
	// lease and the session was closed ungracefully.
	ErrLeaseExpired = errors.New("lease expired")
)

// LinkError wraps a connect, accept, or I/O failure on one link.
// Recoverable while other links remain bonded to the session.
type LinkError struct {
	Op       string // "dial", "accept", "send", "recv"
	Endpoint string
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ProtocolError is a malformed handshake or frame. Always fatal to the
// session, never retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// HandshakeError is a peer's refusal to establish a session.
type HandshakeError struct {
	Reason   string
	CanRetry bool
}

func (e *HandshakeError) Error() string {
	return "handshake rejected: " + e.Reason
}
