package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLocalStream is returned by CallPeer before a local stream is set.
	ErrNoLocalStream = errors.New("local stream not set")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
	// ErrUnknownPeer is returned when a signal references a peer with no session.
	ErrUnknownPeer = errors.New("unknown peer")
)

// TransportError wraps a failure of the signal store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a malformed signal envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope %s: %s", e.Field, e.Reason)
}

// NegotiationError wraps a WebRTC API failure for one peer.
type NegotiationError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
