package client

import (
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

var (
	// ErrTransport matches every [*TransportError] via errors.Is.
	ErrTransport = errors.New("client: transport failure")

	// ErrNotConnected is returned by Send outside the OPEN state.
	ErrNotConnected = errors.New("client: session not connected")

	// ErrConnectInFlight is returned when Connect is called while another
	// Connect on the same session has not finished.
	ErrConnectInFlight = errors.New("client: connect already in flight")

	// ErrInvalidState is returned by Connect on a session that has left IDLE.
	ErrInvalidState = errors.New("client: invalid session state")

	// ErrUpstreamUnavailable means the relay is reachable but could not reach
	// the realtime API.
	ErrUpstreamUnavailable = errors.New("client: upstream unavailable")

	// ErrOutOfOrder is returned when an outbound frame's sequence does not
	// advance past the last accepted one.
	ErrOutOfOrder = errors.New("client: frame sequence out of order")

	// ErrFrameTooLarge is returned for payloads above the frame limit.
	ErrFrameTooLarge = errors.New("client: frame too large")

	// ErrSendQueueFull is returned when the writer has fallen behind.
	ErrSendQueueFull = errors.New("client: send queue full")

	// ErrWrongDirection is returned when Send receives an inbound frame.
	ErrWrongDirection = errors.New("client: frame is not outbound")

	// ErrClosed is returned by Connect when Close interrupted it.
	ErrClosed = errors.New("client: session closed")
)

// TransportError describes a failure of the connection to the relay.
type TransportError struct {
	// Op is the failed operation: "connect", "read" or "write".
	Op string

	// Status is the WebSocket close status, or -1 when the connection ended
	// without a close frame.
	Status websocket.StatusCode

	Err error
}

func (e *TransportError) Error() string {
	if e.Status >= 0 {
		return fmt.Sprintf("client: transport %s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("client: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports true for [ErrTransport].
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
