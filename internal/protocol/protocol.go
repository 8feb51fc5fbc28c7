// Package protocol holds the wire constants shared by the relay and the
// talker client.
//
// Each audio frame travels as one binary WebSocket message. The relay never
// inspects payloads; text messages (upstream control events) pass through
// unchanged.
package protocol

import (
	"errors"

	"github.com/coder/websocket"
)

const (
	// DefaultPath is the realtime route served by the relay.
	DefaultPath = "/realtime"

	// EndpointMessage is the plain-text body answered to non-upgrade GET and
	// POST requests on the realtime route.
	EndpointMessage = "WebSocket endpoint for talking objects audio API"

	// DefaultMaxFrameBytes caps a single message on any leg.
	DefaultMaxFrameBytes = 64 << 10
)

// StatusUpstreamUnavailable is the close code the relay sends downstream
// when the upstream leg cannot be opened or fails mid-session. It lives in
// the 4000-4999 range reserved for applications.
const StatusUpstreamUnavailable websocket.StatusCode = 4502

// ReasonUpstreamUnavailable accompanies [StatusUpstreamUnavailable].
const ReasonUpstreamUnavailable = "upstream unavailable"

// ReasonShuttingDown accompanies [websocket.StatusGoingAway] during relay
// shutdown.
const ReasonShuttingDown = "relay shutting down"

// IsUpstreamUnavailable reports whether err carries the
// [StatusUpstreamUnavailable] close code.
func IsUpstreamUnavailable(err error) bool {
	return err != nil && websocket.CloseStatus(err) == StatusUpstreamUnavailable
}

// IsNormalClosure reports whether err is a clean close handshake.
func IsNormalClosure(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure
}
