package relay

import "errors"

var (
	// ErrUpstreamUnavailable is returned when the upstream leg cannot be
	// opened: dial failure, handshake rejection, timeout or an open breaker.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")

	// ErrShuttingDown is the teardown cause for links closed by
	// [Service.Shutdown].
	ErrShuttingDown = errors.New("relay: shutting down")

	// ErrAtCapacity is reported by the capacity readiness check.
	ErrAtCapacity = errors.New("relay: at link capacity")
)
