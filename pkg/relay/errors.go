package relay

import "errors"

// Failure taxonomy surfaced by the session manager. Callers match with
// errors.Is; the gateway and the REST layer translate these into viewer error
// events and HTTP statuses instead of letting them cross into the transport.
var (
	// ErrInvalidCredentials means the connect parameters were malformed or
	// missing. No upstream call was attempted.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrConnectFailed means the upstream rejected the handshake.
	ErrConnectFailed = errors.New("connect failed")

	// ErrUpstreamUnavailable means an operation was attempted without a live
	// session.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrChannelNotFound means channel metadata resolution failed.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrDeliveryFailed means the upstream rejected a send.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrTransport is a generic upstream I/O fault.
	ErrTransport = errors.New("transport error")
)
