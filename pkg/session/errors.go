package session

import "errors"

// Error kinds surfaced across the public API. See §7 of the design: internal
// errors are logged via the injected sink and otherwise only ever surface by
// mutating session state; these sentinels let callers classify a state
// transition with errors.Is after the fact, or classify a non-nil return from
// Connect/Update.
var (
	// ErrConfig indicates a missing or invalid config field for the selected
	// signaling mode.
	ErrConfig = errors.New("p2p: invalid configuration")

	// ErrResolve indicates the local UDP socket could not be bound.
	ErrResolve = errors.New("p2p: failed to bind local socket")

	// ErrSignalingTransport indicates the signaling transport (TCP connection,
	// KV store request) failed or returned malformed data.
	ErrSignalingTransport = errors.New("p2p: signaling transport error")

	// ErrSignalingTimeout indicates REGISTER/CONNECT retries were exhausted.
	ErrSignalingTimeout = errors.New("p2p: signaling timed out")

	// ErrPunchTimeout indicates direct hole-punching failed and the session
	// fell back to relay.
	ErrPunchTimeout = errors.New("p2p: nat punch timed out")

	// ErrHeartbeatLost indicates the connected/relay peer stopped responding
	// to keep-alives.
	ErrHeartbeatLost = errors.New("p2p: heartbeat lost")

	// ErrAuthMismatch indicates an AUTH packet's payload did not match the
	// configured key.
	ErrAuthMismatch = errors.New("p2p: auth mismatch")

	// ErrWindowFull indicates the reliable send window has no free slots.
	ErrWindowFull = errors.New("p2p: reliable send window full")

	// ErrNotReady indicates send/recv was called outside state connected or relay.
	ErrNotReady = errors.New("p2p: session not ready")

	// ErrClosed indicates an operation on a closed session.
	ErrClosed = errors.New("p2p: session closed")
)
