package ipc

import "errors"

// Error kinds surfaced to callers of the public operations. Callers should
// compare with errors.Is, since some are wrapped with additional context.
var (
	// ErrAuthRejected is returned when the remote peer closed the handshake
	// with ok:false.
	ErrAuthRejected = errors.New("ipc: auth rejected")

	// ErrNoSlotAvailable is returned when dynamic discovery exhausted the
	// configured port range without finding a master to join or a free
	// port to bind.
	ErrNoSlotAvailable = errors.New("ipc: no slot available in port range")

	// ErrNoSuchLabel is returned by a directed send or request_many that
	// resolved to zero connections.
	ErrNoSuchLabel = errors.New("ipc: no connections for label")

	// ErrDisconnected is returned to pending requests when the underlying
	// link to the master drops.
	ErrDisconnected = errors.New("ipc: disconnected")

	// ErrPeerGone is returned to a pending request when an addressed
	// recipient disappeared before responding.
	ErrPeerGone = errors.New("ipc: peer gone")

	// ErrBadEnvelope is returned when an inbound frame failed to decode or
	// lacked required fields.
	ErrBadEnvelope = errors.New("ipc: bad envelope")

	// ErrCancelled is returned to a pending request that was explicitly
	// cancelled.
	ErrCancelled = errors.New("ipc: cancelled")

	// ErrConfigError is returned at construction time when both url and
	// host are supplied.
	ErrConfigError = errors.New("ipc: both url and host specified")

	// ErrNotConnected is returned by operations that require an active
	// link or bound master and are called before Connect succeeds.
	ErrNotConnected = errors.New("ipc: not connected")
)
