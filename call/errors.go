package call

import "errors"

// Sentinel errors for call state machine operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrCallAlreadyActive indicates this manager already tracks a call;
	// only one call per user per kind may be active.
	ErrCallAlreadyActive = errors.New("call already active")

	// ErrNoIncomingCall indicates there is no pending incoming call to
	// accept or decline.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNoActiveCall indicates there is no established call to hang up.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidCallee indicates the callee identifier is empty or names
	// the caller itself; a call needs two distinct participants.
	ErrInvalidCallee = errors.New("invalid callee")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("call manager closed")
)
