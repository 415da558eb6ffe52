package match

import "errors"

// Sentinel errors for matchmaking operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrAlreadyInCall indicates the user already has an active sync
	// call; matchmaking re-entry is rejected.
	ErrAlreadyInCall = errors.New("already in a sync call")

	// ErrNotInCall indicates no sync call is active.
	ErrNotInCall = errors.New("not in a sync call")

	// ErrMatcherClosed indicates the matcher has been shut down.
	ErrMatcherClosed = errors.New("matcher closed")
)
