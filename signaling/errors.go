package signaling

import "errors"

// Sentinel errors for signaling channel operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrWriteConflict indicates a mutation raced with a concurrent writer,
	// for example creating a call record whose ID already exists, or a
	// matchmaking transaction whose peer entry was consumed before commit.
	ErrWriteConflict = errors.New("signaling write conflict")

	// ErrNotFound indicates the targeted record no longer exists.
	ErrNotFound = errors.New("signaling record not found")

	// ErrNoPeerWaiting indicates the matchmaking pool held no entry
	// belonging to a different user.
	ErrNoPeerWaiting = errors.New("no peer waiting in queue")

	// ErrChannelClosed indicates the channel has been shut down and no
	// further operations are accepted.
	ErrChannelClosed = errors.New("signaling channel closed")
)
