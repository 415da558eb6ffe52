package peer

import (
	"errors"
	"strings"
)

var (
	// ErrMediaAccessDenied indicates the local capture device refused
	// permission. Surfaced to the user, never retried automatically.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrAdapterClosed indicates the adapter has been destroyed and no
	// longer accepts signals.
	ErrAdapterClosed = errors.New("peer adapter closed")
)

// expectedAbortSubstrings mark peer connection errors caused by a
// deliberate local or remote teardown rather than a genuine failure.
var expectedAbortSubstrings = []string{
	"User-Initiated Abort",
	"use of closed",
	"connection closed",
	"aborted",
}

// ExpectedAbort reports whether the error is a user-initiated or
// teardown-time abort. Such errors follow the normal close path and are
// not logged as failures.
func ExpectedAbort(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range expectedAbortSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
