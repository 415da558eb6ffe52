package signaling

import (
	"context"
	"time"
)

// Subscription is a live watch on channel state. Close detaches the
// watcher; it is idempotent and safe to call from watch callbacks.
type Subscription interface {
	Close()
}

// Channel is the signaling medium for 1:1 calls: an observable document
// store keyed by call ID supporting write-once field sets, append-only
// candidate collections, and change subscription.
//
// Delivery semantics: WatchCall is at-least-once full-snapshot delivery
// (callbacks must tolerate redundant snapshots); WatchCandidates
// delivers each appended candidate exactly once per watcher, replaying
// entries that existed when the watch was attached. No ordering is
// guaranteed across the two.
type Channel interface {
	// CreateCall stores a fresh call record. Fails with ErrWriteConflict
	// if a record with that ID already exists.
	CreateCall(ctx context.Context, record *CallRecord) error

	// UpdateCall merges the non-nil fields of update into the record.
	// Fails with ErrNotFound if the record no longer exists and with
	// ErrWriteConflict if the update re-writes a write-once field or
	// regresses the status.
	UpdateCall(ctx context.Context, callID string, update CallUpdate) error

	// GetCall returns a snapshot of the record.
	GetCall(ctx context.Context, callID string) (*CallRecord, error)

	// AppendCandidate appends one candidate to the given side's
	// collection.
	AppendCandidate(ctx context.Context, callID string, side CandidateSide, cand Candidate) error

	// ClearCandidates drops all candidates on the given side. Used by
	// the callee to discard stale entries before writing a fresh answer.
	ClearCandidates(ctx context.Context, callID string, side CandidateSide) error

	// WatchCall delivers the current record snapshot and every
	// subsequent one.
	WatchCall(ctx context.Context, callID string, fn func(*CallRecord)) (Subscription, error)

	// WatchCandidates streams the given side's candidate collection.
	WatchCandidates(ctx context.Context, callID string, side CandidateSide, fn func(Candidate)) (Subscription, error)

	// WatchIncoming delivers calls of the given kind where the user is
	// the callee and the status still needs attention (offering or
	// ringing).
	WatchIncoming(ctx context.Context, userID string, kind CallKind, fn func(*CallRecord)) (Subscription, error)
}

// SyncStore is the matchmaking half of the signaling medium: the
// waiting pool, sync call records, and their chat collections.
type SyncStore interface {
	// JoinQueue upserts the user's waiting-pool entry with the given
	// timestamp.
	JoinQueue(ctx context.Context, userID string, ts time.Time) error

	// LeaveQueue removes the user's entry if present. Absence is not an
	// error.
	LeaveQueue(ctx context.Context, userID string) error

	// TryMatch atomically consumes the waiting-pool entry of a different
	// user and creates an active SyncCall pairing the two. Fails with
	// ErrNoPeerWaiting when the pool holds no other user and with
	// ErrWriteConflict when the chosen entry was consumed by a
	// concurrent matcher; callers retry after a randomized backoff.
	TryMatch(ctx context.Context, userID string, now time.Time) (*SyncCall, error)

	// GetSyncCall returns a snapshot of the sync call.
	GetSyncCall(ctx context.Context, callID string) (*SyncCall, error)

	// EndSyncCall marks the sync call ended. Ending an already-ended
	// call is a no-op.
	EndSyncCall(ctx context.Context, callID string) error

	// AppendMessage appends one chat message to the sync call.
	AppendMessage(ctx context.Context, callID string, msg ChatMessage) error

	// WatchSyncCalls delivers every sync call the user participates in:
	// the active one at attach time, newly created pairings, and status
	// flips to ended.
	WatchSyncCalls(ctx context.Context, userID string, fn func(*SyncCall)) (Subscription, error)

	// WatchMessages streams the sync call's chat collection ordered by
	// timestamp ascending, replaying entries that existed at attach
	// time.
	WatchMessages(ctx context.Context, callID string, fn func(ChatMessage)) (Subscription, error)
}
