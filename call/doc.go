// Package call implements the per-kind call state machine that drives
// a peer adapter through the signaling channel.
//
// One Manager exists per user per call kind (voice or video). The
// manager owns the full call lifecycle: starting outgoing calls,
// surfacing and answering incoming ones, exchanging offer, answer and
// ICE candidates through the channel, ring timeouts on both sides, and
// idempotent cleanup.
//
// The persisted lifecycle is
//
//	offering -> ringing -> answered -> {ended | declined | missed}
//
// with the local pre-call condition (idle) represented by the absence
// of an active session. Status transitions are monotonic; the channel
// rejects regressions and the manager ignores stale snapshots.
//
// Watch delivery is at-least-once, so the side effects of applying a
// remote offer or answer are guarded by one-shot latches that are part
// of the session state.
package call
