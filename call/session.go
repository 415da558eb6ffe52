package call

import (
	"time"

	"github.com/anonsoc/callcore/peer"
	"github.com/anonsoc/callcore/signaling"
)

// signalPhase records whether a one-shot side effect has been applied
// for the lifetime of a call. Watch delivery is at-least-once, so the
// phase is part of the session state rather than a loose guard flag.
type signalPhase uint8

const (
	phaseNotSignaled signalPhase = iota
	phaseSignaled
)

// session is one active call owned by a manager: the adapter, the local
// media stream, the channel subscriptions, and the one-shot latches.
// All fields are guarded by the manager's mutex.
type session struct {
	record *signaling.CallRecord
	role   signaling.CandidateSide

	adapter peer.Adapter
	stream  peer.MediaStream
	subs    []signaling.Subscription

	// offerPhase latches applying the offer: for the caller, writing it
	// to the channel; for the callee, feeding it into the adapter.
	offerPhase signalPhase
	// answerPhase latches applying the answer symmetrically.
	answerPhase signalPhase

	lastStatus        signaling.CallStatus
	terminalScheduled bool
	missedNotified    bool
	ringTimer         *time.Timer
	cleaned           bool
}

// pendingIncoming is an incoming call surfaced to the user but not yet
// accepted or declined. Guarded by the manager's mutex; done marks the
// prompt consumed (accepted, declined, timed out, or remotely ended).
type pendingIncoming struct {
	record *signaling.CallRecord
	sub    signaling.Subscription
	timer  *time.Timer
	done   bool
}

// MissedCall is the notification payload produced exactly once when an
// outgoing call rings unanswered past the ring timeout.
type MissedCall struct {
	CalleeID string
	Kind     signaling.CallKind
}
