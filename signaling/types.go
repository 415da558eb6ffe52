package signaling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes voice from video calls. Both kinds share the
// same record shape and lifecycle; the kind determines which media
// tracks the peer layer acquires.
type CallKind uint8

const (
	// KindVoice is an audio-only call.
	KindVoice CallKind = iota
	// KindVideo is an audio+video call.
	KindVideo
)

// String returns a human-readable name for the call kind.
func (k CallKind) String() string {
	switch k {
	case KindVoice:
		return "voice"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CallStatus represents the shared lifecycle state of a call record.
//
// The ordering of the constants is significant: transitions are only
// permitted forward (see CanAdvance), so the observed status sequence
// of any call is a subsequence of
// offering, ringing, answered, {ended|declined|missed}.
type CallStatus uint8

const (
	// StatusOffering indicates the caller has created the record and is
	// producing its session offer.
	StatusOffering CallStatus = iota
	// StatusRinging indicates the offer has been written and the callee
	// should be alerted.
	StatusRinging
	// StatusAnswered indicates the callee accepted and wrote its answer.
	StatusAnswered
	// StatusEnded indicates the call finished (hang up from either side).
	StatusEnded
	// StatusDeclined indicates the callee rejected the call.
	StatusDeclined
	// StatusMissed indicates the ring timeout expired unanswered.
	StatusMissed
)

// String returns the wire/storage name of the status.
func (s CallStatus) String() string {
	switch s {
	case StatusOffering:
		return "offering"
	case StatusRinging:
		return "ringing"
	case StatusAnswered:
		return "answered"
	case StatusEnded:
		return "ended"
	case StatusDeclined:
		return "declined"
	case StatusMissed:
		return "missed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseCallStatus converts a storage name back into a CallStatus.
func ParseCallStatus(s string) (CallStatus, error) {
	switch s {
	case "offering":
		return StatusOffering, nil
	case "ringing":
		return StatusRinging, nil
	case "answered":
		return StatusAnswered, nil
	case "ended":
		return StatusEnded, nil
	case "declined":
		return StatusDeclined, nil
	case "missed":
		return StatusMissed, nil
	default:
		return 0, fmt.Errorf("unknown call status %q", s)
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// rank maps a status onto the monotonic progression. All terminal
// statuses share the highest rank so none can replace another.
func (s CallStatus) rank() int {
	switch s {
	case StatusOffering:
		return 0
	case StatusRinging:
		return 1
	case StatusAnswered:
		return 2
	default:
		return 3
	}
}

// CanAdvance reports whether a transition from s to next is legal.
// Backward transitions and any transition out of a terminal status are
// rejected; setting the same status again is allowed (at-least-once
// writers may repeat themselves). Declined and missed both mean the
// call was never established, so they are reachable only before
// answered; a decline racing an answer resolves to ended instead.
func (s CallStatus) CanAdvance(next CallStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusDeclined, StatusMissed:
		return s == StatusOffering || s == StatusRinging
	default:
		return next.rank() > s.rank()
	}
}

// SessionDescription is an opaque negotiation payload (an offer or an
// answer) produced by the media layer. The signaling layer never
// inspects the SDP body.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is a single opaque ICE candidate payload. The peer layer
// encodes candidates before appending them and decodes them on receipt;
// the signaling layer treats them as uninterpreted strings.
type Candidate string

// CandidateSide identifies which append-only candidate collection a
// candidate belongs to. Each side writes its own collection and streams
// the other side's.
type CandidateSide uint8

const (
	// SideCaller is the collection written by the call's initiator.
	SideCaller CandidateSide = iota
	// SideAnswer is the collection written by the callee.
	SideAnswer
)

// String returns the storage name of the side.
func (c CandidateSide) String() string {
	if c == SideCaller {
		return "caller"
	}
	return "answer"
}

// Opposite returns the collection the side should watch.
func (c CandidateSide) Opposite() CandidateSide {
	if c == SideCaller {
		return SideAnswer
	}
	return SideCaller
}

// CallRecord is the shared, collaboratively mutated state of one 1:1
// call. The record is the single source of truth for the call; both
// sides mutate disjoint fields (the caller writes Offer and the
// offering/ringing statuses, the callee writes Answer and the
// answered/declined statuses, either side writes ended).
type CallRecord struct {
	ID             string              `json:"id"`
	Kind           CallKind            `json:"kind"`
	CallerID       string              `json:"callerId"`
	CalleeID       string              `json:"calleeId"`
	ParticipantIDs [2]string           `json:"participantIds"`
	Status         CallStatus          `json:"status"`
	Offer          *SessionDescription `json:"offer,omitempty"`
	Answer         *SessionDescription `json:"answer,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// NewCallRecord builds a record for a fresh call in StatusOffering with
// a generated ID and the participant pair in sorted order.
func NewCallRecord(kind CallKind, callerID, calleeID string, now time.Time) *CallRecord {
	return &CallRecord{
		ID:             uuid.NewString(),
		Kind:           kind,
		CallerID:       callerID,
		CalleeID:       calleeID,
		ParticipantIDs: SortParticipants(callerID, calleeID),
		Status:         StatusOffering,
		CreatedAt:      now,
	}
}

// Clone returns a deep copy of the record so watchers can hold
// snapshots without aliasing store state.
func (r *CallRecord) Clone() *CallRecord {
	cp := *r
	if r.Offer != nil {
		o := *r.Offer
		cp.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		cp.Answer = &a
	}
	return &cp
}

// SortParticipants returns the pair in lexicographic order, the form
// used for membership queries.
func SortParticipants(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// CallUpdate is a field-merge patch for a call record. Nil fields are
// left untouched. Offer and Answer are write-once: a second write of
// either is rejected with ErrWriteConflict by conforming stores.
type CallUpdate struct {
	Status *CallStatus         `json:"status,omitempty"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// StatusUpdate is shorthand for a patch that only advances the status.
func StatusUpdate(s CallStatus) CallUpdate {
	return CallUpdate{Status: &s}
}

// QueueEntry is one user waiting in the matchmaking pool. At most one
// entry exists per user; the entry is removed the moment the user is
// matched or leaves.
type QueueEntry struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncStatus is the lifecycle state of a random-pairing sync call.
type SyncStatus uint8

const (
	// SyncActive indicates both participants are paired.
	SyncActive SyncStatus = iota
	// SyncEnded indicates either participant hung up.
	SyncEnded
)

// String returns the storage name of the sync status.
func (s SyncStatus) String() string {
	if s == SyncActive {
		return "active"
	}
	return "ended"
}

// SyncCall is a random-pairing session created by the matchmaker. It
// carries an append-only, timestamp-ordered chat message collection.
type SyncCall struct {
	ID             string     `json:"id"`
	ParticipantIDs [2]string  `json:"participantIds"`
	Status         SyncStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Includes reports whether the user participates in the sync call.
func (c *SyncCall) Includes(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// ChatMessage is one append-only chat entry inside a sync call.
// Messages are never edited or deleted and are delivered ordered by
// timestamp ascending.
type ChatMessage struct {
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
