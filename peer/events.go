package peer

import "github.com/anonsoc/callcore/signaling"

// Event is the closed set of notifications an adapter can emit. The
// call state machine dispatches on the concrete type, so adding a new
// event kind surfaces every switch that must handle it.
type Event interface {
	isEvent()
}

// DescriptionEvent carries a locally produced session description (the
// initiator's offer or the responder's answer). The state machine
// forwards it to the signaling channel.
type DescriptionEvent struct {
	Description signaling.SessionDescription
}

// CandidateEvent carries a locally gathered ICE candidate, already
// encoded as an opaque payload for the signaling channel.
type CandidateEvent struct {
	Candidate signaling.Candidate
}

// StreamEvent fires once per inbound remote media track.
type StreamEvent struct {
	Track RemoteTrack
}

// ConnectedEvent fires once the underlying transport reports connected.
type ConnectedEvent struct{}

// ClosedEvent fires when the connection closes for any reason,
// including a local Close call.
type ClosedEvent struct{}

// ErrorEvent carries a fatal peer connection error. Errors matching
// ExpectedAbort are treated by consumers as a normal close.
type ErrorEvent struct {
	Err error
}

func (DescriptionEvent) isEvent() {}
func (CandidateEvent) isEvent()   {}
func (StreamEvent) isEvent()      {}
func (ConnectedEvent) isEvent()   {}
func (ClosedEvent) isEvent()      {}
func (ErrorEvent) isEvent()       {}

// RemoteTrack is an inbound media track surfaced by a StreamEvent.
// Consumers that need transport-level access type-assert against the
// concrete adapter's track type.
type RemoteTrack interface {
	// ID returns the track identifier.
	ID() string
	// Kind returns "audio" or "video".
	Kind() string
}
