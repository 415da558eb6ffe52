// Package peer wraps a WebRTC peer connection bound to one local media
// stream behind an event-based adapter interface.
//
// The adapter surfaces everything the call state machine needs as a
// closed Event sum type: locally produced session descriptions and ICE
// candidates (to be forwarded to the signaling channel), remote track
// arrival, transport connection, close, and errors. The state machine
// feeds remote descriptions and candidates back in through
// SignalDescription and SignalCandidate.
//
// PionAdapter is the production implementation on pion/webrtc with
// trickle ICE. Candidates signaled before the remote description is set
// are buffered and flushed once negotiation completes, so arrival order
// between descriptions and candidates does not matter.
package peer
