package peer

import "github.com/anonsoc/callcore/signaling"

// Adapter is the event-based face of one peer connection. Exactly one
// adapter exists per call per side; it is constructed when the call is
// started or accepted and destroyed during cleanup.
type Adapter interface {
	// SignalDescription applies the remote session description. The
	// initiator receives the answer; the responder receives the offer
	// and reacts by producing an answer DescriptionEvent. Redundant
	// deliveries of an already-applied description are ignored.
	SignalDescription(desc signaling.SessionDescription) error

	// SignalCandidate applies a remote ICE candidate, buffering it if
	// the remote description has not been set yet.
	SignalCandidate(cand signaling.Candidate) error

	// Close destroys the connection. Idempotent; emits a final
	// ClosedEvent.
	Close() error
}

// Config constructs an adapter for one side of a call.
type Config struct {
	// Initiator is true only for the call's caller. The initiator
	// produces the offer; the responder produces the answer.
	Initiator bool

	// Stream is the local media stream whose tracks are attached to the
	// connection. May be nil for a receive-only endpoint.
	Stream MediaStream

	// ICEServers to use for connectivity establishment. Defaults to
	// DefaultICEServers when empty.
	ICEServers []ICEServer

	// OnEvent receives every adapter event. Must be non-nil. Events are
	// delivered from the adapter's internal goroutines; handlers must
	// not block.
	OnEvent func(Event)
}

// ICEServer is one STUN or TURN server used for NAT traversal.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// DefaultICEServers returns public STUN servers. Production deployments
// should append TURN servers for NAT traversal robustness.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// Factory builds adapters. The call state machine takes a Factory so
// tests can substitute an in-memory fake for the pion implementation.
type Factory func(cfg Config) (Adapter, error)

// NewAdapter is the default Factory, backed by pion/webrtc.
func NewAdapter(cfg Config) (Adapter, error) {
	return NewPionAdapter(cfg)
}
