package peer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/anonsoc/callcore/signaling"
)

// MediaStream is one acquired local media stream: the set of outbound
// tracks attached to a peer connection. Stop releases the underlying
// capture resources and must be safe to call more than once.
type MediaStream interface {
	// Tracks returns the local tracks to attach to the connection.
	Tracks() []webrtc.TrackLocal
	// Stop releases capture resources. Idempotent.
	Stop()
}

// MediaSource acquires local media for a call. Acquire blocks until
// the capture layer grants or refuses access; refusal is reported as
// ErrMediaAccessDenied.
type MediaSource interface {
	Acquire(ctx context.Context, kind signaling.CallKind) (MediaStream, error)
}

// StaticStream is a MediaStream over a fixed set of pre-built tracks.
// It backs the StaticSource used by examples and tests; real capture
// backends implement MediaStream over their own device handles.
type StaticStream struct {
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stopped bool
	onStop  func()
}

// NewStaticStream wraps pre-built local tracks. onStop, if non-nil,
// runs once on the first Stop call.
func NewStaticStream(onStop func(), tracks ...webrtc.TrackLocal) *StaticStream {
	return &StaticStream{tracks: tracks, onStop: onStop}
}

// Tracks returns the wrapped tracks.
func (s *StaticStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Stop marks the stream stopped and runs the stop hook once.
func (s *StaticStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.onStop != nil {
		s.onStop()
	}
}

// Stopped reports whether Stop has been called.
func (s *StaticStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StaticSource returns the same fixed tracks for every call. Useful for
// examples and servers that relay pre-encoded media.
type StaticSource struct {
	tracks []webrtc.TrackLocal
}

// NewStaticSource creates a source over fixed tracks.
func NewStaticSource(tracks ...webrtc.TrackLocal) *StaticSource {
	return &StaticSource{tracks: tracks}
}

// Acquire returns a fresh StaticStream over the fixed tracks.
func (s *StaticSource) Acquire(_ context.Context, _ signaling.CallKind) (MediaStream, error) {
	return NewStaticStream(nil, s.tracks...), nil
}
