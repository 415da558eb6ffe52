package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonsoc/callcore/signaling"
)

// TestExpectedAbort tests teardown error classification
func TestExpectedAbort(t *testing.T) {
	assert.False(t, ExpectedAbort(nil))
	assert.False(t, ExpectedAbort(errors.New("ICE failed: no candidates")))
	assert.True(t, ExpectedAbort(errors.New("User-Initiated Abort: Close called")))
	assert.True(t, ExpectedAbort(errors.New("read: use of closed network connection")))
	assert.True(t, ExpectedAbort(errors.New("peer connection closed")))
	assert.True(t, ExpectedAbort(errors.New("association aborted")))
}

// TestCandidateRoundTrip tests candidate encoding for the signaling
// channel
func TestCandidateRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	encoded, err := EncodeCandidate(init)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := DecodeCandidate(encoded)
	require.NoError(t, err)
	assert.Equal(t, init.Candidate, decoded.Candidate)
	require.NotNil(t, decoded.SDPMid)
	assert.Equal(t, mid, *decoded.SDPMid)
}

// TestDecodeCandidateMalformed tests rejection of garbage payloads
func TestDecodeCandidateMalformed(t *testing.T) {
	_, err := DecodeCandidate(signaling.Candidate("not json"))
	assert.Error(t, err)
}

// TestStaticStreamStopOnce tests idempotent stop and the stop hook
func TestStaticStreamStopOnce(t *testing.T) {
	stops := 0
	stream := NewStaticStream(func() { stops++ })

	assert.False(t, stream.Stopped())
	stream.Stop()
	stream.Stop()
	assert.True(t, stream.Stopped())
	assert.Equal(t, 1, stops, "stop hook runs exactly once")
}

// TestStaticSourceAcquire tests fresh stream handout
func TestStaticSourceAcquire(t *testing.T) {
	source := NewStaticSource()
	ctx := context.Background()

	first, err := source.Acquire(ctx, signaling.KindVoice)
	require.NoError(t, err)
	second, err := source.Acquire(ctx, signaling.KindVideo)
	require.NoError(t, err)

	first.Stop()
	static, ok := second.(*StaticStream)
	require.True(t, ok)
	assert.False(t, static.Stopped(), "streams are independent")
}

// TestDefaultICEServers tests the fallback STUN configuration
func TestDefaultICEServers(t *testing.T) {
	servers := DefaultICEServers()
	require.NotEmpty(t, servers)
	for _, s := range servers {
		require.NotEmpty(t, s.URLs)
		assert.Contains(t, s.URLs[0], "stun:")
	}
}

// TestPionAdapterBuffersEarlyCandidates tests that remote candidates
// arriving ahead of the remote description are buffered and flushed
// once it lands
func TestPionAdapterBuffersEarlyCandidates(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close()
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly)
	require.NoError(t, err)
	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	a, err := NewPionAdapter(Config{
		Initiator: false,
		OnEvent:   func(Event) {},
	})
	require.NoError(t, err)
	defer a.Close()

	mid := "0"
	idx := uint16(0)
	cand, err := EncodeCandidate(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	require.NoError(t, err)

	require.NoError(t, a.SignalCandidate(cand), "early candidate should buffer, not fail")
	a.mu.Lock()
	buffered := len(a.pending)
	a.mu.Unlock()
	assert.Equal(t, 1, buffered, "candidate held until the remote description arrives")

	require.NoError(t, a.SignalDescription(signaling.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	}))
	a.mu.Lock()
	buffered = len(a.pending)
	remoteSet := a.remoteSet
	a.mu.Unlock()
	assert.True(t, remoteSet)
	assert.Zero(t, buffered, "buffer flushed into the connection")

	require.NoError(t, a.SignalCandidate(cand), "late candidates go straight through")
}

// TestCloseFromHandlerUnderBacklog tests that a handler closing the
// adapter while events are still queued does not wedge the emitter
func TestCloseFromHandlerUnderBacklog(t *testing.T) {
	var a *PionAdapter
	var err error
	release := make(chan struct{})
	a, err = NewPionAdapter(Config{
		Initiator: false,
		OnEvent: func(Event) {
			<-release
			a.Close()
		},
	})
	require.NoError(t, err)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 200; i++ {
			a.emit(ConnectedEvent{})
		}
	}()
	close(release)

	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("emitter blocked against a closing handler")
	}
	require.Eventually(t, func() bool {
		return errors.Is(a.SignalCandidate(signaling.Candidate(`{}`)), ErrAdapterClosed)
	}, 2*time.Second, 5*time.Millisecond, "adapter should finish closing")
}
