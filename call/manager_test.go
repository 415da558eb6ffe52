package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonsoc/callcore/peer"
	"github.com/anonsoc/callcore/signaling"
)

// MockAdapter implements peer.Adapter for testing the state machine
// without WebRTC. When autoAnswer is set it emits an answer description
// as soon as the remote offer is signaled, driving the callee side of
// the handshake.
type MockAdapter struct {
	mu         sync.Mutex
	initiator  bool
	autoAnswer bool
	onEvent    func(peer.Event)

	descs  []signaling.SessionDescription
	cands  []signaling.Candidate
	closed bool
}

func (a *MockAdapter) SignalDescription(desc signaling.SessionDescription) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return peer.ErrAdapterClosed
	}
	a.descs = append(a.descs, desc)
	answer := !a.initiator && a.autoAnswer && desc.Type == "offer"
	a.mu.Unlock()

	if answer {
		a.onEvent(peer.DescriptionEvent{Description: signaling.SessionDescription{Type: "answer", SDP: "v=0 answer"}})
	}
	return nil
}

func (a *MockAdapter) SignalCandidate(cand signaling.Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return peer.ErrAdapterClosed
	}
	a.cands = append(a.cands, cand)
	return nil
}

func (a *MockAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *MockAdapter) Emit(ev peer.Event) {
	a.onEvent(ev)
}

func (a *MockAdapter) Descriptions() []signaling.SessionDescription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]signaling.SessionDescription(nil), a.descs...)
}

func (a *MockAdapter) Candidates() []signaling.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]signaling.Candidate(nil), a.cands...)
}

func (a *MockAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// MockAdapterFactory records every adapter it builds.
type MockAdapterFactory struct {
	mu         sync.Mutex
	autoAnswer bool
	adapters   []*MockAdapter
	buildErr   error
}

func (f *MockAdapterFactory) Build(cfg peer.Config) (peer.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	a := &MockAdapter{initiator: cfg.Initiator, autoAnswer: f.autoAnswer, onEvent: cfg.OnEvent}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *MockAdapterFactory) Adapter(i int) *MockAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[i]
}

func (f *MockAdapterFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

// MockMediaSource hands out StaticStreams and remembers them so tests
// can assert they were stopped.
type MockMediaSource struct {
	mu      sync.Mutex
	streams []*peer.StaticStream
	err     error
}

func (s *MockMediaSource) Acquire(_ context.Context, _ signaling.CallKind) (peer.MediaStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	stream := peer.NewStaticStream(nil)
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *MockMediaSource) Stream(i int) *peer.StaticStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[i]
}

type testPair struct {
	channel *signaling.MemoryChannel
	caller  *Manager
	callee  *Manager
	factory *MockAdapterFactory
	media   *MockMediaSource
}

func newTestPair(t *testing.T, tweak func(*Config)) *testPair {
	t.Helper()
	channel := signaling.NewMemoryChannel()
	factory := &MockAdapterFactory{autoAnswer: true}
	media := &MockMediaSource{}

	build := func(userID string) *Manager {
		cfg := Config{
			UserID:        userID,
			Kind:          signaling.KindVoice,
			Channel:       channel,
			Media:         media,
			Adapters:      factory.Build,
			RingTimeout:   time.Second,
			TerminalGrace: 10 * time.Millisecond,
		}
		if tweak != nil {
			tweak(&cfg)
		}
		m, err := NewManager(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { m.Close() })
		return m
	}
	return &testPair{
		channel: channel,
		caller:  build("alice"),
		callee:  build("bob"),
		factory: factory,
		media:   media,
	}
}

// driveOffer makes the caller's adapter produce its offer, as the real
// pion adapter does once negotiation starts.
func (p *testPair) driveOffer(t *testing.T) {
	t.Helper()
	require.GreaterOrEqual(t, p.factory.Count(), 1)
	p.factory.Adapter(0).Emit(peer.DescriptionEvent{
		Description: signaling.SessionDescription{Type: "offer", SDP: "v=0 offer"},
	})
}

// TestManagerValidation tests constructor argument checks
func TestManagerValidation(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	media := &MockMediaSource{}

	_, err := NewManager(Config{Channel: channel, Media: media})
	assert.Error(t, err, "empty user ID should be rejected")

	_, err = NewManager(Config{UserID: "alice", Media: media})
	assert.Error(t, err, "nil channel should be rejected")

	_, err = NewManager(Config{UserID: "alice", Channel: channel})
	assert.Error(t, err, "nil media source should be rejected")
}

// TestStartRejectsInvalidCallee tests callee identifier validation
func TestStartRejectsInvalidCallee(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	_, err := pair.caller.Start(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidCallee, "empty callee should be rejected")

	_, err = pair.caller.Start(ctx, "alice")
	assert.ErrorIs(t, err, ErrInvalidCallee, "self-call should be rejected")

	assert.Empty(t, pair.caller.ActiveCallID(), "no session should be left behind")
	assert.Zero(t, pair.factory.Count(), "no adapter should be built")
}

// TestCallHappyPath tests the full lifecycle from Start through Accept
// to HangUp, including the status progression both sides observe
func TestCallHappyPath(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var callerStatuses []signaling.CallStatus
	pair.caller.OnStatusChange(func(_ string, s signaling.CallStatus) {
		mu.Lock()
		callerStatuses = append(callerStatuses, s)
		mu.Unlock()
	})

	var incoming *signaling.CallRecord
	pair.callee.OnIncomingCall(func(r *signaling.CallRecord) {
		mu.Lock()
		incoming = r
		mu.Unlock()
	})

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	require.NotEmpty(t, callID)
	assert.Equal(t, callID, pair.caller.ActiveCallID())

	pair.driveOffer(t)

	// The callee was alerted with the promoted ringing record.
	mu.Lock()
	require.NotNil(t, incoming)
	assert.Equal(t, callID, incoming.ID)
	assert.Equal(t, "alice", incoming.CallerID)
	mu.Unlock()
	assert.Equal(t, callID, pair.callee.PendingIncomingID())

	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusRinging, record.Status)
	require.NotNil(t, record.Offer)

	require.NoError(t, pair.callee.Accept(ctx))

	// The auto-answering adapter completed the handshake synchronously.
	record, err = pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusAnswered, record.Status)
	require.NotNil(t, record.Answer)

	// The caller's adapter received exactly the stored answer.
	callerAdapter := pair.factory.Adapter(0)
	require.Len(t, callerAdapter.Descriptions(), 1)
	assert.Equal(t, "answer", callerAdapter.Descriptions()[0].Type)

	mu.Lock()
	assert.Equal(t, []signaling.CallStatus{signaling.StatusRinging, signaling.StatusAnswered}, callerStatuses)
	mu.Unlock()

	require.NoError(t, pair.caller.HangUp(ctx))
	record, err = pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusEnded, record.Status)

	assert.Eventually(t, func() bool {
		return pair.callee.ActiveCallID() == "" && pair.factory.Adapter(1).Closed()
	}, time.Second, 10*time.Millisecond, "callee should tear down on the terminal snapshot")

	assert.True(t, pair.media.Stream(0).Stopped(), "caller media released")
	assert.True(t, pair.media.Stream(1).Stopped(), "callee media released")
}

// TestRedundantDescriptionEventIsIgnored tests the one-shot offer latch
// against at-least-once event delivery
func TestRedundantDescriptionEventIsIgnored(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)
	pair.driveOffer(t)

	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", record.Offer.SDP)
	assert.Equal(t, callID, pair.caller.ActiveCallID(), "duplicate event must not tear the call down")
}

// TestCandidateRelay tests forwarding local candidates out and remote
// candidates in
func TestCandidateRelay(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)
	require.NoError(t, pair.callee.Accept(ctx))

	// The caller gathers a candidate; it lands in the caller-side
	// collection, which the callee watches.
	pair.factory.Adapter(0).Emit(peer.CandidateEvent{Candidate: "caller-cand"})
	calleeAdapter := pair.factory.Adapter(1)
	assert.Eventually(t, func() bool {
		cands := calleeAdapter.Candidates()
		return len(cands) == 1 && cands[0] == "caller-cand"
	}, time.Second, 10*time.Millisecond)

	// And the reverse direction.
	calleeAdapter.Emit(peer.CandidateEvent{Candidate: "callee-cand"})
	callerAdapter := pair.factory.Adapter(0)
	assert.Eventually(t, func() bool {
		cands := callerAdapter.Candidates()
		return len(cands) == 1 && cands[0] == "callee-cand"
	}, time.Second, 10*time.Millisecond)

	_ = callID
}

// TestDecline tests the callee rejecting a ringing call
func TestDecline(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	var dismissed []string
	pair.callee.OnIncomingDismissed(func(id string) { dismissed = append(dismissed, id) })

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)

	require.NoError(t, pair.callee.Decline(ctx))

	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusDeclined, record.Status)
	assert.Equal(t, []string{callID}, dismissed)

	assert.Eventually(t, func() bool {
		return pair.caller.ActiveCallID() == ""
	}, time.Second, 10*time.Millisecond, "caller should observe the decline and clean up")

	err = pair.callee.Decline(ctx)
	assert.ErrorIs(t, err, ErrNoIncomingCall)
}

// TestStartWhileActive tests the single active call constraint
func TestStartWhileActive(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	_, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)

	_, err = pair.caller.Start(ctx, "carol")
	assert.ErrorIs(t, err, ErrCallAlreadyActive)
}

// TestSecondIncomingAutoDeclined tests busy handling for a second
// simultaneous incoming call
func TestSecondIncomingAutoDeclined(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)
	require.NoError(t, pair.callee.Accept(ctx))

	// A third user calls bob while bob is on the line.
	carolMedia := &MockMediaSource{}
	carolFactory := &MockAdapterFactory{}
	carol, err := NewManager(Config{
		UserID:   "carol",
		Kind:     signaling.KindVoice,
		Channel:  pair.channel,
		Media:    carolMedia,
		Adapters: carolFactory.Build,
	})
	require.NoError(t, err)
	defer carol.Close()

	secondID, err := carol.Start(ctx, "bob")
	require.NoError(t, err)
	carolFactory.Adapter(0).Emit(peer.DescriptionEvent{
		Description: signaling.SessionDescription{Type: "offer", SDP: "v=0 carol"},
	})

	assert.Eventually(t, func() bool {
		record, err := pair.channel.GetCall(ctx, secondID)
		return err == nil && record.Status == signaling.StatusDeclined
	}, time.Second, 10*time.Millisecond, "busy callee should auto-decline")

	// The original call is untouched.
	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusAnswered, record.Status)
}

// TestCallerRingTimeout tests the missed transition and its exactly-once
// notification when nobody answers
func TestCallerRingTimeout(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	factory := &MockAdapterFactory{}
	media := &MockMediaSource{}
	caller, err := NewManager(Config{
		UserID:      "alice",
		Kind:        signaling.KindVoice,
		Channel:     channel,
		Media:       media,
		Adapters:    factory.Build,
		RingTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	defer caller.Close()

	var mu sync.Mutex
	var missed []MissedCall
	caller.OnMissedCall(func(mc MissedCall) {
		mu.Lock()
		missed = append(missed, mc)
		mu.Unlock()
	})

	ctx := context.Background()
	callID, err := caller.Start(ctx, "bob")
	require.NoError(t, err)
	factory.Adapter(0).Emit(peer.DescriptionEvent{
		Description: signaling.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	assert.Eventually(t, func() bool {
		record, err := channel.GetCall(ctx, callID)
		return err == nil && record.Status == signaling.StatusMissed
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return caller.ActiveCallID() == ""
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, missed, 1, "missed notification fires exactly once")
	assert.Equal(t, MissedCall{CalleeID: "bob", Kind: signaling.KindVoice}, missed[0])
}

// TestCalleeRingTimeout tests that an untouched incoming prompt expires
func TestCalleeRingTimeout(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	ctx := context.Background()

	// Simulate a caller that wrote the record and vanished.
	record := signaling.NewCallRecord(signaling.KindVoice, "ghost", "bob", time.Now())
	require.NoError(t, channel.CreateCall(ctx, record))

	media := &MockMediaSource{}
	factory := &MockAdapterFactory{}
	callee, err := NewManager(Config{
		UserID:      "bob",
		Kind:        signaling.KindVoice,
		Channel:     channel,
		Media:       media,
		Adapters:    factory.Build,
		RingTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	defer callee.Close()

	var dismissed []string
	var mu sync.Mutex
	callee.OnIncomingDismissed(func(id string) {
		mu.Lock()
		dismissed = append(dismissed, id)
		mu.Unlock()
	})

	assert.Eventually(t, func() bool {
		got, err := channel.GetCall(ctx, record.ID)
		return err == nil && got.Status == signaling.StatusMissed
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, dismissed, record.ID)
	mu.Unlock()
	assert.Empty(t, callee.PendingIncomingID())
}

// TestAcceptMediaFailureAutoDeclines tests declining when the capture
// layer refuses access
func TestAcceptMediaFailureAutoDeclines(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)
	require.Equal(t, callID, pair.callee.PendingIncomingID())

	pair.media.mu.Lock()
	pair.media.err = peer.ErrMediaAccessDenied
	pair.media.mu.Unlock()

	err = pair.callee.Accept(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrMediaAccessDenied)

	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusDeclined, record.Status)
	assert.Empty(t, pair.callee.ActiveCallID())
}

// TestRemoteCancelDismissesPrompt tests a caller hangup while ringing
func TestRemoteCancelDismissesPrompt(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	var dismissed []string
	var mu sync.Mutex
	pair.callee.OnIncomingDismissed(func(id string) {
		mu.Lock()
		dismissed = append(dismissed, id)
		mu.Unlock()
	})

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)
	require.Equal(t, callID, pair.callee.PendingIncomingID())

	require.NoError(t, pair.caller.HangUp(ctx))

	assert.Eventually(t, func() bool {
		return pair.callee.PendingIncomingID() == ""
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, dismissed, callID)
	mu.Unlock()
}

// FlakyChannel wraps a channel and fails UpdateCall on demand.
type FlakyChannel struct {
	signaling.Channel
	mu         sync.Mutex
	failUpdate bool
}

func (c *FlakyChannel) SetFailUpdate(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUpdate = fail
}

func (c *FlakyChannel) UpdateCall(ctx context.Context, callID string, update signaling.CallUpdate) error {
	c.mu.Lock()
	fail := c.failUpdate
	c.mu.Unlock()
	if fail {
		return errors.New("network down")
	}
	return c.Channel.UpdateCall(ctx, callID, update)
}

// TestHangUpSurvivesChannelFailure tests that local cleanup runs even
// when the terminal write fails
func TestHangUpSurvivesChannelFailure(t *testing.T) {
	flaky := &FlakyChannel{Channel: signaling.NewMemoryChannel()}
	factory := &MockAdapterFactory{}
	media := &MockMediaSource{}
	caller, err := NewManager(Config{
		UserID:   "alice",
		Kind:     signaling.KindVoice,
		Channel:  flaky,
		Media:    media,
		Adapters: factory.Build,
	})
	require.NoError(t, err)
	defer caller.Close()

	ctx := context.Background()
	_, err = caller.Start(ctx, "bob")
	require.NoError(t, err)

	flaky.SetFailUpdate(true)
	require.NoError(t, caller.HangUp(ctx), "hang up is best-effort")
	assert.Empty(t, caller.ActiveCallID())
	assert.True(t, factory.Adapter(0).Closed())
	assert.True(t, media.Stream(0).Stopped())
}

// TestErrorEventEndsCall tests transport failure handling
func TestErrorEventEndsCall(t *testing.T) {
	pair := newTestPair(t, nil)
	ctx := context.Background()

	callID, err := pair.caller.Start(ctx, "bob")
	require.NoError(t, err)
	pair.driveOffer(t)

	pair.factory.Adapter(0).Emit(peer.ErrorEvent{Err: errors.New("ice failed")})

	record, err := pair.channel.GetCall(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusEnded, record.Status)
	assert.Empty(t, pair.caller.ActiveCallID())
}

// TestHangUpWithoutCall tests the no-active-call error
func TestHangUpWithoutCall(t *testing.T) {
	pair := newTestPair(t, nil)
	err := pair.caller.HangUp(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

// TestClosedManagerRejectsStart tests post-Close behavior
func TestClosedManagerRejectsStart(t *testing.T) {
	pair := newTestPair(t, nil)
	require.NoError(t, pair.caller.Close())
	_, err := pair.caller.Start(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
