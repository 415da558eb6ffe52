package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/signaling"
)

// Compile-time interface check.
var _ Adapter = (*PionAdapter)(nil)

// PionAdapter implements Adapter over a pion/webrtc peer connection
// with trickle ICE. Remote candidates that arrive before the remote
// description are buffered and flushed once negotiation completes.
type PionAdapter struct {
	pc        *webrtc.PeerConnection
	initiator bool

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	// queue feeds the dispatch goroutine. It is unbounded so emit
	// never blocks, even when the handler re-enters the adapter and
	// closes it mid-dispatch.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Event
	emitDone  bool
	closeOnce sync.Once
}

// NewPionAdapter constructs one side of a call. The initiator produces
// its offer before the constructor returns; it is delivered through
// cfg.OnEvent as a DescriptionEvent.
func NewPionAdapter(cfg Config) (*PionAdapter, error) {
	if cfg.OnEvent == nil {
		return nil, errors.New("adapter config requires an event handler")
	}
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	webrtcConfig := webrtc.Configuration{}
	for _, s := range servers {
		webrtcConfig.ICEServers = append(webrtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	a := &PionAdapter{
		pc:        pc,
		initiator: cfg.Initiator,
	}
	a.queueCond = sync.NewCond(&a.queueMu)

	go a.dispatchLoop(cfg.OnEvent)

	if err := a.attachMedia(cfg.Stream); err != nil {
		a.teardown()
		return nil, err
	}
	a.registerHandlers()

	if cfg.Initiator {
		if err := a.produceOffer(); err != nil {
			a.teardown()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewPionAdapter",
		"initiator": cfg.Initiator,
	}).Debug("Peer adapter constructed")

	return a, nil
}

// attachMedia adds the local tracks and fills in recvonly transceivers
// for any media kind without a local track, so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials.
func (a *PionAdapter) attachMedia(stream MediaStream) error {
	haveAudio, haveVideo := false, false
	if stream != nil {
		for _, track := range stream.Tracks() {
			if _, err := a.pc.AddTrack(track); err != nil {
				return fmt.Errorf("add local track: %w", err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
		}
	}
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !haveAudio {
		if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if !haveVideo {
		if _, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (a *PionAdapter) registerHandlers() {
	a.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		cand, err := EncodeCandidate(c.ToJSON())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnICECandidate",
				"error":    err.Error(),
			}).Error("Failed to encode local candidate")
			return
		}
		a.emit(CandidateEvent{Candidate: cand})
	})

	a.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.emit(StreamEvent{Track: pionTrack{t}})
	})

	a.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			a.emit(ConnectedEvent{})
		case webrtc.PeerConnectionStateFailed:
			a.emit(ErrorEvent{Err: errors.New("peer connection failed")})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			a.emit(ClosedEvent{})
		}
	})
}

// produceOffer creates and applies the local offer, emitting it as a
// DescriptionEvent. ICE candidates trickle afterwards.
func (a *PionAdapter) produceOffer() error {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	a.emit(DescriptionEvent{Description: signaling.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	}})
	return nil
}

// SignalDescription applies the remote session description and flushes
// any buffered candidates. A redundant delivery after the remote
// description is already set is ignored.
func (a *PionAdapter) SignalDescription(desc signaling.SessionDescription) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if a.remoteSet {
		a.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "SignalDescription",
			"type":     desc.Type,
		}).Debug("Ignoring redundant remote description")
		return nil
	}

	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if sd.Type == webrtc.SDPTypeUnknown {
		a.mu.Unlock()
		return fmt.Errorf("unknown session description type %q", desc.Type)
	}
	if err := a.pc.SetRemoteDescription(sd); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("set remote description: %w", err)
	}
	a.remoteSet = true
	pending := a.pending
	a.pending = nil

	var answer *signaling.SessionDescription
	if !a.initiator && sd.Type == webrtc.SDPTypeOffer {
		ans, err := a.pc.CreateAnswer(nil)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("create answer: %w", err)
		}
		if err := a.pc.SetLocalDescription(ans); err != nil {
			a.mu.Unlock()
			return fmt.Errorf("set local description: %w", err)
		}
		answer = &signaling.SessionDescription{Type: ans.Type.String(), SDP: ans.SDP}
	}
	a.mu.Unlock()

	if answer != nil {
		a.emit(DescriptionEvent{Description: *answer})
	}
	for _, c := range pending {
		a.addCandidate(c)
	}
	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SignalDescription",
			"flushed":  len(pending),
		}).Debug("Flushed buffered remote candidates")
	}
	return nil
}

// SignalCandidate applies a remote ICE candidate, buffering it while
// the remote description is unset.
func (a *PionAdapter) SignalCandidate(cand signaling.Candidate) error {
	init, err := DecodeCandidate(cand)
	if err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if !a.remoteSet {
		a.pending = append(a.pending, init)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	a.addCandidate(init)
	return nil
}

// addCandidate feeds one candidate into the connection. Redundant or
// unusable candidates are tolerated and only logged.
func (a *PionAdapter) addCandidate(init webrtc.ICECandidateInit) {
	if err := a.pc.AddICECandidate(init); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "addCandidate",
			"error":    err.Error(),
		}).Debug("Dropping unusable remote candidate")
	}
}

// Close destroys the peer connection and emits a final ClosedEvent.
// Idempotent.
func (a *PionAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		err = a.pc.Close()
		a.emit(ClosedEvent{})
		a.stopEmitting()
	})
	return err
}

// teardown aborts a half-constructed adapter without emitting events.
func (a *PionAdapter) teardown() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		_ = a.pc.Close()
		a.stopEmitting()
	})
}

// dispatchLoop delivers queued events to the handler one at a time,
// draining what remains after stopEmitting before exiting.
func (a *PionAdapter) dispatchLoop(handler func(Event)) {
	for {
		a.queueMu.Lock()
		for len(a.queue) == 0 && !a.emitDone {
			a.queueCond.Wait()
		}
		if len(a.queue) == 0 {
			a.queueMu.Unlock()
			return
		}
		ev := a.queue[0]
		a.queue = a.queue[1:]
		a.queueMu.Unlock()
		handler(ev)
	}
}

// emit queues an event for the dispatch goroutine without blocking.
// Events after close are dropped.
func (a *PionAdapter) emit(ev Event) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if a.emitDone {
		return
	}
	a.queue = append(a.queue, ev)
	a.queueCond.Signal()
}

func (a *PionAdapter) stopEmitting() {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	a.emitDone = true
	a.queueCond.Broadcast()
}

// EncodeCandidate serializes a candidate into the opaque payload form
// carried by the signaling channel.
func EncodeCandidate(init webrtc.ICECandidateInit) (signaling.Candidate, error) {
	data, err := json.Marshal(init)
	if err != nil {
		return "", err
	}
	return signaling.Candidate(data), nil
}

// DecodeCandidate parses an opaque candidate payload.
func DecodeCandidate(cand signaling.Candidate) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(cand), &init); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return init, nil
}

// pionTrack adapts a pion remote track to the RemoteTrack interface.
type pionTrack struct {
	t *webrtc.TrackRemote
}

func (p pionTrack) ID() string   { return p.t.ID() }
func (p pionTrack) Kind() string { return p.t.Kind().String() }

// Remote returns the underlying pion track for consumers that read RTP.
func (p pionTrack) Remote() *webrtc.TrackRemote { return p.t }
