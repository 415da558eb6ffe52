package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/peer"
	"github.com/anonsoc/callcore/signaling"
)

const (
	// DefaultRingTimeout is how long an unanswered call rings before it
	// is marked missed. Both sides arm it: the caller as the
	// authoritative timer, the callee as a guard against a vanished
	// caller.
	DefaultRingTimeout = 60 * time.Second

	// DefaultTerminalGrace is the delay between observing a terminal
	// status and running cleanup, allowing in-flight signals to settle.
	DefaultTerminalGrace = 500 * time.Millisecond
)

// Config configures a call Manager.
type Config struct {
	// UserID is the local participant identifier.
	UserID string
	// Kind selects voice or video; one manager handles one kind.
	Kind signaling.CallKind
	// Channel is the signaling medium shared with remote peers.
	Channel signaling.Channel
	// Media acquires local capture streams.
	Media peer.MediaSource
	// Adapters builds peer adapters. Defaults to the pion factory.
	Adapters peer.Factory
	// ICEServers for adapter construction. Defaults to public STUN.
	ICEServers []peer.ICEServer
	// RingTimeout overrides DefaultRingTimeout.
	RingTimeout time.Duration
	// TerminalGrace overrides DefaultTerminalGrace.
	TerminalGrace time.Duration
	// TimeProvider allows injecting time for tests.
	TimeProvider TimeProvider
}

// Manager is the call state machine for one user and one call kind. It
// tracks at most one active session and at most one pending incoming
// prompt; a second simultaneous incoming call is auto-declined.
type Manager struct {
	userID string
	kind   signaling.CallKind

	channel  signaling.Channel
	media    peer.MediaSource
	adapters peer.Factory
	servers  []peer.ICEServer

	ringTimeout   time.Duration
	terminalGrace time.Duration
	tp            TimeProvider

	mu          sync.Mutex
	active      *session
	pending     *pendingIncoming
	incomingSub signaling.Subscription
	closed      bool

	incomingCB  func(*signaling.CallRecord)
	dismissCB   func(callID string)
	statusCB    func(callID string, status signaling.CallStatus)
	trackCB     func(callID string, track peer.RemoteTrack)
	connectedCB func(callID string)
	missedCB    func(MissedCall)
}

// NewManager creates a call manager and begins watching for incoming
// calls addressed to the user.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if cfg.Channel == nil {
		return nil, errors.New("signaling channel cannot be nil")
	}
	if cfg.Media == nil {
		return nil, errors.New("media source cannot be nil")
	}
	if cfg.Adapters == nil {
		cfg.Adapters = peer.NewAdapter
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = DefaultTerminalGrace
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}

	m := &Manager{
		userID:        cfg.UserID,
		kind:          cfg.Kind,
		channel:       cfg.Channel,
		media:         cfg.Media,
		adapters:      cfg.Adapters,
		servers:       cfg.ICEServers,
		ringTimeout:   cfg.RingTimeout,
		terminalGrace: cfg.TerminalGrace,
		tp:            cfg.TimeProvider,
	}

	sub, err := m.channel.WatchIncoming(context.Background(), m.userID, m.kind, m.handleIncoming)
	if err != nil {
		return nil, fmt.Errorf("watch incoming calls: %w", err)
	}
	m.mu.Lock()
	m.incomingSub = sub
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"user_id":  m.userID,
		"kind":     m.kind.String(),
	}).Info("Call manager started")

	return m, nil
}

// Start places an outgoing call to calleeID. It acquires local media,
// creates the shared call record, constructs the initiator adapter, and
// arms the ring timeout. Returns the new call ID.
func (m *Manager) Start(ctx context.Context, calleeID string) (string, error) {
	if calleeID == "" || calleeID == m.userID {
		return "", ErrInvalidCallee
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if m.active != nil || m.pending != nil {
		m.mu.Unlock()
		return "", ErrCallAlreadyActive
	}
	sess := &session{role: signaling.SideCaller, lastStatus: signaling.StatusOffering}
	m.active = sess
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
	}

	stream, err := m.media.Acquire(ctx, m.kind)
	if err != nil {
		release()
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"user_id":  m.userID,
			"error":    err.Error(),
		}).Error("Local media acquisition failed")
		return "", fmt.Errorf("acquire local media: %w", err)
	}

	record := signaling.NewCallRecord(m.kind, m.userID, calleeID, m.tp.Now())
	m.mu.Lock()
	sess.record = record
	sess.stream = stream
	m.mu.Unlock()

	if err := m.channel.CreateCall(ctx, record); err != nil {
		stream.Stop()
		release()
		return "", fmt.Errorf("create call record: %w", err)
	}

	adapter, err := m.adapters(peer.Config{
		Initiator:  true,
		Stream:     stream,
		ICEServers: m.servers,
		OnEvent:    func(ev peer.Event) { m.handleEvent(sess, ev) },
	})
	if err != nil {
		stream.Stop()
		release()
		m.writeStatus(record.ID, signaling.StatusEnded)
		return "", fmt.Errorf("construct peer adapter: %w", err)
	}
	m.mu.Lock()
	sess.adapter = adapter
	m.mu.Unlock()

	recSub, err := m.channel.WatchCall(ctx, record.ID, func(r *signaling.CallRecord) { m.handleRecord(sess, r) })
	if err != nil {
		m.cleanupSession(sess)
		return "", fmt.Errorf("watch call record: %w", err)
	}
	candSub, err := m.channel.WatchCandidates(ctx, record.ID, signaling.SideAnswer, func(c signaling.Candidate) { m.handleCandidate(sess, c) })
	if err != nil {
		recSub.Close()
		m.cleanupSession(sess)
		return "", fmt.Errorf("watch remote candidates: %w", err)
	}
	m.attachSubs(sess, recSub, candSub)

	m.mu.Lock()
	if !sess.cleaned {
		sess.ringTimer = m.tp.AfterFunc(m.ringTimeout, func() { m.ringExpired(sess) })
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"call_id":  record.ID,
		"kind":     m.kind.String(),
		"caller":   m.userID,
		"callee":   calleeID,
	}).Info("Outgoing call started")

	return record.ID, nil
}

// Accept answers the pending incoming call. On media failure the call
// is auto-declined and the error returned.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	p := m.pending
	if p == nil || p.done {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	if m.active != nil {
		m.mu.Unlock()
		return ErrCallAlreadyActive
	}
	record := p.record
	p.done = true
	m.pending = nil
	promptSub, promptTimer := p.sub, p.timer
	sess := &session{role: signaling.SideAnswer, record: record, lastStatus: record.Status}
	m.active = sess
	m.mu.Unlock()

	if promptSub != nil {
		promptSub.Close()
	}
	if promptTimer != nil {
		promptTimer.Stop()
	}

	release := func() {
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
	}

	stream, err := m.media.Acquire(ctx, m.kind)
	if err != nil {
		release()
		m.writeStatus(record.ID, signaling.StatusDeclined)
		m.dismiss(record.ID)
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"call_id":  record.ID,
			"error":    err.Error(),
		}).Error("Local media acquisition failed, auto-declining")
		return fmt.Errorf("acquire local media: %w", err)
	}
	m.mu.Lock()
	sess.stream = stream
	m.mu.Unlock()

	adapter, err := m.adapters(peer.Config{
		Initiator:  false,
		Stream:     stream,
		ICEServers: m.servers,
		OnEvent:    func(ev peer.Event) { m.handleEvent(sess, ev) },
	})
	if err != nil {
		stream.Stop()
		release()
		m.writeStatus(record.ID, signaling.StatusDeclined)
		m.dismiss(record.ID)
		return fmt.Errorf("construct peer adapter: %w", err)
	}
	m.mu.Lock()
	sess.adapter = adapter
	m.mu.Unlock()

	// The record watcher delivers the current snapshot immediately; the
	// stored offer is signaled into the adapter from there, which in
	// turn produces the answer.
	recSub, err := m.channel.WatchCall(ctx, record.ID, func(r *signaling.CallRecord) { m.handleRecord(sess, r) })
	if err != nil {
		m.cleanupSession(sess)
		return fmt.Errorf("watch call record: %w", err)
	}
	candSub, err := m.channel.WatchCandidates(ctx, record.ID, signaling.SideCaller, func(c signaling.Candidate) { m.handleCandidate(sess, c) })
	if err != nil {
		recSub.Close()
		m.cleanupSession(sess)
		return fmt.Errorf("watch remote candidates: %w", err)
	}
	m.attachSubs(sess, recSub, candSub)

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"call_id":  record.ID,
		"callee":   m.userID,
	}).Info("Incoming call accepted")

	return nil
}

// Decline rejects the pending incoming call. If the call already
// progressed past ringing on the caller's clock, the record is closed
// as ended instead of declined.
func (m *Manager) Decline(ctx context.Context) error {
	m.mu.Lock()
	p := m.pending
	if p == nil || p.done {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	p.done = true
	m.pending = nil
	record := p.record
	promptSub, promptTimer := p.sub, p.timer
	m.mu.Unlock()

	if promptSub != nil {
		promptSub.Close()
	}
	if promptTimer != nil {
		promptTimer.Stop()
	}

	status := signaling.StatusDeclined
	if latest, err := m.channel.GetCall(ctx, record.ID); err == nil {
		if latest.Status.Terminal() {
			m.dismiss(record.ID)
			return nil
		}
		if latest.Status == signaling.StatusAnswered {
			status = signaling.StatusEnded
		}
	}
	m.writeStatus(record.ID, status)
	m.dismiss(record.ID)

	logrus.WithFields(logrus.Fields{
		"function": "Decline",
		"call_id":  record.ID,
		"status":   status.String(),
	}).Info("Incoming call declined")

	return nil
}

// HangUp ends the active call. The terminal status write is
// best-effort: local cleanup runs regardless so state never hangs on a
// network failure.
func (m *Manager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}

	if err := m.channel.UpdateCall(ctx, sess.record.ID, signaling.StatusUpdate(signaling.StatusEnded)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HangUp",
			"call_id":  sess.record.ID,
			"error":    err.Error(),
		}).Warn("Terminal status write failed, cleaning up anyway")
	}
	m.cleanupSession(sess)
	return nil
}

// ActiveCallID returns the active call's ID, or empty when idle.
func (m *Manager) ActiveCallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.record == nil {
		return ""
	}
	return m.active.record.ID
}

// PendingIncomingID returns the pending incoming call's ID, or empty.
func (m *Manager) PendingIncomingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || m.pending.done {
		return ""
	}
	return m.pending.record.ID
}

// Close shuts the manager down: the incoming watcher detaches, the
// pending prompt is dropped, and any active session is cleaned up.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sub := m.incomingSub
	sess := m.active
	p := m.pending
	m.pending = nil
	var promptSub signaling.Subscription
	var promptTimer *time.Timer
	if p != nil {
		p.done = true
		promptSub, promptTimer = p.sub, p.timer
	}
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if promptSub != nil {
		promptSub.Close()
	}
	if promptTimer != nil {
		promptTimer.Stop()
	}
	if sess != nil {
		m.cleanupSession(sess)
	}
	return nil
}

// OnIncomingCall registers the callback presenting an incoming call.
func (m *Manager) OnIncomingCall(fn func(*signaling.CallRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomingCB = fn
}

// OnIncomingDismissed registers the callback dismissing the incoming
// call prompt (remote cancel, timeout, decline, or accept failure).
func (m *Manager) OnIncomingDismissed(fn func(callID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissCB = fn
}

// OnStatusChange registers the callback observing status transitions
// of the active call.
func (m *Manager) OnStatusChange(fn func(callID string, status signaling.CallStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCB = fn
}

// OnRemoteTrack registers the callback receiving inbound media tracks.
func (m *Manager) OnRemoteTrack(fn func(callID string, track peer.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackCB = fn
}

// OnConnected registers the callback fired when the transport reports
// connected.
func (m *Manager) OnConnected(fn func(callID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedCB = fn
}

// OnMissedCall registers the callback receiving the missed-call
// notification payload, produced exactly once per missed outgoing call.
func (m *Manager) OnMissedCall(fn func(MissedCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missedCB = fn
}

// handleIncoming reacts to calls surfaced by the incoming watcher.
// Exactly one incoming call is tracked at a time; any further candidate
// while busy is auto-declined to enforce a single active call per user.
func (m *Manager) handleIncoming(record *signaling.CallRecord) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pending != nil && m.pending.record.ID == record.ID {
		m.pending.record = record
		m.mu.Unlock()
		return
	}
	if m.active != nil && m.active.record != nil && m.active.record.ID == record.ID {
		// Redelivery of the call being accepted; not a second call.
		m.mu.Unlock()
		return
	}
	if m.active != nil || m.pending != nil {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"call_id":  record.ID,
			"user_id":  m.userID,
		}).Warn("Auto-declining second simultaneous incoming call")
		m.writeStatus(record.ID, signaling.StatusDeclined)
		return
	}
	p := &pendingIncoming{record: record}
	m.pending = p
	cb := m.incomingCB
	m.mu.Unlock()

	// Advance a call still in offering before presenting it, so the
	// caller's snapshot reflects that the callee has been alerted.
	if record.Status == signaling.StatusOffering {
		if err := m.channel.UpdateCall(context.Background(), record.ID, signaling.StatusUpdate(signaling.StatusRinging)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleIncoming",
				"call_id":  record.ID,
				"error":    err.Error(),
			}).Debug("Ring promotion skipped")
		}
	}

	sub, err := m.channel.WatchCall(context.Background(), record.ID, func(r *signaling.CallRecord) { m.handlePendingRecord(p, r) })
	if err != nil {
		m.mu.Lock()
		if m.pending == p {
			m.pending = nil
		}
		m.mu.Unlock()
		return
	}
	timer := m.tp.AfterFunc(m.ringTimeout, func() { m.pendingExpired(p) })

	m.mu.Lock()
	if p.done || m.pending != p {
		m.mu.Unlock()
		sub.Close()
		timer.Stop()
		return
	}
	p.sub = sub
	p.timer = timer
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleIncoming",
		"call_id":  record.ID,
		"kind":     record.Kind.String(),
		"caller":   record.CallerID,
		"callee":   m.userID,
	}).Info("Incoming call")

	if cb != nil {
		cb(record)
	}
}

// handlePendingRecord tracks the pending prompt's record so a remote
// cancel dismisses the prompt.
func (m *Manager) handlePendingRecord(p *pendingIncoming, record *signaling.CallRecord) {
	m.mu.Lock()
	if p.done {
		m.mu.Unlock()
		return
	}
	p.record = record
	if !record.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	p.done = true
	if m.pending == p {
		m.pending = nil
	}
	promptSub, promptTimer := p.sub, p.timer
	m.mu.Unlock()

	if promptSub != nil {
		promptSub.Close()
	}
	if promptTimer != nil {
		promptTimer.Stop()
	}
	m.dismiss(record.ID)
}

// pendingExpired is the callee-side ring timeout: an incoming call not
// acted upon in time is marked missed so a crashed caller cannot leave
// it ringing forever.
func (m *Manager) pendingExpired(p *pendingIncoming) {
	m.mu.Lock()
	if p.done {
		m.mu.Unlock()
		return
	}
	p.done = true
	if m.pending == p {
		m.pending = nil
	}
	record := p.record
	promptSub := p.sub
	m.mu.Unlock()

	if promptSub != nil {
		promptSub.Close()
	}
	m.writeStatus(record.ID, signaling.StatusMissed)
	m.dismiss(record.ID)

	logrus.WithFields(logrus.Fields{
		"function": "pendingExpired",
		"call_id":  record.ID,
		"callee":   m.userID,
	}).Info("Incoming call timed out unanswered")
}

// ringExpired is the caller-side ring timeout. If the write loses the
// race against a concurrent answer the channel rejects it and the call
// proceeds normally.
func (m *Manager) ringExpired(sess *session) {
	m.mu.Lock()
	if sess.cleaned || sess.missedNotified || sess.lastStatus == signaling.StatusAnswered || sess.lastStatus.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.missedNotified = true
	record := sess.record
	cb := m.missedCB
	m.mu.Unlock()

	err := m.channel.UpdateCall(context.Background(), record.ID, signaling.StatusUpdate(signaling.StatusMissed))
	switch {
	case errors.Is(err, signaling.ErrWriteConflict):
		// Answer raced the timeout; the call goes on.
		return
	case err != nil && !errors.Is(err, signaling.ErrNotFound):
		logrus.WithFields(logrus.Fields{
			"function": "ringExpired",
			"call_id":  record.ID,
			"error":    err.Error(),
		}).Warn("Missed status write failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "ringExpired",
		"call_id":  record.ID,
		"callee":   record.CalleeID,
	}).Info("Outgoing call missed")

	if cb != nil {
		cb(MissedCall{CalleeID: record.CalleeID, Kind: record.Kind})
	}
	m.cleanupSession(sess)
}

// handleEvent dispatches one adapter event for the session.
func (m *Manager) handleEvent(sess *session, ev peer.Event) {
	switch ev := ev.(type) {
	case peer.DescriptionEvent:
		m.handleLocalDescription(sess, ev.Description)

	case peer.CandidateEvent:
		m.mu.Lock()
		record := sess.record
		cleaned := sess.cleaned
		m.mu.Unlock()
		if cleaned || record == nil {
			return
		}
		if err := m.channel.AppendCandidate(context.Background(), record.ID, sess.role, ev.Candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"call_id":  record.ID,
				"error":    err.Error(),
			}).Debug("Candidate append failed")
		}

	case peer.StreamEvent:
		m.mu.Lock()
		record := sess.record
		cb := m.trackCB
		m.mu.Unlock()
		if cb != nil && record != nil {
			cb(record.ID, ev.Track)
		}

	case peer.ConnectedEvent:
		m.mu.Lock()
		record := sess.record
		cb := m.connectedCB
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleEvent",
			"call_id":  record.ID,
		}).Info("Peer transport connected")
		if cb != nil {
			cb(record.ID)
		}

	case peer.ClosedEvent:
		m.cleanupSession(sess)

	case peer.ErrorEvent:
		m.mu.Lock()
		record := sess.record
		terminal := sess.lastStatus.Terminal()
		m.mu.Unlock()
		if peer.ExpectedAbort(ev.Err) {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"call_id":  record.ID,
			}).Debug("Peer connection aborted by teardown")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"call_id":  record.ID,
				"error":    ev.Err.Error(),
			}).Error("Peer connection failed")
		}
		if !terminal {
			m.writeStatus(record.ID, signaling.StatusEnded)
		}
		m.cleanupSession(sess)
	}
}

// handleLocalDescription applies the adapter's locally produced
// description: the caller writes the offer and promotes the record to
// ringing; the callee clears stale answer-side candidates, then writes
// the answer and promotes to answered. Each write happens at most once
// per call.
func (m *Manager) handleLocalDescription(sess *session, desc signaling.SessionDescription) {
	m.mu.Lock()
	record := sess.record
	if sess.cleaned || record == nil {
		m.mu.Unlock()
		return
	}
	var update signaling.CallUpdate
	if sess.role == signaling.SideCaller {
		if sess.offerPhase == phaseSignaled {
			m.mu.Unlock()
			return
		}
		sess.offerPhase = phaseSignaled
		status := signaling.StatusRinging
		update = signaling.CallUpdate{Offer: &desc, Status: &status}
	} else {
		if sess.answerPhase == phaseSignaled {
			m.mu.Unlock()
			return
		}
		sess.answerPhase = phaseSignaled
		status := signaling.StatusAnswered
		update = signaling.CallUpdate{Answer: &desc, Status: &status}
	}
	m.mu.Unlock()

	if sess.role == signaling.SideAnswer {
		// Drop candidates left over from an earlier aborted accept so
		// the caller does not replay obsolete ICE candidates.
		if err := m.channel.ClearCandidates(context.Background(), record.ID, signaling.SideAnswer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleLocalDescription",
				"call_id":  record.ID,
				"error":    err.Error(),
			}).Debug("Stale candidate cleanup failed")
		}
	}

	if err := m.channel.UpdateCall(context.Background(), record.ID, update); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleLocalDescription",
			"call_id":  record.ID,
			"role":     sess.role.String(),
			"error":    err.Error(),
		}).Warn("Description write failed, treating as remote hangup")
		m.cleanupSession(sess)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleLocalDescription",
		"call_id":  record.ID,
		"type":     desc.Type,
	}).Debug("Local description written")
}

// handleRecord reacts to call record snapshots. Delivery is
// at-least-once: the offer/answer latches guarantee each description is
// signaled into the adapter exactly once, and stale status snapshots
// are ignored.
func (m *Manager) handleRecord(sess *session, record *signaling.CallRecord) {
	m.mu.Lock()
	if sess.cleaned {
		m.mu.Unlock()
		return
	}
	var signalDesc *signaling.SessionDescription
	if sess.role == signaling.SideAnswer && record.Offer != nil && sess.offerPhase == phaseNotSignaled {
		sess.offerPhase = phaseSignaled
		signalDesc = record.Offer
	}
	if sess.role == signaling.SideCaller && record.Answer != nil && sess.answerPhase == phaseNotSignaled {
		sess.answerPhase = phaseSignaled
		signalDesc = record.Answer
	}

	statusChanged := false
	if record.Status != sess.lastStatus && sess.lastStatus.CanAdvance(record.Status) {
		sess.lastStatus = record.Status
		statusChanged = true
		if record.Status == signaling.StatusAnswered && sess.ringTimer != nil {
			sess.ringTimer.Stop()
		}
	}
	scheduleCleanup := false
	if record.Status.Terminal() && !sess.terminalScheduled {
		sess.terminalScheduled = true
		scheduleCleanup = true
	}
	adapter := sess.adapter
	statusCB := m.statusCB
	m.mu.Unlock()

	if signalDesc != nil && adapter != nil {
		if err := adapter.SignalDescription(*signalDesc); err != nil && !errors.Is(err, peer.ErrAdapterClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "handleRecord",
				"call_id":  record.ID,
				"type":     signalDesc.Type,
				"error":    err.Error(),
			}).Error("Signaling remote description failed")
		}
	}
	if statusChanged && statusCB != nil {
		statusCB(record.ID, record.Status)
	}
	if scheduleCleanup {
		// Grace period lets in-flight signals settle before teardown.
		m.tp.AfterFunc(m.terminalGrace, func() { m.cleanupSession(sess) })
	}
}

// handleCandidate forwards one remote candidate into the adapter.
func (m *Manager) handleCandidate(sess *session, cand signaling.Candidate) {
	m.mu.Lock()
	adapter := sess.adapter
	cleaned := sess.cleaned
	m.mu.Unlock()
	if cleaned || adapter == nil {
		return
	}
	if err := adapter.SignalCandidate(cand); err != nil && !errors.Is(err, peer.ErrAdapterClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"error":    err.Error(),
		}).Debug("Remote candidate rejected")
	}
}

// cleanupSession releases everything the session owns: watchers,
// adapter, local media, timers, and the active slot. Idempotent and
// re-entrant; callable from any state.
func (m *Manager) cleanupSession(sess *session) {
	m.mu.Lock()
	if sess.cleaned {
		m.mu.Unlock()
		return
	}
	sess.cleaned = true
	subs := sess.subs
	sess.subs = nil
	adapter := sess.adapter
	stream := sess.stream
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	if m.active == sess {
		m.active = nil
	}
	record := sess.record
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if adapter != nil {
		_ = adapter.Close()
	}
	if stream != nil {
		stream.Stop()
	}

	if record != nil {
		logrus.WithFields(logrus.Fields{
			"function": "cleanupSession",
			"call_id":  record.ID,
			"user_id":  m.userID,
		}).Info("Call session cleaned up")
	}
}

// attachSubs stores subscriptions on the session, closing them
// immediately if cleanup already ran.
func (m *Manager) attachSubs(sess *session, subs ...signaling.Subscription) {
	m.mu.Lock()
	if sess.cleaned {
		m.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		return
	}
	sess.subs = append(sess.subs, subs...)
	m.mu.Unlock()
}

// writeStatus is a best-effort terminal status write used on paths
// where local teardown must proceed regardless of the outcome.
func (m *Manager) writeStatus(callID string, status signaling.CallStatus) {
	err := m.channel.UpdateCall(context.Background(), callID, signaling.StatusUpdate(status))
	if err != nil && !errors.Is(err, signaling.ErrNotFound) && !errors.Is(err, signaling.ErrWriteConflict) {
		logrus.WithFields(logrus.Fields{
			"function": "writeStatus",
			"call_id":  callID,
			"status":   status.String(),
			"error":    err.Error(),
		}).Warn("Status write failed")
	}
}

// dismiss fires the incoming-prompt dismissal callback.
func (m *Manager) dismiss(callID string) {
	m.mu.Lock()
	cb := m.dismissCB
	m.mu.Unlock()
	if cb != nil {
		cb(callID)
	}
}
