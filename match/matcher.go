// Package match implements the random-pairing matchmaking queue behind
// the "Sync" feature: a waiting pool of users seeking a random video
// chat, paired atomically two at a time into sync calls with an
// attached chat stream.
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/signaling"
)

const (
	// DefaultBackoffMin and DefaultBackoffMax bound the randomized
	// first-retry delay after a pairing transaction conflict, spreading
	// simultaneously retrying clients apart.
	DefaultBackoffMin = 300 * time.Millisecond
	DefaultBackoffMax = 800 * time.Millisecond

	// DefaultBackoffCap bounds the exponential growth of the retry
	// delay under sustained contention.
	DefaultBackoffCap = 5 * time.Second
)

// TimeProvider is an interface for reading the current time, allowing
// deterministic timestamps in tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// Config configures a Matcher.
type Config struct {
	// UserID is the local participant identifier.
	UserID string
	// Store is the matchmaking half of the signaling medium.
	Store signaling.SyncStore
	// BackoffMin, BackoffMax and BackoffCap override the retry delay
	// bounds; zero values keep the defaults.
	BackoffMin time.Duration
	BackoffMax time.Duration
	BackoffCap time.Duration
	// TimeProvider allows injecting time for tests.
	TimeProvider TimeProvider
}

// Matcher runs matchmaking for one user: finding or waiting for a
// random peer, adopting the resulting sync call, relaying its chat
// stream, and tearing down optimistically on hang-up.
type Matcher struct {
	userID string
	store  signaling.SyncStore
	tp     TimeProvider

	backoffMin time.Duration
	backoffMax time.Duration
	backoffCap time.Duration

	mu      sync.Mutex
	active  *signaling.SyncCall
	waiting bool
	callSub signaling.Subscription
	msgSub  signaling.Subscription
	closed  bool

	matchedCB func(*signaling.SyncCall)
	endedCB   func(callID string)
	messageCB func(signaling.ChatMessage)
}

// NewMatcher creates a matcher and begins watching for sync calls that
// include the user, so a pairing created by another client's matcher is
// adopted without any action on this side.
func NewMatcher(cfg Config) (*Matcher, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("sync store cannot be nil")
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax <= cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin + (DefaultBackoffMax - DefaultBackoffMin)
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}

	m := &Matcher{
		userID:     cfg.UserID,
		store:      cfg.Store,
		tp:         cfg.TimeProvider,
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		backoffCap: cfg.BackoffCap,
	}

	sub, err := m.store.WatchSyncCalls(context.Background(), m.userID, m.handleSyncCall)
	if err != nil {
		return nil, fmt.Errorf("watch sync calls: %w", err)
	}
	m.mu.Lock()
	m.callSub = sub
	m.mu.Unlock()

	return m, nil
}

// FindOrStartCall pairs the user with a waiting peer, or enqueues the
// user when the pool is empty. A non-nil call means a pairing was
// created; a nil call with nil error means the user is now waiting and
// the sync-call watcher will report the eventual match. Pairing
// conflicts are retried with randomized exponential backoff until the
// context is cancelled.
func (m *Matcher) FindOrStartCall(ctx context.Context) (*signaling.SyncCall, error) {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMatcherClosed
		}
		if m.active != nil {
			m.mu.Unlock()
			return nil, ErrAlreadyInCall
		}
		m.mu.Unlock()

		call, err := m.store.TryMatch(ctx, m.userID, m.tp.Now())
		switch {
		case err == nil:
			logrus.WithFields(logrus.Fields{
				"function":     "FindOrStartCall",
				"sync_call_id": call.ID,
				"user_id":      m.userID,
			}).Info("Paired with waiting peer")
			return call, nil

		case errors.Is(err, signaling.ErrNoPeerWaiting):
			if err := m.store.JoinQueue(ctx, m.userID, m.tp.Now()); err != nil {
				return nil, fmt.Errorf("join waiting pool: %w", err)
			}
			m.mu.Lock()
			m.waiting = true
			m.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "FindOrStartCall",
				"user_id":  m.userID,
			}).Info("No peer waiting, enqueued")
			return nil, nil

		case errors.Is(err, signaling.ErrWriteConflict):
			delay := m.nextBackoff(attempt)
			logrus.WithFields(logrus.Fields{
				"function": "FindOrStartCall",
				"user_id":  m.userID,
				"attempt":  attempt + 1,
				"delay":    delay,
			}).Debug("Pairing transaction conflicted, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

		default:
			return nil, fmt.Errorf("match attempt: %w", err)
		}
	}
}

// LeaveQueue removes the user from the waiting pool. Safe to call when
// not enqueued.
func (m *Matcher) LeaveQueue(ctx context.Context) error {
	m.mu.Lock()
	m.waiting = false
	m.mu.Unlock()
	return m.store.LeaveQueue(ctx, m.userID)
}

// HangUp tears down the active sync call: local state is cleared
// immediately, then the terminal status is written best-effort. The
// peer's own watcher performs its cleanup independently; no
// acknowledgement handshake exists.
func (m *Matcher) HangUp(ctx context.Context) error {
	m.mu.Lock()
	call := m.active
	wasWaiting := m.waiting
	m.active = nil
	m.waiting = false
	msgSub := m.msgSub
	m.msgSub = nil
	m.mu.Unlock()

	if msgSub != nil {
		msgSub.Close()
	}
	if wasWaiting {
		_ = m.store.LeaveQueue(ctx, m.userID)
	}
	if call == nil {
		if wasWaiting {
			return nil
		}
		return ErrNotInCall
	}

	if err := m.store.EndSyncCall(ctx, call.ID); err != nil && !errors.Is(err, signaling.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":     "HangUp",
			"sync_call_id": call.ID,
			"error":        err.Error(),
		}).Warn("Terminal status write failed, local cleanup already done")
	}
	return nil
}

// SendMessage appends one chat message to the active sync call.
func (m *Matcher) SendMessage(ctx context.Context, text string) error {
	m.mu.Lock()
	call := m.active
	m.mu.Unlock()
	if call == nil {
		return ErrNotInCall
	}
	msg := signaling.ChatMessage{
		SenderID:  m.userID,
		Text:      text,
		Timestamp: m.tp.Now(),
	}
	if err := m.store.AppendMessage(ctx, call.ID, msg); err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// Active returns the currently adopted sync call, or nil.
func (m *Matcher) Active() *signaling.SyncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	c := *m.active
	return &c
}

// Waiting reports whether the user sits in the waiting pool.
func (m *Matcher) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// Close shuts the matcher down and leaves the waiting pool.
func (m *Matcher) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	callSub := m.callSub
	msgSub := m.msgSub
	wasWaiting := m.waiting
	m.active = nil
	m.waiting = false
	m.mu.Unlock()

	if callSub != nil {
		callSub.Close()
	}
	if msgSub != nil {
		msgSub.Close()
	}
	if wasWaiting {
		_ = m.store.LeaveQueue(context.Background(), m.userID)
	}
	return nil
}

// OnMatched registers the callback fired when a sync call including
// the user becomes active (whether created locally or by the peer).
func (m *Matcher) OnMatched(fn func(*signaling.SyncCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchedCB = fn
}

// OnEnded registers the callback fired when the active sync call ends
// remotely.
func (m *Matcher) OnEnded(fn func(callID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedCB = fn
}

// OnMessage registers the callback receiving chat messages.
func (m *Matcher) OnMessage(fn func(signaling.ChatMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageCB = fn
}

// handleSyncCall adopts pairings and mirrors terminal transitions.
func (m *Matcher) handleSyncCall(call *signaling.SyncCall) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if call.Status == signaling.SyncEnded {
		if m.active == nil || m.active.ID != call.ID {
			m.mu.Unlock()
			return
		}
		m.active = nil
		msgSub := m.msgSub
		m.msgSub = nil
		cb := m.endedCB
		m.mu.Unlock()

		if msgSub != nil {
			msgSub.Close()
		}
		logrus.WithFields(logrus.Fields{
			"function":     "handleSyncCall",
			"sync_call_id": call.ID,
			"user_id":      m.userID,
		}).Info("Sync call ended by peer")
		if cb != nil {
			cb(call.ID)
		}
		return
	}

	if m.active != nil {
		if m.active.ID == call.ID {
			m.active = call
		} else {
			// Matchmaking removes the matched entry before creating the
			// call, so a second concurrent pairing should not happen.
			logrus.WithFields(logrus.Fields{
				"function":     "handleSyncCall",
				"sync_call_id": call.ID,
				"active_id":    m.active.ID,
			}).Warn("Ignoring second active sync call")
		}
		m.mu.Unlock()
		return
	}
	m.active = call
	m.waiting = false
	cb := m.matchedCB
	m.mu.Unlock()

	msgSub, err := m.store.WatchMessages(context.Background(), call.ID, m.handleMessage)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "handleSyncCall",
			"sync_call_id": call.ID,
			"error":        err.Error(),
		}).Warn("Chat watch failed")
	} else {
		m.mu.Lock()
		if m.active != nil && m.active.ID == call.ID && m.msgSub == nil {
			m.msgSub = msgSub
			msgSub = nil
		}
		m.mu.Unlock()
		if msgSub != nil {
			msgSub.Close()
		}
	}
	_ = m.store.LeaveQueue(context.Background(), m.userID)

	logrus.WithFields(logrus.Fields{
		"function":     "handleSyncCall",
		"sync_call_id": call.ID,
		"user_id":      m.userID,
		"participants": call.ParticipantIDs,
	}).Info("Sync call adopted")
	if cb != nil {
		cb(call)
	}
}

func (m *Matcher) handleMessage(msg signaling.ChatMessage) {
	m.mu.Lock()
	cb := m.messageCB
	m.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// nextBackoff computes the retry delay for the given attempt: a
// randomized base in [backoffMin, backoffMax) doubled per attempt and
// capped.
func (m *Matcher) nextBackoff(attempt int) time.Duration {
	span := int64(m.backoffMax - m.backoffMin)
	base := m.backoffMin + time.Duration(rand.Int63n(span))
	delay := base << uint(attempt)
	if delay > m.backoffCap || delay < 0 {
		delay = m.backoffCap
	}
	return delay
}
