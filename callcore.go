package callcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/call"
	"github.com/anonsoc/callcore/match"
	"github.com/anonsoc/callcore/peer"
	"github.com/anonsoc/callcore/signaling"
)

// Options contains configuration for creating a Client.
type Options struct {
	// Channel is the signaling medium. Defaults to a fresh in-process
	// memory channel.
	Channel signaling.Channel

	// SyncStore is the matchmaking store. When nil and the channel
	// implements SyncStore (the memory, sqlite and websocket backends
	// all do), the channel is used.
	SyncStore signaling.SyncStore

	// Media acquires local capture streams. Defaults to a receive-only
	// source with no local tracks.
	Media peer.MediaSource

	// Adapters builds peer adapters. Defaults to the pion factory.
	Adapters peer.Factory

	// ICEServers for connectivity establishment.
	ICEServers []peer.ICEServer

	// RingTimeout is how long an unanswered call rings before it is
	// marked missed.
	RingTimeout time.Duration

	// TerminalGrace is the settle delay between observing a terminal
	// status and running cleanup.
	TerminalGrace time.Duration
}

// NewOptions creates Options with production defaults.
func NewOptions() *Options {
	return &Options{
		ICEServers:    peer.DefaultICEServers(),
		RingTimeout:   call.DefaultRingTimeout,
		TerminalGrace: call.DefaultTerminalGrace,
	}
}

// Client is the main API facade: one instance per signed-in user,
// integrating the voice and video call state machines and the
// matchmaking queue over a shared signaling channel.
type Client struct {
	userID  string
	channel signaling.Channel
	voice   *call.Manager
	video   *call.Manager
	matcher *match.Matcher
}

// New creates a client for the given user.
func New(userID string, options *Options) (*Client, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if options == nil {
		options = NewOptions()
	}

	channel := options.Channel
	store := options.SyncStore
	if channel == nil {
		mem := signaling.NewMemoryChannel()
		channel = mem
		if store == nil {
			store = mem
		}
	}
	if store == nil {
		if s, ok := channel.(signaling.SyncStore); ok {
			store = s
		} else {
			return nil, errors.New("options require a sync store")
		}
	}
	media := options.Media
	if media == nil {
		media = peer.NewStaticSource()
	}

	voice, err := call.NewManager(call.Config{
		UserID:        userID,
		Kind:          signaling.KindVoice,
		Channel:       channel,
		Media:         media,
		Adapters:      options.Adapters,
		ICEServers:    options.ICEServers,
		RingTimeout:   options.RingTimeout,
		TerminalGrace: options.TerminalGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("create voice manager: %w", err)
	}
	video, err := call.NewManager(call.Config{
		UserID:        userID,
		Kind:          signaling.KindVideo,
		Channel:       channel,
		Media:         media,
		Adapters:      options.Adapters,
		ICEServers:    options.ICEServers,
		RingTimeout:   options.RingTimeout,
		TerminalGrace: options.TerminalGrace,
	})
	if err != nil {
		voice.Close()
		return nil, fmt.Errorf("create video manager: %w", err)
	}
	matcher, err := match.NewMatcher(match.Config{
		UserID: userID,
		Store:  store,
	})
	if err != nil {
		voice.Close()
		video.Close()
		return nil, fmt.Errorf("create matcher: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  userID,
	}).Info("Client created")

	return &Client{
		userID:  userID,
		channel: channel,
		voice:   voice,
		video:   video,
		matcher: matcher,
	}, nil
}

// manager selects the state machine for a call kind.
func (c *Client) manager(kind signaling.CallKind) *call.Manager {
	if kind == signaling.KindVideo {
		return c.video
	}
	return c.voice
}

// StartVoiceCall places an outgoing voice call and returns its ID.
func (c *Client) StartVoiceCall(ctx context.Context, calleeID string) (string, error) {
	return c.voice.Start(ctx, calleeID)
}

// StartVideoCall places an outgoing video call and returns its ID.
func (c *Client) StartVideoCall(ctx context.Context, calleeID string) (string, error) {
	return c.video.Start(ctx, calleeID)
}

// AcceptCall answers the pending incoming call of the given kind.
func (c *Client) AcceptCall(ctx context.Context, kind signaling.CallKind) error {
	return c.manager(kind).Accept(ctx)
}

// DeclineCall rejects the pending incoming call of the given kind.
func (c *Client) DeclineCall(ctx context.Context, kind signaling.CallKind) error {
	return c.manager(kind).Decline(ctx)
}

// HangUp ends the active call of the given kind.
func (c *Client) HangUp(ctx context.Context, kind signaling.CallKind) error {
	return c.manager(kind).HangUp(ctx)
}

// FindOrStartSync pairs the user with a random waiting peer or
// enqueues the user; see match.Matcher.FindOrStartCall.
func (c *Client) FindOrStartSync(ctx context.Context) (*signaling.SyncCall, error) {
	return c.matcher.FindOrStartCall(ctx)
}

// LeaveSyncQueue removes the user from the waiting pool.
func (c *Client) LeaveSyncQueue(ctx context.Context) error {
	return c.matcher.LeaveQueue(ctx)
}

// HangUpSync tears down the active sync call.
func (c *Client) HangUpSync(ctx context.Context) error {
	return c.matcher.HangUp(ctx)
}

// SendSyncMessage appends a chat message to the active sync call.
func (c *Client) SendSyncMessage(ctx context.Context, text string) error {
	return c.matcher.SendMessage(ctx, text)
}

// OnIncomingCall registers the callback presenting incoming calls of
// either kind.
func (c *Client) OnIncomingCall(fn func(*signaling.CallRecord)) {
	c.voice.OnIncomingCall(fn)
	c.video.OnIncomingCall(fn)
}

// OnIncomingDismissed registers the callback dismissing an incoming
// call prompt.
func (c *Client) OnIncomingDismissed(fn func(callID string)) {
	c.voice.OnIncomingDismissed(fn)
	c.video.OnIncomingDismissed(fn)
}

// OnCallStatus registers the callback observing call status changes.
func (c *Client) OnCallStatus(fn func(callID string, status signaling.CallStatus)) {
	c.voice.OnStatusChange(fn)
	c.video.OnStatusChange(fn)
}

// OnRemoteTrack registers the callback receiving inbound media tracks.
func (c *Client) OnRemoteTrack(fn func(callID string, track peer.RemoteTrack)) {
	c.voice.OnRemoteTrack(fn)
	c.video.OnRemoteTrack(fn)
}

// OnConnected registers the callback fired when a call's transport
// connects.
func (c *Client) OnConnected(fn func(callID string)) {
	c.voice.OnConnected(fn)
	c.video.OnConnected(fn)
}

// OnMissedCall registers the callback receiving missed-call
// notifications for outgoing calls.
func (c *Client) OnMissedCall(fn func(call.MissedCall)) {
	c.voice.OnMissedCall(fn)
	c.video.OnMissedCall(fn)
}

// OnSyncMatched registers the callback fired when a sync pairing
// becomes active.
func (c *Client) OnSyncMatched(fn func(*signaling.SyncCall)) {
	c.matcher.OnMatched(fn)
}

// OnSyncEnded registers the callback fired when the active sync call
// ends remotely.
func (c *Client) OnSyncEnded(fn func(callID string)) {
	c.matcher.OnEnded(fn)
}

// OnSyncMessage registers the callback receiving sync chat messages.
func (c *Client) OnSyncMessage(fn func(signaling.ChatMessage)) {
	c.matcher.OnMessage(fn)
}

// UserID returns the local participant identifier.
func (c *Client) UserID() string {
	return c.userID
}

// Kill shuts down all subsystems. Active calls are cleaned up and
// watchers detached.
func (c *Client) Kill() {
	_ = c.voice.Close()
	_ = c.video.Close()
	_ = c.matcher.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"user_id":  c.userID,
	}).Info("Client shut down")
}
