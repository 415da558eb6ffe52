package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/signaling"
)

// Compile-time interface checks.
var (
	_ signaling.Channel   = (*Client)(nil)
	_ signaling.SyncStore = (*Client)(nil)
)

// Client is a signaling channel and sync store speaking the wschannel
// protocol to a remote Server.
//
// Event handlers run on a single dispatch goroutine in delivery order,
// never on the connection read loop, so handlers may issue further
// channel calls without deadlocking.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan frame
	handlers map[uint64]func(frame)
	// Events can arrive for a subscription before its watch response;
	// they are held here until the handler registers.
	buffered map[uint64][]frame
	closed   bool

	// Unbounded event queue feeding the dispatch goroutine. The read
	// loop must never block on dispatch: a blocked handler may be
	// waiting on a response only the read loop can deliver.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []frame
	queueDone bool

	done chan struct{}
}

// Dial connects to a wschannel server at the given WebSocket URL
// (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[uint64]chan frame),
		handlers: make(map[uint64]func(frame)),
		buffered: make(map[uint64][]frame),
		done:     make(chan struct{}),
	}
	c.queueCond = sync.NewCond(&c.queueMu)
	go c.readLoop()
	go c.dispatchLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Info("Connected to signaling server")
	return c, nil
}

// Close tears down the connection. Pending requests fail with
// ErrChannelClosed and watch subscriptions stop delivering.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.failPending()
		c.queueMu.Lock()
		c.queueDone = true
		c.queueCond.Signal()
		c.queueMu.Unlock()
	}()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Signaling connection lost")
			}
			return
		}
		if f.Event != "" {
			c.queueMu.Lock()
			c.queue = append(c.queue, f)
			c.queueCond.Signal()
			c.queueMu.Unlock()
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Client) dispatchLoop() {
	defer close(c.done)
	for {
		c.queueMu.Lock()
		for len(c.queue) == 0 && !c.queueDone {
			c.queueCond.Wait()
		}
		if len(c.queue) == 0 {
			c.queueMu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.mu.Lock()
		handler, ok := c.handlers[f.Sub]
		if !ok {
			c.buffered[f.Sub] = append(c.buffered[f.Sub], f)
		}
		c.mu.Unlock()
		if ok {
			handler(f)
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan frame)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- frame{Error: codeChannelClosed}
	}
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, op string, params any, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signaling.ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(frame{ID: id, Op: op, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", op, err)
	}

	var resp frame
	select {
	case resp = <-ch:
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
	if resp.Error != "" {
		return decodeErr(resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// watch performs a watch request and wires the event handler, flushing
// any events that raced ahead of the response.
func (c *Client) watch(ctx context.Context, op string, params any, handler func(frame)) (signaling.Subscription, error) {
	var res subResult
	if err := c.call(ctx, op, params, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	held := c.buffered[res.Sub]
	delete(c.buffered, res.Sub)
	c.handlers[res.Sub] = handler
	c.mu.Unlock()

	for _, f := range held {
		handler(f)
	}
	return &clientSubscription{client: c, sub: res.Sub}, nil
}

type clientSubscription struct {
	client *Client
	sub    uint64
	once   sync.Once
}

func (s *clientSubscription) Close() {
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.handlers, s.sub)
		delete(c.buffered, s.sub)
		c.mu.Unlock()
		// Best effort; the server also drops subscriptions on disconnect.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.call(ctx, opUnwatch, unwatchParams{Sub: s.sub}, nil)
	})
}

// CreateCall stores a fresh call record on the server.
func (c *Client) CreateCall(ctx context.Context, record *signaling.CallRecord) error {
	return c.call(ctx, opCreateCall, createCallParams{Record: record}, nil)
}

// UpdateCall merges non-nil update fields into the remote record.
func (c *Client) UpdateCall(ctx context.Context, callID string, update signaling.CallUpdate) error {
	return c.call(ctx, opUpdateCall, updateCallParams{CallID: callID, Update: update}, nil)
}

// GetCall returns a snapshot of the remote record.
func (c *Client) GetCall(ctx context.Context, callID string) (*signaling.CallRecord, error) {
	var record signaling.CallRecord
	if err := c.call(ctx, opGetCall, callParams{CallID: callID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// AppendCandidate appends one candidate to the side's collection.
func (c *Client) AppendCandidate(ctx context.Context, callID string, side signaling.CandidateSide, cand signaling.Candidate) error {
	return c.call(ctx, opAppendCandidate, candidateParams{CallID: callID, Side: side, Candidate: cand}, nil)
}

// ClearCandidates drops all candidates on the given side.
func (c *Client) ClearCandidates(ctx context.Context, callID string, side signaling.CandidateSide) error {
	return c.call(ctx, opClearCandidates, candidateParams{CallID: callID, Side: side}, nil)
}

// WatchCall subscribes to record snapshots.
func (c *Client) WatchCall(ctx context.Context, callID string, fn func(*signaling.CallRecord)) (signaling.Subscription, error) {
	return c.watch(ctx, opWatchCall, callParams{CallID: callID}, func(f frame) {
		var record signaling.CallRecord
		if err := json.Unmarshal(f.Data, &record); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WatchCall",
				"error":    err,
			}).Warn("Dropping malformed record event")
			return
		}
		fn(&record)
	})
}

// WatchCandidates subscribes to the side's candidate stream.
func (c *Client) WatchCandidates(ctx context.Context, callID string, side signaling.CandidateSide, fn func(signaling.Candidate)) (signaling.Subscription, error) {
	return c.watch(ctx, opWatchCandidates, candidateParams{CallID: callID, Side: side}, func(f frame) {
		var cand signaling.Candidate
		if err := json.Unmarshal(f.Data, &cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WatchCandidates",
				"error":    err,
			}).Warn("Dropping malformed candidate event")
			return
		}
		fn(cand)
	})
}

// WatchIncoming subscribes to incoming calls for the user and kind.
func (c *Client) WatchIncoming(ctx context.Context, userID string, kind signaling.CallKind, fn func(*signaling.CallRecord)) (signaling.Subscription, error) {
	return c.watch(ctx, opWatchIncoming, incomingParams{UserID: userID, Kind: kind}, func(f frame) {
		var record signaling.CallRecord
		if err := json.Unmarshal(f.Data, &record); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WatchIncoming",
				"error":    err,
			}).Warn("Dropping malformed record event")
			return
		}
		fn(&record)
	})
}

// JoinQueue upserts the user's waiting-pool entry.
func (c *Client) JoinQueue(ctx context.Context, userID string, ts time.Time) error {
	return c.call(ctx, opJoinQueue, queueParams{UserID: userID, Timestamp: ts}, nil)
}

// LeaveQueue removes the user's entry if present.
func (c *Client) LeaveQueue(ctx context.Context, userID string) error {
	return c.call(ctx, opLeaveQueue, queueParams{UserID: userID}, nil)
}

// TryMatch asks the server to claim a waiting peer.
func (c *Client) TryMatch(ctx context.Context, userID string, now time.Time) (*signaling.SyncCall, error) {
	var call signaling.SyncCall
	if err := c.call(ctx, opTryMatch, queueParams{UserID: userID, Timestamp: now}, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetSyncCall returns a snapshot of the sync call.
func (c *Client) GetSyncCall(ctx context.Context, callID string) (*signaling.SyncCall, error) {
	var call signaling.SyncCall
	if err := c.call(ctx, opGetSyncCall, callParams{CallID: callID}, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// EndSyncCall marks the sync call ended.
func (c *Client) EndSyncCall(ctx context.Context, callID string) error {
	return c.call(ctx, opEndSyncCall, callParams{CallID: callID}, nil)
}

// AppendMessage appends one chat message to the sync call.
func (c *Client) AppendMessage(ctx context.Context, callID string, msg signaling.ChatMessage) error {
	return c.call(ctx, opAppendMessage, messageParams{CallID: callID, Message: msg}, nil)
}

// WatchSyncCalls subscribes to the user's sync call pairings.
func (c *Client) WatchSyncCalls(ctx context.Context, userID string, fn func(*signaling.SyncCall)) (signaling.Subscription, error) {
	return c.watch(ctx, opWatchSyncCalls, userParams{UserID: userID}, func(f frame) {
		var call signaling.SyncCall
		if err := json.Unmarshal(f.Data, &call); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WatchSyncCalls",
				"error":    err,
			}).Warn("Dropping malformed sync call event")
			return
		}
		fn(&call)
	})
}

// WatchMessages subscribes to the sync call's chat stream.
func (c *Client) WatchMessages(ctx context.Context, callID string, fn func(signaling.ChatMessage)) (signaling.Subscription, error) {
	return c.watch(ctx, opWatchMessages, callParams{CallID: callID}, func(f frame) {
		var msg signaling.ChatMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WatchMessages",
				"error":    err,
			}).Warn("Dropping malformed message event")
			return
		}
		fn(msg)
	})
}
