package wschannel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/anonsoc/callcore/signaling"
)

// Server exposes a local signaling channel and sync store over
// WebSocket. One Server instance serves any number of connections; all
// of them observe the same store, so watchers on one connection see
// mutations made on another.
type Server struct {
	channel  signaling.Channel
	store    signaling.SyncStore
	upgrader websocket.Upgrader
}

// NewServer wraps the given channel and store. Store may be nil when
// the channel also implements signaling.SyncStore.
func NewServer(channel signaling.Channel, store signaling.SyncStore) *Server {
	if store == nil {
		if s, ok := channel.(signaling.SyncStore); ok {
			store = s
		}
	}
	return &Server{
		channel: channel,
		store:   store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the deployment's outer proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the signaling protocol
// until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Warn("WebSocket upgrade failed")
		return
	}
	sc := &serverConn{
		server: s,
		conn:   conn,
		subs:   make(map[uint64]signaling.Subscription),
	}
	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"remote":   r.RemoteAddr,
	}).Info("Signaling client connected")
	sc.run()
}

// serverConn is one client connection and its live subscriptions.
type serverConn struct {
	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[uint64]signaling.Subscription
	nextSub uint64
	closed  bool
}

func (c *serverConn) run() {
	defer c.teardown()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.handle(f)
	}
}

func (c *serverConn) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]signaling.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	c.conn.Close()
	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"remote":   c.conn.RemoteAddr().String(),
	}).Info("Signaling client disconnected")
}

// handle executes one request frame and writes its response. Requests
// on a connection are processed sequentially.
func (c *serverConn) handle(f frame) {
	result, err := c.dispatch(f)
	resp := frame{ID: f.ID}
	if err != nil {
		resp.Error = encodeErr(err)
	} else {
		resp.OK = true
		resp.Result = result
	}
	c.write(resp)
}

func (c *serverConn) dispatch(f frame) (json.RawMessage, error) {
	ctx := context.Background()
	switch f.Op {
	case opCreateCall:
		var p createCallParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.channel.CreateCall(ctx, p.Record)

	case opUpdateCall:
		var p updateCallParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.channel.UpdateCall(ctx, p.CallID, p.Update)

	case opGetCall:
		var p callParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		record, err := c.server.channel.GetCall(ctx, p.CallID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(record)

	case opAppendCandidate:
		var p candidateParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.channel.AppendCandidate(ctx, p.CallID, p.Side, p.Candidate)

	case opClearCandidates:
		var p candidateParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.channel.ClearCandidates(ctx, p.CallID, p.Side)

	case opWatchCall:
		var p callParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return c.attach(func(subID uint64) (signaling.Subscription, error) {
			return c.server.channel.WatchCall(ctx, p.CallID, func(record *signaling.CallRecord) {
				c.writeEvent(subID, eventRecord, record)
			})
		})

	case opWatchCandidates:
		var p candidateParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return c.attach(func(subID uint64) (signaling.Subscription, error) {
			return c.server.channel.WatchCandidates(ctx, p.CallID, p.Side, func(cand signaling.Candidate) {
				c.writeEvent(subID, eventCandidate, cand)
			})
		})

	case opWatchIncoming:
		var p incomingParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return c.attach(func(subID uint64) (signaling.Subscription, error) {
			return c.server.channel.WatchIncoming(ctx, p.UserID, p.Kind, func(record *signaling.CallRecord) {
				c.writeEvent(subID, eventRecord, record)
			})
		})

	case opUnwatch:
		var p unwatchParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		sub, ok := c.subs[p.Sub]
		delete(c.subs, p.Sub)
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
		return nil, nil

	case opJoinQueue:
		var p queueParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.store.JoinQueue(ctx, p.UserID, p.Timestamp)

	case opLeaveQueue:
		var p queueParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.store.LeaveQueue(ctx, p.UserID)

	case opTryMatch:
		var p queueParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		call, err := c.server.store.TryMatch(ctx, p.UserID, p.Timestamp)
		if err != nil {
			return nil, err
		}
		return json.Marshal(call)

	case opGetSyncCall:
		var p callParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		call, err := c.server.store.GetSyncCall(ctx, p.CallID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(call)

	case opEndSyncCall:
		var p callParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.store.EndSyncCall(ctx, p.CallID)

	case opAppendMessage:
		var p messageParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.server.store.AppendMessage(ctx, p.CallID, p.Message)

	case opWatchSyncCalls:
		var p userParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return c.attach(func(subID uint64) (signaling.Subscription, error) {
			return c.server.store.WatchSyncCalls(ctx, p.UserID, func(call *signaling.SyncCall) {
				c.writeEvent(subID, eventSyncCall, call)
			})
		})

	case opWatchMessages:
		var p callParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, err
		}
		return c.attach(func(subID uint64) (signaling.Subscription, error) {
			return c.server.store.WatchMessages(ctx, p.CallID, func(msg signaling.ChatMessage) {
				c.writeEvent(subID, eventMessage, msg)
			})
		})

	default:
		return nil, &unknownOpError{op: f.Op}
	}
}

// attach assigns a subscription ID, wires the store watcher (which may
// replay events referencing the ID before the response goes out; the
// client buffers those), and returns the ID as the result.
func (c *serverConn) attach(watch func(subID uint64) (signaling.Subscription, error)) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.ErrChannelClosed
	}
	c.nextSub++
	subID := c.nextSub
	c.mu.Unlock()

	sub, err := watch(subID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return nil, signaling.ErrChannelClosed
	}
	c.subs[subID] = sub
	c.mu.Unlock()
	return json.Marshal(subResult{Sub: subID})
}

// writeEvent pushes one subscription event. Called from store watcher
// callbacks, which may run on other connections' request goroutines.
func (c *serverConn) writeEvent(subID uint64, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeEvent",
			"event":    event,
			"error":    err,
		}).Error("Dropping unencodable event")
		return
	}
	c.write(frame{Sub: subID, Event: event, Data: data})
}

func (c *serverConn) write(f frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "write",
			"error":    err,
		}).Debug("Write to signaling client failed")
	}
}

type unknownOpError struct {
	op string
}

func (e *unknownOpError) Error() string {
	return "unknown operation: " + e.op
}
