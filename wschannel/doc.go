// Package wschannel carries the signaling protocol over a WebSocket
// connection, letting clients in different processes share one store.
//
// The Server wraps any local signaling.Channel/SyncStore pair (the
// in-memory channel or a sqlitestore.Store) and speaks a JSON frame
// protocol: request/response frames correlated by ID, plus event
// frames tagged with a server-assigned subscription ID. The Client
// implements signaling.Channel and signaling.SyncStore on top of that
// protocol, so call managers and matchers use it exactly like a local
// store.
package wschannel
