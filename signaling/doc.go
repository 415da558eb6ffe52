// Package signaling defines the channel abstraction used to exchange
// call-setup state between two peers, together with the data model for
// call records, ICE candidates, the matchmaking queue and sync calls.
//
// The Channel interface is satisfiable by any durable, observable
// key/value or document store that supports create-with-unique-id,
// field-merge update, append-only sub-collections and change
// subscription. The package ships an in-memory implementation
// (MemoryChannel) used for tests and single-process deployments;
// sqlitestore and wschannel provide durable and remote implementations
// of the same contracts.
//
// Watch delivery is at-least-once: callbacks must be idempotent against
// redundant snapshots. No ordering is guaranteed between the
// offer/answer write path and the candidate stream.
package signaling
