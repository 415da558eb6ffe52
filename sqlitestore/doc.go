// Package sqlitestore provides a durable signaling.Channel and
// signaling.SyncStore backed by SQLite. Call records, candidate
// collections, the waiting pool, sync calls, and chat messages all
// survive process restarts; matchmaking claims run inside transactions
// serialized on the store's single connection, so two matchers sharing
// one database cannot consume the same queue entry.
//
// Watch delivery is in-process: every mutation flows through the Store,
// which fans snapshots out to attached watchers after the transaction
// commits. Multi-process deployments put a signald server in front of
// one Store and connect clients through the wschannel package.
package sqlitestore
