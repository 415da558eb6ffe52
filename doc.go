// Package callcore implements peer-to-peer call signaling and
// matchmaking for 1:1 voice and video calls over an observable
// document store used as the signaling channel.
//
// The package provides the main API facade that integrates the
// subsystems: the signaling channel abstraction, the WebRTC peer
// adapter, the per-kind call state machines, and the random-pairing
// matchmaking queue ("sync").
//
// # Getting Started
//
// Create a client with options and set up callbacks for events:
//
//	options := callcore.NewOptions()
//
//	client, err := callcore.New("alice", options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Kill()
//
//	client.OnIncomingCall(func(rec *signaling.CallRecord) {
//	    client.AcceptCall(context.Background(), rec.Kind)
//	})
//
//	client.OnCallStatus(func(callID string, status signaling.CallStatus) {
//	    fmt.Printf("call %s: %s\n", callID, status)
//	})
//
//	callID, err := client.StartVoiceCall(context.Background(), "bob")
//
// # Core Types
//
//   - [Client]: main API facade integrating all subsystems
//   - [Options]: configuration for creating a new Client
//   - [signaling.Channel]: the pluggable signaling medium
//   - [peer.Adapter]: the event-based peer connection wrapper
//
// # Signaling Backends
//
// By default a client runs over an in-process memory channel, which is
// enough for tests and single-process deployments. The sqlitestore
// package provides a durable store, and wschannel connects to a remote
// signald server, so two clients on different machines can share one
// signaling medium.
//
// # Matchmaking
//
// FindOrStartSync pairs the user with a random waiting peer:
//
//	client.OnSyncMatched(func(call *signaling.SyncCall) {
//	    fmt.Println("paired:", call.ParticipantIDs)
//	})
//	syncCall, err := client.FindOrStartSync(context.Background())
//	if syncCall == nil && err == nil {
//	    // now waiting; OnSyncMatched fires when a peer arrives
//	}
package callcore
