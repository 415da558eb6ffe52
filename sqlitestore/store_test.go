package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonsoc/callcore/signaling"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{
		Path: filepath.Join(t.TempDir(), "signaling.db"),
		// Sweeping is exercised explicitly.
		Retention: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestCall(t *testing.T, store *Store) *signaling.CallRecord {
	t.Helper()
	record := signaling.NewCallRecord(signaling.KindVoice, "alice", "bob", time.Now())
	require.NoError(t, store.CreateCall(context.Background(), record))
	return record
}

// TestOpenValidation tests option checks
func TestOpenValidation(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err, "empty path should be rejected")
}

// TestCreateAndGetCall tests persistence round trip
func TestCreateAndGetCall(t *testing.T) {
	store := openTestStore(t)
	record := createTestCall(t, store)

	got, err := store.GetCall(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, signaling.KindVoice, got.Kind)
	assert.Equal(t, "alice", got.CallerID)
	assert.Equal(t, "bob", got.CalleeID)
	assert.Equal(t, signaling.StatusOffering, got.Status)
	assert.Nil(t, got.Offer)

	err = store.CreateCall(context.Background(), record)
	assert.ErrorIs(t, err, signaling.ErrWriteConflict, "duplicate ID should conflict")

	_, err = store.GetCall(context.Background(), "missing")
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

// TestUpdateCallEnforcement tests write-once fields and monotonic status
func TestUpdateCallEnforcement(t *testing.T) {
	store := openTestStore(t)
	record := createTestCall(t, store)
	ctx := context.Background()

	offer := &signaling.SessionDescription{Type: "offer", SDP: "v=0"}
	status := signaling.StatusRinging
	require.NoError(t, store.UpdateCall(ctx, record.ID, signaling.CallUpdate{Offer: offer, Status: &status}))

	got, err := store.GetCall(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Offer)
	assert.Equal(t, "v=0", got.Offer.SDP)
	assert.Equal(t, signaling.StatusRinging, got.Status)

	err = store.UpdateCall(ctx, record.ID, signaling.CallUpdate{Offer: offer})
	assert.ErrorIs(t, err, signaling.ErrWriteConflict, "offer is write-once")

	err = store.UpdateCall(ctx, record.ID, signaling.StatusUpdate(signaling.StatusOffering))
	assert.ErrorIs(t, err, signaling.ErrWriteConflict, "status cannot regress")
}

// TestCandidatePersistence tests append, replay ordering, and clearing
func TestCandidatePersistence(t *testing.T) {
	store := openTestStore(t)
	record := createTestCall(t, store)
	ctx := context.Background()

	for _, c := range []signaling.Candidate{"c1", "c2", "c3"} {
		require.NoError(t, store.AppendCandidate(ctx, record.ID, signaling.SideCaller, c))
	}

	var got []signaling.Candidate
	sub, err := store.WatchCandidates(ctx, record.ID, signaling.SideCaller, func(c signaling.Candidate) {
		got = append(got, c)
	})
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, []signaling.Candidate{"c1", "c2", "c3"}, got, "replay preserves append order")

	require.NoError(t, store.AppendCandidate(ctx, record.ID, signaling.SideCaller, "c4"))
	assert.Equal(t, []signaling.Candidate{"c1", "c2", "c3", "c4"}, got)

	require.NoError(t, store.ClearCandidates(ctx, record.ID, signaling.SideCaller))
	var after []signaling.Candidate
	sub2, err := store.WatchCandidates(ctx, record.ID, signaling.SideCaller, func(c signaling.Candidate) {
		after = append(after, c)
	})
	require.NoError(t, err)
	defer sub2.Close()
	assert.Empty(t, after)
}

// TestWatchCallDelivery tests the snapshot-on-attach and update fanout
func TestWatchCallDelivery(t *testing.T) {
	store := openTestStore(t)
	record := createTestCall(t, store)
	ctx := context.Background()

	var statuses []signaling.CallStatus
	sub, err := store.WatchCall(ctx, record.ID, func(r *signaling.CallRecord) {
		statuses = append(statuses, r.Status)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []signaling.CallStatus{signaling.StatusOffering}, statuses)

	require.NoError(t, store.UpdateCall(ctx, record.ID, signaling.StatusUpdate(signaling.StatusRinging)))
	assert.Equal(t, []signaling.CallStatus{signaling.StatusOffering, signaling.StatusRinging}, statuses)
}

// TestWatchIncomingDelivery tests callee alerting including attach-time
// replay of pending calls
func TestWatchIncomingDelivery(t *testing.T) {
	store := openTestStore(t)
	existing := createTestCall(t, store)
	ctx := context.Background()

	var incoming []string
	sub, err := store.WatchIncoming(ctx, "bob", signaling.KindVoice, func(r *signaling.CallRecord) {
		incoming = append(incoming, r.ID)
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, []string{existing.ID}, incoming, "pending call replays on attach")

	fresh := signaling.NewCallRecord(signaling.KindVoice, "carol", "bob", time.Now())
	require.NoError(t, store.CreateCall(ctx, fresh))
	assert.Equal(t, []string{existing.ID, fresh.ID}, incoming)

	// Other kinds and callees do not reach this watcher.
	video := signaling.NewCallRecord(signaling.KindVideo, "carol", "bob", time.Now())
	require.NoError(t, store.CreateCall(ctx, video))
	other := signaling.NewCallRecord(signaling.KindVoice, "carol", "dave", time.Now())
	require.NoError(t, store.CreateCall(ctx, other))
	assert.Len(t, incoming, 2)
}

// TestTryMatchTransaction tests atomic queue claiming
func TestTryMatchTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.TryMatch(ctx, "alice", now)
	assert.ErrorIs(t, err, signaling.ErrNoPeerWaiting)

	require.NoError(t, store.JoinQueue(ctx, "alice", now))
	_, err = store.TryMatch(ctx, "alice", now)
	assert.ErrorIs(t, err, signaling.ErrNoPeerWaiting, "own entry must not match itself")

	call, err := store.TryMatch(ctx, "bob", now)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"alice", "bob"}, call.ParticipantIDs)
	assert.Equal(t, signaling.SyncActive, call.Status)

	got, err := store.GetSyncCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)

	_, err = store.TryMatch(ctx, "carol", now)
	assert.ErrorIs(t, err, signaling.ErrNoPeerWaiting, "both entries were consumed")
}

// TestJoinQueueUpsert tests that rejoining refreshes rather than fails
func TestJoinQueueUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.JoinQueue(ctx, "alice", base))
	require.NoError(t, store.JoinQueue(ctx, "alice", base.Add(time.Minute)))
	require.NoError(t, store.LeaveQueue(ctx, "alice"))
	require.NoError(t, store.LeaveQueue(ctx, "alice"), "leaving twice is fine")
}

// TestEndSyncCallIdempotent tests the terminal flip and its no-op repeat
func TestEndSyncCallIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.JoinQueue(ctx, "alice", time.Now()))
	call, err := store.TryMatch(ctx, "bob", time.Now())
	require.NoError(t, err)

	var events []signaling.SyncStatus
	sub, err := store.WatchSyncCalls(ctx, "alice", func(c *signaling.SyncCall) {
		events = append(events, c.Status)
	})
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, []signaling.SyncStatus{signaling.SyncActive}, events)

	require.NoError(t, store.EndSyncCall(ctx, call.ID))
	assert.Equal(t, []signaling.SyncStatus{signaling.SyncActive, signaling.SyncEnded}, events)

	require.NoError(t, store.EndSyncCall(ctx, call.ID))
	assert.Len(t, events, 2, "repeat end produces no event")

	err = store.EndSyncCall(ctx, "missing")
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

// TestMessagePersistence tests chat append and ordered replay
func TestMessagePersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.JoinQueue(ctx, "alice", base))
	call, err := store.TryMatch(ctx, "bob", base)
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage(ctx, call.ID, signaling.ChatMessage{SenderID: "alice", Text: "late", Timestamp: base.Add(2 * time.Second)}))
	require.NoError(t, store.AppendMessage(ctx, call.ID, signaling.ChatMessage{SenderID: "bob", Text: "early", Timestamp: base.Add(time.Second)}))

	var got []string
	sub, err := store.WatchMessages(ctx, call.ID, func(msg signaling.ChatMessage) {
		got = append(got, msg.Text)
	})
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, []string{"early", "late"}, got, "replay is timestamp ordered")

	require.NoError(t, store.AppendMessage(ctx, call.ID, signaling.ChatMessage{SenderID: "alice", Text: "latest", Timestamp: base.Add(3 * time.Second)}))
	assert.Equal(t, []string{"early", "late", "latest"}, got)

	err = store.AppendMessage(ctx, "missing", signaling.ChatMessage{})
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

// TestSweep tests retention cleanup of terminal records
func TestSweep(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	ended := signaling.NewCallRecord(signaling.KindVoice, "alice", "bob", old)
	require.NoError(t, store.CreateCall(ctx, ended))
	require.NoError(t, store.AppendCandidate(ctx, ended.ID, signaling.SideCaller, "c1"))
	require.NoError(t, store.UpdateCall(ctx, ended.ID, signaling.StatusUpdate(signaling.StatusEnded)))

	live := createTestCall(t, store)

	require.NoError(t, store.JoinQueue(ctx, "carol", old))
	syncCall, err := store.TryMatch(ctx, "dave", old)
	require.NoError(t, err)
	require.NoError(t, store.EndSyncCall(ctx, syncCall.ID))

	removed, err := store.Sweep(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.GetCall(ctx, ended.ID)
	assert.ErrorIs(t, err, signaling.ErrNotFound)
	_, err = store.GetSyncCall(ctx, syncCall.ID)
	assert.ErrorIs(t, err, signaling.ErrNotFound)
	_, err = store.GetCall(ctx, live.ID)
	assert.NoError(t, err, "live records survive")
}

// TestReopenPersists tests durability across store restarts
func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.db")
	store, err := Open(Options{Path: path, Retention: -1})
	require.NoError(t, err)

	record := signaling.NewCallRecord(signaling.KindVideo, "alice", "bob", time.Now())
	require.NoError(t, store.CreateCall(context.Background(), record))
	require.NoError(t, store.Close())

	reopened, err := Open(Options{Path: path, Retention: -1})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetCall(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, signaling.KindVideo, got.Kind)
}

// TestWatchCandidatesAttachDuringWrites tests that a watcher attaching
// while candidates stream in sees every candidate exactly once, whether
// through the replay or the live stream
func TestWatchCandidatesAttachDuringWrites(t *testing.T) {
	store := openTestStore(t)
	record := createTestCall(t, store)

	const total = 80
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < total; i++ {
			cand := signaling.Candidate(fmt.Sprintf("cand-%03d", i))
			if err := store.AppendCandidate(context.Background(), record.ID, signaling.SideCaller, cand); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	var mu sync.Mutex
	seen := make(map[signaling.Candidate]int)
	sub, err := store.WatchCandidates(context.Background(), record.ID, signaling.SideCaller,
		func(c signaling.Candidate) {
			mu.Lock()
			seen[c]++
			mu.Unlock()
		})
	require.NoError(t, err)
	defer sub.Close()

	<-writerDone
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 2*time.Second, 5*time.Millisecond, "every candidate should reach the watcher")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < total; i++ {
		cand := signaling.Candidate(fmt.Sprintf("cand-%03d", i))
		assert.Equal(t, 1, seen[cand], "candidate %s should be delivered exactly once", cand)
	}
}

// TestWatchIncomingAttachDuringCreate tests that a call created while
// the callee's incoming watcher attaches is never lost
func TestWatchIncomingAttachDuringCreate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		record := signaling.NewCallRecord(signaling.KindVoice, "alice", "bob", time.Now())
		created := make(chan error, 1)
		go func() { created <- store.CreateCall(ctx, record) }()

		var mu sync.Mutex
		alerted := false
		sub, err := store.WatchIncoming(ctx, "bob", signaling.KindVoice,
			func(r *signaling.CallRecord) {
				if r.ID == record.ID {
					mu.Lock()
					alerted = true
					mu.Unlock()
				}
			})
		require.NoError(t, err)
		require.NoError(t, <-created)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return alerted
		}, time.Second, time.Millisecond, "call created during attach must reach the watcher")

		sub.Close()
		// Finish the call so the next iteration's replay stays empty.
		require.NoError(t, store.UpdateCall(ctx, record.ID, signaling.StatusUpdate(signaling.StatusEnded)))
	}
}
