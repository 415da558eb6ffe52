package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Compile-time interface checks.
var (
	_ Channel   = (*MemoryChannel)(nil)
	_ SyncStore = (*MemoryChannel)(nil)
)

// MemoryChannel is an in-process Channel and SyncStore. Two call
// managers sharing the same MemoryChannel can complete a full signaling
// handshake without any network, which is how the package's own tests
// exercise the state machine. It also backs single-process signald
// deployments.
//
// Watch callbacks are invoked on the mutating goroutine after the
// channel lock is released, so callbacks may re-enter the channel.
type MemoryChannel struct {
	mu sync.Mutex

	calls     map[string]*memCall
	queue     map[string]QueueEntry
	syncCalls map[string]*memSyncCall

	incomingWatchers map[int]*incomingWatcher
	syncWatchers     map[int]*syncWatcher

	nextWatcherID int
	closed        bool
}

type memCall struct {
	record     CallRecord
	candidates map[CandidateSide][]Candidate

	recordWatchers map[int]func(*CallRecord)
	candWatchers   map[CandidateSide]map[int]func(Candidate)
}

type memSyncCall struct {
	call     SyncCall
	messages []ChatMessage

	msgWatchers map[int]func(ChatMessage)
}

type incomingWatcher struct {
	userID string
	kind   CallKind
	fn     func(*CallRecord)
}

type syncWatcher struct {
	userID string
	fn     func(*SyncCall)
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		calls:            make(map[string]*memCall),
		queue:            make(map[string]QueueEntry),
		syncCalls:        make(map[string]*memSyncCall),
		incomingWatchers: make(map[int]*incomingWatcher),
		syncWatchers:     make(map[int]*syncWatcher),
	}
}

// CreateCall stores a fresh call record and alerts any incoming
// watcher registered for the callee.
func (m *MemoryChannel) CreateCall(_ context.Context, record *CallRecord) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	if _, exists := m.calls[record.ID]; exists {
		m.mu.Unlock()
		return ErrWriteConflict
	}
	mc := &memCall{
		record: *record.Clone(),
		candidates: map[CandidateSide][]Candidate{
			SideCaller: nil,
			SideAnswer: nil,
		},
		recordWatchers: make(map[int]func(*CallRecord)),
		candWatchers: map[CandidateSide]map[int]func(Candidate){
			SideCaller: make(map[int]func(Candidate)),
			SideAnswer: make(map[int]func(Candidate)),
		},
	}
	m.calls[record.ID] = mc
	notify := m.collectRecordNotify(mc)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "CreateCall",
		"call_id":  record.ID,
		"kind":     record.Kind.String(),
		"caller":   record.CallerID,
		"callee":   record.CalleeID,
	}).Debug("Call record created")

	for _, fn := range notify {
		fn()
	}
	return nil
}

// UpdateCall merges non-nil update fields into the record, enforcing
// write-once offer/answer and monotonic status.
func (m *MemoryChannel) UpdateCall(_ context.Context, callID string, update CallUpdate) error {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if update.Offer != nil && mc.record.Offer != nil {
		m.mu.Unlock()
		return ErrWriteConflict
	}
	if update.Answer != nil && mc.record.Answer != nil {
		m.mu.Unlock()
		return ErrWriteConflict
	}
	if update.Status != nil && !mc.record.Status.CanAdvance(*update.Status) {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "UpdateCall",
			"call_id":  callID,
			"from":     mc.record.Status.String(),
			"to":       update.Status.String(),
		}).Warn("Rejected backward status transition")
		return ErrWriteConflict
	}
	if update.Offer != nil {
		o := *update.Offer
		mc.record.Offer = &o
	}
	if update.Answer != nil {
		a := *update.Answer
		mc.record.Answer = &a
	}
	if update.Status != nil {
		mc.record.Status = *update.Status
	}
	notify := m.collectRecordNotify(mc)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// GetCall returns a snapshot of the record.
func (m *MemoryChannel) GetCall(_ context.Context, callID string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return mc.record.Clone(), nil
}

// AppendCandidate appends one candidate to the side's collection and
// streams it to that side's watchers.
func (m *MemoryChannel) AppendCandidate(_ context.Context, callID string, side CandidateSide, cand Candidate) error {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	mc.candidates[side] = append(mc.candidates[side], cand)
	watchers := make([]func(Candidate), 0, len(mc.candWatchers[side]))
	for _, fn := range mc.candWatchers[side] {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(cand)
	}
	return nil
}

// ClearCandidates drops all candidates on the given side.
func (m *MemoryChannel) ClearCandidates(_ context.Context, callID string, side CandidateSide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	mc.candidates[side] = nil
	return nil
}

// WatchCall delivers the current snapshot immediately and every
// subsequent one.
func (m *MemoryChannel) WatchCall(_ context.Context, callID string, fn func(*CallRecord)) (Subscription, error) {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	id := m.nextWatcherID
	m.nextWatcherID++
	mc.recordWatchers[id] = fn
	snapshot := mc.record.Clone()
	m.mu.Unlock()

	fn(snapshot)
	return &memSubscription{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if mc, ok := m.calls[callID]; ok {
			delete(mc.recordWatchers, id)
		}
	}}, nil
}

// WatchCandidates replays the side's existing candidates once, then
// streams each newly appended one.
func (m *MemoryChannel) WatchCandidates(_ context.Context, callID string, side CandidateSide, fn func(Candidate)) (Subscription, error) {
	m.mu.Lock()
	mc, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	id := m.nextWatcherID
	m.nextWatcherID++
	mc.candWatchers[side][id] = fn
	replay := append([]Candidate(nil), mc.candidates[side]...)
	m.mu.Unlock()

	for _, cand := range replay {
		fn(cand)
	}
	return &memSubscription{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if mc, ok := m.calls[callID]; ok {
			delete(mc.candWatchers[side], id)
		}
	}}, nil
}

// WatchIncoming delivers calls of the given kind where the user is the
// callee and the status is offering or ringing. Calls already pending
// at attach time are delivered immediately.
func (m *MemoryChannel) WatchIncoming(_ context.Context, userID string, kind CallKind, fn func(*CallRecord)) (Subscription, error) {
	m.mu.Lock()
	id := m.nextWatcherID
	m.nextWatcherID++
	m.incomingWatchers[id] = &incomingWatcher{userID: userID, kind: kind, fn: fn}
	var pending []*CallRecord
	for _, mc := range m.calls {
		if incomingMatch(&mc.record, userID, kind) {
			pending = append(pending, mc.record.Clone())
		}
	}
	m.mu.Unlock()

	for _, rec := range pending {
		fn(rec)
	}
	return &memSubscription{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.incomingWatchers, id)
	}}, nil
}

// incomingMatch reports whether the record needs the callee's attention.
func incomingMatch(rec *CallRecord, userID string, kind CallKind) bool {
	if rec.CalleeID != userID || rec.Kind != kind {
		return false
	}
	return rec.Status == StatusOffering || rec.Status == StatusRinging
}

// collectRecordNotify snapshots the record and returns the deferred
// watcher invocations for it. Must be called with the lock held.
func (m *MemoryChannel) collectRecordNotify(mc *memCall) []func() {
	snapshot := mc.record.Clone()
	var notify []func()
	for _, fn := range mc.recordWatchers {
		fn := fn
		notify = append(notify, func() { fn(snapshot.Clone()) })
	}
	for _, w := range m.incomingWatchers {
		if incomingMatch(snapshot, w.userID, w.kind) {
			fn := w.fn
			notify = append(notify, func() { fn(snapshot.Clone()) })
		}
	}
	return notify
}

// SweepTerminal deletes terminal call records and ended sync calls
// created before the cutoff, bounding storage per the record lifecycle.
// It returns the number of records removed.
func (m *MemoryChannel) SweepTerminal(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, mc := range m.calls {
		if mc.record.Status.Terminal() && mc.record.CreatedAt.Before(cutoff) {
			delete(m.calls, id)
			removed++
		}
	}
	for id, sc := range m.syncCalls {
		if sc.call.Status == SyncEnded && sc.call.CreatedAt.Before(cutoff) {
			delete(m.syncCalls, id)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepTerminal",
			"removed":  removed,
		}).Debug("Swept terminal records")
	}
	return removed
}

// JoinQueue upserts the user's waiting-pool entry.
func (m *MemoryChannel) JoinQueue(_ context.Context, userID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	m.queue[userID] = QueueEntry{UserID: userID, Timestamp: ts}
	return nil
}

// LeaveQueue removes the user's entry if present.
func (m *MemoryChannel) LeaveQueue(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, userID)
	return nil
}

// TryMatch consumes the oldest waiting entry belonging to a different
// user and creates an active SyncCall pairing the two. The delete and
// create happen under one lock, so a concurrently matched entry cannot
// be consumed twice.
func (m *MemoryChannel) TryMatch(_ context.Context, userID string, now time.Time) (*SyncCall, error) {
	m.mu.Lock()
	var peers []QueueEntry
	for id, e := range m.queue {
		if id != userID {
			peers = append(peers, e)
		}
	}
	if len(peers) == 0 {
		m.mu.Unlock()
		return nil, ErrNoPeerWaiting
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Timestamp.Before(peers[j].Timestamp) })
	peer := peers[0]

	delete(m.queue, peer.UserID)
	delete(m.queue, userID)
	call := SyncCall{
		ID:             uuid.NewString(),
		ParticipantIDs: SortParticipants(userID, peer.UserID),
		Status:         SyncActive,
		CreatedAt:      now,
	}
	m.syncCalls[call.ID] = &memSyncCall{
		call:        call,
		msgWatchers: make(map[int]func(ChatMessage)),
	}
	notify := m.collectSyncNotify(&call)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "TryMatch",
		"sync_call_id": call.ID,
		"participants": call.ParticipantIDs,
	}).Info("Matched waiting users")

	for _, fn := range notify {
		fn()
	}
	c := call
	return &c, nil
}

// GetSyncCall returns a snapshot of the sync call.
func (m *MemoryChannel) GetSyncCall(_ context.Context, callID string) (*SyncCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.syncCalls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	c := sc.call
	return &c, nil
}

// EndSyncCall marks the sync call ended and alerts both participants'
// watchers. Ending twice is a no-op.
func (m *MemoryChannel) EndSyncCall(_ context.Context, callID string) error {
	m.mu.Lock()
	sc, ok := m.syncCalls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if sc.call.Status == SyncEnded {
		m.mu.Unlock()
		return nil
	}
	sc.call.Status = SyncEnded
	snapshot := sc.call
	notify := m.collectSyncNotify(&snapshot)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// AppendMessage appends one chat message and streams it to both
// participants' message watchers.
func (m *MemoryChannel) AppendMessage(_ context.Context, callID string, msg ChatMessage) error {
	m.mu.Lock()
	sc, ok := m.syncCalls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	sc.messages = append(sc.messages, msg)
	watchers := make([]func(ChatMessage), 0, len(sc.msgWatchers))
	for _, fn := range sc.msgWatchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(msg)
	}
	return nil
}

// WatchSyncCalls delivers the user's current sync calls and every
// subsequent pairing or status flip.
func (m *MemoryChannel) WatchSyncCalls(_ context.Context, userID string, fn func(*SyncCall)) (Subscription, error) {
	m.mu.Lock()
	id := m.nextWatcherID
	m.nextWatcherID++
	m.syncWatchers[id] = &syncWatcher{userID: userID, fn: fn}
	var pending []SyncCall
	for _, sc := range m.syncCalls {
		if sc.call.Includes(userID) {
			pending = append(pending, sc.call)
		}
	}
	m.mu.Unlock()

	for i := range pending {
		c := pending[i]
		fn(&c)
	}
	return &memSubscription{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.syncWatchers, id)
	}}, nil
}

// WatchMessages replays the chat collection in timestamp order, then
// streams each newly appended message.
func (m *MemoryChannel) WatchMessages(_ context.Context, callID string, fn func(ChatMessage)) (Subscription, error) {
	m.mu.Lock()
	sc, ok := m.syncCalls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	id := m.nextWatcherID
	m.nextWatcherID++
	sc.msgWatchers[id] = fn
	replay := append([]ChatMessage(nil), sc.messages...)
	m.mu.Unlock()

	sort.SliceStable(replay, func(i, j int) bool { return replay[i].Timestamp.Before(replay[j].Timestamp) })
	for _, msg := range replay {
		fn(msg)
	}
	return &memSubscription{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sc, ok := m.syncCalls[callID]; ok {
			delete(sc.msgWatchers, id)
		}
	}}, nil
}

// collectSyncNotify returns deferred watcher invocations for a sync
// call snapshot. Must be called with the lock held.
func (m *MemoryChannel) collectSyncNotify(call *SyncCall) []func() {
	var notify []func()
	for _, w := range m.syncWatchers {
		if call.Includes(w.userID) {
			fn := w.fn
			c := *call
			notify = append(notify, func() { fn(&c) })
		}
	}
	return notify
}

// Close marks the channel closed for new calls and queue joins.
// Existing records remain readable so in-flight teardown can finish.
func (m *MemoryChannel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

type memSubscription struct {
	once  sync.Once
	close func()
}

func (s *memSubscription) Close() {
	s.once.Do(s.close)
}
