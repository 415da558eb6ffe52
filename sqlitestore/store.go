package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/anonsoc/callcore/signaling"
)

// Compile-time interface checks.
var (
	_ signaling.Channel   = (*Store)(nil)
	_ signaling.SyncStore = (*Store)(nil)
)

const (
	// DefaultRetention is how long terminal call records and ended sync
	// calls are kept before the sweeper removes them.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	kind        INTEGER NOT NULL,
	caller_id   TEXT NOT NULL,
	callee_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	offer_type  TEXT,
	offer_sdp   TEXT,
	answer_type TEXT,
	answer_sdp  TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id, kind, status);

CREATE TABLE IF NOT EXISTS candidates (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	side    TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_call ON candidates(call_id, side);

CREATE TABLE IF NOT EXISTS sync_queue (
	user_id TEXT PRIMARY KEY,
	ts      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_calls (
	id            TEXT PRIMARY KEY,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_calls_parts ON sync_calls(participant_a, participant_b);

CREATE TABLE IF NOT EXISTS sync_messages (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id   TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	body      TEXT NOT NULL,
	ts        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_messages_call ON sync_messages(call_id, ts);
`

// Options configures a Store.
type Options struct {
	// Path is the database file path, or ":memory:" for a throwaway
	// database.
	Path string

	// Retention bounds how long finished records are kept. Zero means
	// DefaultRetention; a negative value disables the sweeper.
	Retention time.Duration

	// SweepInterval is how often the sweeper runs. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration
}

// Store is a SQLite-backed signaling channel and matchmaking store.
type Store struct {
	db *sql.DB

	// mu serializes mutations (DB write plus watcher capture) with
	// watch attachment (replay query plus registration), so each write
	// reaches every watcher exactly once: in the replay or the stream,
	// never both, never neither.
	mu sync.Mutex

	recordWatchers   map[int]*recordWatcher
	candWatchers     map[int]*candWatcher
	incomingWatchers map[int]*incomingWatcher
	syncWatchers     map[int]*syncWatcher
	msgWatchers      map[int]*msgWatcher

	nextWatcherID int
	closed        bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type recordWatcher struct {
	callID string
	fn     func(*signaling.CallRecord)
}

type candWatcher struct {
	callID string
	side   signaling.CandidateSide
	fn     func(signaling.Candidate)
}

type incomingWatcher struct {
	userID string
	kind   signaling.CallKind
	fn     func(*signaling.CallRecord)
}

type syncWatcher struct {
	userID string
	fn     func(*signaling.SyncCall)
}

type msgWatcher struct {
	callID string
	fn     func(signaling.ChatMessage)
}

// Open opens (creating if needed) the database at path, applies the
// schema, and starts the retention sweeper.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between writers in one process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:               db,
		recordWatchers:   make(map[int]*recordWatcher),
		candWatchers:     make(map[int]*candWatcher),
		incomingWatchers: make(map[int]*incomingWatcher),
		syncWatchers:     make(map[int]*syncWatcher),
		msgWatchers:      make(map[int]*msgWatcher),
	}

	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	interval := opts.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if retention > 0 {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(retention, interval)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     opts.Path,
	}).Info("SQLite signaling store opened")
	return s, nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
	}
	return s.db.Close()
}

// CreateCall inserts a fresh call record.
func (s *Store) CreateCall(ctx context.Context, record *signaling.CallRecord) error {
	offerType, offerSDP := descColumns(record.Offer)
	answerType, answerSDP := descColumns(record.Answer)

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, kind, caller_id, callee_id, status,
			offer_type, offer_sdp, answer_type, answer_sdp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, int(record.Kind), record.CallerID, record.CalleeID,
		record.Status.String(), offerType, offerSDP, answerType, answerSDP,
		record.CreatedAt.UnixNano())
	if err != nil {
		s.mu.Unlock()
		if isConstraintErr(err) {
			return signaling.ErrWriteConflict
		}
		return fmt.Errorf("insert call: %w", err)
	}
	notify := s.recordNotifiers(record.Clone())
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "CreateCall",
		"call_id":  record.ID,
		"kind":     record.Kind.String(),
	}).Debug("Call record created")

	for _, fn := range notify {
		fn()
	}
	return nil
}

// UpdateCall merges non-nil update fields into the record inside one
// transaction, enforcing write-once offer/answer and monotonic status.
func (s *Store) UpdateCall(ctx context.Context, callID string, update signaling.CallUpdate) error {
	s.mu.Lock()
	record, err := s.updateCallLocked(ctx, callID, update)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	notify := s.recordNotifiers(record)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// updateCallLocked runs the update transaction. Callers hold s.mu.
func (s *Store) updateCallLocked(ctx context.Context, callID string, update signaling.CallUpdate) (*signaling.CallRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	record, err := scanCall(tx.QueryRowContext(ctx,
		`SELECT id, kind, caller_id, callee_id, status,
			offer_type, offer_sdp, answer_type, answer_sdp, created_at
		FROM calls WHERE id = ?`, callID))
	if err != nil {
		return nil, err
	}
	if update.Offer != nil && record.Offer != nil {
		return nil, signaling.ErrWriteConflict
	}
	if update.Answer != nil && record.Answer != nil {
		return nil, signaling.ErrWriteConflict
	}
	if update.Status != nil && !record.Status.CanAdvance(*update.Status) {
		logrus.WithFields(logrus.Fields{
			"function": "UpdateCall",
			"call_id":  callID,
			"from":     record.Status.String(),
			"to":       update.Status.String(),
		}).Warn("Rejected backward status transition")
		return nil, signaling.ErrWriteConflict
	}

	if update.Offer != nil {
		o := *update.Offer
		record.Offer = &o
	}
	if update.Answer != nil {
		a := *update.Answer
		record.Answer = &a
	}
	if update.Status != nil {
		record.Status = *update.Status
	}

	offerType, offerSDP := descColumns(record.Offer)
	answerType, answerSDP := descColumns(record.Answer)
	if _, err := tx.ExecContext(ctx, `
		UPDATE calls SET status = ?, offer_type = ?, offer_sdp = ?,
			answer_type = ?, answer_sdp = ?
		WHERE id = ?`,
		record.Status.String(), offerType, offerSDP, answerType, answerSDP,
		callID); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return record, nil
}

// GetCall returns a snapshot of the record.
func (s *Store) GetCall(ctx context.Context, callID string) (*signaling.CallRecord, error) {
	return scanCall(s.db.QueryRowContext(ctx,
		`SELECT id, kind, caller_id, callee_id, status,
			offer_type, offer_sdp, answer_type, answer_sdp, created_at
		FROM calls WHERE id = ?`, callID))
}

// AppendCandidate appends one candidate to the side's collection.
func (s *Store) AppendCandidate(ctx context.Context, callID string, side signaling.CandidateSide, cand signaling.Candidate) error {
	if err := s.requireCall(ctx, callID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (call_id, side, payload) VALUES (?, ?, ?)`,
		callID, side.String(), string(cand)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("insert candidate: %w", err)
	}
	var notify []func()
	for _, w := range s.candWatchers {
		if w.callID == callID && w.side == side {
			fn := w.fn
			notify = append(notify, func() { fn(cand) })
		}
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// ClearCandidates drops all candidates on the given side.
func (s *Store) ClearCandidates(ctx context.Context, callID string, side signaling.CandidateSide) error {
	if err := s.requireCall(ctx, callID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM candidates WHERE call_id = ? AND side = ?`,
		callID, side.String()); err != nil {
		return fmt.Errorf("clear candidates: %w", err)
	}
	return nil
}

// WatchCall delivers the current snapshot immediately and every
// subsequent one written through this Store.
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*signaling.CallRecord)) (signaling.Subscription, error) {
	s.mu.Lock()
	snapshot, err := s.GetCall(ctx, callID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextWatcherID
	s.nextWatcherID++
	s.recordWatchers[id] = &recordWatcher{callID: callID, fn: fn}
	s.mu.Unlock()

	fn(snapshot)
	return s.subscription(func() {
		delete(s.recordWatchers, id)
	}), nil
}

// WatchCandidates replays the side's stored candidates in append order,
// then streams each newly appended one.
func (s *Store) WatchCandidates(ctx context.Context, callID string, side signaling.CandidateSide, fn func(signaling.Candidate)) (signaling.Subscription, error) {
	if err := s.requireCall(ctx, callID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM candidates WHERE call_id = ? AND side = ? ORDER BY seq`,
		callID, side.String())
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	var replay []signaling.Candidate
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		replay = append(replay, signaling.Candidate(payload))
	}
	if err := rows.Close(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	id := s.nextWatcherID
	s.nextWatcherID++
	s.candWatchers[id] = &candWatcher{callID: callID, side: side, fn: fn}
	s.mu.Unlock()

	for _, cand := range replay {
		fn(cand)
	}
	return s.subscription(func() {
		delete(s.candWatchers, id)
	}), nil
}

// WatchIncoming delivers calls of the given kind where the user is the
// callee and the status is offering or ringing, replaying calls already
// pending at attach time.
func (s *Store) WatchIncoming(ctx context.Context, userID string, kind signaling.CallKind, fn func(*signaling.CallRecord)) (signaling.Subscription, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, caller_id, callee_id, status,
			offer_type, offer_sdp, answer_type, answer_sdp, created_at
		FROM calls
		WHERE callee_id = ? AND kind = ? AND status IN ('offering', 'ringing')`,
		userID, int(kind))
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("query incoming: %w", err)
	}
	var pending []*signaling.CallRecord
	for rows.Next() {
		record, err := scanCall(rows)
		if err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, err
		}
		pending = append(pending, record)
	}
	if err := rows.Close(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("read incoming: %w", err)
	}
	id := s.nextWatcherID
	s.nextWatcherID++
	s.incomingWatchers[id] = &incomingWatcher{userID: userID, kind: kind, fn: fn}
	s.mu.Unlock()

	for _, record := range pending {
		fn(record)
	}
	return s.subscription(func() {
		delete(s.incomingWatchers, id)
	}), nil
}

// JoinQueue upserts the user's waiting-pool entry.
func (s *Store) JoinQueue(ctx context.Context, userID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (user_id, ts) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET ts = excluded.ts`,
		userID, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("join queue: %w", err)
	}
	return nil
}

// LeaveQueue removes the user's entry if present.
func (s *Store) LeaveQueue(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	return nil
}

// TryMatch claims the oldest waiting entry belonging to a different
// user inside one transaction; writes serialize on the store's single
// connection. The conditional delete is the claim: if another matcher
// consumed the entry first, zero rows are affected and the caller gets
// ErrWriteConflict to retry.
func (s *Store) TryMatch(ctx context.Context, userID string, now time.Time) (*signaling.SyncCall, error) {
	s.mu.Lock()
	call, err := s.tryMatchLocked(ctx, userID, now)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	notify := s.syncNotifiers(*call)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "TryMatch",
		"sync_call_id": call.ID,
		"participants": call.ParticipantIDs,
	}).Info("Matched waiting users")

	for _, fn := range notify {
		fn()
	}
	return call, nil
}

// tryMatchLocked runs the claim transaction. Callers hold s.mu.
func (s *Store) tryMatchLocked(ctx context.Context, userID string, now time.Time) (*signaling.SyncCall, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin match: %w", err)
	}
	defer tx.Rollback()

	var peerID string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM sync_queue WHERE user_id != ? ORDER BY ts, user_id LIMIT 1`,
		userID).Scan(&peerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signaling.ErrNoPeerWaiting
	}
	if err != nil {
		return nil, fmt.Errorf("select peer: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE user_id = ?`, peerID)
	if err != nil {
		return nil, fmt.Errorf("claim peer: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("claim peer: %w", err)
	} else if n == 0 {
		return nil, signaling.ErrWriteConflict
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("leave queue: %w", err)
	}

	call := signaling.SyncCall{
		ID:             uuid.NewString(),
		ParticipantIDs: signaling.SortParticipants(userID, peerID),
		Status:         signaling.SyncActive,
		CreatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_calls (id, participant_a, participant_b, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		call.ID, call.ParticipantIDs[0], call.ParticipantIDs[1],
		call.Status.String(), call.CreatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert sync call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit match: %w", err)
	}
	c := call
	return &c, nil
}

// GetSyncCall returns a snapshot of the sync call.
func (s *Store) GetSyncCall(ctx context.Context, callID string) (*signaling.SyncCall, error) {
	return scanSyncCall(s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, status, created_at
		FROM sync_calls WHERE id = ?`, callID))
}

// EndSyncCall marks the sync call ended. Ending twice is a no-op.
func (s *Store) EndSyncCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_calls SET status = 'ended' WHERE id = ? AND status != 'ended'`,
		callID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("end sync call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("end sync call: %w", err)
	}
	if n == 0 {
		s.mu.Unlock()
		// Either already ended or missing; distinguish for the caller.
		if _, err := s.GetSyncCall(ctx, callID); err != nil {
			return err
		}
		return nil
	}

	call, err := s.GetSyncCall(ctx, callID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	notify := s.syncNotifiers(*call)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// AppendMessage appends one chat message to the sync call.
func (s *Store) AppendMessage(ctx context.Context, callID string, msg signaling.ChatMessage) error {
	if _, err := s.GetSyncCall(ctx, callID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_messages (call_id, sender_id, body, ts) VALUES (?, ?, ?, ?)`,
		callID, msg.SenderID, msg.Text, msg.Timestamp.UnixNano()); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("insert message: %w", err)
	}
	var notify []func()
	for _, w := range s.msgWatchers {
		if w.callID == callID {
			fn := w.fn
			notify = append(notify, func() { fn(msg) })
		}
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

// WatchSyncCalls replays the user's stored sync calls, then delivers
// every subsequent pairing or status flip.
func (s *Store) WatchSyncCalls(ctx context.Context, userID string, fn func(*signaling.SyncCall)) (signaling.Subscription, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_a, participant_b, status, created_at
		FROM sync_calls WHERE participant_a = ? OR participant_b = ?`,
		userID, userID)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("query sync calls: %w", err)
	}
	var pending []*signaling.SyncCall
	for rows.Next() {
		call, err := scanSyncCall(rows)
		if err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, err
		}
		pending = append(pending, call)
	}
	if err := rows.Close(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("read sync calls: %w", err)
	}
	id := s.nextWatcherID
	s.nextWatcherID++
	s.syncWatchers[id] = &syncWatcher{userID: userID, fn: fn}
	s.mu.Unlock()

	for _, call := range pending {
		fn(call)
	}
	return s.subscription(func() {
		delete(s.syncWatchers, id)
	}), nil
}

// WatchMessages replays the chat collection ordered by timestamp, then
// streams each newly appended message.
func (s *Store) WatchMessages(ctx context.Context, callID string, fn func(signaling.ChatMessage)) (signaling.Subscription, error) {
	if _, err := s.GetSyncCall(ctx, callID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, body, ts FROM sync_messages WHERE call_id = ? ORDER BY ts, seq`,
		callID)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var replay []signaling.ChatMessage
	for rows.Next() {
		var msg signaling.ChatMessage
		var ts int64
		if err := rows.Scan(&msg.SenderID, &msg.Text, &ts); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts)
		replay = append(replay, msg)
	}
	if err := rows.Close(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("read messages: %w", err)
	}
	id := s.nextWatcherID
	s.nextWatcherID++
	s.msgWatchers[id] = &msgWatcher{callID: callID, fn: fn}
	s.mu.Unlock()

	for _, msg := range replay {
		fn(msg)
	}
	return s.subscription(func() {
		delete(s.msgWatchers, id)
	}), nil
}

// Sweep deletes terminal call records (and their candidates) and ended
// sync calls (and their messages) created before the cutoff. It returns
// the number of records removed.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM candidates WHERE call_id IN (
			SELECT id FROM calls
			WHERE status IN ('ended', 'declined', 'missed') AND created_at < ?)`,
		cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("sweep candidates: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM calls
		WHERE status IN ('ended', 'declined', 'missed') AND created_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep calls: %w", err)
	}
	calls, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_messages WHERE call_id IN (
			SELECT id FROM sync_calls WHERE status = 'ended' AND created_at < ?)`,
		cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("sweep messages: %w", err)
	}
	res, err = tx.ExecContext(ctx, `
		DELETE FROM sync_calls WHERE status = 'ended' AND created_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep sync calls: %w", err)
	}
	syncCalls, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}

	removed := int(calls + syncCalls)
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"removed":  removed,
		}).Debug("Swept terminal records")
	}
	return removed, nil
}

func (s *Store) sweepLoop(retention, interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background(), time.Now().Add(-retention)); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sweepLoop",
					"error":    err,
				}).Error("Retention sweep failed")
			}
		}
	}
}

// recordNotifiers snapshots the callbacks interested in a record write:
// its call watchers plus, while the call is alertable, the callee's
// incoming watchers. Callers hold s.mu; the returned closures run on
// the mutating goroutine with no lock held.
func (s *Store) recordNotifiers(record *signaling.CallRecord) []func() {
	var notify []func()
	for _, w := range s.recordWatchers {
		if w.callID == record.ID {
			fn := w.fn
			notify = append(notify, func() { fn(record.Clone()) })
		}
	}
	if record.Status == signaling.StatusOffering || record.Status == signaling.StatusRinging {
		for _, w := range s.incomingWatchers {
			if w.userID == record.CalleeID && w.kind == record.Kind {
				fn := w.fn
				notify = append(notify, func() { fn(record.Clone()) })
			}
		}
	}
	return notify
}

// syncNotifiers snapshots the participating sync-call watcher
// callbacks. Callers hold s.mu.
func (s *Store) syncNotifiers(call signaling.SyncCall) []func() {
	var notify []func()
	for _, w := range s.syncWatchers {
		if call.Includes(w.userID) {
			fn := w.fn
			c := call
			notify = append(notify, func() { fn(&c) })
		}
	}
	return notify
}

func (s *Store) requireCall(ctx context.Context, callID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM calls WHERE id = ?`, callID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return signaling.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup call: %w", err)
	}
	return nil
}

func (s *Store) subscription(remove func()) signaling.Subscription {
	return &storeSubscription{store: s, remove: remove}
}

type storeSubscription struct {
	store  *Store
	remove func()
	once   sync.Once
}

func (sub *storeSubscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		defer sub.store.mu.Unlock()
		sub.remove()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*signaling.CallRecord, error) {
	var (
		record     signaling.CallRecord
		kind       int
		status     string
		offerType  sql.NullString
		offerSDP   sql.NullString
		answerType sql.NullString
		answerSDP  sql.NullString
		createdAt  int64
	)
	err := row.Scan(&record.ID, &kind, &record.CallerID, &record.CalleeID,
		&status, &offerType, &offerSDP, &answerType, &answerSDP, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signaling.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	record.Kind = signaling.CallKind(kind)
	record.Status, err = signaling.ParseCallStatus(status)
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	if offerType.Valid {
		record.Offer = &signaling.SessionDescription{Type: offerType.String, SDP: offerSDP.String}
	}
	if answerType.Valid {
		record.Answer = &signaling.SessionDescription{Type: answerType.String, SDP: answerSDP.String}
	}
	record.CreatedAt = time.Unix(0, createdAt)
	record.ParticipantIDs = signaling.SortParticipants(record.CallerID, record.CalleeID)
	return &record, nil
}

func scanSyncCall(row rowScanner) (*signaling.SyncCall, error) {
	var (
		call      signaling.SyncCall
		status    string
		createdAt int64
	)
	err := row.Scan(&call.ID, &call.ParticipantIDs[0], &call.ParticipantIDs[1],
		&status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signaling.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync call: %w", err)
	}
	if status == "ended" {
		call.Status = signaling.SyncEnded
	} else {
		call.Status = signaling.SyncActive
	}
	call.CreatedAt = time.Unix(0, createdAt)
	return &call, nil
}

func descColumns(desc *signaling.SessionDescription) (sql.NullString, sql.NullString) {
	if desc == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: desc.Type, Valid: true},
		sql.NullString{String: desc.SDP, Valid: true}
}

// isConstraintErr reports whether the driver error is a uniqueness
// violation. modernc.org/sqlite surfaces these as strings.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
