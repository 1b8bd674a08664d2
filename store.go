package driftline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable local home of events and the sync queue, backed by
// a single SQLite database in WAL mode. An event capture and its queue
// entry are written in one transaction so no recorded event can be lost
// before it is scheduled for delivery.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool

	codec    *PayloadCodec
	cooldown time.Duration
	maxDepth int
	logger   *slog.Logger
	now      func() time.Time

	stmtInsertEvent   *sql.Stmt
	stmtInsertQueue   *sql.Stmt
	stmtFindRecent    *sql.Stmt
	stmtMarkSynced    *sql.Stmt
	stmtDueEntries    *sql.Stmt
	stmtQueueDepth    *sql.Stmt
	stmtDeleteEntry   *sql.Stmt
	stmtReschedule    *sql.Stmt
	stmtUnsyncedCount *sql.Stmt
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS events (
	local_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL UNIQUE,
	subject_key  TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	status       TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	media_ref    TEXT NOT NULL DEFAULT '',
	synced       INTEGER NOT NULL DEFAULT 0,
	remote_id    TEXT NOT NULL DEFAULT '',
	sync_time    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_key, event_type, ts);
CREATE INDEX IF NOT EXISTS idx_events_synced ON events(synced, ts);

CREATE TABLE IF NOT EXISTS sync_queue (
	queue_id      TEXT PRIMARY KEY,
	record_type   TEXT NOT NULL,
	record_id     INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	payload_codec TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 5,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON sync_queue(next_retry_at, priority DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
	original_id   TEXT PRIMARY KEY,
	record_type   TEXT NOT NULL,
	record_id     INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	payload_codec TEXT NOT NULL,
	retry_count   INTEGER NOT NULL,
	reason        TEXT NOT NULL,
	archived_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// OpenStore opens (creating if needed) the database at cfg.StorePath().
// codec may not be nil; pass NewPayloadCodec(nil) for plain storage.
func OpenStore(cfg Config, codec *PayloadCodec, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		cfg.StorePath(), cfg.Store.BusyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{
		db:       db,
		codec:    codec,
		cooldown: cfg.Store.DuplicateCooldown(),
		maxDepth: cfg.Queue.MaxDepth,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	stmts := map[string]**sql.Stmt{
		`INSERT INTO events (event_id, subject_key, event_type, status, ts, media_ref)
		 VALUES (?, ?, ?, ?, ?, ?)`: &s.stmtInsertEvent,
		`INSERT INTO sync_queue (queue_id, record_type, record_id, payload, payload_codec,
		 priority, retry_count, next_retry_at, created_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '')`: &s.stmtInsertQueue,
		`SELECT local_id, ts FROM events
		 WHERE subject_key = ? AND event_type = ? AND ts > ?
		 ORDER BY ts DESC LIMIT 1`: &s.stmtFindRecent,
		`UPDATE events SET synced = 1, remote_id = ?, sync_time = ? WHERE local_id = ?`: &s.stmtMarkSynced,
		`SELECT queue_id, record_type, record_id, payload, payload_codec, priority,
		 retry_count, next_retry_at, created_at, last_error
		 FROM sync_queue WHERE next_retry_at <= ?
		 ORDER BY priority DESC, created_at ASC LIMIT ?`: &s.stmtDueEntries,
		`SELECT COUNT(*) FROM sync_queue`:           &s.stmtQueueDepth,
		`DELETE FROM sync_queue WHERE queue_id = ?`: &s.stmtDeleteEntry,
		`UPDATE sync_queue SET retry_count = ?, next_retry_at = ?, last_error = ?
		 WHERE queue_id = ?`: &s.stmtReschedule,
		`SELECT COUNT(*) FROM events WHERE synced = 0`: &s.stmtUnsyncedCount,
	}
	for query, target := range stmts {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		*target = stmt
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// RecordEvent atomically inserts rec and a sync queue entry for it. The
// queue payload is the delivery snapshot: it is encoded once here and
// delivered byte-for-byte thereafter. On success rec.LocalID and
// rec.EventID are populated.
//
// A capture for the same subject and event type inside the duplicate
// cooldown window is rejected with a DuplicateError before anything is
// written.
func (s *Store) RecordEvent(ctx context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := s.now()
	cutoff := now.Add(-s.cooldown).Unix()
	var existingID, existingTS int64
	err := s.stmtFindRecent.QueryRowContext(ctx, rec.SubjectKey, string(rec.EventType), cutoff).
		Scan(&existingID, &existingTS)
	switch {
	case err == nil:
		return &DuplicateError{
			SubjectKey: rec.SubjectKey,
			EventType:  rec.EventType,
			ExistingID: existingID,
			Age:        now.Sub(time.Unix(existingTS, 0)),
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("duplicate check: %w", err)
	}

	var depth int
	if err := s.stmtQueueDepth.QueryRowContext(ctx).Scan(&depth); err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if depth >= s.maxDepth {
		return fmt.Errorf("%w: %d entries", ErrQueueFull, depth)
	}

	rec.EventID = uuid.NewString()
	payload := map[string]any{
		"natural_key": rec.NaturalKey(),
		"event_id":    rec.EventID,
		"subject_key": rec.SubjectKey,
		"event_type":  string(rec.EventType),
		"status":      string(rec.Status),
		"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339),
		"media_ref":   rec.MediaRef,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	blob, codecName, err := s.codec.Encode(raw)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, s.stmtInsertEvent).ExecContext(ctx,
		rec.EventID, rec.SubjectKey, string(rec.EventType), string(rec.Status),
		rec.Timestamp.UTC().Unix(), rec.MediaRef)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}

	priority := PriorityNormal
	if rec.EventType == EventCheckOut {
		priority = PriorityHigh
	}
	queueID := uuid.NewString()
	_, err = tx.StmtContext(ctx, s.stmtInsertQueue).ExecContext(ctx,
		queueID, string(RecordTypeEvent), localID, blob, codecName,
		priority, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	rec.LocalID = localID
	return nil
}

// EnqueueMedia adds a standalone media upload entry to the queue.
func (s *Store) EnqueueMedia(ctx context.Context, eventLocalID int64, mediaRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var depth int
	if err := s.stmtQueueDepth.QueryRowContext(ctx).Scan(&depth); err != nil {
		return "", fmt.Errorf("queue depth: %w", err)
	}
	if depth >= s.maxDepth {
		return "", fmt.Errorf("%w: %d entries", ErrQueueFull, depth)
	}

	raw, err := json.Marshal(map[string]any{
		"event_local_id": eventLocalID,
		"media_ref":      mediaRef,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	blob, codecName, err := s.codec.Encode(raw)
	if err != nil {
		return "", err
	}

	now := s.now()
	queueID := uuid.NewString()
	_, err = s.stmtInsertQueue.ExecContext(ctx,
		queueID, string(RecordTypeMedia), eventLocalID, blob, codecName,
		PriorityLow, now.Unix(), now.Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue media: %w", err)
	}
	return queueID, nil
}

// MarkSynced records the remote acknowledgment for an event.
func (s *Store) MarkSynced(ctx context.Context, localID int64, remoteID string, syncTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.stmtMarkSynced.ExecContext(ctx, remoteID, syncTime.UTC().Unix(), localID)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// GetEvent loads one event by local id.
func (s *Store) GetEvent(ctx context.Context, localID int64) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT local_id, event_id, subject_key, event_type, status, ts, media_ref,
		 synced, remote_id, sync_time FROM events WHERE local_id = ?`, localID)
	return scanEvent(row)
}

// UnsyncedEvents returns events not yet acknowledged by the remote,
// oldest first.
func (s *Store) UnsyncedEvents(ctx context.Context, limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT local_id, event_id, subject_key, event_type, status, ts, media_ref,
		 synced, remote_id, sync_time FROM events WHERE synced = 0
		 ORDER BY ts ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*EventRecord, error) {
	var rec EventRecord
	var eventType, status string
	var ts, syncedInt, syncTS int64
	err := row.Scan(&rec.LocalID, &rec.EventID, &rec.SubjectKey, &eventType, &status,
		&ts, &rec.MediaRef, &syncedInt, &rec.RemoteID, &syncTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	rec.EventType = EventType(eventType)
	rec.Status = EventStatus(status)
	rec.Timestamp = time.Unix(ts, 0).UTC()
	rec.Synced = syncedInt != 0
	if syncTS > 0 {
		rec.SyncTime = time.Unix(syncTS, 0).UTC()
	}
	return &rec, nil
}

// DueEntries returns queue entries whose next retry time has passed,
// highest priority first, oldest first within a priority. Payloads are
// decoded back to their delivery form.
func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.stmtDueEntries.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var recordType, codecName string
		var blob []byte
		var nextRetry, created int64
		if err := rows.Scan(&e.QueueID, &recordType, &e.RecordID, &blob, &codecName,
			&e.Priority, &e.RetryCount, &nextRetry, &created, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		raw, err := s.codec.Decode(blob, codecName)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.QueueID, err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("entry %s: unmarshal payload: %w", e.QueueID, err)
		}
		e.RecordType = RecordType(recordType)
		e.NextRetryAt = time.Unix(nextRetry, 0).UTC()
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CompleteEntry removes a delivered entry from the queue.
func (s *Store) CompleteEntry(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.stmtDeleteEntry.ExecContext(ctx, queueID)
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// RescheduleEntry bumps an entry's retry count and next attempt time after
// a failed delivery.
func (s *Store) RescheduleEntry(ctx context.Context, queueID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.stmtReschedule.ExecContext(ctx, retryCount, nextRetryAt.Unix(), lastError, queueID)
	if err != nil {
		return fmt.Errorf("reschedule entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeadLetter archives a permanently failed entry and removes it from the
// queue in one transaction. The stored payload blob is moved untouched so
// the archived copy is byte-identical to what delivery attempted.
func (s *Store) DeadLetter(ctx context.Context, queueID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (original_id, record_type, record_id, payload,
		 payload_codec, retry_count, reason, archived_at)
		 SELECT queue_id, record_type, record_id, payload, payload_codec, retry_count, ?, ?
		 FROM sync_queue WHERE queue_id = ?`,
		reason, s.now().Unix(), queueID)
	if err != nil {
		return fmt.Errorf("archive entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	s.logger.Warn("queue entry dead-lettered", "queue_id", queueID, "reason", reason)
	return nil
}

// DeadLetters lists archived entries, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT original_id, record_type, record_id, payload, payload_codec,
		 retry_count, reason, archived_at FROM dead_letters
		 ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		var recordType, codecName string
		var blob []byte
		var archived int64
		if err := rows.Scan(&e.OriginalID, &recordType, &e.RecordID, &blob, &codecName,
			&e.RetryCount, &e.Reason, &archived); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		raw, err := s.codec.Decode(blob, codecName)
		if err != nil {
			return nil, fmt.Errorf("dead letter %s: %w", e.OriginalID, err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("dead letter %s: unmarshal payload: %w", e.OriginalID, err)
		}
		e.RecordType = RecordType(recordType)
		e.ArchivedAt = time.Unix(archived, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RequeueDeadLetter moves an archived entry back into the queue with a
// reset retry budget. This is the manual replay path; nothing automatic
// ever touches dead letters.
func (s *Store) RequeueDeadLetter(ctx context.Context, originalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_queue (queue_id, record_type, record_id, payload, payload_codec,
		 priority, retry_count, next_retry_at, created_at, last_error)
		 SELECT original_id, record_type, record_id, payload, payload_codec, ?, 0, ?, ?, ''
		 FROM dead_letters WHERE original_id = ?`,
		PriorityNormal, now, now, originalID)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE original_id = ?`, originalID); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return tx.Commit()
}

// QueueDepth returns the number of pending queue entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var depth int
	if err := s.stmtQueueDepth.QueryRowContext(ctx).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// UnsyncedCount returns the number of events awaiting remote
// acknowledgment.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.stmtUnsyncedCount.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("unsynced count: %w", err)
	}
	return n, nil
}

// PurgeSyncedBefore deletes synced events older than cutoff and returns
// how many were removed. Unsynced events are never purged.
func (s *Store) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE synced = 1 AND ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// IntegrityCheck runs SQLite's integrity check and returns
// ErrStorageCorrupt when it reports anything but "ok".
func (s *Store) IntegrityCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if line != "ok" {
			findings = append(findings, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if len(findings) > 0 {
		return fmt.Errorf("%w: %s", ErrStorageCorrupt, strings.Join(findings, "; "))
	}
	return nil
}

// MetaGet reads a value from the small key/value side table. Missing keys
// return nil without error.
func (s *Store) MetaGet(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("meta get %q: %w", key, err)
	}
	return value, nil
}

// MetaSet writes a value into the side table, replacing any existing one.
func (s *Store) MetaSet(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("meta set %q: %w", key, err)
	}
	return nil
}

// Close releases prepared statements and the database. Further calls on
// the store return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.stmtInsertEvent, s.stmtInsertQueue, s.stmtFindRecent, s.stmtMarkSynced,
		s.stmtDueEntries, s.stmtQueueDepth, s.stmtDeleteEntry, s.stmtReschedule,
		s.stmtUnsyncedCount,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
