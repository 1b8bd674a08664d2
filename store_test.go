package driftline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	s, err := OpenStore(cfg, NewPayloadCodec(nil), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(subjectKey string, at time.Time) *EventRecord {
	return &EventRecord{
		SubjectKey: subjectKey,
		Timestamp:  at,
		EventType:  EventCheckIn,
		Status:     StatusPresent,
	}
}

func TestRecordEventWritesEventAndQueueEntryTogether(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testEvent("badge-1042", time.Now())
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if rec.LocalID == 0 {
		t.Error("LocalID not assigned")
	}
	if rec.EventID == "" {
		t.Error("EventID not assigned")
	}

	stored, err := s.GetEvent(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if stored.SubjectKey != "badge-1042" {
		t.Errorf("SubjectKey = %q, want badge-1042", stored.SubjectKey)
	}
	if stored.Synced {
		t.Error("new event marked synced")
	}

	entries, err := s.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.RecordType != RecordTypeEvent {
		t.Errorf("RecordType = %s, want event", entry.RecordType)
	}
	if entry.RecordID != rec.LocalID {
		t.Errorf("RecordID = %d, want %d", entry.RecordID, rec.LocalID)
	}
	if got := entry.Payload["natural_key"]; got != rec.NaturalKey() {
		t.Errorf("payload natural_key = %v, want %s", got, rec.NaturalKey())
	}
	if got := entry.Payload["subject_key"]; got != "badge-1042" {
		t.Errorf("payload subject_key = %v, want badge-1042", got)
	}
}

func TestRecordEventSuppressesDuplicatesInCooldown(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	first := testEvent("badge-7", base)
	if err := s.RecordEvent(ctx, first); err != nil {
		t.Fatalf("first RecordEvent: %v", err)
	}

	second := testEvent("badge-7", base.Add(10*time.Second))
	err := s.RecordEvent(ctx, second)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second RecordEvent = %v, want ErrDuplicate", err)
	}
	var de *DuplicateError
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a DuplicateError", err)
	}
	if de.ExistingID != first.LocalID {
		t.Errorf("ExistingID = %d, want %d", de.ExistingID, first.LocalID)
	}

	// The duplicate must leave no trace in the queue.
	entries, err := s.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("queue has %d entries, want 1", len(entries))
	}

	// A different event type for the same subject is not a duplicate.
	out := testEvent("badge-7", base.Add(20*time.Second))
	out.EventType = EventCheckOut
	if err := s.RecordEvent(ctx, out); err != nil {
		t.Errorf("check_out after check_in rejected: %v", err)
	}
}

func TestRecordEventAllowsRepeatAfterCooldown(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	s, err := OpenStore(cfg, NewPayloadCodec(nil), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	clock := time.Now()
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := s.RecordEvent(ctx, testEvent("badge-9", clock)); err != nil {
		t.Fatalf("first RecordEvent: %v", err)
	}

	clock = clock.Add(cfg.Store.DuplicateCooldown() + time.Second)
	if err := s.RecordEvent(ctx, testEvent("badge-9", clock)); err != nil {
		t.Fatalf("RecordEvent after cooldown: %v", err)
	}
}

func TestMarkSynced(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testEvent("badge-3", time.Now())
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	syncTime := time.Now()
	if err := s.MarkSynced(ctx, rec.LocalID, "rem-555", syncTime); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	stored, err := s.GetEvent(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !stored.Synced {
		t.Error("event not marked synced")
	}
	if stored.RemoteID != "rem-555" {
		t.Errorf("RemoteID = %q, want rem-555", stored.RemoteID)
	}

	n, err := s.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("UnsyncedCount: %v", err)
	}
	if n != 0 {
		t.Errorf("UnsyncedCount = %d, want 0", n)
	}
}

func TestQueuePriorityAndOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	checkIn := testEvent("badge-a", base)
	if err := s.RecordEvent(ctx, checkIn); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	checkOut := testEvent("badge-b", base)
	checkOut.EventType = EventCheckOut
	if err := s.RecordEvent(ctx, checkOut); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	entries, err := s.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("queue has %d entries, want 2", len(entries))
	}
	// Check-outs carry high priority and drain first.
	if entries[0].RecordID != checkOut.LocalID {
		t.Errorf("first drained entry is event %d, want check-out %d",
			entries[0].RecordID, checkOut.LocalID)
	}
}

func TestDeadLetterKeepsPayloadIntact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testEvent("badge-dl", time.Now())
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	entries, err := s.DueEntries(ctx, time.Now().Add(time.Second), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("DueEntries: %v (%d entries)", err, len(entries))
	}
	entry := entries[0]

	if err := s.DeadLetter(ctx, entry.QueueID, "remote returned 422"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	// Gone from the queue.
	remaining, err := s.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("queue has %d entries after dead-letter, want 0", len(remaining))
	}

	letters, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.OriginalID != entry.QueueID {
		t.Errorf("OriginalID = %s, want %s", dl.OriginalID, entry.QueueID)
	}
	if dl.Reason != "remote returned 422" {
		t.Errorf("Reason = %q", dl.Reason)
	}
	if got := dl.Payload["natural_key"]; got != rec.NaturalKey() {
		t.Errorf("archived natural_key = %v, want %s", got, rec.NaturalKey())
	}
	if got := dl.Payload["event_id"]; got != rec.EventID {
		t.Errorf("archived event_id = %v, want %s", got, rec.EventID)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testEvent("badge-rq", time.Now())
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	entries, _ := s.DueEntries(ctx, time.Now().Add(time.Second), 1)
	if err := s.DeadLetter(ctx, entries[0].QueueID, "gone"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if err := s.RequeueDeadLetter(ctx, entries[0].QueueID); err != nil {
		t.Fatalf("RequeueDeadLetter: %v", err)
	}

	requeued, err := s.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(requeued) != 1 {
		t.Fatalf("queue has %d entries after requeue, want 1", len(requeued))
	}
	if requeued[0].RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after requeue", requeued[0].RetryCount)
	}

	letters, _ := s.DeadLetters(ctx, 10)
	if len(letters) != 0 {
		t.Errorf("dead letters = %d after requeue, want 0", len(letters))
	}

	if err := s.RequeueDeadLetter(ctx, "no-such-id"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("RequeueDeadLetter(missing) = %v, want ErrEntryNotFound", err)
	}
}

func TestQueueDepthCap(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Queue.MaxDepth = 2
	cfg.Store.DuplicateCooldownSeconds = 1
	s, err := OpenStore(cfg, NewPayloadCodec(nil), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	base := time.Now()
	for i, key := range []string{"badge-x", "badge-y"} {
		if err := s.RecordEvent(ctx, testEvent(key, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordEvent %s: %v", key, err)
		}
	}

	err = s.RecordEvent(ctx, testEvent("badge-z", base))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("RecordEvent over cap = %v, want ErrQueueFull", err)
	}
}

func TestPurgeSyncedBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testEvent("badge-old", time.Now().Add(-48*time.Hour))
	if err := s.RecordEvent(ctx, old); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	fresh := testEvent("badge-new", time.Now())
	if err := s.RecordEvent(ctx, fresh); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := s.MarkSynced(ctx, old.LocalID, "rem-1", time.Now()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	n, err := s.PurgeSyncedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeSyncedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d events, want 1", n)
	}

	if _, err := s.GetEvent(ctx, old.LocalID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("GetEvent(purged) = %v, want ErrEntryNotFound", err)
	}
	if _, err := s.GetEvent(ctx, fresh.LocalID); err != nil {
		t.Errorf("unsynced event was purged: %v", err)
	}
}

func TestIntegrityCheck(t *testing.T) {
	s := testStore(t)
	if err := s.IntegrityCheck(context.Background()); err != nil {
		t.Fatalf("IntegrityCheck on fresh store: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.MetaGet(ctx, "device_id")
	if err != nil {
		t.Fatalf("MetaGet: %v", err)
	}
	if got != nil {
		t.Errorf("MetaGet(missing) = %q, want nil", got)
	}

	if err := s.MetaSet(ctx, "device_id", []byte("dev-1")); err != nil {
		t.Fatalf("MetaSet: %v", err)
	}
	if err := s.MetaSet(ctx, "device_id", []byte("dev-2")); err != nil {
		t.Fatalf("MetaSet overwrite: %v", err)
	}
	got, err = s.MetaGet(ctx, "device_id")
	if err != nil {
		t.Fatalf("MetaGet: %v", err)
	}
	if string(got) != "dev-2" {
		t.Errorf("MetaGet = %q, want dev-2", got)
	}
}

func TestStoreClosedOperations(t *testing.T) {
	s := testStore(t)
	s.Close()

	if err := s.RecordEvent(context.Background(), testEvent("badge-c", time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordEvent after Close = %v, want ErrClosed", err)
	}
	if _, err := s.QueueDepth(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("QueueDepth after Close = %v, want ErrClosed", err)
	}
}
