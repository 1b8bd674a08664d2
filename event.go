package driftline

import (
	"fmt"
	"time"
)

// EventType identifies the kind of captured occurrence.
type EventType string

const (
	// EventCheckIn is a subject arriving.
	EventCheckIn EventType = "check_in"
	// EventCheckOut is a subject leaving.
	EventCheckOut EventType = "check_out"
)

// EventStatus is the classified status of an event, assigned by the capture
// path before the record reaches the store.
type EventStatus string

const (
	// StatusPresent is the normal on-time status.
	StatusPresent EventStatus = "present"
	// StatusLate marks a capture past its expected window.
	StatusLate EventStatus = "late"
	// StatusUnknown is used when the capture path could not classify.
	StatusUnknown EventStatus = "unknown"
)

// RecordType distinguishes units of remote work in the sync queue.
type RecordType string

const (
	// RecordTypeEvent is an event insert against the remote API.
	RecordTypeEvent RecordType = "event"
	// RecordTypeMedia is a standalone media upload.
	RecordTypeMedia RecordType = "media"
)

// EventRecord is one captured occurrence, e.g. an attendance scan.
//
// LocalID, Synced, RemoteID and SyncTimestamp are owned by the store and the
// sync path; callers populate the remaining fields.
type EventRecord struct {
	LocalID    int64
	EventID    string // stable UUID assigned at insert
	SubjectKey string
	Timestamp  time.Time
	EventType  EventType
	Status     EventStatus
	MediaRef   string // optional path to local media
	Synced     bool
	RemoteID   string
	SyncTime   time.Time
}

// NaturalKey returns the domain-derived idempotency key for remote writes.
// Two deliveries of the same logical event always carry the same key, so a
// retry after a lost response cannot create a second remote record.
func (r EventRecord) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%d", r.SubjectKey, r.EventType, r.Timestamp.UTC().Unix())
}

// QueueEntry is one pending unit of remote work, persisted in the sync
// queue. Payload holds the snapshot exactly as it will be delivered.
type QueueEntry struct {
	QueueID     string
	RecordType  RecordType
	RecordID    int64
	Payload     map[string]any
	Priority    int
	RetryCount  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// DeadLetterEntry is an archived, permanently failed queue entry. It is
// immutable once written and never re-enqueued automatically.
type DeadLetterEntry struct {
	OriginalID string
	RecordType RecordType
	RecordID   int64
	Payload    map[string]any
	RetryCount int
	Reason     string
	ArchivedAt time.Time
}

// Priorities for queue entries. Higher drains first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 9
)
