// Package driftline provides an embedded offline-first event store and cloud
// synchronization engine for edge capture devices.
//
// Driftline records events in a local SQLite store and propagates them to a
// remote HTTP API under intermittent, low-quality connectivity. The local
// capture path always completes without touching the network; a background
// worker drains a durable retry queue through per-endpoint circuit breakers
// with exponential backoff and dead-lettering.
//
// # Basic Usage
//
// Open an engine with default configuration and record an event:
//
//	eng, err := driftline.NewEngine(driftline.DefaultConfig("/var/lib/driftline"), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
//	rec := &driftline.EventRecord{
//	    SubjectKey: "badge-1042",
//	    EventType:  driftline.EventCheckIn,
//	    Status:     driftline.StatusPresent,
//	    Timestamp:  time.Now(),
//	}
//	if err := eng.RecordEvent(ctx, rec); err != nil {
//	    log.Fatal(err)
//	}
//
// RecordEvent returns as soon as the event and its queue entry are durably
// committed together; delivery to the remote store happens asynchronously.
//
// # Guarantees
//
//   - Recording an event and scheduling its upload is atomic: either both
//     persist or neither does.
//   - Delivery is at-least-once; remote writes are keyed by the event's
//     natural key so retried deliveries never create duplicate remote rows.
//   - Retry pacing is exponential with a cap; entries that exhaust their
//     retry budget are archived to a dead-letter table for inspection.
//   - A failing remote resource trips its own circuit breaker without
//     affecting calls to unrelated resources.
//   - Writes are refused before they can fill the disk; old synced media is
//     reclaimed oldest-first.
package driftline
