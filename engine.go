package driftline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// saltFileName is the sidecar holding the key-derivation salt. It lives
// next to the store so the same passphrase reopens existing data.
const saltFileName = "driftline.salt"

// metaKeyDeviceID is the meta-table key for the stable device identity.
const metaKeyDeviceID = "device_id"

// Engine is the top-level coordinator: it validates and records events,
// runs the background sync worker that drains the queue to the cloud, and
// keeps the disk guard and retention sweeps ticking.
type Engine struct {
	config    Config
	logger    *slog.Logger
	store     *Store
	queue     *QueueManager
	guard     *DiskGuard
	validator *Validator
	client    *SyncClient
	hub       *OutcomeHub

	storeLock *ResourceLock
	mediaLock *ResourceLock

	deviceID string

	started atomic.Bool
	stopCh  chan struct{}
	kick    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine builds an engine from cfg. It opens the store, verifies its
// integrity, and establishes the device identity, but starts no background
// work until Start is called.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.MediaDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	var encryptor *Encryptor
	if cfg.Encryption != nil && cfg.Encryption.Enabled {
		var err error
		encryptor, err = loadOrCreateEncryptor(cfg)
		if err != nil {
			return nil, err
		}
	}
	codec := NewPayloadCodec(encryptor)

	store, err := OpenStore(cfg, codec, logger)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := store.IntegrityCheck(ctx); err != nil {
		store.Close()
		return nil, err
	}

	deviceID, err := loadOrCreateDeviceID(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	mediaLock := NewResourceLock(cfg.DataDir, "media", cfg.Store.LockTimeout())
	remote := NewRemoteClient(cfg.Remote)
	uploader, err := NewMediaUploader(ctx, cfg, remote, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	queue := NewQueueManager(store, cfg.Queue, logger)
	queue.requireMedia = !cfg.Media.Optional

	e := &Engine{
		config:    cfg,
		logger:    logger.With("device_id", deviceID),
		store:     store,
		queue:     queue,
		guard:     NewDiskGuard(cfg, mediaLock, logger),
		validator: NewValidator(),
		client:    NewSyncClient(remote, uploader, cfg.Breaker, logger),
		hub:       NewOutcomeHub(logger),
		storeLock: NewResourceLock(cfg.DataDir, "store", cfg.Store.LockTimeout()),
		mediaLock: mediaLock,
		deviceID:  deviceID,
		stopCh:    make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
	return e, nil
}

func loadOrCreateEncryptor(cfg Config) (*Encryptor, error) {
	saltPath := filepath.Join(cfg.DataDir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	switch {
	case err == nil:
		return NewEncryptorWithSalt(cfg.Encryption.Passphrase, salt)
	case os.IsNotExist(err):
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		enc, err := NewEncryptor(cfg.Encryption.Passphrase)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, enc.Salt(), 0o600); err != nil {
			return nil, fmt.Errorf("persist salt: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("read salt: %w", err)
	}
}

func loadOrCreateDeviceID(ctx context.Context, store *Store) (string, error) {
	value, err := store.MetaGet(ctx, metaKeyDeviceID)
	if err != nil {
		return "", err
	}
	if len(value) > 0 {
		return string(value), nil
	}
	id := uuid.NewString()
	if err := store.MetaSet(ctx, metaKeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// DeviceID returns the stable identity assigned to this installation.
func (e *Engine) DeviceID() string { return e.deviceID }

// RecordEvent validates and durably records one captured event, enqueueing
// it for delivery in the same transaction. It returns immediately after
// the local write; delivery happens in the background. A queued media
// reference is enqueued as a separate low-priority upload.
func (e *Engine) RecordEvent(ctx context.Context, rec *EventRecord) error {
	if err := e.validator.ValidateEvent(rec); err != nil {
		return err
	}
	if err := e.guard.CheckWritable(); err != nil {
		return err
	}

	err := e.withStore(func() error {
		if err := e.store.RecordEvent(ctx, rec); err != nil {
			return err
		}
		if rec.MediaRef != "" {
			if _, err := e.store.EnqueueMedia(ctx, rec.LocalID, rec.MediaRef); err != nil {
				if !e.config.Media.Optional {
					return fmt.Errorf("enqueue media for event %d: %w", rec.LocalID, err)
				}
				// The event is already durable; a failed optional media
				// enqueue only loses the upload, not the capture.
				e.logger.Warn("media enqueue failed", "local_id", rec.LocalID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Debug("event recorded",
		"local_id", rec.LocalID,
		"subject_key", rec.SubjectKey,
		"event_type", rec.EventType)
	e.TriggerSync()
	return nil
}

// withStore runs a store mutation while holding the cross-process store
// lock, so every write shares one exclusion domain with other processes.
// A lock timeout surfaces as ErrStorageLocked.
func (e *Engine) withStore(fn func() error) error {
	err := e.storeLock.With(fn)
	var lte *LockTimeoutError
	if errors.As(err, &lte) {
		return fmt.Errorf("%w: %w", ErrStorageLocked, err)
	}
	return err
}

// TriggerSync nudges the sync worker to drain immediately instead of
// waiting for the next tick. Safe to call at any time.
func (e *Engine) TriggerSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start launches the background sync and maintenance loops. It is an error
// to start a running engine.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.wg.Add(2)
	go e.syncLoop()
	go e.maintenanceLoop()
	e.logger.Info("engine started",
		"endpoint", e.config.Remote.Endpoint,
		"sync_interval", e.config.Sync.Interval())
	return nil
}

// Stop shuts the background loops down, waiting up to the shutdown grace
// period for the in-flight delivery, then closes the store.
func (e *Engine) Stop() error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.config.Sync.ShutdownGrace()):
		e.logger.Warn("shutdown grace elapsed with work in flight")
	}

	e.hub.Close()
	err := e.store.Close()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Sync.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.drainOnce(); err != nil {
			e.logger.Warn("drain pass failed", "error", err)
		}
	}
}

// drainOnce processes one batch of due queue entries. Each entry gets its
// own delivery deadline so one slow remote call cannot starve the rest of
// the batch.
func (e *Engine) drainOnce() error {
	listCtx, cancel := context.WithTimeout(context.Background(), e.config.Remote.ReadTimeout())
	entries, err := e.queue.Due(listCtx, e.config.Sync.BatchSize)
	cancel()
	if err != nil {
		return err
	}
	entryBudget := e.config.Remote.ConnectTimeout() + e.config.Remote.ReadTimeout()
	for _, entry := range entries {
		select {
		case <-e.stopCh:
			return nil
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), entryBudget)
		e.deliver(ctx, entry)
		cancel()
	}
	return nil
}

// deliver attempts one queue entry and records its outcome.
func (e *Engine) deliver(ctx context.Context, entry *QueueEntry) {
	var err error
	var remoteID string

	switch entry.RecordType {
	case RecordTypeEvent:
		remoteID, err = e.client.DeliverEvent(ctx, entry.Payload)
		if err == nil {
			markErr := e.withStore(func() error {
				return e.store.MarkSynced(ctx, entry.RecordID, remoteID, time.Now())
			})
			if markErr != nil {
				// Leave the entry queued; the remote insert is idempotent, so
				// the next attempt acknowledges it once the store is writable.
				e.logger.Error("mark synced failed", "local_id", entry.RecordID, "error", markErr)
				return
			}
		}
	case RecordTypeMedia:
		err = e.deliverMedia(ctx, entry)
		if errors.Is(err, errMediaEventPending) {
			// The parent event has not been acknowledged yet; try again
			// later without spending retry budget.
			e.deferEntry(ctx, entry, "waiting for event sync")
			return
		}
	default:
		err = fmt.Errorf("unknown record type %q", entry.RecordType)
	}

	if err == nil {
		if cerr := e.withStore(func() error { return e.queue.Complete(ctx, entry) }); cerr != nil {
			e.logger.Error("complete entry failed", "queue_id", entry.QueueID, "error", cerr)
			return
		}
		e.hub.Publish(SyncOutcome{
			QueueID:    entry.QueueID,
			RecordType: entry.RecordType,
			Outcome:    OutcomeDelivered,
			RemoteID:   remoteID,
			RetryCount: entry.RetryCount,
			At:         time.Now().UTC(),
		})
		return
	}

	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		e.deferEntry(ctx, entry, err.Error())
		return
	}

	var deadLettered bool
	ferr := e.withStore(func() error {
		var failErr error
		deadLettered, failErr = e.queue.Fail(ctx, entry, err)
		return failErr
	})
	if ferr != nil {
		e.logger.Error("record failure failed", "queue_id", entry.QueueID, "error", ferr)
		return
	}
	outcome := OutcomeRescheduled
	if deadLettered {
		outcome = OutcomeDeadLettered
	}
	e.hub.Publish(SyncOutcome{
		QueueID:    entry.QueueID,
		RecordType: entry.RecordType,
		Outcome:    outcome,
		RetryCount: entry.RetryCount + 1,
		Error:      err.Error(),
		At:         time.Now().UTC(),
	})
}

// deferEntry pushes an entry out without consuming retry budget and publishes
// the deferred outcome.
func (e *Engine) deferEntry(ctx context.Context, entry *QueueEntry, reason string) {
	err := e.withStore(func() error {
		return e.queue.Defer(ctx, entry, e.config.Queue.BaseRetryDelay(), reason)
	})
	if err != nil {
		e.logger.Error("defer entry failed", "queue_id", entry.QueueID, "error", err)
		return
	}
	e.hub.Publish(SyncOutcome{
		QueueID:    entry.QueueID,
		RecordType: entry.RecordType,
		Outcome:    OutcomeDeferred,
		RetryCount: entry.RetryCount,
		Error:      reason,
		At:         time.Now().UTC(),
	})
}

// errMediaEventPending signals that a media upload must wait for its event
// to sync first.
var errMediaEventPending = errors.New("event not yet synced")

func (e *Engine) deliverMedia(ctx context.Context, entry *QueueEntry) error {
	mediaRef, _ := entry.Payload["media_ref"].(string)
	if mediaRef == "" {
		return &RemoteError{Resource: ResourceMediaUpload, Status: 400, Body: "payload missing media_ref"}
	}

	event, err := e.store.GetEvent(ctx, entry.RecordID)
	if err != nil {
		return err
	}
	if event.RemoteID == "" {
		return errMediaEventPending
	}

	if _, err := os.Stat(mediaRef); os.IsNotExist(err) {
		// The retention sweep removed the file; nothing left to upload.
		return &RemoteError{Resource: ResourceMediaUpload, Status: 410, Body: "media file no longer exists"}
	}
	return e.client.DeliverMedia(ctx, event.RemoteID, mediaRef)
}

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Disk.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		e.runMaintenance()
	}
}

func (e *Engine) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if status, err := e.guard.Status(); err == nil && status.Warning {
		e.logger.Warn("disk space low",
			"free_percent", fmt.Sprintf("%.1f", status.FreePercent))
		if _, _, err := e.guard.Cleanup(); err != nil {
			e.logger.Warn("media cleanup failed", "error", err)
		}
	}

	if e.config.Store.EventRetentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(e.config.Store.EventRetentionDays) * 24 * time.Hour)
		var n int64
		err := e.withStore(func() error {
			var purgeErr error
			n, purgeErr = e.store.PurgeSyncedBefore(ctx, cutoff)
			return purgeErr
		})
		if err != nil {
			e.logger.Warn("event purge failed", "error", err)
		} else if n > 0 {
			e.logger.Info("purged synced events", "count", n)
		}
	}
}

// EngineStats is a point-in-time operational snapshot.
type EngineStats struct {
	DeviceID      string         `json:"device_id"`
	QueueDepth    int            `json:"queue_depth"`
	UnsyncedCount int            `json:"unsynced_count"`
	Disk          DiskStatus     `json:"disk"`
	Breakers      []BreakerStats `json:"breakers"`
}

// Stats collects queue, store, disk and breaker status.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	unsynced, err := e.store.UnsyncedCount(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	disk, err := e.guard.Status()
	if err != nil {
		e.logger.Warn("disk status probe failed", "error", err)
	}
	return EngineStats{
		DeviceID:      e.deviceID,
		QueueDepth:    depth,
		UnsyncedCount: unsynced,
		Disk:          disk,
		Breakers:      e.client.BreakerStats(),
	}, nil
}

// DeadLetters lists archived entries for inspection.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	return e.store.DeadLetters(ctx, limit)
}

// RequeueDeadLetter manually replays an archived entry.
func (e *Engine) RequeueDeadLetter(ctx context.Context, originalID string) error {
	if err := e.withStore(func() error { return e.store.RequeueDeadLetter(ctx, originalID) }); err != nil {
		return err
	}
	e.TriggerSync()
	return nil
}

// SubscribeOutcomes registers a local observer of delivery results.
func (e *Engine) SubscribeOutcomes() (<-chan SyncOutcome, func()) {
	return e.hub.Subscribe()
}

// OutcomesHandler returns the WebSocket handler streaming delivery
// results, for mounting on a local HTTP server.
func (e *Engine) OutcomesHandler() http.HandlerFunc {
	return e.hub.WebSocketHandler
}
