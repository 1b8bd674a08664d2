package driftline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Remote resource names guarded by independent circuit breakers. A failing
// media endpoint must not block event inserts and vice versa.
const (
	ResourceSubjectLookup = "subject_lookup"
	ResourceEventInsert   = "event_insert"
	ResourceMediaUpload   = "media_upload"
)

// subjectCacheTTL bounds how long a resolved subject id is reused before
// the remote is consulted again.
const subjectCacheTTL = 1 * time.Hour

type cachedSubject struct {
	id       string
	cachedAt time.Time
}

// SyncClient wraps the raw remote transport with the delivery policy:
// per-resource circuit breakers, short in-process retries for transient
// blips, and a cache of subject key to remote id resolutions.
type SyncClient struct {
	remote   *RemoteClient
	uploader MediaUploader
	breakers *BreakerSet
	retryer  *Retryer
	logger   *slog.Logger

	mu       sync.Mutex
	subjects map[string]cachedSubject
	now      func() time.Time
}

// NewSyncClient creates a client over remote and uploader.
func NewSyncClient(remote *RemoteClient, uploader MediaUploader, breakerCfg BreakerConfig, logger *slog.Logger) *SyncClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncClient{
		remote:   remote,
		uploader: uploader,
		breakers: NewBreakerSet(breakerCfg, logger),
		retryer:  NewRetryer(DefaultRetryConfig()),
		logger:   logger,
		subjects: make(map[string]cachedSubject),
		now:      time.Now,
	}
}

// ResolveSubject maps a local subject key to the remote subject id,
// consulting the cache first. Lookups go through the subject_lookup
// breaker.
func (sc *SyncClient) ResolveSubject(ctx context.Context, subjectKey string) (string, error) {
	sc.mu.Lock()
	if cached, ok := sc.subjects[subjectKey]; ok && sc.now().Sub(cached.cachedAt) < subjectCacheTTL {
		sc.mu.Unlock()
		return cached.id, nil
	}
	sc.mu.Unlock()

	var id string
	err := sc.breakers.Get(ResourceSubjectLookup).Execute(func() error {
		var lookupErr error
		id, lookupErr = sc.remote.LookupSubject(ctx, subjectKey)
		return lookupErr
	})
	if err != nil {
		return "", err
	}

	sc.mu.Lock()
	sc.subjects[subjectKey] = cachedSubject{id: id, cachedAt: sc.now()}
	sc.mu.Unlock()
	return id, nil
}

// InvalidateSubject drops a cached resolution, e.g. after the remote
// rejects an insert for an unknown subject.
func (sc *SyncClient) InvalidateSubject(subjectKey string) {
	sc.mu.Lock()
	delete(sc.subjects, subjectKey)
	sc.mu.Unlock()
}

// DeliverEvent delivers one event payload snapshot and returns the remote
// record id. The insert goes through the event_insert breaker with a short
// transient-retry window inside a single delivery attempt; anything beyond
// that is the durable queue's job.
func (sc *SyncClient) DeliverEvent(ctx context.Context, payload map[string]any) (string, error) {
	subjectKey, _ := payload["subject_key"].(string)
	if subjectKey == "" {
		return "", fmt.Errorf("event payload missing subject_key")
	}

	subjectID, err := sc.ResolveSubject(ctx, subjectKey)
	if err != nil {
		return "", fmt.Errorf("resolve subject %q: %w", subjectKey, err)
	}

	var remoteID string
	err = sc.breakers.Get(ResourceEventInsert).Execute(func() error {
		return sc.retryer.Do(ctx, func(ctx context.Context) error {
			var insertErr error
			remoteID, insertErr = sc.remote.InsertEvent(ctx, subjectID, payload)
			return insertErr
		})
	})
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Status == 404 {
			// The cached subject id went stale; next attempt re-resolves.
			sc.InvalidateSubject(subjectKey)
		}
		return "", err
	}
	return remoteID, nil
}

// DeliverMedia uploads one media file through the media_upload breaker.
func (sc *SyncClient) DeliverMedia(ctx context.Context, remoteEventID, localPath string) error {
	return sc.breakers.Get(ResourceMediaUpload).Execute(func() error {
		return sc.retryer.Do(ctx, func(ctx context.Context) error {
			return sc.uploader.Upload(ctx, remoteEventID, localPath)
		})
	})
}

// Ping checks remote reachability without touching any breaker state.
func (sc *SyncClient) Ping(ctx context.Context) error {
	return sc.remote.Ping(ctx)
}

// BreakerStats returns breaker snapshots for diagnostics.
func (sc *SyncClient) BreakerStats() []BreakerStats {
	return sc.breakers.Stats()
}
