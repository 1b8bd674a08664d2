package driftline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// QueueManager applies retry policy to the durable sync queue: exponential
// backoff between attempts, and dead-lettering once the retry budget is
// spent. Persistence lives in the Store; this layer only decides what
// happens to an entry after each delivery outcome.
type QueueManager struct {
	store  *Store
	config QueueConfig
	logger *slog.Logger
	now    func() time.Time

	// requireMedia keeps exhausted media uploads in the queue instead of
	// dead-lettering them, for deployments where media is not best-effort.
	requireMedia bool
}

// NewQueueManager creates a manager over store.
func NewQueueManager(store *Store, config QueueConfig, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Due returns up to limit entries ready for delivery.
func (q *QueueManager) Due(ctx context.Context, limit int) ([]*QueueEntry, error) {
	return q.store.DueEntries(ctx, q.now(), limit)
}

// Complete removes a successfully delivered entry.
func (q *QueueManager) Complete(ctx context.Context, entry *QueueEntry) error {
	return q.store.CompleteEntry(ctx, entry.QueueID)
}

// Fail records a delivery failure. Retryable failures reschedule the entry
// with exponential backoff; non-retryable failures and exhausted retry
// budgets move it to the dead letter archive. It returns true when the
// entry was dead-lettered.
func (q *QueueManager) Fail(ctx context.Context, entry *QueueEntry, cause error) (bool, error) {
	reason := cause.Error()

	if !IsRetryableRemote(cause) {
		q.logger.Warn("permanent delivery failure",
			"queue_id", entry.QueueID,
			"record_type", entry.RecordType,
			"error", reason)
		if err := q.store.DeadLetter(ctx, entry.QueueID, "permanent: "+reason); err != nil {
			return false, err
		}
		return true, nil
	}

	nextRetry := entry.RetryCount + 1
	if nextRetry > q.config.MaxRetries {
		if q.requireMedia && entry.RecordType == RecordTypeMedia {
			// Required media is never abandoned; hold it at the backoff
			// ceiling until the remote recovers or an operator intervenes.
			q.logger.Warn("required media past retry budget, holding",
				"queue_id", entry.QueueID,
				"retries", entry.RetryCount,
				"error", reason)
			nextAt := q.now().Add(q.config.MaxRetryDelay())
			if err := q.store.RescheduleEntry(ctx, entry.QueueID, nextRetry, nextAt, reason); err != nil {
				return false, err
			}
			return false, nil
		}
		q.logger.Warn("retry budget exhausted",
			"queue_id", entry.QueueID,
			"record_type", entry.RecordType,
			"retries", entry.RetryCount,
			"error", reason)
		if err := q.store.DeadLetter(ctx, entry.QueueID,
			fmt.Sprintf("exhausted %d retries: %s", entry.RetryCount, reason)); err != nil {
			return false, err
		}
		return true, nil
	}

	delay := ComputeBackoff(q.config.BaseRetryDelay(), q.config.MaxRetryDelay(), entry.RetryCount)
	nextAt := q.now().Add(delay)
	q.logger.Debug("delivery rescheduled",
		"queue_id", entry.QueueID,
		"retry", nextRetry,
		"delay", delay,
		"error", reason)
	if err := q.store.RescheduleEntry(ctx, entry.QueueID, nextRetry, nextAt, reason); err != nil {
		return false, err
	}
	return false, nil
}

// Defer pushes an entry's next attempt out without consuming retry budget.
// Used when a circuit breaker rejected the delivery before it was tried.
func (q *QueueManager) Defer(ctx context.Context, entry *QueueEntry, delay time.Duration, reason string) error {
	if delay <= 0 {
		delay = q.config.BaseRetryDelay()
	}
	return q.store.RescheduleEntry(ctx, entry.QueueID, entry.RetryCount, q.now().Add(delay), reason)
}

// Depth returns the number of pending entries.
func (q *QueueManager) Depth(ctx context.Context) (int, error) {
	return q.store.QueueDepth(ctx)
}
