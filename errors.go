package driftline

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors for the driftline package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine
	// or store.
	ErrClosed = errors.New("store is closed")

	// ErrDuplicate is returned when an event for the same subject and type
	// arrives inside the duplicate cooldown window.
	ErrDuplicate = errors.New("duplicate event inside cooldown window")

	// ErrStorageFull is returned when the disk guard refuses a write because
	// free space is below the critical threshold.
	ErrStorageFull = errors.New("storage full")

	// ErrStorageLocked is returned when the store lock cannot be acquired
	// within the configured timeout.
	ErrStorageLocked = errors.New("storage locked")

	// ErrStorageCorrupt is returned when an integrity check on the local
	// store fails. This is fatal; the process must not silently continue.
	ErrStorageCorrupt = errors.New("storage corruption detected")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without attempting the remote resource.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrLockTimeout is returned when a named resource lock is not acquired
	// within its timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrQueueFull is returned when the sync queue has reached its
	// configured depth cap.
	ErrQueueFull = errors.New("sync queue is full")

	// ErrEntryNotFound is returned when a queue entry cannot be located.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// DuplicateError reports a suppressed duplicate capture, including the
// existing record it collided with.
type DuplicateError struct {
	SubjectKey string
	EventType  EventType
	ExistingID int64
	Age        time.Duration
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s for %s recorded %s ago (event %d)",
		e.EventType, e.SubjectKey, e.Age.Round(time.Second), e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// LockTimeoutError reports which resource could not be locked in time.
type LockTimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired within %s", e.Resource, e.Timeout)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// CircuitOpenError reports which remote resource's breaker rejected a call.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit for %q is open, retry in %s", e.Resource, e.RetryAfter.Round(time.Second))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RemoteError is returned for non-2xx responses from the remote API.
type RemoteError struct {
	Resource string
	Status   int
	Body     string
}

func (e *RemoteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: remote returned %d: %s", e.Resource, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: remote returned %d", e.Resource, e.Status)
}

// Retryable reports whether the failure is transient. Server-side errors and
// rate limiting are retried through the breaker; any other 4xx is a
// permanent rejection and a dead-letter candidate.
func (e *RemoteError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// IsRetryableRemote classifies an error from a remote call. Transport
// failures (timeouts, refused connections) are retryable; a RemoteError
// defers to its status code.
func IsRetryableRemote(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	// Anything that never produced an HTTP status is a transport-level
	// failure: timeout, refused connection, reset, DNS.
	return true
}
