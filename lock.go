package driftline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ResourceLock serializes access to a shared local resource (the store
// file, the media directory) across goroutines and across processes. The
// in-process side is a semaphore; the cross-process side is an advisory
// flock on a lock file next to the resource.
type ResourceLock struct {
	resource string
	path     string
	timeout  time.Duration

	sem  chan struct{}
	file *os.File
}

// NewResourceLock creates a lock for the named resource backed by a
// ".<resource>.lock" file in dir.
func NewResourceLock(dir, resource string, timeout time.Duration) *ResourceLock {
	return &ResourceLock{
		resource: resource,
		path:     filepath.Join(dir, "."+resource+".lock"),
		timeout:  timeout,
		sem:      make(chan struct{}, 1),
	}
}

// Acquire takes the lock, waiting up to the configured timeout. It returns
// a LockTimeoutError when the deadline passes.
func (l *ResourceLock) Acquire() error {
	deadline := time.Now().Add(l.timeout)

	select {
	case l.sem <- struct{}{}:
	case <-time.After(l.timeout):
		return &LockTimeoutError{Resource: l.resource, Timeout: l.timeout}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-l.sem
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	// Poll the non-blocking flock until the deadline so a crashed holder's
	// kernel-released lock is picked up promptly.
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			<-l.sem
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			<-l.sem
			return &LockTimeoutError{Resource: l.resource, Timeout: l.timeout}
		}
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	l.file = f
	return nil
}

// Release drops the lock. Release without a matching Acquire is a
// programming error.
func (l *ResourceLock) Release() error {
	f := l.file
	l.file = nil
	var err error
	if f != nil {
		if ferr := unix.Flock(int(f.Fd()), unix.LOCK_UN); ferr != nil {
			err = fmt.Errorf("funlock %s: %w", l.path, ferr)
		}
		f.Close()
	}
	select {
	case <-l.sem:
	default:
	}
	return err
}

// With runs fn while holding the lock.
func (l *ResourceLock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
