package driftline

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryConfig controls in-process retry behavior for transient remote
// failures. This is distinct from the durable queue backoff: Retryer covers
// a single synchronous attempt window, the queue covers cross-restart
// redelivery.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the growing delay.
	MaxBackoff time.Duration

	// BackoffMultiplier scales the delay after each attempt.
	BackoffMultiplier float64

	// Jitter adds up to this fraction of random variance to each delay.
	Jitter float64

	// RetryIf decides whether an error is worth retrying. Defaults to
	// IsTransient.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns retry settings suitable for quick transient
// blips; anything longer belongs to the durable queue.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RetryIf:           IsTransient,
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a Retryer, filling zero config fields with defaults.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.RetryIf == nil {
		config.RetryIf = IsTransient
	}
	return &Retryer{config: config}
}

// Do runs op, retrying on errors the RetryIf predicate accepts. It returns
// the last error when attempts are exhausted, or the context error if the
// context is canceled mid-backoff.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.config.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.addJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
	return lastErr
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return d
	}
	variance := float64(d) * r.config.Jitter
	return d + time.Duration(rand.Float64()*variance)
}

// IsTransient reports whether err looks like a temporary network or remote
// condition worth retrying. Circuit-open errors are never transient at this
// layer: the breaker already decided to fail fast.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable()
	}
	// Unclassified errors from the transport (connection refused, reset)
	// are assumed transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ComputeBackoff returns the durable-queue delay for a given retry count:
// base * 2^retryCount, capped at max. retryCount is the number of failures
// already recorded, so the first reschedule uses the base delay.
func ComputeBackoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
