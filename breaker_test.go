package driftline

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker("event_insert", BreakerConfig{
		FailureThreshold:         5,
		RecoveryTimeoutSeconds:   60,
		HalfOpenSuccessThreshold: 2,
	}, nil)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(func() error { return errors.New("remote down") })
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := testBreaker(t)

	failN(cb, 4)
	if got := cb.State(); got != BreakerClosed {
		t.Fatalf("state after 4 failures = %s, want closed", got)
	}

	failN(cb, 1)
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("state after 5 failures = %s, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute on open breaker returned %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker invoked the operation")
	}

	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("error %v is not a CircuitOpenError", err)
	}
	if coe.Resource != "event_insert" {
		t.Errorf("Resource = %q, want event_insert", coe.Resource)
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > 60*time.Second {
		t.Errorf("RetryAfter = %s, want within (0, 60s]", coe.RetryAfter)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(t)

	failN(cb, 4)
	cb.Execute(func() error { return nil })
	failN(cb, 4)
	if got := cb.State(); got != BreakerClosed {
		t.Fatalf("state = %s, want closed (success reset the streak)", got)
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb, clock := testBreaker(t)

	failN(cb, 5)
	*clock = clock.Add(61 * time.Second)

	// First probe is allowed and moves the breaker to half-open.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe returned %v", err)
	}
	if got := cb.State(); got != BreakerHalfOpen {
		t.Fatalf("state after one probe success = %s, want half_open", got)
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("second probe returned %v", err)
	}
	if got := cb.State(); got != BreakerClosed {
		t.Fatalf("state after two probe successes = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(t)

	failN(cb, 5)
	*clock = clock.Add(61 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after recovery timeout returned %v", err)
	}
	cb.Record(false)
	if got := cb.State(); got != BreakerOpen {
		t.Fatalf("state after half-open failure = %s, want open", got)
	}

	// The recovery timer restarted; requests fail fast again.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenLimitsTrialCalls(t *testing.T) {
	cb, clock := testBreaker(t)

	failN(cb, 5)
	*clock = clock.Add(61 * time.Second)

	// Two trial calls (the success threshold) may be in flight at once;
	// further requests fail fast until one of them reports back.
	if err := cb.Allow(); err != nil {
		t.Fatalf("first trial call rejected: %v", err)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("second trial call rejected: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("extra half-open call %d = %v, want ErrCircuitOpen", i+1, err)
		}
	}

	cb.Record(true)
	if err := cb.Allow(); err != nil {
		t.Fatalf("trial slot not freed after Record: %v", err)
	}

	// Draining the in-flight trials with successes closes the breaker.
	cb.Record(true)
	if got := cb.State(); got != BreakerClosed {
		t.Fatalf("state = %s after threshold successes, want closed", got)
	}
}

func TestBreakerStaysOpenBeforeTimeout(t *testing.T) {
	cb, clock := testBreaker(t)

	failN(cb, 5)
	*clock = clock.Add(59 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow before recovery timeout = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSetIsolatesResources(t *testing.T) {
	bs := NewBreakerSet(BreakerConfig{
		FailureThreshold:         2,
		RecoveryTimeoutSeconds:   60,
		HalfOpenSuccessThreshold: 1,
	}, nil)

	media := bs.Get("media_upload")
	failN(media, 2)
	if got := media.State(); got != BreakerOpen {
		t.Fatalf("media breaker state = %s, want open", got)
	}

	events := bs.Get("event_insert")
	if err := events.Execute(func() error { return nil }); err != nil {
		t.Fatalf("event breaker rejected while media breaker open: %v", err)
	}

	if same := bs.Get("media_upload"); same != media {
		t.Error("Get returned a different breaker for the same resource")
	}

	stats := bs.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats returned %d entries, want 2", len(stats))
	}
}
