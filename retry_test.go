package driftline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 300 * time.Second

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second},
		{5, 300 * time.Second},
		{20, 300 * time.Second},
		{-1, 30 * time.Second},
	}
	for _, tt := range tests {
		got := ComputeBackoff(base, max, tt.retryCount)
		if got != tt.want {
			t.Errorf("ComputeBackoff(retryCount=%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestRetryerRetriesTransient(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &RemoteError{Resource: "event_insert", Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryerStopsOnPermanent(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &RemoteError{Resource: "event_insert", Status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (400 is not retryable)", attempts)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	attempts := 0
	wantErr := &RemoteError{Resource: "event_insert", Status: 500}
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do returned %v, want the last attempt error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryerRespectsContext(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func(ctx context.Context) error {
		attempts++
		return &RemoteError{Resource: "event_insert", Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do returned %v, want context.Canceled", err)
	}
	if attempts > 2 {
		t.Errorf("attempts = %d, want at most 2 before cancellation", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", &CircuitOpenError{Resource: "event_insert"}, false},
		{"context canceled", context.Canceled, false},
		{"remote 500", &RemoteError{Status: 500}, true},
		{"remote 429", &RemoteError{Status: 429}, true},
		{"remote 400", &RemoteError{Status: 400}, false},
		{"remote 404", &RemoteError{Status: 404}, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}
