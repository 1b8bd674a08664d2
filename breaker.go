package driftline

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed lets requests through and counts failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails fast until the recovery timeout elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets probe requests through and counts successes.
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards one named remote resource. Consecutive failures
// open it; after the recovery timeout a probe is allowed and consecutive
// probe successes close it again. Any half-open failure reopens it and
// restarts the recovery timer.
type CircuitBreaker struct {
	resource                 string
	failureThreshold         int
	recoveryTimeout          time.Duration
	halfOpenSuccessThreshold int

	mu             sync.Mutex
	state          BreakerState
	failures       int
	successes      int
	trialsInFlight int
	openedAt       time.Time
	lastFailure    time.Time
	totalTrips     uint64
	totalBlocked   uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named resource.
func NewCircuitBreaker(resource string, config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		resource:                 resource,
		failureThreshold:         config.FailureThreshold,
		recoveryTimeout:          config.RecoveryTimeout(),
		halfOpenSuccessThreshold: config.HalfOpenSuccessThreshold,
		state:                    BreakerClosed,
		logger:                   logger.With("resource", resource),
		now:                      time.Now,
	}
}

// Execute runs op if the breaker allows it and records the outcome. When
// the breaker is open it returns a CircuitOpenError without invoking op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := op()
	cb.Record(err == nil)
	return err
}

// Allow reports whether a request may proceed. An open breaker whose
// recovery timeout has elapsed transitions to half-open and allows the
// probe. A half-open breaker admits at most the success threshold of
// trial calls at a time.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if cb.trialsInFlight >= cb.halfOpenSuccessThreshold {
			cb.totalBlocked++
			return &CircuitOpenError{Resource: cb.resource, RetryAfter: cb.recoveryTimeout}
		}
		cb.trialsInFlight++
		return nil
	case BreakerOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			cb.trialsInFlight = 1
			cb.logger.Info("circuit breaker half-open, probing")
			return nil
		}
		cb.totalBlocked++
		return &CircuitOpenError{
			Resource:   cb.resource,
			RetryAfter: cb.recoveryTimeout - elapsed,
		}
	}
	return nil
}

// Record feeds an attempt outcome into the state machine. Callers that use
// Allow directly must pair every allowed attempt with exactly one Record.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		if cb.trialsInFlight > 0 {
			cb.trialsInFlight--
		}
		if !success {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.halfOpenSuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.trialsInFlight = 0
			cb.logger.Info("circuit breaker closed")
		}
	case BreakerOpen:
		// A straggling in-flight result after the breaker opened; the open
		// timer already governs recovery.
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.trialsInFlight = 0
	cb.totalTrips++
	cb.logger.Warn("circuit breaker opened",
		"failures", cb.failures,
		"recovery_timeout", cb.recoveryTimeout)
}

// State returns the current breaker state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a point-in-time snapshot for diagnostics.
type BreakerStats struct {
	Resource     string       `json:"resource"`
	State        BreakerState `json:"state"`
	Failures     int          `json:"failures"`
	LastFailure  time.Time    `json:"last_failure,omitzero"`
	TotalTrips   uint64       `json:"total_trips"`
	TotalBlocked uint64       `json:"total_blocked"`
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Resource:     cb.resource,
		State:        cb.state,
		Failures:     cb.failures,
		LastFailure:  cb.lastFailure,
		TotalTrips:   cb.totalTrips,
		TotalBlocked: cb.totalBlocked,
	}
}

// BreakerSet manages one breaker per named remote resource so that a
// failing endpoint does not block unrelated ones.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	logger   *slog.Logger
}

// NewBreakerSet creates an empty set sharing one config.
func NewBreakerSet(config BreakerConfig, logger *slog.Logger) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for resource, creating it on first use.
func (bs *BreakerSet) Get(resource string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[resource]
	if !ok {
		cb = NewCircuitBreaker(resource, bs.config, bs.logger)
		bs.breakers[resource] = cb
	}
	return cb
}

// Stats returns snapshots for every breaker the set has created.
func (bs *BreakerSet) Stats() []BreakerStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	stats := make([]BreakerStats, 0, len(bs.breakers))
	for _, cb := range bs.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}
