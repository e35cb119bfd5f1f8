package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/tutor/internal/observability"
	"github.com/pitabwire/tutor/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all operations through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all operations immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe operations through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern with three states:
// Closed → Open → HalfOpen. It trips on consecutive failure count and is safe
// for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
// failureThreshold: consecutive failures to trip from Closed → Open.
// successThreshold: consecutive successes in HalfOpen to return to Closed.
// timeout: duration to stay Open before transitioning to HalfOpen.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow checks whether an operation should be allowed through.
// Returns nil if allowed, or an error if the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.openedAt) > cb.timeout {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("circuit breaker is open")
	case BreakerHalfOpen:
		return nil
	}
	return nil
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
		cb.successes = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// BreakerStore decorates a ProgressStore with a circuit breaker and operation
// metrics. A rejected or failed operation surfaces as PERSISTENCE_FAILURE so
// the classification reaching callers does not depend on which layer failed.
// Not-found and version-conflict results are outcomes, not store failures, and
// pass through untouched.
type BreakerStore struct {
	inner   ProgressStore
	breaker *CircuitBreaker
	metrics *observability.Metrics
}

// NewBreakerStore wraps a store with the given breaker. A nil metrics registry
// disables instrumentation.
func NewBreakerStore(inner ProgressStore, breaker *CircuitBreaker, metrics *observability.Metrics) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: breaker, metrics: metrics}
}

// Create persists a new progress record through the breaker.
func (s *BreakerStore) Create(ctx context.Context, p model.TutorialProgress) error {
	return s.do(ctx, "create", func() error { return s.inner.Create(ctx, p) })
}

// Get retrieves a progress record through the breaker.
func (s *BreakerStore) Get(ctx context.Context, userID string) (model.TutorialProgress, error) {
	var p model.TutorialProgress
	err := s.do(ctx, "get", func() error {
		var innerErr error
		p, innerErr = s.inner.Get(ctx, userID)
		return innerErr
	})
	return p, err
}

// Update persists an updated record through the breaker.
func (s *BreakerStore) Update(ctx context.Context, p model.TutorialProgress) error {
	return s.do(ctx, "update", func() error { return s.inner.Update(ctx, p) })
}

// Delete removes a progress record through the breaker.
func (s *BreakerStore) Delete(ctx context.Context, userID string) error {
	return s.do(ctx, "delete", func() error { return s.inner.Delete(ctx, userID) })
}

// HealthCheck delegates to the inner store when it is a HealthChecker.
func (s *BreakerStore) HealthCheck(ctx context.Context) error {
	if hc, ok := s.inner.(observability.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (s *BreakerStore) do(_ context.Context, operation string, fn func() error) error {
	if err := s.breaker.Allow(); err != nil {
		s.record(operation, "rejected", 0)
		return model.NewPersistenceError("progress store unavailable: " + err.Error())
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	// NOT_FOUND and CONFLICT are domain outcomes, not infrastructure
	// failures; they must not trip the breaker.
	if err != nil && !model.IsCode(err, model.ErrNotFound) && !model.IsCode(err, model.ErrConflict) {
		s.breaker.RecordFailure()
		s.record(operation, "error", elapsed)
		if model.IsCode(err, model.ErrPersistenceFailure) {
			return err
		}
		return model.NewPersistenceError(err.Error())
	}

	s.breaker.RecordSuccess()
	status := "ok"
	if err != nil {
		status = "miss"
	}
	s.record(operation, status, elapsed)
	return err
}

func (s *BreakerStore) record(operation, status string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStoreOperation(operation, status, elapsed)
	s.metrics.SetStoreBreakerState(breakerStateValue(s.breaker.State()))
}

func breakerStateValue(state BreakerState) float64 {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
