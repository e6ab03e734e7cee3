package main

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/blas"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "closed"
}

// CircuitBreaker stops sending work to a backend that keeps failing.
// It is thread-safe.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
}

// NewCircuitBreaker opens after maxFailures consecutive backend faults and
// lets a trial request through once timeout has passed. maxFailures <= 0 disables it.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

// Allow reports whether a request may reach the backend.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	}
	// A single goroutine at a time reaches the backend, so the half-open
	// trial request needs no extra gating.
	return true
}

// Success records a call the backend completed.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		log.Info().Msg("Backend recovered, closing circuit")
	}
	cb.state = StateClosed
	cb.failures = 0
}

// Failure records a backend fault.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.maxFailures <= 0 {
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			log.Warn().Int("failures", cb.failures).Dur("timeout", cb.timeout).Msg("Backend failing, opening circuit")
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

// Record classifies the outcome of a backend call. Caller mistakes such as
// bad shapes say nothing about backend health and are ignored.
func (cb *CircuitBreaker) Record(err error) {
	switch {
	case err == nil:
		cb.Success()
	case isBackendFault(err):
		cb.Failure()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func isBackendFault(err error) bool {
	return errors.Is(err, blas.ErrBackendExecution) ||
		errors.Is(err, blas.ErrSyncFailed) ||
		errors.Is(err, blas.ErrConstructionFailed)
}
