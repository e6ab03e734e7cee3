package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/23skdu/fletcher-blas/internal/blas"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain closed after 2 failures")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "should allow a trial request after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())

	// Trial fails: open again
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	cb.Allow()

	// Trial succeeds: closed
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}

func TestCircuitBreaker_Record(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)

	cb.Record(fmt.Errorf("wrapped: %w", blas.ErrInvalidDimensions))
	cb.Record(fmt.Errorf("wrapped: %w", blas.ErrUnsupportedVariant))
	cb.Record(fmt.Errorf("wrapped: %w", blas.ErrInvalidDimensions))
	assert.Equal(t, StateClosed, cb.State(), "caller errors do not trip the breaker")

	cb.Record(blas.ErrSyncFailed)
	cb.Record(nil)
	cb.Record(blas.ErrBackendExecution)
	assert.Equal(t, StateClosed, cb.State(), "success resets the count")

	cb.Record(blas.ErrConstructionFailed)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	for range 10 {
		cb.Failure()
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}
