package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	require.NoError(t, cb.Allow())
	cb.Mark(fmt.Errorf("boom"))
	assert.Equal(t, StateClosed, cb.State())
	cb.Mark(fmt.Errorf("boom"))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})
	cb.Mark(fmt.Errorf("boom"))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(nil)
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Mark(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})
	cb.Mark(fmt.Errorf("boom"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Mark(fmt.Errorf("still broken"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	cb.Mark(fmt.Errorf("boom"))
	cb.Mark(nil)
	cb.Mark(fmt.Errorf("boom"))
	assert.Equal(t, StateClosed, cb.State())
}
