package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(Permanent(base)))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(Transient(base)))

	// Wrapped markers still classify.
	wrapped := fmt.Errorf("push failed: %w", Transient(base))
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
}

func TestFromStatusCode(t *testing.T) {
	base := errors.New("host said no")

	assert.True(t, IsTransient(FromStatusCode(503, base)))
	assert.True(t, IsTransient(FromStatusCode(429, base)))
	assert.True(t, IsPermanent(FromStatusCode(404, base)))
	assert.Equal(t, base, FromStatusCode(200, base))
}

func TestMessageHeuristics(t *testing.T) {
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("i/o timeout")))
	assert.False(t, IsTransient(errors.New("no such repository")))
	assert.False(t, IsTransient(nil))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
}

func TestRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("not yet"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), nil, func(context.Context) error {
		return Transient(errors.New("never"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
