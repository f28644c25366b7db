package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
	forgeerrors "forge/internal/errors"
	"forge/internal/queue"
)

func testOptions() Options {
	return Options{
		Workers:      2,
		Visibility:   time.Minute,
		PollInterval: 10 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
	}
}

func waitTerminal(t *testing.T, q queue.Queue, jobID string) *domain.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := q.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status, last: %s", jobID, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolDispatchesByKind(t *testing.T) {
	q := queue.NewMemory()
	pool := New(q, testOptions(), nil, nil)

	var runCalls, reviewCalls atomic.Int32
	pool.Register(domain.JobRunExecute, func(_ context.Context, _ *domain.Job) error {
		runCalls.Add(1)
		return nil
	})
	pool.Register(domain.JobReviewExecute, func(_ context.Context, _ *domain.Job) error {
		reviewCalls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(poolDone)
	}()

	run, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobRunExecute, RefID: "run_1"})
	require.NoError(t, err)
	review, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobReviewExecute, RefID: "review_1"})
	require.NoError(t, err)

	assert.Equal(t, domain.JobSucceeded, waitTerminal(t, q, run.ID).Status)
	assert.Equal(t, domain.JobSucceeded, waitTerminal(t, q, review.ID).Status)
	assert.Equal(t, int32(1), runCalls.Load())
	assert.Equal(t, int32(1), reviewCalls.Load())

	cancel()
	select {
	case <-poolDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on context cancel")
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	q := queue.NewMemory()
	pool := New(q, testOptions(), nil, nil)

	var calls atomic.Int32
	pool.Register(domain.JobRunExecute, func(_ context.Context, _ *domain.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("network flake")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobRunExecute, RefID: "run_retry", MaxAttempts: 3})
	require.NoError(t, err)

	final := waitTerminal(t, q, job.ID)
	assert.Equal(t, domain.JobSucceeded, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPoolPermanentErrorSkipsRetry(t *testing.T) {
	q := queue.NewMemory()
	pool := New(q, testOptions(), nil, nil)

	var calls atomic.Int32
	pool.Register(domain.JobRunExecute, func(_ context.Context, _ *domain.Job) error {
		calls.Add(1)
		return forgeerrors.Permanent(errors.New("target run not in succeeded status"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobRunExecute, RefID: "run_perm", MaxAttempts: 5})
	require.NoError(t, err)

	final := waitTerminal(t, q, job.ID)
	assert.Equal(t, domain.JobFailed, final.Status)
	assert.Equal(t, 1, final.Attempts, "permanent failure must not be retried")
	assert.Contains(t, final.LastError, "target run not in succeeded status")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolFailsJobWithoutHandler(t *testing.T) {
	q := queue.NewMemory()
	pool := New(q, testOptions(), nil, nil)
	pool.Register(domain.JobRunExecute, func(_ context.Context, _ *domain.Job) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobReviewExecute, RefID: "review_orphan"})
	require.NoError(t, err)

	final := waitTerminal(t, q, job.ID)
	assert.Equal(t, domain.JobFailed, final.Status)
	assert.Contains(t, final.LastError, "no handler registered")
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q := queue.NewMemory()
	pool := New(q, testOptions(), nil, nil)
	pool.Register(domain.JobRunExecute, func(_ context.Context, _ *domain.Job) error {
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, queue.EnqueueParams{Kind: domain.JobRunExecute, RefID: "run_panic", MaxAttempts: 1})
	require.NoError(t, err)

	final := waitTerminal(t, q, job.ID)
	assert.Equal(t, domain.JobFailed, final.Status)
	assert.Contains(t, final.LastError, "handler panic")
}
