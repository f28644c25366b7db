package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
)

// runQueueSuite exercises the backend-independent queue contract. The
// memory backend always runs it; postgres and redis run it when their
// test services are configured.
func runQueueSuite(t *testing.T, q Queue) {
	t.Run("LeaseLifecycle", func(t *testing.T) { testLeaseLifecycle(t, q) })
	t.Run("RetryThenSucceed", func(t *testing.T) { testRetryThenSucceed(t, q) })
	t.Run("PriorityOrder", func(t *testing.T) { testPriorityOrder(t, q) })
	t.Run("DelayRespected", func(t *testing.T) { testDelayRespected(t, q) })
	t.Run("VisibilityReclaim", func(t *testing.T) { testVisibilityReclaim(t, q) })
	t.Run("FailPermanent", func(t *testing.T) { testFailPermanent(t, q) })
	t.Run("CancelIdempotent", func(t *testing.T) { testCancelIdempotent(t, q) })
	t.Run("CancelQueuedByRef", func(t *testing.T) { testCancelQueuedByRef(t, q) })
	t.Run("AtMostOneLease", func(t *testing.T) { testAtMostOneLease(t, q) })
	t.Run("FailAllRunning", func(t *testing.T) { testFailAllRunning(t, q) })
}

func testLeaseLifecycle(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "run-lease", MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, job.Status)
	require.Zero(t, job.Attempts)

	leased, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.ID, leased.ID)
	assert.Equal(t, domain.JobRunning, leased.Status)
	assert.Equal(t, 1, leased.Attempts)
	assert.Equal(t, "w1", leased.LockedBy)

	require.NoError(t, q.Complete(ctx, leased.ID))
	final, err := q.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Nil(t, final.LockedAt)
}

func testRetryThenSucceed(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "run-retry", MaxAttempts: 3})
	require.NoError(t, err)

	leased, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Fail(ctx, leased.ID, "transient boom", 0))

	requeued, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, requeued.Status)
	assert.Equal(t, "transient boom", requeued.LastError)

	second, err := q.Dequeue(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	require.NoError(t, q.Complete(ctx, second.ID))
	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func testPriorityOrder(t *testing.T, q Queue) {
	ctx := context.Background()
	priorities := []int{0, 5, 2, 5, 1}
	ids := make([]string, len(priorities))
	for i, prio := range priorities {
		job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobReviewExecute, RefID: "prio", Priority: prio})
		require.NoError(t, err)
		ids[i] = job.ID
		time.Sleep(2 * time.Millisecond) // distinct created_at for FIFO within priority
	}

	// Expected: priority desc, then insertion order.
	want := []string{ids[1], ids[3], ids[2], ids[4], ids[0]}
	for _, expected := range want {
		leased, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, expected, leased.ID)
		require.NoError(t, q.Complete(ctx, leased.ID))
	}
}

func testDelayRespected(t *testing.T, q Queue) {
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "delayed", Delay: 300 * time.Millisecond})
	require.NoError(t, err)

	early, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, early, "delayed job must be invisible before available_at")

	time.Sleep(400 * time.Millisecond)
	late, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, late)
	require.NoError(t, q.Complete(ctx, late.ID))
}

func testVisibilityReclaim(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "reclaim", MaxAttempts: 5})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx, "w1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Lease still fresh: nothing eligible.
	nothing, err := q.Dequeue(ctx, "w2", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, nothing)

	time.Sleep(350 * time.Millisecond)
	reclaimed, err := q.Dequeue(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "expired lease must be reclaimable")
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts, "crashed attempt still counts")
	assert.Equal(t, "w2", reclaimed.LockedBy)
	require.NoError(t, q.Complete(ctx, reclaimed.ID))
}

func testFailPermanent(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "perm", MaxAttempts: 5})
	require.NoError(t, err)

	leased, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, q.FailPermanent(ctx, job.ID, "unknown task"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status, "must be terminal despite remaining attempts")
	assert.Equal(t, "unknown task", got.LastError)

	leased, err = q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func testCancelIdempotent(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "cancel"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, job.ID, "user request"))
	require.NoError(t, q.Cancel(ctx, job.ID, "again"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, got.Status)
	assert.Equal(t, "user request", got.LastError)

	// Canceled jobs are not leasable.
	leased, err := q.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	if leased != nil {
		assert.NotEqual(t, job.ID, leased.ID)
		require.NoError(t, q.Complete(ctx, leased.ID))
	}
}

func testCancelQueuedByRef(t *testing.T, q Queue) {
	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "byref"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "byref"})
	require.NoError(t, err)

	latest, err := q.LatestByRef(ctx, domain.JobRunExecute, "byref")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	canceled, err := q.CancelQueuedByRef(ctx, domain.JobRunExecute, "byref")
	require.NoError(t, err)
	assert.Equal(t, 2, canceled)

	again, err := q.CancelQueuedByRef(ctx, domain.JobRunExecute, "byref")
	require.NoError(t, err)
	assert.Zero(t, again)
}

func testAtMostOneLease(t *testing.T, q Queue) {
	ctx := context.Background()
	const jobs = 12
	const workers = 6
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "race"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	leasedIDs := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx, "racer", time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				leasedIDs[job.ID]++
				mu.Unlock()
				_ = q.Complete(ctx, job.ID)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, leasedIDs, jobs)
	for jobID, count := range leasedIDs {
		assert.Equal(t, 1, count, "job %s leased %d times", jobID, count)
	}
}

func testFailAllRunning(t *testing.T, q Queue) {
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueParams{Kind: domain.JobRunExecute, RefID: "orphan"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "dead-worker", time.Hour)
	require.NoError(t, err)

	failed, err := q.FailAllRunning(ctx, "reset by admin")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "reset by admin", got.LastError)
}
