// Package queue provides the durable job queue: at-least-once delivery,
// atomic leasing with visibility timeouts, priorities, delays and retries.
// Three backends share the surface: postgres (default), redis, and an
// in-process memory queue for tests and single-binary development.
package queue

import (
	"context"
	"errors"
	"time"

	"forge/internal/domain"
)

// ErrNotFound is returned when a job id is unknown to the backend.
var ErrNotFound = errors.New("queue: job not found")

// EnqueueParams describes a job to insert.
type EnqueueParams struct {
	Kind        domain.JobKind
	RefID       string
	Payload     map[string]string
	MaxAttempts int
	Delay       time.Duration
	Priority    int
}

// Queue is the durable queue surface. All operations are safe for
// concurrent use from multiple processes sharing the backing store.
type Queue interface {
	// Enqueue inserts a job in status queued, leasable after Delay.
	Enqueue(ctx context.Context, params EnqueueParams) (*domain.Job, error)

	// Dequeue atomically leases the best eligible job: highest priority
	// first, FIFO within a priority, including jobs whose previous lease
	// expired. Returns nil when nothing is eligible.
	Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*domain.Job, error)

	// Complete marks a leased job succeeded and clears its lock.
	Complete(ctx context.Context, jobID string) error

	// Fail requeues the job after retryDelay while attempts remain,
	// otherwise marks it failed. The error text is recorded either way.
	Fail(ctx context.Context, jobID string, errText string, retryDelay time.Duration) error

	// FailPermanent marks a job failed regardless of remaining attempts.
	// Used by workers when a handler reports a non-retryable error.
	FailPermanent(ctx context.Context, jobID string, errText string) error

	// Cancel marks a job canceled. No-op when already terminal.
	Cancel(ctx context.Context, jobID string, reason string) error

	// Get returns the job record.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// LatestByRef returns the most recently created job for (kind, refID),
	// or nil when none exists.
	LatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error)

	// CancelQueuedByRef cancels still-queued jobs for (kind, refID) and
	// returns how many were canceled. Running jobs are untouched.
	CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error)

	// ExtendVisibility pushes the lease deadline of a running job further
	// into the future.
	ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error

	// FailAllRunning marks every running job failed; startup recovery.
	FailAllRunning(ctx context.Context, errText string) (int, error)

	// Depth returns the number of non-terminal jobs, for monitoring.
	Depth(ctx context.Context) (int, error)
}

// pendingScore orders the redis pending set: higher priority first, then
// earlier availability. Also used by the memory backend so ordering is
// identical across backends.
func pendingScore(priority int, availableAt time.Time) float64 {
	return float64(-int64(priority))*1e12 + float64(availableAt.UnixMilli())
}
