package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"forge/internal/domain"
	"forge/internal/id"
	"forge/internal/logging"
)

const jobsTable = "forge_jobs"

// Postgres is the relational Queue backend. Lease atomicity comes from a
// single UPDATE over a FOR UPDATE SKIP LOCKED candidate select, so
// concurrent workers never receive the same row.
type Postgres struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgres constructs the postgres-backed queue.
func NewPostgres(pool *pgxpool.Pool, logger logging.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates the jobs table and its indexes.
func (q *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    payload JSONB,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    priority INTEGER NOT NULL DEFAULT 0,
    available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_at TIMESTAMPTZ,
    locked_by TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + jobsTable + `_lease ON ` + jobsTable + ` (status, priority DESC, created_at) WHERE status IN ('queued','running');`,
		`CREATE INDEX IF NOT EXISTS idx_` + jobsTable + `_ref ON ` + jobsTable + ` (kind, ref_id, created_at DESC);`,
	}
	for _, stmt := range statements {
		if _, err := q.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, kind, ref_id, status, payload, attempts, max_attempts, priority,
    available_at, locked_at, locked_by, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var lockedAt *time.Time
	err := row.Scan(&job.ID, &job.Kind, &job.RefID, &job.Status, &job.Payload,
		&job.Attempts, &job.MaxAttempts, &job.Priority,
		&job.AvailableAt, &lockedAt, &job.LockedBy, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.LockedAt = lockedAt
	return &job, nil
}

func (q *Postgres) Enqueue(ctx context.Context, params EnqueueParams) (*domain.Job, error) {
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	jobID := id.NewJobID()
	row := q.pool.QueryRow(ctx, `
INSERT INTO `+jobsTable+` (id, kind, ref_id, status, payload, max_attempts, priority, available_at)
VALUES ($1, $2, $3, 'queued', $4, $5, $6, now() + make_interval(secs => $7))
RETURNING `+jobColumns,
		jobID, params.Kind, params.RefID, domain.EncodePayload(params.Payload),
		maxAttempts, params.Priority, params.Delay.Seconds())
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", params.Kind, params.RefID, err)
	}
	q.logger.Debug("enqueued job %s kind=%s ref=%s prio=%d", job.ID, job.Kind, job.RefID, job.Priority)
	return job, nil
}

func (q *Postgres) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*domain.Job, error) {
	row := q.pool.QueryRow(ctx, `
WITH candidate AS (
    SELECT id FROM `+jobsTable+`
    WHERE (status = 'queued' AND available_at <= now())
       OR (status = 'running' AND locked_at < now() - make_interval(secs => $2))
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE `+jobsTable+` j
SET status = 'running', attempts = j.attempts + 1, locked_at = now(), locked_by = $1, updated_at = now()
FROM candidate
WHERE j.id = candidate.id
RETURNING `+jobColumns,
		workerID, visibility.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return job, nil
}

func (q *Postgres) Complete(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = 'succeeded', locked_at = NULL, locked_by = '', updated_at = now()
WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Postgres) Fail(ctx context.Context, jobID string, errText string, retryDelay time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
    available_at = CASE WHEN attempts < max_attempts THEN now() + make_interval(secs => $3) ELSE available_at END,
    last_error = $2, locked_at = NULL, locked_by = '', updated_at = now()
WHERE id = $1`, jobID, errText, retryDelay.Seconds())
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Postgres) FailPermanent(ctx context.Context, jobID string, errText string) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = 'failed', last_error = $2, locked_at = NULL, locked_by = '', updated_at = now()
WHERE id = $1`, jobID, errText)
	if err != nil {
		return fmt.Errorf("fail job %s permanently: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Postgres) Cancel(ctx context.Context, jobID string, reason string) error {
	_, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = 'canceled',
    last_error = CASE WHEN $2 <> '' THEN $2 ELSE last_error END,
    locked_at = NULL, locked_by = '', updated_at = now()
WHERE id = $1 AND status IN ('queued','running')`, jobID, reason)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (q *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM `+jobsTable+` WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Postgres) LatestByRef(ctx context.Context, kind domain.JobKind, refID string) (*domain.Job, error) {
	row := q.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM `+jobsTable+`
WHERE kind = $1 AND ref_id = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, kind, refID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job for %s/%s: %w", kind, refID, err)
	}
	return job, nil
}

func (q *Postgres) CancelQueuedByRef(ctx context.Context, kind domain.JobKind, refID string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = 'canceled', updated_at = now()
WHERE kind = $1 AND ref_id = $2 AND status = 'queued'`, kind, refID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs for %s/%s: %w", kind, refID, err)
	}
	return int(tag.RowsAffected()), nil
}

// ExtendVisibility pushes the effective lease deadline later by advancing
// locked_at; the dequeue reclaim predicate is relative to locked_at.
func (q *Postgres) ExtendVisibility(ctx context.Context, jobID string, additional time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET locked_at = locked_at + make_interval(secs => $2), updated_at = now()
WHERE id = $1 AND status = 'running'`, jobID, additional.Seconds())
	if err != nil {
		return fmt.Errorf("extend visibility for %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Postgres) FailAllRunning(ctx context.Context, errText string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
UPDATE `+jobsTable+`
SET status = 'failed', last_error = $1, locked_at = NULL, locked_by = '', updated_at = now()
WHERE status = 'running'`, errText)
	if err != nil {
		return 0, fmt.Errorf("fail all running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *Postgres) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.pool.QueryRow(ctx, `
SELECT count(*) FROM `+jobsTable+` WHERE status IN ('queued','running')`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
