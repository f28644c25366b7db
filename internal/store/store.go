// Package store persists the orchestrator's records. The Postgres
// implementation is the production backend; the memory implementation backs
// unit tests of the layers above.
package store

import (
	"context"
	"errors"

	"forge/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// RepositoryStore persists repository registrations.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, repo *domain.Repository) error
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	ListRepositories(ctx context.Context) ([]*domain.Repository, error)
}

// TaskStore persists tasks and their per-executor workspace registry.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	ListTasks(ctx context.Context, repositoryID string) ([]*domain.Task, error)

	// SetTaskWorkspace records the reusable workspace for (task, executor).
	SetTaskWorkspace(ctx context.Context, taskID string, executor domain.ExecutorKind, path string) error
}

// RunStore persists agent runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	ListRunsByTask(ctx context.Context, taskID string) ([]*domain.Run, error)
	ListRunsByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Run, error)
}

// ReviewStore persists reviews.
type ReviewStore interface {
	CreateReview(ctx context.Context, review *domain.Review) error
	GetReview(ctx context.Context, id string) (*domain.Review, error)
	UpdateReview(ctx context.Context, review *domain.Review) error
	ListReviewsByTask(ctx context.Context, taskID string) ([]*domain.Review, error)
	ListReviewsByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Review, error)
}

// PullRequestStore persists the PR opened for a task's branch.
type PullRequestStore interface {
	UpsertPullRequest(ctx context.Context, pr *domain.PullRequest) error
	GetPullRequestByTask(ctx context.Context, taskID string) (*domain.PullRequest, error)
}

// CycleStateStore persists the singleton-per-task cycle record.
type CycleStateStore interface {
	SaveCycleState(ctx context.Context, state *domain.CycleState) error
	GetCycleState(ctx context.Context, taskID string) (*domain.CycleState, error)
	ListActiveCycles(ctx context.Context) ([]*domain.CycleState, error)
	DeleteCycleState(ctx context.Context, taskID string) error
}

// CICheckStore persists CI waits so crashed pollers can be reset.
type CICheckStore interface {
	CreateCICheck(ctx context.Context, check *domain.CICheck) error
	UpdateCICheck(ctx context.Context, check *domain.CICheck) error
	GetCICheck(ctx context.Context, id string) (*domain.CICheck, error)
	ListPendingCIChecks(ctx context.Context) ([]*domain.CICheck, error)
}

// OutputStore persists agent output lines for replay after restarts.
type OutputStore interface {
	AppendOutputLines(ctx context.Context, lines []domain.OutputLine) error
	GetOutputLines(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error)
	MaxOutputLine(ctx context.Context, streamID string) (int64, error)
	DeleteOutputStreams(ctx context.Context, streamIDs []string) (int64, error)
}

// Store aggregates every record type behind one backend.
type Store interface {
	RepositoryStore
	TaskStore
	RunStore
	ReviewStore
	PullRequestStore
	CycleStateStore
	CICheckStore
	OutputStore
}
