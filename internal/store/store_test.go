package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
)

func TestMemoryStoreSuite(t *testing.T) {
	runStoreSuite(t, NewMemory())
}

func runStoreSuite(t *testing.T, s Store) {
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, s) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, s) })
	t.Run("ReviewLifecycle", func(t *testing.T) { testReviewLifecycle(t, s) })
	t.Run("PullRequestUpsert", func(t *testing.T) { testPullRequestUpsert(t, s) })
	t.Run("CycleState", func(t *testing.T) { testCycleState(t, s) })
	t.Run("CIChecks", func(t *testing.T) { testCIChecks(t, s) })
	t.Run("OutputLines", func(t *testing.T) { testOutputLines(t, s) })
}

func testTaskLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	repo := &domain.Repository{ID: "repo_1", RemoteURL: "https://github.com/acme/widgets.git", DefaultBranch: "main"}
	require.NoError(t, s.CreateRepository(ctx, repo))

	got, err := s.GetRepository(ctx, "repo_1")
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", got.FullName())

	task := &domain.Task{
		ID:           "task_1",
		RepositoryID: "repo_1",
		Title:        "add rate limiting",
		CodingMode:   domain.ModeFullAuto,
		KanbanState:  domain.KanbanTodo,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.SetTaskWorkspace(ctx, "task_1", domain.ExecutorClaudeCode, "/tmp/ws/task_1/claude-code"))
	require.NoError(t, s.SetTaskWorkspace(ctx, "task_1", domain.ExecutorCodexCLI, "/tmp/ws/task_1/codex-cli"))
	// Same executor again replaces, never duplicates.
	require.NoError(t, s.SetTaskWorkspace(ctx, "task_1", domain.ExecutorClaudeCode, "/tmp/ws/task_1/claude-code-v2"))

	loaded, err := s.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Len(t, loaded.Workspaces, 2)
	assert.Equal(t, "/tmp/ws/task_1/claude-code-v2", loaded.Workspaces["claude-code"])

	loaded.KanbanState = domain.KanbanArchived
	require.NoError(t, s.UpdateTask(ctx, loaded))
	reloaded, err := s.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.KanbanArchived, reloaded.KanbanState)

	_, err = s.GetTask(ctx, "task_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetTaskWorkspace(ctx, "task_missing", domain.ExecutorCodexCLI, "/x"), ErrNotFound)
}

func testRunLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	run := &domain.Run{
		ID:           "run_1",
		TaskID:       "task_1",
		ExecutorKind: domain.ExecutorClaudeCode,
		Status:       domain.RunQueued,
		Instruction:  "implement the endpoint",
		BaseRef:      "main",
	}
	require.NoError(t, s.CreateRun(ctx, run))

	started := time.Now().UTC().Truncate(time.Millisecond)
	run.Status = domain.RunRunning
	run.StartedAt = &started
	run.WorkingBranch = "forge/run_1"
	require.NoError(t, s.UpdateRun(ctx, run))

	completed := started.Add(time.Minute)
	run.Status = domain.RunSucceeded
	run.CompletedAt = &completed
	run.CommitSHA = "abc123"
	run.FilesChanged = []string{"api/handler.go", "api/handler_test.go"}
	run.Warnings = []string{"summary file missing"}
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Equal(t, []string{"api/handler.go", "api/handler_test.go"}, got.FilesChanged)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.After(*got.StartedAt))

	byTask, err := s.ListRunsByTask(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, byTask, 1)

	byStatus, err := s.ListRunsByStatus(ctx, domain.RunRunning)
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func testReviewLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	review := &domain.Review{
		ID:           "review_1",
		TaskID:       "task_1",
		TargetRunIDs: []string{"run_1"},
		ExecutorKind: domain.ExecutorClaudeCode,
		Status:       domain.RunQueued,
	}
	require.NoError(t, s.CreateReview(ctx, review))

	score := 0.85
	review.Status = domain.RunSucceeded
	review.OverallScore = &score
	review.Feedbacks = []domain.Feedback{
		{Severity: domain.SeverityHigh, Category: "bug", FilePath: "api/handler.go", Title: "nil deref on empty body"},
		{Severity: domain.SeverityLow, Category: "style", FilePath: "api/handler.go", Title: "naming"},
	}
	require.NoError(t, s.UpdateReview(ctx, review))

	got, err := s.GetReview(ctx, "review_1")
	require.NoError(t, err)
	require.NotNil(t, got.OverallScore)
	assert.InDelta(t, 0.85, *got.OverallScore, 1e-9)
	require.Len(t, got.Feedbacks, 2)
	blocking := got.BlockingFeedbacks()
	require.Len(t, blocking, 1)
	assert.Equal(t, "nil deref on empty body", blocking[0].Title)
}

func testPullRequestUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	pr := &domain.PullRequest{
		ID:         "pr_1",
		TaskID:     "task_1",
		Number:     42,
		Branch:     "forge/run_1",
		BaseBranch: "main",
		Title:      "add rate limiting",
		Status:     domain.PROpen,
	}
	require.NoError(t, s.UpsertPullRequest(ctx, pr))

	pr.HeadSHA = "def456"
	pr.Status = domain.PRMerged
	require.NoError(t, s.UpsertPullRequest(ctx, pr))

	got, err := s.GetPullRequestByTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.Number)
	assert.Equal(t, domain.PRMerged, got.Status)
	assert.Equal(t, "def456", got.HeadSHA)
}

func testCycleState(t *testing.T, s Store) {
	ctx := context.Background()
	state := &domain.CycleState{
		TaskID: "task_1",
		Mode:   domain.ModeFullAuto,
		Phase:  domain.PhaseCoding,
	}
	require.NoError(t, s.SaveCycleState(ctx, state))

	state.Phase = domain.PhaseWaitingCI
	state.Iteration = 1
	state.CurrentHeadSHA = "abc123"
	require.NoError(t, s.SaveCycleState(ctx, state))

	got, err := s.GetCycleState(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaitingCI, got.Phase)
	assert.Equal(t, 1, got.Iteration)

	active, err := s.ListActiveCycles(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	got.Phase = domain.PhaseCompleted
	require.NoError(t, s.SaveCycleState(ctx, got))
	active, err = s.ListActiveCycles(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteCycleState(ctx, "task_1"))
	_, err = s.GetCycleState(ctx, "task_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCIChecks(t *testing.T, s Store) {
	ctx := context.Background()
	check := &domain.CICheck{ID: "ci_1", TaskID: "task_1", HeadSHA: "abc123", Result: domain.CIPending}
	require.NoError(t, s.CreateCICheck(ctx, check))

	pending, err := s.ListPendingCIChecks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	check.Result = domain.CISuccess
	check.Detail = "all checks green"
	require.NoError(t, s.UpdateCICheck(ctx, check))

	pending, err = s.ListPendingCIChecks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetCICheck(ctx, "ci_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CISuccess, got.Result)
}

func testOutputLines(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	lines := []domain.OutputLine{
		{StreamID: "run_1", LineNumber: 1, Content: "cloning", Timestamp: now},
		{StreamID: "run_1", LineNumber: 2, Content: "running agent", Timestamp: now},
		{StreamID: "run_1", LineNumber: 3, Content: "done", Timestamp: now},
		{StreamID: "run_other", LineNumber: 1, Content: "unrelated", Timestamp: now},
	}
	require.NoError(t, s.AppendOutputLines(ctx, lines))

	max, err := s.MaxOutputLine(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	tail, err := s.GetOutputLines(ctx, "run_1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "running agent", tail[0].Content)

	deleted, err := s.DeleteOutputStreams(ctx, []string{"run_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	max, err = s.MaxOutputLine(ctx, "run_1")
	require.NoError(t, err)
	assert.Zero(t, max)

	remaining, err := s.GetOutputLines(ctx, "run_other", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
