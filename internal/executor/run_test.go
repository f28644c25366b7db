package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/agent"
	"forge/internal/domain"
	forgeerrors "forge/internal/errors"
	"forge/internal/gitcli"
	"forge/internal/store"
	"forge/internal/stream"
	"forge/internal/workspace"
)

const testPatch = `diff --git a/main.go b/main.go
index 1111111..2222222 100644
--- a/main.go
+++ b/main.go
@@ -1,2 +1,2 @@
-func old() {}
+func new() {}
`

// scriptRunner answers git invocations from a table keyed by the joined
// argument string; unknown commands succeed with empty output.
type scriptRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (s *scriptRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	return s.outputs[key], s.errs[key]
}

func (s *scriptRunner) called(prefix string) bool {
	for _, call := range s.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// fakeInvoker replays scripted agent results in order; the last entry
// repeats.
type fakeInvoker struct {
	results  []*agent.Result
	errs     []error
	requests []agent.Request
	onInvoke func(req agent.Request)
}

func (f *fakeInvoker) Invoke(_ context.Context, _ domain.ExecutorKind, req agent.Request) (*agent.Result, error) {
	f.requests = append(f.requests, req)
	if f.onInvoke != nil {
		f.onInvoke(req)
	}
	idx := len(f.requests) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.results[idx], err
}

type runFixture struct {
	store   *store.Memory
	runner  *scriptRunner
	agents  *fakeInvoker
	mux     *stream.Multiplexer
	exec    *RunExecutor
	repo    *domain.Repository
	task    *domain.Task
	run     *domain.Run
	job     *domain.Job
	wsRoot  string
	reusing string
}

// newRunFixture seeds a repository, a task with an existing reusable
// workspace, and a queued run based on a non-default branch so the reuse
// policy accepts the workspace without ancestry checks.
func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	runner := newScriptRunner()
	git := gitcli.New(runner, nil)
	wsRoot := t.TempDir()
	mgr := workspace.NewManager(git, wsRoot, true, nil)
	mux := stream.NewMultiplexer(stream.Options{}, nil, nil)

	repo := &domain.Repository{ID: "repo_1", RemoteURL: "https://example.com/acme/widgets.git", DefaultBranch: "main"}
	require.NoError(t, st.CreateRepository(ctx, repo))

	reusing := t.TempDir()
	task := &domain.Task{
		ID:           "task_1",
		RepositoryID: repo.ID,
		Title:        "widgets",
		CodingMode:   domain.ModeFullAuto,
		Workspaces:   map[string]string{string(domain.ExecutorClaudeCode): reusing},
	}
	require.NoError(t, st.CreateTask(ctx, task))

	run := &domain.Run{
		ID:           "run_1",
		TaskID:       task.ID,
		ExecutorKind: domain.ExecutorClaudeCode,
		Status:       domain.RunQueued,
		Instruction:  "Add a health endpoint",
		BaseRef:      "develop",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, st.CreateRun(ctx, run))

	job := &domain.Job{ID: "job_1", Kind: domain.JobRunExecute, RefID: run.ID, Attempts: 1, MaxAttempts: 3}

	// Current branch of the reused workspace; no remote branch yet so the
	// pre-sync is skipped.
	runner.outputs["rev-parse --abbrev-ref HEAD"] = "forge/run1head"
	runner.errs["show-ref --verify --quiet refs/remotes/origin/forge/run1head"] = fmt.Errorf("not found")
	runner.outputs["diff --cached"] = testPatch
	runner.outputs["rev-parse HEAD"] = "abc123sha"

	agents := &fakeInvoker{results: []*agent.Result{{Success: true, Summary: "Added the endpoint", SessionID: "sess-9"}}}
	exec := NewRunExecutor(st, mgr, agents, mux, nil, nil, "forge", nil)
	return &runFixture{
		store: st, runner: runner, agents: agents, mux: mux, exec: exec,
		repo: repo, task: task, run: run, job: job, wsRoot: wsRoot, reusing: reusing,
	}
}

func (f *runFixture) reload(t *testing.T) *domain.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	return run
}

func TestRunExecutorHappyPathReusesWorkspace(t *testing.T) {
	f := newRunFixture(t)
	require.NoError(t, f.exec.Handle(context.Background(), f.job))

	run := f.reload(t)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, "abc123sha", run.CommitSHA)
	assert.Equal(t, f.reusing, run.WorkspacePath)
	assert.Equal(t, "forge/run1head", run.WorkingBranch)
	assert.Equal(t, []string{"main.go"}, run.FilesChanged)
	assert.Equal(t, "Added the endpoint", run.Summary)
	assert.Equal(t, "sess-9", run.SessionID)
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.Error)

	assert.True(t, f.runner.called("add -A"))
	assert.True(t, f.runner.called("commit -m"))
	assert.True(t, f.runner.called("push origin forge/run1head"))

	// The instruction carries the constraints preamble and the user task.
	require.Len(t, f.agents.requests, 1)
	assert.Contains(t, f.agents.requests[0].Instruction, "Do NOT run git commit")
	assert.Contains(t, f.agents.requests[0].Instruction, "Add a health endpoint")

	history, err := f.mux.GetHistory(context.Background(), run.ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Contains(t, history[len(history)-1].Content, "run succeeded")
}

func TestRunExecutorCreatesWorkspaceWhenNoneRegistered(t *testing.T) {
	f := newRunFixture(t)
	f.task.Workspaces = nil
	require.NoError(t, f.store.UpdateTask(context.Background(), f.task))

	require.NoError(t, f.exec.Handle(context.Background(), f.job))

	run := f.reload(t)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	expectedPath := filepath.Join(f.wsRoot, f.task.ID, string(domain.ExecutorClaudeCode))
	assert.Equal(t, expectedPath, run.WorkspacePath)
	assert.True(t, strings.HasPrefix(run.WorkingBranch, "forge/"))
	assert.True(t, f.runner.called("clone"))

	task, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, expectedPath, task.Workspaces[string(domain.ExecutorClaudeCode)])
}

func TestRunExecutorNoChanges(t *testing.T) {
	f := newRunFixture(t)
	f.runner.outputs["diff --cached"] = ""

	require.NoError(t, f.exec.Handle(context.Background(), f.job))

	run := f.reload(t)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Empty(t, run.CommitSHA)
	assert.Empty(t, run.Patch)
	assert.Equal(t, "Added the endpoint", run.Summary)
	assert.False(t, f.runner.called("commit -m"))
	assert.False(t, f.runner.called("push"))
}

func TestRunExecutorAgentFailureIsPermanent(t *testing.T) {
	f := newRunFixture(t)
	f.agents.results = []*agent.Result{{Success: false, Error: "compile exploded"}}

	err := f.exec.Handle(context.Background(), f.job)
	require.Error(t, err)
	assert.True(t, forgeerrors.IsPermanent(err))

	run := f.reload(t)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "compile exploded")
	assert.NotNil(t, run.CompletedAt)
}

func TestRunExecutorSessionRetry(t *testing.T) {
	f := newRunFixture(t)
	f.job.Payload = domain.EncodePayload(map[string]string{"session_id": "stale-session"})
	f.agents.results = []*agent.Result{
		{Success: false, Error: "Error: no conversation found"},
		{Success: true, Summary: "done on retry", SessionID: "sess-new"},
	}

	require.NoError(t, f.exec.Handle(context.Background(), f.job))

	require.Len(t, f.agents.requests, 2)
	assert.Equal(t, "stale-session", f.agents.requests[0].ResumeSessionID)
	assert.Empty(t, f.agents.requests[1].ResumeSessionID)

	run := f.reload(t)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, "sess-new", run.SessionID)
	require.NotEmpty(t, run.Warnings)
	assert.Contains(t, run.Warnings[0], "session was rejected")
}

func TestRunExecutorSummaryFileWins(t *testing.T) {
	f := newRunFixture(t)
	summaryPath := filepath.Join(f.reusing, SummaryFileName)
	require.NoError(t, os.WriteFile(summaryPath, []byte("summary from file\n"), 0o644))

	require.NoError(t, f.exec.Handle(context.Background(), f.job))

	run := f.reload(t)
	assert.Equal(t, "summary from file", run.Summary)
	_, err := os.Stat(summaryPath)
	assert.True(t, os.IsNotExist(err), "summary file must be deleted before staging")
}

func TestRunExecutorTransientFailureLeavesRunRunning(t *testing.T) {
	f := newRunFixture(t)
	f.runner.errs["add -A"] = errors.New("disk full")

	err := f.exec.Handle(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, forgeerrors.IsPermanent(err))

	// Attempts remain, so the run stays non-terminal for the retry.
	run := f.reload(t)
	assert.Equal(t, domain.RunRunning, run.Status)
}

func TestRunExecutorTransientFailureOnLastAttempt(t *testing.T) {
	f := newRunFixture(t)
	f.runner.errs["add -A"] = errors.New("disk full")
	f.job.Attempts = f.job.MaxAttempts

	err := f.exec.Handle(context.Background(), f.job)
	require.Error(t, err)

	run := f.reload(t)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")
}

func TestRunExecutorSkipsTerminalRun(t *testing.T) {
	f := newRunFixture(t)
	f.run.Status = domain.RunCanceled
	require.NoError(t, f.store.UpdateRun(context.Background(), f.run))

	require.NoError(t, f.exec.Handle(context.Background(), f.job))
	assert.Empty(t, f.agents.requests)
}
