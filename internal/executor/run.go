// Package executor implements the job handlers that drive one agent
// execution end to end: the run executor (sync, invoke, commit, push) and
// the review executor (read-only invoke, verdict parsing).
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forge/internal/agent"
	"forge/internal/diff"
	"forge/internal/domain"
	"forge/internal/errors"
	"forge/internal/logging"
	"forge/internal/store"
	"forge/internal/stream"
	"forge/internal/workspace"
)

// AgentInvoker dispatches an agent request to the adapter for a kind.
// Satisfied by *agent.Runner.
type AgentInvoker interface {
	Invoke(ctx context.Context, kind domain.ExecutorKind, req agent.Request) (*agent.Result, error)
}

// CloneAuth builds authenticated clone URLs for pushes and fetches. A nil
// CloneAuth means the plain remote URL carries its own credentials (or none
// are needed).
type CloneAuth interface {
	AuthenticatedCloneURL(ctx context.Context, remoteURL string) (string, error)
}

// RunExecutor handles run-execute jobs.
type RunExecutor struct {
	store        store.Store
	workspaces   *workspace.Manager
	agents       AgentInvoker
	mux          *stream.Multiplexer
	auth         CloneAuth
	translator   Translator
	branchPrefix string
	logger       logging.Logger
}

func NewRunExecutor(st store.Store, workspaces *workspace.Manager, agents AgentInvoker, mux *stream.Multiplexer, auth CloneAuth, translator Translator, branchPrefix string, logger logging.Logger) *RunExecutor {
	return &RunExecutor{
		store:        st,
		workspaces:   workspaces,
		agents:       agents,
		mux:          mux,
		auth:         auth,
		translator:   translator,
		branchPrefix: branchPrefix,
		logger:       logging.OrNop(logger),
	}
}

// Handle is the worker entry point for one run job. The run record is the
// source of truth for the outcome; the returned error only steers queue
// retry behavior.
func (e *RunExecutor) Handle(ctx context.Context, job *domain.Job) error {
	run, err := e.store.GetRun(ctx, job.RefID)
	if err != nil {
		return errors.Permanent(fmt.Errorf("load run %s: %w", job.RefID, err))
	}
	if run.Status.IsTerminal() {
		e.logger.Info("run %s already %s, skipping", run.ID, run.Status)
		return nil
	}
	defer e.mux.MarkComplete(run.ID)

	execErr := e.execute(ctx, job, run)
	if execErr == nil {
		return nil
	}

	// Leave the run in running state for a queue retry unless this failure
	// is final for the job.
	final := errors.IsPermanent(execErr) || job.Attempts >= job.MaxAttempts || ctx.Err() != nil
	if final {
		persistCtx := context.WithoutCancel(ctx)
		status := domain.RunFailed
		if ctx.Err() != nil {
			status = domain.RunCanceled
		}
		e.finishRun(persistCtx, run, status, execErr.Error())
		e.publish(persistCtx, run.ID, "run "+string(status)+": "+execErr.Error())
	}
	return execErr
}

func (e *RunExecutor) execute(ctx context.Context, job *domain.Job, run *domain.Run) error {
	now := time.Now().UTC()
	run.Status = domain.RunRunning
	run.StartedAt = &now
	run.Error = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return errors.Transient(fmt.Errorf("mark run running: %w", err))
	}
	e.publish(ctx, run.ID, fmt.Sprintf("starting run %s (%s)", run.ID, run.ExecutorKind))

	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return errors.Permanent(fmt.Errorf("load task %s: %w", run.TaskID, err))
	}
	repo, err := e.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return errors.Permanent(fmt.Errorf("load repository %s: %w", task.RepositoryID, err))
	}
	baseBranch := run.BaseRef
	if baseBranch == "" {
		baseBranch = repo.DefaultBranch
	}

	authURL := ""
	if e.auth != nil {
		authURL, err = e.auth.AuthenticatedCloneURL(ctx, repo.RemoteURL)
		if err != nil {
			e.logger.Warn("run %s: no authenticated clone url: %v", run.ID, err)
			authURL = ""
		}
	}

	path, branch, err := e.resolveWorkspace(ctx, task, run, repo, baseBranch, authURL)
	if err != nil {
		return err
	}
	run.WorkspacePath = path
	run.WorkingBranch = branch

	conflictText := e.preSync(ctx, run, path, branch, authURL)

	if WantsBaseMerge(run.Instruction) {
		res := e.workspaces.MergeBaseBranch(ctx, path, baseBranch, authURL)
		switch {
		case res.Success:
			e.publish(ctx, run.ID, "merged base branch "+baseBranch)
		case len(res.ConflictFiles) > 0:
			e.publish(ctx, run.ID, fmt.Sprintf("base merge left %d conflicted file(s)", len(res.ConflictFiles)))
			text := BaseMergeConflictInstruction(res.ConflictFiles, baseBranch)
			if conflictText != "" {
				conflictText += "\n\n" + text
			} else {
				conflictText = text
			}
		case res.Err != nil:
			e.logger.Warn("run %s: base merge failed: %v", run.ID, res.Err)
			run.Warnings = append(run.Warnings, "base branch merge failed: "+res.Err.Error())
		}
	}

	result, err := e.invokeAgent(ctx, job, run, path, conflictText)
	if err != nil {
		return err
	}
	if result.SessionID != "" {
		run.SessionID = result.SessionID
	}
	run.Warnings = append(run.Warnings, result.Warnings...)
	if !result.Success {
		return errors.Permanent(fmt.Errorf("agent failed: %s", result.Error))
	}

	summary := e.captureSummary(path)
	if summary == "" {
		summary = strings.TrimSpace(result.Summary)
	}

	git := e.workspaces.Git()
	if err := git.StageAll(ctx, path); err != nil {
		return errors.Transient(fmt.Errorf("stage changes: %w", err))
	}
	patch, err := git.Diff(ctx, path, true)
	if err != nil {
		return errors.Transient(fmt.Errorf("compute staged diff: %w", err))
	}
	if strings.TrimSpace(patch) == "" {
		if summary == "" {
			summary = "No changes were produced"
		}
		run.Summary = summary
		e.publish(ctx, run.ID, "no changes produced")
		e.finishRun(ctx, run, domain.RunSucceeded, "")
		return nil
	}

	stats := diff.ParseStats(patch)
	run.Patch = patch
	run.FilesChanged = stats.Paths()
	if summary == "" {
		summary = stats.Summary()
	}
	run.Summary = summary

	message := CommitMessage(run.Instruction, summary)
	message = e.translateIfNeeded(ctx, run, message)
	sha, err := git.Commit(ctx, path, message)
	if err != nil {
		return errors.Transient(fmt.Errorf("commit: %w", err))
	}
	run.CommitSHA = sha
	e.publish(ctx, run.ID, "committed "+sha)

	pushResult, err := e.workspaces.Push(ctx, path, branch, authURL)
	if err != nil {
		return errors.Transient(fmt.Errorf("push %s: %w", branch, err))
	}
	if pushResult.RequiredPull {
		run.Warnings = append(run.Warnings, "remote had new commits; pulled before push")
	}
	e.publish(ctx, run.ID, "pushed "+branch)

	e.finishRun(ctx, run, domain.RunSucceeded, "")
	e.publish(ctx, run.ID, "run succeeded: "+summary)
	return nil
}

// resolveWorkspace reuses the task's registered workspace for this executor
// when policy allows, otherwise provisions a fresh clone.
func (e *RunExecutor) resolveWorkspace(ctx context.Context, task *domain.Task, run *domain.Run, repo *domain.Repository, baseBranch, authURL string) (string, string, error) {
	git := e.workspaces.Git()
	existing := task.Workspaces[string(run.ExecutorKind)]
	if existing != "" && e.workspaces.CanReuse(ctx, existing, run.BaseRef, repo.DefaultBranch) {
		branch, err := git.CurrentBranch(ctx, existing)
		if err == nil && branch != "" {
			e.publish(ctx, run.ID, "reusing workspace "+existing)
			return existing, branch, nil
		}
		e.logger.Warn("run %s: workspace %s has no readable branch, recreating: %v", run.ID, existing, err)
	}

	path := e.workspaces.PathFor(task.ID, run.ExecutorKind)
	ws, err := e.workspaces.Create(ctx, repo, baseBranch, run.ID, e.branchPrefix, authURL, path)
	if err != nil {
		return "", "", errors.Transient(fmt.Errorf("create workspace: %w", err))
	}
	if err := e.store.SetTaskWorkspace(ctx, task.ID, run.ExecutorKind, path); err != nil {
		return "", "", errors.Transient(fmt.Errorf("register workspace: %w", err))
	}
	e.publish(ctx, run.ID, "created workspace "+path+" on "+ws.Branch)
	return ws.Path, ws.Branch, nil
}

// preSync pulls remote commits on the working branch before the agent
// starts. A conflicted pull is not fatal; the conflict file list becomes
// part of the agent instruction instead.
func (e *RunExecutor) preSync(ctx context.Context, run *domain.Run, path, branch, authURL string) string {
	git := e.workspaces.Git()
	if !git.HasRemoteBranch(ctx, path, branch) {
		return ""
	}
	behind, err := e.workspaces.IsBehindRemote(ctx, path, branch, authURL)
	if err != nil {
		e.logger.Warn("run %s: behind-remote check failed: %v", run.ID, err)
		return ""
	}
	if !behind {
		return ""
	}
	res := e.workspaces.SyncWithRemote(ctx, path, branch, authURL)
	switch {
	case res.Success:
		e.publish(ctx, run.ID, fmt.Sprintf("pulled %d remote commit(s)", res.CommitsPulled))
		return ""
	case len(res.ConflictFiles) > 0:
		e.publish(ctx, run.ID, fmt.Sprintf("remote sync left %d conflicted file(s)", len(res.ConflictFiles)))
		return SyncConflictInstruction(res.ConflictFiles)
	default:
		e.logger.Warn("run %s: remote sync failed: %v", run.ID, res.Err)
		run.Warnings = append(run.Warnings, "remote sync failed: "+errText(res.Err))
		return ""
	}
}

// invokeAgent runs the CLI, retrying once without the resume token when the
// prior session was rejected.
func (e *RunExecutor) invokeAgent(ctx context.Context, job *domain.Job, run *domain.Run, path, conflictText string) (*agent.Result, error) {
	req := agent.Request{
		WorkspacePath:   path,
		Instruction:     BuildRunInstruction(conflictText, run.Instruction),
		ResumeSessionID: job.PayloadMap()["session_id"],
		Model:           run.ModelProfileID,
		OnLine: func(line string) {
			e.publish(context.WithoutCancel(ctx), run.ID, line)
		},
	}

	result, err := e.agents.Invoke(ctx, run.ExecutorKind, req)
	if err != nil {
		return nil, errors.Transient(fmt.Errorf("invoke agent: %w", err))
	}
	if !result.Success && req.ResumeSessionID != "" && agent.IsSessionError(result.Error) {
		e.publish(ctx, run.ID, "session rejected, retrying without resume")
		run.Warnings = append(run.Warnings, "prior session was rejected: "+result.Error)
		req.ResumeSessionID = ""
		result, err = e.agents.Invoke(ctx, run.ExecutorKind, req)
		if err != nil {
			return nil, errors.Transient(fmt.Errorf("invoke agent: %w", err))
		}
	}
	return result, nil
}

// captureSummary reads and removes the well-known summary file so it never
// reaches the commit.
func (e *RunExecutor) captureSummary(path string) string {
	full := filepath.Join(path, SummaryFileName)
	raw, err := os.ReadFile(full)
	if err != nil {
		return ""
	}
	if err := os.Remove(full); err != nil {
		e.logger.Warn("could not remove summary file %s: %v", full, err)
	}
	return strings.TrimSpace(string(raw))
}

func (e *RunExecutor) translateIfNeeded(ctx context.Context, run *domain.Run, message string) string {
	if e.translator == nil || LooksEnglish(message) {
		return message
	}
	translated, err := e.translator.Translate(ctx, message)
	if err != nil || strings.TrimSpace(translated) == "" {
		e.logger.Warn("run %s: commit message translation failed: %v", run.ID, err)
		return message
	}
	return translated
}

func (e *RunExecutor) finishRun(ctx context.Context, run *domain.Run, status domain.RunStatus, errText string) {
	now := time.Now().UTC()
	run.Status = status
	run.Error = errText
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("persist run %s (%s): %v", run.ID, status, err)
	}
}

func (e *RunExecutor) publish(ctx context.Context, streamID, line string) {
	e.mux.Publish(ctx, streamID, line)
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
