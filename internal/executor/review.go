package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forge/internal/agent"
	"forge/internal/domain"
	"forge/internal/errors"
	"forge/internal/logging"
	"forge/internal/store"
	"forge/internal/stream"
	"forge/internal/workspace"
)

// patchInlineLimit is the combined-patch size above which the patch is
// written to a file and referenced by path instead of inlined in the
// prompt.
const patchInlineLimit = 50_000

// reviewPatchFileName is where an oversized patch is written inside the
// review working directory.
const reviewPatchFileName = ".forge-review.patch"

// ReviewExecutor handles review-execute jobs.
type ReviewExecutor struct {
	store      store.Store
	workspaces *workspace.Manager
	agents     AgentInvoker
	mux        *stream.Multiplexer
	logger     logging.Logger
}

func NewReviewExecutor(st store.Store, workspaces *workspace.Manager, agents AgentInvoker, mux *stream.Multiplexer, logger logging.Logger) *ReviewExecutor {
	return &ReviewExecutor{
		store:      st,
		workspaces: workspaces,
		agents:     agents,
		mux:        mux,
		logger:     logging.OrNop(logger),
	}
}

// Handle is the worker entry point for one review job.
func (e *ReviewExecutor) Handle(ctx context.Context, job *domain.Job) error {
	review, err := e.store.GetReview(ctx, job.RefID)
	if err != nil {
		return errors.Permanent(fmt.Errorf("load review %s: %w", job.RefID, err))
	}
	if review.Status.IsTerminal() {
		e.logger.Info("review %s already %s, skipping", review.ID, review.Status)
		return nil
	}
	defer e.mux.MarkComplete(review.ID)

	execErr := e.execute(ctx, review)
	if execErr == nil {
		return nil
	}
	final := errors.IsPermanent(execErr) || job.Attempts >= job.MaxAttempts || ctx.Err() != nil
	if final {
		persistCtx := context.WithoutCancel(ctx)
		status := domain.RunFailed
		if ctx.Err() != nil {
			status = domain.RunCanceled
		}
		e.finishReview(persistCtx, review, status, execErr.Error())
	}
	return execErr
}

func (e *ReviewExecutor) execute(ctx context.Context, review *domain.Review) error {
	now := time.Now().UTC()
	review.Status = domain.RunRunning
	review.StartedAt = &now
	review.Error = ""
	if err := e.store.UpdateReview(ctx, review); err != nil {
		return errors.Transient(fmt.Errorf("mark review running: %w", err))
	}
	e.mux.Publish(ctx, review.ID, fmt.Sprintf("starting review %s over %d run(s)", review.ID, len(review.TargetRunIDs)))

	runs, err := e.loadTargets(ctx, review)
	if err != nil {
		return err
	}
	combined := combinePatches(runs)

	workdir, reusable, err := e.pickWorkdir(ctx, runs)
	if err != nil {
		return err
	}
	defer e.releaseWorkdir(context.WithoutCancel(ctx), workdir, reusable)

	patchRef := combined
	inline := true
	if len(combined) > patchInlineLimit {
		patchPath := filepath.Join(workdir, reviewPatchFileName)
		if err := os.WriteFile(patchPath, []byte(combined), 0o644); err != nil {
			return errors.Transient(fmt.Errorf("write patch file: %w", err))
		}
		patchRef = reviewPatchFileName
		inline = false
		e.mux.Publish(ctx, review.ID, fmt.Sprintf("patch is %d chars, referencing %s instead of inlining", len(combined), reviewPatchFileName))
	}

	var transcript strings.Builder
	result, err := e.agents.Invoke(ctx, review.ExecutorKind, agent.Request{
		WorkspacePath: workdir,
		Instruction:   buildReviewPrompt(patchRef, inline),
		ReadOnly:      true,
		OnLine: func(line string) {
			transcript.WriteString(line)
			transcript.WriteString("\n")
			e.mux.Publish(context.WithoutCancel(ctx), review.ID, line)
		},
	})
	if err != nil {
		return errors.Transient(fmt.Errorf("invoke review agent: %w", err))
	}
	if result.SessionID != "" {
		review.SessionID = result.SessionID
	}
	if !result.Success {
		return errors.Permanent(fmt.Errorf("review agent failed: %s", result.Error))
	}

	raw := transcript.String()
	if result.Summary != "" {
		raw += "\n" + result.Summary
	}
	verdict, found := ExtractVerdict(raw)
	if !found {
		e.mux.Publish(ctx, review.ID, "no structured verdict in agent output, recording default result")
	}
	review.Summary = verdict.OverallSummary
	review.OverallScore = verdict.OverallScore
	review.Feedbacks = verdict.Feedbacks

	e.finishReview(ctx, review, domain.RunSucceeded, "")
	e.mux.Publish(ctx, review.ID, fmt.Sprintf("review succeeded with %d finding(s)", len(verdict.Feedbacks)))
	return nil
}

// loadTargets validates that every target run exists and succeeded. A
// non-succeeded target cannot produce a meaningful review, so the job fails
// terminally.
func (e *ReviewExecutor) loadTargets(ctx context.Context, review *domain.Review) ([]*domain.Run, error) {
	if len(review.TargetRunIDs) == 0 {
		return nil, errors.Permanent(fmt.Errorf("review %s has no target runs", review.ID))
	}
	runs := make([]*domain.Run, 0, len(review.TargetRunIDs))
	for _, runID := range review.TargetRunIDs {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, errors.Permanent(fmt.Errorf("target run %s: %w", runID, err))
		}
		if run.Status != domain.RunSucceeded {
			return nil, errors.Permanent(fmt.Errorf("target run %s is %s, not succeeded", runID, run.Status))
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// pickWorkdir prefers the first target's workspace so the agent can read
// surrounding code; a missing workspace falls back to a throwaway temp dir.
func (e *ReviewExecutor) pickWorkdir(ctx context.Context, runs []*domain.Run) (string, bool, error) {
	first := runs[0]
	if first.WorkspacePath != "" && e.workspaces.IsValid(ctx, first.WorkspacePath) {
		return first.WorkspacePath, true, nil
	}
	tmp, err := os.MkdirTemp("", "forge-review-")
	if err != nil {
		return "", false, errors.Transient(fmt.Errorf("create review dir: %w", err))
	}
	return tmp, false, nil
}

// releaseWorkdir undoes review-phase side effects: a reused workspace is
// scrubbed of uncommitted edits so the next run starts clean, a temp dir is
// removed.
func (e *ReviewExecutor) releaseWorkdir(ctx context.Context, workdir string, reusable bool) {
	if reusable {
		if err := e.workspaces.Sanitize(ctx, workdir); err != nil {
			e.logger.Warn("sanitize workspace %s after review: %v", workdir, err)
		}
		return
	}
	if err := os.RemoveAll(workdir); err != nil {
		e.logger.Warn("remove review dir %s: %v", workdir, err)
	}
}

func (e *ReviewExecutor) finishReview(ctx context.Context, review *domain.Review, status domain.RunStatus, errText string) {
	now := time.Now().UTC()
	review.Status = status
	review.Error = errText
	review.CompletedAt = &now
	if err := e.store.UpdateReview(ctx, review); err != nil {
		e.logger.Error("persist review %s (%s): %v", review.ID, status, err)
	}
}

func combinePatches(runs []*domain.Run) string {
	var b strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&b, "### Run %s (commit %s)\n", run.ID, run.CommitSHA)
		b.WriteString(run.Patch)
		if !strings.HasSuffix(run.Patch, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildReviewPrompt(patchRef string, inline bool) string {
	var b strings.Builder
	b.WriteString(reviewPreamble)
	b.WriteString("\n\n")
	if inline {
		b.WriteString("Review the following patch:\n\n")
		b.WriteString(patchRef)
	} else {
		fmt.Fprintf(&b, "Review the patch stored in the file %s inside the working directory.\n", patchRef)
	}
	b.WriteString(`

Respond with exactly one JSON object, no surrounding prose, in this shape:
{
  "overall_summary": "one paragraph assessment",
  "overall_score": 0.85,
  "feedbacks": [
    {
      "severity": "high",
      "category": "correctness",
      "file_path": "` + exampleFeedbackPath + `",
      "line_start": 10,
      "line_end": 14,
      "title": "short finding title",
      "description": "what is wrong and why",
      "suggestion": "how to fix it",
      "code_snippet": "the offending lines"
    }
  ]
}
Severity must be one of critical, high, medium, low. Category must be one of correctness, security, performance, style, testing, docs. overall_score is between 0 and 1, where 1 means ready to merge.`)
	return b.String()
}
