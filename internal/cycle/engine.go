// Package cycle drives the autonomous code -> CI -> review -> merge loop
// for a task: it enqueues run and review jobs, watches CI on the host,
// gates on human approval in semi-auto mode, and merges the pull request
// when everything passes.
package cycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/errors"
	"forge/internal/hosting"
	"forge/internal/id"
	"forge/internal/logging"
	"forge/internal/notify"
	"forge/internal/observability"
	"forge/internal/queue"
	"forge/internal/store"
)

// Host is the slice of the hosting client the engine needs.
type Host interface {
	CreatePullRequest(ctx context.Context, repoFullName, title, body, head, base string) (*hosting.PullRequest, error)
	FindPullRequestByBranch(ctx context.Context, repoFullName, branch string) (*hosting.PullRequest, error)
	GetPullRequest(ctx context.Context, repoFullName string, number int) (*hosting.PullRequest, error)
	MergePullRequest(ctx context.Context, repoFullName string, number int, method string) error
	DeleteBranch(ctx context.Context, repoFullName, branch string) error
	CombinedStatus(ctx context.Context, repoFullName, sha string) (*hosting.CombinedStatus, error)
}

// JobQueue is the enqueue-only slice of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, params queue.EnqueueParams) (*domain.Job, error)
}

// Options carries the cycle budgets and merge policy.
type Options struct {
	MaxTotalIterations     int
	MaxCIIterations        int
	MaxReviewIterations    int
	WarnIterationThreshold int
	MinReviewScore         float64
	MergeMethod            string
	MergeDeleteBranch      bool
	// PhaseTimeout bounds one supervisor slot, which may span a fix
	// round plus its re-run.
	PhaseTimeout    time.Duration
	RunPollInterval time.Duration
	CIPollInterval  time.Duration
	CIPollTimeout   time.Duration
	JobMaxAttempts  int
}

func (o Options) withDefaults() Options {
	if o.MaxTotalIterations <= 0 {
		o.MaxTotalIterations = 10
	}
	if o.MaxCIIterations <= 0 {
		o.MaxCIIterations = 3
	}
	if o.MaxReviewIterations <= 0 {
		o.MaxReviewIterations = 3
	}
	if o.WarnIterationThreshold <= 0 {
		o.WarnIterationThreshold = 7
	}
	if o.MinReviewScore <= 0 {
		o.MinReviewScore = 0.7
	}
	if o.MergeMethod == "" {
		o.MergeMethod = "squash"
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = 2 * time.Hour
	}
	if o.RunPollInterval <= 0 {
		o.RunPollInterval = 2 * time.Second
	}
	if o.JobMaxAttempts <= 0 {
		o.JobMaxAttempts = 3
	}
	return o
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxTotalIterations:     cfg.MaxTotalIterations,
		MaxCIIterations:        cfg.MaxCIIterations,
		MaxReviewIterations:    cfg.MaxReviewIterations,
		WarnIterationThreshold: cfg.WarnIterationThreshold,
		MinReviewScore:         cfg.MinReviewScore,
		MergeMethod:            cfg.MergeMethod,
		MergeDeleteBranch:      cfg.MergeDeleteBranch,
		PhaseTimeout:           cfg.CycleTimeout(),
		CIPollInterval:         cfg.CIPollInterval(),
		CIPollTimeout:          cfg.CIPollOverallTimeout(),
		JobMaxAttempts:         cfg.QueueMaxAttempts,
	}
}

// taskCycle is the in-memory side of one live cycle. Transitions for a
// task are serialized by its mu.
type taskCycle struct {
	mu    sync.Mutex
	state *domain.CycleState

	executor       domain.ExecutorKind
	modelProfileID string
	repoFullName   string
	baseBranch     string
	title          string

	sessionID string
	branch    string
	lastRunID string
}

// Engine owns all live cycles in this process. Crashed cycles are not
// resumed; the stale sweeper fails their persisted state instead.
type Engine struct {
	store      store.Store
	queue      JobQueue
	host       Host
	poller     *CIPoller
	supervisor *Supervisor
	notifier   notify.Notifier
	metrics    *observability.Metrics
	opts       Options
	logger     logging.Logger

	mu     sync.Mutex
	cycles map[string]*taskCycle
}

func NewEngine(st store.Store, q JobQueue, host Host, notifier notify.Notifier, metrics *observability.Metrics, opts Options, logger logging.Logger) *Engine {
	opts = opts.withDefaults()
	logger = logging.OrNop(logger)
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Engine{
		store:      st,
		queue:      q,
		host:       host,
		poller:     NewCIPoller(host, st, opts.CIPollInterval, opts.CIPollTimeout, logger),
		supervisor: NewSupervisor(logger),
		notifier:   notifier,
		metrics:    metrics,
		opts:       opts,
		logger:     logger,
		cycles:     map[string]*taskCycle{},
	}
}

// StartParams begins a cycle for a task.
type StartParams struct {
	TaskID         string
	Instruction    string
	Executor       domain.ExecutorKind
	ModelProfileID string
}

// Start validates the task, persists the initial cycle state, and kicks
// off the first coding phase in the background.
func (e *Engine) Start(ctx context.Context, params StartParams) (*domain.CycleState, error) {
	task, err := e.store.GetTask(ctx, params.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.CodingMode.Autonomous() {
		return nil, errors.Permanent(fmt.Errorf("task %s is %s, not autonomous", task.ID, task.CodingMode))
	}
	if strings.TrimSpace(params.Instruction) == "" {
		return nil, errors.Permanent(fmt.Errorf("instruction is empty"))
	}
	if existing, err := e.store.GetCycleState(ctx, task.ID); err == nil && existing != nil && !existing.Phase.IsTerminal() {
		return nil, errors.Permanent(fmt.Errorf("task %s already has an active cycle in phase %s", task.ID, existing.Phase))
	}
	repo, err := e.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return nil, err
	}
	fullName := repo.FullName()
	if fullName == "" {
		return nil, errors.Permanent(fmt.Errorf("repository %s has no owner/name in its remote url", repo.ID))
	}

	now := time.Now()
	state := &domain.CycleState{
		TaskID:         task.ID,
		Mode:           task.CodingMode,
		Phase:          domain.PhaseCoding,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.SaveCycleState(ctx, state); err != nil {
		return nil, err
	}

	c := &taskCycle{
		state:          state,
		executor:       params.Executor,
		modelProfileID: params.ModelProfileID,
		repoFullName:   fullName,
		baseBranch:     repo.DefaultBranch,
		title:          task.Title,
	}
	e.mu.Lock()
	e.cycles[task.ID] = c
	e.mu.Unlock()
	e.metrics.ActiveCycles.Inc()

	e.logger.Info("task %s: cycle started in %s mode", task.ID, task.CodingMode)
	e.launchCoding(task.ID, params.Instruction)
	return state, nil
}

// Approve moves an awaiting-human cycle on toward merge.
func (e *Engine) Approve(ctx context.Context, taskID string) error {
	c := e.cycle(taskID)
	if c == nil {
		return errors.Permanent(fmt.Errorf("task %s has no live cycle", taskID))
	}
	c.mu.Lock()
	if c.state.Phase != domain.PhaseAwaitingHuman {
		phase := c.state.Phase
		c.mu.Unlock()
		return errors.Permanent(fmt.Errorf("task %s is in phase %s, not awaiting approval", taskID, phase))
	}
	c.state.HumanApproved = true
	e.persist(ctx, c)
	c.mu.Unlock()

	e.supervisor.Start(taskID, domain.PhaseMergeCheck, e.opts.PhaseTimeout,
		func(ctx context.Context) error { return e.mergeChain(ctx, taskID) },
		func() { e.failCycle(taskID, "merge phase timed out") })
	return nil
}

// Reject sends an awaiting-human cycle back to coding with the reviewer's
// feedback, or fails it when no feedback is given.
func (e *Engine) Reject(ctx context.Context, taskID, feedback string) error {
	c := e.cycle(taskID)
	if c == nil {
		return errors.Permanent(fmt.Errorf("task %s has no live cycle", taskID))
	}
	c.mu.Lock()
	if c.state.Phase != domain.PhaseAwaitingHuman {
		phase := c.state.Phase
		c.mu.Unlock()
		return errors.Permanent(fmt.Errorf("task %s is in phase %s, not awaiting approval", taskID, phase))
	}
	c.mu.Unlock()

	if strings.TrimSpace(feedback) == "" {
		e.failCycle(taskID, "changes rejected without feedback")
		return nil
	}
	e.launchCoding(taskID, HumanFeedbackInstruction(feedback))
	return nil
}

// Cancel aborts a live cycle: the phase goroutine and CI poll are stopped
// and the state is marked failed.
func (e *Engine) Cancel(taskID, reason string) {
	if reason == "" {
		reason = "cycle canceled"
	}
	e.poller.Stop(taskID)
	e.supervisor.Cancel(taskID)
	e.failCycle(taskID, reason)
}

// ActiveCount reports how many cycles this process is driving.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cycles)
}

// State returns a copy of the live cycle state, or nil when the task has
// no cycle in this process.
func (e *Engine) State(taskID string) *domain.CycleState {
	c := e.cycle(taskID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := *c.state
	return &snapshot
}

// SweepStale fails persisted non-terminal cycles this process is not
// driving whose last activity is older than the cutoff. Startup recovery
// and the maintenance cron both use it.
func (e *Engine) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	states, err := e.store.ListActiveCycles(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	swept := 0
	for _, state := range states {
		if e.cycle(state.TaskID) != nil || state.LastActivityAt.After(cutoff) {
			continue
		}
		state.Phase = domain.PhaseFailed
		state.Error = "abandoned: no activity since " + state.LastActivityAt.Format(time.RFC3339)
		state.LastActivityAt = time.Now()
		if err := e.store.SaveCycleState(ctx, state); err != nil {
			e.logger.Warn("sweep cycle %s: %v", state.TaskID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

// launchCoding starts (or restarts) the coding phase in a supervisor slot.
func (e *Engine) launchCoding(taskID, instruction string) {
	e.supervisor.Start(taskID, domain.PhaseCoding, e.opts.PhaseTimeout,
		func(ctx context.Context) error { return e.codingChain(ctx, taskID, instruction) },
		func() { e.failCycle(taskID, "coding phase timed out") })
}

// codingChain runs one coding iteration: enqueue a run, await it, ensure
// the PR exists, then hand off to the CI poller. The supervisor slot is
// released once polling starts.
func (e *Engine) codingChain(ctx context.Context, taskID, instruction string) error {
	c := e.cycle(taskID)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	c.state.Phase = domain.PhaseCoding
	c.state.Iteration++
	iteration := c.state.Iteration
	enhanced := IterationContext(c.state, e.opts.MaxTotalIterations) + "\n\n" + instruction
	e.persist(ctx, c)
	c.mu.Unlock()

	if iteration > e.opts.MaxTotalIterations {
		e.logger.Warn("task %s: total iteration budget of %d exhausted", taskID, e.opts.MaxTotalIterations)
		e.failCycle(taskID, "Exceeded max total iterations")
		return nil
	}
	if iteration >= e.opts.WarnIterationThreshold {
		e.notify(taskID, notify.EventWarning, "Iteration budget running low",
			fmt.Sprintf("iteration %d of %d", iteration, e.opts.MaxTotalIterations))
	}

	run := &domain.Run{
		ID:             id.NewRunID(),
		TaskID:         taskID,
		ExecutorKind:   c.executor,
		ModelProfileID: c.modelProfileID,
		Status:         domain.RunQueued,
		Instruction:    enhanced,
		BaseRef:        c.baseBranch,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return e.failCycleErr(taskID, "create run", err)
	}
	payload := map[string]string{}
	if c.sessionID != "" {
		payload["session_id"] = c.sessionID
	}
	if _, err := e.queue.Enqueue(ctx, queue.EnqueueParams{
		Kind:        domain.JobRunExecute,
		RefID:       run.ID,
		Payload:     payload,
		MaxAttempts: e.opts.JobMaxAttempts,
	}); err != nil {
		return e.failCycleErr(taskID, "enqueue run", err)
	}

	finished, err := e.awaitRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if finished.Status != domain.RunSucceeded {
		e.failCycle(taskID, fmt.Sprintf("coding run %s %s: %s", id.Short(finished.ID), finished.Status, finished.Error))
		return nil
	}

	c.mu.Lock()
	c.lastRunID = finished.ID
	if finished.SessionID != "" {
		c.sessionID = finished.SessionID
	}
	if finished.WorkingBranch != "" {
		c.branch = finished.WorkingBranch
	}
	if finished.CommitSHA != "" {
		c.state.CurrentHeadSHA = finished.CommitSHA
	}
	headSHA := c.state.CurrentHeadSHA
	c.mu.Unlock()

	if headSHA == "" {
		e.failCycle(taskID, "coding run produced no commit")
		return nil
	}
	if err := e.ensurePullRequest(ctx, c, finished); err != nil {
		return e.failCycleErr(taskID, "open pull request", err)
	}

	c.mu.Lock()
	c.state.Phase = domain.PhaseWaitingCI
	c.state.LastCIResult = domain.CIPending
	e.persist(ctx, c)
	repoFullName := c.repoFullName
	c.mu.Unlock()

	e.poller.Start(PollRequest{
		TaskID:       taskID,
		RepoFullName: repoFullName,
		HeadSHA:      headSHA,
		OnComplete:   func(result domain.CIResult, status *hosting.CombinedStatus) { e.onCIComplete(taskID, result, status) },
		OnTimeout:    func() { e.failCycle(taskID, "timed out waiting for CI") },
	})
	return nil
}

// onCIComplete is invoked from the poller goroutine with a terminal CI
// result.
func (e *Engine) onCIComplete(taskID string, result domain.CIResult, status *hosting.CombinedStatus) {
	c := e.cycle(taskID)
	if c == nil {
		return
	}
	ctx := context.Background()

	c.mu.Lock()
	if c.state.Phase != domain.PhaseWaitingCI {
		c.mu.Unlock()
		return
	}
	c.state.LastCIResult = result

	if result == domain.CISuccess {
		e.persist(ctx, c)
		c.mu.Unlock()
		e.supervisor.Start(taskID, domain.PhaseReviewing, e.opts.PhaseTimeout,
			func(ctx context.Context) error { return e.reviewChain(ctx, taskID) },
			func() { e.failCycle(taskID, "review phase timed out") })
		return
	}

	if c.state.CIIterations >= e.opts.MaxCIIterations {
		e.persist(ctx, c)
		c.mu.Unlock()
		e.logger.Warn("task %s: CI fix budget of %d exhausted", taskID, e.opts.MaxCIIterations)
		e.failCycle(taskID, "Exceeded max CI fix iterations")
		return
	}
	c.state.CIIterations++
	round := c.state.CIIterations
	c.state.Phase = domain.PhaseFixingCI
	e.persist(ctx, c)
	c.mu.Unlock()

	e.logger.Info("task %s: CI %s, starting fix round %d", taskID, result, round)
	e.launchCoding(taskID, FixCIInstruction(status))
}

// reviewChain runs the review phase and everything after it that needs no
// external wakeup: approval routing, review-fix coding rounds, and the
// full-auto merge.
func (e *Engine) reviewChain(ctx context.Context, taskID string) error {
	c := e.cycle(taskID)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	c.state.Phase = domain.PhaseReviewing
	e.persist(ctx, c)
	targetRunID := c.lastRunID
	c.mu.Unlock()

	review := &domain.Review{
		ID:           id.NewReviewID(),
		TaskID:       taskID,
		TargetRunIDs: []string{targetRunID},
		ExecutorKind: c.executor,
		Status:       domain.RunQueued,
		CreatedAt:    time.Now(),
	}
	if err := e.store.CreateReview(ctx, review); err != nil {
		return e.failCycleErr(taskID, "create review", err)
	}
	if _, err := e.queue.Enqueue(ctx, queue.EnqueueParams{
		Kind:        domain.JobReviewExecute,
		RefID:       review.ID,
		MaxAttempts: e.opts.JobMaxAttempts,
	}); err != nil {
		return e.failCycleErr(taskID, "enqueue review", err)
	}

	finished, err := e.awaitReview(ctx, review.ID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state.LastReviewScore = finished.OverallScore
	c.mu.Unlock()

	// A succeeded review with no score counts as approval; the reviewer
	// simply did not emit a structured verdict.
	approved := finished.Status == domain.RunSucceeded &&
		(finished.OverallScore == nil || *finished.OverallScore >= e.opts.MinReviewScore)

	if !approved {
		c.mu.Lock()
		if c.state.ReviewIterations >= e.opts.MaxReviewIterations {
			e.persist(ctx, c)
			c.mu.Unlock()
			e.logger.Warn("task %s: review fix budget of %d exhausted", taskID, e.opts.MaxReviewIterations)
			e.failCycle(taskID, "Exceeded max review fix iterations")
			return nil
		}
		c.state.ReviewIterations++
		round := c.state.ReviewIterations
		c.state.Phase = domain.PhaseFixingReview
		e.persist(ctx, c)
		c.mu.Unlock()

		e.logger.Info("task %s: review rejected, starting fix round %d", taskID, round)
		return e.codingChain(ctx, taskID, FixReviewInstruction(finished))
	}

	c.mu.Lock()
	mode := c.state.Mode
	c.mu.Unlock()

	if mode == domain.ModeSemiAuto {
		c.mu.Lock()
		c.state.Phase = domain.PhaseAwaitingHuman
		e.persist(ctx, c)
		prNumber := c.state.PRNumber
		c.mu.Unlock()
		e.notify(taskID, notify.EventAwaitingApproval, "Changes ready for approval",
			fmt.Sprintf("review passed for PR #%d", prNumber))
		return nil
	}
	return e.mergeChain(ctx, taskID)
}

// mergeChain checks mergeability and merges. Reached from a full-auto
// review pass or from Approve.
func (e *Engine) mergeChain(ctx context.Context, taskID string) error {
	c := e.cycle(taskID)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	c.state.Phase = domain.PhaseMergeCheck
	e.persist(ctx, c)
	repoFullName := c.repoFullName
	prNumber := c.state.PRNumber
	branch := c.branch
	c.mu.Unlock()

	if prNumber == 0 {
		e.failCycle(taskID, "no pull request to merge")
		return nil
	}

	pr, err := e.awaitMergeable(ctx, repoFullName, prNumber)
	if err != nil {
		return e.failCycleErr(taskID, "merge check", err)
	}
	if pr.Mergeable != nil && !*pr.Mergeable {
		e.failCycle(taskID, fmt.Sprintf("pull request #%d is not mergeable", prNumber))
		return nil
	}

	c.mu.Lock()
	c.state.Phase = domain.PhaseMerging
	e.persist(ctx, c)
	c.mu.Unlock()

	if err := e.host.MergePullRequest(ctx, repoFullName, prNumber, e.opts.MergeMethod); err != nil {
		return e.failCycleErr(taskID, "merge", err)
	}
	if e.opts.MergeDeleteBranch && branch != "" {
		if err := e.host.DeleteBranch(ctx, repoFullName, branch); err != nil {
			e.logger.Warn("task %s: delete branch %s: %v", taskID, branch, err)
		}
	}
	e.recordMerged(ctx, taskID)
	e.completeCycle(taskID, prNumber)
	return nil
}

// awaitMergeable polls the PR until the host has computed mergeability.
// An unknown state after the probe budget is treated as mergeable and
// left to the merge call to reject.
func (e *Engine) awaitMergeable(ctx context.Context, repoFullName string, number int) (*hosting.PullRequest, error) {
	var pr *hosting.PullRequest
	var err error
	for probe := 0; probe < 10; probe++ {
		pr, err = e.host.GetPullRequest(ctx, repoFullName, number)
		if err != nil {
			return nil, err
		}
		if pr.Mergeable != nil {
			return pr, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.opts.RunPollInterval):
		}
	}
	return pr, nil
}

// ensurePullRequest opens the PR for the working branch on first need and
// keeps the stored record in sync with the latest head.
func (e *Engine) ensurePullRequest(ctx context.Context, c *taskCycle, run *domain.Run) error {
	c.mu.Lock()
	taskID := c.state.TaskID
	prNumber := c.state.PRNumber
	repoFullName := c.repoFullName
	baseBranch := c.baseBranch
	branch := c.branch
	title := c.title
	headSHA := c.state.CurrentHeadSHA
	c.mu.Unlock()

	if prNumber != 0 {
		return e.touchStoredPR(ctx, taskID, headSHA)
	}
	if branch == "" {
		return errors.Permanent(fmt.Errorf("run %s reported no working branch", run.ID))
	}

	pr, err := e.host.FindPullRequestByBranch(ctx, repoFullName, branch)
	if err != nil {
		return err
	}
	if pr == nil {
		if title == "" {
			title = firstLine(run.Instruction)
		}
		body := run.Summary
		if body == "" {
			body = "Automated change."
		}
		pr, err = e.host.CreatePullRequest(ctx, repoFullName, title, body, branch, baseBranch)
		if err != nil {
			return err
		}
		e.logger.Info("task %s: opened PR #%d (%s -> %s)", taskID, pr.Number, branch, baseBranch)
	}

	c.mu.Lock()
	c.state.PRNumber = pr.Number
	c.mu.Unlock()

	record := &domain.PullRequest{
		ID:         id.NewPullRequestID(),
		TaskID:     taskID,
		Number:     pr.Number,
		Branch:     branch,
		BaseBranch: baseBranch,
		Title:      pr.Title,
		Body:       pr.Body,
		HeadSHA:    headSHA,
		Status:     domain.PROpen,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	return e.store.UpsertPullRequest(ctx, record)
}

func (e *Engine) touchStoredPR(ctx context.Context, taskID, headSHA string) error {
	record, err := e.store.GetPullRequestByTask(ctx, taskID)
	if err != nil || record == nil {
		return nil
	}
	record.HeadSHA = headSHA
	record.UpdatedAt = time.Now()
	return e.store.UpsertPullRequest(ctx, record)
}

func (e *Engine) recordMerged(ctx context.Context, taskID string) {
	record, err := e.store.GetPullRequestByTask(ctx, taskID)
	if err != nil || record == nil {
		return
	}
	record.Status = domain.PRMerged
	record.UpdatedAt = time.Now()
	if err := e.store.UpsertPullRequest(ctx, record); err != nil {
		e.logger.Warn("task %s: record merged PR: %v", taskID, err)
	}
}

// awaitRun polls the run until it is terminal.
func (e *Engine) awaitRun(ctx context.Context, runID string) (*domain.Run, error) {
	ticker := time.NewTicker(e.opts.RunPollInterval)
	defer ticker.Stop()
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitReview polls the review until it is terminal.
func (e *Engine) awaitReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	ticker := time.NewTicker(e.opts.RunPollInterval)
	defer ticker.Stop()
	for {
		review, err := e.store.GetReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		if review.Status.IsTerminal() {
			return review, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) cycle(taskID string) *taskCycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles[taskID]
}

// persist saves the state with a fresh activity timestamp. Callers hold
// the cycle mutex.
func (e *Engine) persist(ctx context.Context, c *taskCycle) {
	c.state.LastActivityAt = time.Now()
	if err := e.store.SaveCycleState(context.WithoutCancel(ctx), c.state); err != nil {
		e.logger.Error("task %s: persist cycle state: %v", c.state.TaskID, err)
	}
}

func (e *Engine) failCycleErr(taskID, op string, err error) error {
	e.failCycle(taskID, fmt.Sprintf("%s: %v", op, err))
	return err
}

// failCycle marks the cycle failed and tears down its background work.
// Idempotent; late callbacks hitting an already-terminal cycle are no-ops.
func (e *Engine) failCycle(taskID, reason string) {
	e.finish(taskID, domain.PhaseFailed, reason)
}

func (e *Engine) completeCycle(taskID string, prNumber int) {
	e.finish(taskID, domain.PhaseCompleted, fmt.Sprintf("merged PR #%d", prNumber))
}

func (e *Engine) finish(taskID string, phase domain.CyclePhase, detail string) {
	c := e.cycle(taskID)
	if c == nil {
		return
	}
	ctx := context.Background()

	c.mu.Lock()
	if c.state.Phase.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.state.Phase = phase
	if phase == domain.PhaseFailed {
		c.state.Error = detail
	}
	e.persist(ctx, c)
	c.mu.Unlock()

	e.mu.Lock()
	delete(e.cycles, taskID)
	e.mu.Unlock()
	e.metrics.ActiveCycles.Dec()
	e.poller.Stop(taskID)

	if phase == domain.PhaseFailed {
		e.logger.Warn("task %s: cycle failed: %s", taskID, detail)
		e.notify(taskID, notify.EventCycleFailed, "Cycle failed", detail)
		return
	}
	e.logger.Info("task %s: cycle completed: %s", taskID, detail)
	e.notify(taskID, notify.EventCycleCompleted, "Cycle completed", detail)
}

func (e *Engine) notify(taskID string, kind notify.EventKind, title, message string) {
	e.notifier.Notify(context.Background(), notify.Event{
		TaskID:  taskID,
		Kind:    kind,
		Title:   title,
		Message: message,
		Time:    time.Now(),
	})
}

func firstLine(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 72 {
		line = line[:72]
	}
	if line == "" {
		line = "Automated change"
	}
	return line
}
