package cycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"forge/internal/async"
	"forge/internal/domain"
	"forge/internal/hosting"
	"forge/internal/id"
	"forge/internal/logging"
	"forge/internal/store"
)

// StatusSource reads the combined CI status of a commit. *hosting.Client
// satisfies it.
type StatusSource interface {
	CombinedStatus(ctx context.Context, repoFullName, sha string) (*hosting.CombinedStatus, error)
}

// PollRequest describes one CI wait.
type PollRequest struct {
	TaskID       string
	RepoFullName string
	HeadSHA      string

	// OnComplete fires once when the combined status turns terminal.
	OnComplete func(result domain.CIResult, status *hosting.CombinedStatus)
	// OnTimeout fires once when the overall wait budget is exhausted.
	OnTimeout func()
}

// CIPoller watches commit statuses on the host. At most one poll runs per
// task; starting a new one supersedes the prior. Each wait is recorded as
// a CICheck so a crashed process leaves a visible pending row.
type CIPoller struct {
	source   StatusSource
	checks   store.CICheckStore
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger

	mu     sync.Mutex
	active map[string]*pollHandle
}

type pollHandle struct {
	cancel context.CancelFunc
}

func NewCIPoller(source StatusSource, checks store.CICheckStore, interval, timeout time.Duration, logger logging.Logger) *CIPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CIPoller{
		source:   source,
		checks:   checks,
		interval: interval,
		timeout:  timeout,
		logger:   logging.OrNop(logger),
		active:   map[string]*pollHandle{},
	}
}

// Start begins polling for the request's head SHA, superseding any poll
// already running for the task.
func (p *CIPoller) Start(req PollRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	handle := &pollHandle{cancel: cancel}

	p.mu.Lock()
	if prior, ok := p.active[req.TaskID]; ok {
		prior.cancel()
	}
	p.active[req.TaskID] = handle
	p.mu.Unlock()

	check := &domain.CICheck{
		ID:        id.NewCICheckID(),
		TaskID:    req.TaskID,
		HeadSHA:   req.HeadSHA,
		Result:    domain.CIPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := p.checks.CreateCICheck(ctx, check); err != nil {
		p.logger.Warn("task %s: record ci check: %v", req.TaskID, err)
	}

	async.Go(p.logger, "ci-poll "+req.TaskID, func() {
		p.poll(ctx, handle, req, check)
	})
}

// Stop cancels the task's current poll, if any. No callback fires.
func (p *CIPoller) Stop(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle, ok := p.active[taskID]; ok {
		handle.cancel()
		delete(p.active, taskID)
	}
}

// ActiveCount reports how many polls are running.
func (p *CIPoller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *CIPoller) poll(ctx context.Context, handle *pollHandle, req PollRequest, check *domain.CICheck) {
	defer handle.cancel()
	defer p.release(req.TaskID, handle)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		status, err := p.source.CombinedStatus(ctx, req.RepoFullName, req.HeadSHA)
		switch {
		case ctx.Err() != nil:
			p.finishInterrupted(ctx, req, check)
			return
		case err != nil:
			p.logger.Warn("task %s: ci status for %s: %v", req.TaskID, id.Short(req.HeadSHA), err)
		default:
			if result := status.Result(); result.Terminal() {
				p.settle(check, result, failureDetail(status))
				if req.OnComplete != nil {
					req.OnComplete(result, status)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			p.finishInterrupted(ctx, req, check)
			return
		case <-ticker.C:
		}
	}
}

// release drops the active entry unless a newer poll has replaced it.
func (p *CIPoller) release(taskID string, handle *pollHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[taskID] == handle {
		delete(p.active, taskID)
	}
}

func (p *CIPoller) finishInterrupted(ctx context.Context, req PollRequest, check *domain.CICheck) {
	if context.Cause(ctx) == context.DeadlineExceeded {
		p.settle(check, domain.CIError, fmt.Sprintf("no terminal status within %s", p.timeout))
		if req.OnTimeout != nil {
			req.OnTimeout()
		}
		return
	}
	// Superseded or stopped; record why the check never settled.
	p.settle(check, domain.CIError, "poll canceled")
}

func (p *CIPoller) settle(check *domain.CICheck, result domain.CIResult, detail string) {
	check.Result = result
	check.Detail = detail
	check.UpdatedAt = time.Now()
	if err := p.checks.UpdateCICheck(context.Background(), check); err != nil {
		p.logger.Warn("task %s: settle ci check %s: %v", check.TaskID, check.ID, err)
	}
}

func failureDetail(status *hosting.CombinedStatus) string {
	failed := status.FailedChecks()
	if len(failed) == 0 {
		return ""
	}
	names := make([]string, 0, len(failed))
	for _, check := range failed {
		names = append(names, check.Context)
	}
	return "failed: " + strings.Join(names, ", ")
}
