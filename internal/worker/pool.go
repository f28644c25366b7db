// Package worker runs the job dispatch loop: lease from the queue, call
// the handler registered for the job kind, renew the lease while the
// handler runs, then complete or fail the job.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"forge/internal/domain"
	forgeerrors "forge/internal/errors"
	"forge/internal/id"
	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/queue"
)

// Handler executes one job. Returning a PermanentError fails the job
// terminally; any other error is retried until the job's attempts run out.
type Handler func(ctx context.Context, job *domain.Job) error

// Options tunes the pool. Zero values fall back to defaults.
type Options struct {
	Workers      int
	Visibility   time.Duration
	PollInterval time.Duration
	RetryDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	return o
}

// Pool owns a set of worker goroutines sharing one queue. Each worker
// executes jobs sequentially; parallelism is the worker count.
type Pool struct {
	queue    queue.Queue
	opts     Options
	handlers map[domain.JobKind]Handler
	logger   logging.Logger
	metrics  *observability.Metrics
}

func New(q queue.Queue, opts Options, logger logging.Logger, metrics *observability.Metrics) *Pool {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Pool{
		queue:    q,
		opts:     opts.withDefaults(),
		handlers: make(map[domain.JobKind]Handler),
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

// Register installs the handler for a job kind. Must be called before Run.
func (p *Pool) Register(kind domain.JobKind, handler Handler) {
	p.handlers[kind] = handler
}

// Run blocks until ctx is canceled, then returns after in-flight handlers
// finish.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		workerID := id.NewWorkerID()
		group.Go(func() error {
			p.workerLoop(ctx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.depthLoop(ctx)
		return nil
	})
	return group.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	p.logger.Info("worker %s started", workerID)
	for {
		if ctx.Err() != nil {
			p.logger.Info("worker %s stopping", workerID)
			return
		}
		job, err := p.queue.Dequeue(ctx, workerID, p.opts.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("worker %s dequeue: %v", workerID, err)
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.execute(ctx, workerID, job)
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, job *domain.Job) {
	p.logger.Info("worker %s executing job %s kind=%s ref=%s attempt=%d/%d",
		workerID, job.ID, job.Kind, job.RefID, job.Attempts, job.MaxAttempts)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.logger.Error("no handler for job kind %s, failing job %s", job.Kind, job.ID)
		p.failPermanent(ctx, job, fmt.Sprintf("no handler registered for kind %s", job.Kind))
		return
	}

	stopRenewal := p.startLeaseRenewal(ctx, job.ID)
	start := time.Now()
	err := p.runHandler(ctx, handler, job)
	stopRenewal()
	p.metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	// Use a fresh context for the terminal transition so a shutdown that
	// canceled the handler can still record the outcome.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if cerr := p.queue.Complete(finishCtx, job.ID); cerr != nil {
			p.logger.Error("complete job %s: %v", job.ID, cerr)
		}
		p.metrics.JobsProcessed.WithLabelValues(string(job.Kind), "succeeded").Inc()
		p.logger.Info("worker %s finished job %s in %s", workerID, job.ID, time.Since(start).Round(time.Millisecond))
	case forgeerrors.IsPermanent(err):
		p.failPermanent(finishCtx, job, err.Error())
	default:
		p.logger.Warn("job %s attempt %d failed: %v", job.ID, job.Attempts, err)
		if ferr := p.queue.Fail(finishCtx, job.ID, err.Error(), p.opts.RetryDelay); ferr != nil {
			p.logger.Error("fail job %s: %v", job.ID, ferr)
		}
		p.metrics.JobsFailed.WithLabelValues(string(job.Kind), "false").Inc()
	}
}

func (p *Pool) failPermanent(ctx context.Context, job *domain.Job, errText string) {
	if err := p.queue.FailPermanent(ctx, job.ID, errText); err != nil {
		p.logger.Error("fail job %s permanently: %v", job.ID, err)
	}
	p.metrics.JobsFailed.WithLabelValues(string(job.Kind), "true").Inc()
	p.metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
}

func (p *Pool) runHandler(ctx context.Context, handler Handler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic on job %s: %v\n%s", job.ID, r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// startLeaseRenewal extends the job's visibility every T_vis/3 until the
// returned stop func is called.
func (p *Pool) startLeaseRenewal(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	interval := p.opts.Visibility / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendVisibility(ctx, jobID, interval); err != nil {
					p.logger.Warn("extend visibility for job %s: %v", jobID, err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func (p *Pool) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			p.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
