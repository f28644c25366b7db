package agent

import (
	"context"
	"fmt"
	"io"
	"time"

	"forge/internal/agent/subprocess"
	"forge/internal/domain"
	"forge/internal/logging"
	"forge/internal/observability"
)

// Runner holds the registered executor adapters and dispatches invocations
// by kind.
type Runner struct {
	executors map[domain.ExecutorKind]Executor
	logger    logging.Logger
	metrics   *observability.Metrics
}

func NewRunner(logger logging.Logger, metrics *observability.Metrics) *Runner {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Runner{
		executors: make(map[domain.ExecutorKind]Executor),
		logger:    logging.OrNop(logger),
		metrics:   metrics,
	}
}

// Register installs an executor adapter.
func (r *Runner) Register(executor Executor) {
	r.executors[executor.Kind()] = executor
}

// Invoke runs the agent of the given kind. The adapter enforces its own
// wall-clock timeout; ctx cancelation stops the subprocess early.
func (r *Runner) Invoke(ctx context.Context, kind domain.ExecutorKind, req Request) (*Result, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %s", kind)
	}
	start := time.Now()
	r.logger.Info("invoking %s in %s (resume=%t read_only=%t)",
		kind, req.WorkspacePath, req.ResumeSessionID != "", req.ReadOnly)

	result, err := executor.Execute(ctx, req)

	outcome := "succeeded"
	if err != nil || result == nil || !result.Success {
		outcome = "failed"
	}
	r.metrics.AgentInvokes.WithLabelValues(string(kind), outcome).Inc()
	r.logger.Info("%s finished in %s outcome=%s", kind, time.Since(start).Round(time.Second), outcome)
	return result, err
}

// RunCLI is the shared subprocess loop the adapters build on: start the
// child, stream stdout through ScanStream, collect a stderr tail, wait for
// exit. The returned error is the exit error, if any.
func RunCLI(ctx context.Context, cfg subprocess.Config, onLine func(string)) (*StreamState, string, error) {
	proc := subprocess.New(cfg)
	if err := proc.Start(ctx); err != nil {
		return &StreamState{}, "", err
	}
	defer func() { _ = proc.Stop() }()

	stderrCh := make(chan string, 1)
	go func() {
		raw, _ := io.ReadAll(proc.Stderr())
		stderrCh <- string(raw)
	}()

	state, scanErr := ScanStream(proc.Stdout(), onLine)
	stderr := <-stderrCh
	waitErr := proc.Wait()

	if state.SessionError == "" && IsSessionError(stderr) {
		state.SessionError = TailLines(stderr, 3)
	}
	if waitErr == nil {
		waitErr = scanErr
	}
	return state, stderr, waitErr
}
