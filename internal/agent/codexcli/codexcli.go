// Package codexcli adapts the Codex CLI.
package codexcli

import (
	"context"
	"strings"

	"forge/internal/agent"
	"forge/internal/agent/subprocess"
	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/logging"
)

type Executor struct {
	cfg    config.AgentConfig
	logger logging.Logger
}

func New(cfg config.AgentConfig, logger logging.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logging.OrNop(logger)}
}

func (e *Executor) Kind() domain.ExecutorKind { return domain.ExecutorCodexCLI }

// BuildArgs assembles the CLI invocation. Codex resumes through a
// subcommand rather than a flag, so the shape changes with the session.
func (e *Executor) BuildArgs(req agent.Request) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if req.ResumeSessionID != "" {
		args = []string{"exec", "resume", req.ResumeSessionID, "--json", "--skip-git-repo-check"}
	}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.ReadOnly {
		args = append(args, "--sandbox", "read-only")
	} else {
		args = append(args, "--full-auto")
	}
	return append(args, req.Instruction)
}

func (e *Executor) Execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	env := map[string]string{}
	for k, v := range e.cfg.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	state, stderr, err := agent.RunCLI(ctx, subprocess.Config{
		Command:    e.cfg.BinaryPath,
		Args:       e.BuildArgs(req),
		Env:        env,
		WorkingDir: req.WorkspacePath,
		Timeout:    e.cfg.WallClock(),
	}, req.OnLine)

	result := &agent.Result{
		SessionID: state.SessionID,
		Summary:   state.ResultText,
	}
	switch {
	case state.SessionError != "":
		result.Error = state.SessionError
	case err != nil:
		result.Error = strings.TrimSpace(agent.TailLines(stderr, 5))
		if result.Error == "" {
			result.Error = err.Error()
		}
	default:
		result.Success = true
	}
	return result, nil
}
