// Package claudecode adapts the Claude Code CLI.
package claudecode

import (
	"context"
	"strings"

	"forge/internal/agent"
	"forge/internal/agent/subprocess"
	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/logging"
)

// readOnlyTools is the tool allowlist passed in review mode; it keeps the
// agent from editing anything or running commands.
const readOnlyTools = "Read,Grep,Glob,WebFetch"

type Executor struct {
	cfg    config.AgentConfig
	logger logging.Logger
}

func New(cfg config.AgentConfig, logger logging.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logging.OrNop(logger)}
}

func (e *Executor) Kind() domain.ExecutorKind { return domain.ExecutorClaudeCode }

// BuildArgs assembles the CLI invocation for a request. Split out for
// testing; the instruction travels as the final positional argument.
func (e *Executor) BuildArgs(req agent.Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.ReadOnly {
		args = append(args, "--allowedTools", readOnlyTools)
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, "--", req.Instruction)
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
