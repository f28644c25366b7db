// Package patchagent is a deterministic executor used in tests and smoke
// runs. Instead of driving an external CLI it interprets the instruction
// as a JSON payload of file writes and applies them to the workspace.
package patchagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forge/internal/agent"
	"forge/internal/domain"
	"forge/internal/logging"
)

// Payload is the instruction format. Files maps workspace-relative paths
// to full file contents; Delete lists paths to remove.
type Payload struct {
	Summary string            `json:"summary,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Delete  []string          `json:"delete,omitempty"`
}

type Executor struct {
	logger logging.Logger
}

func New(logger logging.Logger) *Executor {
	return &Executor{logger: logging.OrNop(logger)}
}

func (e *Executor) Kind() domain.ExecutorKind { return domain.ExecutorPatchAgent }

func (e *Executor) Execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(req.Instruction), &payload); err != nil {
		return &agent.Result{Error: fmt.Sprintf("instruction is not a patch payload: %v", err)}, nil
	}
	if req.ReadOnly {
		summary := payload.Summary
		if summary == "" {
			summary = "read-only invocation, nothing applied"
		}
		return &agent.Result{Success: true, Summary: summary}, nil
	}

	for path, content := range payload.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full, err := securePath(req.WorkspacePath, path)
		if err != nil {
			return &agent.Result{Error: err.Error()}, nil
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
		if req.OnLine != nil {
			req.OnLine("wrote " + path)
		}
	}
	for _, path := range payload.Delete {
		full, err := securePath(req.WorkspacePath, path)
		if err != nil {
			return &agent.Result{Error: err.Error()}, nil
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if req.OnLine != nil {
			req.OnLine("deleted " + path)
		}
	}

	summary := payload.Summary
	if summary == "" {
		summary = fmt.Sprintf("applied %d file(s)", len(payload.Files))
	}
	return &agent.Result{Success: true, Summary: summary}, nil
}

// securePath joins path under root and rejects escapes.
func securePath(root, path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.Join(root, cleaned), nil
}
