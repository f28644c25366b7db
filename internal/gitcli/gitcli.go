// Package gitcli wraps the git command-line tool. Every operation shells
// out; nothing here links a git library, so behavior matches what an
// operator sees when running the same commands by hand.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"forge/internal/logging"
)

// Runner executes one git invocation in a directory. Swapped for a fake in
// tests.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the real binary.
type ExecRunner struct {
	Binary string
	Logger logging.Logger
}

func (r *ExecRunner) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "git"
}

func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
	}
	return stdout.String(), nil
}

// Git exposes the repository operations the orchestrator needs.
type Git struct {
	runner Runner
	logger logging.Logger
}

func New(runner Runner, logger logging.Logger) *Git {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &Git{runner: runner, logger: logging.OrNop(logger)}
}

// CloneOptions controls the initial clone.
type CloneOptions struct {
	URL     string
	Dir     string
	Branch  string
	Shallow bool
}

func (g *Git) Clone(ctx context.Context, opts CloneOptions) error {
	args := []string{"clone"}
	if opts.Shallow {
		args = append(args, "--depth", "1", "--single-branch")
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, opts.URL, opts.Dir)
	_, err := g.runner.Run(ctx, "", args...)
	return err
}

func (g *Git) Fetch(ctx context.Context, dir, remote, ref string) error {
	args := []string{"fetch", remote}
	if ref != "" {
		args = append(args, ref)
	}
	_, err := g.runner.Run(ctx, dir, args...)
	return err
}

func (g *Git) Pull(ctx context.Context, dir string) (string, error) {
	return g.runner.Run(ctx, dir, "pull")
}

func (g *Git) Merge(ctx context.Context, dir, ref string) (string, error) {
	return g.runner.Run(ctx, dir, "merge", ref, "--no-edit")
}

func (g *Git) AbortMerge(ctx context.Context, dir string) error {
	_, err := g.runner.Run(ctx, dir, "merge", "--abort")
	return err
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := g.runner.Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func (g *Git) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "rev-parse", ref)
	return strings.TrimSpace(out), err
}

// HasRemoteBranch checks show-ref for origin/<branch>.
func (g *Git) HasRemoteBranch(ctx context.Context, dir, branch string) bool {
	_, err := g.runner.Run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

// CheckoutNewBranch force-creates branch and switches to it.
func (g *Git) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	_, err := g.runner.Run(ctx, dir, "checkout", "-B", branch)
	return err
}

func (g *Git) Status(ctx context.Context, dir string) (string, error) {
	return g.runner.Run(ctx, dir, "status", "--porcelain")
}

func (g *Git) StageAll(ctx context.Context, dir string) error {
	_, err := g.runner.Run(ctx, dir, "add", "-A")
	return err
}

// Diff returns the working-tree diff, or the staged diff when staged.
func (g *Git) Diff(ctx context.Context, dir string, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	return g.runner.Run(ctx, dir, args...)
}

func (g *Git) DiffRefs(ctx context.Context, dir, from, to string) (string, error) {
	return g.runner.Run(ctx, dir, "diff", from, to)
}

// ChangedFiles lists staged file paths.
func (g *Git) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.runner.Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// UnmergedFiles lists paths still carrying conflict markers.
func (g *Git) UnmergedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.runner.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.runner.Run(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.RevParse(ctx, dir, "HEAD")
}

func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

func (g *Git) SetRemoteURL(ctx context.Context, dir, url string) error {
	_, err := g.runner.Run(ctx, dir, "remote", "set-url", "origin", url)
	return err
}

func (g *Git) RemoteURL(ctx context.Context, dir string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "remote", "get-url", "origin")
	return strings.TrimSpace(out), err
}

func (g *Git) Push(ctx context.Context, dir, remote, branch string, force bool) (string, error) {
	args := []string{"push", remote, branch}
	if force {
		args = append(args, "--force")
	}
	return g.runner.Run(ctx, dir, args...)
}

func (g *Git) DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error {
	_, err := g.runner.Run(ctx, dir, "push", remote, "--delete", branch)
	return err
}

// DiscardChanges reverts tracked edits and removes untracked files and
// directories.
func (g *Git) DiscardChanges(ctx context.Context, dir string) error {
	if _, err := g.runner.Run(ctx, dir, "checkout", "--", "."); err != nil {
		return err
	}
	_, err := g.runner.Run(ctx, dir, "clean", "-fd")
	return err
}

// IsShallow reports whether the clone has truncated history.
func (g *Git) IsShallow(ctx context.Context, dir string) (bool, error) {
	out, err := g.runner.Run(ctx, dir, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (g *Git) Unshallow(ctx context.Context, dir string) error {
	shallow, err := g.IsShallow(ctx, dir)
	if err != nil || !shallow {
		return err
	}
	_, err = g.runner.Run(ctx, dir, "fetch", "--unshallow")
	return err
}

// CountCommits returns the number of commits in range, e.g. "HEAD..origin/main".
func (g *Git) CountCommits(ctx context.Context, dir, rang string) (int, error) {
	out, err := g.runner.Run(ctx, dir, "rev-list", "--count", rang)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
