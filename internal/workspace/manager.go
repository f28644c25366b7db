// Package workspace manages the isolated repository clones agents work in.
// One workspace per (task, executor kind); each run gets its own branch
// inside it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"forge/internal/domain"
	"forge/internal/gitcli"
	"forge/internal/id"
	"forge/internal/logging"
)

// DefaultBranchPrefix names run branches when the operator configures none.
const DefaultBranchPrefix = "forge"

// legacyWorktreeMarker identifies workspaces created by the retired
// single-repo worktree layout. Those are never reused.
const legacyWorktreeMarker = "/.forge/worktrees/"

// Workspace is a checked-out clone on a run-specific branch.
type Workspace struct {
	Path   string
	Branch string
}

// SyncResult reports a sync-with-remote attempt.
type SyncResult struct {
	Success       bool
	CommitsPulled int
	ConflictFiles []string
	Err           error
}

// MergeResult reports a base-branch merge attempt.
type MergeResult struct {
	Success       bool
	ConflictFiles []string
	Err           error
}

// Manager creates, reuses, syncs and destroys workspaces.
type Manager struct {
	git     *gitcli.Git
	root    string
	shallow bool
	logger  logging.Logger
}

func NewManager(git *gitcli.Git, root string, shallow bool, logger logging.Logger) *Manager {
	return &Manager{git: git, root: root, shallow: shallow, logger: logging.OrNop(logger)}
}

// Git exposes the underlying driver for operations the executor performs
// directly (stage, diff, commit, push).
func (m *Manager) Git() *gitcli.Git { return m.git }

// PathFor is the canonical workspace location for a (task, executor) pair.
func (m *Manager) PathFor(taskID string, executor domain.ExecutorKind) string {
	return filepath.Join(m.root, taskID, string(executor))
}

// BranchName builds "<prefix>/<short run id>" with the prefix normalized:
// trimmed, internal whitespace collapsed to "-", surrounding slashes
// stripped, empty replaced with the default.
func BranchName(prefix, runID string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = regexp.MustCompile(`\s+`).ReplaceAllString(prefix, "-")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + "/" + id.Short(runID)
}

// Create clones the repository at path and switches to a fresh run branch.
// Any existing directory at path is removed first. When authURL is given it
// is used for the clone, then the remote is reset to the plain URL so
// credentials do not persist on disk.
func (m *Manager) Create(ctx context.Context, repo *domain.Repository, baseBranch, runID, branchPrefix, authURL, path string) (*Workspace, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove stale workspace %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace parent: %w", err)
	}

	cloneURL := repo.RemoteURL
	if authURL != "" {
		cloneURL = authURL
	}
	if err := m.git.Clone(ctx, gitcli.CloneOptions{
		URL:     cloneURL,
		Dir:     path,
		Branch:  baseBranch,
		Shallow: m.shallow,
	}); err != nil {
		return nil, fmt.Errorf("clone %s: %w", repo.RemoteURL, err)
	}
	if authURL != "" {
		if err := m.git.SetRemoteURL(ctx, path, repo.RemoteURL); err != nil {
			return nil, fmt.Errorf("reset remote url: %w", err)
		}
	}

	branch := BranchName(branchPrefix, runID)
	if err := m.git.CheckoutNewBranch(ctx, path, branch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	m.logger.Info("created workspace %s on branch %s", path, branch)
	return &Workspace{Path: path, Branch: branch}, nil
}

// IsValid reports whether path holds a readable repository.
func (m *Manager) IsValid(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = m.git.Status(ctx, path)
	return err == nil
}

// CanReuse decides whether a prior workspace serves the next run: the path
// must validate, must not be a legacy worktree, and when the run targets
// the default branch the workspace must already contain the remote default
// head (otherwise a fresh clone is cheaper than reconciling).
func (m *Manager) CanReuse(ctx context.Context, path, baseRef, defaultBranch string) bool {
	if strings.Contains(filepath.ToSlash(path), legacyWorktreeMarker) {
		m.logger.Warn("refusing to reuse legacy worktree workspace %s", path)
		return false
	}
	if !m.IsValid(ctx, path) {
		return false
	}
	if baseRef != defaultBranch {
		return true
	}
	ancestor, err := m.git.IsAncestor(ctx, path, "origin/"+defaultBranch, "HEAD")
	if err != nil {
		return false
	}
	return ancestor
}

// IsBehindRemote fetches origin/branch and reports whether local HEAD is
// strictly behind it.
func (m *Manager) IsBehindRemote(ctx context.Context, path, branch, authURL string) (bool, error) {
	var behind bool
	err := m.withAuth(ctx, path, authURL, func() error {
		if err := m.git.Fetch(ctx, path, "origin", branch); err != nil {
			return err
		}
		local, err := m.git.RevParse(ctx, path, "HEAD")
		if err != nil {
			return err
		}
		remote, err := m.git.RevParse(ctx, path, "origin/"+branch)
		if err != nil {
			return err
		}
		if local == remote {
			return nil
		}
		ancestor, err := m.git.IsAncestor(ctx, path, local, remote)
		if err != nil {
			return err
		}
		behind = ancestor
		return nil
	})
	return behind, err
}

// SyncWithRemote pulls origin/branch into the workspace. Conflicts are
// reported, not resolved; the workspace stays in the conflicted state so
// the next agent invocation can fix it.
func (m *Manager) SyncWithRemote(ctx context.Context, path, branch, authURL string) SyncResult {
	var result SyncResult
	err := m.withAuth(ctx, path, authURL, func() error {
		if err := m.git.Fetch(ctx, path, "origin", branch); err != nil {
			return err
		}
		local, err := m.git.RevParse(ctx, path, "HEAD")
		if err != nil {
			return err
		}
		remote, err := m.git.RevParse(ctx, path, "origin/"+branch)
		if err != nil {
			return err
		}
		if local == remote {
			result.Success = true
			return nil
		}
		behind, err := m.git.CountCommits(ctx, path, "HEAD..origin/"+branch)
		if err != nil {
			behind = 0
		}
		if _, err := m.git.Pull(ctx, path); err != nil {
			conflicts, cerr := m.git.UnmergedFiles(ctx, path)
			if cerr == nil && len(conflicts) > 0 {
				result.ConflictFiles = conflicts
				result.Err = err
				return nil
			}
			return err
		}
		result.Success = true
		result.CommitsPulled = behind
		return nil
	})
	if err != nil {
		result.Success = false
		result.Err = err
	}
	return result
}

// Unshallow completes the clone history; idempotent.
func (m *Manager) Unshallow(ctx context.Context, path, authURL string) error {
	return m.withAuth(ctx, path, authURL, func() error {
		return m.git.Unshallow(ctx, path)
	})
}

// MergeBaseBranch merges origin/baseBranch into the workspace branch. On
// conflict the workspace is left conflicted for the agent to resolve.
func (m *Manager) MergeBaseBranch(ctx context.Context, path, baseBranch, authURL string) MergeResult {
	var result MergeResult
	err := m.withAuth(ctx, path, authURL, func() error {
		if err := m.git.Unshallow(ctx, path); err != nil {
			return err
		}
		if err := m.git.Fetch(ctx, path, "origin", baseBranch); err != nil {
			return err
		}
		if _, err := m.git.Merge(ctx, path, "origin/"+baseBranch); err != nil {
			conflicts, cerr := m.git.UnmergedFiles(ctx, path)
			if cerr == nil && len(conflicts) > 0 {
				result.ConflictFiles = conflicts
				result.Err = err
				return nil
			}
			return err
		}
		result.Success = true
		return nil
	})
	if err != nil {
		result.Success = false
		result.Err = err
	}
	return result
}

// ConflictFiles lists paths currently in the unmerged state.
func (m *Manager) ConflictFiles(ctx context.Context, path string) ([]string, error) {
	return m.git.UnmergedFiles(ctx, path)
}

// CompleteMerge stages everything and commits the in-progress merge.
func (m *Manager) CompleteMerge(ctx context.Context, path, message string) (string, error) {
	if err := m.git.StageAll(ctx, path); err != nil {
		return "", err
	}
	if message == "" {
		message = "Merge remote changes"
	}
	return m.git.Commit(ctx, path, message)
}

// AbortMerge reverts a merge in progress.
func (m *Manager) AbortMerge(ctx context.Context, path string) error {
	return m.git.AbortMerge(ctx, path)
}

// Push pushes the branch, retrying once through a pull on non-fast-forward.
func (m *Manager) Push(ctx context.Context, path, branch, authURL string) (gitcli.PushResult, error) {
	var result gitcli.PushResult
	err := m.withAuth(ctx, path, authURL, func() error {
		var pushErr error
		result, pushErr = m.git.PushWithRetry(ctx, path, "origin", branch)
		return pushErr
	})
	return result, err
}

// Sanitize discards uncommitted edits and untracked files, used after a
// read-only review ran inside a reusable workspace.
func (m *Manager) Sanitize(ctx context.Context, path string) error {
	return m.git.DiscardChanges(ctx, path)
}

// Cleanup removes the workspace directory; optionally also the remote
// branch it pushed to.
func (m *Manager) Cleanup(ctx context.Context, path string, deleteRemoteBranch bool, branch, authURL string) error {
	if deleteRemoteBranch && branch != "" {
		err := m.withAuth(ctx, path, authURL, func() error {
			return m.git.DeleteRemoteBranch(ctx, path, "origin", branch)
		})
		if err != nil {
			m.logger.Warn("delete remote branch %s: %v", branch, err)
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", path, err)
	}
	return nil
}

// withAuth temporarily points origin at the authenticated URL, runs fn,
// then restores the original remote even when fn fails.
func (m *Manager) withAuth(ctx context.Context, path, authURL string, fn func() error) error {
	if authURL == "" {
		return fn()
	}
	original, err := m.git.RemoteURL(ctx, path)
	if err != nil {
		return fmt.Errorf("read remote url: %w", err)
	}
	if err := m.git.SetRemoteURL(ctx, path, authURL); err != nil {
		return fmt.Errorf("set auth remote url: %w", err)
	}
	fnErr := fn()
	if err := m.git.SetRemoteURL(ctx, path, original); err != nil {
		m.logger.Error("restore remote url for %s: %v", path, err)
		if fnErr == nil {
			fnErr = err
		}
	}
	return fnErr
}
