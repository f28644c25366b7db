package gitcli

import (
	"context"
	"strings"
)

// Fragments of git's stderr that mean the remote moved under us and a pull
// will unblock the push.
var nonFastForwardFragments = []string{
	"non-fast-forward",
	"rejected",
	"failed to push some refs",
	"updates were rejected",
	"fetch first",
}

// PushResult reports the outcome of PushWithRetry.
type PushResult struct {
	RequiredPull bool
}

// IsNonFastForward reports whether a push error indicates the remote is
// ahead of the local branch.
func IsNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range nonFastForwardFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// PushWithRetry pushes the branch; on a non-fast-forward rejection it pulls
// once and retries. The result records whether the pull was needed.
func (g *Git) PushWithRetry(ctx context.Context, dir, remote, branch string) (PushResult, error) {
	_, err := g.Push(ctx, dir, remote, branch, false)
	if err == nil {
		return PushResult{}, nil
	}
	if !IsNonFastForward(err) {
		return PushResult{}, err
	}

	g.logger.Warn("push of %s rejected, pulling and retrying: %v", branch, err)
	if _, pullErr := g.Pull(ctx, dir); pullErr != nil {
		return PushResult{RequiredPull: true}, pullErr
	}
	if _, err := g.Push(ctx, dir, remote, branch, false); err != nil {
		return PushResult{RequiredPull: true}, err
	}
	return PushResult{RequiredPull: true}, nil
}
