package domain

import "strings"

// repoFullName extracts "owner/repo" from https or ssh remote URLs.
func repoFullName(remote string) string {
	remote = strings.TrimSpace(remote)
	remote = strings.TrimSuffix(remote, ".git")
	if remote == "" {
		return ""
	}
	if idx := strings.Index(remote, "://"); idx >= 0 {
		remote = remote[idx+3:]
	}
	if at := strings.Index(remote, "@"); at >= 0 {
		remote = remote[at+1:]
	}
	// ssh form host:owner/repo
	remote = strings.Replace(remote, ":", "/", 1)
	parts := strings.Split(remote, "/")
	if len(parts) < 3 {
		return ""
	}
	owner := parts[len(parts)-2]
	name := parts[len(parts)-1]
	if owner == "" || name == "" {
		return ""
	}
	return owner + "/" + name
}
