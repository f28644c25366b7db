// Package diff inspects unified diff text produced by the repository driver
// and renders compact change descriptions for summaries and fix
// instructions.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileStat is the per-file line delta of a patch.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
}

// Stats aggregates a whole patch.
type Stats struct {
	Files   []FileStat
	Added   int
	Deleted int
}

// ParseStats reads git unified diff output. Hunk content lines starting
// with a single +/- count toward the current file; header lines (+++, ---)
// do not.
func ParseStats(patch string) Stats {
	var stats Stats
	var current *FileStat

	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			stats.Files = append(stats.Files, FileStat{})
			current = &stats.Files[len(stats.Files)-1]
		case strings.HasPrefix(line, "+++ b/"):
			if current != nil {
				current.Path = strings.TrimPrefix(line, "+++ b/")
			}
		case strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "--- "):
			// /dev/null or non-prefixed header, path stays as-is.
		case strings.HasPrefix(line, "+"):
			stats.Added++
			if current != nil {
				current.Added++
			}
		case strings.HasPrefix(line, "-"):
			stats.Deleted++
			if current != nil {
				current.Deleted++
			}
		}
	}

	// A deleted file has no +++ path; fall back to the --- side.
	for i := range stats.Files {
		if stats.Files[i].Path == "" {
			stats.Files[i].Path = "(unknown)"
		}
	}
	return stats
}

// Paths lists the touched file paths in patch order.
func (s Stats) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Summary renders a one-line human description of the patch.
func (s Stats) Summary() string {
	if len(s.Files) == 0 {
		return "No changes"
	}
	noun := "files"
	if len(s.Files) == 1 {
		noun = "file"
	}
	listed := s.Paths()
	extra := ""
	if len(listed) > 5 {
		extra = fmt.Sprintf(" and %d more", len(listed)-5)
		listed = listed[:5]
	}
	return fmt.Sprintf("%d %s changed (+%d/-%d): %s%s",
		len(s.Files), noun, s.Added, s.Deleted, strings.Join(listed, ", "), extra)
}

// Inline renders a word-level diff between two snippets using
// [-removed-] and {+added+} markers. Used when a review suggestion comes
// with the code it replaces.
func Inline(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(d.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+")
			b.WriteString(d.Text)
			b.WriteString("+}")
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

// Truncate caps text at max characters, appending a marker when it cut
// anything.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	return text[:max] + "\n... (truncated)"
}
