package executor

import (
	"fmt"
	"strings"
	"unicode"
)

// SummaryFileName is the well-known path agents may write a run summary to.
// The executor reads and deletes it before staging so it never gets
// committed.
const SummaryFileName = ".forge-summary.md"

const codingPreamble = `You are working inside a prepared git workspace on a dedicated branch.
Rules:
- Edit files to accomplish the task below.
- Do NOT run git commit, git push, branch, or any other git state-changing command; committing and pushing are handled for you.
- Do not modify git configuration or remotes.
- You may optionally write a short summary of your changes to ` + SummaryFileName + ` in the workspace root.`

const reviewPreamble = `You are reviewing a change in read-only mode.
Rules:
- Do NOT modify, create, or delete any file.
- Do NOT run any state-changing command.
- Base the review only on the provided patch and the repository contents.`

// BuildRunInstruction assembles the final agent prompt: constraints first,
// then any conflict-resolution preamble, then the user task.
func BuildRunInstruction(conflictText, task string) string {
	var b strings.Builder
	b.WriteString(codingPreamble)
	b.WriteString("\n\n")
	if conflictText != "" {
		b.WriteString(conflictText)
		b.WriteString("\n")
	}
	b.WriteString("Task:\n")
	b.WriteString(task)
	return b.String()
}

// SyncConflictInstruction directs the agent at conflict markers left by a
// failed remote sync.
func SyncConflictInstruction(files []string) string {
	var b strings.Builder
	b.WriteString("Pulling the remote branch left merge conflicts in these files:\n")
	for _, f := range files {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("Before anything else, resolve every conflict marker (<<<<<<<, =======, >>>>>>>) in those files and leave the code syntactically valid.")
	return b.String()
}

// BaseMergeConflictInstruction directs the agent at conflicts from merging
// the base branch.
func BaseMergeConflictInstruction(files []string, baseBranch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merging base branch %q into the working branch left conflicts in these files:\n", baseBranch)
	for _, f := range files {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("Resolve every conflict marker so the merge can be completed, preserving the intent of both sides where possible.")
	return b.String()
}

var (
	mergeSubjects = []string{"conflict", "merge", "rebase", "base branch", "main", "master"}
	mergeActions  = []string{"resolve", "fix", "sync"}
)

// WantsBaseMerge reports whether the instruction reads like a request to
// bring the base branch into the working branch. It requires one subject
// keyword and one action keyword so ordinary feature requests mentioning
// "main" alone do not trigger a merge.
func WantsBaseMerge(instruction string) bool {
	lowered := strings.ToLower(instruction)
	subject := false
	for _, s := range mergeSubjects {
		if strings.Contains(lowered, s) {
			subject = true
			break
		}
	}
	if !subject {
		return false
	}
	for _, a := range mergeActions {
		if strings.Contains(lowered, a) {
			return true
		}
	}
	return false
}

const commitSubjectLimit = 72

// CommitMessage builds "subject\n\nbody" from the instruction's first line
// and the run summary.
func CommitMessage(instruction, summary string) string {
	subject := strings.TrimSpace(instruction)
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = strings.TrimSpace(subject[:idx])
	}
	runes := []rune(subject)
	if len(runes) > commitSubjectLimit {
		subject = string(runes[:commitSubjectLimit])
	}
	if subject == "" {
		subject = "Apply automated changes"
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return subject
	}
	return subject + "\n\n" + summary
}

// LooksEnglish is a cheap script check: mostly-ASCII text skips the
// translation round-trip.
func LooksEnglish(text string) bool {
	if text == "" {
		return true
	}
	total, nonASCII := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsDigit(r) || unicode.IsPunct(r) {
			continue
		}
		total++
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}
	if total == 0 {
		return true
	}
	return float64(nonASCII)/float64(total) < 0.2
}
