package cycle

import (
	"fmt"
	"strings"

	"forge/internal/diff"
	"forge/internal/domain"
	"forge/internal/hosting"
)

// ciLogLimit bounds how much of each failing check's output is quoted in
// a fix instruction.
const ciLogLimit = 2000

// IterationContext prefixes an instruction with where the cycle stands,
// so the agent knows it is in a fix loop rather than on a fresh task.
func IterationContext(state *domain.CycleState, maxTotal int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Autonomous iteration %d of %d.", state.Iteration, maxTotal)
	if state.CIIterations > 0 {
		fmt.Fprintf(&b, " CI fix rounds so far: %d.", state.CIIterations)
	}
	if state.ReviewIterations > 0 {
		fmt.Fprintf(&b, " Review fix rounds so far: %d.", state.ReviewIterations)
	}
	if state.LastReviewScore != nil {
		fmt.Fprintf(&b, " Last review score: %.2f.", *state.LastReviewScore)
	}
	return b.String()
}

// FixCIInstruction names every failing check with its reported output so
// the agent can target the actual breakage.
func FixCIInstruction(status *hosting.CombinedStatus) string {
	var b strings.Builder
	b.WriteString("CI failed for the latest commit. Failing checks:\n")
	for _, check := range status.FailedChecks() {
		fmt.Fprintf(&b, "\n### %s (%s)\n", check.Context, check.State)
		if detail := strings.TrimSpace(check.Description); detail != "" {
			b.WriteString(diff.Truncate(detail, ciLogLimit))
			b.WriteString("\n")
		}
		if check.TargetURL != "" {
			fmt.Fprintf(&b, "Details: %s\n", check.TargetURL)
		}
	}
	b.WriteString("\nReproduce each failure locally, fix the root cause rather than disabling the check, and keep unrelated changes out.")
	return b.String()
}

// FixReviewInstruction turns the blocking findings of a review into a fix
// instruction. Findings carrying both a snippet and a suggestion get an
// inline word diff of the proposed change.
func FixReviewInstruction(review *domain.Review) string {
	var b strings.Builder
	b.WriteString("A code review found issues that must be fixed before merge.\n")
	if review.Summary != "" {
		b.WriteString("\nReviewer summary: " + review.Summary + "\n")
	}
	b.WriteString("\nFindings:\n")
	for _, fb := range review.BlockingFeedbacks() {
		fmt.Fprintf(&b, "\n- [%s/%s] %s", fb.Severity, fb.Category, fb.Title)
		if fb.FilePath != "" {
			b.WriteString(" (" + fb.FilePath)
			if fb.LineStart > 0 {
				fmt.Fprintf(&b, ":%d", fb.LineStart)
				if fb.LineEnd > fb.LineStart {
					fmt.Fprintf(&b, "-%d", fb.LineEnd)
				}
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
		if fb.Description != "" {
			b.WriteString("  " + fb.Description + "\n")
		}
		switch {
		case fb.CodeSnippet != "" && fb.Suggestion != "":
			b.WriteString("  Proposed change: " + diff.Inline(fb.CodeSnippet, fb.Suggestion) + "\n")
		case fb.Suggestion != "":
			b.WriteString("  Suggestion: " + fb.Suggestion + "\n")
		}
	}
	b.WriteString("\nAddress every finding above.")
	return b.String()
}

// HumanFeedbackInstruction wraps reviewer feedback from the approval gate.
func HumanFeedbackInstruction(feedback string) string {
	return "A human reviewer rejected the current changes. Address this feedback:\n\n" + feedback
}
