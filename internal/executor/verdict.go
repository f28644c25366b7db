package executor

import (
	"encoding/json"
	"strings"

	"forge/internal/domain"
)

// exampleFeedbackPath is the placeholder path in the review prompt's JSON
// example. A parsed verdict whose findings all point there is the echoed
// prompt, not a real verdict.
const exampleFeedbackPath = "path/to/file.go"

// Verdict is the structured review outcome the agent is asked to emit.
type Verdict struct {
	OverallSummary string            `json:"overall_summary"`
	OverallScore   *float64          `json:"overall_score"`
	Feedbacks      []domain.Feedback `json:"feedbacks"`
}

// DefaultVerdict stands in when no JSON could be recovered from the agent
// output.
func DefaultVerdict() *Verdict {
	return &Verdict{OverallSummary: "Review completed, see logs"}
}

// ExtractVerdict recovers the verdict JSON from raw agent output. Candidate
// objects are tried from the end of the output backwards because the prompt
// itself, which precedes the response, contains an example object.
func ExtractVerdict(output string) (*Verdict, bool) {
	opens := bracePositions(output, '{')

	// Balanced objects, last first.
	for i := len(opens) - 1; i >= 0; i-- {
		if end, ok := matchBrace(output, opens[i]); ok {
			if v := tryVerdict(output[opens[i] : end+1]); v != nil {
				return v, true
			}
		}
	}

	// Truncated output: pair closing braces from the end with opening
	// braces from the start and try the slices.
	closes := bracePositions(output, '}')
	const maxProbes = 24
	for ci := len(closes) - 1; ci >= 0 && ci >= len(closes)-maxProbes; ci-- {
		for oi := 0; oi < len(opens) && oi < maxProbes; oi++ {
			if opens[oi] >= closes[ci] {
				break
			}
			if v := tryVerdict(output[opens[oi] : closes[ci]+1]); v != nil {
				return v, true
			}
		}
	}
	return DefaultVerdict(), false
}

func bracePositions(s string, brace byte) []int {
	var out []int
	for i := 0; i < len(s); i++ {
		if s[i] == brace {
			out = append(out, i)
		}
	}
	return out
}

// matchBrace finds the closing brace balancing the one at start, skipping
// braces inside JSON strings.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func tryVerdict(candidate string) *Verdict {
	var v Verdict
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil
	}
	if strings.TrimSpace(v.OverallSummary) == "" && v.Feedbacks == nil {
		return nil
	}
	if isTemplateEcho(&v) {
		return nil
	}
	v.normalize()
	return &v
}

// isTemplateEcho rejects objects whose findings all reference the prompt's
// example path.
func isTemplateEcho(v *Verdict) bool {
	if len(v.Feedbacks) == 0 {
		return false
	}
	for _, fb := range v.Feedbacks {
		if fb.FilePath != exampleFeedbackPath {
			return false
		}
	}
	return true
}

func (v *Verdict) normalize() {
	if v.OverallScore != nil {
		score := *v.OverallScore
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		v.OverallScore = &score
	}
	for i := range v.Feedbacks {
		switch v.Feedbacks[i].Severity {
		case domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow:
		default:
			v.Feedbacks[i].Severity = domain.SeverityMedium
		}
	}
}
