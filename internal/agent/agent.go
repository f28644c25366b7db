// Package agent invokes external coding agent CLIs inside a workspace and
// turns their streamed output into a structured result. Each CLI is wrapped
// by an Executor adapter that knows its flags and output conventions.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"forge/internal/domain"
)

// Request describes one agent invocation.
type Request struct {
	WorkspacePath   string
	Instruction     string
	ResumeSessionID string
	ReadOnly        bool
	Model           string
	Env             map[string]string
	// OnLine receives every stdout line in order, unbuffered beyond a
	// single line. May be nil.
	OnLine func(line string)
}

// Result is the structured outcome of an invocation.
type Result struct {
	Success   bool
	Summary   string
	SessionID string
	Warnings  []string
	Error     string
}

// Executor adapts one agent CLI.
type Executor interface {
	Kind() domain.ExecutorKind
	Execute(ctx context.Context, req Request) (*Result, error)
}

// sessionErrorPatterns mark agent output that means the resume token was
// rejected; the caller retries once without it.
var sessionErrorPatterns = []string{
	"already in use",
	"no conversation found",
	"session expired",
	"invalid session",
}

// IsSessionError reports whether text describes a rejected resume session.
func IsSessionError(text string) bool {
	lowered := strings.ToLower(text)
	for _, pattern := range sessionErrorPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

var (
	jsonSessionRe  = regexp.MustCompile(`"session_id"\s*:\s*"([^"]+)"`)
	plainSessionRe = regexp.MustCompile(`(?i)session id:?\s+([A-Za-z0-9._-]+)`)
)

// ExtractSessionID pulls a session token out of an output line; empty when
// the line carries none. Understands both stream-json fields and plain
// "Session ID:" banners.
func ExtractSessionID(line string) string {
	if m := jsonSessionRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := plainSessionRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// StreamState accumulates what the shared line loop learns from a stream.
type StreamState struct {
	SessionID    string
	ResultText   string
	SessionError string
}

// ScanStream reads r line by line, forwarding each line to onLine and
// folding session ids, result text and session errors into the returned
// state. Lines up to 2 MiB are tolerated, matching the stream-json output
// of the larger CLIs.
func ScanStream(r io.Reader, onLine func(string)) (*StreamState, error) {
	state := &StreamState{}
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line)
		}
		if state.SessionID == "" {
			if sid := ExtractSessionID(line); sid != "" {
				state.SessionID = sid
			}
		}
		if state.SessionError == "" && IsSessionError(line) {
			state.SessionError = strings.TrimSpace(line)
		}
		if text := extractResultText(line); text != "" {
			state.ResultText = text
		}
	}
	return state, scanner.Err()
}

// streamEnvelope is the subset of a stream-json line the orchestrator cares
// about. Unknown fields are ignored.
type streamEnvelope struct {
	Type   string `json:"type"`
	Result string `json:"result"`
}

func extractResultText(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var envelope streamEnvelope
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return ""
	}
	if envelope.Type == "result" && envelope.Result != "" {
		return envelope.Result
	}
	return ""
}

// TailLines returns the last n non-empty lines of text, for best-effort
// error strings from a failed agent.
func TailLines(text string, n int) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
