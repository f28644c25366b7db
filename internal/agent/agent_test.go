package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSessionError(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Error: no conversation found with session ID abc", true},
		{"session EXPIRED, start a new one", true},
		{"that session is already in use", true},
		{"Invalid session token", true},
		{"compile error in main.go", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsSessionError(tc.text), tc.text)
	}
}

func TestExtractSessionID(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`{"type":"system","session_id":"abc-123","model":"x"}`, "abc-123"},
		{`{"session_id" : "s_9f"}`, "s_9f"},
		{"Session ID: 0199a8b2-ff00", "0199a8b2-ff00"},
		{"session id abc.def", "abc.def"},
		{"no token here", ""},
		{`{"other":"field"}`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractSessionID(tc.line), tc.line)
	}
}

func TestScanStreamFoldsState(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","message":"working"}`,
		`{"type":"result","result":"all done"}`,
	}, "\n")

	var seen []string
	state, err := ScanStream(strings.NewReader(input), func(line string) {
		seen = append(seen, line)
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, "all done", state.ResultText)
	assert.Empty(t, state.SessionError)
	assert.Len(t, seen, 3)
}

func TestScanStreamKeepsFirstSessionID(t *testing.T) {
	input := `{"session_id":"first"}` + "\n" + `{"session_id":"second"}`
	state, err := ScanStream(strings.NewReader(input), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", state.SessionID)
}

func TestScanStreamDetectsSessionError(t *testing.T) {
	input := "starting up\nError: no conversation found with that ID\n"
	state, err := ScanStream(strings.NewReader(input), nil)
	require.NoError(t, err)
	assert.Equal(t, "Error: no conversation found with that ID", state.SessionError)
}

func TestScanStreamLongLine(t *testing.T) {
	long := `{"type":"result","result":"` + strings.Repeat("x", 1024*1024) + `"}`
	state, err := ScanStream(strings.NewReader(long), nil)
	require.NoError(t, err)
	assert.Len(t, state.ResultText, 1024*1024)
}

func TestTailLines(t *testing.T) {
	text := "one\n\ntwo\nthree\n\nfour\n"
	assert.Equal(t, "three\nfour", TailLines(text, 2))
	assert.Equal(t, "one\ntwo\nthree\nfour", TailLines(text, 10))
	assert.Equal(t, "", TailLines("\n\n", 3))
}
