package claudecode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forge/internal/agent"
	"forge/internal/config"
)

func TestBuildArgsDefault(t *testing.T) {
	e := New(config.AgentConfig{Model: "opus"}, nil)
	args := e.BuildArgs(agent.Request{Instruction: "fix the bug"})
	assert.Equal(t, []string{
		"-p", "--output-format", "stream-json", "--verbose",
		"--model", "opus",
		"--dangerously-skip-permissions",
		"--", "fix the bug",
	}, args)
}

func TestBuildArgsResumeAndReadOnly(t *testing.T) {
	e := New(config.AgentConfig{}, nil)
	args := e.BuildArgs(agent.Request{
		Instruction:     "review this",
		ResumeSessionID: "sess-1",
		ReadOnly:        true,
		Model:           "sonnet",
	})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-1")
	assert.Contains(t, args, "--allowedTools")
	assert.NotContains(t, args, "--dangerously-skip-permissions")
	assert.Equal(t, "sonnet", args[indexAfter(t, args, "--model")])
	assert.Equal(t, "review this", args[len(args)-1])
}

func TestBuildArgsRequestModelOverridesConfig(t *testing.T) {
	e := New(config.AgentConfig{Model: "opus"}, nil)
	args := e.BuildArgs(agent.Request{Instruction: "x", Model: "haiku"})
	assert.Equal(t, "haiku", args[indexAfter(t, args, "--model")])
}

func indexAfter(t *testing.T, args []string, flag string) int {
	t.Helper()
	for i, a := range args {
		if a == flag {
			return i + 1
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return -1
}
