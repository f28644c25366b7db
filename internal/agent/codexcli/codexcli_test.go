package codexcli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forge/internal/agent"
	"forge/internal/config"
)

func TestBuildArgsDefault(t *testing.T) {
	e := New(config.AgentConfig{}, nil)
	args := e.BuildArgs(agent.Request{Instruction: "add a test"})
	assert.Equal(t, []string{
		"exec", "--json", "--skip-git-repo-check",
		"--full-auto",
		"add a test",
	}, args)
}

func TestBuildArgsResumeUsesSubcommand(t *testing.T) {
	e := New(config.AgentConfig{}, nil)
	args := e.BuildArgs(agent.Request{Instruction: "continue", ResumeSessionID: "sess-2"})
	assert.Equal(t, []string{"exec", "resume", "sess-2"}, args[:3])
	assert.Equal(t, "continue", args[len(args)-1])
}

func TestBuildArgsReadOnlySandbox(t *testing.T) {
	e := New(config.AgentConfig{Model: "o4"}, nil)
	args := e.BuildArgs(agent.Request{Instruction: "review", ReadOnly: true})
	assert.Contains(t, args, "--sandbox")
	assert.Contains(t, args, "read-only")
	assert.NotContains(t, args, "--full-auto")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "o4")
}
