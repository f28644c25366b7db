package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWantsBaseMerge(t *testing.T) {
	cases := []struct {
		instruction string
		want        bool
	}{
		{"resolve the merge conflict with main", true},
		{"please sync with the base branch", true},
		{"fix the rebase gone wrong", true},
		{"implement the main landing page", false},
		{"update the readme", false},
		{"resolve the linter findings", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WantsBaseMerge(tc.instruction), tc.instruction)
	}
}

func TestBuildRunInstructionOrdering(t *testing.T) {
	out := BuildRunInstruction("CONFLICT TEXT", "USER TASK")
	commitIdx := strings.Index(out, "Do NOT run git commit")
	conflictIdx := strings.Index(out, "CONFLICT TEXT")
	taskIdx := strings.Index(out, "USER TASK")
	assert.True(t, commitIdx >= 0 && conflictIdx > commitIdx && taskIdx > conflictIdx,
		"expected preamble < conflict < task, got %d %d %d", commitIdx, conflictIdx, taskIdx)
}

func TestCommitMessage(t *testing.T) {
	long := strings.Repeat("a", 100)
	msg := CommitMessage(long, "")
	assert.Len(t, msg, 72)

	msg = CommitMessage("Add login\nwith more detail", "Added the login form")
	assert.Equal(t, "Add login\n\nAdded the login form", msg)

	assert.Equal(t, "Apply automated changes", CommitMessage("   ", ""))
}

func TestLooksEnglish(t *testing.T) {
	assert.True(t, LooksEnglish("Fix the race condition in the pool"))
	assert.True(t, LooksEnglish(""))
	assert.True(t, LooksEnglish("v1.2.3: 100% faster!"))
	assert.False(t, LooksEnglish("修复连接池中的竞争条件"))
}

func TestSyncConflictInstructionListsFiles(t *testing.T) {
	out := SyncConflictInstruction([]string{"a.go", "b.go"})
	assert.Contains(t, out, "- a.go")
	assert.Contains(t, out, "- b.go")
	assert.Contains(t, out, "<<<<<<<")
}

func TestBaseMergeConflictInstructionNamesBranch(t *testing.T) {
	out := BaseMergeConflictInstruction([]string{"a.go"}, "main")
	assert.Contains(t, out, `"main"`)
	assert.Contains(t, out, "- a.go")
}
