package gitutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareAndOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "origin")
	run("config", "user.email", "origin@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestSanitizeBranchName(t *testing.T) {
	assert.Equal(t, "42-fix-auth-bug", SanitizeBranchName(42, "Fix auth bug"))
	assert.Equal(t, "7-what-s-wrong", SanitizeBranchName(7, "What's Wrong?!"))

	long := SanitizeBranchName(1, "a very very very very very very long issue title indeed")
	assert.LessOrEqual(t, len(long), 40)
}

func TestEnsureCloneThenFetchIsIdempotent(t *testing.T) {
	origin := newBareAndOrigin(t)
	m := &Manager{AuthorName: "kiln", AuthorEmail: "kiln@noreply"}
	dest := filepath.Join(t.TempDir(), "clone")

	require.NoError(t, m.EnsureClone(context.Background(), origin, dest))
	_, err := os.Stat(filepath.Join(dest, "README.md"))
	require.NoError(t, err)

	// Calling again should just fetch, not fail or reclone.
	require.NoError(t, m.EnsureClone(context.Background(), origin, dest))
}

func TestWorktreeLifecycle(t *testing.T) {
	origin := newBareAndOrigin(t)
	m := &Manager{AuthorName: "kiln", AuthorEmail: "kiln@noreply"}
	clone := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, m.EnsureClone(context.Background(), origin, clone))

	wt := filepath.Join(t.TempDir(), "wt-1")
	require.NoError(t, m.WorktreeAddFromRef(context.Background(), clone, wt, "kiln/issue-1", "origin/main"))

	branch, err := m.RunIn(context.Background(), wt, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "kiln/issue-1", branch)

	hasCommits, err := m.HasUnpushedCommits(context.Background(), wt, "main")
	require.NoError(t, err)
	assert.False(t, hasCommits, "a freshly branched worktree has no new commits yet")

	require.NoError(t, os.WriteFile(filepath.Join(wt, "new.txt"), []byte("content"), 0o644))
	_, err = m.RunIn(context.Background(), wt, "add", "-A")
	require.NoError(t, err)
	_, err = m.RunIn(context.Background(), wt, "commit", "-m", "add file")
	require.NoError(t, err)

	hasCommits, err = m.HasUnpushedCommits(context.Background(), wt, "main")
	require.NoError(t, err)
	assert.True(t, hasCommits)

	require.NoError(t, m.WorktreeRemove(context.Background(), clone, wt, true))
	require.NoError(t, m.WorktreePrune(context.Background(), clone))
}

func TestBranchMergedReflectsRemoteState(t *testing.T) {
	origin := newBareAndOrigin(t)
	m := &Manager{AuthorName: "kiln", AuthorEmail: "kiln@noreply"}
	clone := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, m.EnsureClone(context.Background(), origin, clone))

	merged, err := m.BranchMerged(context.Background(), clone, "main", "main")
	require.NoError(t, err)
	assert.True(t, merged, "main is trivially merged into itself")

	merged, err = m.BranchMerged(context.Background(), clone, "never-existed", "main")
	require.NoError(t, err)
	assert.False(t, merged)
}
