package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kilnhq/kiln/internal/gitutil"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/stretchr/testify/require"
)

// newLocalOriginRepo creates a local git repository with a single commit
// on main, usable as a clone source via a file path in place of a real
// GitHub URL.
func newLocalOriginRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	git, err := gitutil.NewManager()
	require.NoError(t, err)
	return New(root, git), root
}

func TestEnsureForIssueCreatesWorktree(t *testing.T) {
	origin := newLocalOriginRepo(t)
	m, _ := newTestManager(t)
	ctx := context.Background()

	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 42}
	ws, err := m.EnsureForIssue(ctx, ref, origin, "main", "Fix the thing")
	require.NoError(t, err)

	require.DirExists(t, ws.Path)
	require.FileExists(t, filepath.Join(ws.Path, "README.md"))
	require.Contains(t, ws.Branch, "42-fix-the-thing")
}

func TestEnsureForIssueIsIdempotent(t *testing.T) {
	origin := newLocalOriginRepo(t)
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 7}

	first, err := m.EnsureForIssue(ctx, ref, origin, "main", "Some title")
	require.NoError(t, err)

	second, err := m.EnsureForIssue(ctx, ref, origin, "main", "Some title")
	require.NoError(t, err)

	require.Equal(t, first.Path, second.Path)
	require.Equal(t, first.Branch, second.Branch)
}

func TestCleanupForIssueRemovesWorktree(t *testing.T) {
	origin := newLocalOriginRepo(t)
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 9}

	ws, err := m.EnsureForIssue(ctx, ref, origin, "main", "Cleanup me")
	require.NoError(t, err)
	require.DirExists(t, ws.Path)

	err = m.CleanupForIssue(ctx, ref, "main")
	require.NoError(t, err)
	require.NoDirExists(t, ws.Path)
}

func TestCleanupForIssueIsSafeWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 1000}

	err := m.CleanupForIssue(context.Background(), ref, "main")
	require.NoError(t, err)
}

func TestDiscardForIssueRemovesWorktreeEvenWithoutAMergedBranch(t *testing.T) {
	origin := newLocalOriginRepo(t)
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 11}

	ws, err := m.EnsureForIssue(ctx, ref, origin, "main", "Reset me")
	require.NoError(t, err)
	require.DirExists(t, ws.Path)

	err = m.DiscardForIssue(ctx, ref)
	require.NoError(t, err, "an unpushed, unmerged branch must not block discard")
	require.NoDirExists(t, ws.Path)
}

func TestEnsureForIssueReattachesSurvivingBranchAfterDirLoss(t *testing.T) {
	origin := newLocalOriginRepo(t)
	m, _ := newTestManager(t)
	ctx := context.Background()
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 21}

	ws, err := m.EnsureForIssue(ctx, ref, origin, "main", "Survive a dir loss")
	require.NoError(t, err)

	cmd := exec.Command("git", "-C", ws.Path, "commit", "--allow-empty", "-m", "work in progress")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git commit: %s", out)

	repoDir := m.repoDir(ref)
	require.NoError(t, m.git.WorktreeRemove(ctx, repoDir, ws.Path, true))
	require.NoDirExists(t, ws.Path)

	reattached, err := m.EnsureForIssue(ctx, ref, origin, "main", "Survive a dir loss")
	require.NoError(t, err)
	require.DirExists(t, reattached.Path)
	require.Equal(t, ws.Branch, reattached.Branch)

	log, err := exec.Command("git", "-C", reattached.Path, "log", "-1", "--format=%s").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(log), "work in progress", "reattaching must not discard the branch's prior commit")
}

func TestDiscardForIssueIsSafeWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 1001}

	err := m.DiscardForIssue(context.Background(), ref)
	require.NoError(t, err)
}
