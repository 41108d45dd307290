// Package workspace implements the Workspace Manager (spec.md §4.4): a
// persistent, per-issue git worktree reused across the Research, Plan,
// and Implement stages, backed by one shared clone per repository. This
// replaces the teacher's internal/git temp-clone-per-run model (which
// re-cloned the whole repository for every stage invocation) with true
// `git worktree add` reuse, grounded in zulandar-gastown's
// internal/git.go worktree family.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilnhq/kiln/internal/gitutil"
	"github.com/kilnhq/kiln/internal/model"
)

// Manager owns the on-disk layout workspaces/<host>/<owner>/<repo>/<issue>/
// and the single shared clone each repo's worktrees branch from.
type Manager struct {
	root string
	git  *gitutil.Manager

	// repoLocks serializes operations that touch a single repository's
	// shared git object database (clone, worktree add/remove). Per-issue
	// filesystem operations elsewhere proceed in parallel; only the
	// shared .git directory needs exclusion (spec.md §5).
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// New creates a Workspace Manager rooted at root.
func New(root string, git *gitutil.Manager) *Manager {
	return &Manager{root: root, git: git, repoLocks: make(map[string]*sync.Mutex)}
}

// Workspace describes an issue's reserved, checked-out working directory.
type Workspace struct {
	Path   string
	Branch string
}

func (m *Manager) repoDir(ref model.IssueRef) string {
	return filepath.Join(m.root, ref.Host, ref.Owner, ref.Repo+".git-clone")
}

func (m *Manager) issueDir(ref model.IssueRef) string {
	return filepath.Join(m.root, ref.Host, ref.Owner, ref.Repo, fmt.Sprintf("%d", ref.Number))
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.repoLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[key] = l
	}
	return l
}

// DefaultRepoURL derives the clone URL for an issue's repository over
// HTTPS, for github.com or a GitHub Enterprise host.
func DefaultRepoURL(ref model.IssueRef) string {
	if ref.Host == "github.com" || ref.Host == "" {
		return fmt.Sprintf("https://github.com/%s/%s.git", ref.Owner, ref.Repo)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", ref.Host, ref.Owner, ref.Repo)
}

// EnsureForIssue returns the issue's persistent workspace, creating the
// shared clone (from cloneURL) and the worktree if they do not already
// exist. Calling it again for the same issue fetches origin into the
// shared clone and returns the existing workspace unchanged (spec.md
// §4.4, idempotent across restarts).
func (m *Manager) EnsureForIssue(ctx context.Context, ref model.IssueRef, cloneURL, baseBranch, title string) (*Workspace, error) {
	repoKey := ref.Host + "/" + ref.Owner + "/" + ref.Repo
	lock := m.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repoDir := m.repoDir(ref)
	if err := m.git.EnsureClone(ctx, cloneURL, repoDir); err != nil {
		return nil, fmt.Errorf("ensuring shared clone for %s: %w", repoKey, err)
	}

	wsPath := m.issueDir(ref)
	if _, err := os.Stat(wsPath); err == nil {
		branch, err := m.currentBranch(ctx, wsPath)
		if err != nil {
			return nil, err
		}
		return &Workspace{Path: wsPath, Branch: branch}, nil
	}

	if err := os.MkdirAll(filepath.Dir(wsPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace parent: %w", err)
	}

	branch := fmt.Sprintf("kiln/%s", gitutil.SanitizeBranchName(ref.Number, title))

	// The worktree directory is gone, but its branch may still exist in
	// the shared clone (the workspace root and the clone's .git can be
	// pruned independently). Reattach to it rather than branching fresh
	// from baseBranch, which would silently discard any commits already
	// made on it.
	exists, err := m.git.BranchExists(ctx, repoDir, branch)
	if err != nil {
		return nil, fmt.Errorf("checking existing branch for %s: %w", ref, err)
	}
	if exists {
		if err := m.git.WorktreeAddExisting(ctx, repoDir, wsPath, branch); err != nil {
			return nil, fmt.Errorf("reattaching worktree for %s: %w", ref, err)
		}
		return &Workspace{Path: wsPath, Branch: branch}, nil
	}

	if err := m.git.WorktreeAddFromRef(ctx, repoDir, wsPath, branch, "origin/"+baseBranch); err != nil {
		return nil, fmt.Errorf("creating worktree for %s: %w", ref, err)
	}

	return &Workspace{Path: wsPath, Branch: branch}, nil
}

func (m *Manager) currentBranch(ctx context.Context, wsPath string) (string, error) {
	out, err := m.git.RunIn(ctx, wsPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading current branch: %w", err)
	}
	return out, nil
}

// CleanupForIssue removes an issue's worktree once the daemon has
// recorded the issue as cleaned_up (spec.md §3), deleting the remote
// branch too if it has been fully merged into baseBranch. Never errors
// on an already-absent workspace, so cleanup is safe to retry.
func (m *Manager) CleanupForIssue(ctx context.Context, ref model.IssueRef, baseBranch string) error {
	repoKey := ref.Host + "/" + ref.Owner + "/" + ref.Repo
	lock := m.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repoDir := m.repoDir(ref)
	wsPath := m.issueDir(ref)

	if _, err := os.Stat(wsPath); os.IsNotExist(err) {
		return nil
	}

	branch, err := m.currentBranch(ctx, wsPath)
	if err != nil {
		return err
	}

	if err := m.git.WorktreeRemove(ctx, repoDir, wsPath, true); err != nil {
		return fmt.Errorf("removing worktree for %s: %w", ref, err)
	}
	if err := m.git.WorktreePrune(ctx, repoDir); err != nil {
		return fmt.Errorf("pruning worktrees for %s: %w", ref, err)
	}

	merged, err := m.git.BranchMerged(ctx, repoDir, branch, baseBranch)
	if err != nil {
		return fmt.Errorf("checking merge status of %s: %w", branch, err)
	}
	if merged {
		if err := m.git.DeleteRemoteBranch(ctx, repoDir, branch); err != nil {
			return fmt.Errorf("deleting merged branch %s: %w", branch, err)
		}
	}

	return nil
}

// DiscardForIssue removes an issue's worktree and deletes its branch
// unconditionally, regardless of merge status. Reset uses this instead
// of CleanupForIssue because a reset branch's commits are being thrown
// away, not landed (spec.md §4.1: "delete branch and worktree"). The
// remote branch may never have been pushed (e.g. reset during Research,
// before Implement ever ran), so its deletion is best-effort.
func (m *Manager) DiscardForIssue(ctx context.Context, ref model.IssueRef) error {
	repoKey := ref.Host + "/" + ref.Owner + "/" + ref.Repo
	lock := m.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repoDir := m.repoDir(ref)
	wsPath := m.issueDir(ref)

	if _, err := os.Stat(wsPath); os.IsNotExist(err) {
		return nil
	}

	branch, err := m.currentBranch(ctx, wsPath)
	if err != nil {
		return err
	}

	if err := m.git.WorktreeRemove(ctx, repoDir, wsPath, true); err != nil {
		return fmt.Errorf("removing worktree for %s: %w", ref, err)
	}
	if err := m.git.WorktreePrune(ctx, repoDir); err != nil {
		return fmt.Errorf("pruning worktrees for %s: %w", ref, err)
	}
	// Delete the local branch too, or EnsureForIssue would reattach to it
	// and bring the discarded commits back.
	_, _ = m.git.RunIn(ctx, repoDir, "branch", "-D", branch)
	_ = m.git.DeleteRemoteBranch(ctx, repoDir, branch)

	return nil
}
