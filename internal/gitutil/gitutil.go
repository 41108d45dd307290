// Package gitutil wraps git and gh CLI invocations needed by the
// Workspace Manager: a single persistent clone per repository, reused
// across issues via `git worktree add` (spec.md §4.4), plus `gh pr close`
// for Reset's PR teardown. Pull request creation and lookup are the
// executor's and the ticket tracker's job, not this package's (spec.md
// §4.3/§6): the executor opens the PR itself, and `ticket.Client.FindLinkedPR`
// is the source of truth for whether one exists. The worktree operations
// are grounded in zulandar-gastown's internal/git (git.go), generalizing
// the teacher's shallow-clone-per-run model, which never reused a
// checkout across pipeline stages; the `gh pr close` wrapping follows the
// teacher's own internal/git.go directly.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// GitError carries the raw output of a failed git/gh invocation, so
// callers and logs see exactly what the tool said.
type GitError struct {
	Command string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Manager wraps git and gh CLI commands for a single persistent clone.
type Manager struct {
	AuthorName  string
	AuthorEmail string
}

// NewManager verifies that git and gh are available in PATH.
func NewManager() (*Manager, error) {
	var missing []string
	if _, err := exec.LookPath("git"); err != nil {
		missing = append(missing, "git")
	}
	if _, err := exec.LookPath("gh"); err != nil {
		missing = append(missing, "gh")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	return &Manager{AuthorName: "kiln", AuthorEmail: "kiln@noreply"}, nil
}

// RunIn runs an arbitrary git subcommand in dir, for callers (e.g. the
// Workspace Manager reading the checked-out branch name) that don't
// warrant a dedicated wrapper method.
func (m *Manager) RunIn(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, args...)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &GitError{Command: "git " + args[0], Args: args, Stdout: stdout.String(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// EnsureClone clones url into dir if dir does not already hold a
// repository, or fetches the latest refs if it does.
func (m *Manager) EnsureClone(ctx context.Context, url, dir string) error {
	if _, err := os.Stat(dir + "/.git"); err == nil {
		_, err := m.run(ctx, dir, "fetch", "origin")
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating clone dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &GitError{Command: "git clone", Stdout: stdout.String(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	if err := m.configureIdentity(ctx, dir); err != nil {
		return fmt.Errorf("configuring git identity: %w", err)
	}
	return nil
}

func (m *Manager) configureIdentity(ctx context.Context, dir string) error {
	if _, err := m.run(ctx, dir, "config", "user.name", m.AuthorName); err != nil {
		return err
	}
	_, err := m.run(ctx, dir, "config", "user.email", m.AuthorEmail)
	return err
}

// WorktreeAddFromRef creates a worktree at path on a new branch starting
// from startPoint (e.g. "origin/main"), run against the shared clone at
// repoDir.
func (m *Manager) WorktreeAddFromRef(ctx context.Context, repoDir, path, branch, startPoint string) error {
	_, err := m.run(ctx, repoDir, "worktree", "add", "-b", branch, path, startPoint)
	return err
}

// WorktreeAddExisting attaches a worktree at path to an already-existing
// local branch, used to reattach a workspace whose directory was lost
// (e.g. pruned independently of the shared clone) while its branch
// still exists.
func (m *Manager) WorktreeAddExisting(ctx context.Context, repoDir, path, branch string) error {
	_, err := m.run(ctx, repoDir, "worktree", "add", path, branch)
	return err
}

// BranchExists reports whether branch exists locally in the shared clone
// at repoDir.
func (m *Manager) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	_, err := m.run(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// WorktreeRemove detaches a worktree, leaving its branch intact.
func (m *Manager) WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := m.run(ctx, repoDir, args...)
	return err
}

// WorktreePrune clears worktree registrations whose directories were
// removed out from under git (e.g. a manual `rm -rf`).
func (m *Manager) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := m.run(ctx, repoDir, "worktree", "prune")
	return err
}

// BranchMerged reports whether branch has been fully merged into base on
// the remote, used to decide whether cleanup may delete it.
func (m *Manager) BranchMerged(ctx context.Context, repoDir, branch, base string) (bool, error) {
	out, err := m.run(ctx, repoDir, "branch", "-r", "--merged", "origin/"+base)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(strings.TrimPrefix(line, "*")) == "origin/"+branch {
			return true, nil
		}
	}
	return false, nil
}

// DeleteRemoteBranch deletes branch from origin. git reports an error if
// origin has no such branch, and that error is returned to the caller.
func (m *Manager) DeleteRemoteBranch(ctx context.Context, repoDir, branch string) error {
	_, err := m.run(ctx, repoDir, "push", "origin", "--delete", branch)
	return err
}

// HasUnpushedCommits reports whether worktreeDir's HEAD has commits not
// on origin/baseBranch, i.e. whether the executor committed anything.
func (m *Manager) HasUnpushedCommits(ctx context.Context, worktreeDir, baseBranch string) (bool, error) {
	out, err := m.run(ctx, worktreeDir, "rev-list", "--count", "origin/"+baseBranch+"..HEAD")
	if err != nil {
		return false, err
	}
	return out != "0", nil
}

// Push pushes the current branch in worktreeDir to origin with upstream
// tracking.
func (m *Manager) Push(ctx context.Context, worktreeDir, branch string) error {
	_, err := m.run(ctx, worktreeDir, "push", "-u", "origin", branch)
	return err
}

// ClosePR closes an open pull request by URL without merging it, used
// when Reset abandons an issue's in-flight work (spec.md §4.1: "close
// associated PRs").
func (m *Manager) ClosePR(ctx context.Context, prURL string) error {
	cmd := exec.CommandContext(ctx, "gh", "pr", "close", prURL)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh pr close: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeBranchName builds a git-safe branch name from an issue number
// and title, e.g. 42 + "Fix auth bug" → "42-fix-auth-bug", truncated to
// keep the whole name well under filesystem path limits.
func SanitizeBranchName(issueNumber int, title string) string {
	raw := strings.ToLower(fmt.Sprintf("%d-%s", issueNumber, title))
	sanitized := nonAlphanumeric.ReplaceAllString(raw, "-")
	sanitized = strings.Trim(sanitized, "-")
	const maxLen = 40
	if len(sanitized) > maxLen {
		sanitized = strings.TrimRight(sanitized[:maxLen], "-")
	}
	return sanitized
}
