package reconciler

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/dispatcher"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/executor"
	"github.com/kilnhq/kiln/internal/gitutil"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/tickettest"
	"github.com/kilnhq/kiln/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func writeExecutorScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-executor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const projectURL = "https://github.com/orgs/acme/projects/1"

func testSetup(t *testing.T, scriptBody string, allowed ...string) (*Reconciler, *tickettest.Fake, model.IssueRef) {
	t.Helper()
	origin := newLocalOriginRepo(t)

	if len(allowed) == 0 {
		allowed = []string{"octocat"}
	}
	cfg := &config.Config{
		Ticket: config.TicketConfig{
			ProjectURLs:      []string{projectURL},
			AllowedUsernames: allowed,
			PollInterval:     "10s",
		},
		Executor: config.ExecutorConfig{
			Command:            writeExecutorScript(t, scriptBody),
			MaxConcurrent:      4,
			IdleTimeoutSeconds: 5,
		},
		Stages: config.StagesConfig{
			Research:  config.StageConfig{Column: "Research", Model: "m", Prompt: "research", TimeoutSeconds: 5},
			Plan:      config.StageConfig{Column: "Plan", Model: "m", Prompt: "plan", TimeoutSeconds: 5},
			Implement: config.StageConfig{Column: "Implement", Model: "m", Prompt: "implement", TimeoutSeconds: 5},
		},
		Board: config.BoardConfig{Backlog: "Backlog", Validate: "Validate", Done: "Done"},
	}
	cfg.Ticket.ParsedPollInterval = 10 * time.Second

	st, err := store.New(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	git, err := gitutil.NewManager()
	require.NoError(t, err)
	ws := workspace.New(t.TempDir(), git)

	fake := tickettest.New()
	ref := model.IssueRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: 1}
	_, err = ws.EnsureForIssue(context.Background(), ref, origin, "main", "Test issue")
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	eng := engine.New(cfg, fake, st, ws, git, executor.NewRunner(4), log)
	disp := dispatcher.New(cfg.Executor.MaxConcurrent)
	r := New(cfg, fake, st, eng, disp, log)

	return r, fake, ref
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestTickRunsAuthorizedStageTrigger(t *testing.T) {
	r, fake, ref := testSetup(t, `echo "some findings"`)
	issue := model.Issue{Ref: ref, Status: "Research", Title: "Test issue", Body: "body"}
	fake.AddIssue(issue, "octocat", time.Now())

	r.Tick(context.Background())

	waitFor(t, func() bool { return fake.Issue(ref).HasLabel(model.LabelResearchReady) })
}

func TestTickIgnoresUnauthorizedMove(t *testing.T) {
	r, fake, ref := testSetup(t, `echo "some findings"`)
	issue := model.Issue{Ref: ref, Status: "Research", Title: "Test issue", Body: "body"}
	fake.AddIssue(issue, "mallory", time.Now())

	r.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	got := fake.Issue(ref)
	assert.False(t, got.HasLabel(model.LabelResearchReady))
	assert.False(t, got.HasLabel(model.LabelResearching))
}

func TestTickRecoversCrashedRun(t *testing.T) {
	r, fake, ref := testSetup(t, `echo "findings after recovery"`)
	issue := model.Issue{
		Ref: ref, Status: "Research", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelResearching},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	// No run record exists for this issue+stage: simulates a daemon crash
	// after the label was set but before StartRun, or after a StartRun
	// whose row was reaped by ReapRunningRuns at this restart's startup
	// (store_test.go's TestReapRunningRunsRecoversRunsOfAnyAge covers that
	// the reap itself happens regardless of the crashed run's age).

	r.Tick(context.Background())

	waitFor(t, func() bool { return fake.Issue(ref).HasLabel(model.LabelResearchReady) })
}

func TestTickProcessesPendingComment(t *testing.T) {
	r, fake, ref := testSetup(t, `echo "addressed"`)
	issue := model.Issue{
		Ref: ref, Status: "Research", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelResearchReady},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	commentID := fake.AddComment(ref, "octocat", "please redo this part", time.Now())

	// Refresh the issue snapshot Tick sees by re-adding with the comment
	// attached (the fake's ListProjectIssues doesn't join comments in).
	issue.Comments = []model.Comment{{ID: commentID, Author: "octocat", Body: "please redo this part"}}
	fake.AddIssue(issue, "octocat", time.Now())

	r.Tick(context.Background())

	waitFor(t, func() bool { return len(fake.Reactions(commentID)) > 0 })
}

func TestTickIgnoresCommentFromUnauthorizedAuthor(t *testing.T) {
	r, fake, ref := testSetup(t, `echo "addressed"`)
	issue := model.Issue{
		Ref: ref, Status: "Research", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelResearchReady},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	commentID := fake.AddComment(ref, "mallory", "tighten section 2", time.Now())
	issue.Comments = []model.Comment{{ID: commentID, Author: "mallory", Body: "tighten section 2"}}
	fake.AddIssue(issue, "octocat", time.Now())

	r.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, fake.Reactions(commentID))
}

func TestResetCancelsAndAwaitsInFlightAction(t *testing.T) {
	r, fake, ref := testSetup(t, `echo ok`)
	issue := model.Issue{
		Ref: ref, Status: "Implement", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelImplementing},
	}
	fake.AddIssue(issue, "octocat", time.Now())

	started := make(chan struct{})
	var finished atomic.Bool
	r.disp.TryDispatch(context.Background(), ref, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})
	<-started
	require.True(t, r.disp.IsRunning(ref))

	require.NoError(t, fake.AddLabel(context.Background(), ref, model.LabelReset))
	resetIssue := fake.Issue(ref)

	r.processIssue(context.Background(), resetIssue)

	assert.True(t, finished.Load(), "reset must wait for the in-flight action to unwind before proceeding")
	// The reset action itself runs on the dispatcher's goroutine.
	waitFor(t, func() bool { return !fake.Issue(ref).HasLabel(model.LabelReset) })
	assert.False(t, fake.Issue(ref).HasLabel(model.LabelReset))
	assert.False(t, fake.Issue(ref).HasLabel(model.LabelImplementing))
}

func TestTickSweepsReviewingIssueInImplementColumn(t *testing.T) {
	r, fake, ref := testSetup(t, `echo ok`)
	issue := model.Issue{
		Ref: ref, Status: "Implement", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelReviewing},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	fake.SetLinkedPR(ref, &model.PullRequest{Number: 1, URL: "https://github.com/acme/widgets/pull/1", State: "open", Draft: false})

	r.Tick(context.Background())

	waitFor(t, func() bool { return fake.Issue(ref).Status == "Validate" })
}

func TestTickSweepsReviewingIssueInValidateColumn(t *testing.T) {
	r, fake, ref := testSetup(t, `echo ok`)
	issue := model.Issue{
		Ref: ref, Status: "Validate", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelReviewing},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	fake.SetLinkedPR(ref, &model.PullRequest{Number: 1, URL: "https://github.com/acme/widgets/pull/1", State: "merged", Draft: false})

	r.Tick(context.Background())

	waitFor(t, func() bool { return fake.Issue(ref).Status == "Done" })
}

func TestTickDoesNotRetriggerImplementOnceReviewing(t *testing.T) {
	r, fake, ref := testSetup(t, `echo ok`)
	issue := model.Issue{
		Ref: ref, Status: "Implement", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelReviewing},
	}
	fake.AddIssue(issue, "octocat", time.Now())
	fake.SetLinkedPR(ref, &model.PullRequest{Number: 1, URL: "https://github.com/acme/widgets/pull/1", State: "open", Draft: true})

	r.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	got := fake.Issue(ref)
	assert.False(t, got.HasLabel(model.LabelImplementing), "a reviewing issue must not be re-run as a fresh implement stage")
	assert.Equal(t, "Implement", got.Status)
}

func TestResetTakesPriorityOverRunningLabel(t *testing.T) {
	r, fake, ref := testSetup(t, `echo ok`)
	issue := model.Issue{
		Ref: ref, Status: "Plan", Title: "Test issue", Body: "body",
		Labels: []string{model.LabelPlanning, model.LabelReset},
	}
	fake.AddIssue(issue, "octocat", time.Now())

	r.Tick(context.Background())

	waitFor(t, func() bool { return !fake.Issue(ref).HasLabel(model.LabelReset) })
	got := fake.Issue(ref)
	assert.False(t, got.HasLabel(model.LabelPlanning))
}
