// Package engine wires the TicketClient, Store, Workspace Manager, and
// Executor Runner together and implements the four-phase workflow
// execution procedure (spec.md §4.3: acquire → prepare workspace → invoke
// executor → settle) plus the Comment Processor (§4.6). It holds no
// global state — every dependency is constructed by cmd/kiln/main.go and
// passed in, matching spec.md §9's "no global singletons" design note.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/executor"
	"github.com/kilnhq/kiln/internal/gitutil"
	"github.com/kilnhq/kiln/internal/metrics"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/region"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/ticket"
	"github.com/kilnhq/kiln/internal/workflow"
	"github.com/kilnhq/kiln/internal/workspace"
)

// Engine is the one place that knows how to run a stage end to end.
type Engine struct {
	Config     *config.Config
	Client     ticket.Client
	Store      *store.Store
	Workspace  *workspace.Manager
	Git        *gitutil.Manager
	Executor   *executor.Runner
	Policies   workflow.Policies
	Log        *slog.Logger
}

// New constructs an Engine from its dependencies.
func New(cfg *config.Config, client ticket.Client, st *store.Store, ws *workspace.Manager, git *gitutil.Manager, ex *executor.Runner, log *slog.Logger) *Engine {
	return &Engine{
		Config:    cfg,
		Client:    client,
		Store:     st,
		Workspace: ws,
		Git:       git,
		Executor:  ex,
		Policies:  workflow.BuildPolicies(cfg),
		Log:       log,
	}
}

func maskTerms(cfg *config.Config, ref model.IssueRef) []string {
	if !cfg.Ticket.GHESLogsMask {
		return nil
	}
	return []string{ref.Host, ref.Owner, ref.Repo}
}

// openRunLog creates the per-run log file spec.md §6 names
// (./.kiln/logs/<host>/<owner>/<repo>/<issue>/<workflow>-<YYYYMMDD-HHMM>.log)
// and returns it opened for writing along with its path. A failure to
// create the log file is not fatal to the run itself — it just means this
// run streams no log — so callers log and continue with a nil file.
func openRunLog(cfg *config.Config, ref model.IssueRef, workflowName string, startedAt time.Time, log *slog.Logger) (*os.File, string) {
	logPath := cfg.LogPath(ref, workflowName, startedAt)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		log.Warn("creating run log directory failed", "path", logPath, "error", err)
		return nil, ""
	}
	f, err := os.Create(logPath)
	if err != nil {
		log.Warn("creating run log file failed", "path", logPath, "error", err)
		return nil, ""
	}
	return f, logPath
}

// writeSessionFile persists the executor's resumable session id to the
// run log's companion .session file (spec.md §6), if one was emitted.
func writeSessionFile(logPath, sessionID string, log *slog.Logger) {
	if logPath == "" || sessionID == "" {
		return
	}
	if err := os.WriteFile(config.SessionFilePath(logPath), []byte(sessionID), 0o644); err != nil {
		log.Warn("writing session file failed", "path", logPath, "error", err)
	}
}

// ExecuteStage runs the four-phase procedure for a single stage of a
// single issue: acquire the run slot (dedup via Store), prepare the
// issue's persistent workspace, invoke the executor, then settle —
// writing the stage's output back to the ticket tracker and transitioning
// labels according to outcome (spec.md §4.3).
func (e *Engine) ExecuteStage(ctx context.Context, issue model.Issue, stage workflow.Stage) error {
	policy, ok := e.Policies[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	ref := issue.Ref
	refKey := ref.String()
	runCorrelationID := uuid.NewString()
	log := e.Log.With("issue", refKey, "stage", stage, "run_id", runCorrelationID)

	// Acquire: at-most-one-in-flight-per-issue-per-stage is enforced by
	// the Store's partial unique index, independent of the in-process
	// Dispatcher, so a second daemon instance (or a crashed-and-restarted
	// one) can never double-run the same stage (spec.md §5).
	runID, started, err := e.Store.StartRun(refKey, string(stage))
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	if !started {
		log.Debug("run already in flight, skipping")
		return nil
	}

	if policy.RunningLabel != "" && !issue.HasLabel(policy.RunningLabel) {
		if err := e.Client.AddLabel(ctx, ref, policy.RunningLabel); err != nil {
			_ = e.Store.FailRun(runID, 1, err.Error())
			return fmt.Errorf("setting running label: %w", err)
		}
	}

	// Prepare: reuse the issue's persistent worktree across stages.
	ws, err := e.Workspace.EnsureForIssue(ctx, ref, workspace.DefaultRepoURL(ref), "main", issue.Title)
	if err != nil {
		_ = e.Store.FailRun(runID, 1, err.Error())
		return e.settleFailure(ctx, issue, policy, runID, fmt.Errorf("preparing workspace: %w", err))
	}

	sessionID, _, err := e.Store.GetSession(refKey, string(stage))
	if err != nil {
		log.Warn("reading prior session failed, starting fresh", "error", err)
	}

	logFile, logPath := openRunLog(e.Config, ref, string(stage), time.Now(), log)
	var logWriter io.Writer
	if logFile != nil {
		defer logFile.Close()
		logWriter = logFile
		if err := e.Store.SetRunLogPath(runID, logPath); err != nil {
			log.Warn("recording run log path failed", "error", err)
		}
	}

	// Invoke: run the executor against the issue's full accumulated
	// context (body, prior research/plan regions, comments).
	prompt := composePrompt(issue, policy)
	timer := metrics.NewTimer()
	result, runErr := e.Executor.Run(ctx, executor.Input{
		Command:     e.Config.Executor.Command,
		Model:       policy.Model,
		Prompt:      prompt,
		WorkDir:     ws.Path,
		SessionID:   sessionID,
		WallTimeout: time.Duration(policy.TimeoutSeconds) * time.Second,
		IdleTimeout: time.Duration(e.Config.Executor.IdleTimeoutSeconds) * time.Second,
		Log:         logWriter,
		Mask:        e.Config.Ticket.GHESLogsMask,
		MaskTerms:   maskTerms(e.Config, ref),
		Env: []string{
			"KILN_ISSUE_REF=" + refKey,
			"KILN_STAGE=" + string(stage),
			"KILN_BRANCH=" + ws.Branch,
			"KILN_RUN_ID=" + runCorrelationID,
		},
	})
	if result != nil && result.SessionID != "" {
		if err := e.Store.SaveSession(refKey, string(stage), result.SessionID); err != nil {
			log.Warn("saving session id failed", "error", err)
		}
		writeSessionFile(logPath, result.SessionID, log)
	}

	if runErr != nil {
		outcome := "failed"
		switch {
		case ctx.Err() == context.Canceled:
			// A Reset or shutdown cancelled this run's context; it didn't
			// fail or time out on its own (spec.md §5, §3 Run.outcome).
			outcome = "cancelled"
			_ = e.Store.CancelRun(runID, runErr.Error())
		case result != nil && result.TimedOut:
			outcome = "timeout"
			_ = e.Store.TimeoutRun(runID, runErr.Error())
		case errors.Is(runErr, executor.ErrTransient):
			outcome = "transient"
			metrics.ExecutorRetriesTotal.WithLabelValues(string(stage)).Inc()
			_ = e.Store.FailRun(runID, resultExitCode(result), runErr.Error())
		default:
			_ = e.Store.FailRun(runID, resultExitCode(result), runErr.Error())
		}
		timer.RecordRun(string(stage), outcome)
		return e.settleFailure(ctx, issue, policy, runID, runErr)
	}
	timer.RecordRun(string(stage), "success")
	if err := e.Store.CompleteRun(runID, 0, result.Output, result.SessionID); err != nil {
		log.Warn("recording completed run failed", "error", err)
	}

	// Settle: write the stage's output and transition labels.
	return e.settleSuccess(ctx, issue, ws, policy, result)
}

func resultExitCode(r *executor.Result) int {
	if r == nil {
		return 1
	}
	return r.ExitCode
}

func (e *Engine) settleFailure(ctx context.Context, issue model.Issue, policy workflow.Policy, runID int64, runErr error) error {
	ref := issue.Ref
	if policy.RunningLabel != "" {
		_ = e.Client.RemoveLabel(ctx, ref, policy.RunningLabel)
	}
	if policy.FailureLabel != "" {
		_ = e.Client.AddLabel(ctx, ref, policy.FailureLabel)
	}
	_, err := e.Client.PostComment(ctx, ref, fmt.Sprintf("%s failed: %s", policy.Stage, runErr.Error()))
	if err != nil {
		e.Log.Warn("posting failure comment failed", "issue", ref.String(), "error", err)
	}
	return runErr
}

func (e *Engine) settleSuccess(ctx context.Context, issue model.Issue, ws *workspace.Workspace, policy workflow.Policy, result *executor.Result) error {
	ref := issue.Ref

	if policy.Region != "" {
		newBody := region.Replace(issue.Body, policy.Region, result.Output)
		if err := e.Client.UpdateBody(ctx, ref, newBody); err != nil {
			return fmt.Errorf("updating issue body: %w", err)
		}
	}

	if policy.RunningLabel != "" {
		if err := e.Client.RemoveLabel(ctx, ref, policy.RunningLabel); err != nil {
			return fmt.Errorf("removing running label: %w", err)
		}
	}

	if policy.Stage == workflow.StageImplement {
		if err := e.settleImplement(ctx, ref, ws); err != nil {
			if policy.FailureLabel != "" {
				_ = e.Client.AddLabel(ctx, ref, policy.FailureLabel)
			}
			return err
		}
		return nil
	}

	if policy.CompletionLabel != "" {
		if err := e.Client.AddLabel(ctx, ref, policy.CompletionLabel); err != nil {
			return fmt.Errorf("adding completion label: %w", err)
		}
	}

	if issue.HasLabel(model.LabelYolo) {
		return e.advanceColumn(ctx, ref, policy.Stage)
	}
	return nil
}

// advanceColumn implements spec.md §4.1's "yolo" auto-progress rule: the
// only column move the daemon ever makes on its own, rather than waiting
// for an operator to drag the card. It is a no-op past Implement, which
// advances to Validate only through settleImplement/HandleCompletion.
func (e *Engine) advanceColumn(ctx context.Context, ref model.IssueRef, stage workflow.Stage) error {
	next, ok := workflow.Next(stage)
	if !ok {
		return nil
	}
	nextPolicy, ok := e.Policies[next]
	if !ok || nextPolicy.Column == "" {
		return nil
	}
	if err := e.Client.MoveColumn(ctx, ref, nextPolicy.Column); err != nil {
		return fmt.Errorf("auto-advancing column for yolo: %w", err)
	}
	return nil
}

// settleImplement verifies the executor did its job rather than doing it
// for it: spec.md §6 assigns commits and pull request creation to the
// executor itself, so the daemon's only responsibility here is to confirm
// a pull request linking back to this issue now exists and treat a
// missing one as a failed stage (spec.md §4.3).
func (e *Engine) settleImplement(ctx context.Context, ref model.IssueRef, ws *workspace.Workspace) error {
	pr, err := e.Client.FindLinkedPR(ctx, ref)
	if err != nil {
		return fmt.Errorf("checking for linked PR: %w", err)
	}
	if pr == nil {
		if hasCommits, cErr := e.Git.HasUnpushedCommits(ctx, ws.Path, "main"); cErr == nil && !hasCommits {
			return fmt.Errorf("implement stage made no commits on %s and produced no pull request for %s", ws.Branch, ref)
		}
		return fmt.Errorf("implement stage produced no pull request linking back to %s", ref)
	}

	// The PR stays in Implement, still labeled reviewing, until it is
	// marked ready-for-review; HandleCompletion drives the column move
	// from there (spec.md §4.3: "while the PR awaits its ready-for-review
	// status, then the issue moves to Validate").
	return e.Client.AddLabel(ctx, ref, model.LabelReviewing)
}

// HandleCompletion checks an issue currently in review against its linked
// PR's state and drives the remaining Implement-completion transitions
// (spec.md §4.1 item 5, §4.3): once the PR is ready for review, move the
// issue to Validate; once it is merged or closed, move it to Done and
// enqueue workspace cleanup. Lowest classification priority.
func (e *Engine) HandleCompletion(ctx context.Context, issue model.Issue) error {
	ref := issue.Ref
	if !issue.HasLabel(model.LabelReviewing) {
		return nil
	}
	pr, err := e.Client.FindLinkedPR(ctx, ref)
	if err != nil {
		return fmt.Errorf("finding linked PR: %w", err)
	}
	if pr == nil {
		return nil
	}

	if pr.State == "merged" || pr.State == "closed" {
		if err := e.Client.MoveColumn(ctx, ref, e.Config.Board.Done); err != nil {
			return fmt.Errorf("moving to done column: %w", err)
		}
		if err := e.Client.RemoveLabel(ctx, ref, model.LabelReviewing); err != nil {
			return fmt.Errorf("removing reviewing label: %w", err)
		}
		if err := e.Client.AddLabel(ctx, ref, model.LabelCleanedUp); err != nil {
			return fmt.Errorf("adding cleaned_up label: %w", err)
		}
		if err := e.Workspace.CleanupForIssue(ctx, ref, "main"); err != nil {
			return fmt.Errorf("cleaning up workspace: %w", err)
		}
		return e.Store.ClearSessionsForIssue(ref.String())
	}

	if pr.State == "open" && !pr.Draft && issue.Status != e.Config.Board.Validate {
		if err := e.Client.MoveColumn(ctx, ref, e.Config.Board.Validate); err != nil {
			return fmt.Errorf("moving to validate column: %w", err)
		}
	}
	return nil
}

// Reset closes any open PR linked to the issue, strips every kiln-managed
// label and marked region, discards its workspace and branch, and moves
// it back to the Backlog column (spec.md §4.1). Backlog is not watched, so
// the issue stays there until someone moves it into a stage column again,
// which then starts that stage from a clean slate. The caller is responsible
// for cancelling any in-flight run first (the Reconciler does this via
// the Dispatcher before dispatching Reset).
func (e *Engine) Reset(ctx context.Context, issue model.Issue) error {
	ref := issue.Ref

	if pr, err := e.Client.FindLinkedPR(ctx, ref); err != nil {
		e.Log.Warn("finding linked PR for reset failed", "issue", ref.String(), "error", err)
	} else if pr != nil && pr.State == "open" {
		if err := e.Git.ClosePR(ctx, pr.URL); err != nil {
			return fmt.Errorf("closing PR: %w", err)
		}
	}

	for _, label := range model.KilnManagedLabels() {
		if issue.HasLabel(label) {
			if err := e.Client.RemoveLabel(ctx, ref, label); err != nil {
				return fmt.Errorf("removing label %q: %w", label, err)
			}
		}
	}
	if err := e.Client.RemoveLabel(ctx, ref, model.LabelReset); err != nil {
		return fmt.Errorf("removing reset label: %w", err)
	}

	if err := e.Client.UpdateBody(ctx, ref, region.StripAll(issue.Body)); err != nil {
		return fmt.Errorf("stripping marked regions: %w", err)
	}

	if err := e.Store.ClearSessionsForIssue(ref.String()); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	if err := e.Workspace.DiscardForIssue(ctx, ref); err != nil {
		return fmt.Errorf("discarding workspace: %w", err)
	}
	return e.Client.MoveColumn(ctx, ref, e.Config.Board.Backlog)
}

// ProcessComments runs the ProcessComments stage for a single unprocessed
// comment: apply the seen reaction, run the executor with the comment as
// feedback, post the diff as a reply, apply a terminal reaction, and only
// then record the comment as processed (spec.md §4.6 — the terminal
// write must be last, so a crash mid-stage retries on the next tick
// instead of silently dropping the comment).
func (e *Engine) ProcessComments(ctx context.Context, issue model.Issue, comment model.Comment) error {
	ref := issue.Ref
	refKey := ref.String()

	if done, err := e.Store.HasProcessedComment(refKey, comment.ID); err != nil {
		return fmt.Errorf("checking processed comments: %w", err)
	} else if done {
		return nil
	}

	if err := e.Client.AddReaction(ctx, ref, comment.ID, model.ReactionSeen); err != nil {
		e.Log.Warn("applying seen reaction failed", "issue", refKey, "error", err)
	}

	policy := e.Policies[workflow.StageProcessComments]
	ws, err := e.Workspace.EnsureForIssue(ctx, ref, workspace.DefaultRepoURL(ref), "main", issue.Title)
	if err != nil {
		return e.settleCommentFailure(ctx, ref, comment, fmt.Errorf("preparing workspace: %w", err))
	}

	kind, trackRegion := affectedRegion(issue)
	var before string
	if trackRegion {
		before, _ = region.Extract(issue.Body, kind)
	}

	logFile, logPath := openRunLog(e.Config, ref, string(workflow.StageProcessComments), time.Now(), e.Log.With("issue", refKey))
	var logWriter io.Writer
	if logFile != nil {
		defer logFile.Close()
		logWriter = logFile
	}

	prompt := fmt.Sprintf("%s\n\n---\n\nAddress this feedback:\n\n%s", policy.Prompt, comment.Body)
	result, err := e.Executor.Run(ctx, executor.Input{
		Command:     e.Config.Executor.Command,
		Model:       policy.Model,
		Prompt:      prompt,
		WorkDir:     ws.Path,
		WallTimeout: time.Duration(policy.TimeoutSeconds) * time.Second,
		IdleTimeout: time.Duration(e.Config.Executor.IdleTimeoutSeconds) * time.Second,
		Log:         logWriter,
		Mask:        e.Config.Ticket.GHESLogsMask,
		MaskTerms:   maskTerms(e.Config, ref),
	})
	if err != nil {
		return e.settleCommentFailure(ctx, ref, comment, fmt.Errorf("running process-comments: %w", err))
	}
	writeSessionFile(logPath, result.SessionID, e.Log.With("issue", refKey))

	reply := result.Output
	if trackRegion {
		// The executor mutates the issue body itself (spec.md §6); re-read
		// it to diff what actually changed in the region this comment
		// targeted, rather than posting raw executor stdout (spec.md §4.6).
		refreshed, getErr := e.Client.GetIssue(ctx, ref)
		if getErr != nil {
			e.Log.Warn("re-reading issue for comment diff failed, posting raw output instead", "issue", refKey, "error", getErr)
		} else {
			after, _ := region.Extract(refreshed.Body, kind)
			if diff, diffErr := unifiedRegionDiff(string(kind), before, after); diffErr == nil {
				reply = diff
			} else {
				e.Log.Warn("building comment diff failed, posting raw output instead", "issue", refKey, "error", diffErr)
			}
		}
	}

	if _, err := e.Client.PostComment(ctx, ref, reply); err != nil {
		return e.settleCommentFailure(ctx, ref, comment, fmt.Errorf("posting reply: %w", err))
	}
	if err := e.Client.AddReaction(ctx, ref, comment.ID, model.ReactionAck); err != nil {
		e.Log.Warn("applying ack reaction failed", "issue", refKey, "error", err)
	}

	// Terminal write, last: only after every externally visible effect
	// (reactions, reply comment) has been committed.
	if err := e.Store.MarkCommentProcessed(refKey, comment.ID); err != nil {
		return err
	}
	metrics.CommentsProcessedTotal.Inc()
	return nil
}

// settleCommentFailure applies the terminal failure reaction and still
// records the comment as processed: spec.md §4.3 treats failure as a
// terminal outcome for dedup purposes, same as success — only a crash
// mid-stage (which never reaches this function) should cause a retry.
func (e *Engine) settleCommentFailure(ctx context.Context, ref model.IssueRef, comment model.Comment, cause error) error {
	refKey := ref.String()
	if err := e.Client.AddReaction(ctx, ref, comment.ID, model.ReactionConfused); err != nil {
		e.Log.Warn("applying confused reaction failed", "issue", refKey, "error", err)
	}
	if err := e.Store.MarkCommentProcessed(refKey, comment.ID); err != nil {
		e.Log.Warn("recording processed comment failed", "issue", refKey, "error", err)
	}
	return cause
}

// affectedRegion reports which marked region a ProcessComments run should
// diff, based on which stage's ready label is currently present: the
// issue can only be in comment iteration while sitting in Research or
// Plan (spec.md §4.1.3), so at most one of the two is ever set.
func affectedRegion(issue model.Issue) (region.Kind, bool) {
	switch {
	case issue.HasLabel(model.LabelResearchReady):
		return region.Research, true
	case issue.HasLabel(model.LabelPlanReady):
		return region.Plan, true
	default:
		return "", false
	}
}

// unifiedRegionDiff renders a unified diff between a marked region's
// content before and after a ProcessComments run, the "before-and-after
// snapshot" spec.md §4.6 describes as the user-visible feedback for a
// comment.
func unifiedRegionDiff(label, before, after string) (string, error) {
	if before == after {
		return fmt.Sprintf("No changes to the %s region.", label), nil
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: label + " (before)",
		ToFile:   label + " (after)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", err
	}
	return "```diff\n" + text + "```", nil
}

func composePrompt(issue model.Issue, policy workflow.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n", issue.Ref.Number, issue.Title)
	if issue.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", issue.URL)
	}
	b.WriteString("\n---\n\n")
	b.WriteString(region.StripAll(issue.Body))
	b.WriteString("\n\n---\n\n")
	b.WriteString(policy.Prompt)
	return b.String()
}
