// Package reconciler implements the polling loop that drives kiln's
// control loop (spec.md §4.1): on each tick, list every watched issue,
// classify it in strict priority order, and dispatch at most one action
// per issue. It is the direct replacement for the teacher's
// internal/poller + internal/orchestrator pair, which dispatched
// synchronously off a Linear webhook; this reconciler instead polls (per
// spec.md's Non-goals: no webhook ingestion) and fans work out through
// the Dispatcher.
package reconciler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/dispatcher"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/metrics"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
	"github.com/kilnhq/kiln/internal/ticket"
	"github.com/kilnhq/kiln/internal/workflow"
)

// resetGrace bounds how long a reset waits for the issue's in-flight
// action to unwind after cancellation before proceeding anyway (spec.md
// §5's default shutdown/reset grace period).
const resetGrace = 30 * time.Second

// Reconciler owns the poll loop.
type Reconciler struct {
	cfg    *config.Config
	client ticket.Client
	store  *store.Store
	engine *engine.Engine
	disp   *dispatcher.Dispatcher
	log    *slog.Logger
}

// New constructs a Reconciler.
func New(cfg *config.Config, client ticket.Client, st *store.Store, eng *engine.Engine, disp *dispatcher.Dispatcher, log *slog.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, client: client, store: st, engine: eng, disp: disp, log: log}
}

// Run polls until ctx is canceled, at the configured interval with up to
// 10% jitter so multiple kiln instances (if ever run side by side) don't
// synchronize their ticks.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		r.Tick(ctx)

		interval := r.cfg.Ticket.ParsedPollInterval
		jitter := time.Duration(rand.Int63n(int64(interval) / 5)) // up to 20% of interval, centered below
		wait := interval - interval/10 + jitter

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Tick runs one classify-and-dispatch pass over every watched project.
// A panic or error handling one issue is isolated: it never aborts the
// tick for the rest (spec.md §8, fault isolation).
func (r *Reconciler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() { metrics.ReconcileTickSeconds.Observe(timer.Elapsed().Seconds()) }()

	for _, projectURL := range r.cfg.Ticket.ProjectURLs {
		issues, err := r.client.ListProjectIssues(ctx, projectURL, r.cfg.WatchedColumns())
		if err != nil {
			r.log.Error("listing project issues failed", "project", projectURL, "error", err)
			continue
		}
		for _, issue := range issues {
			r.processIssue(ctx, issue)
		}

		if err := r.pollReviewing(ctx, projectURL); err != nil {
			r.log.Error("polling reviewing issues failed", "project", projectURL, "error", err)
		}
	}
}

// pollReviewing separately sweeps issues carrying the reviewing label,
// since spec.md §4.3 keeps such an issue sitting in the Implement column
// until its PR is ready for review, then in Validate until it is merged
// or closed. classify() never dispatches completion handling (in
// Implement it skips a reviewing issue, and Validate is not a watched
// column), so it runs on its own sweep at the lowest priority (spec.md
// §4.1).
func (r *Reconciler) pollReviewing(ctx context.Context, projectURL string) error {
	columns := []string{r.cfg.Stages.Implement.Column, r.cfg.Board.Validate}
	issues, err := r.client.ListProjectIssues(ctx, projectURL, columns)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if !issue.HasLabel(model.LabelReviewing) {
			continue
		}
		issue := issue
		r.disp.TryDispatch(ctx, issue.Ref, func(ctx context.Context) error {
			return r.engine.HandleCompletion(ctx, issue)
		})
	}
	return nil
}

func (r *Reconciler) processIssue(ctx context.Context, issue model.Issue) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic while classifying issue, isolated", "issue", issue.Ref.String(), "panic", rec)
		}
	}()

	// Reset is unconditional and outranks everything, including an
	// action already in flight (spec.md §4.1/§4.2): cancel whatever is
	// running for this issue and wait for it to unwind before the reset
	// action itself is dispatched, rather than letting TryDispatch's
	// busy check silently drop it.
	if issue.HasLabel(model.LabelReset) {
		r.disp.CancelAndAwait(ctx, issue.Ref, resetGrace)
		r.disp.TryDispatch(ctx, issue.Ref, func(ctx context.Context) error { return r.engine.Reset(ctx, issue) })
		return
	}

	action, ok := r.classify(ctx, issue)
	if !ok {
		return
	}
	r.disp.TryDispatch(ctx, issue.Ref, action)
}

// classify implements spec.md §4.1's priority order: crash recovery
// beats comment iteration beats a fresh stage trigger beats nothing at
// all. Reset is handled directly in processIssue since it must cancel
// and await any in-flight action before dispatch, not merely outrank
// the other candidates.
func (r *Reconciler) classify(ctx context.Context, issue model.Issue) (dispatcher.Action, bool) {
	policies := r.engine.Policies

	if stage, ok := runningStage(issue, policies); ok {
		refKey := issue.Ref.String()
		running, err := r.store.IsRunning(refKey, string(stage))
		if err != nil {
			r.log.Error("checking run state failed", "issue", refKey, "error", err)
			return nil, false
		}
		if !running {
			// The *ing label is set but no run record is in flight: the
			// daemon crashed mid-stage. Re-run it (spec.md §8, crash recovery).
			return func(ctx context.Context) error { return r.engine.ExecuteStage(ctx, issue, stage) }, true
		}
		return nil, false // genuinely still running elsewhere, nothing to do
	}

	if _, comment, ok := r.pendingComment(ctx, issue, policies); ok {
		return func(ctx context.Context) error { return r.engine.ProcessComments(ctx, issue, comment) }, true
	}

	policy, ok := policies.ForColumn(issue.Status)
	if !ok {
		return nil, false
	}
	if policy.CompletionLabel != "" && issue.HasLabel(policy.CompletionLabel) {
		return nil, false // already ran this stage; waiting on a comment or a column move
	}
	if issue.HasLabel(policy.FailureLabel) {
		return nil, false // already ran this stage and failed; waiting on a comment or reset
	}
	if policy.Stage == workflow.StageImplement && issue.HasLabel(model.LabelReviewing) {
		return nil, false // Implement has no completion label; reviewing marks it already ran
	}

	if !r.authorized(ctx, issue) {
		return nil, false
	}

	return func(ctx context.Context) error { return r.engine.ExecuteStage(ctx, issue, policy.Stage) }, true
}

// runningStage reports which stage's running label is present on issue,
// if any. Invariant R1 (spec.md §3) guarantees at most one is ever set.
func runningStage(issue model.Issue, policies workflow.Policies) (workflow.Stage, bool) {
	for _, stage := range []workflow.Stage{workflow.StageResearch, workflow.StagePlan, workflow.StageImplement} {
		label, err := workflow.RunningLabelFor(policies, stage)
		if err != nil {
			continue
		}
		if issue.HasLabel(label) {
			return stage, true
		}
	}
	return "", false
}

// pendingComment reports the oldest unprocessed comment on an issue that
// is sitting in a *_ready state, i.e. waiting for either a column move or
// operator feedback (spec.md §4.6). When the snapshot carries no comments
// they are fetched with ListComments.
func (r *Reconciler) pendingComment(ctx context.Context, issue model.Issue, policies workflow.Policies) (workflow.Stage, model.Comment, bool) {
	waiting := issue.HasLabel(model.LabelResearchReady) || issue.HasLabel(model.LabelPlanReady)
	if !waiting {
		return "", model.Comment{}, false
	}
	refKey := issue.Ref.String()
	comments := issue.Comments
	if comments == nil {
		fetched, err := r.client.ListComments(ctx, issue.Ref, time.Time{})
		if err != nil {
			r.log.Error("listing comments failed", "issue", refKey, "error", err)
			return "", model.Comment{}, false
		}
		comments = fetched
	}
	for _, c := range comments {
		if !r.cfg.IsAllowed(c.Author) {
			continue // spec.md §4.1/§6: comment iteration's gate is the author's allow-list membership
		}
		done, err := r.store.HasProcessedComment(refKey, c.ID)
		if err != nil {
			r.log.Error("checking processed comment failed", "issue", refKey, "error", err)
			continue
		}
		if !done {
			return workflow.StageProcessComments, c, true
		}
	}
	return "", model.Comment{}, false
}

// authorized implements the authorization gate (spec.md §4.1): a stage
// triggers only when the last person to move the issue's column is known
// and on the allow-list; an unknown mover denies.
func (r *Reconciler) authorized(ctx context.Context, issue model.Issue) bool {
	user, _, ok, err := r.client.LastStatusChangeActor(ctx, issue.Ref)
	if err != nil {
		r.log.Error("resolving last status change actor failed", "issue", issue.Ref.String(), "error", err)
		return false
	}
	if !ok {
		return false
	}
	if !r.cfg.IsAllowed(user) {
		r.log.Warn("unauthorized column move ignored", "issue", issue.Ref.String(), "user", user)
		return false
	}
	return true
}
