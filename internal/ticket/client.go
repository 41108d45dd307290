// Package ticket defines the TicketClient contract (spec.md §6): the
// opaque adapter the engine uses to read and mutate an issue tracker's
// kanban board. The engine is agnostic to which concrete host backs it
// (spec.md §9, "interface polymorphism over ticket backends"); the
// github.com/google/go-github-backed implementation in github.go is the
// one shipped instance.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/internal/model"
)

// Client is the full set of operations the engine needs from a ticket
// tracker, per the table in spec.md §6.
type Client interface {
	// ListProjectIssues returns issues in the project currently sitting in
	// one of the watched columns, with labels, body, status and author
	// populated. Comments are not included; ListComments reads them.
	ListProjectIssues(ctx context.Context, projectURL string, watchedStatuses []string) ([]model.Issue, error)

	// GetIssue returns a single issue's current body and labels, bypassing
	// the project board join. Used to re-read an issue after the executor
	// has mutated it directly (spec.md §4.6: the Comment Processor diffs
	// the marked region's before/after snapshots, so it needs a fresh read
	// that doesn't depend on the issue still sitting in a watched column).
	GetIssue(ctx context.Context, ref model.IssueRef) (model.Issue, error)

	// ListComments returns an issue's comments in creation order, restricted
	// to those created at or after since (zero value: all comments).
	ListComments(ctx context.Context, ref model.IssueRef, since time.Time) ([]model.Comment, error)

	AddLabel(ctx context.Context, ref model.IssueRef, label string) error
	RemoveLabel(ctx context.Context, ref model.IssueRef, label string) error

	// UpdateBody replaces an issue's body. GitHubClient retries once on a
	// conflict by sending the same body again; it does not re-read the
	// current body first.
	UpdateBody(ctx context.Context, ref model.IssueRef, newBody string) error

	MoveColumn(ctx context.Context, ref model.IssueRef, target string) error

	AddReaction(ctx context.Context, ref model.IssueRef, commentID, kind string) error

	// PostComment adds a comment and returns its tracker-assigned ID.
	PostComment(ctx context.Context, ref model.IssueRef, body string) (commentID string, err error)

	// FindLinkedPR returns the pull request that closes this issue, if any.
	FindLinkedPR(ctx context.Context, ref model.IssueRef) (*model.PullRequest, error)

	// LastStatusChangeActor returns who last moved the issue into its
	// current column, from the project's activity log. If the author
	// cannot be established, ok is false (the authorization gate must deny).
	LastStatusChangeActor(ctx context.Context, ref model.IssueRef) (user string, at time.Time, ok bool, err error)
}

// Error kinds per spec.md §7. Implementations classify failures into one
// of these so retry/backoff policy lives in one place (the executor and
// the ticket client itself), not scattered through the engine.
var (
	// ErrTransient marks network errors, 5xx responses, and lock
	// contention: safe to retry with backoff.
	ErrTransient = errors.New("ticket: transient error")
	// ErrAuth marks authentication/authorization failures: fatal, the
	// daemon should not start or should shut down.
	ErrAuth = errors.New("ticket: authentication error")
	// ErrNotFound marks a missing project, issue, or state: fatal for the
	// operation, logged and skipped by the Reconciler.
	ErrNotFound = errors.New("ticket: not found")
)

// Classify wraps err so errors.Is(result, kind) reports true, while
// preserving the original error text for logs.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", kind, err.Error())
}
