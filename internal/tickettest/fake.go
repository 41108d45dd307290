// Package tickettest provides an in-memory ticket.Client for exercising
// the Reconciler, Dispatcher, and Engine without a network dependency.
package tickettest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/ticket"
)

// Fake is an in-memory Client. All methods lock a single mutex; it is not
// meant to model real concurrency, only to give tests a deterministic
// stand-in for a ticket tracker.
type Fake struct {
	mu sync.Mutex

	issues      map[model.IssueRef]*model.Issue
	comments    map[model.IssueRef][]model.Comment
	reactions   map[string][]string // comment ID → reaction kinds applied, in order
	postedBody  map[model.IssueRef][]string
	actors      map[model.IssueRef]actorRecord
	nextComment int
}

type actorRecord struct {
	user string
	at   time.Time
}

// New creates an empty fake client.
func New() *Fake {
	return &Fake{
		issues:     make(map[model.IssueRef]*model.Issue),
		comments:   make(map[model.IssueRef][]model.Comment),
		reactions:  make(map[string][]string),
		postedBody: make(map[model.IssueRef][]string),
		actors:     make(map[model.IssueRef]actorRecord),
	}
}

var _ ticket.Client = (*Fake)(nil)

// AddIssue seeds the fake with an issue and records who moved it there.
func (f *Fake) AddIssue(issue model.Issue, movedBy string, movedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := issue
	f.issues[issue.Ref] = &cp
	f.actors[issue.Ref] = actorRecord{user: movedBy, at: movedAt}
}

// AddComment seeds a comment on an issue and returns its assigned ID.
func (f *Fake) AddComment(ref model.IssueRef, author, body string, createdAt time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComment++
	id := fmt.Sprintf("c%d", f.nextComment)
	f.comments[ref] = append(f.comments[ref], model.Comment{ID: id, Author: author, CreatedAt: createdAt, Body: body})
	return id
}

// Issue returns the current state of an issue (for assertions).
func (f *Fake) Issue(ref model.IssueRef) model.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.issues[ref]
}

// GetIssue returns the current state of an issue, the same as Issue but
// satisfying ticket.Client's signature (error return, context parameter).
func (f *Fake) GetIssue(_ context.Context, ref model.IssueRef) (model.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return model.Issue{}, fmt.Errorf("tickettest: no such issue %s", ref)
	}
	return *issue, nil
}

// Reactions returns the reactions applied to a comment, in application order.
func (f *Fake) Reactions(commentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.reactions[commentID]...)
}

func (f *Fake) ListProjectIssues(_ context.Context, projectURL string, watchedStatuses []string) ([]model.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := make(map[string]bool, len(watchedStatuses))
	for _, s := range watchedStatuses {
		wanted[s] = true
	}

	var refs []model.IssueRef
	for ref := range f.issues {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })

	var out []model.Issue
	for _, ref := range refs {
		issue := f.issues[ref]
		if len(wanted) > 0 && !wanted[issue.Status] {
			continue
		}
		out = append(out, *issue)
	}
	return out, nil
}

func (f *Fake) ListComments(_ context.Context, ref model.IssueRef, since time.Time) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Comment
	for _, c := range f.comments[ref] {
		if !since.IsZero() && c.CreatedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) AddLabel(_ context.Context, ref model.IssueRef, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	if issue.HasLabel(label) {
		return nil
	}
	issue.Labels = append(issue.Labels, label)
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, ref model.IssueRef, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	filtered := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			filtered = append(filtered, l)
		}
	}
	issue.Labels = filtered
	return nil
}

func (f *Fake) UpdateBody(_ context.Context, ref model.IssueRef, newBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	issue.Body = newBody
	return nil
}

func (f *Fake) MoveColumn(_ context.Context, ref model.IssueRef, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return fmt.Errorf("unknown issue %s", ref)
	}
	issue.Status = target
	return nil
}

func (f *Fake) AddReaction(_ context.Context, _ model.IssueRef, commentID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[commentID] = append(f.reactions[commentID], kind)
	return nil
}

func (f *Fake) PostComment(_ context.Context, ref model.IssueRef, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComment++
	id := fmt.Sprintf("c%d", f.nextComment)
	f.postedBody[ref] = append(f.postedBody[ref], body)
	f.comments[ref] = append(f.comments[ref], model.Comment{ID: id, Author: "kiln", CreatedAt: time.Now(), Body: body})
	return id, nil
}

func (f *Fake) FindLinkedPR(_ context.Context, ref model.IssueRef) (*model.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[ref]
	if !ok {
		return nil, fmt.Errorf("unknown issue %s", ref)
	}
	return issue.LinkedPR, nil
}

// SetLinkedPR lets a test simulate the executor creating a PR.
func (f *Fake) SetLinkedPR(ref model.IssueRef, pr *model.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[ref].LinkedPR = pr
}

func (f *Fake) LastStatusChangeActor(_ context.Context, ref model.IssueRef) (string, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.actors[ref]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return rec.user, rec.at, true, nil
}
