// Package model holds the plain data types shared across kiln's
// components: issue identity, observable issue state, comments and
// pull requests. None of these types carry behavior of their own —
// they are the shapes the TicketClient contract in spec.md §6 returns.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IssueRef is an issue's global identity: (hostname, owner, repo, number).
type IssueRef struct {
	Host   string
	Owner  string
	Repo   string
	Number int
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s/%s#%d", r.Host, r.Owner, r.Repo, r.Number)
}

// ParseIssueRef parses the "<host>/<owner>/<repo>#<number>" form produced
// by IssueRef.String, as accepted on the command line by `kiln reset` and
// `kiln logs`.
func ParseIssueRef(s string) (IssueRef, error) {
	hash := strings.LastIndex(s, "#")
	if hash < 0 {
		return IssueRef{}, fmt.Errorf("missing '#<number>' in issue reference %q", s)
	}
	number, err := strconv.Atoi(s[hash+1:])
	if err != nil {
		return IssueRef{}, fmt.Errorf("invalid issue number in %q: %w", s, err)
	}
	parts := strings.Split(s[:hash], "/")
	if len(parts) != 3 {
		return IssueRef{}, fmt.Errorf("expected '<host>/<owner>/<repo>#<number>', got %q", s)
	}
	return IssueRef{Host: parts[0], Owner: parts[1], Repo: parts[2], Number: number}, nil
}

// Slug returns the identifier "<owner>-<repo>-<number>". Case is kept as
// given.
func (r IssueRef) Slug() string {
	return fmt.Sprintf("%s-%s-%d", r.Owner, r.Repo, r.Number)
}

// Comment is a single human or bot comment on an issue, in the order the
// ticket tracker returns them.
type Comment struct {
	ID        string
	Author    string
	CreatedAt time.Time
	Body      string
}

// Reaction kinds recognized by AddReaction.
const (
	ReactionSeen      = "eyes"        // 👀 — applied before ProcessComments starts
	ReactionAck       = "+1"          // 👍 — applied on success
	ReactionConfused  = "confused"    // applied on failure
)

// PullRequest is the subset of a linked pull request's state the engine
// needs to decide when an issue has left the Implement stage.
type PullRequest struct {
	Number int
	URL    string
	Draft  bool
	State  string // "open", "closed", "merged"
}

// Issue is an issue's full observable state as returned by
// TicketClient.ListProjectIssues / a single-issue fetch.
type Issue struct {
	Ref         IssueRef
	Status      string // current kanban column
	Labels      []string
	Body        string
	Comments    []Comment
	Assignees   []string
	Author      string
	Title       string
	URL         string
	LinkedPR    *PullRequest
}

// HasLabel reports whether the issue carries the given label, case-sensitively
// (labels are treated as opaque strings by the engine; the ticket client is
// responsible for returning canonical names).
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Project is identified by its URL and owns a set of issues for scheduling
// purposes (spec.md §3: an issue belongs to exactly one project).
type Project struct {
	URL string
}
