package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/kilnhq/kiln/internal/model"
)

const defaultGraphQLURL = "https://api.github.com/graphql"

// GitHubClient implements Client against GitHub Issues, REST labels/comments/
// reactions/pull-requests, and raw GraphQL for the one thing go-github
// doesn't cover: Projects v2 board-column reads and moves. The REST half
// follows nickmisasi-mattermost-plugin-cursor/server/ghclient; the GraphQL
// half follows the teacher's internal/linear/client.go (do/doOnce and its
// retry loop); each GraphQL call decodes into its own response struct.
type GitHubClient struct {
	gh         *github.Client
	token      string
	http       *http.Client
	graphqlURL string

	mu           sync.RWMutex
	projectCache map[string]*projectMeta   // project URL → resolved metadata
	issueProject map[model.IssueRef]string // issue → the project URL it was last listed from
}

// NewGitHubClient creates a client authenticated with a personal access
// token or GitHub App installation token, talking to github.com.
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		gh:           github.NewClient(nil).WithAuthToken(token),
		token:        token,
		http:         &http.Client{Timeout: 30 * time.Second},
		graphqlURL:   defaultGraphQLURL,
		projectCache: make(map[string]*projectMeta),
		issueProject: make(map[model.IssueRef]string),
	}
}

// NewEnterpriseGitHubClient creates a client against a GitHub Enterprise
// Server instance, using its REST API and upload base URLs. GHES's GraphQL
// endpoint lives at <apiURL>/graphql, same as github.com's.
func NewEnterpriseGitHubClient(token, apiURL, uploadURL string) (*GitHubClient, error) {
	gh, err := github.NewClient(nil).WithAuthToken(token).WithEnterpriseURLs(apiURL, uploadURL)
	if err != nil {
		return nil, fmt.Errorf("configuring enterprise client: %w", err)
	}
	return &GitHubClient{
		gh:           gh,
		token:        token,
		http:         &http.Client{Timeout: 30 * time.Second},
		graphqlURL:   strings.TrimSuffix(apiURL, "/") + "/graphql",
		projectCache: make(map[string]*projectMeta),
		issueProject: make(map[model.IssueRef]string),
	}, nil
}

var _ Client = (*GitHubClient)(nil)

type projectMeta struct {
	nodeID       string
	statusFieldID string
	optionIDs    map[string]string // column name → single-select option ID
}

var projectURLPattern = regexp.MustCompile(`^https://github\.com/(?:orgs|users)/([^/]+)/projects/(\d+)$`)

func (c *GitHubClient) ListProjectIssues(ctx context.Context, projectURL string, watchedStatuses []string) ([]model.Issue, error) {
	meta, err := c.resolveProject(ctx, projectURL)
	if err != nil {
		return nil, Classify(ErrNotFound, err)
	}

	query := `query($project: ID!, $cursor: String) {
		node(id: $project) {
			... on ProjectV2 {
				items(first: 100, after: $cursor) {
					pageInfo { hasNextPage endCursor }
					nodes {
						fieldValueByName(name: "Status") {
							... on ProjectV2ItemFieldSingleSelectValue { name }
						}
						content {
							... on Issue {
								id number title body url author { login }
								repository { owner { login } name }
								labels(first: 50) { nodes { name } }
								assignees(first: 10) { nodes { login } }
							}
						}
					}
				}
			}
		}
	}`

	wanted := make(map[string]bool, len(watchedStatuses))
	for _, s := range watchedStatuses {
		wanted[strings.ToLower(s)] = true
	}

	var issues []model.Issue
	cursor := ""
	for {
		var resp struct {
			Data struct {
				Node struct {
					Items struct {
						PageInfo struct {
							HasNextPage bool
							EndCursor   string
						}
						Nodes []struct {
							FieldValueByName struct {
								Name string
							} `json:"fieldValueByName"`
							Content struct {
								ID         string
								Number     int
								Title      string
								Body       string
								URL        string
								Author     struct{ Login string }
								Repository struct {
									Owner struct{ Login string }
									Name  string
								}
								Labels    struct{ Nodes []struct{ Name string } }
								Assignees struct{ Nodes []struct{ Login string } }
							}
						}
					}
				}
			}
			Errors []graphQLError
		}

		variables := map[string]any{"project": meta.nodeID}
		if cursor != "" {
			variables["cursor"] = cursor
		}
		if err := c.graphQL(ctx, query, variables, &resp); err != nil {
			return nil, err
		}
		if len(resp.Errors) > 0 {
			return nil, Classify(ErrTransient, fmt.Errorf("graphql: %s", resp.Errors[0].Message))
		}

		for _, node := range resp.Data.Node.Items.Nodes {
			if node.Content.ID == "" {
				continue // draft item with no linked issue
			}
			status := node.FieldValueByName.Name
			if len(wanted) > 0 && !wanted[strings.ToLower(status)] {
				continue
			}

			var labels []string
			for _, l := range node.Content.Labels.Nodes {
				labels = append(labels, l.Name)
			}
			var assignees []string
			for _, a := range node.Content.Assignees.Nodes {
				assignees = append(assignees, a.Login)
			}

			ref := model.IssueRef{
				Host:   "github.com",
				Owner:  node.Content.Repository.Owner.Login,
				Repo:   node.Content.Repository.Name,
				Number: node.Content.Number,
			}
			c.mu.Lock()
			c.issueProject[ref] = projectURL
			c.mu.Unlock()

			issues = append(issues, model.Issue{
				Ref:       ref,
				Status:    status,
				Labels:    labels,
				Body:      node.Content.Body,
				Assignees: assignees,
				Author:    node.Content.Author.Login,
				Title:     node.Content.Title,
				URL:       node.Content.URL,
			})
		}

		if !resp.Data.Node.Items.PageInfo.HasNextPage {
			break
		}
		cursor = resp.Data.Node.Items.PageInfo.EndCursor
	}

	return issues, nil
}

// GetIssue reads a single issue directly by number, independent of which
// project board (if any) it's filed against. Status is left blank since
// a bare issue read has no project-column context; callers that need
// GetIssue only want the current body/labels.
func (c *GitHubClient) GetIssue(ctx context.Context, ref model.IssueRef) (model.Issue, error) {
	iss, _, err := c.gh.Issues.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return model.Issue{}, classifyRESTError(err)
	}
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return model.Issue{
		Ref:    ref,
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		URL:    iss.GetHTMLURL(),
		Author: iss.GetUser().GetLogin(),
		Labels: labels,
	}, nil
}

func (c *GitHubClient) ListComments(ctx context.Context, ref model.IssueRef, since time.Time) ([]model.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		Sort:      github.Ptr("created"),
		Direction: github.Ptr("asc"),
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = &since
	}

	var out []model.Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, classifyRESTError(err)
		}
		for _, cm := range comments {
			out = append(out, model.Comment{
				ID:        fmt.Sprintf("%d", cm.GetID()),
				Author:    cm.GetUser().GetLogin(),
				CreatedAt: cm.GetCreatedAt().Time,
				Body:      cm.GetBody(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) AddLabel(ctx context.Context, ref model.IssueRef, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, ref.Owner, ref.Repo, ref.Number, []string{label})
	return classifyRESTError(err)
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, ref model.IssueRef, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, ref.Owner, ref.Repo, ref.Number, label)
	if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil && resp.Response.StatusCode == http.StatusNotFound {
		return nil // already absent: RemoveLabel is idempotent
	}
	return classifyRESTError(err)
}

// UpdateBody replaces the issue body. On a conflict (412/409), it sends
// the same edit exactly once more; the current body is not re-read, so
// newBody is written as given.
func (c *GitHubClient) UpdateBody(ctx context.Context, ref model.IssueRef, newBody string) error {
	_, _, err := c.gh.Issues.Edit(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueRequest{Body: &newBody})
	if err == nil {
		return nil
	}
	if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil &&
		(resp.Response.StatusCode == http.StatusConflict || resp.Response.StatusCode == http.StatusPreconditionFailed) {
		slog.Warn("body update conflict, retrying once", "issue", ref.String())
		_, _, retryErr := c.gh.Issues.Edit(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueRequest{Body: &newBody})
		return classifyRESTError(retryErr)
	}
	return classifyRESTError(err)
}

func (c *GitHubClient) MoveColumn(ctx context.Context, ref model.IssueRef, target string) error {
	// An issue belongs to exactly one project for scheduling purposes
	// (spec.md §3), discovered the last time ListProjectIssues observed it.
	c.mu.RLock()
	projectURL, ok := c.issueProject[ref]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("issue %s: no known project (must be listed before it can be moved)", ref)
	}
	return c.moveColumnInProject(ctx, projectURL, ref, target)
}

// moveColumnInProject issues the updateProjectV2ItemFieldValue mutation.
func (c *GitHubClient) moveColumnInProject(ctx context.Context, projectURL string, ref model.IssueRef, target string) error {
	meta, err := c.resolveProject(ctx, projectURL)
	if err != nil {
		return Classify(ErrNotFound, err)
	}
	optionID, ok := meta.optionIDs[target]
	if !ok {
		return fmt.Errorf("unknown project column %q", target)
	}

	itemID, err := c.findProjectItemID(ctx, meta, ref)
	if err != nil {
		return err
	}

	mutation := `mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field,
			value: { singleSelectOptionId: $option }
		}) { projectV2Item { id } }
	}`
	var resp struct {
		Errors []graphQLError
	}
	err = c.graphQL(ctx, mutation, map[string]any{
		"project": meta.nodeID, "item": itemID, "field": meta.statusFieldID, "option": optionID,
	}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return Classify(ErrTransient, fmt.Errorf("graphql: %s", resp.Errors[0].Message))
	}
	return nil
}

func (c *GitHubClient) findProjectItemID(ctx context.Context, meta *projectMeta, ref model.IssueRef) (string, error) {
	query := `query($owner: String!, $repo: String!, $number: Int!) {
		repository(owner: $owner, name: $repo) {
			issue(number: $number) {
				projectItems(first: 20) { nodes { id project { id } } }
			}
		}
	}`
	var resp struct {
		Data struct {
			Repository struct {
				Issue struct {
					ProjectItems struct {
						Nodes []struct {
							ID      string
							Project struct{ ID string }
						}
					}
				}
			}
		}
		Errors []graphQLError
	}
	if err := c.graphQL(ctx, query, map[string]any{"owner": ref.Owner, "repo": ref.Repo, "number": ref.Number}, &resp); err != nil {
		return "", err
	}
	if len(resp.Errors) > 0 {
		return "", Classify(ErrTransient, fmt.Errorf("graphql: %s", resp.Errors[0].Message))
	}
	for _, item := range resp.Data.Repository.Issue.ProjectItems.Nodes {
		if item.Project.ID == meta.nodeID {
			return item.ID, nil
		}
	}
	return "", fmt.Errorf("issue %s is not attached to project", ref)
}

func (c *GitHubClient) AddReaction(ctx context.Context, ref model.IssueRef, commentID, kind string) error {
	id, err := parseCommentID(commentID)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Reactions.CreateIssueCommentReaction(ctx, ref.Owner, ref.Repo, id, kind)
	return classifyRESTError(err)
}

func (c *GitHubClient) PostComment(ctx context.Context, ref model.IssueRef, body string) (string, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &github.IssueComment{Body: &body})
	if err != nil {
		return "", classifyRESTError(err)
	}
	return fmt.Sprintf("%d", comment.GetID()), nil
}

// FindLinkedPR returns the first PR, in any state (open, closed or
// merged), whose body references
// "Closes #N" (or Fixes/Resolves) for this issue, via GitHub's search API.
func (c *GitHubClient) FindLinkedPR(ctx context.Context, ref model.IssueRef) (*model.PullRequest, error) {
	q := fmt.Sprintf("repo:%s/%s is:pr in:body %d", ref.Owner, ref.Repo, ref.Number)
	result, _, err := c.gh.Search.Issues(ctx, q, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 10}})
	if err != nil {
		return nil, classifyRESTError(err)
	}
	closeRef := regexp.MustCompile(`(?i)(close[sd]?|fix(e[sd])?|resolve[sd]?)\s+#` + fmt.Sprint(ref.Number) + `\b`)
	for _, issue := range result.Issues {
		if !issue.IsPullRequest() {
			continue
		}
		if !closeRef.MatchString(issue.GetBody()) {
			continue
		}
		state := issue.GetState()
		if issue.GetPullRequestLinks() != nil && issue.GetState() == "closed" {
			// distinguish merged vs closed
			pr, _, prErr := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, issue.GetNumber())
			if prErr == nil && pr.GetMerged() {
				state = "merged"
			}
		}
		return &model.PullRequest{
			Number: issue.GetNumber(),
			URL:    issue.GetHTMLURL(),
			Draft:  issue.GetDraft(),
			State:  state,
		}, nil
	}
	return nil, nil
}

// LastStatusChangeActor inspects the repository's issue event timeline for
// the most recent column move and returns who performed it. Per the Open
// Question in spec.md §9, the exact event shape is treated as an evolving,
// opaque part of the GitHub contract rather than hard-coded further than this.
func (c *GitHubClient) LastStatusChangeActor(ctx context.Context, ref model.IssueRef) (string, time.Time, bool, error) {
	events, _, err := c.gh.Issues.ListIssueEvents(ctx, ref.Owner, ref.Repo, ref.Number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return "", time.Time{}, false, classifyRESTError(err)
	}
	var latest *github.IssueEvent
	for _, e := range events {
		if e.GetEvent() != "moved_columns_in_project" && e.GetEvent() != "project_v2_item_status_changed" {
			continue
		}
		if latest == nil || e.GetCreatedAt().After(latest.GetCreatedAt().Time) {
			latest = e
		}
	}
	if latest == nil {
		return "", time.Time{}, false, nil
	}
	return latest.GetActor().GetLogin(), latest.GetCreatedAt().Time, true, nil
}

// RequiredScopes is the minimum classic-PAT scope set kiln needs: `repo`
// for issue/label/comment/reaction/PR operations and `project` for
// Projects v2 board reads and column moves.
var RequiredScopes = []string{"repo", "project"}

// CheckScopes reads the token's granted OAuth scopes off a cheap REST
// call's `X-OAuth-Scopes` response header and fails closed if the token
// is missing a required scope or carries one beyond RequiredScopes
// (spec.md §6: "the engine refuses to start if the token carries broader
// scopes than required"). Fine-grained personal access tokens and GitHub
// App installation tokens don't set this header at all; CheckScopes treats
// its absence as nothing to validate rather than a failure, since GitHub
// has no equivalent scope-enumeration endpoint for those token kinds.
func (c *GitHubClient) CheckScopes(ctx context.Context) error {
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return classifyRESTError(err)
	}
	raw := ""
	if resp != nil && resp.Response != nil {
		raw = resp.Response.Header.Get("X-OAuth-Scopes")
	}
	return validateScopes(raw, RequiredScopes)
}

// validateScopes compares a token's granted scopes (as reported in the
// `X-OAuth-Scopes` header, comma-separated) against the required set. An
// empty rawHeader means the token kind doesn't report classic scopes at
// all (fine-grained PAT, GitHub App token) and is treated as nothing to
// validate.
func validateScopes(rawHeader string, requiredScopes []string) error {
	if rawHeader == "" {
		return nil
	}

	granted := make(map[string]bool)
	for _, s := range strings.Split(rawHeader, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted[s] = true
		}
	}
	required := make(map[string]bool, len(requiredScopes))
	for _, s := range requiredScopes {
		required[s] = true
	}
	for s := range required {
		if !granted[s] {
			return fmt.Errorf("%w: token is missing required scope %q", ErrAuth, s)
		}
	}
	for s := range granted {
		if !required[s] {
			return fmt.Errorf("%w: token carries scope %q beyond the minimum required %v", ErrAuth, s, requiredScopes)
		}
	}
	return nil
}

func (c *GitHubClient) resolveProject(ctx context.Context, projectURL string) (*projectMeta, error) {
	c.mu.RLock()
	meta, ok := c.projectCache[projectURL]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	m := projectURLPattern.FindStringSubmatch(projectURL)
	if m == nil {
		return nil, fmt.Errorf("unrecognized project URL %q", projectURL)
	}
	login, number := m[1], m[2]

	query := `query($login: String!, $number: Int!) {
		organization(login: $login) { projectV2(number: $number) { id fields(first: 50) {
			nodes { ... on ProjectV2SingleSelectField { id name options { id name } } }
		} } }
		user(login: $login) { projectV2(number: $number) { id fields(first: 50) {
			nodes { ... on ProjectV2SingleSelectField { id name options { id name } } }
		} } }
	}`
	var resp struct {
		Data struct {
			Organization struct{ ProjectV2 *projectV2GQL }
			User         struct{ ProjectV2 *projectV2GQL }
		}
		Errors []graphQLError
	}
	var num int
	fmt.Sscanf(number, "%d", &num)
	if err := c.graphQL(ctx, query, map[string]any{"login": login, "number": num}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}

	proj := resp.Data.Organization.ProjectV2
	if proj == nil {
		proj = resp.Data.User.ProjectV2
	}
	if proj == nil {
		return nil, fmt.Errorf("project %q not found", projectURL)
	}

	meta := &projectMeta{nodeID: proj.ID, optionIDs: make(map[string]string)}
	for _, f := range proj.Fields.Nodes {
		if f.Name != "Status" {
			continue
		}
		meta.statusFieldID = f.ID
		for _, o := range f.Options {
			meta.optionIDs[o.Name] = o.ID
		}
	}

	c.mu.Lock()
	c.projectCache[projectURL] = meta
	c.mu.Unlock()
	return meta, nil
}

type projectV2GQL struct {
	ID     string
	Fields struct {
		Nodes []struct {
			ID      string
			Name    string
			Options []struct{ ID, Name string }
		}
	}
}

// graphQLError is GitHub's per-error shape inside a GraphQL response's
// top-level "errors" array. Every query/mutation response struct embeds
// its own `Errors []graphQLError` field rather than a shared envelope
// type, since each caller needs its own `Data` shape alongside it.
type graphQLError struct {
	Message string `json:"message"`
}

// graphQL posts a GraphQL request with the teacher's retry-with-backoff
// shape (internal/linear/client.go: do/doOnce), adapted to GitHub's auth
// header and error envelope.
func (c *GitHubClient) graphQL(ctx context.Context, query string, variables map[string]any, result any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("marshaling graphql request: %w", err)
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(500*time.Millisecond) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.graphQLOnce(ctx, body, result)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("github graphql request failed", "attempt", attempt+1, "error", lastErr)
	}
	return Classify(ErrTransient, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr))
}

func (c *GitHubClient) graphQLOnce(ctx context.Context, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Classify(ErrAuth, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, result)
}

func classifyRESTError(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errAs(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Classify(ErrAuth, err)
		case http.StatusNotFound:
			return Classify(ErrNotFound, err)
		case http.StatusTooManyRequests:
			return Classify(ErrTransient, err)
		}
		if ghErr.Response.StatusCode >= 500 {
			return Classify(ErrTransient, err)
		}
	}
	return err
}

func errAs(err error, target **github.ErrorResponse) bool {
	ghErr, ok := err.(*github.ErrorResponse)
	if ok {
		*target = ghErr
	}
	return ok
}

func parseCommentID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid comment id %q: %w", s, err)
	}
	return id, nil
}
