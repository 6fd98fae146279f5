// Package github implements host.Adapter on top of go-github.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	gh "github.com/google/go-github/v68/github"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/mirror"
)

var prURLPattern = regexp.MustCompile(`/repos/([^/]+)/([^/]+)/pulls/(\d+)/?$`)

type Adapter struct {
	baseURL *url.URL
	client  *http.Client
}

// New returns an adapter talking to the API at baseURL (https://api.github.com/
// or an enterprise /api/v3/ endpoint). The client carries the request timeout.
func New(baseURL string, client *http.Client) (*Adapter, error) {
	const errCtx = "creating github adapter"

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	if client == nil {
		client = &http.Client{Timeout: config.DefaultHTTPTimeout}
	}

	return &Adapter{baseURL: u, client: client}, nil
}

func (*Adapter) Kind() config.HostKind {
	return config.GitHub
}

func (a *Adapter) api(token string) *gh.Client {
	c := gh.NewClient(a.client).WithAuthToken(token)
	c.BaseURL = a.baseURL
	return c
}

func (*Adapter) CloneURL(baseURL, token, _ string) (string, error) {
	return host.EmbedCredentials(baseURL, "oauth2", token)
}

func (a *Adapter) CreatePullRequest(ctx context.Context, repo host.RepoRef, pr host.NewPullRequest, token string) (*host.PullRequest, error) {
	const op = "create pull request"

	created, resp, err := a.api(token).PullRequests.Create(ctx, repo.Owner, repo.Name, &gh.NewPullRequest{
		Title: gh.Ptr(pr.Title),
		Body:  gh.Ptr(pr.Body),
		Head:  gh.Ptr(pr.Head),
		Base:  gh.Ptr(pr.Base),
	})
	if err != nil {
		return nil, apiError(op, resp, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, &mirror.HostAPIError{Host: "github", Op: op, Status: resp.StatusCode}
	}

	return convert(created), nil
}

func (a *Adapter) GetPullRequest(ctx context.Context, prURL, token string) (*host.PullRequest, error) {
	owner, repo, number, err := parsePRURL(prURL)
	if err != nil {
		return nil, err
	}

	pr, resp, err := a.api(token).PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, apiError("get pull request", resp, err)
	}

	return convert(pr), nil
}

// ListComments returns review comments followed by conversation comments.
func (a *Adapter) ListComments(ctx context.Context, prURL, token string) ([]host.Comment, error) {
	owner, repo, number, err := parsePRURL(prURL)
	if err != nil {
		return nil, err
	}
	client := a.api(token)

	var result []host.Comment

	reviewOpts := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := client.PullRequests.ListComments(ctx, owner, repo, number, reviewOpts)
		if err != nil {
			return nil, apiError("list review comments", resp, err)
		}
		for _, c := range comments {
			result = append(result, host.Comment{
				ID:     c.GetID(),
				Body:   c.GetBody(),
				Raw:    c.GetBody(),
				Author: c.GetUser().GetLogin(),
				Anchor: anchor(c),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	issueOpts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := client.Issues.ListComments(ctx, owner, repo, number, issueOpts)
		if err != nil {
			return nil, apiError("list issue comments", resp, err)
		}
		for _, c := range comments {
			result = append(result, host.Comment{
				ID:     c.GetID(),
				Body:   c.GetBody(),
				Raw:    c.GetBody(),
				Author: c.GetUser().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	return result, nil
}

// PostComment creates a review comment when c is anchored to a line of the
// diff, and a conversation comment otherwise.
func (a *Adapter) PostComment(ctx context.Context, prURL string, c host.Comment, token string) error {
	owner, repo, number, err := parsePRURL(prURL)
	if err != nil {
		return err
	}
	client := a.api(token)

	if an := c.Anchor; an != nil && an.CommitID != "" && an.Path != "" && (an.Line > 0 || an.Position > 0) {
		rc := &gh.PullRequestComment{
			Body:     gh.Ptr(c.Text()),
			CommitID: gh.Ptr(an.CommitID),
			Path:     gh.Ptr(an.Path),
		}
		if an.Line > 0 {
			rc.Line = gh.Ptr(an.Line)
			rc.Side = nonEmpty(an.Side)
			if an.StartLine > 0 {
				rc.StartLine = gh.Ptr(an.StartLine)
				rc.StartSide = nonEmpty(an.StartSide)
			}
		} else {
			rc.Position = gh.Ptr(an.Position)
		}
		_, resp, err := client.PullRequests.CreateComment(ctx, owner, repo, number, rc)
		if err != nil {
			return apiError("post review comment", resp, err)
		}
		return nil
	}

	_, resp, err := client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.Ptr(c.Text())})
	if err != nil {
		return apiError("post comment", resp, err)
	}
	return nil
}

func (a *Adapter) MergePullRequest(ctx context.Context, prURL, commitTitle, commitMessage, token string) (int, error) {
	owner, repo, number, err := parsePRURL(prURL)
	if err != nil {
		return 0, err
	}

	_, resp, err := a.api(token).PullRequests.Merge(ctx, owner, repo, number, commitMessage, &gh.PullRequestOptions{
		CommitTitle: commitTitle,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return status, apiError("merge pull request", resp, err)
	}

	return resp.StatusCode, nil
}

func (a *Adapter) AddWebhook(ctx context.Context, repo host.RepoRef, hookURL, token string) error {
	_, resp, err := a.api(token).Repositories.CreateHook(ctx, repo.Owner, repo.Name, &gh.Hook{
		Name:   gh.Ptr("web"),
		Active: gh.Ptr(true),
		Events: []string{"pull_request"},
		Config: &gh.HookConfig{
			URL:         gh.Ptr(hookURL),
			ContentType: gh.Ptr("json"),
			InsecureSSL: gh.Ptr("1"),
		},
	})
	if err != nil {
		return apiError("add webhook", resp, err)
	}
	return nil
}

// anchor returns nil for outdated review comments, which have neither a line
// nor a position. GitHub rejects such an anchor, so they are handled like
// conversation comments on both sides.
func anchor(c *gh.PullRequestComment) *host.Anchor {
	if c.GetLine() == 0 && c.GetPosition() == 0 {
		return nil
	}
	return &host.Anchor{
		CommitID:  c.GetCommitID(),
		Path:      c.GetPath(),
		Position:  c.GetPosition(),
		StartLine: c.GetStartLine(),
		StartSide: c.GetStartSide(),
		Line:      c.GetLine(),
		Side:      c.GetSide(),
	}
}

func convert(pr *gh.PullRequest) *host.PullRequest {
	result := &host.PullRequest{
		URL:     pr.GetURL(),
		HTMLURL: pr.GetHTMLURL(),
		Number:  int64(pr.GetNumber()),
		Title:   pr.GetTitle(),
		Merged:  pr.GetMerged(),
		Closed:  pr.GetState() == "closed" && !pr.GetMerged(),
	}
	if pr.MergedAt != nil {
		t := pr.GetMergedAt().Time
		result.MergedAt = &t
	}
	return result
}

func parsePRURL(prURL string) (owner, repo string, number int, err error) {
	m := prURLPattern.FindStringSubmatch(prURL)
	if m == nil {
		return "", "", 0, fmt.Errorf("not a github pull request api url: %q", prURL)
	}
	number, err = strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("not a github pull request api url: %q: %w", prURL, err)
	}
	return m[1], m[2], number, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// apiError converts go-github errors. Responses become HostAPIErrors with the
// first detailed error message; failures without a response are transient.
func apiError(op string, resp *gh.Response, err error) error {
	var er *gh.ErrorResponse
	if errors.As(err, &er) {
		msg := er.Message
		if len(er.Errors) > 0 && er.Errors[0].Message != "" {
			msg = er.Errors[0].Message
		}
		body, _ := json.Marshal(er)
		status := 0
		if er.Response != nil {
			status = er.Response.StatusCode
		}
		return &mirror.HostAPIError{
			Host:    "github",
			Op:      op,
			Status:  status,
			Message: msg,
			Body:    string(body),
		}
	}

	if resp != nil && resp.Response != nil {
		return &mirror.HostAPIError{Host: "github", Op: op, Status: resp.StatusCode, Message: err.Error()}
	}

	return &mirror.TransientError{Op: "github " + op, Err: err}
}
