// Package bitbucket implements host.Adapter against the Bitbucket Cloud 2.0
// REST API.
package bitbucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	stateMerged     = "MERGED"
	stateDeclined   = "DECLINED"
	stateSuperseded = "SUPERSEDED"

	pageLen = 100
)

var hookEvents = []string{
	"pullrequest:created",
	"pullrequest:fulfilled",
	"pullrequest:rejected",
	"pullrequest:updated",
}

type Adapter struct {
	baseURL string
	client  *http.Client
}

// New returns an adapter for the API rooted at baseURL, normally
// https://api.bitbucket.org/2.0/.
func New(baseURL string, client *http.Client) (*Adapter, error) {
	const errCtx = "creating bitbucket adapter"

	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: config.DefaultHTTPTimeout}
	}

	return &Adapter{baseURL: baseURL, client: client}, nil
}

func (*Adapter) Kind() config.HostKind {
	return config.Bitbucket
}

func (*Adapter) CloneURL(baseURL, token, username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("bitbucket clone url: username must be set")
	}
	return host.EmbedCredentials(baseURL, username, token)
}

type branch struct {
	Name string `json:"name"`
}

type endpoint struct {
	Branch branch `json:"branch"`
}

type link struct {
	Href string `json:"href"`
}

type newPullRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Source            endpoint `json:"source"`
	Destination       endpoint `json:"destination"`
	CloseSourceBranch bool     `json:"close_source_branch"`
}

type pullRequest struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	UpdatedOn time.Time `json:"updated_on"`
	Links     struct {
		Self link `json:"self"`
		HTML link `json:"html"`
	} `json:"links"`
}

type content struct {
	Raw  string `json:"raw"`
	HTML string `json:"html,omitempty"`
}

type comment struct {
	ID      int64   `json:"id"`
	Content content `json:"content"`
	Deleted bool    `json:"deleted"`
	User    struct {
		DisplayName string `json:"display_name"`
		Nickname    string `json:"nickname"`
	} `json:"user"`
}

type commentPage struct {
	Values []comment `json:"values"`
	Next   string    `json:"next"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) CreatePullRequest(ctx context.Context, repo host.RepoRef, pr host.NewPullRequest, token string) (*host.PullRequest, error) {
	const op = "create pull request"

	req := newPullRequest{
		Title:             pr.Title,
		Description:       pr.Body,
		Source:            endpoint{Branch: branch{Name: pr.Head}},
		Destination:       endpoint{Branch: branch{Name: pr.Base}},
		CloseSourceBranch: true,
	}

	u := a.baseURL + "repositories/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name) + "/pullrequests"

	var created pullRequest
	status, err := a.do(ctx, op, http.MethodPost, u, token, req, &created)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, &mirror.HostAPIError{Host: "bitbucket", Op: op, Status: status}
	}

	return created.convert(), nil
}

func (a *Adapter) GetPullRequest(ctx context.Context, prURL, token string) (*host.PullRequest, error) {
	var pr pullRequest
	if _, err := a.do(ctx, "get pull request", http.MethodGet, prURL, token, nil, &pr); err != nil {
		return nil, err
	}
	return pr.convert(), nil
}

// ListComments follows the paginated comments collection. Deleted comments
// are skipped.
func (a *Adapter) ListComments(ctx context.Context, prURL, token string) ([]host.Comment, error) {
	var result []host.Comment

	next := fmt.Sprintf("%s/comments?pagelen=%d", strings.TrimSuffix(prURL, "/"), pageLen)
	for next != "" {
		var page commentPage
		if _, err := a.do(ctx, "list comments", http.MethodGet, next, token, nil, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Values {
			if c.Deleted {
				continue
			}
			author := c.User.Nickname
			if author == "" {
				author = c.User.DisplayName
			}
			result = append(result, host.Comment{
				ID:     c.ID,
				Body:   c.Content.HTML,
				Raw:    c.Content.Raw,
				Author: author,
			})
		}
		next = page.Next
	}

	return result, nil
}

func (a *Adapter) PostComment(ctx context.Context, prURL string, c host.Comment, token string) error {
	body := struct {
		Content content `json:"content"`
	}{Content: content{Raw: c.Text()}}

	_, err := a.do(ctx, "post comment", http.MethodPost, strings.TrimSuffix(prURL, "/")+"/comments", token, body, nil)
	return err
}

// MergePullRequest merges with a merge commit. Title and message are joined
// since Bitbucket takes a single commit message.
func (a *Adapter) MergePullRequest(ctx context.Context, prURL, commitTitle, commitMessage, token string) (int, error) {
	body := map[string]any{
		"type":                "pullrequest",
		"message":             strings.TrimSpace(commitTitle + "\n\n" + commitMessage),
		"merge_strategy":      "merge_commit",
		"close_source_branch": true,
	}
	return a.do(ctx, "merge pull request", http.MethodPost, strings.TrimSuffix(prURL, "/")+"/merge", token, body, nil)
}

func (a *Adapter) AddWebhook(ctx context.Context, repo host.RepoRef, hookURL, token string) error {
	body := map[string]any{
		"description":            "prmirror-webhook",
		"url":                    hookURL,
		"active":                 true,
		"events":                 hookEvents,
		"skip_cert_verification": true,
	}
	u := a.baseURL + "repositories/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name) + "/hooks"
	_, err := a.do(ctx, "add webhook", http.MethodPost, u, token, body, nil)
	return err
}

func (pr *pullRequest) convert() *host.PullRequest {
	result := &host.PullRequest{
		URL:     pr.Links.Self.Href,
		HTMLURL: pr.Links.HTML.Href,
		Number:  pr.ID,
		Title:   pr.Title,
		Merged:  pr.State == stateMerged,
		Closed:  pr.State == stateDeclined || pr.State == stateSuperseded,
	}
	if result.Merged && !pr.UpdatedOn.IsZero() {
		t := pr.UpdatedOn.UTC()
		result.MergedAt = &t
	}
	return result
}

// do sends a JSON request with a bearer token and decodes a 2xx response into
// out. It returns the status code for every response, including errors.
func (a *Adapter) do(ctx context.Context, op, method, u, token string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("bitbucket %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, fmt.Errorf("bitbucket %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, &mirror.TransientError{Op: "bitbucket " + op, Err: err}
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &mirror.TransientError{Op: "bitbucket " + op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(rb, &eb)
		return resp.StatusCode, &mirror.HostAPIError{
			Host:    "bitbucket",
			Op:      op,
			Status:  resp.StatusCode,
			Message: eb.Error.Message,
			Body:    string(rb),
		}
	}

	if out != nil && len(rb) > 0 {
		if err := json.Unmarshal(rb, out); err != nil {
			return resp.StatusCode, fmt.Errorf("bitbucket %s: decode response: %w", op, err)
		}
	}

	return resp.StatusCode, nil
}
