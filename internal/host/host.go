// Package host defines the operations the mirror needs from a git hosting
// provider. Implementations live in the github and bitbucket subpackages and
// are selected once per mirror side through a Registry.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/mirror"
)

type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequest is the host-neutral view of a pull request. URL is the API URL
// used for every later call against it.
type PullRequest struct {
	URL      string
	HTMLURL  string
	Number   int64
	Title    string
	Merged   bool
	Closed   bool
	MergedAt *time.Time
}

type Adapter interface {
	Kind() config.HostKind
	// CloneURL embeds credentials into an https clone URL.
	CloneURL(baseURL, token, username string) (string, error)
	CreatePullRequest(ctx context.Context, repo RepoRef, pr NewPullRequest, token string) (*PullRequest, error)
	GetPullRequest(ctx context.Context, prURL, token string) (*PullRequest, error)
	ListComments(ctx context.Context, prURL, token string) ([]Comment, error)
	PostComment(ctx context.Context, prURL string, c Comment, token string) error
	// MergePullRequest returns the status code of the merge call.
	MergePullRequest(ctx context.Context, prURL, commitTitle, commitMessage, token string) (int, error)
	AddWebhook(ctx context.Context, repo RepoRef, hookURL, token string) error
}

type Registry map[config.HostKind]Adapter

func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Kind()] = a
	}
	return r
}

func (r Registry) For(kind config.HostKind) (Adapter, error) {
	a, ok := r[kind]
	if !ok {
		return nil, &mirror.ConfigurationError{Field: "host", Reason: fmt.Sprintf("no adapter for host %q", kind)}
	}
	return a, nil
}

// EmbedCredentials returns baseURL with user:password set as its userinfo.
func EmbedCredentials(baseURL, user, password string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid clone url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("invalid clone url: unsupported scheme %q", u.Scheme)
	}
	if password == "" {
		return "", errors.New("invalid clone url: empty token")
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}
