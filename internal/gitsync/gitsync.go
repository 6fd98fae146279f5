// Package gitsync moves a branch from one remote repository to another through
// an ephemeral local clone. Every clone lives in its own temporary directory
// that is removed when the enclosing operation returns, whatever the outcome.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	gohttp "net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/metrics"
	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	originRemote    = "origin"
	SecondaryRemote = "secondary"
)

// InstallTransport makes go-git use a client whose timeout bounds connecting
// and waiting for response headers only. Transferring a pack may take longer
// and is bounded by the context of the operation instead.
func InstallTransport(timeout time.Duration) {
	c := newHTTPClient(timeout)
	client.InstallProtocol("https", http.NewClient(c))
	client.InstallProtocol("http", http.NewClient(c))
}

func newHTTPClient(timeout time.Duration) *gohttp.Client {
	t := gohttp.DefaultTransport.(*gohttp.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return &gohttp.Client{Transport: t}
}

// Workspace is a single ephemeral clone.
type Workspace interface {
	Clone(ctx context.Context, remoteURL string) error
	Checkout(branch string) error
	Push(ctx context.Context, remoteURL, branch string) error
}

// Manager hands out workspaces below a parent directory.
type Manager struct {
	dir string
	log *logging.Logger
}

// New returns a Manager creating clones in dir, or in the OS temp dir if dir
// is empty.
func New(dir string) *Manager {
	return &Manager{dir: dir, log: logging.NewNop()}
}

func (m *Manager) WithLogger(l *logging.Logger) *Manager {
	m.log = l
	return m
}

// With runs fn against a fresh workspace and removes it afterwards. The
// directory is removed on every exit path, including cancellation of ctx.
func (m *Manager) With(ctx context.Context, fn func(Workspace) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.dir != "" {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return err
		}
	}

	path, err := os.MkdirTemp(m.dir, "prmirror-")
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(path); err != nil {
			m.log.Warnf("failed to remove workspace %s: %v", path, err)
		}
	}()

	return fn(&workspace{path: path})
}

type workspace struct {
	path string
	repo *git.Repository
}

func (w *workspace) Clone(ctx context.Context, remoteURL string) error {
	start := time.Now()

	u, auth, err := authFromURL(remoteURL)
	if err != nil {
		return err
	}

	w.repo, err = git.PlainCloneContext(ctx, w.path, false, &git.CloneOptions{
		URL:        u,
		Auth:       auth,
		RemoteName: originRemote,
		NoCheckout: true, // We will checkout later
	})
	err = wrap("clone", err)
	metrics.GitOperation("clone", start, err)
	return err
}

// Checkout creates the local branch from the remote tracking branch of the
// same name and checks it out.
func (w *workspace) Checkout(branch string) error {
	start := time.Now()
	err := w.checkout(branch)
	metrics.GitOperation("checkout", start, err)
	return err
}

func (w *workspace) checkout(branch string) error {
	if w.repo == nil {
		return errors.New("checkout: repository not cloned")
	}

	remoteRef, err := w.repo.Reference(plumbing.NewRemoteReferenceName(originRemote, branch), true)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}

	return wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Hash:   remoteRef.Hash(),
		Create: true,
		Force:  true, // Discard any local changes
	})
}

// Push pushes branch to remoteURL, registered as the "secondary" remote. A
// rejected credential is reported as mirror.ErrAuthExpired.
func (w *workspace) Push(ctx context.Context, remoteURL, branch string) error {
	start := time.Now()
	err := w.push(ctx, remoteURL, branch)
	metrics.GitOperation("push", start, err)
	return err
}

func (w *workspace) push(ctx context.Context, remoteURL, branch string) error {
	if w.repo == nil {
		return errors.New("push: repository not cloned")
	}

	u, auth, err := authFromURL(remoteURL)
	if err != nil {
		return err
	}

	// The remote is recreated on retries, since the credentials may have changed.
	if err := w.repo.DeleteRemote(SecondaryRemote); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("push: %w", err)
	}
	if _, err := w.repo.CreateRemote(&gitconfig.RemoteConfig{Name: SecondaryRemote, URLs: []string{u}}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	err = w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: SecondaryRemote,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))},
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return wrap("push", err)
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return fmt.Errorf("%s: %w: %w", op, mirror.ErrAuthExpired, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &mirror.TransientError{Op: "git " + op, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &mirror.TransientError{Op: "git " + op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// authFromURL moves credentials embedded in rawURL into an AuthMethod, so the
// token is neither written to the repository config nor printed in errors.
func authFromURL(rawURL string) (string, transport.AuthMethod, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, errors.New("invalid remote url")
	}
	if u.User == nil {
		return rawURL, nil, nil
	}

	password, _ := u.User.Password()
	auth := &basicAuth{Username: u.User.Username(), Password: password}
	u.User = nil
	return u.String(), auth, nil
}

// basicAuth is HTTP basic authentication whose String never reveals the
// password.
type basicAuth struct {
	Username string
	Password string
}

func (a *basicAuth) String() string {
	masked := "*******"
	if a.Password == "" {
		masked = "<empty>"
	}
	return fmt.Sprintf("%s - %s:%s", a.Name(), a.Username, masked)
}

func (*basicAuth) Name() string {
	return "http-basic-auth"
}

func (a *basicAuth) SetAuth(r *gohttp.Request) {
	r.SetBasicAuth(a.Username, a.Password)
}
