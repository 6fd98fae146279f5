package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/gitsync"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/mirror"
)

type fakeStore struct {
	mu         sync.Mutex
	mirrors    map[string]*config.Mirror
	records    []*mirror.Record
	activities []mirror.Activity
	listErr    error
}

func newFakeStore(mirrors ...*config.Mirror) *fakeStore {
	s := &fakeStore{mirrors: make(map[string]*config.Mirror)}
	for _, m := range mirrors {
		s.mirrors[m.Name] = m
	}
	return s
}

func (s *fakeStore) GetMirror(_ context.Context, name string) (*config.Mirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mirrors[name]
	if !ok {
		return nil, fmt.Errorf("mirror %q: %w", name, mirror.ErrNotFound)
	}
	return m, nil
}

func (s *fakeStore) CreateRecord(_ context.Context, rec *mirror.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.PrimaryPRURL == rec.PrimaryPRURL {
			return mirror.ErrDuplicate
		}
	}
	rec.ID = int64(len(s.records) + 1)
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *fakeStore) GetRecordByPrimaryURL(_ context.Context, url string) (*mirror.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.PrimaryPRURL == url {
			cp := *r
			return &cp, nil
		}
	}
	return nil, mirror.ErrNotFound
}

func (s *fakeStore) ListOpenRecords(context.Context) ([]*mirror.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var result []*mirror.Record
	for _, r := range s.records {
		if r.State == mirror.StateOpen {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *fakeStore) UpdateRecord(_ context.Context, rec *mirror.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == rec.ID {
			cp := *rec
			s.records[i] = &cp
			return nil
		}
	}
	return mirror.ErrNotFound
}

func (s *fakeStore) AppendActivity(_ context.Context, a mirror.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
	return nil
}

func (s *fakeStore) ListActivities(_ context.Context, name string, _ int) ([]mirror.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []mirror.Activity
	for _, a := range s.activities {
		if name == "" || a.Mirror == name {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *fakeStore) record(url string) *mirror.Record {
	rec, _ := s.GetRecordByPrimaryURL(context.Background(), url)
	return rec
}

func (s *fakeStore) activityOutcomes() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []bool
	for _, a := range s.activities {
		result = append(result, a.Success)
	}
	return result
}

type fakeAdapter struct {
	mu          sync.Mutex
	kind        config.HostKind
	createErr   error
	created     []host.NewPullRequest
	createdRepo []host.RepoRef
	prs         map[string]*host.PullRequest
	comments    map[string][]host.Comment
	getErr      error
	posted      []host.Comment
	postErr     func(host.Comment) error
	mergeStatus int
	mergeErr    error
	merges      []string
	mergeTitles []string
	listCalls   int
	tokens      []string
	hooks       []string
	hookErr     error
}

func newFakeAdapter(kind config.HostKind) *fakeAdapter {
	return &fakeAdapter{
		kind:        kind,
		prs:         make(map[string]*host.PullRequest),
		comments:    make(map[string][]host.Comment),
		mergeStatus: 200,
	}
}

func (a *fakeAdapter) Kind() config.HostKind { return a.kind }

func (a *fakeAdapter) CloneURL(baseURL, token, username string) (string, error) {
	user := "oauth2"
	if a.kind == config.Bitbucket {
		user = username
	}
	return host.EmbedCredentials(baseURL, user, token)
}

func (a *fakeAdapter) CreatePullRequest(_ context.Context, repo host.RepoRef, pr host.NewPullRequest, token string) (*host.PullRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.created = append(a.created, pr)
	a.createdRepo = append(a.createdRepo, repo)
	n := int64(len(a.created))
	url := fmt.Sprintf("https://api.example.com/%s/pulls/%d", repo, n)
	created := &host.PullRequest{URL: url, Number: n, Title: pr.Title}
	a.prs[url] = created
	return created, nil
}

func (a *fakeAdapter) GetPullRequest(_ context.Context, prURL, token string) (*host.PullRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	if a.getErr != nil {
		return nil, a.getErr
	}
	pr, ok := a.prs[prURL]
	if !ok {
		return nil, &mirror.HostAPIError{Host: string(a.kind), Op: "get pull request", Status: 404, Message: "not found"}
	}
	cp := *pr
	return &cp, nil
}

func (a *fakeAdapter) ListComments(_ context.Context, prURL, token string) ([]host.Comment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	a.tokens = append(a.tokens, token)
	return slices.Clone(a.comments[prURL]), nil
}

func (a *fakeAdapter) PostComment(_ context.Context, prURL string, c host.Comment, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	if a.postErr != nil {
		if err := a.postErr(c); err != nil {
			return err
		}
	}
	c.ID = int64(1000 + len(a.posted))
	if a.kind == config.GitHub {
		c.Body, c.Raw = c.Text(), c.Text()
	}
	a.posted = append(a.posted, c)
	a.comments[prURL] = append(a.comments[prURL], c)
	return nil
}

func (a *fakeAdapter) MergePullRequest(_ context.Context, prURL, title, _ string, token string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	a.merges = append(a.merges, prURL)
	a.mergeTitles = append(a.mergeTitles, title)
	return a.mergeStatus, a.mergeErr
}

func (a *fakeAdapter) AddWebhook(_ context.Context, repo host.RepoRef, hookURL, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	a.hooks = append(a.hooks, repo.String()+" "+hookURL)
	return a.hookErr
}

type fakeGit struct {
	mu        sync.Mutex
	clones    []string
	checkouts []string
	pushes    []string
	pushErrs  []error
	workspace int
}

func (g *fakeGit) With(_ context.Context, fn func(gitsync.Workspace) error) error {
	g.mu.Lock()
	g.workspace++
	g.mu.Unlock()
	return fn(g)
}

func (g *fakeGit) Clone(_ context.Context, url string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clones = append(g.clones, url)
	return nil
}

func (g *fakeGit) Checkout(branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, branch)
	return nil
}

func (g *fakeGit) Push(_ context.Context, url, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, url)
	if len(g.pushErrs) > 0 {
		err := g.pushErrs[0]
		g.pushErrs = g.pushErrs[1:]
		return err
	}
	return nil
}

// fakeVault treats ciphertexts as "enc:" prefixed plaintexts.
type fakeVault struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
}

func (*fakeVault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", fmt.Errorf("malformed ciphertext %q", ciphertext)
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

func (v *fakeVault) RefreshOAuth(_ context.Context, o *config.OAuth) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshes++
	if o == nil {
		return "", &mirror.ConfigurationError{Field: "oauth", Reason: "missing"}
	}
	if v.refreshErr != nil {
		return "", v.refreshErr
	}
	return fmt.Sprintf("fresh-%d", v.refreshes), nil
}

type syncSubmitter struct {
	submitted []string
}

func (s *syncSubmitter) Submit(name string, fn func(context.Context)) {
	s.submitted = append(s.submitted, name)
	fn(context.Background())
}

func testMirror(primary, secondary config.HostKind) *config.Mirror {
	m := &config.Mirror{
		Name:  "widgets",
		Owner: "alice",
		Base:  "main",
		Primary: config.Repository{
			Host:  primary,
			Owner: "acme",
			Name:  "widgets",
			Token: "enc:primary-token",
		},
		Secondary: config.Repository{
			Host:  secondary,
			Owner: "acme-mirror",
			Name:  "Widget Mirror",
			Token: "enc:secondary-token",
		},
	}
	for _, r := range []*config.Repository{&m.Primary, &m.Secondary} {
		if r.Host == config.Bitbucket {
			r.Username = "bot"
			r.OAuth = &config.OAuth{ClientID: "enc:id", ClientSecret: "enc:secret", RefreshToken: "enc:refresh"}
		}
	}
	return m
}
