package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	DefaultReconcileInterval = 30 * time.Minute
	DefaultErrorInterval     = 5 * time.Minute
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultWorkers           = 4
	DefaultSweepConcurrency  = 4

	DefaultGitHubAPIURL      = "https://api.github.com/"
	DefaultBitbucketAPIURL   = "https://api.bitbucket.org/2.0/"
	DefaultBitbucketTokenURL = "https://bitbucket.org/site/oauth2/access_token"
)

// Root is the top-level configuration structure.
type Root struct {
	Service  *Service           `json:"service,omitempty"`
	Database *Database          `json:"database,omitempty"`
	Mirrors  map[string]*Mirror `json:"mirrors,omitempty"`
}

// SetSQLitePersistentByDefault points the database configuration at a SQLite
// file in dir unless another database has been configured.
func (r *Root) SetSQLitePersistentByDefault(dir string) bool {
	if r.Database == nil {
		r.Database = &Database{}
	}

	if r.Database.SQL == nil {
		r.Database.SQL = &SQLDatabase{}
	}

	switch r.Database.SQL.Driver {
	case "", "sqlite3", "sqlite":
		if r.Database.SQL.DSN == "" {
			r.Database.SQL.Driver = "sqlite3"
			r.Database.SQL.DSN = filepath.Join(dir, "prmirror.db")
			return true
		}
	}
	return false
}

func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	r.unmarshal()
	return nil
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	r.unmarshal()
	return nil
}

func (r *Root) unmarshal() {
	for name := range r.Mirrors {
		r.Mirrors[name] = cmp.Or(r.Mirrors[name], &Mirror{})
		r.Mirrors[name].Name = name
	}
}

// SortedMirrors iterates mirrors ordered by name.
func (r *Root) SortedMirrors() iter.Seq2[int, *Mirror] {
	return func(yield func(int, *Mirror) bool) {
		for i, name := range slices.Sorted(maps.Keys(r.Mirrors)) {
			if !yield(i, r.Mirrors[name]) {
				return
			}
		}
	}
}

// Validate checks every mirror. All problems are reported, not just the
// first one.
func (r *Root) Validate() error {
	var errs []error
	for _, m := range r.SortedMirrors() {
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Service configures the long-running process.
type Service struct {
	// ApiPrefix prefixes all endpoints (including health and metrics) with its value. It must start
	// with `/` and not end with `/`.
	ApiPrefix string `json:"api_prefix,omitempty" pattern:"^/([^/].*[^/])?$"`
	// SecretKey is the application secret the credential encryption key is derived from.
	// ${VAR} references are expanded from the environment.
	SecretKey         string   `json:"secret_key,omitempty"`
	ReconcileInterval Duration `json:"reconcile_interval,omitzero"`
	ErrorInterval     Duration `json:"error_interval,omitzero"`
	HTTPTimeout       Duration `json:"http_timeout,omitzero"`
	Workers           int      `json:"workers,omitempty" minimum:"1"`
	SweepConcurrency  int      `json:"sweep_concurrency,omitempty" minimum:"1"`
	// WorkDir is where ephemeral clones are created. Defaults to the OS temp dir.
	WorkDir           string `json:"work_dir,omitempty"`
	GitHubAPIURL      string `json:"github_api_url,omitempty"`
	BitbucketAPIURL   string `json:"bitbucket_api_url,omitempty"`
	BitbucketTokenURL string `json:"bitbucket_token_url,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (s *Service) get() Service {
	if s == nil {
		return Service{}
	}
	return *s
}

func (s *Service) Secret() string {
	return os.ExpandEnv(s.get().SecretKey)
}

func (s *Service) Interval() time.Duration {
	return cmp.Or(time.Duration(s.get().ReconcileInterval), DefaultReconcileInterval)
}

func (s *Service) RetryInterval() time.Duration {
	return cmp.Or(time.Duration(s.get().ErrorInterval), DefaultErrorInterval)
}

func (s *Service) Timeout() time.Duration {
	return cmp.Or(time.Duration(s.get().HTTPTimeout), DefaultHTTPTimeout)
}

func (s *Service) WorkerCount() int {
	return cmp.Or(s.get().Workers, DefaultWorkers)
}

func (s *Service) Concurrency() int {
	return cmp.Or(s.get().SweepConcurrency, DefaultSweepConcurrency)
}

func (s *Service) GitHubURL() string {
	return cmp.Or(s.get().GitHubAPIURL, DefaultGitHubAPIURL)
}

func (s *Service) BitbucketURL() string {
	return cmp.Or(s.get().BitbucketAPIURL, DefaultBitbucketAPIURL)
}

func (s *Service) BitbucketOAuthURL() string {
	return cmp.Or(s.get().BitbucketTokenURL, DefaultBitbucketTokenURL)
}

func (s *Service) WorkingDir() string {
	return s.get().WorkDir
}

func (s *Service) Prefix() string {
	return s.get().ApiPrefix
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(d.String())
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type HostKind string

const (
	GitHub    HostKind = "github"
	Bitbucket HostKind = "bitbucket"
)

func (k HostKind) Valid() bool {
	return k == GitHub || k == Bitbucket
}

// Mirror pairs a primary repository with the secondary repository its pull
// requests are mirrored to.
type Mirror struct {
	Name string `json:"-"`
	// Owner is the actor recorded in the activity log.
	Owner     string     `json:"owner,omitempty"`
	Base      string     `json:"base" required:"true" minLength:"1"`
	Primary   Repository `json:"primary" required:"true"`
	Secondary Repository `json:"secondary" required:"true"`

	_ struct{} `additionalProperties:"false"`
}

func (m *Mirror) Validate() error {
	if m.Base == "" {
		return &mirror.ConfigurationError{Mirror: m.Name, Field: "base", Reason: "must be set"}
	}
	if err := m.Primary.validate(m.Name, "primary"); err != nil {
		return err
	}
	return m.Secondary.validate(m.Name, "secondary")
}

func (m *Mirror) Equal(other *Mirror) bool {
	return fastEqual(m, other, func(m, other *Mirror) bool {
		return m.Name == other.Name &&
			m.Owner == other.Owner &&
			m.Base == other.Base &&
			m.Primary.Equal(&other.Primary) &&
			m.Secondary.Equal(&other.Secondary)
	})
}

// Repository is one side of a mirror. Token and the OAuth fields hold
// ciphertexts produced by the credential vault.
type Repository struct {
	Host  HostKind `json:"host" required:"true" enum:"github,bitbucket"`
	Owner string   `json:"owner" required:"true" minLength:"1"`
	Name  string   `json:"name" required:"true" minLength:"1"`
	// URL is the https clone URL. Derived from host, owner and name if empty.
	URL string `json:"url,omitempty"`
	// Username is used for authenticated Bitbucket clone URLs.
	Username string `json:"username,omitempty"`
	Token    string `json:"token" required:"true"`
	OAuth    *OAuth `json:"oauth,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// OAuth is the encrypted Bitbucket OAuth consumer and refresh token.
type OAuth struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`

	_ struct{} `additionalProperties:"false"`
}

// Map returns the labeled ciphertexts, as expected by the vault's DecryptAll.
func (o *OAuth) Map() map[string]string {
	if o == nil {
		return map[string]string{}
	}
	return map[string]string{
		"client_id":     o.ClientID,
		"client_secret": o.ClientSecret,
		"refresh_token": o.RefreshToken,
	}
}

func (r *Repository) validate(mirrorName, side string) error {
	if !r.Host.Valid() {
		return &mirror.ConfigurationError{Mirror: mirrorName, Field: side + ".host", Reason: fmt.Sprintf("unsupported host %q", r.Host)}
	}
	if r.Owner == "" || r.Name == "" {
		return &mirror.ConfigurationError{Mirror: mirrorName, Field: side, Reason: "owner and name must be set"}
	}
	if r.Host != Bitbucket {
		return nil
	}

	var missing []string
	creds := r.OAuth.Map()
	for _, k := range []string{"client_id", "client_secret", "refresh_token"} {
		if creds[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &mirror.ConfigurationError{
			Mirror: mirrorName,
			Field:  side + ".oauth",
			Reason: "bitbucket requires " + strings.Join(missing, ", "),
		}
	}
	if r.Username == "" {
		return &mirror.ConfigurationError{Mirror: mirrorName, Field: side + ".username", Reason: "bitbucket requires a username for clone URLs"}
	}
	return nil
}

// NormalizedName is the repository name as used in URLs: human-entered names
// like "My Repo" become "my-repo".
func (r *Repository) NormalizedName() string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(r.Name), " ", "-"))
}

// CloneURL returns the configured clone URL, or the host's conventional one.
func (r *Repository) CloneURL() string {
	if r.URL != "" {
		return r.URL
	}
	switch r.Host {
	case Bitbucket:
		return fmt.Sprintf("https://bitbucket.org/%s/%s.git", r.Owner, r.NormalizedName())
	default:
		return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.NormalizedName())
	}
}

func (r *Repository) Equal(other *Repository) bool {
	return fastEqual(r, other, func(r, other *Repository) bool {
		return r.Host == other.Host &&
			r.Owner == other.Owner &&
			r.Name == other.Name &&
			r.URL == other.URL &&
			r.Username == other.Username &&
			r.Token == other.Token &&
			fastEqual(r.OAuth, other.OAuth, func(a, b *OAuth) bool { return *a == *b })
	})
}

type Database struct {
	SQL *SQLDatabase `json:"sql,omitempty"`
}

type SQLDatabase struct {
	Driver string `json:"driver" enum:"sqlite,sqlite3,postgres,pgx,mysql"`
	DSN    string `json:"dsn"`
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

// ParseFiles merges the given files (or directories of files) and parses the
// result. Conflicting values across files are errors.
func ParseFiles(filenames []string) (*Root, error) {
	if len(filenames) == 1 {
		return ParseFile(filenames[0])
	}

	bs, err := Merge(filenames, true)
	if err != nil {
		return nil, err
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := root.Validate(); err != nil {
		return nil, err
	}

	return &root, nil
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}

// Validate checks data against the configuration schema.
func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}
