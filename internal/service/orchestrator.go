package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/gitsync"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/metrics"
	"github.com/repoautomator/prmirror/internal/mirror"
)

// Orchestrator mirrors closed pull requests from the primary to the secondary
// repository of a mirror: clone, check out, push, open a pull request, record.
type Orchestrator struct {
	store Store
	hosts host.Registry
	vault Credentials
	git   Git
	pool  Submitter
	locks *Locks
	log   *logging.Logger
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{locks: NewLocks(), log: logging.NewNop()}
}

func (o *Orchestrator) WithStore(s Store) *Orchestrator {
	o.store = s
	return o
}

func (o *Orchestrator) WithHosts(r host.Registry) *Orchestrator {
	o.hosts = r
	return o
}

func (o *Orchestrator) WithCredentials(c Credentials) *Orchestrator {
	o.vault = c
	return o
}

func (o *Orchestrator) WithGit(g Git) *Orchestrator {
	o.git = g
	return o
}

func (o *Orchestrator) WithSubmitter(s Submitter) *Orchestrator {
	o.pool = s
	return o
}

// WithLocks shares the per-record locks with a Reconciler.
func (o *Orchestrator) WithLocks(l *Locks) *Orchestrator {
	o.locks = l
	return o
}

func (o *Orchestrator) WithLogger(l *logging.Logger) *Orchestrator {
	o.log = l
	return o
}

// HandleWebhook accepts a webhook delivery for the named mirror. Closed pull
// requests are submitted for mirroring and the call returns without waiting.
// Other actions return ErrIgnored. The outcome of the mirror itself is only
// visible in the activity log.
func (o *Orchestrator) HandleWebhook(ctx context.Context, mirrorName string, payload []byte, eventKey string) error {
	m, err := o.store.GetMirror(ctx, mirrorName)
	if err != nil {
		return err
	}

	ev, err := ParseWebhook(payload, eventKey)
	if err != nil {
		return err
	}

	if ev.Action != ActionClosed {
		o.log.Debugf("Ignoring %q webhook for mirror %q.", ev.Action, m.Name)
		return ErrIgnored
	}

	if err := ev.validate(); err != nil {
		return err
	}

	o.pool.Submit("mirror/"+m.Name, func(ctx context.Context) {
		if err := o.Mirror(ctx, m, ev); err != nil {
			o.log.Warnf("failed to mirror %s for mirror %q: %v", ev.PullRequest.URL, m.Name, err)
		}
	})
	return nil
}

// Mirror runs one mirror synchronously. A pull request that already has a
// record is skipped. Failures are appended to the activity log and returned.
func (o *Orchestrator) Mirror(ctx context.Context, m *config.Mirror, ev *WebhookEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}

	key := ev.PullRequest.URL
	if err := o.locks.Lock(ctx, key); err != nil {
		return err
	}
	defer o.locks.Unlock(key)

	if _, err := o.store.GetRecordByPrimaryURL(ctx, key); err == nil {
		o.log.Debugf("Pull request %s is already mirrored.", key)
		return nil
	} else if !errors.Is(err, mirror.ErrNotFound) {
		return err
	}

	start := time.Now()
	rec, err := o.mirror(ctx, m, ev)
	metrics.MirrorDone(m.Name, start, err)
	if err != nil {
		appendActivity(ctx, o.log, o.store, m, false, fmt.Sprintf("Failed to mirror pull request %q: %v", ev.PullRequest.Title, err))
		return err
	}

	appendActivity(ctx, o.log, o.store, m, true, fmt.Sprintf("Mirrored pull request %q to %s.", ev.PullRequest.Title, rec.SecondaryPRURL))
	o.log.Infof("Mirrored %s to %s.", rec.PrimaryPRURL, rec.SecondaryPRURL)
	return nil
}

func (o *Orchestrator) mirror(ctx context.Context, m *config.Mirror, ev *WebhookEvent) (*mirror.Record, error) {
	primary, err := o.hosts.For(m.Primary.Host)
	if err != nil {
		return nil, err
	}
	secondary, err := o.hosts.For(m.Secondary.Host)
	if err != nil {
		return nil, err
	}

	primaryToken, err := o.vault.Decrypt(m.Primary.Token)
	if err != nil {
		return nil, fmt.Errorf("decrypt primary token: %w", err)
	}
	secondaryToken, err := o.vault.Decrypt(m.Secondary.Token)
	if err != nil {
		return nil, fmt.Errorf("decrypt secondary token: %w", err)
	}

	source, err := primary.CloneURL(m.Primary.CloneURL(), primaryToken, m.Primary.Username)
	if err != nil {
		return nil, err
	}

	branch := ev.PullRequest.Head.Ref
	err = o.git.With(ctx, func(ws gitsync.Workspace) error {
		if err := ws.Clone(ctx, source); err != nil {
			return err
		}
		if err := ws.Checkout(branch); err != nil {
			return err
		}

		target, err := secondary.CloneURL(m.Secondary.CloneURL(), secondaryToken, m.Secondary.Username)
		if err != nil {
			return err
		}

		err = ws.Push(ctx, target, branch)
		if !errors.Is(err, mirror.ErrAuthExpired) || m.Secondary.Host != config.Bitbucket {
			return err
		}

		o.log.Infof("Secondary token of mirror %q expired, refreshing.", m.Name)
		if secondaryToken, err = o.vault.RefreshOAuth(ctx, m.Secondary.OAuth); err != nil {
			return fmt.Errorf("refresh secondary token: %w", err)
		}
		if target, err = secondary.CloneURL(m.Secondary.CloneURL(), secondaryToken, m.Secondary.Username); err != nil {
			return err
		}
		return ws.Push(ctx, target, branch)
	})
	if err != nil {
		return nil, err
	}

	repo := host.RepoRef{Owner: m.Secondary.Owner, Name: m.Secondary.NormalizedName()}
	pr, err := secondary.CreatePullRequest(ctx, repo, host.NewPullRequest{
		Title: ev.PullRequest.Title,
		Body:  ev.PullRequest.Body,
		Head:  branch,
		Base:  m.Base,
	}, secondaryToken)
	if err != nil {
		return nil, err
	}

	rec := mirror.NewRecord(m.Name, ev.PullRequest.URL, pr.URL, pr.Number)
	rec.Title = ev.PullRequest.Title
	rec.Author = ev.PullRequest.User.Login
	if err := o.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record mirror: %w", err)
	}
	return rec, nil
}

// InstallWebhook registers hookURL for pull request events on the primary
// repository of m. The outcome is recorded in the activity log.
func (o *Orchestrator) InstallWebhook(ctx context.Context, m *config.Mirror, hookURL string) error {
	err := o.installWebhook(ctx, m, hookURL)
	if err != nil {
		appendActivity(ctx, o.log, o.store, m, false, fmt.Sprintf("Failed to install webhook on %s/%s: %v", m.Primary.Owner, m.Primary.NormalizedName(), err))
		return err
	}
	appendActivity(ctx, o.log, o.store, m, true, fmt.Sprintf("Installed webhook on %s/%s.", m.Primary.Owner, m.Primary.NormalizedName()))
	return nil
}

func (o *Orchestrator) installWebhook(ctx context.Context, m *config.Mirror, hookURL string) error {
	adapter, err := o.hosts.For(m.Primary.Host)
	if err != nil {
		return err
	}

	var token string
	if m.Primary.Host == config.Bitbucket {
		token, err = o.vault.RefreshOAuth(ctx, m.Primary.OAuth)
	} else {
		token, err = o.vault.Decrypt(m.Primary.Token)
	}
	if err != nil {
		return fmt.Errorf("primary token: %w", err)
	}

	return adapter.AddWebhook(ctx, host.RepoRef{Owner: m.Primary.Owner, Name: m.Primary.NormalizedName()}, hookURL, token)
}
