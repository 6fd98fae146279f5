package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/metrics"
	"github.com/repoautomator/prmirror/internal/mirror"
)

const (
	MergeCommitTitle = "Pull requests merged automatically."
	defaultInterval  = config.DefaultReconcileInterval
	errorInterval    = config.DefaultErrorInterval
)

// Reconciler sweeps all open mirror records. For each it merges the primary
// pull request once the secondary merged, and otherwise copies comments that
// exist only on the secondary side to the primary.
type Reconciler struct {
	store         Store
	hosts         host.Registry
	vault         Credentials
	locks         *Locks
	log           *logging.Logger
	interval      time.Duration
	errorInterval time.Duration
	concurrency   int
	now           func() time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		locks:         NewLocks(),
		log:           logging.NewNop(),
		interval:      defaultInterval,
		errorInterval: errorInterval,
		concurrency:   config.DefaultSweepConcurrency,
		now:           time.Now,
	}
}

func (r *Reconciler) WithStore(s Store) *Reconciler {
	r.store = s
	return r
}

func (r *Reconciler) WithHosts(h host.Registry) *Reconciler {
	r.hosts = h
	return r
}

func (r *Reconciler) WithCredentials(c Credentials) *Reconciler {
	r.vault = c
	return r
}

func (r *Reconciler) WithLocks(l *Locks) *Reconciler {
	r.locks = l
	return r
}

func (r *Reconciler) WithLogger(l *logging.Logger) *Reconciler {
	r.log = l
	return r
}

func (r *Reconciler) WithInterval(interval, retry time.Duration) *Reconciler {
	r.interval = cmp.Or(interval, defaultInterval)
	r.errorInterval = cmp.Or(retry, errorInterval)
	return r
}

func (r *Reconciler) WithConcurrency(n int) *Reconciler {
	r.concurrency = max(n, 1)
	return r
}

// Execute runs one sweep and returns when the next one is due. It is meant to
// be added to the worker pool as a recurring task.
func (r *Reconciler) Execute(ctx context.Context) time.Time {
	if err := r.Sweep(ctx); err != nil {
		r.log.Warnf("reconciliation sweep failed: %v", err)
		return r.now().Add(r.errorInterval) // faster retry on error
	}
	return r.now().Add(r.interval)
}

// Sweep reconciles every open record. Records are independent: a failure on
// one is logged and does not stop the others. A record locked by a running
// mirror or reconciliation is skipped until the next sweep. Only a failure to
// list the records is returned.
func (r *Reconciler) Sweep(ctx context.Context) error {
	start := time.Now()
	defer metrics.SweepDone(start)

	records, err := r.store.ListOpenRecords(ctx)
	if err != nil {
		return fmt.Errorf("list open records: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, rec := range records {
		g.Go(func() error {
			if !r.locks.TryLock(rec.PrimaryPRURL) {
				r.log.Debugf("Record %s is busy, skipping.", rec.PrimaryPRURL)
				return nil
			}
			defer r.locks.Unlock(rec.PrimaryPRURL)

			err := r.Reconcile(ctx, rec)
			metrics.RecordReconciled(err)
			switch {
			case err == nil:
			case mirror.IsTransient(err):
				r.log.Infof("Reconciling %s failed temporarily, retrying next sweep: %v", rec.PrimaryPRURL, err)
			default:
				r.log.Warnf("failed to reconcile %s: %v", rec.PrimaryPRURL, err)
			}
			return nil
		})
	}

	_ = g.Wait()
	r.log.Debugf("Reconciled %d open records in %v.", len(records), time.Since(start))
	return nil
}

// Reconcile runs one cycle for rec. Merge detection comes first; if the
// secondary pull request merged, the primary is merged and comments are not
// synchronized in this cycle.
func (r *Reconciler) Reconcile(ctx context.Context, rec *mirror.Record) error {
	if rec.State.Terminal() {
		r.log.Debugf("Record %s is %s, nothing to reconcile.", rec.PrimaryPRURL, rec.State)
		return nil
	}

	m, err := r.store.GetMirror(ctx, rec.Mirror)
	if err != nil {
		return err
	}

	primary, err := r.hosts.For(m.Primary.Host)
	if err != nil {
		return err
	}
	secondary, err := r.hosts.For(m.Secondary.Host)
	if err != nil {
		return err
	}

	primaryToken, err := r.token(ctx, &m.Primary)
	if err != nil {
		return fmt.Errorf("primary token: %w", err)
	}
	secondaryToken, err := r.token(ctx, &m.Secondary)
	if err != nil {
		return fmt.Errorf("secondary token: %w", err)
	}

	spr, err := secondary.GetPullRequest(ctx, rec.SecondaryPRURL, secondaryToken)
	if err != nil {
		return err
	}

	if spr.Merged {
		return r.merge(ctx, m, rec, spr, primary, primaryToken)
	}

	if spr.Closed {
		// Closed without merge is not tracked; the record stays open.
		r.log.Debugf("Secondary pull request %s was closed without merging.", rec.SecondaryPRURL)
	}

	return r.replicateComments(ctx, m, rec, primary, primaryToken, secondary, secondaryToken)
}

// token decrypts the stored token of repo. Bitbucket access tokens are short
// lived, so they are always refreshed from the OAuth bundle instead.
func (r *Reconciler) token(ctx context.Context, repo *config.Repository) (string, error) {
	if repo.Host == config.Bitbucket {
		return r.vault.RefreshOAuth(ctx, repo.OAuth)
	}
	return r.vault.Decrypt(repo.Token)
}

func (r *Reconciler) merge(ctx context.Context, m *config.Mirror, rec *mirror.Record, spr *host.PullRequest, primary host.Adapter, token string) error {
	secondaryURL := cmp.Or(spr.HTMLURL, rec.SecondaryPRURL)
	message := fmt.Sprintf("Merged because the mirrored pull request %s in %s/%s was merged.",
		secondaryURL, m.Secondary.Owner, m.Secondary.NormalizedName())

	status, err := primary.MergePullRequest(ctx, rec.PrimaryPRURL, MergeCommitTitle, message, token)
	if err == nil && status != http.StatusOK && status != http.StatusCreated {
		err = fmt.Errorf("merge %s: unexpected status %d", rec.PrimaryPRURL, status)
	}
	if err != nil {
		appendActivity(ctx, r.log, r.store, m, false, fmt.Sprintf("Failed to merge pull request %q: %v", rec.Title, err))
		return err
	}

	at := r.now()
	if spr.MergedAt != nil {
		at = *spr.MergedAt
	}
	if err := rec.MarkMerged(at); err != nil {
		return err
	}
	if err := r.store.UpdateRecord(ctx, rec); err != nil {
		return err
	}

	metrics.PullRequestsMerged.Inc()
	appendActivity(ctx, r.log, r.store, m, true, MergeCommitTitle)
	r.log.Infof("Merged %s after %s merged.", rec.PrimaryPRURL, secondaryURL)
	return nil
}

func (r *Reconciler) replicateComments(ctx context.Context, m *config.Mirror, rec *mirror.Record, primary host.Adapter, primaryToken string, secondary host.Adapter, secondaryToken string) error {
	primaryComments, err := primary.ListComments(ctx, rec.PrimaryPRURL, primaryToken)
	if err != nil {
		return err
	}
	secondaryComments, err := secondary.ListComments(ctx, rec.SecondaryPRURL, secondaryToken)
	if err != nil {
		return err
	}

	missing := host.Missing(secondaryComments, primaryComments, host.Matcher(m.Primary.Host, m.Secondary.Host))
	if len(missing) == 0 {
		return nil
	}

	var (
		posted int
		errs   []error
	)
	for _, c := range missing {
		err := primary.PostComment(ctx, rec.PrimaryPRURL, c, primaryToken)
		metrics.CommentPosted(err)
		if err != nil {
			r.log.Warnf("failed to post comment %d to %s: %v", c.ID, rec.PrimaryPRURL, err)
			appendActivity(ctx, r.log, r.store, m, false, fmt.Sprintf("Failed to replicate comment to pull request %q: %v", rec.Title, err))
			errs = append(errs, err)
			continue
		}
		posted++
	}

	if posted > 0 {
		rec.SetCommentCount(posted)
		if err := r.store.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		appendActivity(ctx, r.log, r.store, m, true, fmt.Sprintf("Replicated %d comment(s) to pull request %q.", posted, rec.Title))
	}

	return errors.Join(errs...)
}
