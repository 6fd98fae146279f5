package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/database"
	"github.com/repoautomator/prmirror/internal/gitsync"
	"github.com/repoautomator/prmirror/internal/host"
	"github.com/repoautomator/prmirror/internal/host/bitbucket"
	"github.com/repoautomator/prmirror/internal/host/github"
	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/migrations"
	"github.com/repoautomator/prmirror/internal/service"
	"github.com/repoautomator/prmirror/internal/vault"
)

// app is the wiring shared by all commands that talk to hosts.
type app struct {
	config       *config.Root
	log          *logging.Logger
	db           *database.Database
	vault        *vault.Vault
	hosts        host.Registry
	git          *gitsync.Manager
	locks        *service.Locks
	orchestrator *service.Orchestrator
	reconciler   *service.Reconciler
}

func newApp(ctx context.Context, params *commonParams) (*app, error) {
	log := logging.NewLogger(params.logging)

	root, err := config.ParseFiles(params.configFiles)
	if err != nil {
		return nil, err
	}
	if root.SetSQLitePersistentByDefault(params.dataDir) {
		log.Infof("No database configured, using SQLite in %s.", params.dataDir)
	}

	svc := root.Service
	if svc.Secret() == "" {
		return nil, errors.New("service.secret_key is required to decrypt credentials")
	}

	db, err := migrations.New().
		WithConfig(root.Database).
		WithLogger(log).
		WithMigrate(true).
		Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	if err := db.LoadConfig(ctx, root); err != nil {
		db.CloseDB()
		return nil, err
	}

	client := &http.Client{Timeout: svc.Timeout()}
	gitsync.InstallTransport(svc.Timeout())

	gh, err := github.New(svc.GitHubURL(), client)
	if err != nil {
		db.CloseDB()
		return nil, err
	}
	bb, err := bitbucket.New(svc.BitbucketURL(), client)
	if err != nil {
		db.CloseDB()
		return nil, err
	}

	a := &app{
		config: root,
		log:    log,
		db:     db,
		vault:  vault.New(svc.Secret()).WithTokenURL(svc.BitbucketOAuthURL()).WithHTTPClient(client),
		hosts:  host.NewRegistry(gh, bb),
		git:    gitsync.New(svc.WorkingDir()).WithLogger(log),
		locks:  service.NewLocks(),
	}

	a.orchestrator = service.NewOrchestrator().
		WithStore(db).
		WithHosts(a.hosts).
		WithCredentials(a.vault).
		WithGit(a.git).
		WithLocks(a.locks).
		WithLogger(log.With("component", "orchestrator"))

	a.reconciler = service.NewReconciler().
		WithStore(db).
		WithHosts(a.hosts).
		WithCredentials(a.vault).
		WithLocks(a.locks).
		WithInterval(svc.Interval(), svc.RetryInterval()).
		WithConcurrency(svc.Concurrency()).
		WithLogger(log.With("component", "reconciler"))

	return a, nil
}

func (a *app) Close() {
	a.db.CloseDB()
}

func (a *app) mirror(ctx context.Context, name string) (*config.Mirror, error) {
	return a.db.GetMirror(ctx, name)
}
