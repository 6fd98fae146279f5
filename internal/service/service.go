// Package service runs the mirror: the orchestrator turns closed pull request
// webhooks into mirrored pull requests and the reconciler keeps both sides in
// sync until they merge.
package service

import (
	"context"
	"time"

	"github.com/repoautomator/prmirror/internal/config"
	"github.com/repoautomator/prmirror/internal/gitsync"
	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/mirror"
)

// Configs resolves mirror configurations by name.
type Configs interface {
	GetMirror(ctx context.Context, name string) (*config.Mirror, error)
}

// Store is everything the service persists.
type Store interface {
	Configs
	mirror.Ledger
	mirror.ActivityLog
}

// Credentials decrypts stored tokens and refreshes Bitbucket access tokens.
type Credentials interface {
	Decrypt(ciphertext string) (string, error)
	RefreshOAuth(ctx context.Context, o *config.OAuth) (string, error)
}

// Git hands out ephemeral workspaces.
type Git interface {
	With(ctx context.Context, fn func(gitsync.Workspace) error) error
}

// Submitter runs one-shot units of work asynchronously.
type Submitter interface {
	Submit(name string, fn func(context.Context))
}

// appendActivity writes an audit entry. A failing write is logged but never
// fails the operation it describes.
func appendActivity(ctx context.Context, log *logging.Logger, activities mirror.ActivityLog, m *config.Mirror, success bool, message string) {
	a := mirror.Activity{
		Actor:     m.Owner,
		Mirror:    m.Name,
		Message:   message,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}
	if err := activities.AppendActivity(ctx, a); err != nil {
		log.Errorf("failed to append activity for mirror %q: %v", m.Name, err)
	}
}
