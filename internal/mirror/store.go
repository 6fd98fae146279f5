package mirror

import "context"

// Ledger is the durable record of mirrored pull requests. Writes are single
// record inserts or updates.
type Ledger interface {
	// CreateRecord assigns rec.ID. It returns ErrDuplicate if a record for the
	// same primary pull request exists.
	CreateRecord(ctx context.Context, rec *Record) error
	GetRecordByPrimaryURL(ctx context.Context, primaryURL string) (*Record, error)
	ListOpenRecords(ctx context.Context) ([]*Record, error)
	UpdateRecord(ctx context.Context, rec *Record) error
}

// ActivityLog is the append-only audit trail.
type ActivityLog interface {
	AppendActivity(ctx context.Context, a Activity) error
	ListActivities(ctx context.Context, mirror string, limit int) ([]Activity, error)
}
