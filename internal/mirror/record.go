// Package mirror holds the domain types shared by the orchestrator, the
// reconciler and the store: mirror records, activity entries and the error
// taxonomy.
package mirror

import (
	"fmt"
	"time"
)

type State string

const (
	StateOpen   State = "open"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

func (s State) Terminal() bool {
	return s == StateMerged || s == StateClosed
}

func (s State) Valid() bool {
	switch s {
	case StateOpen, StateMerged, StateClosed:
		return true
	}
	return false
}

// Record tracks one primary pull request and its mirrored counterpart on the
// secondary host. PrimaryPRURL and SecondaryPRURL are API URLs and never change
// once the record has been created.
type Record struct {
	ID             int64
	Mirror         string
	PrimaryPRURL   string
	SecondaryPRURL string
	ExternalID     int64
	Title          string
	Author         string
	State          State
	// CommentCount is the number of comments posted to the primary pull
	// request during the last reconciliation cycle that posted any. It is
	// overwritten, not accumulated.
	CommentCount int
	MergedAt     *time.Time
	CreatedAt    time.Time
}

func NewRecord(mirror, primaryURL, secondaryURL string, externalID int64) *Record {
	return &Record{
		Mirror:         mirror,
		PrimaryPRURL:   primaryURL,
		SecondaryPRURL: secondaryURL,
		ExternalID:     externalID,
		State:          StateOpen,
	}
}

// MarkMerged is the only state transition a record supports.
func (r *Record) MarkMerged(at time.Time) error {
	if r.State != StateOpen {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, StateMerged)
	}
	at = at.UTC()
	r.State = StateMerged
	r.MergedAt = &at
	return nil
}

// SetCommentCount records how many comments the last cycle posted.
func (r *Record) SetCommentCount(posted int) {
	if posted <= 0 {
		return
	}
	r.CommentCount = posted
}

// Activity is an immutable audit fact.
type Activity struct {
	Actor     string
	Mirror    string
	Message   string
	Success   bool
	Timestamp time.Time
}
