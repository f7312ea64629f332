package ledger

import (
	"context"
	"errors"
)

// ErrUnchanged is returned by an Update mutator to leave the record as is.
// Update then returns the stored session and a nil error.
var ErrUnchanged = errors.New("ledger: unchanged")

// Store persists ledger sessions. Update must apply fn atomically with
// respect to other writers of the same session.
type Store interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	ListUpdatedBefore(ctx context.Context, cutoffMs int64) ([]string, error)
	ListByTopic(ctx context.Context, topicID string) ([]string, error)
	Delete(ctx context.Context, sessionIDs ...string) (int, error)
	Close() error
}
