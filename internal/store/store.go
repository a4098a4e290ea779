package store

import (
	"context"
	"errors"

	"github.com/jeefy/askrelay/internal/models"
)

var (
	ErrNotFound         = errors.New("log entry not found")
	ErrAnswerAlreadySet = errors.New("log entry already answered")
)

// Store is the request log. Entries are created before the upstream call
// and receive their answer at most once; nothing is ever deleted.
type Store interface {
	Create(ctx context.Context, question, requester string) (int64, error)
	SetAnswer(ctx context.Context, id int64, answer string) error
	Get(ctx context.Context, id int64) (*models.LogEntry, error)
	// List returns entries newest first.
	List(ctx context.Context, offset, limit int) ([]*models.LogEntry, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	// SchemaVersion is the highest applied migration version.
	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

func normalizeRequester(requester string) string {
	if requester == "" {
		return models.UnknownRequester
	}
	return requester
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	return offset, limit
}
