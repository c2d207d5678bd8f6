package storage

import (
	"context"
	"time"

	"reposter/models"
)

// Store is the durable state shared by runs: the processed-post set, the
// bounded results log and run-scoped logs. SQLiteStore and PostgresStore
// implement it.
type Store interface {
	ProcessedPosts(ctx context.Context) (map[string]time.Time, error)
	IsProcessed(ctx context.Context, postID string) (bool, error)
	// MarkProcessed keeps the first timestamp for ids already present.
	MarkProcessed(ctx context.Context, postIDs []string, account string, at time.Time) error
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)

	// SaveRunResult appends r and evicts the oldest results beyond retain.
	SaveRunResult(ctx context.Context, r *models.RunResult, retain int) error
	// RecentRunResults returns the newest results first. An empty account
	// means every account.
	RecentRunResults(ctx context.Context, account string, limit int) ([]models.RunResult, error)
	TrimRunResults(ctx context.Context, retain int) (int64, error)

	AppendRunLog(ctx context.Context, entry models.RunLog) error
	RunLogs(ctx context.Context, runID string) ([]models.RunLog, error)

	Close() error
}
