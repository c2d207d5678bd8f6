package services

import (
	"context"
	"time"
)

// ProcessedStore is the persistence the dedup service needs. storage.Store satisfies it.
type ProcessedStore interface {
	ProcessedPosts(ctx context.Context) (map[string]time.Time, error)
	IsProcessed(ctx context.Context, postID string) (bool, error)
	MarkProcessed(ctx context.Context, postIDs []string, account string, at time.Time) error
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// DedupService tracks which scraped posts were already selected for reposting.
type DedupService struct {
	store ProcessedStore
	ttl   time.Duration
	now   func() time.Time
}

// NewDedupService creates a dedup service. A zero ttl keeps records forever.
func NewDedupService(store ProcessedStore, ttl time.Duration) *DedupService {
	return &DedupService{store: store, ttl: ttl, now: time.Now}
}

func (s *DedupService) Load(ctx context.Context) (map[string]time.Time, error) {
	return s.store.ProcessedPosts(ctx)
}

func (s *DedupService) Contains(ctx context.Context, postID string) (bool, error) {
	return s.store.IsProcessed(ctx, postID)
}

// MarkAll records ids once each. Ids already present keep their original timestamp.
func (s *DedupService) MarkAll(ctx context.Context, postIDs []string, account string, at time.Time) error {
	seen := make(map[string]bool, len(postIDs))
	unique := make([]string, 0, len(postIDs))
	for _, id := range postIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return s.store.MarkProcessed(ctx, unique, account, at)
}

// Purge forgets records older than olderThan.
func (s *DedupService) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeProcessed(ctx, s.now().Add(-olderThan))
}

// PurgeExpired applies the configured ttl. It does nothing when ttl is zero.
func (s *DedupService) PurgeExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	return s.Purge(ctx, s.ttl)
}

func (s *DedupService) TTL() time.Duration {
	return s.ttl
}
