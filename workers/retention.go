package workers

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"reposter/metrics"
	"reposter/services"
)

// ResultTrimmer bounds the results log.
type ResultTrimmer interface {
	TrimRunResults(ctx context.Context, retain int) (int64, error)
}

// RetentionWorker expires old processed-post records and keeps the results
// log at its retention size.
type RetentionWorker struct {
	dedup     *services.DedupService
	results   ResultTrimmer
	retain    int
	metrics   *metrics.Metrics
	triggerCh chan struct{}
}

type RetentionStats struct {
	ProcessedPurged int64
	ResultsTrimmed  int64
}

func NewRetentionWorker(dedup *services.DedupService, results ResultTrimmer, retain int, m *metrics.Metrics) *RetentionWorker {
	return &RetentionWorker{
		dedup:     dedup,
		results:   results,
		retain:    retain,
		metrics:   m,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the worker to run immediately
func (w *RetentionWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *RetentionWorker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Retention worker stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.triggerCh:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Errors are logged; the counts cover
// whatever succeeded.
func (w *RetentionWorker) Sweep(ctx context.Context) RetentionStats {
	var stats RetentionStats

	if w.dedup != nil {
		n, err := w.dedup.PurgeExpired(ctx)
		if err != nil {
			log.Errorf("Retention: purge processed posts: %v", err)
		} else {
			stats.ProcessedPurged = n
			w.metrics.DedupPurged(n)
		}
	}

	if w.results != nil && w.retain > 0 {
		n, err := w.results.TrimRunResults(ctx, w.retain)
		if err != nil {
			log.Errorf("Retention: trim results: %v", err)
		} else {
			stats.ResultsTrimmed = n
		}
	}

	if stats.ProcessedPurged > 0 || stats.ResultsTrimmed > 0 {
		log.Infof("Retention: purged %d processed posts, trimmed %d results", stats.ProcessedPurged, stats.ResultsTrimmed)
	}
	return stats
}
