package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"reposter/config"
	"reposter/identity"
	"reposter/logging"
	"reposter/metrics"
	"reposter/models"
	"reposter/publisher"
	"reposter/ranking"
	"reposter/scraper"
	"reposter/services"
	"reposter/slots"
)

// ResultStore is the bounded results log.
type ResultStore interface {
	SaveRunResult(ctx context.Context, r *models.RunResult, retain int) error
	RecentRunResults(ctx context.Context, account string, limit int) ([]models.RunResult, error)
}

// persistTimeout bounds the store writes made after a run has been
// cancelled.
const persistTimeout = 10 * time.Second

// Options tune a pipeline. Zero values fall back to the defaults in New.
// RetryFailedPosts leaves posts the backend rejected unmarked so a later run
// can select them again.
type Options struct {
	Location         *time.Location
	Hours            []int
	ResultsRetention int
	RetryFailedPosts bool
}

// Pipeline runs one repost pass for one managed account at a time.
type Pipeline struct {
	source  scraper.ContentSource
	backend publisher.Backend
	dedup   *services.DedupService
	results ResultStore
	metrics *metrics.Metrics
	opts    Options

	rng *rand.Rand
	now func() time.Time
}

func New(source scraper.ContentSource, backend publisher.Backend, dedup *services.DedupService, results ResultStore, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if len(opts.Hours) == 0 {
		opts.Hours = []int{10, 14, 18}
	}
	if opts.ResultsRetention <= 0 {
		opts.ResultsRetention = 100
	}
	return &Pipeline{
		source:  source,
		backend: backend,
		dedup:   dedup,
		results: results,
		metrics: m,
		opts:    opts,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:     time.Now,
	}
}

// SetRand replaces the shuffle and caption source, mainly for tests.
func (p *Pipeline) SetRand(r *rand.Rand) {
	p.rng = r
}

// Location is the system timezone slots are computed in.
func (p *Pipeline) Location() *time.Location {
	return p.opts.Location
}

// NewScheduler builds a slot scheduler seeded from the posting backend and
// from the successful outcomes of recent runs for account.
func (p *Pipeline) NewScheduler(ctx context.Context, account *config.AccountConfig) (*slots.Scheduler, error) {
	sched, err := slots.New(p.opts.Location, p.opts.Hours)
	if err != nil {
		return nil, err
	}

	logger := log.WithField(logging.FieldAccount, account.Name)

	scheduled, err := p.backend.ListScheduled(ctx)
	if err != nil {
		logger.Warnf("Could not list scheduled posts, slot seeding is partial: %v", err)
	}
	seeded := 0
	for _, sp := range scheduled {
		if sp.Targets(account.SocialBuAccountID) && sched.MarkTime(sp.PublishAt) {
			seeded++
		}
	}

	if p.results != nil {
		recent, err := p.results.RecentRunResults(ctx, account.Name, p.opts.ResultsRetention)
		if err != nil {
			logger.Warnf("Could not read recent results for slot seeding: %v", err)
		}
		for _, r := range recent {
			for _, o := range r.Scheduled {
				if o.Success && !o.Slot.IsZero() {
					sched.MarkUsed(o.Slot)
					seeded++
				}
			}
		}
	}

	logger.Debugf("Seeded %d used slots", seeded)
	return sched, nil
}

// Run executes one pass for account and always returns a result. Failures
// are recorded on the result rather than returned.
func (p *Pipeline) Run(ctx context.Context, account *config.AccountConfig) (result *models.RunResult) {
	result = &models.RunResult{
		ID:        uuid.New().String(),
		Account:   account.Name,
		StartedAt: p.now(),
		Status:    models.RunStatusRunning,
	}
	logger := log.WithFields(log.Fields{
		logging.FieldRunID:   result.ID,
		logging.FieldAccount: account.Name,
	})

	var sched *slots.Scheduler
	marked := false
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Run panicked: %v\n%s", r, debug.Stack())
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
			result.Status = models.RunStatusFailed
		}
		if !marked {
			p.markProcessed(ctx, account, result, logger)
		}
		p.finish(ctx, result, sched, logger)
	}()

	logger.Infof("Starting repost run for %s (cap %d, %d competitors)", account.Name, account.MaxTotalPosts, len(account.Competitors))

	var err error
	sched, err = p.NewScheduler(ctx, account)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scheduler: %v", err))
		result.Status = models.RunStatusFailed
		return result
	}

	processed, err := p.dedup.Load(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load processed posts: %v", err))
		result.Status = models.RunStatusFailed
		return result
	}

	p.collect(ctx, account, processed, result, logger)
	p.schedule(ctx, account, sched, result, logger)
	p.markProcessed(ctx, account, result, logger)
	marked = true

	if err := ctx.Err(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("run interrupted: %v", err))
		result.Status = models.RunStatusFailed
		return result
	}
	result.Status = models.RunStatusCompleted
	return result
}

// collect walks competitors in shuffled order and selects posts until the
// account's global cap is met.
func (p *Pipeline) collect(ctx context.Context, account *config.AccountConfig, processed map[string]time.Time, result *models.RunResult, logger *log.Entry) {
	order := append([]string(nil), account.Competitors...)
	p.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	result.CompetitorOrder = order

	target := account.MaxTotalPosts
	result.Cap = models.CapSummary{TargetLimit: target, TotalCompetitors: len(order)}

	selected := 0
	seen := make(map[string]bool)
	for _, handle := range order {
		if selected >= target {
			logger.Infof("Reached cap of %d posts, skipping remaining competitors", target)
			break
		}
		result.Cap.CompetitorsChecked++
		clog := logger.WithField(logging.FieldCompetitor, handle)

		report := models.CompetitorReport{Handle: handle}
		byHandle, err := p.source.Fetch(ctx, []string{handle}, account.MaxPostsToFetch)
		if err != nil {
			clog.Warnf("Fetch failed: %v", err)
			report.FetchError = err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("fetch %s: %v", handle, err))
		}
		posts := byHandle[handle]
		report.Posts = posts
		report.Fetched = len(posts)

		var eligible []models.Post
		for _, post := range posts {
			key := identity.PostKey(post)
			if _, done := processed[key]; done || seen[key] {
				report.Duplicates++
				continue
			}
			if !services.HasUsableMedia(post) {
				report.MediaInvalid++
				continue
			}
			eligible = append(eligible, post)
		}

		take := min(account.TopPostsCount, target-selected)
		picked := ranking.SelectTop(eligible, take)
		for _, post := range picked {
			seen[identity.PostKey(post)] = true
		}
		report.Selected = len(picked)
		selected += len(picked)

		result.Competitors = append(result.Competitors, report)
		if len(picked) > 0 {
			result.Selections = append(result.Selections, models.CompetitorSelection{Handle: handle, Posts: picked})
		}
		clog.Infof("Fetched %d posts, %d duplicates, %d without usable media, selected %d",
			report.Fetched, report.Duplicates, report.MediaInvalid, report.Selected)
	}

	result.Cap.PostsSelected = selected
	result.Cap.LimitReached = selected >= target
}

// schedule submits every selected post, one slot each. A failed submission
// is recorded and the loop moves on.
func (p *Pipeline) schedule(ctx context.Context, account *config.AccountConfig, sched *slots.Scheduler, result *models.RunResult, logger *log.Entry) {
	for _, sel := range result.Selections {
		for _, post := range sel.Posts {
			if ctx.Err() != nil {
				logger.Warn("Run cancelled, not submitting remaining posts")
				return
			}
			mediaURL, mediaType := services.PublishableMedia(post)
			caption := p.buildCaption(account, post)
			slot := sched.Next(p.now())

			req := models.PostRequest{
				Caption:    caption,
				AccountIDs: []int{account.SocialBuAccountID},
				PublishAt:  slot.Time(p.opts.Location),
				MediaURL:   mediaURL,
				Options:    postOptions(mediaType, post.OwnerUsername),
			}
			res := p.backend.SchedulePost(ctx, req)

			outcome := models.ScheduleOutcome{
				OriginalPostID:   identity.PostKey(post),
				OriginalUsername: post.OwnerUsername,
				MediaURL:         mediaURL,
				MediaType:        mediaType,
				VideoURL:         post.VideoURL,
				DisplayURL:       post.DisplayURL,
				Caption:          caption,
				EngagementScore:  post.EngagementScore,
				Slot:             slot,
				PublishAt:        slot.PublishAt(p.opts.Location),
				Result:           res,
				Success:          res.Success,
				Timestamp:        p.now(),
			}
			result.Scheduled = append(result.Scheduled, outcome)

			plog := logger.WithField(logging.FieldCompetitor, sel.Handle)
			if res.Success {
				plog.Infof("Scheduled post %s for %s", outcome.OriginalPostID, outcome.PublishAt)
			} else {
				plog.Errorf("Failed to schedule post %s: %s", outcome.OriginalPostID, res.Error)
				result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: %s", outcome.OriginalPostID, res.Error))
			}
		}
	}
}

// persistContext detaches store writes from run cancellation so that posts
// the backend already accepted are still recorded.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// markProcessed records every submitted outcome so far, including the partial
// list left by a cancelled or panicking run.
func (p *Pipeline) markProcessed(ctx context.Context, account *config.AccountConfig, result *models.RunResult, logger *log.Entry) {
	var ids []string
	for _, o := range result.Scheduled {
		if o.Success || !p.opts.RetryFailedPosts {
			ids = append(ids, o.OriginalPostID)
		}
	}
	if len(ids) == 0 {
		return
	}
	wctx, cancel := persistContext(ctx)
	defer cancel()
	if err := p.dedup.MarkAll(wctx, ids, account.Name, p.now()); err != nil {
		logger.Errorf("Failed to mark posts processed: %v", err)
		result.Errors = append(result.Errors, fmt.Sprintf("mark processed: %v", err))
	}
}

func (p *Pipeline) finish(ctx context.Context, result *models.RunResult, sched *slots.Scheduler, logger *log.Entry) {
	finished := p.now()
	result.FinishedAt = &finished
	if sched != nil {
		result.Schedule = sched.Status(finished)
	}

	if p.results != nil {
		wctx, cancel := persistContext(ctx)
		if err := p.results.SaveRunResult(wctx, result, p.opts.ResultsRetention); err != nil {
			logger.Errorf("Failed to save run result: %v", err)
		}
		cancel()
	}
	p.metrics.ObserveRun(result)

	logger.Infof("Run %s: selected %d of cap %d, scheduled %d/%d, %d errors",
		result.Status, result.SelectedCount(), result.Cap.TargetLimit,
		result.SucceededCount(), len(result.Scheduled), len(result.Errors))
}

func (p *Pipeline) buildCaption(account *config.AccountConfig, post models.Post) string {
	template := account.Captions[p.rng.IntN(len(account.Captions))]
	return fmt.Sprintf("%s\n\nOriginal by: @%s", template, post.OwnerUsername)
}

func postOptions(mediaType models.MediaType, owner string) map[string]interface{} {
	comment := "Original content by @" + owner
	switch mediaType {
	case models.MediaVideo:
		return map[string]interface{}{
			"post_as_reel":       true,
			"share_reel_to_feed": true,
			"comment":            comment,
		}
	case models.MediaImage:
		return map[string]interface{}{"comment": comment}
	default:
		return nil
	}
}
