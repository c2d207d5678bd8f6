package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposter/config"
	"reposter/lock"
	"reposter/models"
	"reposter/services"
	"reposter/storage"
)

var est = time.FixedZone("EST", -5*3600)

type fakeSource struct {
	posts map[string][]models.Post
	err   map[string]error
	calls []string
}

func (f *fakeSource) Fetch(_ context.Context, handles []string, limit int) (map[string][]models.Post, error) {
	out := make(map[string][]models.Post)
	for _, h := range handles {
		f.calls = append(f.calls, h)
		if err := f.err[h]; err != nil {
			return nil, err
		}
		posts := f.posts[h]
		if len(posts) > limit {
			posts = posts[:limit]
		}
		out[h] = posts
	}
	return out, nil
}

type fakeBackend struct {
	requests  []models.PostRequest
	fail      map[string]bool
	scheduled []models.ScheduledPost
}

func (f *fakeBackend) SchedulePost(_ context.Context, req models.PostRequest) models.ScheduleResult {
	f.requests = append(f.requests, req)
	for marker := range f.fail {
		if strings.Contains(req.MediaURL, marker) {
			return models.ScheduleResult{Success: false, Error: "API returned status 500"}
		}
	}
	return models.ScheduleResult{Success: true, PostID: fmt.Sprint(len(f.requests))}
}

func (f *fakeBackend) ListScheduled(context.Context) ([]models.ScheduledPost, error) {
	return f.scheduled, nil
}

type memStore struct {
	mu        sync.Mutex
	processed map[string]time.Time
	results   []models.RunResult
}

func newMemStore() *memStore {
	return &memStore{processed: make(map[string]time.Time)}
}

func (m *memStore) ProcessedPosts(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.processed))
	for k, v := range m.processed {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) IsProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[id]
	return ok, nil
}

func (m *memStore) MarkProcessed(_ context.Context, ids []string, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.processed[id]; !ok {
			m.processed[id] = at
		}
	}
	return nil
}

func (m *memStore) PurgeProcessed(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) SaveRunResult(_ context.Context, r *models.RunResult, retain int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, *r)
	if len(m.results) > retain {
		m.results = m.results[len(m.results)-retain:]
	}
	return nil
}

func (m *memStore) RecentRunResults(_ context.Context, account string, limit int) ([]models.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RunResult
	for i := len(m.results) - 1; i >= 0 && len(out) < limit; i-- {
		if account == "" || m.results[i].Account == account {
			out = append(out, m.results[i])
		}
	}
	return out, nil
}

func videoPost(owner string, n int, likes int64) models.Post {
	return models.Post{
		ID:            fmt.Sprintf("%s_%d", owner, n),
		OwnerUsername: owner,
		VideoURL:      fmt.Sprintf("https://cdn.example.com/%s_%d.mp4", owner, n),
		Likes:         likes,
	}
}

func newTestPipeline(source *fakeSource, backend *fakeBackend, store *memStore) *Pipeline {
	p := New(source, backend, services.NewDedupService(store, 0), store, nil, Options{
		Location:         est,
		Hours:            []int{10, 14, 18},
		ResultsRetention: 100,
	})
	p.SetRand(rand.New(rand.NewPCG(1, 2)))
	p.now = func() time.Time { return time.Date(2025, 6, 2, 8, 0, 0, 0, est) }
	return p
}

func testAccount(competitors ...string) *config.AccountConfig {
	return &config.AccountConfig{
		Name:              "dobermanzone",
		SocialBuAccountID: 42,
		Competitors:       competitors,
		Captions:          []string{"Look at this!"},
		MaxPostsToFetch:   10,
		TopPostsCount:     2,
		MaxTotalPosts:     3,
	}
}

func TestRunRespectsGlobalCap(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{}}
	for _, h := range []string{"alpha", "bravo", "charlie"} {
		for i := 0; i < 5; i++ {
			source.posts[h] = append(source.posts[h], videoPost(h, i, int64(100*(i+1))))
		}
	}
	backend := &fakeBackend{}
	store := newMemStore()
	p := newTestPipeline(source, backend, store)

	result := p.Run(context.Background(), testAccount("alpha", "bravo", "charlie"))

	require.Equal(t, models.RunStatusCompleted, result.Status, result.Errors)
	assert.Equal(t, 3, result.SelectedCount())
	assert.Equal(t, 3, result.Cap.PostsSelected)
	assert.True(t, result.Cap.LimitReached)
	assert.Equal(t, 2, result.Cap.CompetitorsChecked)
	assert.Equal(t, 3, result.Cap.TotalCompetitors)
	assert.Len(t, source.calls, 2)

	require.Len(t, result.Selections, 2)
	assert.Len(t, result.Selections[0].Posts, 2)
	assert.Len(t, result.Selections[1].Posts, 1)
	assert.Equal(t, result.CompetitorOrder[0], result.Selections[0].Handle)
	assert.Equal(t, result.CompetitorOrder[1], result.Selections[1].Handle)

	assert.Len(t, backend.requests, 3)
	assert.Len(t, store.results, 1)
	assert.Len(t, store.processed, 3)
}

func TestRunSelectsTopByEngagement(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {
			{ID: "a1", OwnerUsername: "alpha", VideoURL: "https://cdn.example.com/a1.mp4", Likes: 100, Comments: 1},
			{ID: "a2", OwnerUsername: "alpha", VideoURL: "https://cdn.example.com/a2.mp4", Likes: 200},
			{ID: "a3", OwnerUsername: "alpha", VideoURL: "https://cdn.example.com/a3.mp4", Likes: 50, Comments: 5},
			{ID: "a4", OwnerUsername: "alpha", VideoURL: "https://cdn.example.com/a4.mp4", Likes: 10},
		},
	}}
	account := testAccount("alpha")
	account.MaxTotalPosts = 2
	account.TopPostsCount = 3
	p := newTestPipeline(source, &fakeBackend{}, newMemStore())

	result := p.Run(context.Background(), account)

	require.Len(t, result.Selections, 1)
	posts := result.Selections[0].Posts
	require.Len(t, posts, 2)
	assert.Equal(t, "a2", posts[0].ID)
	assert.Equal(t, "a1", posts[1].ID)
	assert.InDelta(t, 0.2, posts[0].EngagementScore, 1e-9)
	assert.InDelta(t, 0.103, posts[1].EngagementScore, 1e-9)
}

func TestRunExcludesProcessedAndInvalidMedia(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {
			videoPost("alpha", 0, 9000),
			{ID: "image_only", OwnerUsername: "alpha", DisplayURL: "https://cdn.example.com/x.jpg", Likes: 8000},
			{ID: "mock", OwnerUsername: "alpha", VideoURL: "https://mock-video-url.com/x.mp4", Likes: 7000},
			videoPost("alpha", 1, 10),
		},
	}}
	store := newMemStore()
	store.processed["alpha_0"] = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	account := testAccount("alpha")
	account.TopPostsCount = 1
	p := newTestPipeline(source, &fakeBackend{}, store)

	result := p.Run(context.Background(), account)

	require.Len(t, result.Competitors, 1)
	report := result.Competitors[0]
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.MediaInvalid)
	require.Len(t, result.Selections, 1)
	assert.Equal(t, "alpha_1", result.Selections[0].Posts[0].ID)
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), store.processed["alpha_0"])
}

func TestRunBuildsCaptionAndOptions(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{"alpha": {videoPost("alpha", 0, 10)}}}
	backend := &fakeBackend{}
	p := newTestPipeline(source, backend, newMemStore())

	p.Run(context.Background(), testAccount("alpha"))

	require.Len(t, backend.requests, 1)
	req := backend.requests[0]
	assert.Equal(t, "Look at this!\n\nOriginal by: @alpha", req.Caption)
	assert.Equal(t, []int{42}, req.AccountIDs)
	assert.Equal(t, "https://cdn.example.com/alpha_0.mp4", req.MediaURL)
	assert.Equal(t, true, req.Options["post_as_reel"])
	assert.Equal(t, true, req.Options["share_reel_to_feed"])
	assert.Equal(t, "Original content by @alpha", req.Options["comment"])
	assert.True(t, req.PublishAt.Equal(time.Date(2025, 6, 2, 10, 0, 0, 0, est)))
}

func TestRunBackendFailureContinues(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {videoPost("alpha", 0, 300), videoPost("alpha", 1, 200), videoPost("alpha", 2, 100)},
	}}
	backend := &fakeBackend{fail: map[string]bool{"alpha_0": true}}
	store := newMemStore()
	account := testAccount("alpha")
	account.TopPostsCount = 3
	p := newTestPipeline(source, backend, store)

	result := p.Run(context.Background(), account)

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	require.Len(t, result.Scheduled, 3)
	assert.False(t, result.Scheduled[0].Success)
	assert.True(t, result.Scheduled[1].Success)
	assert.True(t, result.Scheduled[2].Success)
	assert.Equal(t, 2, result.SucceededCount())
	assert.Len(t, result.Errors, 1)
	assert.Contains(t, store.processed, "alpha_0")
	assert.Len(t, store.processed, 3)
}

func TestRunKeepsFailedPostsWhenConfigured(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {videoPost("alpha", 0, 300), videoPost("alpha", 1, 200)},
	}}
	backend := &fakeBackend{fail: map[string]bool{"alpha_0": true}}
	store := newMemStore()
	p := newTestPipeline(source, backend, store)
	p.opts.RetryFailedPosts = true

	p.Run(context.Background(), testAccount("alpha"))

	assert.NotContains(t, store.processed, "alpha_0")
	assert.Contains(t, store.processed, "alpha_1")
}

func TestRunAssignsDistinctSlots(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{}}
	for i := 0; i < 4; i++ {
		source.posts["alpha"] = append(source.posts["alpha"], videoPost("alpha", i, int64(100-i)))
	}
	backend := &fakeBackend{scheduled: []models.ScheduledPost{
		{PublishAt: time.Date(2025, 6, 2, 10, 0, 0, 0, est), AccountIDs: []int{42}},
		{PublishAt: time.Date(2025, 6, 2, 14, 0, 0, 0, est), AccountIDs: []int{7}},
	}}
	account := testAccount("alpha")
	account.TopPostsCount = 4
	account.MaxTotalPosts = 4
	p := newTestPipeline(source, backend, newMemStore())

	result := p.Run(context.Background(), account)

	require.Len(t, result.Scheduled, 4)
	var got []string
	for _, o := range result.Scheduled {
		got = append(got, o.PublishAt)
	}
	assert.Equal(t, []string{
		"2025-06-02 14:00:00",
		"2025-06-02 18:00:00",
		"2025-06-03 10:00:00",
		"2025-06-03 14:00:00",
	}, got)
	assert.Equal(t, "2025-06-03 18:00:00", result.Schedule.NextAvailableSlot)
}

func TestRunNeverRepostsAcrossRuns(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {videoPost("alpha", 0, 300), videoPost("alpha", 1, 200), videoPost("alpha", 2, 100)},
	}}
	backend := &fakeBackend{}
	store := newMemStore()
	account := testAccount("alpha")
	account.TopPostsCount = 1
	p := newTestPipeline(source, backend, store)

	seen := make(map[string]bool)
	var slotsUsed []string
	for i := 0; i < 3; i++ {
		result := p.Run(context.Background(), account)
		require.Equal(t, 1, result.SelectedCount())
		id := result.Selections[0].Posts[0].ID
		assert.False(t, seen[id], "post %s selected twice", id)
		seen[id] = true
		slotsUsed = append(slotsUsed, result.Scheduled[0].PublishAt)
	}

	last := p.Run(context.Background(), account)
	assert.Equal(t, 0, last.SelectedCount())
	assert.Equal(t, models.RunStatusCompleted, last.Status)

	// Later runs are seeded from earlier successful outcomes.
	assert.Equal(t, []string{"2025-06-02 10:00:00", "2025-06-02 14:00:00", "2025-06-02 18:00:00"}, slotsUsed)
	assert.Len(t, store.results, 4)
}

func TestRunRecordsFetchErrors(t *testing.T) {
	source := &fakeSource{
		posts: map[string][]models.Post{"bravo": {videoPost("bravo", 0, 10)}},
		err:   map[string]error{"alpha": errors.New("actor failed")},
	}
	p := newTestPipeline(source, &fakeBackend{}, newMemStore())

	result := p.Run(context.Background(), testAccount("alpha", "bravo"))

	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, result.SelectedCount())
	var report models.CompetitorReport
	for _, c := range result.Competitors {
		if c.Handle == "alpha" {
			report = c
		}
	}
	assert.Equal(t, "actor failed", report.FetchError)
}

type panicSource struct{}

func (panicSource) Fetch(context.Context, []string, int) (map[string][]models.Post, error) {
	panic("boom")
}

func TestRunRecoversFromPanic(t *testing.T) {
	store := newMemStore()
	p := New(panicSource{}, &fakeBackend{}, services.NewDedupService(store, 0), store, nil, Options{Location: est})

	result := p.Run(context.Background(), testAccount("alpha"))

	assert.Equal(t, models.RunStatusFailed, result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[len(result.Errors)-1], "boom")
	assert.NotNil(t, result.FinishedAt)
	assert.Len(t, store.results, 1)
}

// interruptingBackend accepts posts like fakeBackend and runs interrupt once
// the given number of posts has been accepted.
type interruptingBackend struct {
	*fakeBackend
	after     int
	interrupt func()
}

func (b *interruptingBackend) SchedulePost(ctx context.Context, req models.PostRequest) models.ScheduleResult {
	if len(b.requests) >= b.after {
		b.interrupt()
	}
	return b.fakeBackend.SchedulePost(ctx, req)
}

func TestRunRecordsAcceptedPostsWhenCancelled(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "reposter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {videoPost("alpha", 0, 300), videoPost("alpha", 1, 200), videoPost("alpha", 2, 100)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The first post is accepted by the backend while the run is cancelled.
	backend := &interruptingBackend{fakeBackend: &fakeBackend{}, after: 0, interrupt: cancel}

	p := New(source, backend, services.NewDedupService(store, 0), store, nil, Options{Location: est})
	p.now = func() time.Time { return time.Date(2025, 6, 2, 8, 0, 0, 0, est) }
	account := testAccount("alpha")

	first := p.Run(ctx, account)

	require.Len(t, first.Scheduled, 1)
	assert.True(t, first.Scheduled[0].Success)
	assert.Equal(t, "alpha_0", first.Scheduled[0].OriginalPostID)
	assert.Equal(t, models.RunStatusFailed, first.Status)
	for _, e := range first.Errors {
		assert.NotContains(t, e, "mark processed")
	}

	processed, err := store.ProcessedPosts(context.Background())
	require.NoError(t, err)
	assert.Contains(t, processed, "alpha_0")

	saved, err := store.RecentRunResults(context.Background(), account.Name, 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, first.ID, saved[0].ID)

	second := p.Run(context.Background(), account)
	require.Equal(t, models.RunStatusCompleted, second.Status, second.Errors)
	for _, o := range second.Scheduled {
		assert.NotEqual(t, "alpha_0", o.OriginalPostID)
		assert.NotEqual(t, first.Scheduled[0].PublishAt, o.PublishAt)
	}
	assert.Len(t, second.Scheduled, 2)
}

func TestRunMarksSubmittedPostsOnPanic(t *testing.T) {
	source := &fakeSource{posts: map[string][]models.Post{
		"alpha": {videoPost("alpha", 0, 300), videoPost("alpha", 1, 200)},
	}}
	backend := &interruptingBackend{fakeBackend: &fakeBackend{}, after: 1}
	backend.interrupt = func() { panic("backend exploded") }
	store := newMemStore()
	p := newTestPipeline(source, &fakeBackend{}, store)
	p.backend = backend

	result := p.Run(context.Background(), testAccount("alpha"))

	assert.Equal(t, models.RunStatusFailed, result.Status)
	require.Len(t, result.Scheduled, 1)
	assert.Contains(t, store.processed, "alpha_0")
	assert.NotContains(t, store.processed, "alpha_1")
	assert.Len(t, store.results, 1)
}

func TestOrchestratorUnknownAccount(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeSource{}, &fakeBackend{}, store)
	o := NewOrchestrator(p, map[string]*config.AccountConfig{"dobermanzone": testAccount("alpha")}, nil, time.Minute)

	_, err := o.RunAll(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownAccount)
	assert.Empty(t, store.results)
}

func TestOrchestratorRunsAccountsInOrder(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeSource{}, &fakeBackend{}, store)
	b := testAccount("alpha")
	b.Name = "bravozone"
	accounts := map[string]*config.AccountConfig{"dobermanzone": testAccount("alpha"), "bravozone": b}
	o := NewOrchestrator(p, accounts, nil, time.Minute)

	results, err := o.RunAll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "bravozone", results[0].Account)
	assert.Equal(t, "dobermanzone", results[1].Account)
}

func TestOrchestratorSkipsLockedAccount(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeSource{}, &fakeBackend{}, store)
	locker := lock.NewLocalLocker()
	o := NewOrchestrator(p, map[string]*config.AccountConfig{"dobermanzone": testAccount("alpha")}, locker, time.Minute)

	release, err := locker.Acquire(context.Background(), "account:dobermanzone", time.Minute)
	require.NoError(t, err)
	defer release()

	results, err := o.RunAll(context.Background(), "dobermanzone")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.RunStatusSkipped, results[0].Status)
	assert.Len(t, store.results, 1)
}
