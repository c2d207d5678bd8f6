package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"reposter/config"
	"reposter/identity"
	"reposter/models"
)

const (
	apifyPollTimeout = 15 * time.Minute
	apifyPollDelay   = 10 * time.Second
)

// ApifySource fetches competitor posts by running an Apify actor and reading
// its default dataset.
type ApifySource struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	adapter     ApifyActorAdapter
	limiter     *rate.Limiter
	pollDelay   time.Duration
	pollTimeout time.Duration
}

func NewApifySource(cfg config.ApifyConfig, scrapeDelay time.Duration, client *http.Client) *ApifySource {
	adapter, err := GetApifyAdapter(cfg.ActorID)
	if err != nil {
		log.Warnf("%v, using instagram post scraper", err)
		adapter, _ = GetApifyAdapter("")
	}

	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	limit := rate.Inf
	if scrapeDelay > 0 {
		limit = rate.Every(scrapeDelay)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.apify.com/v2"
	}

	return &ApifySource{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.Token,
		adapter:     adapter,
		limiter:     rate.NewLimiter(limit, 1),
		pollDelay:   apifyPollDelay,
		pollTimeout: apifyPollTimeout,
	}
}

// SetPolling overrides how often and how long a run is polled.
func (h *ApifySource) SetPolling(delay, timeout time.Duration) {
	h.pollDelay = delay
	h.pollTimeout = timeout
}

func (h *ApifySource) Configured() bool {
	return h.apiKey != "" && h.apiKey != "your_apify_api_token_here"
}

// Fetch never returns an error: any failure yields placeholder posts so the
// caller can record the run and move on.
func (h *ApifySource) Fetch(ctx context.Context, handles []string, limit int) (map[string][]models.Post, error) {
	if len(handles) == 0 {
		return map[string][]models.Post{}, nil
	}
	if !h.Configured() {
		log.Warn("Apify: APIFY_API_TOKEN not configured, using placeholder posts")
		return PlaceholderPosts(handles, limit), nil
	}

	posts, err := h.scrape(ctx, handles, limit)
	if err != nil {
		log.WithField("handles", strings.Join(handles, ",")).Errorf("Apify scrape failed, using placeholder posts: %v", err)
		return PlaceholderPosts(handles, limit), nil
	}
	return posts, nil
}

func (h *ApifySource) scrape(ctx context.Context, handles []string, limit int) (map[string][]models.Post, error) {
	runID, err := h.startRun(ctx, handles, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to start apify run: %w", err)
	}
	log.Infof("Apify run started: %s (actor: %s, %d handles)", runID, h.adapter.ActorID(), len(handles))

	datasetID, err := h.waitForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("apify run failed: %w", err)
	}
	log.Infof("Apify run complete, dataset: %s", datasetID)

	posts, err := h.fetchDataset(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset: %w", err)
	}

	return groupByHandle(posts, handles, limit), nil
}

type parsedPost struct {
	handle string
	post   models.Post
}

// groupByHandle keeps only requested handles, in dataset order, at most
// limit per handle. Every requested handle is present in the result.
func groupByHandle(posts []parsedPost, handles []string, limit int) map[string][]models.Post {
	out := make(map[string][]models.Post, len(handles))
	for _, h := range handles {
		out[h] = []models.Post{}
	}
	for _, p := range posts {
		key := p.handle
		if _, ok := out[key]; !ok {
			continue
		}
		if limit > 0 && len(out[key]) >= limit {
			continue
		}
		out[key] = append(out[key], p.post)
	}
	return out
}

func (h *ApifySource) startRun(ctx context.Context, handles []string, limit int) (string, error) {
	input := h.adapter.BuildInput(handles, limit)
	body, _ := json.Marshal(input)
	log.Debugf("Apify input: %s", string(body))

	url := fmt.Sprintf("%s/acts/%s/runs?token=%s", h.baseURL, h.adapter.ActorID(), h.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", fmt.Errorf("apify start run failed %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("apify start run returned no run id")
	}

	return result.Data.ID, nil
}

func (h *ApifySource) waitForRun(ctx context.Context, runID string) (string, error) {
	url := fmt.Sprintf("%s/actor-runs/%s?token=%s", h.baseURL, runID, h.apiKey)
	deadline := time.Now().Add(h.pollTimeout)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return "", err
		}

		resp, err := h.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if err := sleepCtx(ctx, h.pollDelay); err != nil {
				return "", err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			log.Debugf("Apify run status request returned %d, retrying", resp.StatusCode)
			if err := sleepCtx(ctx, h.pollDelay); err != nil {
				return "", err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			resp.Body.Close()
			return "", fmt.Errorf("run %s: status check failed %d: %s", runID, resp.StatusCode, string(respBody))
		}

		var result struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("run %s: decode status: %w", runID, err)
		}

		switch result.Data.Status {
		case "SUCCEEDED":
			return result.Data.DefaultDatasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", fmt.Errorf("run %s: %s", runID, result.Data.Status)
		}

		log.Debugf("Apify run status: %s", result.Data.Status)
		if err := sleepCtx(ctx, h.pollDelay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("timeout waiting for run %s", runID)
}

func (h *ApifySource) fetchDataset(ctx context.Context, datasetID string) ([]parsedPost, error) {
	url := fmt.Sprintf("%s/datasets/%s/items?token=%s&format=json", h.baseURL, datasetID, h.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, fmt.Errorf("dataset fetch failed %d: %s", resp.StatusCode, string(respBody))
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}

	var posts []parsedPost
	for _, item := range items {
		post, handle, err := h.adapter.ParsePost(item)
		if err != nil {
			log.Warnf("Failed to parse post: %v", err)
			continue
		}
		posts = append(posts, parsedPost{handle: identity.NormalizeHandle(handle), post: post})
	}

	return posts, nil
}

func (h *ApifySource) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
