package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"

	"reposter/config"
	"reposter/metrics"
	"reposter/models"
	"reposter/services"
)

const (
	maxDetailLen = 500
	userAgent    = "SocialBu-API-Client/1.0"
)

// MediaDownloader fetches the raw bytes behind a media reference.
type MediaDownloader interface {
	Download(ctx context.Context, mediaURL string) (*services.MediaFile, error)
}

// SocialBu is the SocialBu REST client.
type SocialBu struct {
	api        *http.Client
	media      *http.Client
	baseURL    string
	token      string
	loc        *time.Location
	downloader MediaDownloader
	mediaCfg   config.MediaConfig
	metrics    *metrics.Metrics
}

func NewSocialBu(cfg config.SocialBuConfig, mediaCfg config.MediaConfig, loc *time.Location, api, media *http.Client, downloader MediaDownloader, m *metrics.Metrics) *SocialBu {
	if api == nil {
		api = &http.Client{Timeout: 30 * time.Second}
	}
	if media == nil {
		media = &http.Client{Timeout: 2 * time.Minute}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://socialbu.com/api/v1"
	}
	return &SocialBu{
		api:        api,
		media:      media,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      cfg.Token,
		loc:        loc,
		downloader: downloader,
		mediaCfg:   normalizeMediaConfig(mediaCfg),
		metrics:    m,
	}
}

type apiResponse struct {
	status int
	body   []byte
	html   bool
}

func (r *apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (s *SocialBu) call(ctx context.Context, method, endpoint string, payload interface{}) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.api.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &apiResponse{
		status: resp.StatusCode,
		body:   data,
		html:   strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html"),
	}, nil
}

// SchedulePost creates a scheduled post. When a media reference is given the
// media is uploaded first; if that fails the post goes out without media.
func (s *SocialBu) SchedulePost(ctx context.Context, req models.PostRequest) models.ScheduleResult {
	publishAt := req.PublishAt
	if publishAt.IsZero() {
		publishAt = time.Now()
	}
	publishAtStr := publishAt.In(s.loc).Format(models.PublishLayout)

	payload := map[string]interface{}{
		"accounts":   req.AccountIDs,
		"content":    req.Caption,
		"publish_at": publishAtStr,
	}

	mediaAttached := false
	if req.MediaURL != "" {
		token, err := s.UploadMedia(ctx, req.MediaURL)
		if err != nil {
			log.WithField("media_url", req.MediaURL).Warnf("Media upload failed, posting without media: %v", err)
		} else {
			payload["existing_attachments"] = []map[string]string{{"upload_token": token}}
			if len(req.Options) > 0 {
				payload["options"] = req.Options
			}
			mediaAttached = true
		}
	}

	resp, err := s.call(ctx, "POST", "/posts", payload)
	if err != nil {
		return models.ScheduleResult{Success: false, Error: fmt.Sprintf("Request failed: %v", err), MediaAttached: mediaAttached}
	}

	result := interpretPostResponse(resp)
	result.MediaAttached = mediaAttached
	if result.Success {
		result.ScheduledTime = publishAtStr
	}
	return result
}

// interpretPostResponse favours forward progress: a 2xx answer that is not
// the JSON we expect still counts as success.
func interpretPostResponse(resp *apiResponse) models.ScheduleResult {
	if resp.html && resp.ok() {
		warning := "API returned HTML instead of JSON"
		if title := htmlTitle(resp.body); title != "" {
			warning += ": " + title
		}
		log.Warn(warning)
		return models.ScheduleResult{
			Success:       true,
			Message:       "Post created successfully (HTML response received)",
			PostID:        "unknown",
			ScheduledTime: "unknown",
			Warning:       warning,
		}
	}

	if !resp.ok() {
		return models.ScheduleResult{
			Success: false,
			Error:   fmt.Sprintf("API returned status %d", resp.status),
			Details: truncate(string(resp.body), maxDetailLen),
		}
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(resp.body, &obj); err != nil {
		return models.ScheduleResult{
			Success:       true,
			Message:       "Post created successfully",
			PostID:        "unknown",
			ScheduledTime: "unknown",
		}
	}

	result := models.ScheduleResult{Success: true, PostID: "unknown"}
	if v, ok := obj["success"].(bool); ok {
		result.Success = v
	}
	if msg, ok := obj["message"].(string); ok {
		result.Message = msg
	}
	if id := postID(obj); id != "" {
		result.PostID = id
	}
	if !result.Success {
		if e, ok := obj["error"].(string); ok && e != "" {
			result.Error = e
		} else if result.Message != "" {
			result.Error = result.Message
		} else {
			result.Error = "API reported failure"
		}
		result.Details = truncate(string(resp.body), maxDetailLen)
	}
	return result
}

func postID(obj map[string]interface{}) string {
	for _, key := range []string{"post_id", "id"} {
		if v, ok := obj[key]; ok && v != nil {
			return idString(v)
		}
	}
	if post, ok := obj["post"].(map[string]interface{}); ok {
		if v, ok := post["id"]; ok && v != nil {
			return idString(v)
		}
	}
	return ""
}

func idString(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprint(v)
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// =============================================================================
// Scheduled posts and accounts
// =============================================================================

type scheduledItem struct {
	PublishAt string          `json:"publish_at"`
	AccountID json.RawMessage `json:"account_id"`
	Accounts  json.RawMessage `json:"accounts"`
}

// accountIDs reads account_id and accounts, which SocialBu returns either as
// numbers, numeric strings or objects carrying an id.
func (item scheduledItem) accountIDs() []int {
	var ids []int
	if id := parseID(item.AccountID); id > 0 {
		ids = append(ids, id)
	}
	var list []json.RawMessage
	if json.Unmarshal(item.Accounts, &list) == nil {
		for _, raw := range list {
			if id := parseID(raw); id > 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func parseID(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if raw[0] == '{' {
		if json.Unmarshal(raw, &obj) != nil {
			return 0
		}
		return parseID(obj.ID)
	}
	id, err := strconv.Atoi(strings.Trim(string(raw), `"`))
	if err != nil {
		return 0
	}
	return id
}

// ListScheduled returns posts already queued on SocialBu. Naive publish_at
// values are read in the system timezone.
func (s *SocialBu) ListScheduled(ctx context.Context) ([]models.ScheduledPost, error) {
	resp, err := s.call(ctx, "GET", "/posts?status=scheduled", nil)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	if !resp.ok() || resp.html {
		return nil, fmt.Errorf("list scheduled: status %d", resp.status)
	}

	var items []scheduledItem
	if err := decodeList(resp.body, &items, "data", "posts"); err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}

	var out []models.ScheduledPost
	for _, item := range items {
		if item.PublishAt == "" {
			continue
		}
		t, err := time.ParseInLocation(models.PublishLayout, item.PublishAt, s.loc)
		if err != nil {
			t, err = time.Parse(time.RFC3339, item.PublishAt)
			if err != nil {
				continue
			}
		}
		out = append(out, models.ScheduledPost{PublishAt: t, AccountIDs: item.accountIDs()})
	}
	return out, nil
}

func (s *SocialBu) Accounts(ctx context.Context) ([]Account, error) {
	resp, err := s.call(ctx, "GET", "/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	if !resp.ok() || resp.html {
		return nil, fmt.Errorf("accounts: status %d: %s", resp.status, truncate(string(resp.body), 200))
	}

	var accounts []Account
	if err := decodeList(resp.body, &accounts, "accounts", "data"); err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	return accounts, nil
}

func decodeObject(body []byte, out interface{}) error {
	if err := json.Unmarshal(bytes.TrimSpace(body), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under one of keys.
func decodeList(body []byte, out interface{}, keys ...string) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	for _, k := range keys {
		if raw, ok := obj[k]; ok && len(raw) > 0 && raw[0] == '[' {
			return json.Unmarshal(raw, out)
		}
	}
	return nil
}
