package scraper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reposter/identity"
	"reposter/models"
)

// ApifyActorAdapter defines the interface for Apify actor-specific logic
type ApifyActorAdapter interface {
	ActorID() string
	BuildInput(handles []string, limit int) map[string]interface{}
	// ParsePost returns the post and the competitor handle it was scraped for.
	ParsePost(data json.RawMessage) (models.Post, string, error)
}

// GetApifyAdapter returns the appropriate adapter for the given actor id.
// Both the slash and tilde spellings of an actor id are accepted.
func GetApifyAdapter(actorID string) (ApifyActorAdapter, error) {
	switch strings.ReplaceAll(actorID, "/", "~") {
	case "", "apify~instagram-post-scraper":
		return &InstagramAdapter{actor: "apify~instagram-post-scraper"}, nil
	case "apify~instagram-reel-scraper":
		return &InstagramAdapter{actor: "apify~instagram-reel-scraper"}, nil
	default:
		return nil, fmt.Errorf("unknown apify actor: %s", actorID)
	}
}

// InstagramAdapter handles the apify instagram post and reel scrapers, which
// share input and item shapes.
type InstagramAdapter struct {
	actor string
}

func (a *InstagramAdapter) ActorID() string {
	return a.actor
}

func (a *InstagramAdapter) BuildInput(handles []string, limit int) map[string]interface{} {
	return map[string]interface{}{
		"username":     handles,
		"resultsLimit": limit,
	}
}

type instagramItem struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	VideoURL       string          `json:"videoUrl"`
	VideoURLAlt    string          `json:"video_url"`
	SidecarMedia   []sidecarItem   `json:"sidecarMedia"`
	Caption        string          `json:"caption"`
	LikesCount     flexInt         `json:"likesCount"`
	CommentsCount  flexInt         `json:"commentsCount"`
	VideoViewCount flexInt         `json:"videoViewCount"`
	Timestamp      string          `json:"timestamp"`
	OwnerUsername  string          `json:"ownerUsername"`
	QueryUsername  string          `json:"queryUsername"`
	Type           string          `json:"type"`
	ShortCode      string          `json:"shortCode"`
	DisplayURL     string          `json:"displayUrl"`
	Error          json.RawMessage `json:"error"`
}

type sidecarItem struct {
	Type     string `json:"type"`
	VideoURL string `json:"videoUrl"`
}

func (a *InstagramAdapter) ParsePost(data json.RawMessage) (models.Post, string, error) {
	var item instagramItem
	if err := json.Unmarshal(data, &item); err != nil {
		return models.Post{}, "", err
	}

	// The actors emit {"error": ..., "errorDescription": ...} items for
	// private or missing profiles.
	if len(item.Error) > 0 && item.ID == "" {
		return models.Post{}, "", fmt.Errorf("actor error item: %s", string(item.Error))
	}

	handle := item.QueryUsername
	if handle == "" {
		handle = item.OwnerUsername
	}
	handle = identity.NormalizeHandle(handle)

	post := models.Post{
		ID:            item.ID,
		OwnerUsername: handle,
		URL:           item.URL,
		ShortCode:     item.ShortCode,
		Type:          item.Type,
		Caption:       item.Caption,
		VideoURL:      extractVideoURL(item),
		DisplayURL:    item.DisplayURL,
		Likes:         int64(item.LikesCount),
		Comments:      int64(item.CommentsCount),
		Views:         int64(item.VideoViewCount),
		Timestamp:     item.Timestamp,
		ScrapedAt:     time.Now(),
	}
	if post.Type == "" {
		post.Type = "Unknown"
	}
	post.ID = identity.PostKey(post)

	return post, handle, nil
}

// extractVideoURL prefers the direct video, then the first video of a
// carousel, then any URL-ish field that looks like a video.
func extractVideoURL(item instagramItem) string {
	if item.VideoURL != "" {
		return item.VideoURL
	}

	switch strings.ToLower(item.Type) {
	case "sidecar", "carousel":
		for _, m := range item.SidecarMedia {
			if strings.EqualFold(m.Type, "video") && m.VideoURL != "" {
				return m.VideoURL
			}
		}
	}

	for _, v := range []string{item.VideoURL, item.VideoURLAlt, item.URL} {
		lower := strings.ToLower(v)
		if v != "" && (strings.Contains(lower, ".mp4") || strings.Contains(lower, "video")) {
			return v
		}
	}
	return ""
}

// flexInt accepts numbers, numeric strings and null. Negative counts (the
// scraper reports -1 for hidden likes) become zero.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	if v < 0 {
		v = 0
	}
	*f = flexInt(v)
	return nil
}
