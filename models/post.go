package models

import "time"

type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
	MediaNone  MediaType = "none"
)

// Post is a single item scraped from a competitor account.
type Post struct {
	ID            string    `json:"id"`
	OwnerUsername string    `json:"owner_username"`
	URL           string    `json:"url,omitempty"`
	ShortCode     string    `json:"short_code,omitempty"`
	Type          string    `json:"type,omitempty"`
	Caption       string    `json:"caption"`
	VideoURL      string    `json:"video_url,omitempty"`
	DisplayURL    string    `json:"display_url,omitempty"`
	Likes         int64     `json:"likes_count"`
	Comments      int64     `json:"comments_count"`
	Views         int64     `json:"views_count"`
	Timestamp     string    `json:"timestamp,omitempty"`
	ScrapedAt     time.Time `json:"scraped_at"`
	Placeholder   bool      `json:"placeholder,omitempty"`

	// EngagementScore is filled in by ranking and never by the scraper.
	EngagementScore float64 `json:"engagement_score,omitempty"`
}

// PostRequest is what the pipeline hands to a posting backend.
type PostRequest struct {
	Caption    string                 `json:"caption"`
	AccountIDs []int                  `json:"accounts"`
	PublishAt  time.Time              `json:"publish_at"`
	MediaURL   string                 `json:"media_url,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// ScheduleResult is the backend's answer for one post. Failures are values, not errors.
type ScheduleResult struct {
	Success       bool   `json:"success"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
	PostID        string `json:"post_id,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Details       string `json:"details,omitempty"`
	Warning       string `json:"warning,omitempty"`
	MediaAttached bool   `json:"media_attached"`
}

// ScheduledPost is a post already queued on the posting backend.
type ScheduledPost struct {
	PublishAt  time.Time `json:"publish_at"`
	AccountIDs []int     `json:"accounts,omitempty"`
}

// Targets reports whether the scheduled post publishes to accountID.
// Posts with no account information are assumed to target every account.
func (s ScheduledPost) Targets(accountID int) bool {
	if len(s.AccountIDs) == 0 {
		return true
	}
	for _, id := range s.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}
