package scraper

import (
	"context"
	"fmt"
	"time"

	"reposter/models"
)

// ContentSource returns recent posts per competitor handle. Handles with no
// posts map to an empty slice. Implementations degrade to placeholder posts
// instead of failing when the backend is unconfigured or unreachable.
type ContentSource interface {
	Fetch(ctx context.Context, handles []string, limit int) (map[string][]models.Post, error)
}

const maxPlaceholderPosts = 5

// PlaceholderPosts builds clearly marked stand-in posts. Their media URLs
// never pass validation, so they are never scheduled.
func PlaceholderPosts(handles []string, limit int) map[string][]models.Post {
	n := limit
	if n > maxPlaceholderPosts {
		n = maxPlaceholderPosts
	}
	if n < 0 {
		n = 0
	}

	now := time.Now()
	out := make(map[string][]models.Post, len(handles))
	for _, h := range handles {
		posts := make([]models.Post, 0, n)
		for i := 0; i < n; i++ {
			posts = append(posts, models.Post{
				ID:            fmt.Sprintf("mock_post_%s_%d", h, i),
				OwnerUsername: h,
				URL:           fmt.Sprintf("https://instagram.com/p/mock_%s_%d", h, i),
				VideoURL:      fmt.Sprintf("https://mock-video-url.com/%s_%d.mp4", h, i),
				Caption:       fmt.Sprintf("Placeholder caption for %s post %d", h, i),
				Likes:         int64(1000 + i*100),
				Comments:      int64(50 + i*10),
				Views:         int64(5000 + i*500),
				Timestamp:     now.Format(time.RFC3339),
				ScrapedAt:     now,
				Placeholder:   true,
			})
		}
		out[h] = posts
	}
	return out
}
