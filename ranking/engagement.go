package ranking

import (
	"sort"

	"reposter/models"
)

// Score weighs comments three times a like and views at a tenth of a like.
func Score(p models.Post) float64 {
	return (float64(p.Likes) + 3*float64(p.Comments) + 0.1*float64(p.Views)) / 1000
}

// Rank returns a copy of posts ordered by score, highest first. Equal scores
// keep their input order.
func Rank(posts []models.Post) []models.Post {
	ranked := make([]models.Post, len(posts))
	copy(ranked, posts)
	for i := range ranked {
		ranked[i].EngagementScore = Score(ranked[i])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EngagementScore > ranked[j].EngagementScore
	})
	return ranked
}

// SelectTop returns the n best posts. n is clamped to [0, len(posts)].
func SelectTop(posts []models.Post, n int) []models.Post {
	ranked := Rank(posts)
	if n < 0 {
		n = 0
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}
