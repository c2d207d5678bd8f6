package ranking

import (
	"testing"

	"reposter/models"
)

func post(id string, likes, comments, views int64) models.Post {
	return models.Post{ID: id, Likes: likes, Comments: comments, Views: views}
}

func ids(posts []models.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func TestScore(t *testing.T) {
	got := Score(post("a", 1000, 100, 5000))
	if got != 1.8 {
		t.Fatalf("expected 1.8, got %v", got)
	}
	if Score(models.Post{}) != 0 {
		t.Fatalf("expected zero score for empty post")
	}
}

func TestRank_Stable(t *testing.T) {
	posts := []models.Post{
		post("low", 10, 0, 0),
		post("tie1", 100, 0, 0),
		post("high", 500, 0, 0),
		post("tie2", 70, 10, 0),
		post("tie3", 100, 0, 0),
	}

	ranked := Rank(posts)
	want := []string{"high", "tie1", "tie2", "tie3", "low"}
	for i, id := range ids(ranked) {
		if id != want[i] {
			t.Fatalf("position %d: expected %s, got %s (order %v)", i, want[i], id, ids(ranked))
		}
	}
	if ranked[0].EngagementScore != 0.5 {
		t.Fatalf("expected score to be attached, got %v", ranked[0].EngagementScore)
	}
	if posts[0].EngagementScore != 0 {
		t.Fatalf("input slice must not be modified")
	}
}

func TestSelectTop_Scenario(t *testing.T) {
	posts := []models.Post{
		post("p1", 100, 1, 0),
		post("p2", 200, 0, 0),
		post("p3", 50, 5, 0),
		post("p4", 10, 0, 0),
	}

	top := SelectTop(posts, 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(top))
	}
	if top[0].ID != "p2" || top[1].ID != "p1" {
		t.Fatalf("expected [p2 p1], got %v", ids(top))
	}
}

func TestSelectTop_Clamps(t *testing.T) {
	posts := []models.Post{post("a", 1, 0, 0), post("b", 2, 0, 0)}

	if got := SelectTop(posts, 10); len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("expected all posts ranked, got %v", ids(got))
	}
	if got := SelectTop(posts, -1); len(got) != 0 {
		t.Fatalf("expected none for negative n, got %v", ids(got))
	}
	if got := SelectTop(nil, 3); len(got) != 0 {
		t.Fatalf("expected none for empty input, got %v", ids(got))
	}
}
