package identity

import (
	"strings"
	"testing"

	"reposter/models"
)

func TestNormalizeHandle(t *testing.T) {
	cases := map[string]string{
		"dobermanzone":         "dobermanzone",
		"  @Doberman.Zone ":    "doberman.zone",
		"puppy_love\u2800":     "puppy_love",
		"\u200bhidden\u200d":   "hidden",
		"two words":            "twowords",
		"@@":                   "@",
	}
	for in, want := range cases {
		if got := NormalizeHandle(in); got != want {
			t.Fatalf("NormalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidHandle(t *testing.T) {
	if !ValidHandle("doberman.zone_1") {
		t.Fatalf("expected valid handle")
	}
	for _, bad := range []string{"", "@", "has-dash", "Upper", strings.Repeat("a", 31)} {
		if ValidHandle(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestPostKey(t *testing.T) {
	if got := PostKey(models.Post{ID: "123"}); got != "123" {
		t.Fatalf("expected id to be used, got %s", got)
	}

	a := PostKey(models.Post{OwnerUsername: "Dogs", ShortCode: "abc"})
	b := PostKey(models.Post{OwnerUsername: "@dogs", ShortCode: "abc"})
	c := PostKey(models.Post{OwnerUsername: "dogs", ShortCode: "xyz"})
	if a != b {
		t.Fatalf("expected keys to match after handle normalisation: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("expected different shortcodes to produce different keys")
	}
	if !strings.HasPrefix(a, "h_") {
		t.Fatalf("expected hashed key prefix, got %s", a)
	}
}
