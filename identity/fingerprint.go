package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"reposter/models"
)

var (
	handleRegex = regexp.MustCompile(`^[a-z0-9._]{1,30}$`)
	// Blank-looking runes that survive copy/paste from profile pages.
	invisibleRunes = map[rune]bool{
		'\u2800': true, // braille pattern blank
		'\u3164': true, // hangul filler
		'\u115f': true,
		'\u1160': true,
		'\uffa0': true,
	}
)

// NormalizeHandle lowercases a competitor handle and strips a leading @,
// whitespace and invisible characters.
func NormalizeHandle(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsSpace(r) || unicode.Is(unicode.Cf, r) || invisibleRunes[r] {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimPrefix(b.String(), "@")
}

func ValidHandle(handle string) bool {
	return handleRegex.MatchString(handle)
}

// PostKey is the dedup key for a scraped post. Items the scraper returned
// without an id fall back to a hash of owner and shortcode or URL.
func PostKey(p models.Post) string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	ref := p.ShortCode
	if ref == "" {
		ref = p.URL
	}
	if ref == "" {
		ref = p.VideoURL
	}
	input := fmt.Sprintf("%s|%s", NormalizeHandle(p.OwnerUsername), ref)
	hash := sha256.Sum256([]byte(input))
	return "h_" + hex.EncodeToString(hash[:16])
}
