package match

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// ScrubPII strips e-mail addresses and phone numbers from free text before it
// is embedded, cached, or fingerprinted.
func ScrubPII(text string) string {
	text = emailPattern.ReplaceAllString(text, "[email removed]")
	text = phonePattern.ReplaceAllString(text, "[phone removed]")
	return text
}

// NormalizeBio lower-cases and collapses whitespace after scrubbing, so that
// trivially reworded resubmissions dedup to the same fingerprint.
func NormalizeBio(bio string) string {
	bio = ScrubPII(bio)
	bio = strings.ToLower(strings.TrimSpace(bio))
	return spacePattern.ReplaceAllString(bio, " ")
}

// EmbeddingPayload combines the scrubbed bio and tags into the single text
// document sent to the embedding collaborator.
func EmbeddingPayload(bio string, tags []string) string {
	return "Bio: " + ScrubPII(bio) + "\nInterests: " + strings.Join(tags, ", ")
}

// Fingerprint derives the deterministic dedup digest from the semantically
// relevant request fields. Tag order does not affect it.
func Fingerprint(r Request) string {
	tags := make([]string, 0, len(r.InterestTags))
	for _, t := range r.InterestTags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)

	h := sha256.New()
	for _, part := range []string{
		r.UserID,
		NormalizeBio(r.Bio),
		strings.Join(tags, ","),
		strings.ToLower(strings.TrimSpace(r.City)),
		strings.ToLower(strings.TrimSpace(r.Timezone)),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
