package match

import (
	"strings"
	"testing"
)

func TestFingerprintDeterministicAndTagOrderInsensitive(t *testing.T) {
	a := Request{
		UserID:       "u1",
		Bio:          "Python developer interested in AI",
		InterestTags: []string{"Programming", "AI"},
		City:         "San Francisco",
		Timezone:     "America/Los_Angeles",
	}
	b := a
	b.InterestTags = []string{"AI", "Programming"}

	if Fingerprint(a) != Fingerprint(a) {
		t.Fatalf("fingerprint is not deterministic")
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("tag order changed the fingerprint")
	}
}

func TestFingerprintNormalizesBioWhitespaceAndCase(t *testing.T) {
	a := Request{UserID: "u1", Bio: "Loves   hiking", City: "Denver", Timezone: "America/Denver"}
	b := Request{UserID: "u1", Bio: "loves hiking", City: "denver", Timezone: "AMERICA/DENVER"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("normalization did not converge: %s vs %s", Fingerprint(a), Fingerprint(b))
	}
}

func TestFingerprintDistinguishesUsersAndCities(t *testing.T) {
	base := Request{UserID: "u1", Bio: "hello", City: "Austin", Timezone: "America/Chicago"}
	otherUser := base
	otherUser.UserID = "u2"
	otherCity := base
	otherCity.City = "Dallas"

	if Fingerprint(base) == Fingerprint(otherUser) {
		t.Fatalf("different users collided")
	}
	if Fingerprint(base) == Fingerprint(otherCity) {
		t.Fatalf("different cities collided")
	}
}

func TestScrubPII(t *testing.T) {
	in := "Reach me at jane.doe@example.com or 415-555-1234, I love Go"
	out := ScrubPII(in)
	if strings.Contains(out, "jane.doe@example.com") || strings.Contains(out, "415-555-1234") {
		t.Fatalf("PII survived scrub: %q", out)
	}
	if !strings.Contains(out, "[email removed]") || !strings.Contains(out, "[phone removed]") {
		t.Fatalf("placeholders missing: %q", out)
	}
}

func TestEmbeddingPayloadShape(t *testing.T) {
	got := EmbeddingPayload("Gopher at heart", []string{"Programming", "AI"})
	want := "Bio: Gopher at heart\nInterests: Programming, AI"
	if got != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}
}

func TestRequestValidate(t *testing.T) {
	good := Request{UserID: "u1", Bio: "hi there", City: "Austin", Timezone: "America/Chicago"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []Request{
		{Bio: "hi", City: "Austin", Timezone: "America/Chicago"},
		{UserID: "u1", City: "Austin", Timezone: "America/Chicago"},
		{UserID: "u1", Bio: "hi", Timezone: "America/Chicago"},
		{UserID: "u1", Bio: "hi", City: "Austin"},
		{UserID: "u1", Bio: strings.Repeat("x", MaxBioBytes+1), City: "Austin", Timezone: "America/Chicago"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestNotificationTopicRoundTrip(t *testing.T) {
	topic := NotificationTopic("user-42")
	if topic != "match_updates_user-42" {
		t.Fatalf("unexpected topic %q", topic)
	}
	user, ok := UserFromTopic(topic)
	if !ok || user != "user-42" {
		t.Fatalf("round trip failed: %q %v", user, ok)
	}
	if _, ok := UserFromTopic("match_updates_"); ok {
		t.Fatalf("empty identity should not parse")
	}
	if _, ok := UserFromTopic("other_channel"); ok {
		t.Fatalf("foreign topic should not parse")
	}
}
