package match

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task statuses. Completed and Failed are terminal and never change again.
const (
	StatusQueued     = "Queued"
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
)

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Error kinds recorded on failed tasks and surfaced to callers.
const (
	KindInvalidRequest             = "InvalidRequest"
	KindEmbeddingUnavailable       = "EmbeddingUnavailable"
	KindCandidateSourceUnavailable = "CandidateSourceUnavailable"
	KindExpired                    = "Expired"
	KindConnectionRejected         = "ConnectionRejected"
	KindNotFound                   = "NotFound"
	// KindInternal covers pipeline faults that are nobody's collaborator,
	// like a queue write failing after the task record was created.
	KindInternal = "InternalError"
)

var ErrNotFound = errors.New("task not found")

// InvalidRequestError rejects a malformed request synchronously at intake;
// nothing with this error ever reaches the queue.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Request is an immutable match request as accepted by the orchestrator.
type Request struct {
	UserID       string    `json:"user_id"`
	Bio          string    `json:"bio"`
	InterestTags []string  `json:"interest_tags"`
	City         string    `json:"city"`
	Timezone     string    `json:"timezone"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Validate enforces the intake contract. Tags may be empty; bio may not.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &InvalidRequestError{Field: "user_id", Reason: "is required"}
	}
	if strings.TrimSpace(r.Bio) == "" {
		return &InvalidRequestError{Field: "bio", Reason: "is required"}
	}
	if len(r.Bio) > MaxBioBytes {
		return &InvalidRequestError{Field: "bio", Reason: fmt.Sprintf("exceeds %d bytes", MaxBioBytes)}
	}
	if strings.TrimSpace(r.City) == "" {
		return &InvalidRequestError{Field: "city", Reason: "is required"}
	}
	if strings.TrimSpace(r.Timezone) == "" {
		return &InvalidRequestError{Field: "timezone", Reason: "is required"}
	}
	if len(r.InterestTags) > MaxInterestTags {
		return &InvalidRequestError{Field: "interest_tags", Reason: fmt.Sprintf("exceeds %d entries", MaxInterestTags)}
	}
	return nil
}

const (
	MaxBioBytes     = 4096
	MaxInterestTags = 32
)

// Candidate is a community as returned by the candidate source, untouched by
// the pipeline. Similarity is the source's cosine score for the request vector.
type Candidate struct {
	CommunityID   string  `json:"community_id"`
	CommunityName string  `json:"community_name"`
	Category      string  `json:"category"`
	City          string  `json:"city"`
	Timezone      string  `json:"timezone"`
	MemberCount   int     `json:"member_count"`
	RecentEvents  int     `json:"recent_activity"`
	Similarity    float64 `json:"similarity"`
}

// RankedMatch is a candidate with its computed score and the score's
// contributing factors. Slice order is rank order.
type RankedMatch struct {
	Candidate
	Score         float64 `json:"score"`
	LocalityBonus float64 `json:"locality_bonus"`
	RecencyBonus  float64 `json:"recency_bonus"`
}

// Tiers assigned by the decision engine based on the top score.
const (
	TierSoulmate = "soulmate"
	TierExplorer = "explorer"
	TierFallback = "fallback"
)

// Result is the shape of a completed computation.
type Result struct {
	TaskID                string        `json:"task_id"`
	UserID                string        `json:"user_id"`
	Tier                  string        `json:"tier"`
	Matches               []RankedMatch `json:"matches"`
	RequiresProfileUpdate bool          `json:"requires_profile_update,omitempty"`
	ProcessingTimeMS      int64         `json:"processing_time_ms"`
}

// NotificationTopic derives the per-user pub/sub topic a realtime subscriber
// attaches to.
func NotificationTopic(userID string) string {
	return "match_updates_" + userID
}

// NotificationPattern matches every per-user topic.
const NotificationPattern = "match_updates_*"

// UserFromTopic recovers the user identity a topic is scoped to.
func UserFromTopic(topic string) (string, bool) {
	const prefix = "match_updates_"
	if !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
		return "", false
	}
	return topic[len(prefix):], true
}
