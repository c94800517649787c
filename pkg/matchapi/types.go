package matchapi

import "encoding/json"

// SubmitMatchRequest is the public intake payload for a match computation.
type SubmitMatchRequest struct {
	UserID       string   `json:"user_id"`
	Bio          string   `json:"bio"`
	InterestTags []string `json:"interest_tags"`
	City         string   `json:"city"`
	Timezone     string   `json:"timezone"`
}

// SubmitMatchResponse is returned with 202 Accepted; the computation itself
// runs behind the queue.
type SubmitMatchResponse struct {
	TaskID              string `json:"task_id"`
	Status              string `json:"status"`
	EstimatedLatencyMS  int    `json:"estimated_latency_ms"`
	NotificationChannel string `json:"notification_channel"`
}

type RankedMatch struct {
	CommunityID   string  `json:"community_id"`
	CommunityName string  `json:"community_name"`
	Category      string  `json:"category"`
	Score         float64 `json:"score"`
	Similarity    float64 `json:"similarity"`
	LocalityBonus float64 `json:"locality_bonus"`
	RecencyBonus  float64 `json:"recency_bonus"`
	MemberCount   int     `json:"member_count"`
	RecentEvents  int     `json:"recent_activity"`
}

type MatchResultPayload struct {
	TaskID                string        `json:"task_id"`
	UserID                string        `json:"user_id"`
	Tier                  string        `json:"tier"`
	Matches               []RankedMatch `json:"matches"`
	RequiresProfileUpdate bool          `json:"requires_profile_update,omitempty"`
	ProcessingTimeMS      int64         `json:"processing_time_ms"`
}

type TaskStatusResponse struct {
	TaskID    string              `json:"task_id"`
	Status    string              `json:"status"`
	Retries   int                 `json:"retries"`
	ErrorKind string              `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	ResultURI string              `json:"result_artifact_uri,omitempty"`
	Result    *MatchResultPayload `json:"result,omitempty"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type PopularCommunitiesResponse struct {
	Communities []RankedMatch `json:"communities"`
}

// Realtime protocol. Every frame on the websocket is an Event envelope.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventDeclareIdentity = "declare_identity"
	EventPing            = "ping"
)

// Server -> client events.
const (
	EventConnectionAck = "connection_ack"
	EventMatchResult   = "match_result"
	EventPong          = "pong"
	EventErrorNotice   = "error_notice"
)

type DeclareIdentityData struct {
	UserID string `json:"user_id"`
}

type ConnectionAckData struct {
	UserID  string `json:"user_id"`
	Message string `json:"message,omitempty"`
}

type PongData struct {
	TimestampUnix int64 `json:"timestamp_unix"`
}

type ErrorNoticeData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type MatchResultData struct {
	TaskID string              `json:"task_id"`
	Status string              `json:"status"`
	Result *MatchResultPayload `json:"result,omitempty"`
}

// Error notice reason codes.
const (
	NoticeConnectionRejected = "connection_rejected"
	NoticeBadEvent           = "bad_event"
)

type WorkerHeartbeatRequest struct {
	WorkerID      string `json:"worker_id"`
	InFlight      int    `json:"in_flight"`
	QueueDepth    int    `json:"queue_depth"`
	Health        string `json:"health"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

type WorkerHeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}
