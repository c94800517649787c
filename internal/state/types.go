package state

import (
	"encoding/json"
	"time"

	"github.com/example/commatch/internal/match"
)

// TaskRecord is the cached lifecycle record for one match computation.
// Completed and Failed are immutable once set; records expire from the store
// after the retention window.
type TaskRecord struct {
	TaskID      string        `json:"task_id"`
	Fingerprint string        `json:"fingerprint"`
	UserID      string        `json:"user_id"`
	Status      string        `json:"status"`
	Retries     int           `json:"retries"`
	Result      *match.Result `json:"result,omitempty"`
	ResultURI   string        `json:"result_artifact_uri,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Job is the queue payload: the task id plus the original request, so a worker
// needs no store round-trip to begin processing.
type Job struct {
	TaskID  string        `json:"task_id"`
	Request match.Request `json:"request"`
}

func encodeJob(j Job) (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJob(raw string) (Job, bool) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, false
	}
	if j.TaskID == "" {
		return Job{}, false
	}
	return j, true
}

// QueueClaim is one delivered job plus the receipt needed to ack or nack it.
type QueueClaim struct {
	Job       Job
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

// WorkerRecord is fleet-visibility state reported by match agents.
type WorkerRecord struct {
	ID            string
	InFlight      int
	QueueDepth    int
	Health        string
	LastHeartbeat time.Time
}
