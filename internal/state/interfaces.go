package state

import (
	"context"
	"time"
)

// Store is the result cache: task records keyed by id, a fingerprint index for
// dedup, and a latest-task-per-user index for the realtime backlog check.
// Expired entries are never returned as live. Writes are last-writer-wins;
// terminal transitions are enforced by callers via the idempotency re-read.
type Store interface {
	CreateTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)
	GetTaskByFingerprint(ctx context.Context, fingerprint string) (TaskRecord, bool, error)
	UpdateTask(ctx context.Context, rec TaskRecord) error
	LatestTaskForUser(ctx context.Context, userID string) (TaskRecord, bool, error)
	// ListInFlightBefore returns non-terminal tasks created at or before the
	// cutoff, for the max-age expiry sweep.
	ListInFlightBefore(ctx context.Context, cutoff time.Time) ([]TaskRecord, error)
}

// NackReasonError marks a nack caused by a processing failure. Only these
// nacks count toward dead-lettering; other reasons requeue without penalty.
const NackReasonError = "error"

// DefaultDeadLetterMax is how many error nacks a job survives before it moves
// to the dead-letter list.
const DefaultDeadLetterMax = 5

// Queue carries match jobs with at-least-once delivery: claims become visible
// again after the visibility timeout unless acked, and repeated error nacks
// move a job to the dead-letter list.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	// PendingDepth reports how many jobs are waiting unclaimed.
	PendingDepth(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]Job, error)
	RequeueDeadLetters(ctx context.Context, taskIDs []string) (int, error)
}
