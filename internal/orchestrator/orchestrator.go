// Package orchestrator accepts match requests, deduplicates them by content
// fingerprint, hands accepted work to the task queue, and answers status
// lookups from the result cache. It also runs the background sweeps that keep
// the pipeline honest: stale in-flight tasks are failed as expired, and queue
// claims past their visibility timeout are made claimable again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/pkg/matchapi"
)

type Options struct {
	// MaxJobAge bounds how long a task may stay non-terminal before the sweep
	// fails it as Expired.
	MaxJobAge     time.Duration
	SweepInterval time.Duration
	// VisibilityRequeueBatch caps how many expired queue claims one sweep
	// pass returns to pending.
	VisibilityRequeueBatch int
	EstimatedLatencyMS     int
	QueueBackend           string
}

func (o Options) withDefaults() Options {
	if o.MaxJobAge <= 0 {
		o.MaxJobAge = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.VisibilityRequeueBatch <= 0 {
		o.VisibilityRequeueBatch = 100
	}
	if o.EstimatedLatencyMS <= 0 {
		o.EstimatedLatencyMS = 2000
	}
	if o.QueueBackend == "" {
		o.QueueBackend = "unknown"
	}
	return o
}

const submitLockStripes = 64

type Engine struct {
	store state.Store
	queue state.Queue
	opts  Options

	// Striped per-fingerprint locks serialize the dedup check against task
	// creation, so identical concurrent submits collapse to one record.
	submitLocks [submitLockStripes]sync.Mutex
}

func NewEngine(store state.Store, queue state.Queue, opts Options) *Engine {
	return &Engine{store: store, queue: queue, opts: opts.withDefaults()}
}

func (e *Engine) submitLock(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return &e.submitLocks[h.Sum32()%submitLockStripes]
}

// Submit validates the request and either admits a new task or returns the
// task already covering an identical in-flight or recently completed request.
// Invalid requests fail synchronously and never reach the queue.
func (e *Engine) Submit(ctx context.Context, req match.Request) (matchapi.SubmitMatchResponse, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.submit",
		attribute.String("user_id", req.UserID),
	)
	defer span.End()

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		observability.Default.IncCounter("orchestrator_rejected_total", map[string]string{"kind": match.KindInvalidRequest}, 1)
		return matchapi.SubmitMatchResponse{}, err
	}

	fp := match.Fingerprint(req)
	lock := e.submitLock(fp)
	lock.Lock()
	defer lock.Unlock()

	existing, ok, err := e.store.GetTaskByFingerprint(ctx, fp)
	if err != nil {
		return matchapi.SubmitMatchResponse{}, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if ok {
		// In-flight duplicate or a terminal result still within retention:
		// either way the caller gets the existing task, no recompute.
		observability.Default.IncCounter("orchestrator_dedup_hits_total", map[string]string{"status": existing.Status}, 1)
		return e.response(existing.TaskID, existing.Status, req.UserID), nil
	}

	rec := state.TaskRecord{
		TaskID:      uuid.NewString(),
		Fingerprint: fp,
		UserID:      req.UserID,
		Status:      match.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, rec); err != nil {
		return matchapi.SubmitMatchResponse{}, fmt.Errorf("create task: %w", err)
	}
	if err := e.queue.Enqueue(ctx, state.Job{TaskID: rec.TaskID, Request: req}); err != nil {
		rec.Status = match.StatusFailed
		rec.ErrorKind = match.KindInternal
		rec.Error = "enqueue failed: " + err.Error()
		if uerr := e.store.UpdateTask(ctx, rec); uerr != nil {
			log.Printf("orchestrator: failing unenqueued task %s: %v", rec.TaskID, uerr)
		}
		return matchapi.SubmitMatchResponse{}, fmt.Errorf("enqueue: %w", err)
	}

	observability.Default.IncCounter("orchestrator_submitted_total", map[string]string{"queue_backend": e.opts.QueueBackend}, 1)
	return e.response(rec.TaskID, rec.Status, req.UserID), nil
}

func (e *Engine) response(taskID, status, userID string) matchapi.SubmitMatchResponse {
	return matchapi.SubmitMatchResponse{
		TaskID:              taskID,
		Status:              status,
		EstimatedLatencyMS:  e.opts.EstimatedLatencyMS,
		NotificationChannel: match.NotificationTopic(userID),
	}
}

// Status returns the cached record for a task. Unknown ids and records past
// retention both read as not found.
func (e *Engine) Status(ctx context.Context, taskID string) (state.TaskRecord, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.status",
		attribute.String("task_id", taskID),
	)
	defer span.End()

	rec, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return state.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	if !ok {
		return state.TaskRecord{}, match.ErrNotFound
	}
	return rec, nil
}

// ListDeadLetters exposes poisoned jobs for the admin surface.
func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]state.Job, error) {
	return e.queue.ListDeadLetters(ctx, limit)
}

// RequeueDeadLetters returns the named dead-lettered jobs to pending.
func (e *Engine) RequeueDeadLetters(ctx context.Context, taskIDs []string) (int, error) {
	n, err := e.queue.RequeueDeadLetters(ctx, taskIDs)
	if err == nil && n > 0 {
		observability.Default.IncCounter("orchestrator_dead_letter_requeued_total", nil, float64(n))
	}
	return n, err
}

// RunSweeps drives the expiry and visibility sweeps until the context ends.
func (e *Engine) RunSweeps(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass of both sweeps. Exposed for tests and for mains
// that want an eager pass before the ticker starts.
func (e *Engine) SweepOnce(ctx context.Context) {
	if err := e.expireStaleTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("orchestrator: expiry sweep: %v", err)
	}
	if n, err := e.queue.RequeueExpired(ctx, time.Now().UTC(), e.opts.VisibilityRequeueBatch); err != nil {
		log.Printf("orchestrator: visibility sweep: %v", err)
	} else if n > 0 {
		log.Printf("orchestrator: requeued %d expired claims", n)
	}
}

// expireStaleTasks fails every non-terminal task older than MaxJobAge. A task
// the worker completes between the list and the update keeps its terminal
// state: the record is re-read first and the store refuses terminal
// overwrites.
func (e *Engine) expireStaleTasks(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-e.opts.MaxJobAge)
	stale, err := e.store.ListInFlightBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list in-flight: %w", err)
	}
	for _, rec := range stale {
		fresh, ok, err := e.store.GetTask(ctx, rec.TaskID)
		if err != nil {
			return err
		}
		if !ok || match.IsTerminal(fresh.Status) {
			continue
		}
		fresh.Status = match.StatusFailed
		fresh.ErrorKind = match.KindExpired
		fresh.Error = fmt.Sprintf("not completed within %s", e.opts.MaxJobAge)
		if err := e.store.UpdateTask(ctx, fresh); err != nil {
			return fmt.Errorf("expire task %s: %w", fresh.TaskID, err)
		}
		observability.Default.IncCounter("orchestrator_expired_total", nil, 1)
		log.Printf("orchestrator: expired task %s (created %s)", fresh.TaskID, fresh.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
