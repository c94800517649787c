// Package processor runs one claimed match job end to end: embed the profile,
// fetch and rank candidates, persist the result, publish the notification.
// Processing is idempotent under redelivery: a job whose task already finished
// re-publishes the cached result and acks without recomputing.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/commatch/internal/archive"
	"github.com/example/commatch/internal/candidates"
	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/pubsub"
	"github.com/example/commatch/internal/ranker"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/pkg/matchapi"
	"github.com/example/commatch/worker/internal/embedding"
)

// Embedder is the collaborator that turns a profile payload into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Options struct {
	WorkerID string
	// EmbeddingRetries is the number of retries after the first attempt.
	EmbeddingRetries int
	// EmbeddingBackoff is the base delay; attempt n waits n*base plus jitter.
	EmbeddingBackoff time.Duration
	RankerOptions    ranker.Options
	PopularLimit     int
	// MaxAttempts bounds candidate-source retries across redeliveries. The
	// attempt that reaches it fails the task terminally; its nack is also the
	// one that dead-letters the job when the bound matches the queue's.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "match-agent"
	}
	if o.EmbeddingRetries < 0 {
		o.EmbeddingRetries = 0
	}
	if o.EmbeddingBackoff <= 0 {
		o.EmbeddingBackoff = 250 * time.Millisecond
	}
	if o.PopularLimit <= 0 {
		o.PopularLimit = candidates.DefaultPopularLimit
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = state.DefaultDeadLetterMax
	}
	return o
}

// Outcome tells the claim loop what to do with the queue receipt.
type Outcome int

const (
	// OutcomeAck removes the job: it finished, terminally failed, or is
	// moot because its task record is gone or already terminal.
	OutcomeAck Outcome = iota
	// OutcomeRetry returns the job for redelivery via nack.
	OutcomeRetry
)

type Processor struct {
	store    state.Store
	source   candidates.Source
	broker   pubsub.Broker
	embedder Embedder
	archiver archive.Archiver
	opts     Options
}

// New wires the pipeline. archiver may be nil when result archiving is off.
func New(store state.Store, source candidates.Source, broker pubsub.Broker, embedder Embedder, archiver archive.Archiver, opts Options) *Processor {
	return &Processor{
		store:    store,
		source:   source,
		broker:   broker,
		embedder: embedder,
		archiver: archiver,
		opts:     opts.withDefaults(),
	}
}

// Process handles one claimed job and reports how to settle the claim.
func (p *Processor) Process(ctx context.Context, job state.Job) Outcome {
	ctx, span := observability.StartSpan(ctx, "processor.process",
		attribute.String("task_id", job.TaskID),
		attribute.String("worker_id", p.opts.WorkerID),
	)
	defer span.End()

	rec, ok, err := p.store.GetTask(ctx, job.TaskID)
	if err != nil {
		log.Printf("processor: task %s lookup: %v", job.TaskID, err)
		return OutcomeRetry
	}
	if !ok {
		// The record aged out of the cache while the job waited. Nothing to
		// compute against, nobody to notify.
		log.Printf("processor: task %s has no record, dropping job", job.TaskID)
		observability.Default.IncCounter("processor_orphaned_jobs_total", nil, 1)
		return OutcomeAck
	}
	if match.IsTerminal(rec.Status) {
		// Redelivered after completion: re-publish the cached result so the
		// notification is not lost, never recompute.
		if rec.Status == match.StatusCompleted && rec.Result != nil {
			p.publish(ctx, rec.TaskID, rec.Status, rec.Result)
		}
		observability.Default.IncCounter("processor_redelivered_terminal_total", nil, 1)
		return OutcomeAck
	}

	if rec.Status == match.StatusProcessing {
		// A visibility timeout redelivered a job another attempt already
		// started. Retries counts attempts beyond the first.
		rec.Retries++
	}
	rec.Status = match.StatusProcessing
	if err := p.store.UpdateTask(ctx, rec); err != nil {
		log.Printf("processor: task %s mark processing: %v", job.TaskID, err)
		return OutcomeRetry
	}

	started := time.Now()
	result, kind, err := p.compute(ctx, job)
	if err != nil {
		if kind == match.KindEmbeddingUnavailable {
			// Retries are exhausted inside compute; this failure is terminal.
			p.fail(ctx, rec, kind, err)
			return OutcomeAck
		}
		// Candidate source trouble is worth a redelivery; repeated nacks
		// dead-letter the job.
		rec.Retries++
		if rec.Retries >= p.opts.MaxAttempts {
			// Exhausted. Fail the task now so the client hears about it;
			// the nack below still moves the job toward the dead-letter
			// list for operator inspection.
			p.fail(ctx, rec, kind, err)
			return OutcomeRetry
		}
		rec.Status = match.StatusQueued
		rec.ErrorKind = kind
		rec.Error = err.Error()
		if uerr := p.store.UpdateTask(ctx, rec); uerr != nil {
			log.Printf("processor: task %s record retry: %v", rec.TaskID, uerr)
		}
		observability.Default.IncCounter("processor_retried_total", map[string]string{"kind": kind}, 1)
		return OutcomeRetry
	}
	result.ProcessingTimeMS = time.Since(started).Milliseconds()

	rec.Status = match.StatusCompleted
	rec.Result = result
	rec.ErrorKind = ""
	rec.Error = ""
	if p.archiver != nil {
		if uri, aerr := p.archiveResult(ctx, result); aerr != nil {
			log.Printf("processor: task %s archive: %v", rec.TaskID, aerr)
		} else {
			rec.ResultURI = uri
		}
	}
	if err := p.store.UpdateTask(ctx, rec); err != nil {
		log.Printf("processor: task %s persist result: %v", rec.TaskID, err)
		return OutcomeRetry
	}

	p.publish(ctx, rec.TaskID, rec.Status, result)
	observability.Default.IncCounter("processor_completed_total", map[string]string{"tier": result.Tier}, 1)
	return OutcomeAck
}

func (p *Processor) compute(ctx context.Context, job state.Job) (*match.Result, string, error) {
	req := job.Request
	vector, err := p.embedWithRetry(ctx, match.EmbeddingPayload(req.Bio, req.InterestTags))
	if err != nil {
		return nil, match.KindEmbeddingUnavailable, err
	}

	cands, err := p.source.Candidates(ctx, req, vector)
	if err != nil {
		return nil, match.KindCandidateSourceUnavailable, fmt.Errorf("candidate source: %w", err)
	}

	ranked := ranker.Rank(req, cands, p.opts.RankerOptions)
	result := ranker.Decide(job.TaskID, req.UserID, ranked)
	if result.Tier == match.TierFallback {
		p.fillFallback(ctx, &result)
	}
	return &result, "", nil
}

// fillFallback loads popular communities for the fallback tier. Popularity is
// advisory; a source error leaves the result empty but still valid.
func (p *Processor) fillFallback(ctx context.Context, result *match.Result) {
	popular, err := p.source.Popular(ctx, p.opts.PopularLimit)
	if err != nil {
		log.Printf("processor: task %s popular fallback: %v", result.TaskID, err)
		return
	}
	for _, c := range popular {
		result.Matches = append(result.Matches, match.RankedMatch{Candidate: c})
	}
}

func (p *Processor) embedWithRetry(ctx context.Context, payload string) ([]float64, error) {
	attempts := p.opts.EmbeddingRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			sleep := time.Duration(i)*p.opts.EmbeddingBackoff + time.Duration(rand.Int63n(int64(p.opts.EmbeddingBackoff)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
			observability.Default.IncCounter("processor_embedding_retries_total", nil, 1)
		}
		vector, err := p.embedder.Embed(ctx, payload)
		if err == nil {
			return vector, nil
		}
		lastErr = err
	}
	observability.Default.IncCounter("processor_embedding_failed_total", nil, 1)
	if !errors.Is(lastErr, embedding.ErrUnavailable) {
		lastErr = fmt.Errorf("%w: %v", embedding.ErrUnavailable, lastErr)
	}
	return nil, lastErr
}

func (p *Processor) fail(ctx context.Context, rec state.TaskRecord, kind string, cause error) {
	rec.Status = match.StatusFailed
	rec.ErrorKind = kind
	rec.Error = cause.Error()
	rec.Result = nil
	if err := p.store.UpdateTask(ctx, rec); err != nil {
		log.Printf("processor: task %s record failure: %v", rec.TaskID, err)
	}
	p.publish(ctx, rec.TaskID, rec.Status, nil)
	observability.Default.IncCounter("processor_failed_total", map[string]string{"kind": kind}, 1)
	log.Printf("processor: task %s failed terminally: %s: %v", rec.TaskID, kind, cause)
}

// publish pushes the task outcome onto the user's notification topic. Loss
// here is tolerable; clients reconcile through the status endpoint and the
// backlog check.
func (p *Processor) publish(ctx context.Context, taskID, status string, result *match.Result) {
	userID := ""
	data := matchapi.MatchResultData{TaskID: taskID, Status: status}
	if result != nil {
		userID = result.UserID
		data.Result = wirePayload(result)
	} else {
		rec, ok, err := p.store.GetTask(ctx, taskID)
		if err != nil || !ok {
			return
		}
		userID = rec.UserID
	}
	if userID == "" {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := p.broker.Publish(ctx, match.NotificationTopic(userID), payload); err != nil {
		log.Printf("processor: task %s publish: %v", taskID, err)
		return
	}
	observability.Default.IncCounter("processor_published_total", nil, 1)
}

func (p *Processor) archiveResult(ctx context.Context, result *match.Result) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return p.archiver.Archive(ctx, result.TaskID, raw)
}

func wirePayload(r *match.Result) *matchapi.MatchResultPayload {
	out := &matchapi.MatchResultPayload{
		TaskID:                r.TaskID,
		UserID:                r.UserID,
		Tier:                  r.Tier,
		RequiresProfileUpdate: r.RequiresProfileUpdate,
		ProcessingTimeMS:      r.ProcessingTimeMS,
	}
	for _, m := range r.Matches {
		out.Matches = append(out.Matches, matchapi.RankedMatch{
			CommunityID:   m.CommunityID,
			CommunityName: m.CommunityName,
			Category:      m.Category,
			Score:         m.Score,
			Similarity:    m.Similarity,
			LocalityBonus: m.LocalityBonus,
			RecencyBonus:  m.RecencyBonus,
			MemberCount:   m.MemberCount,
			RecentEvents:  m.RecentEvents,
		})
	}
	return out
}
