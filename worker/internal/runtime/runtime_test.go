package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/pubsub"
	"github.com/example/commatch/internal/state"
	"github.com/example/commatch/worker/internal/config"
	"github.com/example/commatch/worker/internal/processor"
	"github.com/example/commatch/worker/internal/telemetry"
)

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{1, 0}, nil
}

type downSource struct{}

func (downSource) Candidates(context.Context, match.Request, []float64) ([]match.Candidate, error) {
	return nil, errors.New("connection refused")
}

func (downSource) Popular(context.Context, int) ([]match.Candidate, error) {
	return nil, errors.New("connection refused")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

// A job whose candidate source stays down must end up on the dead-letter
// list via the claim loop's own nacks, with the task failed terminally.
func TestRunDeadLettersPersistentFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := state.NewMemoryStore(15 * time.Minute)
	queue := state.NewMemoryQueue()
	broker := pubsub.NewMemoryBroker()
	proc := processor.New(store, downSource{}, broker, staticEmbedder{}, nil, processor.Options{
		WorkerID:         "w-test",
		EmbeddingBackoff: time.Millisecond,
	})

	job := state.Job{TaskID: "t-1", Request: match.Request{
		UserID:       "u-1",
		Bio:          "Go developer into trail running.",
		InterestTags: []string{"golang"},
		City:         "Berlin",
		Timezone:     "Europe/Berlin",
	}}
	if err := store.CreateTask(ctx, state.TaskRecord{
		TaskID: job.TaskID,
		UserID: job.Request.UserID,
		Status: match.StatusQueued,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cfg := config.Config{
		WorkerID:        "w-test",
		MaxParallelJobs: 1,
		PollInterval:    2 * time.Millisecond,
		ClaimVisibility: time.Minute,
	}
	rt := New(cfg, queue, proc, nil, telemetry.NewNop())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		dead, err := queue.ListDeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	})
	cancel()
	<-done

	dead, _ := queue.ListDeadLetters(context.Background(), 10)
	if len(dead) != 1 || dead[0].TaskID != job.TaskID {
		t.Fatalf("dead letters = %+v", dead)
	}
	if depth, _ := queue.PendingDepth(context.Background()); depth != 0 {
		t.Fatalf("pending depth = %d after dead-lettering", depth)
	}
	rec, ok, _ := store.GetTask(context.Background(), job.TaskID)
	if !ok || rec.Status != match.StatusFailed || rec.ErrorKind != match.KindCandidateSourceUnavailable {
		t.Fatalf("task = %+v, want terminal CandidateSourceUnavailable failure", rec)
	}
}
