package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/commatch/internal/match"
	"github.com/example/commatch/internal/state"
)

func testRequest() match.Request {
	return match.Request{
		UserID:       "u-1",
		Bio:          "Distributed systems engineer who hikes on weekends.",
		InterestTags: []string{"golang", "hiking"},
		City:         "Berlin",
		Timezone:     "Europe/Berlin",
	}
}

func newTestEngine(opts Options) (*Engine, *state.MemoryStore, *state.MemoryQueue) {
	store := state.NewMemoryStore(15 * time.Minute)
	queue := state.NewMemoryQueue()
	return NewEngine(store, queue, opts), store, queue
}

type failingEnqueueQueue struct {
	*state.MemoryQueue
}

func (failingEnqueueQueue) Enqueue(context.Context, state.Job) error {
	return errors.New("connection refused")
}

func TestSubmitEnqueueFailureFailsTaskWithInternalKind(t *testing.T) {
	store := state.NewMemoryStore(15 * time.Minute)
	engine := NewEngine(store, failingEnqueueQueue{state.NewMemoryQueue()}, Options{})

	_, err := engine.Submit(context.Background(), testRequest())
	if err == nil {
		t.Fatalf("expected submit error when enqueue fails")
	}

	rec, ok, _ := store.GetTaskByFingerprint(context.Background(), match.Fingerprint(testRequest()))
	if !ok {
		t.Fatalf("task record missing after enqueue failure")
	}
	if rec.Status != match.StatusFailed {
		t.Fatalf("status = %s, want Failed", rec.Status)
	}
	// A queue write fault is the pipeline's own, not a collaborator outage.
	if rec.ErrorKind != match.KindInternal {
		t.Fatalf("kind = %s, want %s", rec.ErrorKind, match.KindInternal)
	}
}

func TestSubmitCreatesQueuedTask(t *testing.T) {
	e, store, queue := newTestEngine(Options{})
	ctx := context.Background()

	resp, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatalf("no task id assigned")
	}
	if resp.Status != match.StatusQueued {
		t.Fatalf("status = %s, want %s", resp.Status, match.StatusQueued)
	}
	if resp.EstimatedLatencyMS != 2000 {
		t.Fatalf("estimated latency = %d", resp.EstimatedLatencyMS)
	}
	if resp.NotificationChannel != "match_updates_u-1" {
		t.Fatalf("channel = %s", resp.NotificationChannel)
	}

	rec, ok, _ := store.GetTask(ctx, resp.TaskID)
	if !ok {
		t.Fatalf("record not cached")
	}
	if rec.Fingerprint == "" {
		t.Fatalf("fingerprint not recorded")
	}

	claims, err := queue.Claim(ctx, 1, "w1", time.Minute)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim = %d jobs, err %v", len(claims), err)
	}
	if claims[0].Job.TaskID != resp.TaskID {
		t.Fatalf("queued job %s != task %s", claims[0].Job.TaskID, resp.TaskID)
	}
}

func TestSubmitRejectsInvalidSynchronously(t *testing.T) {
	e, _, queue := newTestEngine(Options{})
	req := testRequest()
	req.Bio = ""

	_, err := e.Submit(context.Background(), req)
	var ire *match.InvalidRequestError
	if !errors.As(err, &ire) {
		t.Fatalf("expected InvalidRequestError, got %v", err)
	}
	if claims, _ := queue.Claim(context.Background(), 1, "w1", time.Minute); len(claims) != 0 {
		t.Fatalf("invalid request reached the queue")
	}
}

func TestSubmitDedupsInFlight(t *testing.T) {
	e, _, queue := newTestEngine(Options{})
	ctx := context.Background()

	first, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("duplicate created a new task: %s != %s", second.TaskID, first.TaskID)
	}
	if claims, _ := queue.Claim(ctx, 10, "w1", time.Minute); len(claims) != 1 {
		t.Fatalf("duplicate submit enqueued again: %d jobs", len(claims))
	}
}

func TestSubmitReturnsTerminalResultWithinRetention(t *testing.T) {
	e, store, queue := newTestEngine(Options{})
	ctx := context.Background()

	first, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, _, _ := store.GetTask(ctx, first.TaskID)
	rec.Status = match.StatusCompleted
	rec.Result = &match.Result{TaskID: rec.TaskID, UserID: "u-1", Tier: match.TierExplorer}
	if err := store.UpdateTask(ctx, rec); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if claims, _ := queue.Claim(ctx, 10, "w1", time.Minute); len(claims) != 1 {
		t.Fatalf("setup: expected the original job queued")
	}

	again, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.TaskID != first.TaskID {
		t.Fatalf("terminal dedup missed: %s != %s", again.TaskID, first.TaskID)
	}
	if again.Status != match.StatusCompleted {
		t.Fatalf("status = %s, want Completed", again.Status)
	}
	if claims, _ := queue.Claim(ctx, 10, "w1", time.Minute); len(claims) != 0 {
		t.Fatalf("terminal dedup recomputed: %d jobs", len(claims))
	}
}

func TestSubmitDifferentContentGetsNewTask(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	ctx := context.Background()

	first, _ := e.Submit(ctx, testRequest())
	req := testRequest()
	req.Bio = "Completely different bio about painting."
	second, err := e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if second.TaskID == first.TaskID {
		t.Fatalf("distinct content collapsed into one task")
	}
}

func TestConcurrentIdenticalSubmitsCreateOneTask(t *testing.T) {
	e, _, queue := newTestEngine(Options{})
	ctx := context.Background()

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.Submit(ctx, testRequest())
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = resp.TaskID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submit %d created task %s, want %s", i, ids[i], ids[0])
		}
	}
	if claims, _ := queue.Claim(ctx, n, "w1", time.Minute); len(claims) != 1 {
		t.Fatalf("%d jobs enqueued for identical submits", len(claims))
	}
}

func TestStatusNotFound(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	_, err := e.Status(context.Background(), "nope")
	if !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpiresStaleTasks(t *testing.T) {
	e, store, _ := newTestEngine(Options{MaxJobAge: time.Nanosecond})
	ctx := context.Background()

	resp, err := e.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	e.SweepOnce(ctx)

	rec, ok, _ := store.GetTask(ctx, resp.TaskID)
	if !ok {
		t.Fatalf("record dropped by sweep")
	}
	if rec.Status != match.StatusFailed || rec.ErrorKind != match.KindExpired {
		t.Fatalf("status = %s kind = %s, want Failed/Expired", rec.Status, rec.ErrorKind)
	}
}

func TestSweepLeavesCompletedTasksAlone(t *testing.T) {
	e, store, _ := newTestEngine(Options{MaxJobAge: time.Nanosecond})
	ctx := context.Background()

	resp, _ := e.Submit(ctx, testRequest())
	rec, _, _ := store.GetTask(ctx, resp.TaskID)
	rec.Status = match.StatusCompleted
	rec.Result = &match.Result{TaskID: rec.TaskID}
	_ = store.UpdateTask(ctx, rec)

	time.Sleep(2 * time.Millisecond)
	e.SweepOnce(ctx)

	got, _, _ := store.GetTask(ctx, resp.TaskID)
	if got.Status != match.StatusCompleted {
		t.Fatalf("sweep touched a completed task: %s", got.Status)
	}
}

func TestSweepRequeuesExpiredClaims(t *testing.T) {
	e, _, queue := newTestEngine(Options{MaxJobAge: time.Hour})
	ctx := context.Background()

	if _, err := e.Submit(ctx, testRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claims, err := queue.Claim(ctx, 1, "w1", time.Millisecond)
	if err != nil || len(claims) != 1 {
		t.Fatalf("claim: %d, %v", len(claims), err)
	}
	time.Sleep(5 * time.Millisecond)
	e.SweepOnce(ctx)

	again, err := queue.Claim(ctx, 1, "w2", time.Minute)
	if err != nil || len(again) != 1 {
		t.Fatalf("expired claim not requeued: %d, %v", len(again), err)
	}
	if again[0].Job.TaskID != claims[0].Job.TaskID {
		t.Fatalf("requeued job mismatch")
	}
}
