package state

import (
	"context"
	"testing"
	"time"

	"github.com/example/commatch/internal/match"
)

func newTestStore(retention time.Duration) (*MemoryStore, *time.Time) {
	s := NewMemoryStore(retention)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStoreCreateGetAndFingerprintIndex(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	ctx := context.Background()

	rec := TaskRecord{TaskID: "t1", Fingerprint: "fp1", UserID: "u1", Status: match.StatusQueued}
	if err := s.CreateTask(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := s.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != match.StatusQueued || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}

	byFP, ok, err := s.GetTaskByFingerprint(ctx, "fp1")
	if err != nil || !ok || byFP.TaskID != "t1" {
		t.Fatalf("fingerprint lookup failed: ok=%v err=%v rec=%+v", ok, err, byFP)
	}

	latest, ok, err := s.LatestTaskForUser(ctx, "u1")
	if err != nil || !ok || latest.TaskID != "t1" {
		t.Fatalf("latest lookup failed: ok=%v err=%v rec=%+v", ok, err, latest)
	}

	if _, ok, _ := s.GetTask(ctx, "missing"); ok {
		t.Fatalf("unknown id should not resolve")
	}
}

func TestMemoryStoreExpiryIsNeverServedLive(t *testing.T) {
	s, now := newTestStore(time.Minute)
	ctx := context.Background()

	if err := s.CreateTask(ctx, TaskRecord{TaskID: "t1", Fingerprint: "fp1", UserID: "u1", Status: match.StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}

	*now = now.Add(61 * time.Second)

	if _, ok, _ := s.GetTask(ctx, "t1"); ok {
		t.Fatalf("expired record served as live")
	}
	if _, ok, _ := s.GetTaskByFingerprint(ctx, "fp1"); ok {
		t.Fatalf("expired fingerprint served as live")
	}
	if _, ok, _ := s.LatestTaskForUser(ctx, "u1"); ok {
		t.Fatalf("expired user index served as live")
	}
}

func TestMemoryStoreUpdateNeverResurrectsExpired(t *testing.T) {
	s, now := newTestStore(time.Minute)
	ctx := context.Background()

	if err := s.CreateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}
	*now = now.Add(2 * time.Minute)

	if err := s.UpdateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok, _ := s.GetTask(ctx, "t1"); ok {
		t.Fatalf("update resurrected an expired record")
	}
}

func TestMemoryStoreTerminalStatusImmutable(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	ctx := context.Background()

	if err := s.CreateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusCompleted, Result: &match.Result{TaskID: "t1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusFailed, ErrorKind: match.KindExpired}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, _ := s.GetTask(ctx, "t1")
	if !ok {
		t.Fatalf("record vanished")
	}
	if got.Status != match.StatusCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
	if got.Result == nil {
		t.Fatalf("terminal result dropped")
	}
}

func TestMemoryStoreUpdatePreservesCreatedAt(t *testing.T) {
	s, now := newTestStore(time.Minute)
	ctx := context.Background()

	if err := s.CreateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusQueued}); err != nil {
		t.Fatalf("create: %v", err)
	}
	created := *now
	*now = now.Add(10 * time.Second)

	if err := s.UpdateTask(ctx, TaskRecord{TaskID: "t1", Status: match.StatusProcessing}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, _ := s.GetTask(ctx, "t1")
	if !ok {
		t.Fatalf("record vanished")
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at rewritten: %v != %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) {
		t.Fatalf("updated_at not advanced: %v", got.UpdatedAt)
	}
}

func TestMemoryStoreListInFlightBefore(t *testing.T) {
	s, now := newTestStore(10 * time.Minute)
	ctx := context.Background()

	_ = s.CreateTask(ctx, TaskRecord{TaskID: "old-queued", Status: match.StatusQueued})
	_ = s.CreateTask(ctx, TaskRecord{TaskID: "old-done", Status: match.StatusCompleted})
	*now = now.Add(2 * time.Minute)
	_ = s.CreateTask(ctx, TaskRecord{TaskID: "fresh-queued", Status: match.StatusQueued})

	cutoff := now.Add(-time.Minute)
	stale, err := s.ListInFlightBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].TaskID != "old-queued" {
		t.Fatalf("expected only old-queued, got %+v", stale)
	}
}
