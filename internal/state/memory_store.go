package state

import (
	"context"
	"sync"
	"time"

	"github.com/example/commatch/internal/match"
)

type memoryEntry struct {
	rec       TaskRecord
	expiresAt time.Time
}

// MemoryStore is the in-process result cache. Expiry is passive: entries past
// retention are dropped on read, plus whenever the sweep lists in-flight work.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	tasks     map[string]memoryEntry
	byFP      map[string]string
	byUser    map[string]string
	now       func() time.Time
}

const DefaultRetention = 15 * time.Minute

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		tasks:     make(map[string]memoryEntry),
		byFP:      make(map[string]string),
		byUser:    make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.tasks[rec.TaskID] = memoryEntry{rec: rec, expiresAt: now.Add(m.retention)}
	if rec.Fingerprint != "" {
		m.byFP[rec.Fingerprint] = rec.TaskID
	}
	if rec.UserID != "" {
		m.byUser[rec.UserID] = rec.TaskID
	}
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(taskID)
}

func (m *MemoryStore) GetTaskByFingerprint(_ context.Context, fingerprint string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.byFP[fingerprint]
	if !ok {
		return TaskRecord{}, false, nil
	}
	rec, ok, err := m.getLocked(taskID)
	if !ok {
		delete(m.byFP, fingerprint)
	}
	return rec, ok, err
}

func (m *MemoryStore) UpdateTask(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[rec.TaskID]
	if !ok || !entry.expiresAt.After(m.now()) {
		// Updating an expired record would resurrect it past retention.
		return nil
	}
	if match.IsTerminal(entry.rec.Status) {
		// Completed and Failed never change again; a late expiry sweep or a
		// redelivered job must not clobber a finished result.
		return nil
	}
	rec.CreatedAt = entry.rec.CreatedAt
	rec.UpdatedAt = m.now()
	entry.rec = rec
	m.tasks[rec.TaskID] = entry
	return nil
}

func (m *MemoryStore) LatestTaskForUser(_ context.Context, userID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.byUser[userID]
	if !ok {
		return TaskRecord{}, false, nil
	}
	rec, ok, err := m.getLocked(taskID)
	if !ok {
		delete(m.byUser, userID)
	}
	return rec, ok, err
}

func (m *MemoryStore) ListInFlightBefore(_ context.Context, cutoff time.Time) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]TaskRecord, 0)
	for id, entry := range m.tasks {
		if !entry.expiresAt.After(now) {
			delete(m.tasks, id)
			continue
		}
		rec := entry.rec
		if match.IsTerminal(rec.Status) {
			continue
		}
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) getLocked(taskID string) (TaskRecord, bool, error) {
	entry, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, false, nil
	}
	if !entry.expiresAt.After(m.now()) {
		delete(m.tasks, taskID)
		return TaskRecord{}, false, nil
	}
	return entry.rec, true, nil
}
