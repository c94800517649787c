package state

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/example/commatch/internal/match"
)

type RedisStoreConfig struct {
	Redis     RedisConfig
	KeyPrefix string
	Retention time.Duration
}

// RedisStore is the durable result cache. All three namespaces share the
// retention TTL; the in-flight ZSET makes the expiry sweep a range query
// instead of a keyspace scan.
type RedisStore struct {
	cfg RedisStoreConfig
}

func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "commatch"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &RedisStore{cfg: cfg}
}

func (s *RedisStore) taskKey(id string) string   { return s.cfg.KeyPrefix + ":task:" + id }
func (s *RedisStore) fpKey(fp string) string     { return s.cfg.KeyPrefix + ":fp:" + fp }
func (s *RedisStore) userKey(user string) string { return s.cfg.KeyPrefix + ":user_latest:" + user }
func (s *RedisStore) inflightKey() string        { return s.cfg.KeyPrefix + ":inflight" }
func (s *RedisStore) retentionSeconds() string {
	return strconv.Itoa(int(s.cfg.Retention / time.Second))
}

func (s *RedisStore) CreateTask(ctx context.Context, rec TaskRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.do(rw, "SETEX", s.taskKey(rec.TaskID), s.retentionSeconds(), string(raw)); err != nil {
		return err
	}
	if rec.Fingerprint != "" {
		if err := s.do(rw, "SETEX", s.fpKey(rec.Fingerprint), s.retentionSeconds(), rec.TaskID); err != nil {
			return err
		}
	}
	if rec.UserID != "" {
		if err := s.do(rw, "SETEX", s.userKey(rec.UserID), s.retentionSeconds(), rec.TaskID); err != nil {
			return err
		}
	}
	if !match.IsTerminal(rec.Status) {
		score := strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)
		if err := s.do(rw, "ZADD", s.inflightKey(), score, rec.TaskID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer conn.Close()
	return s.getTask(rw, taskID)
}

func (s *RedisStore) GetTaskByFingerprint(ctx context.Context, fingerprint string) (TaskRecord, bool, error) {
	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer conn.Close()

	taskID, ok, err := s.getString(rw, s.fpKey(fingerprint))
	if err != nil || !ok {
		return TaskRecord{}, false, err
	}
	return s.getTask(rw, taskID)
}

func (s *RedisStore) UpdateTask(ctx context.Context, rec TaskRecord) error {
	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The write inherits the key's remaining retention rather than starting a
	// fresh window, so updates never extend a record's lifetime.
	if err := writeRESP(rw, "TTL", s.taskKey(rec.TaskID)); err != nil {
		return err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return err
	}
	ttl, err := atoiRESP(resp)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		// Expired or missing; never resurrect.
		return nil
	}

	// Completed and Failed never change again; a late expiry sweep or a
	// redelivered job must not clobber a finished result.
	if err := writeRESP(rw, "GET", s.taskKey(rec.TaskID)); err != nil {
		return err
	}
	resp, err = readRESP(rw)
	if err != nil {
		return err
	}
	if raw, ok, err := stringRESP(resp); err == nil && ok {
		var current TaskRecord
		if json.Unmarshal([]byte(raw), &current) == nil && match.IsTerminal(current.Status) {
			return nil
		}
	}

	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.do(rw, "SETEX", s.taskKey(rec.TaskID), strconv.Itoa(ttl), string(raw)); err != nil {
		return err
	}
	if match.IsTerminal(rec.Status) {
		if err := s.do(rw, "ZREM", s.inflightKey(), rec.TaskID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) LatestTaskForUser(ctx context.Context, userID string) (TaskRecord, bool, error) {
	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer conn.Close()

	taskID, ok, err := s.getString(rw, s.userKey(userID))
	if err != nil || !ok {
		return TaskRecord{}, false, err
	}
	return s.getTask(rw, taskID)
}

func (s *RedisStore) ListInFlightBefore(ctx context.Context, cutoff time.Time) ([]TaskRecord, error) {
	conn, rw, err := DialRedis(ctx, s.cfg.Redis)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeRESP(rw, "ZRANGEBYSCORE", s.inflightKey(), "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)); err != nil {
		return nil, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return nil, err
	}
	taskIDs, err := toStringArray(resp)
	if err != nil {
		return nil, err
	}

	out := make([]TaskRecord, 0, len(taskIDs))
	for _, id := range taskIDs {
		rec, ok, err := s.getTask(rw, id)
		if err != nil {
			return nil, err
		}
		if !ok || match.IsTerminal(rec.Status) {
			// Record expired under the index entry, or already finished.
			if err := s.do(rw, "ZREM", s.inflightKey(), id); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) getTask(rw *bufio.ReadWriter, taskID string) (TaskRecord, bool, error) {
	raw, ok, err := s.getString(rw, s.taskKey(taskID))
	if err != nil || !ok {
		return TaskRecord{}, false, err
	}
	var rec TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) getString(rw *bufio.ReadWriter, key string) (string, bool, error) {
	if err := writeRESP(rw, "GET", key); err != nil {
		return "", false, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return "", false, err
	}
	return stringRESP(resp)
}

func (s *RedisStore) do(rw *bufio.ReadWriter, parts ...string) error {
	if err := writeRESP(rw, parts...); err != nil {
		return err
	}
	_, err := readRESP(rw)
	return err
}
