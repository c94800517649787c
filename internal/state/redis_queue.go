package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/commatch/internal/observability"
)

type RedisQueueConfig struct {
	Redis         RedisConfig
	Key           string
	DeadLetterMax int
}

// RedisQueue carries match jobs across processes. Pending jobs live in a list,
// claimed jobs in a hash keyed by receipt with a visibility ZSET deciding when
// an unacked claim becomes deliverable again.
type RedisQueue struct {
	cfg RedisQueueConfig
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "commatch:jobs"
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = DefaultDeadLetterMax
	}
	return &RedisQueue{cfg: cfg}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nack" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeRESP(rw, "LPUSH", q.pendingKey(), payload); err != nil {
		return err
	}
	_, err = readRESP(rw)
	return err
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		if err := writeRESP(rw, "RPOP", q.pendingKey()); err != nil {
			return nil, err
		}
		resp, err := readRESP(rw)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			break
		}
		raw, ok := resp.(string)
		if !ok {
			return nil, errors.New("unexpected redis response type")
		}
		job, ok := decodeJob(raw)
		if !ok {
			// Undecodable payload goes straight to the dead-letter list.
			if err := q.pushDeadRaw(ctx, raw); err != nil {
				return nil, err
			}
			continue
		}

		receipt := fmt.Sprintf("%s:%d:%d", consumer, time.Now().UnixNano(), i)
		visibleAt := now.Add(visibilityTimeout)
		if err := writeRESP(rw, "HSET", q.claimsKey(), receipt, raw); err != nil {
			return nil, err
		}
		if _, err := readRESP(rw); err != nil {
			return nil, err
		}
		if err := writeRESP(rw, "ZADD", q.visibilityKey(), strconv.FormatInt(visibleAt.UnixMilli(), 10), receipt); err != nil {
			return nil, err
		}
		if _, err := readRESP(rw); err != nil {
			return nil, err
		}

		out = append(out, QueueClaim{
			Job:       job,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"worker_id": consumer}), float64(len(out)))
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, claims []QueueClaim) error {
	if len(claims) == 0 {
		return nil
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range claims {
		payload, err := q.getClaimPayload(rw, c.Receipt)
		if err != nil {
			return err
		}
		if err := q.do(rw, "HDEL", q.claimsKey(), c.Receipt); err != nil {
			return err
		}
		if err := q.do(rw, "ZREM", q.visibilityKey(), c.Receipt); err != nil {
			return err
		}
		if payload != "" {
			if err := q.do(rw, "HDEL", q.nackKey(), payload); err != nil {
				return err
			}
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []QueueClaim, reason string) error {
	if len(claims) == 0 {
		return nil
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range claims {
		payload, err := q.getClaimPayload(rw, c.Receipt)
		if err != nil {
			return err
		}
		if payload == "" {
			continue
		}

		toDead := false
		if reason == NackReasonError {
			count, err := q.incrNack(rw, payload)
			if err != nil {
				return err
			}
			toDead = count >= q.cfg.DeadLetterMax
		}

		if toDead {
			if err := q.do(rw, "LPUSH", q.deadKey(), payload); err != nil {
				return err
			}
			if err := q.do(rw, "HDEL", q.nackKey(), payload); err != nil {
				return err
			}
		} else {
			if err := q.do(rw, "LPUSH", q.pendingKey(), payload); err != nil {
				return err
			}
		}

		if err := q.do(rw, "HDEL", q.claimsKey(), c.Receipt); err != nil {
			return err
		}
		if err := q.do(rw, "ZREM", q.visibilityKey(), c.Receipt); err != nil {
			return err
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy, "reason": reason}), 1)
	}
	return q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := writeRESP(rw, "ZRANGEBYSCORE", q.visibilityKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10), "LIMIT", "0", strconv.Itoa(max)); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	receipts, err := toStringArray(resp)
	if err != nil {
		return 0, err
	}
	for _, receipt := range receipts {
		payload, err := q.getClaimPayload(rw, receipt)
		if err != nil {
			return 0, err
		}
		if payload != "" {
			if err := q.do(rw, "LPUSH", q.pendingKey(), payload); err != nil {
				return 0, err
			}
		}
		if err := q.do(rw, "HDEL", q.claimsKey(), receipt); err != nil {
			return 0, err
		}
		if err := q.do(rw, "ZREM", q.visibilityKey(), receipt); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(len(receipts)))
	}
	return len(receipts), nil
}

func (q *RedisQueue) PendingDepth(ctx context.Context) (int, error) {
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "LLEN", q.pendingKey()); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	return atoiRESP(resp)
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "LRANGE", q.deadKey(), "0", strconv.Itoa(limit-1)); err != nil {
		return nil, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return nil, err
	}
	items, err := toStringArray(resp)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(items))
	for _, raw := range items {
		job, ok := decodeJob(raw)
		if !ok {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	target := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		target[id] = true
	}

	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := writeRESP(rw, "LRANGE", q.deadKey(), "0", "-1"); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	items, err := toStringArray(resp)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, raw := range items {
		job, ok := decodeJob(raw)
		if !ok || !target[job.TaskID] {
			continue
		}
		if err := q.do(rw, "LREM", q.deadKey(), "1", raw); err != nil {
			return requeued, err
		}
		if err := q.do(rw, "LPUSH", q.pendingKey(), raw); err != nil {
			return requeued, err
		}
		if err := q.do(rw, "HDEL", q.nackKey(), raw); err != nil {
			return requeued, err
		}
		delete(target, job.TaskID)
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	if err := q.refreshDeadGauge(ctx); err != nil {
		return requeued, err
	}
	return requeued, nil
}

func (q *RedisQueue) refreshDeadGauge(ctx context.Context) error {
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeRESP(rw, "LLEN", q.deadKey()); err != nil {
		return err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return err
	}
	n, err := atoiRESP(resp)
	if err != nil {
		return err
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(n))
	return nil
}

func (q *RedisQueue) pushDeadRaw(ctx context.Context, payload string) error {
	conn, rw, err := DialRedis(ctx, q.cfg.Redis)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeRESP(rw, "LPUSH", q.deadKey(), payload); err != nil {
		return err
	}
	_, err = readRESP(rw)
	return err
}

func (q *RedisQueue) getClaimPayload(rw *bufio.ReadWriter, receipt string) (string, error) {
	if err := writeRESP(rw, "HGET", q.claimsKey(), receipt); err != nil {
		return "", err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return "", err
	}
	s, _, err := stringRESP(resp)
	return s, err
}

func (q *RedisQueue) incrNack(rw *bufio.ReadWriter, payload string) (int, error) {
	if err := writeRESP(rw, "HINCRBY", q.nackKey(), payload, "1"); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	return atoiRESP(resp)
}

func (q *RedisQueue) do(rw *bufio.ReadWriter, parts ...string) error {
	if err := writeRESP(rw, parts...); err != nil {
		return err
	}
	_, err := readRESP(rw)
	return err
}
