package pubsub

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/state"
)

const redisResubscribeDelay = 5 * time.Second

// RedisBroker publishes over a dial-per-publish connection and subscribes
// over one long-lived PSUBSCRIBE connection that re-dials after errors.
type RedisBroker struct {
	cfg state.RedisConfig
}

func NewRedisBroker(cfg state.RedisConfig) *RedisBroker {
	return &RedisBroker{cfg: cfg}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, rw, err := state.DialRedis(ctx, b.cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := state.WriteCommand(rw, "PUBLISH", topic, string(payload)); err != nil {
		return err
	}
	if _, err := state.ReadReply(rw); err != nil {
		return err
	}
	observability.Default.IncCounter("broker_published_total", map[string]string{"broker_backend": "redis"}, 1)
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		cfg:     b.cfg,
		pattern: pattern,
		ch:      make(chan Message, subscriberBuffer),
		cancel:  cancel,
	}
	go sub.run(subCtx)
	return sub, nil
}

type redisSubscription struct {
	cfg     state.RedisConfig
	pattern string
	ch      chan Message
	cancel  context.CancelFunc

	mu   sync.Mutex
	conn net.Conn
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

// run holds the subscription until the context is cancelled, re-dialing with
// a fixed delay when the connection drops.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("pubsub: redis subscription lost, re-dialing in %s: %v", redisResubscribeDelay, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redisResubscribeDelay):
		}
	}
}

func (s *redisSubscription) listen(ctx context.Context) error {
	conn, rw, err := state.DialRedis(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := state.WriteCommand(rw, "PSUBSCRIBE", s.pattern); err != nil {
		return err
	}
	// Confirmation frame: ["psubscribe", pattern, count].
	if _, err := state.ReadReply(rw); err != nil {
		return err
	}

	for {
		reply, err := state.ReadReply(rw)
		if err != nil {
			return err
		}
		frame, err := state.AsStringArray(reply)
		if err != nil {
			continue
		}
		// Push frame: ["pmessage", pattern, channel, payload].
		if len(frame) != 4 || frame[0] != "pmessage" {
			continue
		}
		msg := Message{Topic: frame[2], Payload: []byte(frame[3])}
		select {
		case s.ch <- msg:
		default:
			observability.Default.IncCounter("broker_dropped_total", map[string]string{"broker_backend": "redis"}, 1)
		}
	}
}
