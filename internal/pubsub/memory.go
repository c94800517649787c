package pubsub

import (
	"context"
	"sync"

	"github.com/example/commatch/internal/observability"
)

const subscriberBuffer = 64

// MemoryBroker is the in-process broker for tests and single-node runs.
// A slow subscriber drops messages rather than blocking publishers; dropped
// publishes are recoverable through the status endpoint.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !matchPattern(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
			observability.Default.IncCounter("broker_dropped_total", map[string]string{"broker_backend": "memory"}, 1)
		}
	}
	observability.Default.IncCounter("broker_published_total", map[string]string{"broker_backend": "memory"}, 1)
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		pattern: pattern,
		ch:      make(chan Message, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}
