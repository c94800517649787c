// Package pubsub is the notification broker between match workers and the
// realtime hub. Topics are per-user; delivery to a subscriber is best-effort
// and at-most-once per publish, with the result cache remaining the durable
// source of truth.
package pubsub

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a standing pattern subscription drained by one long-lived
// consumer goroutine. Close releases the subscription and eventually closes
// the message channel.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// matchPattern supports the single glob form the broker uses: a literal
// prefix with a trailing '*'.
func matchPattern(pattern, topic string) bool {
	if pattern == "" {
		return false
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}
