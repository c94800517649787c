// Package bootstrap wires backend implementations from the environment so
// the gateway and the match agent resolve store, queue, broker, and candidate
// source the same way.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/commatch/internal/candidates"
	"github.com/example/commatch/internal/pubsub"
	"github.com/example/commatch/internal/state"
)

func NewStoreFromEnv() (state.Store, error) {
	kind := getenv("COMMATCH_STORE", "memory")
	switch kind {
	case "memory":
		return state.NewMemoryStore(retentionFromEnv()), nil
	case "redis":
		return state.NewRedisStore(state.RedisStoreConfig{
			Redis:     redisConfigFromEnv(),
			KeyPrefix: getenv("COMMATCH_REDIS_PREFIX", "commatch"),
			Retention: retentionFromEnv(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported COMMATCH_STORE value %q", kind)
	}
}

func NewQueueFromEnv() (state.Queue, error) {
	kind := getenv("COMMATCH_QUEUE", "memory")
	switch kind {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Redis:         redisConfigFromEnv(),
			Key:           getenv("COMMATCH_REDIS_QUEUE_KEY", "commatch:jobs"),
			DeadLetterMax: getenvInt("COMMATCH_DEADLETTER_MAX", 5),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported COMMATCH_QUEUE value %q", kind)
	}
}

func NewBrokerFromEnv() (pubsub.Broker, error) {
	kind := getenv("COMMATCH_BROKER", "memory")
	switch kind {
	case "memory":
		return pubsub.NewMemoryBroker(), nil
	case "redis":
		return pubsub.NewRedisBroker(redisConfigFromEnv()), nil
	default:
		return nil, fmt.Errorf("unsupported COMMATCH_BROKER value %q", kind)
	}
}

func NewCandidateSourceFromEnv() (candidates.Source, error) {
	kind := getenv("COMMATCH_CANDIDATES", "memory")
	switch kind {
	case "memory":
		return candidates.NewMemorySource(), nil
	case "postgres":
		dsn := os.Getenv("COMMATCH_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("COMMATCH_POSTGRES_DSN is required when COMMATCH_CANDIDATES=postgres")
		}
		return candidates.NewPostgresSource(dsn)
	default:
		return nil, fmt.Errorf("unsupported COMMATCH_CANDIDATES value %q", kind)
	}
}

func redisConfigFromEnv() state.RedisConfig {
	return state.RedisConfig{
		Addr:     getenv("COMMATCH_REDIS_ADDR", "127.0.0.1:6379"),
		Password: os.Getenv("COMMATCH_REDIS_PASSWORD"),
		DB:       getenvInt("COMMATCH_REDIS_DB", 0),
		Timeout:  3 * time.Second,
	}
}

func retentionFromEnv() time.Duration {
	return time.Duration(getenvInt("COMMATCH_RETENTION_SECONDS", int(state.DefaultRetention.Seconds()))) * time.Second
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
