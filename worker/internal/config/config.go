package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	WorkerID          string
	GatewayBaseURL    string
	APIToken          string
	MaxParallelJobs   int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ClaimVisibility   time.Duration

	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingRetries int
	EmbeddingBackoff time.Duration

	ArchiveBackend string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

func FromEnv() Config {
	return Config{
		WorkerID:          getenv("COMMATCH_WORKER_ID", "match-agent-local"),
		GatewayBaseURL:    getenv("COMMATCH_GATEWAY_URL", "http://localhost:8080"),
		APIToken:          getenv("COMMATCH_API_TOKEN", ""),
		MaxParallelJobs:   getenvInt("COMMATCH_MAX_PARALLEL_JOBS", 4),
		HeartbeatInterval: time.Duration(getenvInt("COMMATCH_HEARTBEAT_SECONDS", 5)) * time.Second,
		PollInterval:      time.Duration(getenvInt("COMMATCH_POLL_MILLIS", 500)) * time.Millisecond,
		ClaimVisibility:   time.Duration(getenvInt("COMMATCH_CLAIM_VISIBILITY_SECONDS", 30)) * time.Second,

		EmbeddingBaseURL: getenv("COMMATCH_EMBEDDING_URL", "http://localhost:8090"),
		EmbeddingModel:   getenv("COMMATCH_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingRetries: getenvInt("COMMATCH_EMBEDDING_RETRIES", 3),
		EmbeddingBackoff: time.Duration(getenvInt("COMMATCH_EMBEDDING_BACKOFF_MILLIS", 250)) * time.Millisecond,

		ArchiveBackend: getenv("COMMATCH_ARCHIVE_BACKEND", "none"),
		MinIOEndpoint:  getenv("COMMATCH_MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("COMMATCH_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("COMMATCH_MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("COMMATCH_MINIO_BUCKET", "commatch-results"),
		MinIOUseSSL:    getenvBool("COMMATCH_MINIO_USE_SSL", false),
	}
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

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
