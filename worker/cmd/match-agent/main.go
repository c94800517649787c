package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/commatch/internal/archive"
	"github.com/example/commatch/internal/bootstrap"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/ranker"
	"github.com/example/commatch/worker/internal/config"
	"github.com/example/commatch/worker/internal/embedding"
	"github.com/example/commatch/worker/internal/heartbeat"
	"github.com/example/commatch/worker/internal/processor"
	"github.com/example/commatch/worker/internal/runtime"
	"github.com/example/commatch/worker/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	shutdownTracing, err := observability.InitTracingFromEnv("commatch-match-agent")
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}

	store, err := bootstrap.NewStoreFromEnv()
	if err != nil {
		log.Fatalf("bootstrap store: %v", err)
	}
	queue, err := bootstrap.NewQueueFromEnv()
	if err != nil {
		log.Fatalf("bootstrap queue: %v", err)
	}
	broker, err := bootstrap.NewBrokerFromEnv()
	if err != nil {
		log.Fatalf("bootstrap broker: %v", err)
	}
	source, err := bootstrap.NewCandidateSourceFromEnv()
	if err != nil {
		log.Fatalf("bootstrap candidate source: %v", err)
	}

	var archiver archive.Archiver
	if cfg.ArchiveBackend == "minio" {
		archiver, err = archive.NewMinIO(archive.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatalf("minio archiver: %v", err)
		}
	}

	rankerOpts, err := ranker.LoadOptionsFromEnv()
	if err != nil {
		log.Fatalf("ranker config: %v", err)
	}

	proc := processor.New(store, source, broker,
		embedding.New(cfg.EmbeddingBaseURL, cfg.EmbeddingModel),
		archiver,
		processor.Options{
			WorkerID:         cfg.WorkerID,
			EmbeddingRetries: cfg.EmbeddingRetries,
			EmbeddingBackoff: cfg.EmbeddingBackoff,
			RankerOptions:    rankerOpts,
		})

	hb := heartbeat.New(cfg.GatewayBaseURL, cfg.WorkerID, cfg.APIToken, cfg.HeartbeatInterval)
	rt := runtime.New(cfg, queue, proc, hb, telemetry.NewRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("match agent %s polling every %s", cfg.WorkerID, cfg.PollInterval)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("match agent failed: %v", err)
	}
	_ = shutdownTracing(context.Background())
}
