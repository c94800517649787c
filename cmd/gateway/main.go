package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/commatch/internal/api"
	"github.com/example/commatch/internal/bootstrap"
	"github.com/example/commatch/internal/observability"
	"github.com/example/commatch/internal/orchestrator"
	"github.com/example/commatch/internal/realtime"
)

func main() {
	_ = godotenv.Load()

	port := os.Getenv("COMMATCH_GATEWAY_PORT")
	if port == "" {
		port = "8080"
	}

	shutdownTracing, err := observability.InitTracingFromEnv("commatch-gateway")
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

	engine := orchestrator.NewEngine(store, queue, orchestrator.Options{
		QueueBackend: os.Getenv("COMMATCH_QUEUE"),
	})
	hub := realtime.NewHub(store, broker, realtime.HubConfig{})
	server := api.NewServer(engine, source, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("realtime hub stopped: %v", err)
		}
	}()
	go func() {
		if err := engine.RunSweeps(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweeps stopped: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: ":" + port, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = shutdownTracing(shutdownCtx)
	}()

	log.Printf("commatch gateway listening on :%s", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("gateway failed: %v", err)
	}
}
