package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dunamismax/detectflow/internal/artifact"
	"github.com/dunamismax/detectflow/internal/config"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/storage"
	"github.com/dunamismax/detectflow/internal/telemetry"
	"github.com/dunamismax/detectflow/internal/webhook"
	"github.com/dunamismax/detectflow/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	cfg := config.Load()
	ctx := context.Background()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:  "detectflow-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown failed: %v", err)
		}
	}()

	records, err := newRecordStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatalf("record store setup failed: %v", err)
	}

	artifacts, err := artifact.NewStore(filepath.Join(cfg.Store.RootDir, "artifacts"), records, logger)
	if err != nil {
		logger.Fatalf("artifact store setup failed: %v", err)
	}

	if cfg.Mirror.Enabled {
		mirror, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			Bucket:    cfg.Mirror.Bucket,
			UseSSL:    cfg.Mirror.UseSSL,
		})
		if err != nil {
			logger.Fatalf("mirror setup failed: %v", err)
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			logger.Fatalf("mirror bucket setup failed: %v", err)
		}
		artifacts.WithMirror(mirror)
		logger.Printf("artifact mirror enabled bucket=%s", mirror.Bucket())
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		MaxAttempts:   3,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, records, artifacts, webhookClient)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.MetricsHandler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		logger.Printf("metrics listening addr=%s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf("consuming queue=%s concurrency=%d", cfg.Queue.Name, cfg.Worker.Concurrency)
	if err := srv.Run(); err != nil {
		logger.Fatalf("worker stopped: %v", err)
	}
}

func newRecordStore(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (jobs.Store, error) {
	switch cfg.Backend {
	case "postgres":
		logger.Printf("using postgres record store")
		return jobs.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory":
		logger.Printf("using in-memory record store; records do not survive restarts")
		return jobs.NewMemoryStore(), nil
	default:
		return jobs.NewFileStore(filepath.Join(cfg.RootDir, "records"))
	}
}
