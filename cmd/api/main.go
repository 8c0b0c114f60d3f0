package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/detectflow/internal/api"
	"github.com/dunamismax/detectflow/internal/artifact"
	"github.com/dunamismax/detectflow/internal/config"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/queue"
	"github.com/dunamismax/detectflow/internal/ratelimit"
	"github.com/dunamismax/detectflow/internal/storage"
	"github.com/dunamismax/detectflow/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:  "detectflow-api",
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer queueClient.Close()

	server := api.NewServer(logger, records, artifacts).WithQueue(queueClient)
	if tracing.Enabled() {
		server.WithTracer(tracing.Tracer("detectflow/api"))
	}

	if cfg.API.RateLimit > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer rdb.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(rdb, cfg.API.RateLimit, cfg.API.RateLimitWindow, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		server.WithRateLimiter(limiter, cfg.API.UserIDHeader)
		logger.Printf("rate limiting enabled limit=%d window=%s", cfg.API.RateLimit, cfg.API.RateLimitWindow)
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("listening addr=%s store=%s", cfg.API.Addr, cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown failed: %v", err)
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
