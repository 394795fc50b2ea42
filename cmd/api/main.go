package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"document-pipeline/internal/ai"
	"document-pipeline/internal/api"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/extract"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/ratelimit"
	"document-pipeline/internal/status"
	"document-pipeline/internal/store"
	"document-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := newLogger(cfg.Env, "api")
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		fatal(log, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, closeRecords, err := newRecordStore(ctx, cfg)
	if err != nil {
		fatal(log, "record store", err)
	}
	defer closeRecords()

	blobs, err := newBlobStorage(ctx, cfg)
	if err != nil {
		fatal(log, "blob storage", err)
	}

	var (
		q       queue.Queue
		limiter ratelimit.Limiter
	)
	switch cfg.QueueDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			fatal(log, "redis ping", err)
		}
		q = queue.NewRedis(client, cfg.LeaseTTL)
		limiter = ratelimit.NewRedisBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	default:
		q = queue.NewMemory(cfg.LeaseTTL)
		limiter = ratelimit.NewMemoryBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	aiClient := ai.New(ai.Config{
		BaseURL:       cfg.AIBaseURL,
		APIKey:        cfg.AIAPIKey,
		Models:        cfg.AIModels,
		Timeout:       cfg.AITimeout,
		MaxInputChars: cfg.AIMaxInputChars,
	}, log)

	// The in-process queue has no separate worker to drain it, so the
	// API hosts the processor itself.
	if cfg.QueueDriver == "memory" {
		events := worker.NewEvents()
		defer events.Close()
		go logJobEvents(events, log)

		extractor := extract.New(records, blobs, log, cfg.MaxDocumentBytes, cfg.ExtractTimeout)
		handler := worker.ExtractHandler(extractor)
		proc := worker.NewProcessor(cfg, q, status.NewTracker(records, log), events, log)
		proc.RegisterHandler(models.KindExtract, handler)
		proc.RegisterHandler(models.KindRetryExtract, handler)
		go func() {
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("embedded worker stopped", "error", err)
			}
		}()
		log.Info("embedded worker started",
			"extract_concurrency", cfg.ExtractConcurrency,
			"retry_concurrency", cfg.RetryConcurrency)
	}

	server := api.New(cfg, records, blobs, q, aiClient, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", httpServer.Addr, "queue_driver", cfg.QueueDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "http server", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newRecordStore(ctx context.Context, cfg config.Config) (store.RecordStore, func(), error) {
	if cfg.RecordDriver == "postgres" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return store.NewMemory(), func() {}, nil
}

func newBlobStorage(ctx context.Context, cfg config.Config) (blob.Storage, error) {
	if cfg.BlobDriver == "s3" {
		return blob.NewS3(ctx, blob.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return blob.NewLocal(cfg.BlobDir)
}

// logJobEvents surfaces settled job transitions in the API log so the
// embedded worker is observable without a second process.
func logJobEvents(events *worker.Events, log *slog.Logger) {
	ch, cancel := events.Subscribe(64)
	defer cancel()
	for ev := range ch {
		log.Info("job transition",
			"job_id", ev.JobID, "document_id", ev.DocumentID,
			"kind", ev.Kind, "status", ev.Status,
			"attempts", ev.Attempts, "error", ev.Err)
	}
}

func newLogger(env, service string) *slog.Logger {
	var handler slog.Handler
	if env == "dev" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	return slog.New(handler).With("service", service)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
