package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/extract"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/status"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
	"document-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := newLogger(cfg.Env, "worker")
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		fatal(log, "invalid configuration", err)
	}
	// The in-process queue lives and dies with the API; a standalone
	// worker can only drain a shared broker.
	if cfg.QueueDriver != "redis" {
		log.Error("worker requires QUEUE_DRIVER=redis", "queue_driver", cfg.QueueDriver)
		os.Exit(1)
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

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		fatal(log, "redis ping", err)
	}
	q := queue.NewRedis(client, cfg.LeaseTTL)

	events := worker.NewEvents()
	defer events.Close()
	go logJobEvents(events, log)

	extractor := extract.New(records, blobs, log, cfg.MaxDocumentBytes, cfg.ExtractTimeout)
	handler := worker.ExtractHandler(extractor)
	proc := worker.NewProcessor(cfg, q, status.NewTracker(records, log), events, log)
	proc.RegisterHandler(models.KindExtract, handler)
	proc.RegisterHandler(models.KindRetryExtract, handler)

	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"extract_concurrency", cfg.ExtractConcurrency,
		"retry_concurrency", cfg.RetryConcurrency,
		"lease_ttl", cfg.LeaseTTL.String(),
		"poll_interval", cfg.WorkerPollInterval.String())
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(log, "worker stopped", err)
	}
	log.Info("worker stopped")
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

// logJobEvents mirrors settled job transitions into the worker log.
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
