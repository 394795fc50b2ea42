// Package extract derives page count, text, and metadata from stored
// documents. The extractor knows nothing about queues or retries; it
// validates one document, runs the type-specific extraction under a
// wall-clock budget, and reports the outcome with a classified error.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/models"
	"document-pipeline/internal/store"
)

const (
	// DefaultMaxSize is the hard ceiling on document size.
	DefaultMaxSize = int64(100 << 20)
	// DefaultTimeout bounds a single extraction attempt.
	DefaultTimeout = 5 * time.Minute
)

// SupportedTypes lists the content types extraction can handle.
var SupportedTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"image/png":       true,
	"image/jpeg":      true,
}

// Extractor validates and extracts a single document per call.
type Extractor struct {
	records store.RecordStore
	blobs   blob.Storage
	log     *slog.Logger
	maxSize int64
	timeout time.Duration
}

// New builds an extractor. Zero maxSize/timeout select the defaults.
func New(records store.RecordStore, blobs blob.Storage, log *slog.Logger, maxSize int64, timeout time.Duration) *Extractor {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{
		records: records,
		blobs:   blobs,
		log:     log,
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Process runs one extraction attempt for the document.
func (e *Extractor) Process(ctx context.Context, documentID string) (models.Extraction, error) {
	rec, err := e.records.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Extraction{}, &ValidationError{Reason: fmt.Sprintf("document %s does not exist", documentID)}
		}
		return models.Extraction{}, fmt.Errorf("load record: %w", err)
	}

	if err := e.validate(ctx, rec); err != nil {
		return models.Extraction{}, err
	}

	data, err := e.blobs.ReadAll(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return models.Extraction{}, &ValidationError{Reason: fmt.Sprintf("file missing at %s", rec.StoragePath)}
		}
		return models.Extraction{}, fmt.Errorf("read document: %w", err)
	}

	start := time.Now()
	ex, err := e.runBounded(ctx, rec.ID, func() (models.Extraction, error) {
		return e.extract(ctx, rec, data)
	})
	if err != nil {
		return models.Extraction{}, err
	}

	e.log.Info("extraction done",
		"document_id", rec.ID,
		"content_type", rec.ContentType,
		"pages", ex.PageCount,
		"duration_ms", time.Since(start).Milliseconds())
	return ex, nil
}

func (e *Extractor) validate(ctx context.Context, rec models.DocumentRecord) error {
	if rec.StoragePath == "" {
		return &ValidationError{Reason: "document has no storage path"}
	}
	ok, err := e.blobs.Exists(ctx, rec.StoragePath)
	if err != nil {
		return fmt.Errorf("check document blob: %w", err)
	}
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("file missing at %s", rec.StoragePath)}
	}
	info, err := e.blobs.Stat(ctx, rec.StoragePath)
	if err != nil {
		return fmt.Errorf("stat document blob: %w", err)
	}
	if info.Size > e.maxSize {
		return &ValidationError{Reason: fmt.Sprintf("file is %d bytes, limit is %d", info.Size, e.maxSize)}
	}
	if !SupportedTypes[rec.ContentType] {
		return &ValidationError{Reason: fmt.Sprintf("unsupported content type %q", rec.ContentType)}
	}
	return nil
}

type outcome struct {
	ex  models.Extraction
	err error
}

// runBounded races fn against the wall-clock budget. On timeout the
// extraction goroutine is left to finish on its own and its result is
// discarded; the buffered channel keeps it from blocking forever on send.
func (e *Extractor) runBounded(ctx context.Context, docID string, fn func() (models.Extraction, error)) (models.Extraction, error) {
	done := make(chan outcome, 1)
	go func() {
		// A panicking parser must not take down the process.
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("extraction panic: %v", r)}
			}
		}()
		ex, err := fn()
		done <- outcome{ex: ex, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.ex, out.err
	case <-timer.C:
		e.log.Warn("extraction timed out", "document_id", docID, "limit", e.timeout.String())
		return models.Extraction{}, &TimeoutError{Limit: e.timeout}
	case <-ctx.Done():
		return models.Extraction{}, ctx.Err()
	}
}

func (e *Extractor) extract(ctx context.Context, rec models.DocumentRecord, data []byte) (models.Extraction, error) {
	switch rec.ContentType {
	case "application/pdf":
		return extractPDF(data)
	case "text/plain", "text/markdown":
		return extractText(data), nil
	case "image/png", "image/jpeg":
		return e.extractImage(ctx, rec, data)
	default:
		return models.Extraction{}, &ValidationError{Reason: fmt.Sprintf("unsupported content type %q", rec.ContentType)}
	}
}
