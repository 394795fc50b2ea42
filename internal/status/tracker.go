// Package status records document lifecycle transitions as processing
// progresses, keeping the persistent record in step with the queue.
package status

import (
	"context"
	"fmt"
	"log/slog"

	"document-pipeline/internal/models"
	"document-pipeline/internal/store"
)

// Tracker applies lifecycle transitions to document records.
type Tracker struct {
	records store.RecordStore
	log     *slog.Logger
}

func NewTracker(records store.RecordStore, log *slog.Logger) *Tracker {
	return &Tracker{records: records, log: log}
}

// MarkProcessing flags the document as being worked on. Called when a
// worker picks up the job, including on retry attempts.
func (t *Tracker) MarkProcessing(ctx context.Context, docID string) error {
	if err := t.records.SetStatus(ctx, docID, models.DocProcessing); err != nil {
		return fmt.Errorf("mark processing %s: %w", docID, err)
	}
	t.log.Info("document processing", "document_id", docID)
	return nil
}

// MarkCompleted stores the extraction output and flags the document
// completed. Safe to call again for a document that already completed;
// the stored output is simply overwritten with the same result.
func (t *Tracker) MarkCompleted(ctx context.Context, docID string, ex models.Extraction) error {
	if err := t.records.AttachExtraction(ctx, docID, ex); err != nil {
		return fmt.Errorf("mark completed %s: %w", docID, err)
	}
	t.log.Info("document completed", "document_id", docID, "pages", ex.PageCount, "text_len", len(ex.Text))
	return nil
}

// MarkFailed flags the document failed with a terminal error message.
// Only called once the job has exhausted its attempts.
func (t *Tracker) MarkFailed(ctx context.Context, docID string, message string) error {
	if err := t.records.SetFailure(ctx, docID, message); err != nil {
		return fmt.Errorf("mark failed %s: %w", docID, err)
	}
	t.log.Warn("document failed", "document_id", docID, "error", message)
	return nil
}
