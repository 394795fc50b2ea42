package status

import (
	"context"
	"log/slog"
	"testing"

	"document-pipeline/internal/models"
	"document-pipeline/internal/store"
)

func newTracker(t *testing.T) (*Tracker, *store.Memory) {
	t.Helper()
	records := store.NewMemory()
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewTracker(records, log), records
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr, records := newTracker(t)

	if err := records.Create(ctx, models.DocumentRecord{ID: "d1", Filename: "a.pdf", ContentType: "application/pdf"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tr.MarkProcessing(ctx, "d1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	rec, _ := records.Get(ctx, "d1")
	if rec.Status != models.DocProcessing {
		t.Errorf("status = %q, want %q", rec.Status, models.DocProcessing)
	}

	ex := models.Extraction{PageCount: 2, Text: "body"}
	if err := tr.MarkCompleted(ctx, "d1", ex); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	rec, _ = records.Get(ctx, "d1")
	if rec.Status != models.DocCompleted || rec.PageCount != 2 {
		t.Errorf("record = %+v", rec)
	}

	// Completing twice is a no-op repeat, never an error.
	if err := tr.MarkCompleted(ctx, "d1", ex); err != nil {
		t.Fatalf("second MarkCompleted: %v", err)
	}
}

func TestTracker_Failure(t *testing.T) {
	ctx := context.Background()
	tr, records := newTracker(t)

	if err := records.Create(ctx, models.DocumentRecord{ID: "d2", Filename: "b.txt", ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tr.MarkFailed(ctx, "d2", "unsupported content type"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	rec, _ := records.Get(ctx, "d2")
	if rec.Status != models.DocFailed {
		t.Errorf("status = %q, want %q", rec.Status, models.DocFailed)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "unsupported content type" {
		t.Errorf("ErrorMessage = %v", rec.ErrorMessage)
	}
}

func TestTracker_MissingDocument(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	if err := tr.MarkProcessing(ctx, "ghost"); err == nil {
		t.Error("MarkProcessing on missing record should fail")
	}
}
