package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"document-pipeline/internal/models"
)

// Memory is a map-backed record store for tests and single-process runs
// without Postgres.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.DocumentRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.DocumentRecord)}
}

func (m *Memory) Get(_ context.Context, id string) (models.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.DocumentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Create(_ context.Context, rec models.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("document %s already exists", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = models.DocPending
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	m.records[id] = rec
	return nil
}

func (m *Memory) AttachExtraction(_ context.Context, id string, ex models.Extraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = models.DocCompleted
	rec.PageCount = ex.PageCount
	rec.Text = ex.Text
	rec.Metadata = ex.Metadata
	rec.PreviewPath = ex.PreviewPath
	rec.ErrorMessage = nil
	rec.ProcessedAt = &now
	m.records[id] = rec
	return nil
}

func (m *Memory) SetFailure(_ context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = models.DocFailed
	rec.ErrorMessage = &message
	rec.ProcessedAt = &now
	m.records[id] = rec
	return nil
}
