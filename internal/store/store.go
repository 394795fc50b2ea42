package store

import (
	"context"
	"errors"

	"document-pipeline/internal/models"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("document record not found")

// RecordStore is the persistence collaborator that owns document records.
// The pipeline writes status and extraction fields through it and nothing
// else; record creation belongs to the hosting application.
type RecordStore interface {
	Get(ctx context.Context, id string) (models.DocumentRecord, error)
	Create(ctx context.Context, rec models.DocumentRecord) error
	SetStatus(ctx context.Context, id string, status string) error
	AttachExtraction(ctx context.Context, id string, ex models.Extraction) error
	SetFailure(ctx context.Context, id string, message string) error
}
