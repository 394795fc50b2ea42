package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-pipeline/internal/models"
)

// Postgres persists document records through pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get fetches a document record by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.DocumentRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, filename, storage_path, size, content_type, status, page_count,
		       extracted_text, metadata, preview_path, error_message, uploaded_at, processed_at
		FROM documents WHERE id = $1
	`, id)

	var rec models.DocumentRecord
	var metaJSON []byte
	var preview pgtype.Text
	var errMsg pgtype.Text
	var processedAt pgtype.Timestamptz

	err := row.Scan(&rec.ID, &rec.Filename, &rec.StoragePath, &rec.Size, &rec.ContentType,
		&rec.Status, &rec.PageCount, &rec.Text, &metaJSON, &preview, &errMsg,
		&rec.UploadedAt, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return models.DocumentRecord{}, fmt.Errorf("scan document: %w", err)
	}

	if len(metaJSON) > 0 {
		var meta models.DocumentMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return models.DocumentRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		rec.Metadata = &meta
	}
	if preview.Valid {
		rec.PreviewPath = preview.String
	}
	rec.ErrorMessage = textPtr(errMsg)
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return rec, nil
}

// Create inserts a fresh record. The id must be unique.
func (s *Postgres) Create(ctx context.Context, rec models.DocumentRecord) error {
	if rec.Status == "" {
		rec.Status = models.DocPending
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, filename, storage_path, size, content_type, status, page_count, extracted_text, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7)
	`, rec.ID, rec.Filename, rec.StoragePath, rec.Size, rec.ContentType, rec.Status, rec.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// SetStatus updates only the lifecycle status.
func (s *Postgres) SetStatus(ctx context.Context, id string, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachExtraction stores the extraction output and marks the record completed.
// Any previous error message is cleared.
func (s *Postgres) AttachExtraction(ctx context.Context, id string, ex models.Extraction) error {
	var metaJSON []byte
	if ex.Metadata != nil {
		b, err := json.Marshal(ex.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, page_count = $3, extracted_text = $4, metadata = $5,
		    preview_path = $6, error_message = NULL, processed_at = NOW()
		WHERE id = $1
	`, id, models.DocCompleted, ex.PageCount, ex.Text, metaJSON, emptyToNil(ex.PreviewPath))
	if err != nil {
		return fmt.Errorf("attach extraction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFailure marks the record failed with a human-readable message.
func (s *Postgres) SetFailure(ctx context.Context, id string, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET status = $2, error_message = $3, processed_at = NOW()
		WHERE id = $1
	`, id, models.DocFailed, message)
	if err != nil {
		return fmt.Errorf("set failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
