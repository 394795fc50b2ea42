package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"document-pipeline/internal/extract"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

type uploadResponse struct {
	Document models.DocumentRecord `json:"document"`
	Job      models.Job            `json:"job"`
	PollURL  string                `json:"poll_url"`
}

// handleUpload accepts a multipart document, stages it in blob storage,
// creates the tracking record, and enqueues extraction. Size and type
// violations are rejected before any state exists, so a bad upload
// leaves nothing behind.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxDocumentBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	contentType := resolveContentType(header.Header.Get("Content-Type"), filename)
	if !extract.SupportedTypes[contentType] {
		jsonError(w, fmt.Sprintf("unsupported content type %q", contentType), http.StatusBadRequest)
		return
	}

	// Read one byte past the cap so an at-limit file and an over-limit
	// file are distinguishable.
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxDocumentBytes+1))
	if err != nil {
		jsonError(w, "failed to read upload", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxDocumentBytes {
		jsonError(w, fmt.Sprintf("document exceeds %d bytes", s.cfg.MaxDocumentBytes), http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		jsonError(w, "document is empty", http.StatusBadRequest)
		return
	}

	priority, err := models.ParsePriority(r.FormValue("priority"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	docID := uuid.New().String()
	key := path.Join("uploads", docID+strings.ToLower(filepath.Ext(filename)))
	storagePath, err := s.blobs.Put(r.Context(), key, data, contentType)
	if err != nil {
		s.log.Error("failed to store upload", "error", err, "filename", filename)
		jsonError(w, "failed to store document", http.StatusInternalServerError)
		return
	}

	rec := models.DocumentRecord{
		ID:          docID,
		Filename:    filename,
		StoragePath: storagePath,
		Size:        int64(len(data)),
		ContentType: contentType,
		Status:      models.DocPending,
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.records.Create(r.Context(), rec); err != nil {
		s.log.Error("failed to create document record", "error", err, "document_id", docID)
		jsonError(w, "failed to create document record", http.StatusInternalServerError)
		return
	}

	job, err := s.enqueue(w, r, queue.EnqueueParams{
		DocumentID: docID,
		Kind:       models.KindExtract,
		Priority:   priority,
	})
	if err != nil {
		return
	}

	s.log.Info("document uploaded",
		"document_id", docID, "job_id", job.ID,
		"filename", filename, "size", rec.Size, "priority", priority.String())
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Document: rec,
		Job:      job,
		PollURL:  "/api/documents/" + docID,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type processRequest struct {
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	DelayMs  int64  `json:"delay_ms"`
}

// handleProcess schedules another extraction run for an existing
// document. The body is optional; empty means a normal-priority
// extract job with no delay.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !s.requireDocument(w, r, id) {
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.enqueue(w, r, queue.EnqueueParams{
		DocumentID: id,
		Kind:       req.Kind,
		Priority:   priority,
		Delay:      time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleRetry enqueues a high-priority retry for a document whose
// extraction failed. Retries run in their own worker pool so a backlog
// of fresh uploads cannot starve them.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireDocument(w, r, id) {
		return
	}
	job, err := s.enqueue(w, r, queue.EnqueueParams{
		DocumentID: id,
		Kind:       models.KindRetryExtract,
		Priority:   models.PriorityHigh,
	})
	if err != nil {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// enqueue schedules a job and writes the error response itself on
// failure; callers just return when err is non-nil.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, p queue.EnqueueParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = s.cfg.MaxAttempts
	}
	job, err := s.queue.Enqueue(r.Context(), p)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidArgument) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return models.Job{}, err
		}
		s.log.Error("enqueue failed", "error", err, "document_id", p.DocumentID)
		jsonError(w, "failed to enqueue job", http.StatusInternalServerError)
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// requireDocument writes the error response and returns false when the
// document does not exist.
func (s *Server) requireDocument(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.records.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "document not found", http.StatusNotFound)
		} else {
			jsonError(w, "failed to load document", http.StatusInternalServerError)
		}
		return false
	}
	return true
}

// extContentTypes backstops uploads whose client did not declare a
// type. The table only needs to cover what extraction supports.
var extContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func resolveContentType(declared, filename string) string {
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = declared[:i]
	}
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return extContentTypes[strings.ToLower(filepath.Ext(filename))]
}

// sanitizeFilename strips any path components a client smuggled into
// the filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "document"
	}
	return name
}
