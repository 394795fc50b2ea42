package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"document-pipeline/internal/queue"
)

// handleGetJob reports queue-side state for one job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			jsonError(w, "job not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.queue.Snapshot(r.Context())
	if err != nil {
		jsonError(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type cleanRequest struct {
	MaxAgeMs int64 `json:"max_age_ms"`
}

// handleQueueClean prunes finished jobs older than the requested age,
// defaulting to the configured retention.
func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	maxAge := s.cfg.JobMaxAge
	if req.MaxAgeMs > 0 {
		maxAge = time.Duration(req.MaxAgeMs) * time.Millisecond
	}
	pruned, err := s.queue.Clean(r.Context(), maxAge)
	if err != nil {
		jsonError(w, "failed to clean queue", http.StatusInternalServerError)
		return
	}
	s.log.Info("queue cleaned", "pruned", pruned, "max_age", maxAge.String())
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}
