package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"document-pipeline/internal/ai"
	"document-pipeline/internal/models"
	"document-pipeline/internal/retry"
	"document-pipeline/internal/store"
)

// suggestedWaitSeconds is the hint sent with 503 responses when the AI
// service is shedding load.
const suggestedWaitSeconds = 30

type summarizeRequest struct {
	DocumentID string `json:"document_id"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	rec, ok := s.extractedDocument(w, r, req.DocumentID)
	if !ok {
		return
	}
	sum, err := s.ai.Summarize(r.Context(), ai.SummarizeRequest{
		DocumentTitle: rec.Filename,
		Text:          rec.Text,
	})
	if err != nil {
		s.writeAIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":   sum.Text,
		"model":     sum.Model,
		"truncated": sum.Truncated,
	})
}

type quizRequest struct {
	DocumentID    string `json:"document_id"`
	QuestionCount int    `json:"question_count"`
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	rec, ok := s.extractedDocument(w, r, req.DocumentID)
	if !ok {
		return
	}
	quiz, err := s.ai.GenerateQuiz(r.Context(), ai.QuizRequest{
		DocumentTitle: rec.Filename,
		Text:          rec.Text,
		QuestionCount: req.QuestionCount,
	})
	if err != nil {
		s.writeAIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"questions": quiz.Questions,
		"model":     quiz.Model,
		"truncated": quiz.Truncated,
	})
}

type explainRequest struct {
	DocumentID string `json:"document_id"`
	Topic      string `json:"topic"`
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		jsonError(w, "topic is required", http.StatusBadRequest)
		return
	}
	rec, ok := s.extractedDocument(w, r, req.DocumentID)
	if !ok {
		return
	}
	exp, err := s.ai.Explain(r.Context(), ai.ExplainRequest{
		DocumentTitle: rec.Filename,
		Text:          rec.Text,
		Topic:         req.Topic,
	})
	if err != nil {
		s.writeAIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"explanation": exp.Text,
		"model":       exp.Model,
		"truncated":   exp.Truncated,
	})
}

// extractedDocument loads a record and insists it has text to feed the
// model. Documents still mid-pipeline and image-only documents get a
// 409 so the caller knows to wait or pick another document.
func (s *Server) extractedDocument(w http.ResponseWriter, r *http.Request, id string) (models.DocumentRecord, bool) {
	if id == "" {
		jsonError(w, "document_id is required", http.StatusBadRequest)
		return models.DocumentRecord{}, false
	}
	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "document not found", http.StatusNotFound)
		} else {
			jsonError(w, "failed to load document", http.StatusInternalServerError)
		}
		return models.DocumentRecord{}, false
	}
	if rec.Status != models.DocCompleted || rec.Text == "" {
		jsonError(w, "document has no extracted text", http.StatusConflict)
		return models.DocumentRecord{}, false
	}
	return rec, true
}

// writeAIError maps client failures onto responses. Transient upstream
// trouble becomes a 503 with a suggested wait, an unparseable model
// reply becomes a 502 carrying the raw text, and anything else is a
// plain 500.
func (s *Server) writeAIError(w http.ResponseWriter, err error) {
	var malformed *ai.MalformedReplyError
	if errors.As(err, &malformed) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "ai service returned an unusable reply",
			"raw":   malformed.Raw,
		})
		return
	}
	if errors.Is(err, ai.ErrModelsExhausted) {
		s.writeAIBusy(w, "no ai model is currently available")
		return
	}
	switch retry.Classify(err) {
	case retry.Overloaded, retry.RateLimited, retry.Timeout:
		s.writeAIBusy(w, "ai service is busy, try again shortly")
		return
	}
	s.log.Error("ai call failed", "error", err)
	jsonError(w, "ai request failed", http.StatusInternalServerError)
}

func (s *Server) writeAIBusy(w http.ResponseWriter, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(suggestedWaitSeconds))
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":          msg,
		"retry_after_ms": int64(suggestedWaitSeconds) * 1000,
	})
}
