// Package api hosts the pipeline's HTTP surface: document upload and
// status, queue introspection, and the synchronous AI endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"document-pipeline/internal/ai"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/ratelimit"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

// Server wires HTTP handlers over the pipeline's collaborators. It owns
// none of their lifecycles; cmd builds them and tears them down.
type Server struct {
	cfg     config.Config
	records store.RecordStore
	blobs   blob.Storage
	queue   queue.Queue
	ai      *ai.Client
	limiter ratelimit.Limiter
	log     *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting
// on the AI endpoints.
func New(cfg config.Config, records store.RecordStore, blobs blob.Storage, q queue.Queue, aiClient *ai.Client, limiter ratelimit.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		records: records,
		blobs:   blobs,
		queue:   q,
		ai:      aiClient,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router. Everything under /api requires the
// bearer key when one is configured; health and metrics stay open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
		}

		r.Post("/documents", s.handleUpload)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Post("/documents/{id}/process", s.handleProcess)
		r.Post("/documents/{id}/retry", s.handleRetry)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/clean", s.handleQueueClean)

		r.Route("/ai", func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/summarize", s.handleSummarize)
			r.Post("/quiz", s.handleQuiz)
			r.Post("/explain", s.handleExplain)
		})
	})

	return r
}

// rateLimit gates the AI endpoints per client key. When the limiter is
// Redis-backed the budget is shared across replicas.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.log.Error("rate limit check failed", "error", err)
			jsonError(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			jsonError(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: an explicit client
// header when present, otherwise the remote IP.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
