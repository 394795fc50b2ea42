package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"document-pipeline/internal/ai"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/ratelimit"
	"document-pipeline/internal/store"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	records *store.Memory
	queue   *queue.Memory
	blobDir string
}

func newTestEnv(t *testing.T, cfg config.Config, aiClient *ai.Client, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	if cfg.MaxDocumentBytes == 0 {
		cfg.MaxDocumentBytes = 1 << 20
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.JobMaxAge == 0 {
		cfg.JobMaxAge = time.Hour
	}
	dir := t.TempDir()
	blobs, err := blob.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	records := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, records, blobs, q, aiClient, limiter, log)
	return &testEnv{
		srv:     srv,
		router:  srv.Router(),
		records: records,
		queue:   q,
		blobDir: dir,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedDocument(t *testing.T, id, status, text string) {
	t.Helper()
	err := e.records.Create(context.Background(), models.DocumentRecord{
		ID:          id,
		Filename:    id + ".txt",
		StoragePath: "uploads/" + id + ".txt",
		Size:        int64(len(text)),
		ContentType: "text/plain",
		Status:      status,
		Text:        text,
		UploadedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func multipartUpload(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func stubAI(t *testing.T, handler http.HandlerFunc) *ai.Client {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return ai.New(ai.Config{
		BaseURL:       backend.URL,
		APIKey:        "test-key",
		Models:        []string{"m1"},
		MaxInputChars: 4096,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func TestUploadCreatesRecordAndJob(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)

	body, ctype := multipartUpload(t, "report.txt", "text/plain", []byte("hello world"), map[string]string{"priority": "high"})
	rec := env.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ctype})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Document.ID == "" || resp.Job.ID == "" {
		t.Fatalf("response missing ids: %+v", resp)
	}
	if resp.Job.Kind != models.KindExtract || resp.Job.Priority != models.PriorityHigh {
		t.Errorf("job kind/priority = %s/%s, want extract/high", resp.Job.Kind, resp.Job.Priority)
	}
	if want := "/api/documents/" + resp.Document.ID; resp.PollURL != want {
		t.Errorf("poll url = %q, want %q", resp.PollURL, want)
	}

	stored, err := env.records.Get(context.Background(), resp.Document.ID)
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if stored.Status != models.DocPending || stored.ContentType != "text/plain" || stored.Size != 11 {
		t.Errorf("stored record = %+v", stored)
	}
	job, err := env.queue.Job(context.Background(), resp.Job.ID)
	if err != nil {
		t.Fatalf("job not queued: %v", err)
	}
	if job.Status != models.StatusWaiting {
		t.Errorf("job status = %s, want waiting", job.Status)
	}
}

func TestUploadRejectsBeforeCreatingState(t *testing.T) {
	env := newTestEnv(t, config.Config{MaxDocumentBytes: 16}, nil, nil)

	body, ctype := multipartUpload(t, "tool.exe", "application/octet-stream", []byte("MZ"), nil)
	rec := env.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ctype})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported type: status = %d, body %s", rec.Code, rec.Body.String())
	}

	body, ctype = multipartUpload(t, "big.txt", "text/plain", bytes.Repeat([]byte("a"), 17), nil)
	rec = env.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ctype})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized: status = %d, body %s", rec.Code, rec.Body.String())
	}

	snap, err := env.queue.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Total != 0 {
		t.Errorf("queue total = %d, want 0", snap.Total)
	}
	entries, err := os.ReadDir(env.blobDir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("blob dir has %d entries, want none", len(entries))
	}
}

func TestUploadContentTypeFromExtension(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)

	body, ctype := multipartUpload(t, "notes.md", "", []byte("# Notes"), nil)
	rec := env.do(t, http.MethodPost, "/api/documents", body, map[string]string{"Content-Type": ctype})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Document.ContentType != "text/markdown" {
		t.Errorf("content type = %q, want text/markdown", resp.Document.ContentType)
	}
}

func TestGetDocument(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.seedDocument(t, "doc-1", models.DocCompleted, "some text")

	rec := env.do(t, http.MethodGet, "/api/documents/doc-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.DocumentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "doc-1" || got.Status != models.DocCompleted {
		t.Errorf("document = %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/documents/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing document: status = %d, want 404", rec.Code)
	}
}

func TestProcessAndRetry(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.seedDocument(t, "doc-1", models.DocFailed, "")

	rec := env.do(t, http.MethodPost, "/api/documents/doc-1/process",
		strings.NewReader(`{"priority":"critical"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("process: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Job models.Job `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Kind != models.KindExtract || resp.Job.Priority != models.PriorityCritical {
		t.Errorf("process job = %s/%s, want extract/critical", resp.Job.Kind, resp.Job.Priority)
	}

	rec = env.do(t, http.MethodPost, "/api/documents/doc-1/retry", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Kind != models.KindRetryExtract || resp.Job.Priority != models.PriorityHigh {
		t.Errorf("retry job = %s/%s, want retry-extract/high", resp.Job.Kind, resp.Job.Priority)
	}

	rec = env.do(t, http.MethodPost, "/api/documents/ghost/retry", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry of missing document: status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/documents/doc-1/process",
		strings.NewReader(`{"kind":"compress"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: status = %d, want 400", rec.Code)
	}
}

func TestJobAndStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	ctx := context.Background()

	job, err := env.queue.Enqueue(ctx, queue.EnqueueParams{DocumentID: "doc-1", Kind: models.KindExtract})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status = %d", rec.Code)
	}
	var got models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != models.StatusWaiting {
		t.Errorf("job status = %s, want waiting", got.Status)
	}

	rec = env.do(t, http.MethodGet, "/api/jobs/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/queue/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", rec.Code)
	}
	var snap models.QueueSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Waiting != 1 || snap.Total != 1 {
		t.Errorf("snapshot = %+v, want 1 waiting", snap)
	}
}

func TestQueueCleanEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	ctx := context.Background()

	job, err := env.queue.Enqueue(ctx, queue.EnqueueParams{DocumentID: "doc-1", Kind: models.KindExtract})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := env.queue.Lease(ctx, models.KindExtract)
	if err != nil || leased.ID != job.ID {
		t.Fatalf("lease: %v (job %+v)", err, leased)
	}
	if err := env.queue.Complete(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	rec := env.do(t, http.MethodPost, "/api/queue/clean", strings.NewReader(`{"max_age_ms":1}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clean: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["pruned"] != 1 {
		t.Errorf("pruned = %d, want 1", resp["pruned"])
	}
	if rec := env.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("job survived clean: status = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, config.Config{APIKey: "sekret"}, nil, nil)

	if rec := env.do(t, http.MethodGet, "/api/queue/stats", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	wrong := map[string]string{"Authorization": "Bearer nope"}
	if rec := env.do(t, http.MethodGet, "/api/queue/stats", nil, wrong); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	right := map[string]string{"Authorization": "Bearer sekret"}
	if rec := env.do(t, http.MethodGet, "/api/queue/stats", nil, right); rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz should not require auth: status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "docpipe_jobs_enqueued_total") {
		t.Errorf("metrics output missing pipeline counters")
	}
}

func TestRateLimitOnAIEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, ratelimit.NewMemoryBucket(1, 1))

	// The first request spends the only token and fails handler
	// validation; the second is rejected by the limiter before the
	// handler runs.
	first := env.do(t, http.MethodPost, "/api/ai/summarize", strings.NewReader(`{}`), nil)
	if first.Code != http.StatusBadRequest {
		t.Fatalf("first request: status = %d, want 400", first.Code)
	}
	second := env.do(t, http.MethodPost, "/api/ai/summarize", strings.NewReader(`{}`), nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Errorf("429 response missing Retry-After")
	}

	other := map[string]string{"X-Client-ID": "someone-else"}
	third := env.do(t, http.MethodPost, "/api/ai/summarize", strings.NewReader(`{}`), other)
	if third.Code != http.StatusBadRequest {
		t.Errorf("different client should get a fresh bucket: status = %d", third.Code)
	}
}

func TestAISummarizeEndpoint(t *testing.T) {
	client := stubAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply("A tidy summary."))
	})
	env := newTestEnv(t, config.Config{}, client, nil)
	env.seedDocument(t, "doc-1", models.DocCompleted, "Long body text about Go.")

	rec := env.do(t, http.MethodPost, "/api/ai/summarize",
		strings.NewReader(`{"document_id":"doc-1"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["summary"] != "A tidy summary." || resp["model"] != "m1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAIEndpointsGateOnDocumentState(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil, nil)
	env.seedDocument(t, "pending-doc", models.DocPending, "")

	rec := env.do(t, http.MethodPost, "/api/ai/summarize",
		strings.NewReader(`{"document_id":"pending-doc"}`), nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("pending document: status = %d, want 409", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/ai/summarize",
		strings.NewReader(`{"document_id":"ghost"}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing document: status = %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/ai/summarize", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing document_id: status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/ai/explain",
		strings.NewReader(`{"document_id":"pending-doc"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing topic: status = %d, want 400", rec.Code)
	}
}

func TestAIMalformedReplyMapsTo502(t *testing.T) {
	client := stubAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatReply("this is not json"))
	})
	env := newTestEnv(t, config.Config{}, client, nil)
	env.seedDocument(t, "doc-1", models.DocCompleted, "Quiz source text.")

	rec := env.do(t, http.MethodPost, "/api/ai/quiz",
		strings.NewReader(`{"document_id":"doc-1"}`), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, _ := resp["raw"].(string)
	if !strings.Contains(raw, "this is not json") {
		t.Errorf("502 body should carry the raw reply, got %+v", resp)
	}
}

func TestAIModelsExhaustedMapsTo503(t *testing.T) {
	client := stubAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"model_not_found","message":"gone"}}`)
	})
	env := newTestEnv(t, config.Config{}, client, nil)
	env.seedDocument(t, "doc-1", models.DocCompleted, "Body text.")

	rec := env.do(t, http.MethodPost, "/api/ai/summarize",
		strings.NewReader(`{"document_id":"doc-1"}`), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
}

func TestWriteAIErrorMapping(t *testing.T) {
	srv := &Server{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"overloaded", &ai.ServiceError{StatusCode: 503, Message: "busy"}, http.StatusServiceUnavailable},
		{"rate_limited", &ai.ServiceError{StatusCode: 429, Message: "slow down"}, http.StatusServiceUnavailable},
		{"malformed", &ai.MalformedReplyError{Reason: "bad", Raw: "raw text"}, http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.writeAIError(rec, tc.err)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Errorf("503 missing Retry-After")
			}
			if tc.want == http.StatusBadGateway && !strings.Contains(rec.Body.String(), "raw text") {
				t.Errorf("502 body missing raw reply: %s", rec.Body.String())
			}
		})
	}
}
