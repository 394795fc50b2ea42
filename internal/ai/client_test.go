package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"document-pipeline/internal/retry"
)

func newTestClient(baseURL string, models []string) (*Client, *[]time.Duration) {
	c := New(Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Models:  models,
		Timeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func modelNotFound(model string) string {
	return fmt.Sprintf(`{"error":{"message":"The model %q does not exist","type":"invalid_request_error","code":"model_not_found"}}`, model)
}

type chatCall struct {
	Model string
	User  string
}

func decodeChat(t *testing.T, r *http.Request) chatCall {
	t.Helper()
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode chat request: %v", err)
	}
	out := chatCall{Model: req.Model}
	for _, m := range req.Messages {
		if m.Role == "user" {
			out.User = m.Content
		}
	}
	return out
}

func TestSummarize_RetriesOverloadedThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeChat(t, r)
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		fmt.Fprint(w, chatReply("A short summary."))
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL, []string{"m1"})
	sum, err := c.Summarize(context.Background(), SummarizeRequest{DocumentTitle: "Notes", Text: "body"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Text != "A short summary." || sum.Model != "m1" || sum.Truncated {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if hits != 3 {
		t.Fatalf("server hit %d times, want 3", hits)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("backoff delays %v, want %v", *delays, want)
	}
}

func TestSummarize_RateLimitUsesSlowerCurve(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL, []string{"m1"})
	_, err := c.Summarize(context.Background(), SummarizeRequest{Text: "body"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected error %v", err)
	}
	if retry.Classify(err) != retry.RateLimited {
		t.Fatalf("classified as %v, want rate_limited", retry.Classify(err))
	}
	if hits != generalAttempts {
		t.Fatalf("server hit %d times, want %d", hits, generalAttempts)
	}
	want := []time.Duration{3 * time.Second, 9 * time.Second}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("backoff delays %v, want %v", *delays, want)
	}
}

func TestSummarize_ClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"context too long","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL, []string{"m1"})
	_, err := c.Summarize(context.Background(), SummarizeRequest{Text: "body"})
	if err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}
	if len(*delays) != 0 {
		t.Fatalf("unexpected backoff %v", *delays)
	}
}

func TestModelFallback_PersistsAcrossCalls(t *testing.T) {
	var mu sync.Mutex
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := decodeChat(t, r)
		mu.Lock()
		models = append(models, call.Model)
		mu.Unlock()
		if call.Model == "m1" || call.Model == "m2" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, modelNotFound(call.Model))
			return
		}
		fmt.Fprint(w, chatReply("fine"))
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL, []string{"m1", "m2", "m3"})

	sum, err := c.Summarize(context.Background(), SummarizeRequest{Text: "body"})
	if err != nil {
		t.Fatalf("first summarize: %v", err)
	}
	if sum.Model != "m3" {
		t.Fatalf("first call used %q, want m3", sum.Model)
	}
	if len(*delays) != 0 {
		t.Fatalf("fallback must not back off, saw %v", *delays)
	}

	// Degraded state persists: the second call starts on m3.
	if _, err := c.Summarize(context.Background(), SummarizeRequest{Text: "body"}); err != nil {
		t.Fatalf("second summarize: %v", err)
	}
	want := []string{"m1", "m2", "m3", "m3"}
	if len(models) != len(want) {
		t.Fatalf("models tried %v, want %v", models, want)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Fatalf("models tried %v, want %v", models, want)
		}
	}
}

func TestModelFallback_Exhaustion(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := decodeChat(t, r)
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, modelNotFound(call.Model))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, []string{"m1", "m2", "m3"})
	_, err := c.Summarize(context.Background(), SummarizeRequest{Text: "body"})
	if !errors.Is(err, ErrModelsExhausted) {
		t.Fatalf("error = %v, want ErrModelsExhausted", err)
	}
	if hits != 3 {
		t.Fatalf("server hit %d times, want 3", hits)
	}
}

func TestGenerateQuiz_ParsesFencedReply(t *testing.T) {
	quiz := `{"questions":[{"question":"What color is the sky?","choices":["green","blue"],"answer_index":1,"explanation":"Rayleigh scattering."}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("```json\n"+quiz+"\n```"))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, []string{"m1"})
	out, err := c.GenerateQuiz(context.Background(), QuizRequest{DocumentTitle: "Sky", Text: "The sky is blue."})
	if err != nil {
		t.Fatalf("generate quiz: %v", err)
	}
	if len(out.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(out.Questions))
	}
	q := out.Questions[0]
	if q.AnswerIndex != 1 || q.Choices[q.AnswerIndex] != "blue" {
		t.Fatalf("unexpected question %+v", q)
	}
}

func TestGenerateQuiz_MalformedReply(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprint(w, chatReply("Sure! Here are some questions for you."))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, []string{"m1"})
	_, err := c.GenerateQuiz(context.Background(), QuizRequest{Text: "body"})
	var malformed *MalformedReplyError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedReplyError", err)
	}
	if !strings.Contains(malformed.Raw, "Sure!") {
		t.Fatalf("raw reply not attached: %q", malformed.Raw)
	}
	// A bad reply is a soft failure, not a retryable one.
	if hits != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}
}

func TestGenerateQuiz_AnswerIndexOutOfRange(t *testing.T) {
	quiz := `{"questions":[{"question":"Pick one","choices":["a","b"],"answer_index":5}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(quiz))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, []string{"m1"})
	_, err := c.GenerateQuiz(context.Background(), QuizRequest{Text: "body"})
	var malformed *MalformedReplyError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedReplyError", err)
	}
	if !strings.Contains(malformed.Reason, "answer index") {
		t.Fatalf("unexpected reason %q", malformed.Reason)
	}
}

func TestExplain_TruncatesLongInput(t *testing.T) {
	var mu sync.Mutex
	var user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := decodeChat(t, r)
		mu.Lock()
		user = call.User
		mu.Unlock()
		fmt.Fprint(w, chatReply("An explanation."))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL, []string{"m1"})
	c.cfg.MaxInputChars = 10

	out, err := c.Explain(context.Background(), ExplainRequest{
		DocumentTitle: "T",
		Text:          "abcdefghijKLMNOPQRST",
		Topic:         "anything",
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !out.Truncated {
		t.Fatal("Truncated flag not set")
	}
	if !strings.Contains(user, "abcdefghij") || strings.Contains(user, "abcdefghijK") {
		t.Fatalf("prompt not capped: %q", user)
	}
}

func TestTruncateInput(t *testing.T) {
	if out, trunc := truncateInput("short", 10); out != "short" || trunc {
		t.Fatalf("short input mangled: %q %v", out, trunc)
	}
	if out, trunc := truncateInput("exactly10!", 10); out != "exactly10!" || trunc {
		t.Fatalf("exact-limit input mangled: %q %v", out, trunc)
	}

	// Never cut a multi-byte rune in half.
	s := strings.Repeat("é", 10)
	out, trunc := truncateInput(s, 5)
	if !trunc {
		t.Fatal("expected truncation")
	}
	if !utf8.ValidString(out) {
		t.Fatalf("truncated output is not valid utf-8: %q", out)
	}
	if len(out) != 4 {
		t.Fatalf("cut at %d bytes, want 4", len(out))
	}
}

func TestStripCodeBlock(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n[1,2]\n```":         `[1,2]`,
		`{"plain":true}`:          `{"plain":true}`,
	}
	for in, want := range cases {
		if got := stripCodeBlock(in); got != want {
			t.Fatalf("stripCodeBlock(%q) = %q, want %q", in, got, want)
		}
	}
}
