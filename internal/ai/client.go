// Package ai calls an OpenAI-compatible chat-completions service for
// summaries, quizzes, and explanations over extracted document text.
// The service is assumed unreliable: the client retries overloaded and
// rate-limited replies on exponential curves and falls back through an
// ordered model list when a model disappears.
package ai

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"document-pipeline/internal/telemetry"
)

// Config for the AI client.
type Config struct {
	BaseURL string
	APIKey  string
	// Models is the fallback list in preference order.
	Models        []string
	Timeout       time.Duration
	MaxInputChars int
}

// Client is safe for concurrent use. Model fallback state persists for
// the client's lifetime: once degraded to a later model it stays there
// instead of probing the preferred model on every call.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger

	mu         sync.Mutex
	modelIndex int

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gpt-5-mini", "gpt-4o-mini", "gpt-3.5-turbo"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 12000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		sleep:      ctxSleep,
	}
}

// Retry ceilings per operation. Quiz generation is the slowest call, so
// it gets one fewer attempt.
const (
	generalAttempts = 3
	quizAttempts    = 2
)

// SummarizeRequest asks for a prose summary of document text.
type SummarizeRequest struct {
	DocumentTitle string
	Text          string
}

// Summary is a successful summarize result. Truncated reports that the
// input text was cut to the character budget before prompting.
type Summary struct {
	Text      string
	Model     string
	Truncated bool
}

func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (Summary, error) {
	input, truncated := truncateInput(req.Text, c.cfg.MaxInputChars)
	content, model, err := c.complete(ctx, "summarize", generalAttempts,
		summarizeSystemPrompt, summarizeUserPrompt(req.DocumentTitle, input), false)
	if err != nil {
		telemetry.AICallFailures.Inc()
		return Summary{}, err
	}
	return Summary{Text: content, Model: model, Truncated: truncated}, nil
}

// QuizRequest asks for multiple-choice questions about document text.
type QuizRequest struct {
	DocumentTitle string
	Text          string
	// QuestionCount defaults to 5 and is capped at 20.
	QuestionCount int
}

// QuizQuestion has exactly one correct choice at AnswerIndex.
type QuizQuestion struct {
	Question    string   `json:"question"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation,omitempty"`
}

type Quiz struct {
	Questions []QuizQuestion
	Model     string
	Truncated bool
}

func (c *Client) GenerateQuiz(ctx context.Context, req QuizRequest) (Quiz, error) {
	count := req.QuestionCount
	if count <= 0 {
		count = 5
	}
	if count > 20 {
		count = 20
	}
	input, truncated := truncateInput(req.Text, c.cfg.MaxInputChars)
	content, model, err := c.complete(ctx, "generate_quiz", quizAttempts,
		quizSystemPrompt, quizUserPrompt(req.DocumentTitle, input, count), true)
	if err != nil {
		telemetry.AICallFailures.Inc()
		return Quiz{}, err
	}
	questions, err := parseQuiz(content)
	if err != nil {
		telemetry.AICallFailures.Inc()
		return Quiz{}, err
	}
	return Quiz{Questions: questions, Model: model, Truncated: truncated}, nil
}

// ExplainRequest asks for an explanation of a topic grounded in the
// document text.
type ExplainRequest struct {
	DocumentTitle string
	Text          string
	Topic         string
}

type Explanation struct {
	Text      string
	Model     string
	Truncated bool
}

func (c *Client) Explain(ctx context.Context, req ExplainRequest) (Explanation, error) {
	input, truncated := truncateInput(req.Text, c.cfg.MaxInputChars)
	content, model, err := c.complete(ctx, "explain", generalAttempts,
		explainSystemPrompt, explainUserPrompt(req.DocumentTitle, input, req.Topic), false)
	if err != nil {
		telemetry.AICallFailures.Inc()
		return Explanation{}, err
	}
	return Explanation{Text: content, Model: model, Truncated: truncated}, nil
}

func (c *Client) currentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Models[c.modelIndex]
}

// advanceModel moves past a model that failed. Reports false when the
// list is exhausted. When a concurrent call already moved the index off
// the failed model, nothing is advanced.
func (c *Client) advanceModel(failed string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Models[c.modelIndex] != failed {
		return true
	}
	if c.modelIndex+1 >= len(c.cfg.Models) {
		return false
	}
	c.modelIndex++
	return true
}

// truncateInput caps prompt input at the character budget, never
// cutting a rune in half. Truncation is reported, not silent.
func truncateInput(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit], true
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
