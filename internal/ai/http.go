package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"document-pipeline/internal/retry"
	"document-pipeline/internal/telemetry"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float32        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Messages       []chatMessage  `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete runs one chat completion through the retry layer, re-reading
// the current model each attempt so fallback takes effect mid-call.
func (c *Client) complete(ctx context.Context, op string, maxAttempts int, system, user string, jsonMode bool) (string, string, error) {
	var content, model string
	err := c.retryWithBackoff(ctx, op, maxAttempts, func() error {
		model = c.currentModel()
		out, err := c.post(ctx, model, system, user, jsonMode)
		if err != nil {
			return err
		}
		content = out
		return nil
	})
	return content, model, err
}

// retryWithBackoff runs fn up to maxAttempts times. Overloaded replies
// back off on the 2^n curve, rate-limited ones on the slower 3^n curve,
// a missing model advances the fallback list and retries immediately
// without spending an attempt, and anything else propagates at once.
func (c *Client) retryWithBackoff(ctx context.Context, op string, maxAttempts int, fn func() error) error {
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		class := retry.Classify(err)
		if class == retry.ModelUnavailable {
			var svcErr *ServiceError
			failed := ""
			if errors.As(err, &svcErr) {
				failed = svcErr.Model
			}
			if !c.advanceModel(failed) {
				return fmt.Errorf("%w: %v", ErrModelsExhausted, err)
			}
			telemetry.AIModelFallbacks.Inc()
			c.log.Warn("model unavailable, falling back",
				"operation", op, "model", failed, "next", c.currentModel())
			continue
		}

		d := retry.Decide(class, attempt)
		if !d.Retry {
			return err
		}
		attempt++
		if attempt >= maxAttempts {
			return err
		}
		c.log.Warn("transient ai failure, backing off",
			"operation", op,
			"class", class.String(),
			"delay", d.Delay.String(),
			"attempt", attempt,
			"error", err)
		if serr := c.sleep(ctx, d.Delay); serr != nil {
			return serr
		}
	}
}

func (c *Client) post(ctx context.Context, model, system, user string, jsonMode bool) (string, error) {
	reqBody := chatRequest{
		Model:       model,
		Temperature: 0.2,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		reqBody.ResponseFormat = map[string]any{"type": "json_object"}
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	telemetry.AICalls.Inc()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		svcErr := &ServiceError{StatusCode: resp.StatusCode, Model: model, Message: string(raw)}
		var body chatResponse
		if json.Unmarshal(raw, &body) == nil && body.Error != nil {
			svcErr.Code = body.Error.Code
			svcErr.Message = body.Error.Message
		}
		return "", svcErr
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", &MalformedReplyError{Reason: "response is not valid json", Raw: string(raw)}
	}
	if cc.Error != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Code: cc.Error.Code, Model: model, Message: cc.Error.Message}
	}
	if len(cc.Choices) == 0 {
		return "", &MalformedReplyError{Reason: "no choices in response", Raw: string(raw)}
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
