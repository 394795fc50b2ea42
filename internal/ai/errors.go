package ai

import (
	"errors"
	"fmt"
	"net/http"

	"document-pipeline/internal/retry"
)

// ErrModelsExhausted reports that every model in the fallback list was
// tried during one call and none of them was available.
var ErrModelsExhausted = errors.New("all fallback models exhausted")

// ServiceError is a non-2xx reply from the AI service, classified for
// the retry layer.
type ServiceError struct {
	StatusCode int
	// Code is the API error code when the body carried one,
	// e.g. "model_not_found".
	Code    string
	Model   string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ai service status %d (%s): %s", e.StatusCode, e.Code, truncate(e.Message, 200))
	}
	return fmt.Sprintf("ai service status %d: %s", e.StatusCode, truncate(e.Message, 200))
}

func (e *ServiceError) RetryClass() retry.Classification {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return retry.RateLimited
	case e.Code == "model_not_found" || e.StatusCode == http.StatusNotFound:
		return retry.ModelUnavailable
	case e.StatusCode >= 500:
		return retry.Overloaded
	default:
		return retry.Unknown
	}
}

// MalformedReplyError reports a reply that could not be parsed or failed
// schema validation. Raw carries the reply text for inspection; the
// caller decides what to surface. Never retried.
type MalformedReplyError struct {
	Reason string
	Raw    string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed ai reply: %s (raw: %s)", e.Reason, truncate(e.Raw, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
