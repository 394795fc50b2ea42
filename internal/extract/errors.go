package extract

import (
	"fmt"
	"time"

	"document-pipeline/internal/retry"
)

// ValidationError marks a document that can never be extracted as-is.
// It is terminal; the queue must not retry it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func (e *ValidationError) RetryClass() retry.Classification { return retry.Validation }

// TimeoutError marks an extraction attempt that exceeded its wall-clock
// budget. Retryable up to the job's attempt budget.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("extraction exceeded %s budget", e.Limit)
}

func (e *TimeoutError) RetryClass() retry.Classification { return retry.Timeout }
