// Package queue schedules extraction work with priority, retries, and
// stall detection. Two drivers satisfy the same contract: a Redis-backed
// one that survives restarts and supports distributed workers, and an
// in-process fallback for when no broker is available. Callers never
// branch on which driver is active.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"document-pipeline/internal/models"
)

var (
	// ErrNotFound is returned for job ids the queue does not know.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidArgument rejects malformed enqueue requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DefaultMaxAttempts bounds retries when the caller does not say.
const DefaultMaxAttempts = 3

// EnqueueParams describes one unit of work to schedule.
type EnqueueParams struct {
	DocumentID  string
	Kind        string
	Priority    models.Priority
	MaxAttempts int
	// Delay defers first dispatch; zero means eligible immediately.
	Delay time.Duration
}

// Queue is the scheduling contract shared by both drivers.
//
// Lease returns a zero-ID job with a nil error when nothing is ready;
// callers poll. A leased job has already had the attempt counted.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	Job(ctx context.Context, id string) (models.Job, error)
	Snapshot(ctx context.Context) (models.QueueSnapshot, error)
	Clean(ctx context.Context, maxAge time.Duration) (int, error)

	Lease(ctx context.Context, kind string) (models.Job, error)
	Heartbeat(ctx context.Context, id string, extension time.Duration) error
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, delay time.Duration, lastErr string) error
	Fail(ctx context.Context, id string, attempts int, lastErr string) error
	ReclaimStalled(ctx context.Context, now time.Time) ([]models.Job, error)
}

// StallErrorMessage is recorded on jobs whose lease expired.
const StallErrorMessage = "worker stalled (lease expired)"

func validateParams(p *EnqueueParams) error {
	if p.DocumentID == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidArgument)
	}
	if p.Kind == "" {
		p.Kind = models.KindExtract
	}
	if !models.ValidKind(p.Kind) {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidArgument, p.Kind)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}
