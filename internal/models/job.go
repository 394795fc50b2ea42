package models

import (
	"fmt"
	"time"
)

// Job lifecycle states tracked by the queue.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStalled   = "stalled"
)

// Job kinds. Fresh extractions and operator-requested retries run in
// separate worker pools with separate concurrency limits.
const (
	KindExtract      = "extract"
	KindRetryExtract = "retry-extract"
)

// Kinds lists every dispatchable job kind.
var Kinds = []string{KindExtract, KindRetryExtract}

// ValidKind reports whether k names a known job kind.
func ValidKind(k string) bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Priority orders waiting jobs within a kind. Higher dispatches first;
// ties fall back to enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists all priorities from highest to lowest, the order the
// queue scans ready lists in.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts the wire representation to a Priority,
// defaulting to normal for the empty string.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Job is one scheduled unit of extraction or retry work. The queue owns
// every field after creation; workers only observe it.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	DocumentID  string    `json:"document_id"`
	Priority    Priority  `json:"priority"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   *string   `json:"last_error,omitempty"`
	NextRunAt   time.Time `json:"next_run_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the job can never run again.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// QueueSnapshot is a best-effort count of jobs per status at one instant,
// for reporting only. Scheduling never reads it.
type QueueSnapshot struct {
	Waiting         int   `json:"waiting"`
	Active          int   `json:"active"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Stalled         int   `json:"stalled"`
	Total           int   `json:"total"`
	EstimatedWaitMs int64 `json:"estimated_wait_ms"`
}
