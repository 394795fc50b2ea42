package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"document-pipeline/internal/models"
)

// Memory is the in-process driver: one mutex around plain maps and
// slices. State is lost on restart; used when no broker is configured.
type Memory struct {
	leaseTTL time.Duration

	mu        sync.Mutex
	jobs      map[string]*models.Job
	ready     map[string][]string // bucketKey(kind, priority) → FIFO of job ids
	scheduled []string            // deferred job ids in enqueue order
	inflight  map[string]time.Time
	stats     *durationWindow
}

// NewMemory builds the in-process driver. Zero leaseTTL selects 30s.
func NewMemory(leaseTTL time.Duration) *Memory {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Memory{
		leaseTTL: leaseTTL,
		jobs:     make(map[string]*models.Job),
		ready:    make(map[string][]string),
		inflight: make(map[string]time.Time),
		stats:    newDurationWindow(),
	}
}

func bucketKey(kind string, p models.Priority) string {
	return kind + "|" + p.String()
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (models.Job, error) {
	if err := validateParams(&p); err != nil {
		return models.Job{}, err
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Kind:        p.Kind,
		DocumentID:  p.DocumentID,
		Priority:    p.Priority,
		Status:      models.StatusWaiting,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   now.Add(p.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = &job
	if p.Delay > 0 {
		m.scheduled = append(m.scheduled, job.ID)
	} else {
		key := bucketKey(job.Kind, job.Priority)
		m.ready[key] = append(m.ready[key], job.ID)
	}
	return job, nil
}

func (m *Memory) Job(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) Lease(_ context.Context, kind string) (models.Job, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteDueLocked(now)

	for _, p := range models.Priorities {
		key := bucketKey(kind, p)
		for len(m.ready[key]) > 0 {
			id := m.ready[key][0]
			m.ready[key] = m.ready[key][1:]
			job, ok := m.jobs[id]
			if !ok {
				continue
			}
			job.Attempts++
			job.Status = models.StatusActive
			job.UpdatedAt = now
			m.inflight[id] = now.Add(m.leaseTTL)
			return *job, nil
		}
	}
	return models.Job{}, nil
}

func (m *Memory) promoteDueLocked(now time.Time) {
	if len(m.scheduled) == 0 {
		return
	}
	var still []string
	for _, id := range m.scheduled {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if job.NextRunAt.After(now) {
			still = append(still, id)
			continue
		}
		key := bucketKey(job.Kind, job.Priority)
		m.ready[key] = append(m.ready[key], id)
	}
	m.scheduled = still
}

func (m *Memory) Heartbeat(_ context.Context, id string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only refresh a lease that still exists; never resurrect one.
	if _, ok := m.inflight[id]; ok {
		m.inflight[id] = time.Now().UTC().Add(extension)
	}
	return nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	m.stats.Observe(now.Sub(job.UpdatedAt))
	delete(m.inflight, id)
	job.Status = models.StatusCompleted
	job.LastError = nil
	job.UpdatedAt = now
	return nil
}

func (m *Memory) Retry(_ context.Context, id string, attempts int, delay time.Duration, lastErr string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.inflight, id)
	job.Attempts = attempts
	job.Status = models.StatusWaiting
	job.LastError = &lastErr
	job.NextRunAt = now.Add(delay)
	job.UpdatedAt = now
	if delay > 0 {
		m.scheduled = append(m.scheduled, id)
	} else {
		key := bucketKey(job.Kind, job.Priority)
		m.ready[key] = append(m.ready[key], id)
	}
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, attempts int, lastErr string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.inflight, id)
	job.Attempts = attempts
	job.Status = models.StatusFailed
	job.LastError = &lastErr
	job.UpdatedAt = now
	return nil
}

func (m *Memory) ReclaimStalled(_ context.Context, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type expired struct {
		id       string
		deadline time.Time
	}
	var due []expired
	for id, deadline := range m.inflight {
		if !deadline.After(now) {
			due = append(due, expired{id, deadline})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	msg := StallErrorMessage
	var out []models.Job
	for _, e := range due {
		delete(m.inflight, e.id)
		job, ok := m.jobs[e.id]
		if !ok {
			continue
		}
		job.LastError = &msg
		job.UpdatedAt = now
		if job.Attempts < job.MaxAttempts {
			// The wasted attempt was counted at lease time; requeue
			// immediately, flagged stalled until re-dispatch.
			job.Status = models.StatusStalled
			job.NextRunAt = now
			key := bucketKey(job.Kind, job.Priority)
			m.ready[key] = append(m.ready[key], e.id)
		} else {
			job.Status = models.StatusFailed
		}
		out = append(out, *job)
	}
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context) (models.QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap models.QueueSnapshot
	for _, job := range m.jobs {
		switch job.Status {
		case models.StatusWaiting:
			snap.Waiting++
		case models.StatusActive:
			snap.Active++
		case models.StatusCompleted:
			snap.Completed++
		case models.StatusFailed:
			snap.Failed++
		case models.StatusStalled:
			snap.Stalled++
		}
	}
	snap.Total = len(m.jobs)
	snap.EstimatedWaitMs = int64(snap.Waiting) * m.stats.AvgMs()
	return snap, nil
}

func (m *Memory) Clean(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, job := range m.jobs {
		if job.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

var _ Queue = (*Memory)(nil)
