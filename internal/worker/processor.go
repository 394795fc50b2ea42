// Package worker drives job execution: it leases work from the queue,
// runs the registered handler under a lease heartbeat, and settles each
// attempt as completed, retried with backoff, or permanently failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"document-pipeline/internal/config"
	"document-pipeline/internal/models"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/retry"
	"document-pipeline/internal/status"
	"document-pipeline/internal/telemetry"
)

// Handler executes one attempt of a job and returns the extraction
// output. Handlers never touch the queue; the processor owns every
// job transition.
type Handler func(ctx context.Context, job models.Job) (models.Extraction, error)

// Processor runs a pool of worker slots per job kind so operator retries
// cannot starve fresh extractions, plus one housekeeping loop that
// reclaims expired leases and prunes finished jobs.
type Processor struct {
	cfg      config.Config
	queue    queue.Queue
	tracker  *status.Tracker
	events   *Events
	log      *slog.Logger
	handlers map[string]Handler
}

// NewProcessor builds a processor. Non-positive intervals and pool sizes
// fall back to safe defaults.
func NewProcessor(cfg config.Config, q queue.Queue, tracker *status.Tracker, events *Events, log *slog.Logger) *Processor {
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 1
	}
	if cfg.RetryConcurrency <= 0 {
		cfg.RetryConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.JobCleanInterval <= 0 {
		cfg.JobCleanInterval = time.Hour
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		tracker:  tracker,
		events:   events,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	p.handlers[kind] = h
}

// Run blocks until ctx is cancelled, driving all worker slots and the
// housekeeping loop. In-flight handlers finish their current job before
// Run returns.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	pools := []struct {
		kind  string
		slots int
	}{
		{models.KindExtract, p.cfg.ExtractConcurrency},
		{models.KindRetryExtract, p.cfg.RetryConcurrency},
	}
	for _, pool := range pools {
		for i := 0; i < pool.slots; i++ {
			wg.Add(1)
			go func(kind string, slot int) {
				defer wg.Done()
				p.runSlot(ctx, kind, slot)
			}(pool.kind, i)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeep(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// runSlot polls for work of one kind until cancellation.
func (p *Processor) runSlot(ctx context.Context, kind string, slot int) {
	log := p.log.With("kind", kind, "slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Lease(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("lease failed", "error", err)
			p.pause(ctx)
			continue
		}
		if job.ID == "" {
			p.pause(ctx)
			continue
		}
		p.process(ctx, log, job)
	}
}

func (p *Processor) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one leased job to a settled outcome.
func (p *Processor) process(ctx context.Context, log *slog.Logger, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info("job started",
		"job_id", job.ID,
		"document_id", job.DocumentID,
		"attempt", job.Attempts,
		"priority", job.Priority.String())
	if err := p.tracker.MarkProcessing(ctx, job.DocumentID); err != nil {
		log.Warn("mark processing failed", "job_id", job.ID, "error", err)
	}

	stopBeat := p.startHeartbeat(ctx, job.ID)
	start := time.Now()
	ex, err := p.runHandler(ctx, job)
	stopBeat()
	telemetry.ExtractionDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		p.settleSuccess(ctx, log, job, ex)
		return
	}
	p.settleFailure(ctx, log, job, err)
}

// startHeartbeat extends the job's lease while the handler runs. The
// returned stop func waits for the last beat to finish so a late
// heartbeat cannot race the settlement.
func (p *Processor) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobID, p.cfg.LeaseTTL); err != nil {
					p.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// runHandler dispatches to the kind's handler, turning a handler panic
// into a failed attempt instead of a dead slot.
func (p *Processor) runHandler(ctx context.Context, job models.Job) (ex models.Extraction, err error) {
	h, ok := p.handlers[job.Kind]
	if !ok {
		return models.Extraction{}, fmt.Errorf("no handler registered for kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Processor) settleSuccess(ctx context.Context, log *slog.Logger, job models.Job, ex models.Extraction) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		log.Error("complete failed", "job_id", job.ID, "error", err)
	}
	if err := p.tracker.MarkCompleted(ctx, job.DocumentID, ex); err != nil {
		log.Error("record completion failed", "job_id", job.ID, "error", err)
	}
	telemetry.JobsCompleted.Inc()
	log.Info("job completed",
		"job_id", job.ID,
		"document_id", job.DocumentID,
		"attempt", job.Attempts,
		"pages", ex.PageCount)
	p.publish(job, models.StatusCompleted, "")
}

// settleFailure decides between requeue and permanent failure. The lease
// already counted this attempt, so job.Attempts includes the one that
// just failed.
func (p *Processor) settleFailure(ctx context.Context, log *slog.Logger, job models.Job, cause error) {
	// A shutdown mid-handler is not the job's fault. Leave the lease to
	// expire; the reclaim path requeues it.
	if ctx.Err() != nil && errors.Is(cause, context.Canceled) {
		log.Warn("attempt interrupted by shutdown, leaving lease to expire",
			"job_id", job.ID, "document_id", job.DocumentID)
		return
	}

	class := retry.Classify(cause)

	if retry.Decide(class, 0).Retry && job.Attempts < job.MaxAttempts {
		delay := retry.BackoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts)
		if err := p.queue.Retry(ctx, job.ID, job.Attempts, delay, cause.Error()); err != nil {
			log.Error("requeue failed", "job_id", job.ID, "error", err)
		}
		telemetry.JobsRetried.Inc()
		log.Warn("job attempt failed, will retry",
			"job_id", job.ID,
			"document_id", job.DocumentID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"class", class.String(),
			"delay", delay.String(),
			"error", cause.Error())
		p.publish(job, models.StatusWaiting, cause.Error())
		return
	}

	if err := p.queue.Fail(ctx, job.ID, job.Attempts, cause.Error()); err != nil {
		log.Error("fail transition failed", "job_id", job.ID, "error", err)
	}
	if err := p.tracker.MarkFailed(ctx, job.DocumentID, cause.Error()); err != nil {
		log.Error("record failure failed", "job_id", job.ID, "error", err)
	}
	telemetry.JobsFailed.Inc()
	log.Error("job failed permanently",
		"job_id", job.ID,
		"document_id", job.DocumentID,
		"attempts", job.Attempts,
		"class", class.String(),
		"error", cause.Error())
	p.publish(job, models.StatusFailed, cause.Error())
}

// housekeep reclaims expired leases, refreshes the depth gauge, and
// periodically prunes finished jobs.
func (p *Processor) housekeep(ctx context.Context) {
	reclaim := time.NewTicker(p.cfg.WorkerPollInterval)
	defer reclaim.Stop()
	clean := time.NewTicker(p.cfg.JobCleanInterval)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clean.C:
			if n, err := p.queue.Clean(ctx, p.cfg.JobMaxAge); err == nil && n > 0 {
				p.log.Info("pruned finished jobs", "count", n)
			}
		case <-reclaim.C:
			p.reclaim(ctx)
		}
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	reclaimed, err := p.queue.ReclaimStalled(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("reclaim stalled failed", "error", err)
		}
		return
	}
	for _, job := range reclaimed {
		telemetry.JobsStalled.Inc()
		p.log.Warn("lease expired",
			"job_id", job.ID,
			"document_id", job.DocumentID,
			"attempt", job.Attempts,
			"status", job.Status)
		if job.Status == models.StatusFailed {
			if err := p.tracker.MarkFailed(ctx, job.DocumentID, queue.StallErrorMessage); err != nil {
				p.log.Error("record failure failed", "job_id", job.ID, "error", err)
			}
			telemetry.JobsFailed.Inc()
		}
		p.publish(job, job.Status, queue.StallErrorMessage)
	}

	if snap, err := p.queue.Snapshot(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(snap.Waiting))
	}
}

func (p *Processor) publish(job models.Job, statusNow, errMsg string) {
	if p.events == nil {
		return
	}
	p.events.Publish(JobEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Kind:       job.Kind,
		Status:     statusNow,
		Attempts:   job.Attempts,
		Err:        errMsg,
	})
}
