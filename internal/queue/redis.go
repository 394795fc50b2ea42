package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"document-pipeline/internal/models"
)

const (
	scheduledKey = "queue:scheduled"
	inflightKey  = "queue:inflight"
	completedKey = "queue:completed"
	failedKey    = "queue:failed"
	stalledKey   = "queue:stalled"
	durationsKey = "queue:durations"
	jobKeyPrefix = "queue:job:"

	housekeepingBatch = 128
)

// Redis is the broker-backed driver. Job state lives in a hash per job;
// ready lists are per kind and priority, deferred work sits in a
// scheduled zset, and leases are tracked in an inflight zset scored by
// deadline. Completed and failed zsets (scored by finish time) feed Clean.
type Redis struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// NewRedis wraps an existing client. Zero leaseTTL selects 30s.
func NewRedis(client *redis.Client, leaseTTL time.Duration) *Redis {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Redis{client: client, leaseTTL: leaseTTL}
}

func (q *Redis) jobKey(id string) string { return jobKeyPrefix + id }

func (q *Redis) readyKey(kind string, p models.Priority) string {
	return fmt.Sprintf("queue:ready:%s:%s", kind, p)
}

func (q *Redis) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
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

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), jobFields(job))
	if p.Delay > 0 {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(job.Kind, job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

func (q *Redis) Job(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return jobFromFields(fields)
}

// Lease promotes due scheduled jobs, then pops the highest-priority ready
// job for the kind and places it in-flight with a visibility deadline.
func (q *Redis) Lease(ctx context.Context, kind string) (models.Job, error) {
	now := time.Now().UTC()
	if err := q.promoteDue(ctx, now); err != nil {
		return models.Job{}, err
	}

	keys := make([]string, 0, len(models.Priorities)+2)
	for _, p := range models.Priorities {
		keys = append(keys, q.readyKey(kind, p))
	}
	keys = append(keys, inflightKey, stalledKey)

	res, err := leaseScript.Run(ctx, q.client, keys, now.Add(q.leaseTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, nil
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lease: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, fmt.Errorf("unexpected type from lease script: %T", res)
	}

	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(id), "status", models.StatusActive, "updated_at", now.UnixMilli())
	getAll := pipe.HGetAll(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("lease update: %w", err)
	}
	return jobFromFields(getAll.Val())
}

func (q *Redis) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  housekeepingBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// Only the caller that removes the entry may requeue it.
		n, err := q.client.ZRem(ctx, scheduledKey, id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		vals, err := q.client.HMGet(ctx, q.jobKey(id), "kind", "priority").Result()
		if err != nil {
			return err
		}
		if len(vals) < 2 || vals[0] == nil {
			// Hash already pruned; drop the orphan.
			continue
		}
		kind, _ := vals[0].(string)
		if err := q.client.RPush(ctx, q.readyKey(kind, priorityField(vals[1])), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes the lease deadline. XX keeps it from resurrecting
// a lease that was already completed or reclaimed.
func (q *Redis) Heartbeat(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

func (q *Redis) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC()

	started, err := q.client.HGet(ctx, q.jobKey(id), "updated_at").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if ms, perr := strconv.ParseInt(started, 10, 64); perr == nil {
		q.observeDuration(ctx, now.Sub(time.UnixMilli(ms)))
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, id)
	pipe.HSet(ctx, q.jobKey(id), "status", models.StatusCompleted, "updated_at", now.UnixMilli())
	pipe.HDel(ctx, q.jobKey(id), "last_error")
	pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Retry(ctx context.Context, id string, attempts int, delay time.Duration, lastErr string) error {
	job, err := q.Job(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	next := now.Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, id)
	pipe.HSet(ctx, q.jobKey(id),
		"status", models.StatusWaiting,
		"attempts", attempts,
		"last_error", lastErr,
		"next_run_at", next.UnixMilli(),
		"updated_at", now.UnixMilli())
	if delay > 0 {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(next.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(job.Kind, job.Priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Fail(ctx context.Context, id string, attempts int, lastErr string) error {
	if _, err := q.Job(ctx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, id)
	pipe.HSet(ctx, q.jobKey(id),
		"status", models.StatusFailed,
		"attempts", attempts,
		"last_error", lastErr,
		"updated_at", now.UnixMilli())
	pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return nil
}

// ReclaimStalled transitions jobs whose lease expired. The wasted attempt
// was counted at lease time, so a job with budget left goes straight back
// to its ready list flagged stalled; an exhausted one fails terminally.
func (q *Redis) ReclaimStalled(ctx context.Context, now time.Time) ([]models.Job, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  housekeepingBatch,
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []models.Job
	msg := StallErrorMessage
	for _, id := range ids {
		// Only the caller that removes the lease may transition the job.
		n, err := q.client.ZRem(ctx, inflightKey, id).Result()
		if err != nil {
			return out, err
		}
		if n == 0 {
			continue
		}
		job, err := q.Job(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return out, err
		}

		job.LastError = &msg
		job.UpdatedAt = now
		pipe := q.client.TxPipeline()
		if job.Attempts < job.MaxAttempts {
			job.Status = models.StatusStalled
			job.NextRunAt = now
			pipe.HSet(ctx, q.jobKey(id),
				"status", models.StatusStalled,
				"last_error", msg,
				"next_run_at", now.UnixMilli(),
				"updated_at", now.UnixMilli())
			pipe.RPush(ctx, q.readyKey(job.Kind, job.Priority), id)
			pipe.SAdd(ctx, stalledKey, id)
		} else {
			job.Status = models.StatusFailed
			pipe.HSet(ctx, q.jobKey(id),
				"status", models.StatusFailed,
				"last_error", msg,
				"updated_at", now.UnixMilli())
			pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *Redis) Snapshot(ctx context.Context) (models.QueueSnapshot, error) {
	pipe := q.client.Pipeline()
	llens := make([]*redis.IntCmd, 0, len(models.Kinds)*len(models.Priorities))
	for _, kind := range models.Kinds {
		for _, p := range models.Priorities {
			llens = append(llens, pipe.LLen(ctx, q.readyKey(kind, p)))
		}
	}
	schedCard := pipe.ZCard(ctx, scheduledKey)
	inflCard := pipe.ZCard(ctx, inflightKey)
	doneCard := pipe.ZCard(ctx, completedKey)
	failCard := pipe.ZCard(ctx, failedKey)
	stallCard := pipe.SCard(ctx, stalledKey)
	durs := pipe.LRange(ctx, durationsKey, 0, statsWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueSnapshot{}, fmt.Errorf("snapshot: %w", err)
	}

	var readyTotal int64
	for _, c := range llens {
		readyTotal += c.Val()
	}
	// Stalled jobs sit in ready lists too; count them once.
	waiting := readyTotal + schedCard.Val() - stallCard.Val()
	if waiting < 0 {
		waiting = 0
	}

	snap := models.QueueSnapshot{
		Waiting:   int(waiting),
		Active:    int(inflCard.Val()),
		Completed: int(doneCard.Val()),
		Failed:    int(failCard.Val()),
		Stalled:   int(stallCard.Val()),
	}
	snap.Total = snap.Waiting + snap.Active + snap.Completed + snap.Failed + snap.Stalled
	snap.EstimatedWaitMs = int64(snap.Waiting) * avgMs(durs.Val())
	return snap, nil
}

func (q *Redis) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixMilli()
	pruned := 0
	for _, key := range []string{completedKey, failedKey} {
		for {
			ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:    "-inf",
				Max:    fmt.Sprintf("%d", cutoff),
				Offset: 0,
				Count:  housekeepingBatch,
			}).Result()
			if err != nil {
				return pruned, err
			}
			if len(ids) == 0 {
				break
			}
			for _, id := range ids {
				n, err := q.client.ZRem(ctx, key, id).Result()
				if err != nil {
					return pruned, err
				}
				if n == 0 {
					continue
				}
				if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
					return pruned, err
				}
				pruned++
			}
		}
	}
	return pruned, nil
}

// observeDuration records a processing duration in a capped list shared
// by every worker process. Best effort; snapshots tolerate gaps.
func (q *Redis) observeDuration(ctx context.Context, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, durationsKey, ms)
	pipe.LTrim(ctx, durationsKey, 0, statsWindow-1)
	_, _ = pipe.Exec(ctx)
}

func avgMs(vals []string) int64 {
	var sum, n int64
	for _, v := range vals {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		sum += ms
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

func jobFields(job models.Job) map[string]any {
	f := map[string]any{
		"id":           job.ID,
		"kind":         job.Kind,
		"document_id":  job.DocumentID,
		"priority":     int(job.Priority),
		"status":       job.Status,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"next_run_at":  job.NextRunAt.UnixMilli(),
		"created_at":   job.CreatedAt.UnixMilli(),
		"updated_at":   job.UpdatedAt.UnixMilli(),
	}
	if job.LastError != nil {
		f["last_error"] = *job.LastError
	}
	return f
}

func jobFromFields(f map[string]string) (models.Job, error) {
	if len(f) == 0 {
		return models.Job{}, ErrNotFound
	}
	job := models.Job{
		ID:         f["id"],
		Kind:       f["kind"],
		DocumentID: f["document_id"],
		Status:     f["status"],
		NextRunAt:  msField(f, "next_run_at"),
		CreatedAt:  msField(f, "created_at"),
		UpdatedAt:  msField(f, "updated_at"),
	}
	if v, err := strconv.Atoi(f["priority"]); err == nil {
		job.Priority = models.Priority(v)
	}
	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	if v, ok := f["last_error"]; ok && v != "" {
		job.LastError = &v
	}
	return job, nil
}

func priorityField(v any) models.Priority {
	s, _ := v.(string)
	n, err := strconv.Atoi(s)
	if err != nil {
		return models.PriorityNormal
	}
	return models.Priority(n)
}

func msField(f map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(f[name], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ Queue = (*Redis)(nil)

var leaseScript = redis.NewScript(`
local inflight = KEYS[#KEYS-1]
local stalled = KEYS[#KEYS]
for i=1,#KEYS-2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    redis.call('SREM', stalled, job)
    return job
  end
end
return nil
`)
