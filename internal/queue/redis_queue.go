package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

const keyPrefix = "queue:"

// RedisQueue coordinates ready, in-flight, and scheduled job sets per named queue in Redis.
// Every job has a record hash keyed by its id; the record's existence is what makes
// submission idempotent.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	retention     time.Duration
	now           func() time.Time
}

// NewRedisClient builds the single Redis client a process shares.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	retention := cfg.CompletedRetention
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		retention:     retention,
		now:           time.Now,
	}
}

func (q *RedisQueue) readyKey(queue string) string {
	return fmt.Sprintf("%s%s:ready", keyPrefix, queue)
}

func (q *RedisQueue) scheduledKey(queue string) string {
	return fmt.Sprintf("%s%s:scheduled", keyPrefix, queue)
}

func (q *RedisQueue) inflightKey(queue string) string {
	return fmt.Sprintf("%s%s:inflight", keyPrefix, queue)
}

func (q *RedisQueue) dlqKey(queue string) string {
	return fmt.Sprintf("%s%s:dlq", keyPrefix, queue)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return keyPrefix + "job:" + jobID
}

// SubmitParams describes a job to schedule.
type SubmitParams struct {
	ID          string
	Queue       string
	Kind        string
	Payload     any
	FireAt      time.Time
	MaxAttempts int
}

// Submit schedules a job to fire at p.FireAt. A fire time in the past is clamped to now.
// It returns false when a job with the same id already exists; the existing job is untouched.
func (q *RedisQueue) Submit(ctx context.Context, p SubmitParams) (bool, error) {
	if p.ID == "" || p.Queue == "" {
		return false, errs.Validation("job id and queue are required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now()
	fireAt := p.FireAt
	due := "0"
	if !fireAt.After(now) {
		fireAt = now
		due = "1"
	}

	keys := []string{q.metaKey(p.ID), q.scheduledKey(p.Queue), q.readyKey(p.Queue)}
	res, err := submitScript.Run(ctx, q.client, keys,
		p.ID, p.Queue, p.Kind, string(payload), p.MaxAttempts,
		fireAt.UnixMilli(), now.UnixMilli(), due,
	).Int()
	if err != nil {
		return false, fmt.Errorf("submit job %s: %w", p.ID, err)
	}
	return res == 1, nil
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.scheduledKey(queue), q.readyKey(queue)},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DequeueWithLease pops the next ready job and places it in-flight with a visibility timeout.
// It returns ok=false when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string) (models.Job, bool, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(queue), q.inflightKey(queue)},
		now.Add(q.visibilityTTL).UnixMilli(), now.UnixMilli(), q.metaKey(""),
	).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Status(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(job.Queue), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Complete releases the lease and keeps the record as a tombstone for the retention period
// so the same id can never be scheduled again while it is retained.
func (q *RedisQueue) Complete(ctx context.Context, job models.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(job.Queue), job.ID)
	pipe.HSet(ctx, q.metaKey(job.ID),
		"state", string(models.JobCompleted),
		"last_error", "",
		"updated_at", q.now().UnixMilli(),
	)
	pipe.Expire(ctx, q.metaKey(job.ID), q.retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and reschedules the job for runAt.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(job.Queue), job.ID)
	pipe.HSet(ctx, q.metaKey(job.ID),
		"state", string(models.JobPending),
		"last_error", lastErr,
		"fire_at", runAt.UnixMilli(),
		"updated_at", q.now().UnixMilli(),
	)
	pipe.ZAdd(ctx, q.scheduledKey(job.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// Release hands a leased job back without charging the attempt it was dequeued with.
// It is due again immediately.
func (q *RedisQueue) Release(ctx context.Context, job models.Job, reason string) error {
	now := q.now()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(job.Queue), job.ID)
	if job.Attempts > 0 {
		pipe.HIncrBy(ctx, q.metaKey(job.ID), "attempts", -1)
	}
	pipe.HSet(ctx, q.metaKey(job.ID),
		"state", string(models.JobPending),
		"last_error", reason,
		"fire_at", now.UnixMilli(),
		"updated_at", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.scheduledKey(job.Queue), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// Fail releases the lease, marks the job failed and pushes it to the queue's dead-letter list.
func (q *RedisQueue) Fail(ctx context.Context, job models.Job, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(job.Queue), job.ID)
	pipe.HSet(ctx, q.metaKey(job.ID),
		"state", string(models.JobFailed),
		"last_error", lastErr,
		"updated_at", q.now().UnixMilli(),
	)
	pipe.RPush(ctx, q.dlqKey(job.Queue), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueFailed moves a dead-lettered job back to the ready list with a fresh attempt budget.
func (q *RedisQueue) RequeueFailed(ctx context.Context, jobID string) error {
	job, err := q.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobFailed {
		return errs.Conflict("job %s is %s, not failed", jobID, job.State)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey(job.Queue), 0, jobID)
	pipe.HSet(ctx, q.metaKey(jobID),
		"state", string(models.JobPending),
		"attempts", 0,
		"updated_at", q.now().UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey(job.Queue), jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, returning them to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey(queue), q.readyKey(queue)},
		now.UnixMilli(), limit, q.metaKey(""),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Cancel removes a job that has not started. Completed jobs keep their record and
// running jobs are left to finish.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (models.CancelOutcome, error) {
	res, err := cancelScript.Run(ctx, q.client, []string{q.metaKey(jobID)}, jobID, keyPrefix).Text()
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return models.CancelOutcome(res), nil
}

// Purge forgets a finished job so its id can be scheduled again. Pending and
// running jobs are left alone and reported as not purged.
func (q *RedisQueue) Purge(ctx context.Context, jobID string) (bool, error) {
	n, err := purgeScript.Run(ctx, q.client, []string{q.metaKey(jobID)}, jobID, keyPrefix).Int()
	if err != nil {
		return false, fmt.Errorf("purge job %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Status reads a job record.
func (q *RedisQueue) Status(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, errs.ErrNotFound)
	}
	return jobFromHash(fields), nil
}

// DLQPeek reads the oldest dead-lettered job IDs of a queue.
func (q *RedisQueue) DLQPeek(ctx context.Context, queue string, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(queue), 0, count-1).Result()
}

// ReadyDepth returns the length of a queue's ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queue)).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func jobFromHash(f map[string]string) models.Job {
	job := models.Job{
		ID:          f["id"],
		Queue:       f["queue"],
		Kind:        f["kind"],
		Payload:     json.RawMessage(f["payload"]),
		State:       models.JobState(f["state"]),
		Attempts:    atoi(f["attempts"]),
		MaxAttempts: atoi(f["max_attempts"]),
		FireAt:      msTime(f["fire_at"]),
		CreatedAt:   msTime(f["created_at"]),
		UpdatedAt:   msTime(f["updated_at"]),
	}
	if v := f["last_error"]; v != "" {
		job.LastError = &v
	}
	return job
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var submitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'kind', ARGV[3], 'payload', ARGV[4],
  'state', 'pending', 'attempts', 0, 'max_attempts', ARGV[5],
  'fire_at', ARGV[6], 'created_at', ARGV[7], 'updated_at', ARGV[7])
if ARGV[8] == '1' then
  redis.call('RPUSH', KEYS[3], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
end
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local meta = ARGV[3] .. id
  if redis.call('HGET', meta, 'state') == 'pending' then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', meta, 'state', 'running', 'updated_at', ARGV[2])
    redis.call('HINCRBY', meta, 'attempts', 1)
    return id
  end
end
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  if redis.call('EXISTS', ARGV[3] .. id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    redis.call('HSET', ARGV[3] .. id, 'state', 'pending')
  end
end
return ids
`)

var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'not_found'
end
if state == 'completed' then
  return 'already_fired'
end
if state == 'running' then
  return 'running'
end
local q = redis.call('HGET', KEYS[1], 'queue')
local prefix = ARGV[2] .. q
redis.call('LREM', prefix .. ':ready', 0, ARGV[1])
redis.call('ZREM', prefix .. ':scheduled', ARGV[1])
redis.call('LREM', prefix .. ':dlq', 0, ARGV[1])
redis.call('DEL', KEYS[1])
return 'removed'
`)

var purgeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'completed' and state ~= 'failed' then
  return 0
end
local q = redis.call('HGET', KEYS[1], 'queue')
redis.call('LREM', ARGV[2] .. q .. ':dlq', 0, ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)
