package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/ratelimit"
	"campaign-lifecycle/internal/telemetry"
)

// JobQueue is the substrate surface the processor consumes.
type JobQueue interface {
	PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, queue string) (models.Job, bool, error)
	Complete(ctx context.Context, job models.Job) error
	Retry(ctx context.Context, job models.Job, runAt time.Time, lastErr string) error
	Release(ctx context.Context, job models.Job, reason string) error
	Fail(ctx context.Context, job models.Job, lastErr string) error
	ReadyDepth(ctx context.Context, queue string) (int64, error)
}

// Limiter caps dequeues per queue.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// QueueLock serializes a queue across worker processes.
type QueueLock interface {
	AcquireLock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, queue, owner string) error
}

// Auditor records job transitions for later inspection.
type Auditor interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Handler executes a job of a given kind.
type Handler func(ctx context.Context, job models.Job) error

// FailureHook is called once a job is dead-lettered.
type FailureHook func(ctx context.Context, job models.Job, err error)

// Processor drives the worker execution loops, one pool per queue.
type Processor struct {
	cfg          config.Config
	queue        JobQueue
	limiter      Limiter
	auditor      Auditor
	lock         QueueLock
	queues       []config.QueueConfig
	handlers     map[string]Handler
	onDeadLetter FailureHook
	workerID     string
	lockOwner    string
	log          *zap.Logger
	now          func() time.Time
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(cfg config.Config, q JobQueue, limiter Limiter, log *zap.Logger, workerID string) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		queue:     q,
		limiter:   limiter,
		queues:    []config.QueueConfig{cfg.StageQueue, cfg.CleanupQueue, cfg.NotifyQueue},
		handlers:  make(map[string]Handler),
		workerID:  workerID,
		lockOwner: workerID + "-" + uuid.NewString(),
		log:       log.With(zap.String("worker_id", workerID)),
		now:       time.Now,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// SetAuditor enables per-transition audit rows.
func (p *Processor) SetAuditor(a Auditor) {
	p.auditor = a
}

// SetQueueLock enables the cross-process lock for serialized queues. Without it a
// serialized queue is only serialized within this process.
func (p *Processor) SetQueueLock(l QueueLock) {
	p.lock = l
}

// OnDeadLetter registers a hook that surfaces terminal failures.
func (p *Processor) OnDeadLetter(hook FailureHook) {
	p.onDeadLetter = hook
}

// Run starts every queue pool and blocks until the context is cancelled.
// In-flight jobs run to completion before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, qc := range p.queues {
		if qc.Name == "" {
			continue
		}
		qc := qc
		if qc.Concurrency <= 0 || qc.Serialized {
			qc.Concurrency = 1
		}
		g.Go(func() error {
			p.maintain(gctx, qc.Name)
			return nil
		})
		for i := 0; i < qc.Concurrency; i++ {
			g.Go(func() error {
				p.consume(gctx, qc)
				return nil
			})
		}
		p.log.Info("queue pool started",
			zap.String("queue", qc.Name),
			zap.Int("concurrency", qc.Concurrency),
			zap.Float64("rps", qc.RPS),
		)
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// maintain promotes due jobs and reclaims expired leases for one queue.
func (p *Processor) maintain(ctx context.Context, queue string) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		now := p.now()
		if _, err := p.queue.PromoteScheduled(ctx, queue, now, int64(p.batchSize())); err != nil && ctx.Err() == nil {
			p.log.Warn("promote scheduled failed", zap.String("queue", queue), zap.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, queue, now, 100); err == nil && len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", zap.String("queue", queue), zap.Strings("job_ids", reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx, queue); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(queue).Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) batchSize() int {
	if p.cfg.ScheduledBatchSize > 0 {
		return p.cfg.ScheduledBatchSize
	}
	return 100
}

// consume is one worker slot of a queue pool.
func (p *Processor) consume(ctx context.Context, qc config.QueueConfig) {
	for {
		if ctx.Err() != nil {
			return
		}

		if qc.Serialized && p.lock != nil {
			if !p.acquire(ctx, qc.Name) {
				sleep(ctx, p.cfg.WorkerPollInterval)
				continue
			}
			stop := p.holdLock(qc.Name)
			more := p.consumeOne(ctx, qc)
			stop()
			if !more {
				return
			}
			continue
		}
		if !p.consumeOne(ctx, qc) {
			return
		}
	}
}

// consumeOne dequeues and runs at most one job. It returns false once the worker
// should stop.
func (p *Processor) consumeOne(ctx context.Context, qc config.QueueConfig) bool {
	job, ok, err := p.queue.DequeueWithLease(ctx, qc.Name)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("dequeue failed", zap.String("queue", qc.Name), zap.Error(err))
		}
		sleep(ctx, p.cfg.WorkerPollInterval)
		return true
	}
	if !ok {
		sleep(ctx, p.cfg.WorkerPollInterval)
		return true
	}

	if !p.waitForToken(ctx, qc) {
		// Shutting down with a leased job: hand it back for another worker.
		p.finish(job, func(fctx context.Context) error {
			return p.queue.Release(fctx, job, "worker shutdown before start")
		})
		return false
	}
	p.process(ctx, job)
	return true
}

func (p *Processor) lockTTL() time.Duration {
	if p.cfg.VisibilityTimeout > 0 {
		return p.cfg.VisibilityTimeout
	}
	return 30 * time.Second
}

func (p *Processor) acquire(ctx context.Context, queue string) bool {
	ok, err := p.lock.AcquireLock(ctx, queue, p.lockOwner, p.lockTTL())
	if err != nil && ctx.Err() == nil {
		p.log.Warn("acquire queue lock failed", zap.String("queue", queue), zap.Error(err))
	}
	return ok
}

// holdLock renews the queue lock until the returned stop func is called, then
// releases it.
func (p *Processor) holdLock(queue string) (stop func()) {
	ttl := p.lockTTL()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		every := ttl / 3
		if every <= 0 {
			every = ttl
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := p.lock.RenewLock(ctx, queue, p.lockOwner, ttl)
				switch {
				case err != nil && ctx.Err() == nil:
					p.log.Warn("renew queue lock failed", zap.String("queue", queue), zap.Error(err))
				case err == nil && !held:
					p.log.Error("queue lock lost while running", zap.String("queue", queue))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := p.lock.ReleaseLock(rctx, queue, p.lockOwner); err != nil {
			p.log.Warn("release queue lock failed", zap.String("queue", queue), zap.Error(err))
		}
	}
}

// waitForToken blocks until the queue's rate cap admits one job. It returns false
// if the context ends first.
func (p *Processor) waitForToken(ctx context.Context, qc config.QueueConfig) bool {
	if qc.RPS <= 0 || p.limiter == nil {
		return true
	}
	for {
		d, err := p.limiter.Allow(ctx, ratelimit.QueueKey(qc.Name))
		if err != nil {
			// Fail open: the cap protects the provider, not correctness.
			p.log.Warn("rate limiter unavailable", zap.String("queue", qc.Name), zap.Error(err))
			return ctx.Err() == nil
		}
		if d.Allowed {
			return true
		}
		telemetry.RateLimitWaits.WithLabelValues(qc.Name).Inc()
		wait := d.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if !sleep(ctx, wait) {
			return false
		}
	}
}

// process runs one leased job and settles it: complete, retry with backoff, or dead-letter.
func (p *Processor) process(ctx context.Context, job models.Job) {
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempts),
	)
	telemetry.InFlightGauge.WithLabelValues(job.Queue).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(job.Queue).Dec()

	err := p.runJob(ctx, job)

	switch {
	case err == nil:
		p.finish(job, func(fctx context.Context) error { return p.queue.Complete(fctx, job) })
		p.audit(job, "succeeded", "worker completed job")
		telemetry.JobsCompleted.WithLabelValues(job.Queue).Inc()
		log.Info("job completed")

	case errors.Is(err, errs.ErrStateConflict):
		p.finish(job, func(fctx context.Context) error { return p.queue.Complete(fctx, job) })
		p.audit(job, "succeeded", err.Error())
		telemetry.JobsCompleted.WithLabelValues(job.Queue).Inc()
		log.Info("job already done", zap.String("reason", err.Error()))

	case ctx.Err() != nil:
		// Shutdown interrupted the handler; the attempt does not count against the job.
		p.finish(job, func(fctx context.Context) error {
			return p.queue.Release(fctx, job, "interrupted by worker shutdown")
		})
		log.Warn("job interrupted by shutdown", zap.Error(err))

	case errs.IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		p.finish(job, func(fctx context.Context) error { return p.queue.Fail(fctx, job, err.Error()) })
		p.audit(job, "dead_letter", err.Error())
		telemetry.JobsDeadLetter.WithLabelValues(job.Queue).Inc()
		log.Error("job dead-lettered", zap.Bool("permanent", errs.IsPermanent(err)), zap.Error(err))
		if p.onDeadLetter != nil {
			p.onDeadLetter(context.WithoutCancel(ctx), job, err)
		}

	default:
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts)
		nextRun := p.now().Add(backoff)
		p.finish(job, func(fctx context.Context) error { return p.queue.Retry(fctx, job, nextRun, err.Error()) })
		p.audit(job, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d err=%s", nextRun.UTC().Format(time.RFC3339), job.Attempts, err))
		telemetry.JobsRetried.WithLabelValues(job.Queue).Inc()
		log.Warn("job failed, retry scheduled", zap.Duration("backoff", backoff), zap.Error(err))
	}
}

// runJob executes the handler for the job kind with the per-attempt timeout.
func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return errs.Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// finish settles a job even when the run context is already cancelled.
func (p *Processor) finish(job models.Job, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.log.Error("settle job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) audit(job models.Job, event, detail string) {
	if p.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := models.AuditLog{JobID: job.ID, Stage: job.Kind, Event: event, Detail: detail, Recorded: p.now()}
	if err := p.auditor.AppendAudit(ctx, entry); err != nil {
		p.log.Warn("append audit failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// sleep waits for d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
