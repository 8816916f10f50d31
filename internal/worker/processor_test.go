package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/errs"
	"campaign-lifecycle/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b20 := backoffWithJitter(base, max, 20)
	if b20 < max/2 || b20 > max {
		t.Fatalf("backoff must be capped at max, got %s", b20)
	}
}

type fakeQueue struct {
	mu        sync.Mutex
	ready     map[string][]models.Job
	completed []string
	failed    map[string]string
	retried   map[string]time.Time
	released  map[string]int
	settled   chan string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		ready:    make(map[string][]models.Job),
		failed:   make(map[string]string),
		retried:  make(map[string]time.Time),
		released: make(map[string]int),
		settled:  make(chan string, 16),
	}
}

func (f *fakeQueue) push(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[job.Queue] = append(f.ready[job.Queue], job)
}

func (f *fakeQueue) PromoteScheduled(context.Context, string, time.Time, int64) (int, error) {
	return 0, nil
}

func (f *fakeQueue) RequeueExpired(context.Context, string, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeQueue) DequeueWithLease(_ context.Context, queue string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.ready[queue]
	if len(jobs) == 0 {
		return models.Job{}, false, nil
	}
	job := jobs[0]
	f.ready[queue] = jobs[1:]
	job.Attempts++
	job.State = models.JobRunning
	return job, true, nil
}

func (f *fakeQueue) Complete(_ context.Context, job models.Job) error {
	f.mu.Lock()
	f.completed = append(f.completed, job.ID)
	f.mu.Unlock()
	f.settled <- job.ID
	return nil
}

func (f *fakeQueue) Retry(_ context.Context, job models.Job, runAt time.Time, _ string) error {
	f.mu.Lock()
	f.retried[job.ID] = runAt
	f.mu.Unlock()
	f.settled <- job.ID
	return nil
}

func (f *fakeQueue) Release(_ context.Context, job models.Job, _ string) error {
	f.mu.Lock()
	f.released[job.ID] = job.Attempts - 1
	f.mu.Unlock()
	f.settled <- job.ID
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, job models.Job, lastErr string) error {
	f.mu.Lock()
	f.failed[job.ID] = lastErr
	f.mu.Unlock()
	f.settled <- job.ID
	return nil
}

func (f *fakeQueue) ReadyDepth(_ context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.ready[queue])), nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		JobTimeout:         time.Second,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		StageQueue:         config.QueueConfig{Name: config.QueueStages, Concurrency: 2},
		CleanupQueue:       config.QueueConfig{Name: config.QueueCleanup, Concurrency: 1},
	}
}

func leased(id, kind string, attempts, max int) models.Job {
	return models.Job{ID: id, Queue: config.QueueStages, Kind: kind, State: models.JobRunning, Attempts: attempts, MaxAttempts: max}
}

func TestProcessSettlesByOutcome(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		handler   Handler
		attempts  int
		completed bool
		failed    bool
		retried   bool
	}{
		{name: "success", handler: func(context.Context, models.Job) error { return nil }, attempts: 1, completed: true},
		{name: "state conflict counts as done", handler: func(context.Context, models.Job) error {
			return errs.Conflict("round already sent")
		}, attempts: 1, completed: true},
		{name: "transient retries", handler: func(context.Context, models.Job) error {
			return errs.Transient("provider timeout")
		}, attempts: 1, retried: true},
		{name: "permanent dead-letters on first attempt", handler: func(context.Context, models.Job) error {
			return errs.Validation("template ref missing")
		}, attempts: 1, failed: true},
		{name: "attempts exhausted dead-letters", handler: func(context.Context, models.Job) error {
			return errors.New("boom")
		}, attempts: 3, failed: true},
		{name: "panic is retried", handler: func(context.Context, models.Job) error {
			panic("nil map")
		}, attempts: 1, retried: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := newFakeQueue()
			p := NewProcessor(testConfig(), q, nil, nil, "test")
			p.now = func() time.Time { return now }
			p.RegisterHandler("launch", tc.handler)

			var dead []string
			p.OnDeadLetter(func(_ context.Context, job models.Job, _ error) { dead = append(dead, job.ID) })

			p.process(context.Background(), leased("launch-r1", "launch", tc.attempts, 3))

			assert.Equal(t, tc.completed, len(q.completed) == 1, "completed")
			assert.Equal(t, tc.failed, len(q.failed) == 1, "failed")
			assert.Equal(t, tc.retried, len(q.retried) == 1, "retried")
			assert.Equal(t, tc.failed, len(dead) == 1, "dead-letter hook")
			if tc.retried {
				assert.True(t, q.retried["launch-r1"].After(now), "retry must be scheduled in the future")
			}
		})
	}
}

func TestInterruptedJobIsReleasedUncharged(t *testing.T) {
	q := newFakeQueue()
	p := NewProcessor(testConfig(), q, nil, nil, "test")
	ctx, cancel := context.WithCancel(context.Background())
	p.RegisterHandler("wrap-up", func(ctx context.Context, _ models.Job) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	p.process(ctx, leased("wrap-up-r1", "wrap-up", 2, 3))

	require.Contains(t, q.released, "wrap-up-r1")
	assert.Equal(t, 1, q.released["wrap-up-r1"])
	assert.Empty(t, q.retried)
	assert.Empty(t, q.failed)
}

func TestUnknownKindIsDeadLettered(t *testing.T) {
	q := newFakeQueue()
	p := NewProcessor(testConfig(), q, nil, nil, "test")

	p.process(context.Background(), leased("mystery-r1", "mystery", 1, 3))

	require.Contains(t, q.failed, "mystery-r1")
	assert.Contains(t, q.failed["mystery-r1"], "no handler registered")
}

func TestRunDrainsEveryQueueAndStops(t *testing.T) {
	q := newFakeQueue()
	q.push(models.Job{ID: "launch-r1", Queue: config.QueueStages, Kind: "launch", MaxAttempts: 3})
	q.push(models.Job{ID: "list-maintenance-r1", Queue: config.QueueCleanup, Kind: "list-maintenance", MaxAttempts: 3})

	p := NewProcessor(testConfig(), q, nil, nil, "test")
	var mu sync.Mutex
	seen := map[string]bool{}
	record := func(_ context.Context, job models.Job) error {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil
	}
	p.RegisterHandler("launch", record)
	p.RegisterHandler("list-maintenance", record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-q.settled:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d", i+1)
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["launch-r1"])
	assert.True(t, seen["list-maintenance-r1"])
	assert.ElementsMatch(t, []string{"launch-r1", "list-maintenance-r1"}, q.completed)
}
