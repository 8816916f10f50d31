package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/queue"
)

func TestSerializedQueueRunsOneJobAcrossProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := config.Config{
		WorkerPollInterval: 5 * time.Millisecond,
		VisibilityTimeout:  300 * time.Millisecond,
		JobTimeout:         time.Second,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		CleanupQueue:       config.QueueConfig{Name: config.QueueCleanup, Concurrency: 1, Serialized: true},
	}
	q := queue.NewRedisQueue(client, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobs = 4
	for i := 0; i < jobs; i++ {
		_, err := q.Submit(ctx, queue.SubmitParams{
			ID:     fmt.Sprintf("list-maintenance-r%d", i),
			Queue:  config.QueueCleanup,
			Kind:   string(models.StageListMaintenance),
			FireAt: time.Now().Add(-time.Second),
		})
		require.NoError(t, err)
	}

	var active, peak, done int32
	finished := make(chan struct{}, jobs)
	handler := func(context.Context, models.Job) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&done, 1)
		finished <- struct{}{}
		return nil
	}

	var wg sync.WaitGroup
	for _, id := range []string{"worker-a", "worker-b"} {
		p := NewProcessor(cfg, q, nil, nil, id)
		p.SetQueueLock(q)
		p.RegisterHandler(string(models.StageListMaintenance), handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}

	for i := 0; i < jobs; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d jobs", atomic.LoadInt32(&done), jobs)
		}
	}
	cancel()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "cleanup jobs overlapped across processes")
	for i := 0; i < jobs; i++ {
		job, err := q.Status(context.Background(), fmt.Sprintf("list-maintenance-r%d", i))
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, job.State)
	}
}
