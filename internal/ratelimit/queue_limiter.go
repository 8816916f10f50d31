package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"campaign-lifecycle/internal/config"
)

// QueueLimiter holds one bucket per substrate queue, each refilled at that queue's RPS.
// Keys of queues without a cap are always allowed.
type QueueLimiter struct {
	buckets map[string]*TokenBucket
}

// NewQueueLimiter builds buckets for every queue with a positive RPS.
func NewQueueLimiter(client *redis.Client, capacity int, queues ...config.QueueConfig) *QueueLimiter {
	l := &QueueLimiter{buckets: make(map[string]*TokenBucket, len(queues))}
	for _, q := range queues {
		if q.RPS <= 0 {
			continue
		}
		l.buckets[QueueKey(q.Name)] = NewTokenBucket(client, capacity, q.RPS, time.Hour)
	}
	return l
}

// Allow draws from the bucket of the queue behind key.
func (l *QueueLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	b, ok := l.buckets[key]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	return b.Allow(ctx, key)
}
