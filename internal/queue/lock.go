package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func (q *RedisQueue) lockKey(queue string) string {
	return fmt.Sprintf("%s%s:lock", keyPrefix, queue)
}

// AcquireLock takes the queue's consumer lock for owner. Only one owner across all
// processes holds it; it expires after ttl unless renewed.
func (q *RedisQueue) AcquireLock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.lockKey(queue), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s lock: %w", queue, err)
	}
	return ok, nil
}

// RenewLock extends the lock if owner still holds it.
func (q *RedisQueue) RenewLock(ctx context.Context, queue, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, q.client, []string{q.lockKey(queue)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s lock: %w", queue, err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (q *RedisQueue) ReleaseLock(ctx context.Context, queue, owner string) error {
	if err := releaseLockScript.Run(ctx, q.client, []string{q.lockKey(queue)}, owner).Err(); err != nil {
		return fmt.Errorf("release %s lock: %w", queue, err)
	}
	return nil
}

var renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
