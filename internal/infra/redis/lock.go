package redis

import (
	"context"
	"fmt"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var _ repository.SessionLocker = (*RedisLocker)(nil)

// RedisLocker is a single-instance SET NX lease. The lease expires on its
// own after ttl, so a crashed runner cannot wedge a session forever.
type RedisLocker struct {
	cli *redis.Client
}

func NewLocker(c *Client) *RedisLocker {
	return &RedisLocker{cli: c.cli}
}

// TryLock makes one attempt. A held lease yields domain.ErrLockNotAcquired;
// the caller decides whether that is a conflict.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return "", domain.ErrLockNotAcquired
	}
	return token, nil
}

// compare-and-delete: a lease that expired and was taken by another runner
// must survive the late unlock of the previous holder.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := releaseLease.Run(ctx, l.cli, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}
