package redis

import (
	"context"
	"time"

	"fin-analysis-service/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

var _ repository.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window counter: the window opens on the first hit
// and the key expires with it.
type RateLimiter struct {
	cli *redis.Client
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{cli: c.cli}
}

// Allow counts the call and reports whether it fits under limit. INCR and
// PTTL travel in one pipeline; a counter left without a TTL (crash between
// INCR and PEXPIRE) gets one on the next call instead of living forever.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	// PTTL reports -1 (as a negative duration) for a key without expiry.
	if incr.Val() == 1 || ttl.Val() < 0 {
		if err := r.cli.PExpire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return incr.Val() <= int64(limit), nil
}
