package redis

import (
	"context"
	"time"

	"fin-analysis-service/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client owns the go-redis connection pool shared by every store in this
// package. Stores reach into cli directly; transactions need the full API.
type Client struct {
	cli *redis.Client
}

// NewClient dials cfg.URL and fails fast when the server does not answer a PING.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		// WATCH retries in the session store hold a connection each.
		PoolSize:     32,
		MinIdleConns: 2,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Client{cli: c}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(c *redis.Client) *Client { return &Client{cli: c} }

func (c *Client) Raw() *redis.Client { return c.cli }

// Ping backs the /health probe.
func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

func (c *Client) Close() error { return c.cli.Close() }
