package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// IncrWindow increments a fixed-window counter and returns the count within
// the current window. The expiry is set only when the key is created.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			return count, fmt.Errorf("rate limit expire failed: %w", err)
		}
	}
	return count, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
