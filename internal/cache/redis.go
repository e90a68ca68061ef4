package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deal-service/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client.
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

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetFeeStructure reads a cached fee structure. Returns nil on miss.
func (c *Client) GetFeeStructure(ctx context.Context, orgID string) (*models.FeeStructure, error) {
	raw, err := c.rdb.Get(ctx, "fees:"+orgID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var fs models.FeeStructure
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("corrupt cached fee structure: %w", err)
	}
	return &fs, nil
}

// SetFeeStructure caches a fee structure with TTL.
func (c *Client) SetFeeStructure(ctx context.Context, orgID string, fs *models.FeeStructure, ttl time.Duration) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, "fees:"+orgID, raw, ttl).Err()
}

// MarkIdempotencyKey records a seen-key marker with TTL. The database record
// stays authoritative; the marker exists for operational visibility.
func (c *Client) MarkIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Set(ctx, "idempotency:"+key, "1", ttl).Err()
}

// AcquireLock acquires a distributed lock; used to keep horizontally scaled
// sweep instances from racing.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, "1", ttl).Result()
}

// ReleaseLock releases a distributed lock.
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, "lock:"+lockKey).Err()
}
