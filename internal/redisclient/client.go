package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"commission-engine/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/record_sale_ip.lua
var recordSaleIPScript string

//go:embed scripts/record_click.lua
var recordClickScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const activeWebhooksKey = "webhooks:active"

type Client struct {
	rdb           *redis.Client
	saleIPScript  *redis.Script
	clickScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		saleIPScript:  redis.NewScript(recordSaleIPScript),
		clickScript:   redis.NewScript(recordClickScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RecordSaleIP adds resellerID to the set of resellers seen selling from ip and
// returns the size of that set
func (c *Client) RecordSaleIP(ctx context.Context, ip, resellerID string, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("fraud:ip:%s", ip)

	result, err := c.saleIPScript.Run(ctx, c.rdb, []string{key}, resellerID, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("record sale ip script failed: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}
	return n, nil
}

// IPResellerCount returns how many distinct resellers have sold from ip
func (c *Client) IPResellerCount(ctx context.Context, ip string) (int64, error) {
	return c.rdb.SCard(ctx, fmt.Sprintf("fraud:ip:%s", ip)).Result()
}

// RecordClick counts an affiliate click for resellerID within the rolling window
func (c *Client) RecordClick(ctx context.Context, resellerID string, window time.Duration) (int64, error) {
	key := fmt.Sprintf("fraud:clicks:%s", resellerID)

	result, err := c.clickScript.Run(ctx, c.rdb, []string{key}, int64(window.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("record click script failed: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}
	return n, nil
}

// ClickCount returns the clicks recorded for resellerID in the current window
func (c *Client) ClickCount(ctx context.Context, resellerID string) (int64, error) {
	n, err := c.rdb.Get(ctx, fmt.Sprintf("fraud:clicks:%s", resellerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// CachedActiveWebhooks returns the cached active subscriptions, if present
func (c *Client) CachedActiveWebhooks(ctx context.Context) ([]models.WebhookSubscription, bool, error) {
	data, err := c.rdb.Get(ctx, activeWebhooksKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var hooks []models.WebhookSubscription
	if err := json.Unmarshal(data, &hooks); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached webhooks: %w", err)
	}
	return hooks, true, nil
}

// CacheActiveWebhooks stores the active subscriptions, secrets included, for ttl
func (c *Client) CacheActiveWebhooks(ctx context.Context, hooks []models.WebhookSubscription, ttl time.Duration) error {
	data, err := json.Marshal(hooks)
	if err != nil {
		return fmt.Errorf("failed to encode webhooks: %w", err)
	}
	return c.rdb.Set(ctx, activeWebhooksKey, data, ttl).Err()
}

// InvalidateWebhooks drops the subscription cache
func (c *Client) InvalidateWebhooks(ctx context.Context) error {
	return c.rdb.Del(ctx, activeWebhooksKey).Err()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// GetIdempotencyKey returns the value stored under an idempotency key
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// AcquireLock acquires a distributed lock and returns the owner token
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
