package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/complete_claim.lua
var completeClaimScript string

const pendingPrefix = "pending:"

type Client struct {
	rdb            *redis.Client
	releaseScript  *redis.Script
	completeScript *redis.Script
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

	return New(rdb), nil
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		completeScript: redis.NewScript(completeClaimScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string { return "idempotency:" + key }
func lockKey(name string) string       { return "lock:" + name }

// ClaimIdempotencyKey reserves key for the caller and returns an owner
// token. When the key is already taken the token is empty and stored holds
// the recorded result, or "" while the first request is still running.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (token, stored string, err error) {
	token = uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, idempotencyKey(key), pendingPrefix+token, ttl).Result()
	if err != nil {
		return "", "", fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return token, "", nil
	}

	val, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as in flight and let the client retry
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read idempotency key: %w", err)
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return "", "", nil
	}
	return "", val, nil
}

// CompleteIdempotencyKey records result for a key the caller still owns.
func (c *Client) CompleteIdempotencyKey(ctx context.Context, key, token, result string, ttl time.Duration) error {
	_, err := c.completeScript.Run(ctx, c.rdb, []string{idempotencyKey(key)},
		pendingPrefix+token, result, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey frees a claim so a failed request can be retried.
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, pendingPrefix+token).Result()
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock. ok is false when another owner
// holds it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it.
func (c *Client) ReleaseLock(ctx context.Context, name, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
