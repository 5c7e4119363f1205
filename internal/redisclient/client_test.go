package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - set TEST_REDIS_ADDR to run")
	}

	c, err := NewClient(addr, os.Getenv("TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockOwnership(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	name := "order:test-" + uuid.NewString()

	token, ok, err := c.AcquireLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// a stale token must not free someone else's lock
	require.NoError(t, c.ReleaseLock(ctx, name, "not-the-owner"))
	_, ok, err = c.AcquireLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, name, token))
	_, ok, err = c.AcquireLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyClaimLifecycle(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "checkout:7:" + uuid.NewString()

	token, stored, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Empty(t, stored)

	dup, stored, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, dup, "in-flight duplicate gets no token")
	assert.Empty(t, stored)

	require.NoError(t, c.CompleteIdempotencyKey(ctx, key, token, "42", time.Minute))

	dup, stored, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, dup)
	assert.Equal(t, "42", stored)
}

func TestIdempotencyRelease(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "checkout:7:" + uuid.NewString()

	token, _, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseIdempotencyKey(ctx, key, token))

	again, _, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
}
