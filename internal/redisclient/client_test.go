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

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyNamespaces(t *testing.T) {
	assert.Equal(t, "idempotency:checkout:t1:abc", idempotencyKey("checkout:t1:abc"))
	assert.Equal(t, "lock:cart-expiry", lockKey("cart-expiry"))
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "test:" + uuid.New().String()

	ok, err := c.ReserveIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ReserveIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation loses")

	value, found, err := c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, value)

	require.NoError(t, c.SetIdempotencyKey(ctx, key, "order-1", time.Minute))
	value, _, err = c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "order-1", value)

	require.NoError(t, c.DeleteIdempotencyKey(ctx, key))
	_, found, err = c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLockReleaseChecksOwner(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	name := "test:" + uuid.New().String()

	token, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := c.AcquireLock(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other, "lock is held")

	released, err := c.ReleaseLock(ctx, name, "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = c.ReleaseLock(ctx, name, token)
	require.NoError(t, err)
	assert.True(t, released)
}
