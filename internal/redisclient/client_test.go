package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"commission-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set REDIS_TEST_ADDR)")
	}
	c, err := NewClient(addr, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordSaleIPCountsDistinctResellers(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	ip := "203.0.113." + uuid.NewString()[:4]

	n, err := c.RecordSaleIP(ctx, ip, "r-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.RecordSaleIP(ctx, ip, "r-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.RecordSaleIP(ctx, ip, "r-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestClickWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	reseller := "r-" + uuid.NewString()

	count, err := c.ClickCount(ctx, reseller)
	require.NoError(t, err)
	assert.Zero(t, count)

	for i := 0; i < 3; i++ {
		_, err := c.RecordClick(ctx, reseller, time.Minute)
		require.NoError(t, err)
	}
	count, err = c.ClickCount(ctx, reseller)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestLockOwnership(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	token, ok, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, key, "someone-else"))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release the lock")

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWebhookCacheKeepsSecrets(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.InvalidateWebhooks(ctx))

	_, found, err := c.CachedActiveWebhooks(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	hooks := []models.WebhookSubscription{{ID: "w-1", Secret: "s3cret", Events: []string{"*"}, IsActive: true}}
	require.NoError(t, c.CacheActiveWebhooks(ctx, hooks, time.Minute))

	cached, found, err := c.CachedActiveWebhooks(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cached, 1)
	assert.Equal(t, "s3cret", cached[0].Secret)
}
