package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/billing-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	return c, mr, func() {
		c.Close()
		mr.Close()
	}
}

func TestSetThenExists(t *testing.T) {
	c, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	n, err := c.Exists(ctx, "sched:fired:1:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "key should be absent before Set")

	require.NoError(t, c.Set(ctx, "sched:fired:1:1", "1", time.Hour))

	n, err = c.Exists(ctx, "sched:fired:1:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "key should be present after Set")
}

func TestExpiredKeyNoLongerExists(t *testing.T) {
	c, mr, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "sched:fired:2:1", "1", 10*time.Millisecond))
	// miniredis only expires keys when its clock is advanced explicitly.
	mr.FastForward(50 * time.Millisecond)

	n, err := c.Exists(ctx, "sched:fired:2:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "expired key should no longer exist")
}

func TestIncrAndIncrBy(t *testing.T) {
	c, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	v, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = c.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

func TestDelete(t *testing.T) {
	c, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, c.Delete(ctx, "k"))

	n, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "key should be gone after Delete")
}

func TestHealth(t *testing.T) {
	c, _, cleanup := setupTestCache(t)
	defer cleanup()
	assert.NoError(t, c.Health(context.Background()))
}
