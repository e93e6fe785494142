package quota

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseCounter runs the shared Counter contract against c.
func exerciseCounter(t *testing.T, c Counter, name string) {
	ctx := context.Background()

	_, err := c.Remaining(ctx, name)
	require.ErrorIs(t, err, ErrUnknownSource)
	_, err = c.TryConsume(ctx, name, 1)
	require.ErrorIs(t, err, ErrUnknownSource)

	require.NoError(t, c.Seed(ctx, name, 1000))
	require.NoError(t, c.Seed(ctx, name, 5), "seeding an existing counter keeps it")

	ok, err := c.TryConsume(ctx, name, 400)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryConsume(ctx, name, 700)
	require.NoError(t, err)
	assert.False(t, ok, "consume beyond the remaining units is refused")

	v, err := c.Remaining(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(600), v)

	require.NoError(t, c.Restore(ctx, name, 100))
	v, err = c.Remaining(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(700), v)

	// Concurrent consumers never overdraw the counter.
	require.NoError(t, c.Reset(ctx, name, 50))
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, err := c.TryConsume(ctx, name, 1); err == nil && ok {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), granted.Load())
	v, err = c.Remaining(ctx, name)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestMemoryCounter(t *testing.T) {
	exerciseCounter(t, NewMemoryCounter(), "cloud")
}

func TestMemoryCounter_RejectsNonPositive(t *testing.T) {
	c := NewMemoryCounter()
	require.NoError(t, c.Reset(context.Background(), "cloud", 10))

	ok, err := c.TryConsume(context.Background(), "cloud", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRedisCounter runs against a live server when QUOTA_TEST_REDIS_ADDR is set.
func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("QUOTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTA_TEST_REDIS_ADDR not set")
	}

	c, err := DialRedis(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	name := "test-" + uuid.NewString()
	t.Cleanup(func() { c.rdb.Del(context.Background(), key(name)) })
	exerciseCounter(t, c, name)
}
