package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterLocalWindow(t *testing.T) {
	l := NewLimiter(nil)
	t.Cleanup(l.Stop)

	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("AllowsUpToLimit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow(ctx, "test", "k1", 3, time.Minute))
		}
		assert.False(t, l.Allow(ctx, "test", "k1", 3, time.Minute))
	})

	t.Run("WindowSlides", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		assert.True(t, l.Allow(ctx, "test", "k1", 3, time.Minute))
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		assert.True(t, l.Allow(ctx, "test", "k2", 3, time.Minute))
	})

	t.Run("ReapDropsIdleKeys", func(t *testing.T) {
		now = now.Add(3 * Window)
		l.reapOnce()
		l.mu.Lock()
		n := len(l.hits)
		l.mu.Unlock()
		assert.Zero(t, n)
	})
}

func TestLimiterRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewLimiter(rdb)
	t.Cleanup(l.Stop)
	ctx := context.Background()

	for i := 0; i < ConnectionLimit; i++ {
		assert.True(t, l.AllowConnection(ctx, "10.0.0.1"))
	}
	assert.False(t, l.AllowConnection(ctx, "10.0.0.1"))

	t.Run("CounterExpiresWithWindow", func(t *testing.T) {
		mr.FastForward(Window + time.Second)
		assert.True(t, l.AllowConnection(ctx, "10.0.0.1"))
	})

	t.Run("MessageLimitIsPerHandle", func(t *testing.T) {
		for i := 0; i < MessageLimit; i++ {
			require.True(t, l.AllowMessage(ctx, "ada"))
		}
		assert.False(t, l.AllowMessage(ctx, "ada"))
		assert.True(t, l.AllowMessage(ctx, "grace"))
	})
}
