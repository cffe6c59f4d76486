package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T, tags map[string]WindowConfig) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, tags, nil), mr
}

func TestRedisAdmitWithinWindow(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, map[string]WindowConfig{
		"audience": {Limit: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1), "request %d", i)
	}
	assert.False(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
}

func TestRedisIdentitiesAreIsolated(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, map[string]WindowConfig{
		"audience": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
	require.False(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
	assert.True(t, rl.Admit(ctx, "audience", "5.6.7.8", 1))
}

func TestRedisWindowExpires(t *testing.T) {
	rl, mr := newTestRedisLimiter(t, map[string]WindowConfig{
		"audience": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
	require.False(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))

	mr.FastForward(time.Minute + time.Second)
	assert.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
}

func TestRedisUnconfiguredTagAdmits(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, map[string]WindowConfig{})
	assert.True(t, rl.Admit(context.Background(), "unknown", "1.2.3.4", 1))
}

func TestRedisFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var sawErr error
	rl := NewRedisLimiter(client, map[string]WindowConfig{
		"audience": {Limit: 1, Window: time.Minute},
	}, func(err error) { sawErr = err })

	mr.Close()
	assert.True(t, rl.Admit(context.Background(), "audience", "1.2.3.4", 1))
	assert.Error(t, sawErr)
}

func TestRedisReset(t *testing.T) {
	rl, _ := newTestRedisLimiter(t, map[string]WindowConfig{
		"audience": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
	require.False(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
	require.NoError(t, rl.Reset(ctx, "audience", "1.2.3.4"))
	assert.True(t, rl.Admit(ctx, "audience", "1.2.3.4", 1))
}

func TestWindowFromTag(t *testing.T) {
	w := WindowFromTag(TagConfig{Rate: 10, Initial: 20, Max: 60})
	assert.Equal(t, 660, w.Limit)
	assert.Equal(t, time.Minute, w.Window)
}
