package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// WindowConfig configures one tag of the Redis limiter as a fixed
// counting window, the closest primitive Redis offers without scripting.
type WindowConfig struct {
	// Limit is the number of admissions allowed per window.
	Limit int
	// Window is the counting interval.
	Window time.Duration
}

// WindowFromTag derives a one-minute counting window roughly equivalent
// to a token-bucket tag: sustained rate over the window plus the burst
// capacity.
func WindowFromTag(cfg TagConfig) WindowConfig {
	return WindowConfig{
		Limit:  int(cfg.Rate*60) + int(cfg.Max),
		Window: time.Minute,
	}
}

// RedisLimiter shares admission counts across instances through Redis.
// It fails open: when Redis is unreachable, requests are admitted so the
// collector keeps accepting events.
type RedisLimiter struct {
	client *redis.Client
	tags   map[string]WindowConfig
	prefix string
	onErr  func(error)
}

// NewRedisLimiter creates a Redis-backed admitter. onErr is invoked with
// Redis failures (may be nil).
func NewRedisLimiter(client *redis.Client, tags map[string]WindowConfig, onErr func(error)) *RedisLimiter {
	out := make(map[string]WindowConfig, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return &RedisLimiter{
		client: client,
		tags:   out,
		prefix: "ratelimit",
		onErr:  onErr,
	}
}

// Admit increments the window counter for (tag, identity) and admits
// while the counter stays at or below the tag limit. cost counts as that
// many admissions.
func (rl *RedisLimiter) Admit(ctx context.Context, tag, identity string, cost float64) bool {
	cfg, ok := rl.tags[tag]
	if !ok {
		return true
	}
	if identity == "" {
		identity = AnonymousIdentity
	}

	key := fmt.Sprintf("%s:%s:%s", rl.prefix, tag, identity)

	pipe := rl.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, int64(cost))
	pipe.Expire(ctx, key, cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		if rl.onErr != nil {
			rl.onErr(err)
		}
		return true
	}

	return incr.Val() <= int64(cfg.Limit)
}

// Reset clears the counter for (tag, identity).
func (rl *RedisLimiter) Reset(ctx context.Context, tag, identity string) error {
	if identity == "" {
		identity = AnonymousIdentity
	}
	return rl.client.Del(ctx, fmt.Sprintf("%s:%s:%s", rl.prefix, tag, identity)).Err()
}

// Ping verifies Redis connectivity.
func (rl *RedisLimiter) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}
