// Package ratelimit implements token-bucket admission control keyed by
// (tag, identity). The local limiter keeps buckets in a bounded cache
// with TTL eviction so idle identities do not accumulate; an optional
// Redis-backed limiter shares admission state across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AnonymousIdentity is the shared bucket used when the caller could not
// resolve an identity for a request.
const AnonymousIdentity = "anonymous"

// TagConfig configures the buckets of one admission tag.
type TagConfig struct {
	// Rate is the number of tokens refilled per second.
	Rate float64 `yaml:"rate"`
	// Initial is the token count of a freshly created bucket.
	Initial float64 `yaml:"initial"`
	// Max caps the token count; no bucket ever exceeds it.
	Max float64 `yaml:"max"`
}

// Admitter decides whether a request may proceed. Implementations must
// not mutate any backing store when they reject.
type Admitter interface {
	Admit(ctx context.Context, tag, identity string, cost float64) bool
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter is an in-memory token-bucket admitter.
type Limiter struct {
	mu      sync.RWMutex
	tags    map[string]TagConfig
	buckets *expirable.LRU[string, *bucket]
	now     func() time.Time
}

// New creates a limiter for the given tag table. maxBuckets bounds the
// number of live buckets across all tags and idleTTL drops buckets that
// have not been touched, keeping memory bounded under high identity
// cardinality.
func New(tags map[string]TagConfig, maxBuckets int, idleTTL time.Duration) *Limiter {
	if maxBuckets <= 0 {
		maxBuckets = 8192
	}
	return &Limiter{
		tags:    cloneTags(tags),
		buckets: expirable.NewLRU[string, *bucket](maxBuckets, nil, idleTTL),
		now:     time.Now,
	}
}

func cloneTags(tags map[string]TagConfig) map[string]TagConfig {
	out := make(map[string]TagConfig, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// SetTags replaces the tag table. Existing buckets keep their token
// counts and pick up the new rate on their next refill.
func (l *Limiter) SetTags(tags map[string]TagConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tags = cloneTags(tags)
}

// Tag returns the configuration of one tag.
func (l *Limiter) Tag(tag string) (TagConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.tags[tag]
	return cfg, ok
}

// Admit refills the bucket for (tag, identity) and attempts to spend
// cost tokens. A request for an unconfigured tag is always admitted. An
// empty identity falls back to the tag's shared anonymous bucket.
func (l *Limiter) Admit(_ context.Context, tag, identity string, cost float64) bool {
	l.mu.RLock()
	cfg, ok := l.tags[tag]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	if identity == "" {
		identity = AnonymousIdentity
	}

	b := l.bucketFor(tag+"\x00"+identity, cfg)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * cfg.Rate
		if b.tokens > cfg.Max {
			b.tokens = cfg.Max
		}
		b.last = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

func (l *Limiter) bucketFor(key string, cfg TagConfig) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		// Renew the idle TTL; the cache expires from insertion, so a
		// bucket in steady use would otherwise be dropped and come
		// back with a fresh allocation.
		l.buckets.Add(key, b)
		return b
	}
	b := &bucket{tokens: cfg.Initial, last: l.now()}
	l.buckets.Add(key, b)
	return b
}

// Remaining reports the current token count without spending any. A
// missing bucket reports the tag's initial allocation.
func (l *Limiter) Remaining(tag, identity string) float64 {
	l.mu.RLock()
	cfg, ok := l.tags[tag]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	if identity == "" {
		identity = AnonymousIdentity
	}

	l.mu.Lock()
	b, found := l.buckets.Get(tag + "\x00" + identity)
	l.mu.Unlock()
	if !found {
		return cfg.Initial
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := b.tokens + l.now().Sub(b.last).Seconds()*cfg.Rate
	if tokens > cfg.Max {
		tokens = cfg.Max
	}
	return tokens
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
