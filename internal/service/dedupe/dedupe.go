// Package dedupe drops provider notifications that were already delivered.
// It is only a fast path: the order lock and the one-deposit-per-order index stay the source of truth.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "evpay:notification:"
)

// Guard remembers keys of processed notifications
type Guard interface {
	// Mark key as seen. False means some caller marked it before
	CheckAndMark(ctx context.Context, key string) (bool, error)

	// Forget the key so a redelivery is processed again
	Release(ctx context.Context, key string) error
}

// Subset of *redis.Client the guard uses
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisGuard struct {
	client redisStore
	prefix string
	ttl    time.Duration
}

// Keys expire after ttl, default is used if zero
func NewRedisGuard(client redisStore, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisGuard{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (g *RedisGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// In process guard for single instance runs without redis.
// Expired keys are swept at most once per ttl, so the map holds about two ttl of keys.
type MemoryGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryGuard{seen: make(map[string]time.Time), ttl: ttl, lastSweep: time.Now()}
}

func (g *MemoryGuard) CheckAndMark(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.lastSweep) >= g.ttl {
		g.sweep(now)
	}

	if at, ok := g.seen[key]; ok && now.Sub(at) < g.ttl {
		return false, nil
	}
	g.seen[key] = now
	return true, nil
}

func (g *MemoryGuard) sweep(now time.Time) {
	for key, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, key)
		}
	}
	g.lastSweep = now
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.seen, key)
	return nil
}
