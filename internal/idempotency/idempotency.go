// Package idempotency provides a short-lived "have I seen this key before"
// store used to dedupe order submissions. It
// prefers Redis so dedup state survives a process restart and is shared
// across replicas; with no REDIS_URL configured it falls back to an
// in-process TTL cache, which is sufficient for a single instance.
package idempotency

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/investment-core/infrastructure/cache"
	"github.com/r3e-network/investment-core/infrastructure/logging"
)

// Store reserves idempotency keys. Reserve returns true the first time a
// key is seen within ttl, and false on every subsequent call for that key
// until it expires.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// New returns a Redis-backed Store when redisURL is non-empty, otherwise an
// in-process store.
func New(redisURL string, logger *logging.Logger) Store {
	if redisURL == "" {
		return NewMemoryStore()
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		if logger != nil {
			logger.WithError(err).Warn("invalid REDIS_URL, falling back to in-process idempotency store")
		}
		return NewMemoryStore()
	}
	return &redisStore{client: redis.NewClient(opt)}
}

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "idempotency:"+key, 1, ttl).Result()
}

// MemoryStore is an in-process fallback for single-instance deployments.
// Keys expire one minute after they are reserved; the ttl passed to Reserve
// is not used.
type MemoryStore struct {
	cache *cache.TTLCache
}

// NewMemoryStore constructs an in-process idempotency Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.NewTTLCache(time.Minute)}
}

func (s *MemoryStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if _, ok := s.cache.Get(ctx, key); ok {
		return false, nil
	}
	s.cache.Set(ctx, key, true)
	_ = ttl // the cache's own configured TTL governs expiry; per-call ttl is advisory here
	return true, nil
}
