package redisad

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"campus_listings/internal/adapters/observability"
)

const cachePrefix = "campus:doc:"

func NewClient(addr, pass string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

// Cache stores marketplace documents as JSON under a service prefix. A
// Cache without a client answers every read with a miss, so the service runs
// without Redis.
type Cache struct{ c redis.UniversalClient }

func New(c redis.UniversalClient) *Cache { return &Cache{c: c} }

func (r *Cache) enabled() bool { return r != nil && r.c != nil }

// Get decodes the entry for key into dst. An entry that no longer decodes is
// deleted and reported as a miss.
func (r *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !r.enabled() {
		return false, nil
	}
	raw, err := r.c.Get(ctx, cachePrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		observability.ObserveCache("redis", "miss")
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		observability.ObserveCache("redis", "corrupt")
		log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		_ = r.c.Del(ctx, cachePrefix+key).Err()
		return false, nil
	}
	observability.ObserveCache("redis", "hit")
	return true, nil
}

// Set writes v for ttlSec seconds. A non-positive ttl skips the write.
func (r *Cache) Set(ctx context.Context, key string, v any, ttlSec int) error {
	if !r.enabled() || ttlSec <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	observability.ObserveCache("redis", "set")
	return r.c.Set(ctx, cachePrefix+key, raw, time.Duration(ttlSec)*time.Second).Err()
}

func (r *Cache) Del(ctx context.Context, key string) error {
	if !r.enabled() {
		return nil
	}
	observability.ObserveCache("redis", "del")
	return r.c.Del(ctx, cachePrefix+key).Err()
}
