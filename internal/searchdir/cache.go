package searchdir

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache stores a query's resolved hit set with a TTL. Sweep removes
// expired entries proactively; Get also treats an expired entry as a miss,
// so a cache with no Sweep call running still behaves correctly, just with
// memory held a little longer (§4.8's "removed lazily on next access or by
// a periodic sweep").
type ResultCache interface {
	Get(ctx context.Context, key string) ([]Hit, bool)
	Set(ctx context.Context, key string, hits []Hit, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Keys(ctx context.Context) []string
	Sweep(ctx context.Context) int
}

type memoryEntry struct {
	hits      []Hit
	expiresAt time.Time
}

// MemoryCache is the default ResultCache: an in-process TTL map, grounded
// on original_source/ax-remote/src/fuse/search_dir.rs's query_cache
// (a plain HashMap behind a lock, swept by cleanup_cache).
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.hits, true
}

func (c *MemoryCache) Set(_ context.Context, key string, hits []Hit, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{hits: hits, expiresAt: expiresAt}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *MemoryCache) Keys(_ context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(c.entries))
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (c *MemoryCache) Sweep(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// RedisCache is the optional shared-tier ResultCache, so saved query
// directories survive across VFS processes sharing one backing store.
// Grounded on internal/ratelimiter/persistence/redis.go's pattern of
// abstracting the client behind a minimal interface rather than depending
// on *redis.Client directly everywhere it's used.
//
// Redis's own key TTL (SETEX) is the source of truth for expiry; the local
// keyRegistry only exists because Keys() needs something to enumerate
// without an expensive server-side KEYS/SCAN, and is best-effort: a key
// that expired in Redis but not yet evicted from the registry is filtered
// out by a Get-style existence check before being reported.
type RedisCache struct {
	client    redis.Cmdable
	keyPrefix string

	mu       sync.Mutex
	registry map[string]struct{}
}

func NewRedisCache(client redis.Cmdable, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "agentvfs:search:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, registry: make(map[string]struct{})}
}

func (c *RedisCache) redisKey(key string) string { return c.keyPrefix + key }

func (c *RedisCache) Get(ctx context.Context, key string) ([]Hit, bool) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err != nil {
		c.untrack(key)
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal([]byte(raw), &hits); err != nil {
		return nil, false
	}
	return hits, true
}

func (c *RedisCache) Set(ctx context.Context, key string, hits []Hit, ttl time.Duration) {
	encoded, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.redisKey(key), encoded, ttl).Err(); err != nil {
		return
	}
	c.track(key)
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	c.client.Del(ctx, c.redisKey(key))
	c.untrack(key)
}

func (c *RedisCache) Keys(ctx context.Context) []string {
	c.mu.Lock()
	tracked := make([]string, 0, len(c.registry))
	for key := range c.registry {
		tracked = append(tracked, key)
	}
	c.mu.Unlock()

	live := make([]string, 0, len(tracked))
	for _, key := range tracked {
		if _, ok := c.Get(ctx, key); ok {
			live = append(live, key)
		}
	}
	return live
}

func (c *RedisCache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	tracked := make([]string, 0, len(c.registry))
	for key := range c.registry {
		tracked = append(tracked, key)
	}
	c.mu.Unlock()

	removed := 0
	for _, key := range tracked {
		if _, ok := c.Get(ctx, key); !ok {
			removed++
		}
	}
	return removed
}

func (c *RedisCache) track(key string) {
	c.mu.Lock()
	c.registry[key] = struct{}{}
	c.mu.Unlock()
}

func (c *RedisCache) untrack(key string) {
	c.mu.Lock()
	delete(c.registry, key)
	c.mu.Unlock()
}
