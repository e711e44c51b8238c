package sharedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scholarr/ingestcore/internal/observability"
)

// Entry is one cached remote-feed response, keyed by query fingerprint
// within a service namespace.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
	CachedAt  time.Time       `json:"cached_at"`
}

// FeedCache is the shared, cross-process TTL cache for remote-service
// feeds (arXiv, OpenAlex, author-search), backed by Redis. Each service
// gets its own key namespace and its own cached_at-ordered ZSET so
// max_entries eviction is LRU-by-insertion-time, not Redis's own key
// eviction policy.
type FeedCache struct {
	rdb *redis.Client
}

// NewFeedCache wraps an existing redis client.
func NewFeedCache(rdb *redis.Client) *FeedCache {
	return &FeedCache{rdb: rdb}
}

func entryKey(service, fingerprint string) string { return fmt.Sprintf("cache:%s:entry:%s", service, fingerprint) }
func orderKey(service string) string              { return fmt.Sprintf("cache:%s:order", service) }

// GetCachedFeed returns the cached payload for (service, fingerprint), or
// nil if absent or expired. An expired entry is deleted inline rather
// than left for Redis's own TTL to reclaim, so the order ZSET stays
// consistent.
func (c *FeedCache) GetCachedFeed(ctx context.Context, service, fingerprint string, now time.Time) (json.RawMessage, error) {
	raw, err := c.rdb.Get(ctx, entryKey(service, fingerprint)).Bytes()
	if err == redis.Nil {
		observability.CacheRequests.WithLabelValues(service, "miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached feed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cached feed: %w", err)
	}
	if !e.ExpiresAt.After(now) {
		c.rdb.Del(ctx, entryKey(service, fingerprint))
		c.rdb.ZRem(ctx, orderKey(service), fingerprint)
		observability.CacheRequests.WithLabelValues(service, "expired").Inc()
		return nil, nil
	}
	observability.CacheRequests.WithLabelValues(service, "hit").Inc()
	return e.Payload, nil
}

// SetCachedFeed upserts the cached payload for (service, fingerprint). A
// non-positive ttl deletes any existing entry instead of storing one. On
// a successful upsert, entries beyond maxEntries are evicted oldest
// (lowest cached_at) first.
func (c *FeedCache) SetCachedFeed(ctx context.Context, service, fingerprint string, payload json.RawMessage, ttl time.Duration, maxEntries int, now time.Time) error {
	if ttl <= 0 {
		c.rdb.Del(ctx, entryKey(service, fingerprint))
		c.rdb.ZRem(ctx, orderKey(service), fingerprint)
		return nil
	}

	entry := Entry{Payload: payload, ExpiresAt: now.Add(ttl), CachedAt: now}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached feed: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, entryKey(service, fingerprint), raw, ttl)
	pipe.ZAdd(ctx, orderKey(service), redis.Z{Score: float64(now.Unix()), Member: fingerprint})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set cached feed: %w", err)
	}

	if maxEntries > 0 {
		if err := c.evictOverCapacity(ctx, service, maxEntries); err != nil {
			return err
		}
	}
	return nil
}

func (c *FeedCache) evictOverCapacity(ctx context.Context, service string, maxEntries int) error {
	count, err := c.rdb.ZCard(ctx, orderKey(service)).Result()
	if err != nil {
		return fmt.Errorf("count cache entries: %w", err)
	}
	over := count - int64(maxEntries)
	if over <= 0 {
		return nil
	}
	oldest, err := c.rdb.ZRange(ctx, orderKey(service), 0, over-1).Result()
	if err != nil {
		return fmt.Errorf("list oldest cache entries: %w", err)
	}
	for _, fp := range oldest {
		c.rdb.Del(ctx, entryKey(service, fp))
	}
	if len(oldest) > 0 {
		c.rdb.ZRem(ctx, orderKey(service), toAny(oldest)...)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
