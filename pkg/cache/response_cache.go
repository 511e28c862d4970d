package cache

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
)

// ResponseCache caches personalized AI-generated responses keyed by the full
// request context. Caching is strictly best-effort: store failures degrade to
// misses and never reach the request path.
//
// Concurrent misses for the same key may each compute and set; the last write
// wins. Callers wanting stampede prevention can wrap Get/Set in a
// single-flight group keyed by the derived cache key. Likewise a Set racing an
// Invalidate sweep can land after the sweep's delete; callers needing strict
// ordering must serialize at a higher layer.
//
// ResponseCache is safe for concurrent use by multiple goroutines.
type ResponseCache struct {
	store     Store
	deriver   *KeyDeriver
	ttlPolicy *TTLPolicy
	stats     *StatsTracker
	config    *Config
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewResponseCache creates a response cache over the given store
func NewResponseCache(store Store, config *Config, logger observability.Logger) (*ResponseCache, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	config = config.withDefaults()

	if logger == nil {
		logger = observability.NewLogger("cache.response_cache")
	}

	var metrics observability.MetricsClient = observability.NewNoopMetricsClient()
	if config.EnableMetrics {
		metrics = observability.NewMetricsClient()
	}

	return &ResponseCache{
		store:     store,
		deriver:   NewKeyDeriver(config),
		ttlPolicy: NewTTLPolicy(),
		stats:     NewStatsTracker(config.CostPerThousandTokens),
		config:    config,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// WithMetrics replaces the metrics client
func (c *ResponseCache) WithMetrics(metrics observability.MetricsClient) *ResponseCache {
	if metrics != nil {
		c.metrics = metrics
	}
	return c
}

// Get looks up the cached response for a descriptor. The second return value
// reports whether the lookup was a hit. Store errors are logged and reported
// as misses.
//
// A present entry is defensively re-checked against its recorded TTL; a stale
// entry is deleted and reported as a miss even if the store's native expiry
// has not removed it yet.
func (c *ResponseCache) Get(ctx context.Context, descriptor *RequestDescriptor) (*CacheEntry, bool) {
	ctx, span := observability.StartSpan(ctx, "response_cache.get")
	defer span.End()

	key := c.deriver.DeriveKey(descriptor)
	span.SetAttribute("cache.key", key)

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("Cache read failed, degrading to miss", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			c.metrics.RecordCacheOperation("get", false, 0)
		}
		c.recordMiss(descriptor.Service)
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// An unreadable payload is as good as gone
		c.logger.Warn("Dropping undecodable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.bestEffort(ctx, "delete_corrupt", func(ctx context.Context) error {
			_, err := c.store.Del(ctx, key)
			return err
		})
		c.recordMiss(descriptor.Service)
		return nil, false
	}

	now := time.Now()
	if entry.Expired(now) {
		c.bestEffort(ctx, "delete_stale", func(ctx context.Context) error {
			_, err := c.store.Del(ctx, key)
			return err
		})
		c.recordMiss(descriptor.Service)
		return nil, false
	}

	c.recordHit(descriptor.Service, entry.Usage)
	c.refreshAccessStats(ctx, key, &entry, now)

	return &entry, true
}

// Set stores a generated response. It derives the key and TTL and writes
// through the store. Store failures are logged and swallowed; a cache outage
// must not take down content generation.
func (c *ResponseCache) Set(ctx context.Context, descriptor *RequestDescriptor, content string, usage Usage, metadata *EntryMetadata) {
	ctx, span := observability.StartSpan(ctx, "response_cache.set")
	defer span.End()

	key := c.deriver.DeriveKey(descriptor)
	ttl := c.ttlPolicy.TTLFor(descriptor.Service, metadata.TTLHints())

	now := time.Now()
	entry := CacheEntry{
		Content:        content,
		StoredAt:       now.UnixMilli(),
		TTLSeconds:     int(ttl / time.Second),
		Usage:          usage,
		Metadata:       metadata,
		LastAccessedAt: now.UnixMilli(),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		c.logger.Error("Failed to marshal cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}

	c.bestEffort(ctx, "set", func(ctx context.Context) error {
		return c.store.SetEx(ctx, key, data, ttl)
	})
}

// Contains reports whether a fresh entry exists for the descriptor without
// touching hit/miss counters. Used by the warmer to skip populated keys.
func (c *ResponseCache) Contains(ctx context.Context, descriptor *RequestDescriptor) bool {
	key := c.deriver.DeriveKey(descriptor)

	data, err := c.store.Get(ctx, key)
	if err != nil {
		return false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false
	}
	return !entry.Expired(time.Now())
}

// Invalidate removes every entry matching the criteria and returns the
// number removed. Deletes are issued in bounded batches to avoid large
// blocking operations against the store. Store errors are logged; the count
// of keys removed before the error is still returned.
func (c *ResponseCache) Invalidate(ctx context.Context, criteria InvalidationCriteria) int64 {
	ctx, span := observability.StartSpan(ctx, "response_cache.invalidate")
	defer span.End()

	pattern := c.deriver.Pattern(criteria)
	if pattern == "" {
		return 0
	}
	span.SetAttribute("cache.pattern", pattern)

	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("Invalidation scan failed", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return 0
	}

	var removed int64
	batchSize := c.config.InvalidationBatchSize
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		count, err := c.store.Del(ctx, keys[start:end]...)
		removed += count
		if err != nil {
			c.logger.Warn("Invalidation batch failed", map[string]interface{}{
				"pattern": pattern,
				"error":   err.Error(),
			})
			break
		}
	}

	c.logger.Info("Cache invalidated", map[string]interface{}{
		"pattern": pattern,
		"removed": removed,
	})
	c.metrics.IncrementCounterWithLabels("response_cache.invalidated", float64(removed), map[string]string{
		"pattern": pattern,
	})

	return removed
}

// Warm populates the cache for a descriptor if no fresh entry exists. It is
// idempotent and never overwrites a live entry. Producer failures are logged
// and never propagate; warming runs off the request path.
func (c *ResponseCache) Warm(ctx context.Context, descriptor *RequestDescriptor, producer ContentProducer) {
	if _, ok := c.Get(ctx, descriptor); ok {
		return
	}

	content, usage, err := producer(ctx, descriptor)
	if err != nil {
		c.logger.Warn("Warm producer failed", map[string]interface{}{
			"service": string(descriptor.Service),
			"user_id": descriptor.UserID,
			"error":   err.Error(),
		})
		return
	}

	c.Set(ctx, descriptor, content, usage, &EntryMetadata{Service: descriptor.Service})
}

// Stats returns the hit/miss tracker for the metrics/query surface
func (c *ResponseCache) Stats() *StatsTracker {
	return c.stats
}

// StoreInfo exposes store introspection for the performance monitor
func (c *ResponseCache) StoreInfo(ctx context.Context) (StoreInfo, error) {
	return c.store.Info(ctx)
}

// TopEntries returns the most frequently hit entries, at most limit, in
// descending hit order
func (c *ResponseCache) TopEntries(ctx context.Context, limit int) ([]*CacheEntry, error) {
	entries, err := c.scanEntries(ctx)
	if err != nil {
		return nil, err
	}

	// Min heap keeps top-K selection linear in the entry count
	h := &entryHeap{}
	heap.Init(h)
	for _, entry := range entries {
		if h.Len() < limit {
			heap.Push(h, entry)
		} else if h.Len() > 0 && entry.HitCount > (*h)[0].HitCount {
			heap.Pop(h)
			heap.Push(h, entry)
		}
	}

	results := make([]*CacheEntry, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(*CacheEntry)
	}
	return results, nil
}

// StaleEntries returns entries not accessed within the given duration
func (c *ResponseCache) StaleEntries(ctx context.Context, staleAfter time.Duration) ([]*CacheEntry, error) {
	entries, err := c.scanEntries(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	stale := make([]*CacheEntry, 0)
	for _, entry := range entries {
		if entry.LastAccessedAt < cutoff {
			stale = append(stale, entry)
		}
	}
	return stale, nil
}

func (c *ResponseCache) scanEntries(ctx context.Context) ([]*CacheEntry, error) {
	pattern := fmt.Sprintf("%s:%s:*", c.config.Namespace, c.config.SchemaVersion)
	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	entries := make([]*CacheEntry, 0, len(keys))
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// refreshAccessStats rewrites the entry with bumped hit counters, preserving
// the remaining TTL. Best-effort; the hit is already counted on the tracker.
func (c *ResponseCache) refreshAccessStats(ctx context.Context, key string, entry *CacheEntry, now time.Time) {
	remaining := time.Duration(entry.TTLSeconds)*time.Second - entry.Age(now)
	if remaining <= 0 {
		return
	}

	updated := *entry
	updated.HitCount = entry.HitCount + 1
	updated.LastAccessedAt = now.UnixMilli()

	data, err := json.Marshal(&updated)
	if err != nil {
		return
	}

	c.bestEffort(ctx, "refresh_access", func(ctx context.Context) error {
		return c.store.SetEx(ctx, key, data, remaining)
	})
}

func (c *ResponseCache) recordHit(service ServiceType, usage Usage) {
	c.stats.RecordHit(service, usage)
	c.metrics.IncrementCounterWithLabels("response_cache.hit", 1, map[string]string{
		"service": string(service),
	})
}

func (c *ResponseCache) recordMiss(service ServiceType) {
	c.stats.RecordMiss(service)
	c.metrics.IncrementCounterWithLabels("response_cache.miss", 1, map[string]string{
		"service": string(service),
	})
}

// bestEffort applies the degrade-to-miss contract uniformly: try, log,
// swallow
func (c *ResponseCache) bestEffort(ctx context.Context, op string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		c.logger.Warn("Best-effort cache operation failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
		c.metrics.RecordCacheOperation(op, false, 0)
	}
}

// Min heap over hit counts for top-K selection
type entryHeap []*CacheEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].HitCount < h[j].HitCount }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*CacheEntry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
