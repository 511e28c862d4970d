package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
)

func setupTestCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis, func()) {
	t.Helper()

	store, mr, cleanup := setupTestStore(t)

	config := DefaultConfig()
	config.EnableMetrics = false

	cache, err := NewResponseCache(store, config, observability.NewNoopLogger())
	require.NoError(t, err)

	return cache, mr, cleanup
}

func TestNewResponseCacheRequiresStore(t *testing.T) {
	_, err := NewResponseCache(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestResponseCacheRoundTrip(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	descriptor := testDescriptor()
	usage := Usage{PromptTokens: 120, CompletionTokens: 480}

	_, ok := cache.Get(ctx, descriptor)
	assert.False(t, ok)

	cache.Set(ctx, descriptor, "TCP is a connection-oriented protocol...", usage, &EntryMetadata{
		Service: descriptor.Service,
	})

	entry, ok := cache.Get(ctx, descriptor)
	require.True(t, ok)
	assert.Equal(t, "TCP is a connection-oriented protocol...", entry.Content)
	assert.Equal(t, usage, entry.Usage)

	stats := cache.Stats().Snapshot(ServiceExplain)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(600), stats.TokensSaved)
}

func TestResponseCacheHitCountAccumulates(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	descriptor := testDescriptor()
	cache.Set(ctx, descriptor, "content", Usage{}, nil)

	first, ok := cache.Get(ctx, descriptor)
	require.True(t, ok)
	assert.Zero(t, first.HitCount)

	second, ok := cache.Get(ctx, descriptor)
	require.True(t, ok)
	assert.Equal(t, 1, second.HitCount)
}

func TestResponseCacheStaleEntryIsMissAndRemoved(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	descriptor := testDescriptor()
	key := cache.deriver.DeriveKey(descriptor)

	// Entry whose recorded TTL has elapsed while the store-level expiry,
	// set generously, has not fired yet
	entry := CacheEntry{
		Content:    "stale",
		StoredAt:   time.Now().Add(-10 * time.Minute).UnixMilli(),
		TTLSeconds: 60,
	}
	data, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, cache.store.SetEx(ctx, key, data, time.Hour))

	_, ok := cache.Get(ctx, descriptor)
	assert.False(t, ok)

	_, err = cache.store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), cache.Stats().Snapshot(descriptor.Service).Misses)
}

func TestResponseCacheCorruptEntryIsMissAndRemoved(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	descriptor := testDescriptor()
	key := cache.deriver.DeriveKey(descriptor)
	require.NoError(t, cache.store.SetEx(ctx, key, []byte("{not json"), time.Hour))

	_, ok := cache.Get(ctx, descriptor)
	assert.False(t, ok)

	_, err := cache.store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResponseCacheExpiryViaStore(t *testing.T) {
	cache, mr, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	descriptor := testDescriptor()
	cache.Set(ctx, descriptor, "content", Usage{}, &EntryMetadata{IsStreaming: true})

	_, ok := cache.Get(ctx, descriptor)
	require.True(t, ok)

	// Streaming entries are capped at minutes, not days
	mr.FastForward(16 * time.Minute)
	_, ok = cache.Get(ctx, descriptor)
	assert.False(t, ok)
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Del(ctx context.Context, keys ...string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Info(ctx context.Context) (StoreInfo, error) {
	return StoreInfo{}, errors.New("connection refused")
}

func TestResponseCacheDegradesToMissOnStoreFailure(t *testing.T) {
	config := DefaultConfig()
	config.EnableMetrics = false

	cache, err := NewResponseCache(failingStore{}, config, observability.NewNoopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	descriptor := testDescriptor()

	// None of these may panic or return an error to the caller
	_, ok := cache.Get(ctx, descriptor)
	assert.False(t, ok)

	cache.Set(ctx, descriptor, "content", Usage{}, nil)

	assert.Zero(t, cache.Invalidate(ctx, InvalidationCriteria{All: true}))
	assert.Equal(t, int64(1), cache.Stats().Snapshot(descriptor.Service).Misses)
}

func TestResponseCacheInvalidatePrecision(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	seed := func(service ServiceType, userID string) *RequestDescriptor {
		d := &RequestDescriptor{Service: service, UserID: userID, ContentFingerprint: "deadbeef"}
		cache.Set(ctx, d, "content", Usage{}, nil)
		return d
	}

	quizU1 := seed(ServiceQuiz, "u1")
	quizU2 := seed(ServiceQuiz, "u2")
	summaryU1 := seed(ServiceSummary, "u1")

	removed := cache.Invalidate(ctx, InvalidationCriteria{Service: ServiceQuiz, UserID: "u1"})
	assert.Equal(t, int64(1), removed)

	_, ok := cache.Get(ctx, quizU1)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, quizU2)
	assert.True(t, ok)
	_, ok = cache.Get(ctx, summaryU1)
	assert.True(t, ok)
}

func TestResponseCacheInvalidateByUser(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	d1 := &RequestDescriptor{Service: ServiceQuiz, UserID: "u1"}
	d2 := &RequestDescriptor{Service: ServiceChat, UserID: "u1"}
	d3 := &RequestDescriptor{Service: ServiceQuiz, UserID: "u2"}
	for _, d := range []*RequestDescriptor{d1, d2, d3} {
		cache.Set(ctx, d, "content", Usage{}, nil)
	}

	removed := cache.Invalidate(ctx, InvalidationCriteria{UserID: "u1", PersonaChanged: true})
	assert.Equal(t, int64(2), removed)

	_, ok := cache.Get(ctx, d3)
	assert.True(t, ok)
}

func TestResponseCacheInvalidateEmptyCriteria(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	cache.Set(ctx, testDescriptor(), "content", Usage{}, nil)

	assert.Zero(t, cache.Invalidate(ctx, InvalidationCriteria{}))
	_, ok := cache.Get(ctx, testDescriptor())
	assert.True(t, ok)
}

func TestResponseCacheInvalidateManyKeysBatched(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	// Force several DEL batches
	cache.config.InvalidationBatchSize = 10

	for i := 0; i < 35; i++ {
		d := &RequestDescriptor{Service: ServiceFlashcard, UserID: fmt.Sprintf("user-%d", i)}
		cache.Set(ctx, d, "content", Usage{}, nil)
	}

	removed := cache.Invalidate(ctx, InvalidationCriteria{Service: ServiceFlashcard})
	assert.Equal(t, int64(35), removed)
}

func TestResponseCacheWarmIdempotent(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	var calls int32
	producer := func(ctx context.Context, d *RequestDescriptor) (string, Usage, error) {
		atomic.AddInt32(&calls, 1)
		return "warmed content", Usage{CompletionTokens: 50}, nil
	}

	descriptor := testDescriptor()
	cache.Warm(ctx, descriptor, producer)
	cache.Warm(ctx, descriptor, producer)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	entry, ok := cache.Get(ctx, descriptor)
	require.True(t, ok)
	assert.Equal(t, "warmed content", entry.Content)
}

func TestResponseCacheWarmProducerFailureSwallowed(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	producer := func(ctx context.Context, d *RequestDescriptor) (string, Usage, error) {
		return "", Usage{}, errors.New("upstream unavailable")
	}

	cache.Warm(ctx, testDescriptor(), producer)

	_, ok := cache.Get(ctx, testDescriptor())
	assert.False(t, ok)
}

func TestResponseCacheConcurrentAccess(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				d := &RequestDescriptor{
					Service: ServiceChat,
					UserID:  fmt.Sprintf("user-%d", i),
					Extra:   map[string]string{"seq": fmt.Sprintf("%d", j)},
				}
				cache.Set(ctx, d, "content", Usage{}, nil)
				cache.Get(ctx, d)
			}
		}(i)
	}
	wg.Wait()

	// Every Get is accounted exactly once
	stats := cache.Stats().Snapshot(ServiceChat)
	assert.Equal(t, int64(workers*perWorker), stats.Hits+stats.Misses)
	assert.Equal(t, int64(workers*perWorker), stats.Hits)
}

func TestResponseCacheTopEntries(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := &RequestDescriptor{Service: ServiceExplain, UserID: fmt.Sprintf("user-%d", i)}
		cache.Set(ctx, d, fmt.Sprintf("content-%d", i), Usage{}, nil)
		for j := 0; j <= i; j++ {
			cache.Get(ctx, d)
		}
	}

	top, err := cache.TopEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "content-4", top[0].Content)
	assert.Equal(t, "content-3", top[1].Content)
	assert.GreaterOrEqual(t, top[0].HitCount, top[1].HitCount)
}

func TestResponseCacheStaleEntries(t *testing.T) {
	cache, _, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	old := &RequestDescriptor{Service: ServiceExplain, UserID: "dormant"}
	key := cache.deriver.DeriveKey(old)
	entry := CacheEntry{
		Content:        "old",
		StoredAt:       time.Now().UnixMilli(),
		TTLSeconds:     3600,
		LastAccessedAt: time.Now().Add(-2 * time.Hour).UnixMilli(),
	}
	data, err := json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, cache.store.SetEx(ctx, key, data, time.Hour))

	fresh := &RequestDescriptor{Service: ServiceExplain, UserID: "active"}
	cache.Set(ctx, fresh, "new", Usage{}, nil)

	stale, err := cache.StaleEntries(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].Content)
}
