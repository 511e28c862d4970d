package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
	"github.com/tutor-mesh/tutor-mesh/pkg/retry"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, observability.NewNoopLogger())

	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return store, mr, cleanup
}

func TestRedisStoreGetSetEx(t *testing.T) {
	store, mr, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	err := store.SetEx(ctx, "k1", []byte("v1"), time.Minute)
	require.NoError(t, err)

	data, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	// Expiry was actually applied
	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDel(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetEx(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.SetEx(ctx, "b", []byte("2"), time.Minute))

	count, err := store.Del(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.Del(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisStoreKeys(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetEx(ctx, "pcache:v1:quiz:u:u1:base", []byte("1"), time.Minute))
	require.NoError(t, store.SetEx(ctx, "pcache:v1:quiz:u:u2:base", []byte("2"), time.Minute))
	require.NoError(t, store.SetEx(ctx, "pcache:v1:chat:u:u1:base", []byte("3"), time.Minute))

	keys, err := store.Keys(ctx, "pcache:v1:quiz:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = store.Keys(ctx, "pcache:v1:*:u:u1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = store.Keys(ctx, "other:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStoreTTL(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetEx(ctx, "k1", []byte("v1"), time.Minute))

	ttl, err := store.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	_, err = store.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreInfo(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetEx(ctx, "k1", []byte("v1"), time.Minute))
	require.NoError(t, store.SetEx(ctx, "k2", []byte("v2"), time.Minute))

	info, err := store.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Keys)
}

func TestParseUsedMemory(t *testing.T) {
	raw := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"
	assert.Equal(t, int64(1048576), parseUsedMemory(raw))
	assert.Zero(t, parseUsedMemory("# Memory\r\n"))
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("transient")
	}
	return s.Store.Get(ctx, key)
}

func TestRetryingStoreRetriesTransientErrors(t *testing.T) {
	inner, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, inner.SetEx(ctx, "k1", []byte("v1"), time.Minute))

	flaky := &flakyStore{Store: inner, failures: 2}
	store := NewRetryingStore(flaky, retry.Config{
		InitialInterval: time.Millisecond,
		MaxRetries:      5,
	})

	data, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingStoreDoesNotRetryMisses(t *testing.T) {
	inner, _, cleanup := setupTestStore(t)
	defer cleanup()

	flaky := &flakyStore{Store: inner}
	store := NewRetryingStore(flaky, retry.Config{
		InitialInterval: time.Millisecond,
		MaxRetries:      5,
	})

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, flaky.calls)
}
