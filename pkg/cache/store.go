package cache

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tutor-mesh/tutor-mesh/pkg/observability"
	"github.com/tutor-mesh/tutor-mesh/pkg/retry"
)

// ErrNotFound is returned by Store.Get when the key is absent
var ErrNotFound = errors.New("cache: key not found")

// StoreInfo is the introspection snapshot exposed by a store
type StoreInfo struct {
	Keys        int64 `json:"keys"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Store is the only surface through which the cache talks to physical
// storage. It is implementable over any key-value store with expiring keys
// and pattern scan.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Info(ctx context.Context) (StoreInfo, error)
}

// RedisStore implements Store over a Redis client
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NewLogger("cache.redis_store")
	}

	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Get reads a key. Absent keys return ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// SetEx writes a key with an expiry
func (s *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys and returns the number actually deleted
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

// Keys lists keys matching a glob pattern. It uses SCAN rather than KEYS to
// avoid blocking the server on large keyspaces.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// TTL returns the remaining lifetime of a key. Absent keys return
// ErrNotFound; keys without expiry return a negative duration.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl == -2 {
		// Redis reports -2 for a missing key; go-redis passes the raw
		// value through
		return 0, ErrNotFound
	}
	return ttl, nil
}

// Info reports key count and approximate memory usage
func (s *RedisStore) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{}

	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return info, err
	}
	info.Keys = keys

	raw, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		// Key count alone is still useful when INFO is unavailable
		s.logger.Warn("Failed to read store memory info", map[string]interface{}{
			"error": err.Error(),
		})
		return info, nil
	}
	info.MemoryBytes = parseUsedMemory(raw)

	return info, nil
}

// parseUsedMemory extracts used_memory from INFO output
func parseUsedMemory(raw string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, "used_memory:"); ok {
			bytes, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err == nil {
				return bytes
			}
		}
	}
	return 0
}

// retryingStore decorates a Store with retry on transient errors. Misses are
// not transient and pass through immediately.
type retryingStore struct {
	inner  Store
	policy retry.Policy
}

// NewRetryingStore wraps a store with an exponential-backoff retry policy
func NewRetryingStore(inner Store, config retry.Config) Store {
	if config.ShouldRetry == nil {
		config.ShouldRetry = func(err error) bool {
			return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
		}
	}

	return &retryingStore{
		inner:  inner,
		policy: retry.NewExponentialBackoff(config),
	}
}

func (s *retryingStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (s *retryingStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.policy.Execute(ctx, func(ctx context.Context) error {
		return s.inner.SetEx(ctx, key, value, ttl)
	})
}

func (s *retryingStore) Del(ctx context.Context, keys ...string) (int64, error) {
	var count int64
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.inner.Del(ctx, keys...)
		return err
	})
	return count, err
}

func (s *retryingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.Keys(ctx, pattern)
		return err
	})
	return keys, err
}

func (s *retryingStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = s.inner.TTL(ctx, key)
		return err
	})
	return ttl, err
}

func (s *retryingStore) Info(ctx context.Context) (StoreInfo, error) {
	var info StoreInfo
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.inner.Info(ctx)
		return err
	})
	return info, err
}
