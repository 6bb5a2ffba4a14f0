package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKVStore implements KVStore for Redis. Locks, download counters,
// upload manifests and the deferred task queue all live here.
type RedisKVStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisKVStore creates a new Redis-backed KV store
func NewRedisKVStore(host string, port int, password string, db int, logger *zap.Logger) (KVStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisKVStore{
		client: client,
		logger: logger,
	}, nil
}

// Get retrieves the value at key
func (s *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores a value with TTL (zero TTL means no expiry)
func (s *RedisKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetNX sets the key only if absent, returning true on success
func (s *RedisKVStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes a key
func (s *RedisKVStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Exists reports whether the key is present
func (s *RedisKVStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Decr atomically decrements the counter at key
func (s *RedisKVStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

// Expire re-applies a TTL to an existing key
func (s *RedisKVStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// TTL returns the remaining lifetime of a key
func (s *RedisKVStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// LPush appends a value to the named list
func (s *RedisKVStore) LPush(ctx context.Context, list, value string) error {
	return s.client.LPush(ctx, list, value).Err()
}

// Ping checks the Redis connection
func (s *RedisKVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisKVStore) Close() error {
	return s.client.Close()
}
