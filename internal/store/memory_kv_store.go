package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryKVStore implements KVStore using an in-memory map. It mirrors the
// single-key atomicity of the real store under one mutex, which makes it
// usable for concurrency tests of the lock manager and rate limiter.
type MemoryKVStore struct {
	mu    sync.Mutex
	data  map[string]*kvItem
	lists map[string][]string
}

type kvItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryKVStore creates an empty in-memory KV store
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{
		data:  make(map[string]*kvItem),
		lists: make(map[string][]string),
	}
}

// live returns the item at key, discarding it if expired. Caller holds mu.
func (s *MemoryKVStore) live(key string) *kvItem {
	item, ok := s.data[key]
	if !ok {
		return nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return item
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryKVStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.live(key)
	if item == nil {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (s *MemoryKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &kvItem{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryKVStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	s.data[key] = &kvItem{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryKVStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryKVStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live(key) != nil, nil
}

func (s *MemoryKVStore) Decr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var expiresAt time.Time
	if item := s.live(key); item != nil {
		n, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
		expiresAt = item.expiresAt
	}
	current--
	s.data[key] = &kvItem{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

func (s *MemoryKVStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.live(key)
	if item == nil {
		return false, nil
	}
	item.expiresAt = expiry(ttl)
	return true, nil
}

func (s *MemoryKVStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.live(key)
	if item == nil {
		return -2 * time.Second, nil // matches Redis convention for missing keys
	}
	if item.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(item.expiresAt), nil
}

func (s *MemoryKVStore) LPush(ctx context.Context, list, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[list] = append([]string{value}, s.lists[list]...)
	return nil
}

// ListItems returns a copy of the named list, newest first. Test helper.
func (s *MemoryKVStore) ListItems(list string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]string, len(s.lists[list]))
	copy(items, s.lists[list])
	return items
}

func (s *MemoryKVStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryKVStore) Close() error { return nil }
