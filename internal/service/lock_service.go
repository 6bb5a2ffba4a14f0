package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

const lockPrefix = "lock"

// LockService manages named, token-owned, TTL-bounded distributed locks
// in the external KV store. Locks are advisory and always scoped as
// lock:{resource_type}:{resource_id}, so unrelated resources never
// contend. A stuck holder's lock expires with its TTL.
type LockService struct {
	kv      store.KVStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLockService creates a lock service over the KV store
func NewLockService(kv store.KVStore, m *metrics.Metrics, logger *zap.Logger) *LockService {
	return &LockService{
		kv:      kv,
		metrics: m,
		logger:  logger,
	}
}

func lockKey(resourceType, resourceID string) string {
	return fmt.Sprintf("%s:%s:%s", lockPrefix, resourceType, resourceID)
}

// Acquire attempts to take the lock. On success it returns a fresh
// ownership token and acquired=true. acquired=false with a nil error
// means the lock is held elsewhere; callers must treat that as a normal
// outcome, not a failure.
func (s *LockService) Acquire(ctx context.Context, resourceType, resourceID string, ttl time.Duration) (string, bool, error) {
	key := lockKey(resourceType, resourceID)
	token := uuid.NewString()

	ok, err := s.kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		s.metrics.LockAcquisitions.WithLabelValues(resourceType, "error").Inc()
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if !ok {
		s.metrics.LockAcquisitions.WithLabelValues(resourceType, "held").Inc()
		s.logger.Debug("Lock already held", zap.String("key", key))
		return "", false, nil
	}

	s.metrics.LockAcquisitions.WithLabelValues(resourceType, "ok").Inc()
	s.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return token, true, nil
}

// Release deletes the lock only if the stored value still equals the
// caller's token. Returns false on mismatch: the lock expired and was
// re-acquired by someone else, or the caller never held it. Not fatal.
func (s *LockService) Release(ctx context.Context, resourceType, resourceID, token string) (bool, error) {
	key := lockKey(resourceType, resourceID)

	current, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	if current != token {
		s.logger.Warn("Lock token mismatch on release", zap.String("key", key))
		return false, nil
	}

	if err := s.kv.Del(ctx, key); err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	s.logger.Debug("Lock released", zap.String("key", key))
	return true, nil
}

// Extend re-applies a TTL to a held lock, subject to the same token
// ownership check. Long-running holders call this to avoid losing the
// lock mid-operation.
func (s *LockService) Extend(ctx context.Context, resourceType, resourceID, token string, ttl time.Duration) (bool, error) {
	key := lockKey(resourceType, resourceID)

	current, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}

	if current != token {
		s.logger.Warn("Lock token mismatch on extend", zap.String("key", key))
		return false, nil
	}

	ok, err := s.kv.Expire(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}

	return ok, nil
}

// IsLocked reports whether the resource currently has a holder
func (s *LockService) IsLocked(ctx context.Context, resourceType, resourceID string) (bool, error) {
	return s.kv.Exists(ctx, lockKey(resourceType, resourceID))
}
