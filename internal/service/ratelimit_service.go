package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

const counterPrefix = "count:"

// RateLimitService enforces per-file download limits with an atomic
// counter in the KV store. The decrement is delegated to the store's
// native DECR so concurrent downloads of the same file can never all
// succeed when only one download is left; no lock is taken on the
// download path.
type RateLimitService struct {
	kv      store.KVStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRateLimitService creates a rate limit service over the KV store
func NewRateLimitService(kv store.KVStore, m *metrics.Metrics, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		kv:      kv,
		metrics: m,
		logger:  logger,
	}
}

func counterKey(fileID string) string {
	return counterPrefix + fileID
}

// Initialize sets the counter to limit with the file's remaining
// lifetime as TTL.
func (s *RateLimitService) Initialize(ctx context.Context, fileID string, limit int, ttl time.Duration) error {
	if err := s.kv.Set(ctx, counterKey(fileID), strconv.Itoa(limit), ttl); err != nil {
		return fmt.Errorf("failed to initialize download counter for %s: %w", fileID, err)
	}

	s.logger.Debug("Download counter initialized",
		zap.String("file_id", fileID),
		zap.Int("limit", limit),
		zap.Duration("ttl", ttl))

	return nil
}

// Consume atomically decrements the counter and returns the number of
// downloads remaining. A decrement that crosses below zero is not a
// consumption: ErrLimitExceeded is returned and the caller must not
// serve the download.
func (s *RateLimitService) Consume(ctx context.Context, fileID string) (int64, error) {
	remaining, err := s.kv.Decr(ctx, counterKey(fileID))
	if err != nil {
		return 0, fmt.Errorf("failed to decrement download counter for %s: %w", fileID, err)
	}

	if remaining < 0 {
		s.metrics.DownloadsDenied.Inc()
		s.logger.Info("Download limit reached", zap.String("file_id", fileID))
		return 0, ErrLimitExceeded
	}

	return remaining, nil
}

// Remaining reads the counter without consuming. Returns
// store.ErrNotFound when no counter exists (expired or never created).
func (s *RateLimitService) Remaining(ctx context.Context, fileID string) (int64, error) {
	value, err := s.kv.Get(ctx, counterKey(fileID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}
