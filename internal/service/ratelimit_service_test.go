package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

func newRateLimitService() *RateLimitService {
	return NewRateLimitService(store.NewMemoryKVStore(), newTestMetrics(), zap.NewNop())
}

func TestRateLimitService_ConsumeUntilExhausted(t *testing.T) {
	limiter := newRateLimitService()
	ctx := context.Background()

	require.NoError(t, limiter.Initialize(ctx, "f-1", 3, time.Hour))

	for _, want := range []int64{2, 1, 0} {
		remaining, err := limiter.Consume(ctx, "f-1")
		require.NoError(t, err)
		assert.Equal(t, want, remaining)
	}

	_, err := limiter.Consume(ctx, "f-1")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRateLimitService_ConcurrentConsumersNeverOversell(t *testing.T) {
	limiter := newRateLimitService()
	ctx := context.Background()

	require.NoError(t, limiter.Initialize(ctx, "f-1", 3, time.Hour))

	var mu sync.Mutex
	var granted []int64
	denied := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := limiter.Consume(ctx, "f-1")

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrLimitExceeded)
				denied++
				return
			}
			granted = append(granted, remaining)
		}()
	}
	wg.Wait()

	// Four racing downloads against a limit of three: exactly one is
	// denied and the grants are distinct counter values.
	assert.Equal(t, 1, denied)
	sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
	assert.Equal(t, []int64{0, 1, 2}, granted)
}

func TestRateLimitService_MissingCounterDeniesDownload(t *testing.T) {
	limiter := newRateLimitService()

	// An expired or never-created counter must fail closed.
	_, err := limiter.Consume(context.Background(), "f-unknown")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRateLimitService_RemainingDoesNotConsume(t *testing.T) {
	limiter := newRateLimitService()
	ctx := context.Background()

	require.NoError(t, limiter.Initialize(ctx, "f-1", 2, time.Hour))

	remaining, err := limiter.Remaining(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)

	remaining, err = limiter.Remaining(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestRateLimitService_RemainingMissingCounter(t *testing.T) {
	limiter := newRateLimitService()

	_, err := limiter.Remaining(context.Background(), "f-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
