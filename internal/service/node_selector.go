package service

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
)

// DefaultSafetyMargin is the free space a node must have beyond the
// candidate file's size before it is eligible for selection.
const DefaultSafetyMargin = 50 * 1024 * 1024

// NodeSelector picks primary and replica nodes from the health
// registry's current view. Ranking: fewest stored files first, ties
// broken by most free space, remaining ties by a seeded random choice so
// repeated full ties spread across nodes instead of piling up on one.
type NodeSelector struct {
	view         NodeView
	safetyMargin int64
	metrics      *metrics.Metrics
	logger       *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewNodeSelector creates a selector over the given registry view. The
// seed fixes the tie-break order for tests.
func NewNodeSelector(view NodeView, safetyMargin int64, seed int64, m *metrics.Metrics, logger *zap.Logger) *NodeSelector {
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}

	return &NodeSelector{
		view:         view,
		safetyMargin: safetyMargin,
		metrics:      m,
		logger:       logger,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// candidates returns the eligible nodes for a file of sizeBytes, ranked.
func (s *NodeSelector) candidates(sizeBytes int64) []model.StorageNode {
	nodes := s.view.Snapshot()

	eligible := nodes[:0]
	for _, node := range nodes {
		if !node.Online {
			continue
		}
		if node.FreeSpace() < sizeBytes+s.safetyMargin {
			continue
		}
		eligible = append(eligible, node)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].FileCount != eligible[j].FileCount {
			return eligible[i].FileCount < eligible[j].FileCount
		}
		return eligible[i].FreeSpace() > eligible[j].FreeSpace()
	})

	s.shuffleTies(eligible)

	return eligible
}

// shuffleTies randomizes the order of runs of nodes with identical file
// count and free space, keeping the overall ranking intact.
func (s *NodeSelector) shuffleTies(nodes []model.StorageNode) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	start := 0
	for i := 1; i <= len(nodes); i++ {
		if i < len(nodes) &&
			nodes[i].FileCount == nodes[start].FileCount &&
			nodes[i].FreeSpace() == nodes[start].FreeSpace() {
			continue
		}
		if i-start > 1 {
			run := nodes[start:i]
			s.rng.Shuffle(len(run), func(a, b int) {
				run[a], run[b] = run[b], run[a]
			})
		}
		start = i
	}
}

// SelectPrimary picks the node to hold the authoritative copy of a file
// of sizeBytes. If the cached view yields no candidate, one synchronous
// health re-check is triggered before reporting ErrNoNodesAvailable.
func (s *NodeSelector) SelectPrimary(ctx context.Context, sizeBytes int64) (string, error) {
	eligible := s.candidates(sizeBytes)

	if len(eligible) == 0 {
		// Heartbeats may simply be stale; re-check once and retry.
		s.logger.Info("No eligible nodes in cached view, forcing health re-check",
			zap.Int64("size_bytes", sizeBytes))
		s.view.CheckAll(ctx)
		eligible = s.candidates(sizeBytes)
	}

	if len(eligible) == 0 {
		s.metrics.SelectionFailures.Inc()
		s.logger.Error("No storage nodes available",
			zap.Int64("size_bytes", sizeBytes))
		return "", ErrNoNodesAvailable
	}

	selected := eligible[0]
	s.metrics.SelectionsTotal.WithLabelValues(selected.NodeID).Inc()

	s.logger.Debug("Selected primary node",
		zap.String("node_id", selected.NodeID),
		zap.Int64("file_count", selected.FileCount),
		zap.Int64("free_space", selected.FreeSpace()))

	return selected.NodeID, nil
}

// SelectReplicas picks up to count replica nodes for a file of
// sizeBytes, never including the primary. Fewer than count results is
// not an error; callers must handle partial replication.
func (s *NodeSelector) SelectReplicas(ctx context.Context, primary string, count int, sizeBytes int64) []string {
	if count <= 0 {
		return nil
	}

	eligible := s.candidates(sizeBytes)

	replicas := make([]string, 0, count)
	for _, node := range eligible {
		if node.NodeID == primary {
			continue
		}
		replicas = append(replicas, node.NodeID)
		if len(replicas) == count {
			break
		}
	}

	if len(replicas) < count {
		s.logger.Info("Fewer replica nodes available than requested",
			zap.Int("requested", count),
			zap.Int("selected", len(replicas)))
	}

	return replicas
}
