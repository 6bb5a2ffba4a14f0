package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/client"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

// ReplicationService copies files from a primary node to replica nodes
// and promotes a replica when a primary fails. Replication is
// best-effort per replica: one failure never aborts the others, and a
// file with zero successful replicas stays valid (primary-only).
type ReplicationService struct {
	metadataStore store.MetadataStore
	clients       *client.Pool
	healthTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewReplicationService creates a replication service
func NewReplicationService(
	metadataStore store.MetadataStore,
	clients *client.Pool,
	healthTimeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationService {
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}

	return &ReplicationService{
		metadataStore: metadataStore,
		clients:       clients,
		healthTimeout: healthTimeout,
		metrics:       m,
		logger:        logger,
	}
}

// Replicate copies storedName from the primary to each replica
// concurrently and updates the file's durable replica list to the
// subset that succeeded. The returned map has one entry per requested
// replica.
func (s *ReplicationService) Replicate(ctx context.Context, fileID, storedName, primary string, replicas []string) map[string]bool {
	results := make(map[string]bool, len(replicas))
	if len(replicas) == 0 {
		return results
	}

	primaryNode, err := s.metadataStore.GetStorageNode(ctx, primary)
	if err != nil {
		s.logger.Error("Replication aborted: unknown primary node",
			zap.String("file_id", fileID),
			zap.String("primary", primary),
			zap.Error(err))
		for _, replica := range replicas {
			results[replica] = false
		}
		return results
	}
	primaryClient := s.clients.Get(primaryNode.NodeID, primaryNode.Address)

	var mu sync.Mutex
	var g errgroup.Group

	for _, replica := range replicas {
		replica := replica
		g.Go(func() error {
			ok := s.copyToReplica(ctx, primaryClient, storedName, replica)

			mu.Lock()
			results[replica] = ok
			mu.Unlock()

			result := "ok"
			if !ok {
				result = "error"
			}
			s.metrics.ReplicationsTotal.WithLabelValues(replica, result).Inc()
			return nil
		})
	}
	g.Wait()

	successful := make([]string, 0, len(replicas))
	for _, replica := range replicas {
		if results[replica] {
			successful = append(successful, replica)
		}
	}

	if err := s.metadataStore.UpdateFileReplicas(ctx, fileID, successful); err != nil {
		s.logger.Error("Failed to update replica list",
			zap.String("file_id", fileID),
			zap.Error(err))
	} else {
		s.logger.Info("Replication completed",
			zap.String("file_id", fileID),
			zap.Int("requested", len(replicas)),
			zap.Int("successful", len(successful)))
	}

	return results
}

// copyToReplica downloads the object from the primary and uploads it to
// one replica. Failures are logged, not raised.
func (s *ReplicationService) copyToReplica(ctx context.Context, primaryClient *client.NodeClient, storedName, replicaID string) bool {
	replicaNode, err := s.metadataStore.GetStorageNode(ctx, replicaID)
	if err != nil {
		s.logger.Error("Unknown replica node",
			zap.String("replica", replicaID),
			zap.Error(err))
		return false
	}

	body, err := primaryClient.Download(ctx, storedName)
	if err != nil {
		s.logger.Error("Replica copy failed: download from primary",
			zap.String("replica", replicaID),
			zap.String("stored_name", storedName),
			zap.Error(err))
		return false
	}
	defer body.Close()

	replicaClient := s.clients.Get(replicaNode.NodeID, replicaNode.Address)
	if _, err := replicaClient.Upload(ctx, storedName, body, true); err != nil {
		s.logger.Error("Replica copy failed: upload to replica",
			zap.String("replica", replicaID),
			zap.String("stored_name", storedName),
			zap.Error(err))
		return false
	}

	s.logger.Info("Replicated file to node",
		zap.String("replica", replicaID),
		zap.String("stored_name", storedName))

	return true
}

// Promote replaces a failed primary with the first healthy replica, in
// candidate list order. Candidates that fail their health check are
// dropped from the replica list along with the promoted node, so the
// record never advertises replicas known to be dead. The primary swap
// and the replica-list shrink are committed together. Returns
// ErrAllReplicasDown when no candidate responds.
func (s *ReplicationService) Promote(ctx context.Context, fileID, failedPrimary string, candidates []string) (string, error) {
	for i, candidate := range candidates {
		if !s.nodeHealthy(ctx, candidate) {
			continue
		}

		remaining := append([]string(nil), candidates[i+1:]...)

		if err := s.metadataStore.UpdateFilePlacement(ctx, fileID, candidate, remaining); err != nil {
			s.metrics.PromotionsTotal.WithLabelValues("error").Inc()
			return "", err
		}

		s.metrics.PromotionsTotal.WithLabelValues("ok").Inc()
		s.logger.Warn("Promoted replica to primary",
			zap.String("file_id", fileID),
			zap.String("failed_primary", failedPrimary),
			zap.String("new_primary", candidate),
			zap.Strings("remaining_replicas", remaining))

		return candidate, nil
	}

	s.metrics.PromotionsTotal.WithLabelValues("all_down").Inc()
	s.logger.Error("All replicas down, file unavailable",
		zap.String("file_id", fileID),
		zap.String("failed_primary", failedPrimary),
		zap.Strings("candidates", candidates))

	return "", ErrAllReplicasDown
}

// nodeHealthy checks one candidate with a short timeout
func (s *ReplicationService) nodeHealthy(ctx context.Context, nodeID string) bool {
	node, err := s.metadataStore.GetStorageNode(ctx, nodeID)
	if err != nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	health, err := s.clients.Get(node.NodeID, node.Address).Health(checkCtx)
	return err == nil && health.Online()
}
