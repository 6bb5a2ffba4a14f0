package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/client"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/model"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

// NodeView is the read side of the health registry that the selector
// depends on. Tests inject a fake implementation.
type NodeView interface {
	// Snapshot returns the cached state of every registered node.
	Snapshot() []model.StorageNode
	// CheckAll performs a synchronous health sweep and returns per-node
	// results. It never fails as a whole; individual node failures are
	// reflected in the returned statuses.
	CheckAll(ctx context.Context) map[string]model.HealthStatus
}

// NodeStatsRecorder is the write-feedback side of the registry. Services
// that place data on a node report it here so the cached view reflects
// the load before the next poll.
type NodeStatsRecorder interface {
	RecordWrite(nodeID string, sizeBytes int64)
}

// HealthMonitor polls every registered storage node on an interval and
// keeps a cached view of node state. The poll loop is the single writer
// of the view; selector calls are the readers. A node is flipped offline
// after errorThreshold consecutive failed checks, and its error count
// decays by one on each healthy check.
type HealthMonitor struct {
	metadataStore store.MetadataStore
	clients       *client.Pool
	interval      time.Duration
	checkTimeout  time.Duration
	threshold     int
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu   sync.RWMutex
	view map[string]*model.StorageNode

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a health monitor. It does not start polling
// until Start is called.
func NewHealthMonitor(
	metadataStore store.MetadataStore,
	clients *client.Pool,
	interval time.Duration,
	checkTimeout time.Duration,
	errorThreshold int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthMonitor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}
	if errorThreshold == 0 {
		errorThreshold = 5
	}

	return &HealthMonitor{
		metadataStore: metadataStore,
		clients:       clients,
		interval:      interval,
		checkTimeout:  checkTimeout,
		threshold:     errorThreshold,
		metrics:       m,
		logger:        logger,
		view:          make(map[string]*model.StorageNode),
		stopCh:        make(chan struct{}),
	}
}

// Start loads the registered nodes, runs one immediate sweep, and then
// polls on the configured interval until Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) error {
	nodes, err := h.metadataStore.ListStorageNodes(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, node := range nodes {
		n := *node
		h.view[n.NodeID] = &n
	}
	h.mu.Unlock()

	h.CheckAll(ctx)

	h.wg.Add(1)
	go h.pollLoop()

	h.logger.Info("Health monitor started",
		zap.Int("nodes", len(nodes)),
		zap.Duration("interval", h.interval))

	return nil
}

// Stop terminates the poll loop and waits for it to exit
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
	h.logger.Info("Health monitor stopped")
}

func (h *HealthMonitor) pollLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			h.CheckAll(ctx)
			cancel()
		case <-h.stopCh:
			return
		}
	}
}

// Snapshot returns a copy of the cached state of every node
func (h *HealthMonitor) Snapshot() []model.StorageNode {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]model.StorageNode, 0, len(h.view))
	for _, node := range h.view {
		nodes = append(nodes, *node)
	}
	return nodes
}

// refreshTargets merges newly registered nodes into the cached view so
// registration takes effect within one sweep. Best effort: a store
// failure leaves the previous view in place.
func (h *HealthMonitor) refreshTargets(ctx context.Context) {
	nodes, err := h.metadataStore.ListStorageNodes(ctx)
	if err != nil {
		h.logger.Debug("Failed to refresh node list", zap.Error(err))
		return
	}

	h.mu.Lock()
	for _, node := range nodes {
		if _, ok := h.view[node.NodeID]; !ok {
			n := *node
			h.view[n.NodeID] = &n
		}
	}
	h.mu.Unlock()
}

// CheckAll health-checks every registered node concurrently, picking up
// nodes registered since the last sweep. Each check is budgeted by its
// own timeout so one slow node never delays the sweep of the others,
// and the sweep itself never fails: errors only update per-node state.
func (h *HealthMonitor) CheckAll(ctx context.Context) map[string]model.HealthStatus {
	h.refreshTargets(ctx)

	h.mu.RLock()
	targets := make([]model.StorageNode, 0, len(h.view))
	for _, node := range h.view {
		targets = append(targets, *node)
	}
	h.mu.RUnlock()

	results := make(map[string]model.HealthStatus, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range targets {
		wg.Add(1)
		go func(node model.StorageNode) {
			defer wg.Done()

			status := h.checkNode(ctx, node)

			resultsMu.Lock()
			results[node.NodeID] = status
			resultsMu.Unlock()
		}(node)
	}
	wg.Wait()

	online := 0
	for _, status := range results {
		if status.Online {
			online++
		}
	}
	h.metrics.NodesOnline.Set(float64(online))

	h.logger.Debug("Health sweep completed",
		zap.Int("online", online),
		zap.Int("total", len(results)))

	return results
}

// checkNode calls one node's health endpoint and applies the result to
// the cached view and the durable record.
func (h *HealthMonitor) checkNode(ctx context.Context, node model.StorageNode) model.HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	nc := h.clients.Get(node.NodeID, node.Address)
	health, err := nc.Health(checkCtx)

	now := time.Now()
	status := model.HealthStatus{NodeID: node.NodeID, CheckedAt: now}

	h.mu.Lock()
	cached, ok := h.view[node.NodeID]
	if !ok {
		cached = &node
		h.view[node.NodeID] = cached
	}

	if err != nil || !health.Online() {
		if err != nil {
			status.Err = err.Error()
		} else {
			status.Err = "node reported status " + health.Status
		}
		cached.ConsecutiveErrors++

		// The prior online flag stands until the threshold is crossed.
		if cached.ConsecutiveErrors >= h.threshold && cached.Online {
			cached.Online = false
			h.logger.Warn("Storage node marked offline",
				zap.String("node_id", node.NodeID),
				zap.Int("consecutive_errors", cached.ConsecutiveErrors))
		}
		status.Online = cached.Online
		h.mu.Unlock()

		h.metrics.HealthChecksTotal.WithLabelValues(node.NodeID, "error").Inc()
		h.persistHealth(ctx, cached.NodeID)
		return status
	}

	wasOffline := !cached.Online
	cached.Online = true
	cached.LastHeartbeat = now
	cached.FileCount = health.FileCount
	if health.TotalSpace > 0 {
		cached.TotalSpace = health.TotalSpace
		cached.UsedSpace = health.TotalSpace - health.FreeSpace
	}
	if cached.ConsecutiveErrors > 0 {
		cached.ConsecutiveErrors--
	}

	status.Online = true
	status.FreeSpace = cached.FreeSpace()
	status.FileCount = cached.FileCount
	h.mu.Unlock()

	if wasOffline {
		// Returning nodes are only marked online again; missing files are
		// not re-synchronized.
		h.logger.Info("Storage node back online", zap.String("node_id", node.NodeID))
	}

	h.metrics.HealthChecksTotal.WithLabelValues(node.NodeID, "ok").Inc()
	h.persistHealth(ctx, node.NodeID)
	return status
}

// persistHealth writes the cached health fields back to the metadata
// store. Best effort: a store failure degrades durability of the cache,
// not the sweep.
func (h *HealthMonitor) persistHealth(ctx context.Context, nodeID string) {
	h.mu.RLock()
	cached, ok := h.view[nodeID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	online := cached.Online
	errs := cached.ConsecutiveErrors
	heartbeat := cached.LastHeartbeat
	used := cached.UsedSpace
	files := cached.FileCount
	h.mu.RUnlock()

	if err := h.metadataStore.UpdateNodeHealth(ctx, nodeID, online, errs, heartbeat); err != nil {
		h.logger.Debug("Failed to persist node health",
			zap.String("node_id", nodeID),
			zap.Error(err))
		return
	}
	if err := h.metadataStore.UpdateNodeStats(ctx, nodeID, used, files); err != nil {
		h.logger.Debug("Failed to persist node stats",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}
}

// RecordWrite bumps the cached usage of a node after a successful write
// so selections between polls see the new load.
func (h *HealthMonitor) RecordWrite(nodeID string, sizeBytes int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.view[nodeID]; ok {
		cached.UsedSpace += sizeBytes
		cached.FileCount++
	}
}
