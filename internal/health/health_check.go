package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/service"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

// HealthChecker provides liveness and readiness probe handlers
type HealthChecker struct {
	metadataStore store.MetadataStore
	kv            store.KVStore
	registry      service.NodeView
	logger        *zap.Logger
}

// HealthStatus represents the probe response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	metadataStore store.MetadataStore,
	kv store.KVStore,
	registry service.NodeView,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		metadataStore: metadataStore,
		kv:            kv,
		registry:      registry,
		logger:        logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests. The gateway is
// ready when its external stores respond; storage node health is
// reported but does not gate readiness, since a degraded fleet still
// serves what it can.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.metadataStore != nil {
		if err := h.metadataStore.Ping(ctx); err != nil {
			h.logger.Error("Metadata store health check failed", zap.Error(err))
			checks["metadata_store"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["metadata_store"] = "healthy"
		}
	}

	if h.kv != nil {
		if err := h.kv.Ping(ctx); err != nil {
			h.logger.Error("KV store health check failed", zap.Error(err))
			checks["kv_store"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["kv_store"] = "healthy"
		}
	}

	if h.registry != nil {
		online := 0
		nodes := h.registry.Snapshot()
		for _, node := range nodes {
			if node.Online {
				online++
			}
		}
		checks["storage_nodes"] = fmt.Sprintf("online %d/%d", online, len(nodes))
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}
