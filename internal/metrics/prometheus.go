package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage coordination core
type Metrics struct {
	// Health registry metrics
	NodesOnline       prometheus.Gauge
	HealthChecksTotal *prometheus.CounterVec

	// Selection metrics
	SelectionsTotal   *prometheus.CounterVec
	SelectionFailures prometheus.Counter

	// Replication metrics
	ReplicationsTotal *prometheus.CounterVec
	PromotionsTotal   *prometheus.CounterVec

	// Upload/download metrics
	UploadsFinalized *prometheus.CounterVec
	ChunksReceived   prometheus.Counter
	DownloadsDenied  prometheus.Counter

	// Lock metrics
	LockAcquisitions *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registerer.
// Tests pass a private registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		NodesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_storage_nodes_online",
				Help: "Number of storage nodes currently considered online",
			},
		),

		HealthChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_node_health_checks_total",
				Help: "Total health checks performed against storage nodes",
			},
			[]string{"node_id", "result"},
		),

		SelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_node_selections_total",
				Help: "Total times a node was selected as upload primary",
			},
			[]string{"node_id"},
		),

		SelectionFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_node_selection_failures_total",
				Help: "Total selections that found no available node",
			},
		),

		ReplicationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_replications_total",
				Help: "Total per-replica copy attempts",
			},
			[]string{"node_id", "result"},
		),

		PromotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_promotions_total",
				Help: "Total failover promotions attempted",
			},
			[]string{"result"},
		),

		UploadsFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_uploads_finalized_total",
				Help: "Total chunked upload finalizations",
			},
			[]string{"result"},
		),

		ChunksReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_upload_chunks_received_total",
				Help: "Total chunks accepted into upload sessions",
			},
		),

		DownloadsDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_downloads_denied_total",
				Help: "Total downloads denied by the rate limiter",
			},
		),

		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_lock_acquisitions_total",
				Help: "Total distributed lock acquisition attempts",
			},
			[]string{"resource_type", "result"},
		),
	}
}
