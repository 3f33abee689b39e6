// Package metrics provides Prometheus metrics for photosync peers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all photosync metrics.
var Registry = prometheus.NewRegistry()

// Transfer directions used as label values.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// SyncMetrics holds the blob transfer metrics of one peer.
type SyncMetrics struct {
	// Protocol traffic (labeled by message type)
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec // labels: reason

	// Reassembly
	ChunksApplied      prometheus.Counter
	ChunksDuplicate    prometheus.Counter
	TransfersCompleted *prometheus.CounterVec // labels: direction
	TransfersFailed    *prometheus.CounterVec // labels: direction, reason
	TransfersPruned    prometheus.Counter
	InflightTransfers  prometheus.Gauge
	BytesStored        prometheus.Counter

	// Requesting side
	FetchRequestsSent      prometheus.Counter
	FetchRequestsThrottled prometheus.Counter
	WaitersNotified        prometheus.Counter
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers the sync metrics on the package Registry.
// role is "server" or "client"; peer is this node's name.
func InitMetrics(role, peer string) *SyncMetrics {
	return NewSyncMetrics(Registry, role, peer)
}

// Discard returns metrics registered on a throwaway registry, for
// components constructed without a metrics sink.
func Discard(role string) *SyncMetrics {
	return NewSyncMetrics(prometheus.NewRegistry(), role, "")
}

// NewSyncMetrics registers the sync metrics on reg.
func NewSyncMetrics(reg prometheus.Registerer, role, peer string) *SyncMetrics {
	constLabels := prometheus.Labels{
		"role": role,
		"peer": peer,
	}
	f := promauto.With(reg)

	return &SyncMetrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "photosync_messages_received_total",
			Help:        "Protocol messages received, by message type",
			ConstLabels: constLabels,
		}, []string{"type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "photosync_messages_sent_total",
			Help:        "Protocol messages sent, by message type",
			ConstLabels: constLabels,
		}, []string{"type"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "photosync_messages_dropped_total",
			Help:        "Inbound messages dropped before or during handling, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),

		ChunksApplied: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_chunks_applied_total",
			Help:        "Chunks copied into a reassembly buffer",
			ConstLabels: constLabels,
		}),
		ChunksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_chunks_duplicate_total",
			Help:        "Chunks ignored because their index was already received",
			ConstLabels: constLabels,
		}),
		TransfersCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "photosync_transfers_completed_total",
			Help:        "Transfers reassembled, validated and stored",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		TransfersFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "photosync_transfers_failed_total",
			Help:        "Transfers that failed validation or persistence",
			ConstLabels: constLabels,
		}, []string{"direction", "reason"}),
		TransfersPruned: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_transfers_pruned_total",
			Help:        "Idle partial transfers discarded by the janitor",
			ConstLabels: constLabels,
		}),
		InflightTransfers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "photosync_inflight_transfers",
			Help:        "Partial transfers currently tracked",
			ConstLabels: constLabels,
		}),
		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_bytes_stored_total",
			Help:        "Bytes written to the blob store by completed transfers",
			ConstLabels: constLabels,
		}),

		FetchRequestsSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_fetch_requests_sent_total",
			Help:        "Fetch requests sent to the serving peer",
			ConstLabels: constLabels,
		}),
		FetchRequestsThrottled: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_fetch_requests_throttled_total",
			Help:        "Fetch requests suppressed by the per-identifier throttle",
			ConstLabels: constLabels,
		}),
		WaitersNotified: f.NewCounter(prometheus.CounterOpts{
			Name:        "photosync_waiters_notified_total",
			Help:        "Waiting subscribers notified of a blob arrival",
			ConstLabels: constLabels,
		}),
	}
}

// Handler returns an HTTP handler serving the package Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
