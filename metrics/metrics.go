// Package metrics exposes Prometheus counters and gauges for the transport,
// named and structured the way the longbow reference codebase's network
// metrics package registers its collectors via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the sender and receiver engines update.
type Registry struct {
	ChunksSent       prometheus.Counter
	ChunksRetried    prometheus.Counter
	ChunksReceived   prometheus.Counter
	DuplicateChunks  prometheus.Counter
	RejectedChunks   prometheus.Counter
	TransfersOK      prometheus.Counter
	TransfersFailed  prometheus.Counter
	TransfersTimeout prometheus.Counter
	ReqSent          prometheus.Counter
	CurrentDelay     prometheus.Gauge
	ActiveTransfers  prometheus.Gauge
	AssembledBytes   prometheus.Counter
	AssembleErrors   *prometheus.CounterVec
}

// NewRegistry registers every collector against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_chunks_sent_total",
			Help: "Data chunks transmitted by the sender.",
		}),
		ChunksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_chunks_retried_total",
			Help: "Data chunk send attempts the link driver reported as failed.",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_chunks_received_total",
			Help: "Data chunks accepted by the receiver as new.",
		}),
		DuplicateChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_chunks_duplicate_total",
			Help: "Data chunks discarded as already-received duplicates.",
		}),
		RejectedChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_chunks_rejected_total",
			Help: "Data frames rejected as undecodable or for disagreeing with buffer parameters.",
		}),
		TransfersOK: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_transfers_completed_total",
			Help: "Transfers that assembled and verified successfully.",
		}),
		TransfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_transfers_failed_total",
			Help: "Sender transfers that ended without success (retries exhausted, timeout, link failure or cancellation).",
		}),
		TransfersTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_transfers_timeout_total",
			Help: "Receiver-side buffers that were swept out for stalling.",
		}),
		ReqSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_req_sent_total",
			Help: "REQ retransmission requests emitted by the receiver.",
		}),
		CurrentDelay: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgtransport_chunk_delay_seconds",
			Help: "Current adaptive inter-chunk delay.",
		}),
		ActiveTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgtransport_active_transfers",
			Help: "Number of transfer buffers currently active on the receiver.",
		}),
		AssembledBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgtransport_assembled_bytes_total",
			Help: "Total bytes of successfully assembled, decompressed payloads.",
		}),
		AssembleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgtransport_assemble_errors_total",
			Help: "Assembly failures by error kind.",
		}, []string{"kind"}),
	}
}
