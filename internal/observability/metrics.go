package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for agent self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Cycle metrics
	CycleDuration prometheus.Histogram
	CyclesTotal   *prometheus.CounterVec

	// Publish metrics
	PublishDuration  prometheus.Histogram
	PublishSizeBytes prometheus.Histogram
	PublishTotal     *prometheus.CounterVec

	// Export metrics
	ExportRecords  prometheus.Gauge
	IngestBatches  *prometheus.CounterVec
	RelayOrigins   prometheus.Gauge
	KVFetchTotal   *prometheus.CounterVec
	TrackedWorkers prometheus.Gauge

	// SamplerDisabled is 1 for accelerator samplers switched off for the
	// lifetime of the process.
	SamplerDisabled *prometheus.GaugeVec

	// Profiling metrics
	ProfilingRequests *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_reporter_cycle_duration_seconds",
			Help:    "Duration of reporting cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_reporter_cycles_total",
			Help: "Total number of reporting cycles by outcome.",
		}, []string{"status"}),

		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_reporter_publish_duration_seconds",
			Help:    "Duration of snapshot writes to the cluster KV store in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		PublishSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_reporter_publish_size_bytes",
			Help:    "Size of published snapshots in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_reporter_publish_total",
			Help: "Total number of snapshot publish attempts.",
		}, []string{"status"}),

		ExportRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_reporter_export_records",
			Help: "Number of metric records exported in the last cycle.",
		}),
		IngestBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_reporter_ingest_batches_total",
			Help: "Total number of metric batches received from peer processes.",
		}, []string{"path", "status"}),
		RelayOrigins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_reporter_relay_origins",
			Help: "Current number of peer origins held by the metric relay.",
		}),
		KVFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_reporter_kv_fetch_total",
			Help: "Total number of KV reads by key kind and outcome.",
		}, []string{"key", "status"}),
		TrackedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "node_reporter_tracked_workers",
			Help: "Current number of worker processes tracked under the supervisor.",
		}),

		SamplerDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_reporter_sampler_disabled",
			Help: "Whether an accelerator sampler is disabled (1) or active (0).",
		}, []string{"sampler"}),

		ProfilingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "node_reporter_profiling_requests_total",
			Help: "Total number of delegated profiling requests.",
		}, []string{"kind", "status"}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.CycleDuration,
		m.CyclesTotal,
		m.PublishDuration,
		m.PublishSizeBytes,
		m.PublishTotal,
		m.ExportRecords,
		m.IngestBatches,
		m.RelayOrigins,
		m.KVFetchTotal,
		m.TrackedWorkers,
		m.SamplerDisabled,
		m.ProfilingRequests,
	)

	return m
}
