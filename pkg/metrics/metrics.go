// Package metrics exposes the process-wide Prometheus collectors
// instrumenting the three core subsystems named in spec §2's component
// table: ingestion throughput, feed reconstruction latency, and
// retention cycles. Grounded on the teacher's
// internal/transport/http/middleware/middleware.go (promauto-registered
// CounterVec/HistogramVec idiom) and
// internal/transport/http/handlers/metrics/metrics.go (the
// promhttp.Handler() passthrough), generalized from the teacher's
// HTTP-request metrics to this system's GenAI ingest/feed/retention
// metrics. Registered once at package init against the default
// registry, the same process-wide `Arc`-shared-handle pattern spec §9
// describes for the cache service and pricing table — there is exactly
// one of each collector for the life of the process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpansIngested counts spans successfully persisted by the trace
	// pipeline (§4.E step 5), labeled by project.
	SpansIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sideseat_spans_ingested_total",
			Help: "Total number of spans persisted by the ingestion pipeline.",
		},
		[]string{"project_id"},
	)

	// IngestBatchDuration observes how long one Persister.Persist call
	// takes end to end, including blob extraction and the analytics
	// batch insert.
	IngestBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sideseat_ingest_batch_duration_seconds",
			Help:    "Duration of one ingestion batch persist call.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FeedReconstructDuration observes §4.F's seven-phase pipeline
	// latency, the hard-path analytics query the spec calls out as
	// algorithmically central.
	FeedReconstructDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sideseat_feed_reconstruct_duration_seconds",
			Help:    "Duration of one conversation reconstruction pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RetentionSpansDeleted counts spans removed by the retention
	// controller (§4.G), labeled by project.
	RetentionSpansDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sideseat_retention_spans_deleted_total",
			Help: "Total number of spans deleted by retention cycles.",
		},
		[]string{"project_id"},
	)

	// RetentionCycleDuration observes one full retention tick (time-based
	// cleanup, count-based cleanup, file/favorite cascade).
	RetentionCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sideseat_retention_cycle_duration_seconds",
			Help:    "Duration of one retention cycle, across all its cleanup steps.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
