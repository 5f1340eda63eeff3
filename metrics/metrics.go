// Package metrics exposes Prometheus instrumentation for the acquisition
// and reconstruction pipeline: association outcomes, C-STORE ingestion,
// cache efficiency and reconstruction latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Association metrics
	AssociationsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dicom_associations_accepted_total",
			Help: "Total number of accepted DICOM associations",
		},
	)

	AssociationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicom_associations_rejected_total",
			Help: "Total number of rejected DICOM associations",
		},
		[]string{"reason"},
	)

	AssociationsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dicom_associations_open",
			Help: "Currently open DICOM associations",
		},
	)

	// C-STORE / ingestion metrics
	StoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicom_store_requests_total",
			Help: "Total number of C-STORE requests by outcome",
		},
		[]string{"outcome"}, // "success", "cannot_understand", "processing_failure", "out_of_resources"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacs_ingest_duration_seconds",
			Help:    "Duration of instance ingestion (decode excluded)",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pacs_ingest_pixel_bytes_total",
			Help: "Total pixel payload bytes written to blob storage",
		},
	)

	// Reconstruction cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_cache_hits_total",
			Help: "Reconstruction cache hits",
		},
		[]string{"kind"}, // "volume", "plane"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recon_cache_misses_total",
			Help: "Reconstruction cache misses",
		},
		[]string{"kind"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recon_cache_evictions_total",
			Help: "Entries evicted from the reconstruction cache",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recon_cache_bytes",
			Help: "Current byte footprint of the reconstruction cache",
		},
	)

	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_build_duration_seconds",
			Help:    "Duration of volume builds and plane resamples",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	BuildOverload = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recon_build_overload_total",
			Help: "Reconstruction requests refused because the worker queue was full",
		},
	)
)
