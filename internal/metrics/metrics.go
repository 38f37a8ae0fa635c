// Package metrics registers the prometheus collectors shared across the
// service. All collectors use the default registry and are exposed by the
// HTTP surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_upstream_requests_total",
		Help: "Upstream API requests by client and outcome.",
	}, []string{"client", "outcome"})

	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chocowatt_upstream_request_seconds",
		Help:    "Upstream API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"client"})

	UpstreamLagWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_upstream_lag_warnings_total",
		Help: "Times an upstream returned data older than its freshness threshold.",
	}, []string{"client"})

	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_store_points_written_total",
		Help: "Points written to the time-series store by measurement.",
	}, []string{"measurement"})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chocowatt_store_errors_total",
		Help: "Store operations that failed after all retries.",
	})

	IngestValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_ingest_validation_errors_total",
		Help: "Records rejected by range validation during ingestion.",
	}, []string{"source"})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_scheduler_runs_total",
		Help: "Scheduled job runs by job id and outcome.",
	}, []string{"job", "outcome"})

	BackfillRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocowatt_backfill_records_total",
		Help: "Records written by the backfill service by source.",
	}, []string{"source"})
)
