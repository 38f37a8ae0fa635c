// Package store adapts the InfluxDB 2.x client to the typed reads and
// writes the rest of the service needs: batched point writes, absolute
// range queries, and a correct "newest timestamp across all series"
// primitive.
package store

import (
	"context"
	"time"
)

// Point is one write to a measurement: indexed low-cardinality tags plus
// float fields at a UTC second-precision timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Time        time.Time
}

// Record is one row returned by a pivoted range query.
type Record struct {
	Time   time.Time
	Tags   map[string]string
	Fields map[string]float64
}

// AggregateRow is one window of an aggregateWindow query.
type AggregateRow struct {
	Time  time.Time
	Value float64
}

// WriteStats summarizes one WritePoints call.
type WriteStats struct {
	Written  int
	Batches  int
	Dropped  int // forecast points skipped because an observation already exists
	Duration time.Duration
}

// TagFilter restricts a query to series whose tags match every entry.
type TagFilter map[string]string

// Store is the adapter surface consumed by ingestion, gap detection,
// backfill, forecasting and the HTTP layer.
type Store interface {
	// WritePoints writes a batch. Per-batch atomic from the caller's view:
	// either the whole batch is acknowledged or an error is returned.
	WritePoints(ctx context.Context, bucket string, points []Point) (WriteStats, error)

	// WriteForecastPoints writes forecast-tagged points but never
	// overwrites timestamps where an observation from one of the
	// protected data_source values already exists.
	WriteForecastPoints(ctx context.Context, bucket string, points []Point, protectedSources []string) (WriteStats, error)

	// LastTimestamp returns the newest timestamp across ALL series
	// matching the filter, flattened before taking the maximum.
	LastTimestamp(ctx context.Context, bucket, measurement string, filter TagFilter) (time.Time, bool, error)

	// Range returns pivoted records between absolute bounds, ascending.
	Range(ctx context.Context, bucket, measurement string, filter TagFilter, start, end time.Time) ([]Record, error)

	// Timestamps returns the distinct timestamps carrying the given field
	// between absolute bounds, ascending.
	Timestamps(ctx context.Context, bucket, measurement, field string, filter TagFilter, start, end time.Time) ([]time.Time, error)

	// AggregateWindow applies fn (mean, min, max, sum) to one field over
	// fixed windows between absolute bounds.
	AggregateWindow(ctx context.Context, bucket, measurement, field string, filter TagFilter, start, end time.Time, every time.Duration, fn string) ([]AggregateRow, error)

	// Ping verifies connectivity; used by readiness and health checks.
	Ping(ctx context.Context) error
}
