// Package gaps detects missing hours in the ingested series and
// recovers them with source strategies matched to the age of the gap.
package gaps

import (
	"context"
	"sort"
	"time"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/store"
)

// Severity buckets a gap by duration.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"

	minorMax    = 2 * time.Hour
	moderateMax = 12 * time.Hour
)

// Gap is one contiguous run of missing timestamps. Never persisted;
// recomputed from the store on every detection pass.
type Gap struct {
	Measurement   string          `json:"measurement"`
	Filter        store.TagFilter `json:"filter,omitempty"`
	Start         time.Time       `json:"start"`
	End           time.Time       `json:"end"`
	ExpectedCount int             `json:"expected_count"`
	MissingCount  int             `json:"missing_count"`
	DurationHours float64         `json:"duration_hours"`
	Severity      Severity        `json:"severity"`
}

// Detector compares expected hourly timestamps against the store.
type Detector struct {
	store  store.Store
	bucket string

	now func() time.Time
}

func NewDetector(st store.Store, bucket string) *Detector {
	return &Detector{store: st, bucket: bucket, now: time.Now}
}

// fieldFor picks the field whose presence marks an ingested hour.
func fieldFor(measurement string) string {
	if measurement == ingest.MeasurementPrices {
		return "price_eur_kwh"
	}
	return "temperature"
}

// Detect returns the gaps for one measurement over the lookback
// horizon, given the expected sampling interval.
func (d *Detector) Detect(ctx context.Context, measurement string, filter store.TagFilter, interval, lookback time.Duration) ([]Gap, error) {
	now := d.now().UTC().Truncate(interval)
	start := now.Add(-lookback)

	actual, err := d.store.Timestamps(ctx, d.bucket, measurement, fieldFor(measurement), filter, start, now)
	if err != nil {
		return nil, err
	}
	have := make(map[time.Time]bool, len(actual))
	for _, t := range actual {
		have[t.UTC().Truncate(interval)] = true
	}

	// The current interval has not elapsed yet, so it is never missing.
	var missing []time.Time
	for t := start; t.Before(now); t = t.Add(interval) {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return group(missing, measurement, filter, interval), nil
}

// group folds consecutive missing timestamps into gaps. Two misses
// belong to the same gap iff they are at most 1.5 intervals apart.
func group(missing []time.Time, measurement string, filter store.TagFilter, interval time.Duration) []Gap {
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })

	joinWithin := interval + interval/2
	var gaps []Gap
	runStart, prev, count := missing[0], missing[0], 1

	// End is the last missing timestamp, inclusive, so that
	// missing_count == (end-start)/interval + 1 and the duration
	// spans (n-1) intervals.
	flush := func(last time.Time, n int) {
		dur := last.Sub(runStart)
		gaps = append(gaps, Gap{
			Measurement:   measurement,
			Filter:        filter,
			Start:         runStart,
			End:           last,
			ExpectedCount: n,
			MissingCount:  n,
			DurationHours: dur.Hours(),
			Severity:      severityOf(dur),
		})
	}

	for _, t := range missing[1:] {
		if t.Sub(prev) <= joinWithin {
			prev = t
			count++
			continue
		}
		flush(prev, count)
		runStart, prev, count = t, t, 1
	}
	flush(prev, count)
	return gaps
}

func severityOf(d time.Duration) Severity {
	switch {
	case d <= minorMax:
		return SeverityMinor
	case d <= moderateMax:
		return SeverityModerate
	default:
		return SeverityCritical
	}
}

// LatestTimestamps reports the newest point per logical series. The
// store's LastTimestamp already flattens across tag combinations; a
// per-series "last" here would report one stale row per tariff period
// and raise spurious multi-day gaps.
func (d *Detector) LatestTimestamps(ctx context.Context) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for name, measurement := range map[string]string{
		"price":   ingest.MeasurementPrices,
		"weather": ingest.MeasurementWeather,
	} {
		ts, found, err := d.store.LastTimestamp(ctx, d.bucket, measurement, nil)
		if err != nil {
			return nil, err
		}
		if found {
			out[name] = ts
		}
	}
	return out, nil
}
