package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/store"
	"github.com/cacaoforge/chocowatt/internal/store/storetest"
)

const testBucket = "operational"

func pricePointAt(ts time.Time, period string) store.Point {
	return store.Point{
		Measurement: ingest.MeasurementPrices,
		Tags: map[string]string{
			"tariff_period": period,
			"data_source":   "historical",
		},
		Fields: map[string]float64{"price_eur_kwh": 0.1, "price_eur_mwh": 100},
		Time:   ts,
	}
}

func TestDetectFindsContiguousGaps(t *testing.T) {
	mem := storetest.NewMemory()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	// 24h lookback with hours -20..-15 and -8..-6 missing.
	var points []store.Point
	for h := 0; h <= 24; h++ {
		ts := now.Add(-time.Duration(h) * time.Hour)
		if (h >= 15 && h <= 20) || (h >= 6 && h <= 8) {
			continue
		}
		points = append(points, pricePointAt(ts, "P3"))
	}
	_, err := mem.WritePoints(context.Background(), testBucket, points)
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	d.now = func() time.Time { return now }

	gaps, err := d.Detect(context.Background(), ingest.MeasurementPrices, nil, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	// Ascending by start: the 6h gap comes first. End is the last
	// missing hour, inclusive.
	assert.Equal(t, 6, gaps[0].MissingCount)
	assert.Equal(t, now.Add(-20*time.Hour), gaps[0].Start)
	assert.Equal(t, now.Add(-15*time.Hour), gaps[0].End)
	assert.Equal(t, 5.0, gaps[0].DurationHours)
	assert.Equal(t, SeverityModerate, gaps[0].Severity)

	// Three consecutive misses span two hours and stay minor.
	assert.Equal(t, 3, gaps[1].MissingCount)
	assert.Equal(t, now.Add(-8*time.Hour), gaps[1].Start)
	assert.Equal(t, now.Add(-6*time.Hour), gaps[1].End)
	assert.Equal(t, SeverityMinor, gaps[1].Severity)
}

func TestDetectBoundsAreInclusiveAndSkipCurrentHour(t *testing.T) {
	mem := storetest.NewMemory()
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	// Hourly prices from June 1st through June 10th 00:00, nothing since.
	last := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	var points []store.Point
	for ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC); !ts.After(last); ts = ts.Add(time.Hour) {
		points = append(points, pricePointAt(ts, "P3"))
	}
	_, err := mem.WritePoints(context.Background(), testBucket, points)
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	d.now = func() time.Time { return now }

	gaps, err := d.Detect(context.Background(), ingest.MeasurementPrices, nil, time.Hour, 14*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	// The run covers 10th 01:00 through 14th 23:00; the current hour
	// (15th 00:00) has not elapsed and is not counted.
	g := gaps[0]
	assert.Equal(t, time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC), g.Start)
	assert.Equal(t, time.Date(2025, 6, 14, 23, 0, 0, 0, time.UTC), g.End)
	assert.Equal(t, 119, g.MissingCount)
	assert.Equal(t, SeverityCritical, g.Severity)

	// missing_count == (end-start)/interval + 1
	assert.Equal(t, g.MissingCount, int(g.End.Sub(g.Start)/time.Hour)+1)
	assert.Equal(t, float64(g.MissingCount-1), g.DurationHours)
}

func TestDetectSeverityBuckets(t *testing.T) {
	assert.Equal(t, SeverityMinor, severityOf(time.Hour))
	assert.Equal(t, SeverityMinor, severityOf(2*time.Hour))
	assert.Equal(t, SeverityModerate, severityOf(3*time.Hour))
	assert.Equal(t, SeverityModerate, severityOf(12*time.Hour))
	assert.Equal(t, SeverityCritical, severityOf(13*time.Hour))
}

func TestDetectNoGapsOnCompleteSeries(t *testing.T) {
	mem := storetest.NewMemory()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	var points []store.Point
	for h := 0; h <= 48; h++ {
		points = append(points, pricePointAt(now.Add(-time.Duration(h)*time.Hour), "P3"))
	}
	_, err := mem.WritePoints(context.Background(), testBucket, points)
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	d.now = func() time.Time { return now }

	gaps, err := d.Detect(context.Background(), ingest.MeasurementPrices, nil, time.Hour, 48*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

// Mixed tariff-period tags must not produce per-series "lasts": the
// newest point overall wins even when an older series stopped earlier.
func TestLatestTimestampsFlattensAcrossTagSets(t *testing.T) {
	mem := storetest.NewMemory()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	_, err := mem.WritePoints(context.Background(), testBucket, []store.Point{
		pricePointAt(now.Add(-72*time.Hour), "P1"),
		pricePointAt(now.Add(-time.Hour), "P6"),
	})
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	latest, err := d.LatestTimestamps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), latest["price"])
}
