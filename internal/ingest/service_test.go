package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacaoforge/chocowatt/internal/store/storetest"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

type fakePrice struct {
	records []upstream.PriceRecord
	err     error
}

func (f *fakePrice) FetchWindow(context.Context, time.Time, time.Time) ([]upstream.PriceRecord, error) {
	return f.records, f.err
}

func (f *fakePrice) FetchCurrent(context.Context) (upstream.PriceRecord, error) {
	if f.err != nil {
		return upstream.PriceRecord{}, f.err
	}
	return f.records[len(f.records)-1], nil
}

type fakeObs struct {
	records []upstream.WeatherRecord
	err     error
	calls   int
}

func (f *fakeObs) FetchWindow(context.Context, string, time.Time, time.Time) ([]upstream.WeatherRecord, error) {
	f.calls++
	return f.records, f.err
}

func (f *fakeObs) FetchCurrent(context.Context, string) (upstream.WeatherRecord, error) {
	f.calls++
	if f.err != nil {
		return upstream.WeatherRecord{}, f.err
	}
	return f.records[len(f.records)-1], nil
}

type fakeRealtime struct {
	record upstream.WeatherRecord
	err    error
	calls  int
}

func (f *fakeRealtime) FetchCurrent(context.Context) (upstream.WeatherRecord, error) {
	f.calls++
	return f.record, f.err
}

const testBucket = "operational"

func newTestService(t *testing.T, price PriceSource, obs ObservationSource, rt RealtimeSource) (*Service, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	svc := NewService(mem, testBucket, price, obs, rt, "ST01", mustLoc(t), 5*time.Second)
	return svc, mem
}

func hourRecords(start time.Time, prices ...float64) []upstream.PriceRecord {
	out := make([]upstream.PriceRecord, len(prices))
	for i, p := range prices {
		out[i] = upstream.PriceRecord{Time: start.Add(time.Duration(i) * time.Hour), PriceEURMWh: p}
	}
	return out
}

func TestIngestPriceWindowDerivesFieldsAndTags(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Hour).Add(-3 * time.Hour)
	price := &fakePrice{records: hourRecords(start, 85.5, 92.1, 110.0)}
	svc, mem := newTestService(t, price, &fakeObs{}, &fakeRealtime{})

	stats, err := svc.IngestPriceWindow(context.Background(), start, start.Add(3*time.Hour), SourceHistorical)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Obtained)
	assert.Equal(t, 3, stats.Written)
	assert.Equal(t, 0, stats.ValidationErrors)
	assert.Equal(t, 1.0, stats.SuccessRate)

	points := mem.All(testBucket)
	require.Len(t, points, 3)
	for i, p := range points {
		assert.Equal(t, MeasurementPrices, p.Measurement)
		assert.InEpsilon(t, price.records[i].PriceEURMWh/1000, p.Fields["price_eur_kwh"], 1e-12)
		assert.Equal(t, SourceHistorical, p.Tags["data_source"])
		assert.Contains(t, []string{"P1", "P2", "P3", "P4", "P5", "P6"}, p.Tags["tariff_period"])
		assert.NotEmpty(t, p.Tags["season"])
		assert.NotEmpty(t, p.Tags["day_type"])
	}
}

func TestIngestPriceWindowCountsValidationErrors(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Hour).Add(-3 * time.Hour)
	records := hourRecords(start, 85.5, -4.0, 99999.0)
	svc, mem := newTestService(t, &fakePrice{records: records}, &fakeObs{}, &fakeRealtime{})

	stats, err := svc.IngestPriceWindow(context.Background(), start, start.Add(3*time.Hour), SourceHistorical)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Obtained)
	assert.Equal(t, 1, stats.Written)
	assert.Equal(t, 2, stats.ValidationErrors)
	assert.Equal(t, 1, mem.Len())

	// written <= obtained <= requested
	assert.LessOrEqual(t, stats.Written, stats.Obtained)
	assert.LessOrEqual(t, stats.Obtained, stats.Requested)
}

func TestIngestWeatherDerivesComfortFields(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	obs := &fakeObs{records: []upstream.WeatherRecord{{
		Time:        now.Add(-time.Hour),
		StationID:   "ST01",
		Temperature: upstream.Float(28.0),
		Humidity:    upstream.Float(65.0),
	}}}
	svc, mem := newTestService(t, &fakePrice{}, obs, &fakeRealtime{})

	stats, err := svc.IngestWeatherWindow(context.Background(), now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Written)

	points := mem.All(testBucket)
	require.Len(t, points, 1)
	assert.Contains(t, points[0].Fields, "heat_index")
	assert.Contains(t, points[0].Fields, "production_comfort_index")
	comfort := points[0].Fields["production_comfort_index"]
	assert.GreaterOrEqual(t, comfort, 0.0)
	assert.LessOrEqual(t, comfort, 100.0)
}

func TestIngestWeatherRejectsOutOfRange(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	obs := &fakeObs{records: []upstream.WeatherRecord{
		{Time: now.Add(-time.Hour), StationID: "ST01", Humidity: upstream.Float(140.0)},
		{Time: now.Add(-time.Hour), StationID: "ST01", Temperature: upstream.Float(-80.0)},
	}}
	svc, mem := newTestService(t, &fakePrice{}, obs, &fakeRealtime{})

	stats, err := svc.IngestWeatherWindow(context.Background(), now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Written)
	assert.Equal(t, 2, stats.ValidationErrors)
	assert.Equal(t, 0, mem.Len())
}

func TestHybridWeatherDaytimeUsesRealtime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	rt := &fakeRealtime{record: upstream.WeatherRecord{
		Time: now, StationID: "ST01",
		Temperature: upstream.Float(22.0), Humidity: upstream.Float(50.0),
	}}
	obs := &fakeObs{}
	svc, _ := newTestService(t, &fakePrice{}, obs, rt)
	svc.now = func() time.Time { return time.Date(2025, 3, 12, 14, 0, 0, 0, mustLoc(t)) }

	stats, err := svc.IngestHybridWeather(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "realtime", stats.Source)
	assert.False(t, stats.FallbackUsed)
	assert.Equal(t, 1, rt.calls)
	assert.Equal(t, 0, obs.calls)
}

func TestHybridWeatherNightPrefersObservations(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	obs := &fakeObs{records: []upstream.WeatherRecord{{
		Time: now.Add(-2 * time.Hour), StationID: "ST01",
		Temperature: upstream.Float(12.0), Humidity: upstream.Float(70.0),
	}}}
	rt := &fakeRealtime{}
	svc, _ := newTestService(t, &fakePrice{}, obs, rt)
	svc.now = func() time.Time { return time.Date(2025, 3, 12, 3, 0, 0, 0, mustLoc(t)) }

	stats, err := svc.IngestHybridWeather(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "observations", stats.Source)
	assert.False(t, stats.FallbackUsed)
	assert.Equal(t, 0, rt.calls)
}

func TestHybridWeatherFallsBackOnPrimaryFailure(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	rt := &fakeRealtime{err: errors.New("upstream down")}
	obs := &fakeObs{records: []upstream.WeatherRecord{{
		Time: now.Add(-time.Hour), StationID: "ST01",
		Temperature: upstream.Float(18.0), Humidity: upstream.Float(55.0),
	}}}
	svc, mem := newTestService(t, &fakePrice{}, obs, rt)
	svc.now = func() time.Time { return time.Date(2025, 3, 12, 14, 0, 0, 0, mustLoc(t)) }

	stats, err := svc.IngestHybridWeather(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.FallbackUsed)
	assert.Equal(t, "observations", stats.Source)
	assert.Equal(t, 1, mem.Len())
}

func TestReingestSameHourIsIdempotent(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)
	price := &fakePrice{records: hourRecords(start, 85.5, 92.1)}
	svc, mem := newTestService(t, price, &fakeObs{}, &fakeRealtime{})

	_, err := svc.IngestPriceWindow(context.Background(), start, start.Add(2*time.Hour), SourceHistorical)
	require.NoError(t, err)
	_, err = svc.IngestPriceWindow(context.Background(), start, start.Add(2*time.Hour), SourceHistorical)
	require.NoError(t, err)

	assert.Equal(t, 2, mem.Len())
}

func TestForecastNeverOverwritesObservations(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	obsRec := upstream.WeatherRecord{
		Time: now, StationID: "ST01",
		Temperature: upstream.Float(20.0), Humidity: upstream.Float(50.0),
	}
	svc, mem := newTestService(t, &fakePrice{}, &fakeObs{}, &fakeRealtime{})

	var stats Stats
	require.NoError(t, svc.WriteWeatherRecords(context.Background(), []upstream.WeatherRecord{obsRec}, SourceOfficial, "hourly", &stats))

	fcRec := obsRec
	fcRec.Temperature = upstream.Float(99.0)
	var fcStats Stats
	require.NoError(t, svc.WriteWeatherRecords(context.Background(), []upstream.WeatherRecord{fcRec}, SourceForecast, "hourly", &fcStats))
	assert.Equal(t, 0, fcStats.Written)

	points := mem.All(testBucket)
	require.Len(t, points, 1)
	assert.Equal(t, 20.0, points[0].Fields["temperature"])
}

func TestHeatIndexSimpleAndRegression(t *testing.T) {
	// Mild conditions use the simple average formula and stay close to
	// the air temperature.
	mild := HeatIndex(20, 50)
	assert.InDelta(t, 20, mild, 2.0)

	// Hot and humid conditions read hotter than the thermometer.
	hot := HeatIndex(34, 80)
	assert.Greater(t, hot, 40.0)
}
