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
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

type recoveryCalls struct {
	forecast     int
	observations int
	climatology  int
}

type fakeRecovery struct {
	calls recoveryCalls
}

func (f *fakeRecovery) FetchWindow(_ context.Context, station string, start, end time.Time) ([]upstream.WeatherRecord, error) {
	f.calls.observations++
	var out []upstream.WeatherRecord
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		out = append(out, upstream.WeatherRecord{
			Time: t, StationID: station,
			Temperature: upstream.Float(15), Humidity: upstream.Float(60),
		})
	}
	return out, nil
}

func (f *fakeRecovery) FetchDailyClimatology(_ context.Context, station string, start, end time.Time) ([]upstream.DailyClimatology, error) {
	f.calls.climatology++
	var out []upstream.DailyClimatology
	for t := start.Truncate(24 * time.Hour); t.Before(end); t = t.Add(24 * time.Hour) {
		out = append(out, upstream.DailyClimatology{
			Date: t, StationID: station,
			TempMean: upstream.Float(14), HumidityMean: upstream.Float(65),
		})
	}
	return out, nil
}

func (f *fakeRecovery) FetchHourlyForecast(_ context.Context, _ string) ([]upstream.WeatherRecord, error) {
	f.calls.forecast++
	now := time.Now().UTC().Truncate(time.Hour)
	var out []upstream.WeatherRecord
	for h := -6; h < 42; h++ {
		out = append(out, upstream.WeatherRecord{
			Time: now.Add(time.Duration(h) * time.Hour), StationID: "ST01",
			Temperature: upstream.Float(18), Humidity: upstream.Float(55),
		})
	}
	return out, nil
}

type fakePriceWindow struct{}

func (fakePriceWindow) FetchWindow(_ context.Context, start, end time.Time) ([]upstream.PriceRecord, error) {
	var out []upstream.PriceRecord
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		out = append(out, upstream.PriceRecord{Time: t, PriceEURMWh: 90})
	}
	return out, nil
}

func (fakePriceWindow) FetchCurrent(context.Context) (upstream.PriceRecord, error) {
	return upstream.PriceRecord{Time: time.Now().UTC().Truncate(time.Hour), PriceEURMWh: 90}, nil
}

func newBackfillFixture(t *testing.T) (*Backfiller, *fakeRecovery, *storetest.Memory) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	mem := storetest.NewMemory()
	svc := ingest.NewService(mem, testBucket, fakePriceWindow{}, nil, nil, "ST01", loc, 5*time.Second)
	rec := &fakeRecovery{}
	return NewBackfiller(svc, rec, nil, "", "ST01", "28079"), rec, mem
}

func TestFillPriceGapWritesEveryHour(t *testing.T) {
	b, _, mem := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)
	// Hours -30 through -4, both bounds missing: 27 records.
	gap := Gap{
		Measurement:  ingest.MeasurementPrices,
		Start:        now.Add(-30 * time.Hour),
		End:          now.Add(-4 * time.Hour),
		MissingCount: 27,
		Severity:     SeverityCritical,
	}

	results, rate := b.Fill(context.Background(), []Gap{gap})
	require.Len(t, results, 1)
	assert.Equal(t, "price", results[0].SourceUsed)
	assert.Equal(t, 27, results[0].RecordsWritten)
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, 27, mem.Len())
}

func TestFillWeatherRecentGapUsesForecast(t *testing.T) {
	b, rec, _ := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)
	gap := Gap{
		Measurement:  ingest.MeasurementWeather,
		Start:        now.Add(-3 * time.Hour),
		End:          now.Add(-time.Hour),
		MissingCount: 3,
	}

	results, _ := b.Fill(context.Background(), []Gap{gap})
	require.Len(t, results, 1)
	assert.Equal(t, "municipal_forecast", results[0].SourceUsed)
	assert.Equal(t, 1, rec.calls.forecast)
	assert.Equal(t, 3, results[0].RecordsObtained)
	assert.Equal(t, 3, results[0].RecordsWritten)
}

func TestFillWeatherIntermediateGapUsesObservations(t *testing.T) {
	b, rec, _ := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)
	gap := Gap{
		Measurement:  ingest.MeasurementWeather,
		Start:        now.Add(-70 * time.Hour),
		End:          now.Add(-60 * time.Hour),
		MissingCount: 11,
	}

	results, _ := b.Fill(context.Background(), []Gap{gap})
	require.Len(t, results, 1)
	assert.Equal(t, "station_observations", results[0].SourceUsed)
	assert.Equal(t, 1, rec.calls.observations)
	assert.Equal(t, 11, results[0].RecordsWritten)
}

func TestFillWeatherOldLongGapUsesClimatology(t *testing.T) {
	b, rec, _ := newBackfillFixture(t)
	// Pin "now" mid-month so the gap is not routed to the CSV archive.
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	gap := Gap{
		Measurement:  ingest.MeasurementWeather,
		Start:        now.Add(-10 * 24 * time.Hour),
		End:          now.Add(-5 * 24 * time.Hour),
		MissingCount: 121,
	}

	results, _ := b.Fill(context.Background(), []Gap{gap})
	require.Len(t, results, 1)
	assert.Equal(t, "climatology", results[0].SourceUsed)
	assert.Equal(t, 1, rec.calls.climatology)
	assert.Equal(t, 5, results[0].RecordsWritten)
}

func TestForecastBackfillDoesNotOverwriteObservations(t *testing.T) {
	b, _, mem := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)

	// One of the gap hours already has an official observation.
	obs := ingest.WeatherPoint(upstream.WeatherRecord{
		Time: now.Add(-2 * time.Hour), StationID: "ST01",
		Temperature: upstream.Float(11), Humidity: upstream.Float(80),
	}, ingest.SourceOfficial, "hourly")
	_, err := mem.WritePoints(context.Background(), testBucket, []store.Point{obs})
	require.NoError(t, err)

	gap := Gap{
		Measurement:  ingest.MeasurementWeather,
		Start:        now.Add(-3 * time.Hour),
		End:          now.Add(-time.Hour),
		MissingCount: 3,
	}
	results, _ := b.Fill(context.Background(), []Gap{gap})
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].RecordsWritten)

	// The observed hour keeps its original temperature.
	for _, p := range mem.All(testBucket) {
		if p.Time.Equal(now.Add(-2 * time.Hour)) {
			assert.Equal(t, 11.0, p.Fields["temperature"])
		}
	}
}

func TestCheckAndRunNoActionWhenFresh(t *testing.T) {
	b, _, mem := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)

	// Fresh points for both series.
	_, err := mem.WritePoints(context.Background(), testBucket, []store.Point{
		ingest.WeatherPoint(upstream.WeatherRecord{
			Time: now, StationID: "ST01",
			Temperature: upstream.Float(20), Humidity: upstream.Float(50),
		}, ingest.SourceRealtime, "hourly"),
		ingest.PricePoint(upstream.PriceRecord{Time: now, PriceEURMWh: 80}, ingest.SourceRealtime, time.UTC),
	})
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	ctl := NewController(d, b)

	outcome, err := ctl.CheckAndRun(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "no_action_needed", outcome.Action)
	assert.Less(t, outcome.SeriesLag["price"], 6.0)
}

func TestCheckAndRunTriggersOnStaleSeries(t *testing.T) {
	b, _, mem := newBackfillFixture(t)
	now := time.Now().UTC().Truncate(time.Hour)

	_, err := mem.WritePoints(context.Background(), testBucket, []store.Point{
		ingest.PricePoint(upstream.PriceRecord{Time: now.Add(-12 * time.Hour), PriceEURMWh: 80}, ingest.SourceRealtime, time.UTC),
		ingest.WeatherPoint(upstream.WeatherRecord{
			Time: now, StationID: "ST01",
			Temperature: upstream.Float(20), Humidity: upstream.Float(50),
		}, ingest.SourceRealtime, "hourly"),
	})
	require.NoError(t, err)

	d := NewDetector(mem, testBucket)
	ctl := NewController(d, b)

	outcome, err := ctl.CheckAndRun(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "backfill_executed", outcome.Action)
	assert.Greater(t, outcome.SeriesLag["price"], 6.0)
}
