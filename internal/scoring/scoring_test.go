package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cacaoforge/chocowatt/internal/forecast"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/registry"
	"github.com/cacaoforge/chocowatt/internal/store"
	"github.com/cacaoforge/chocowatt/internal/store/storetest"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return loc
}

func TestClassOfThresholds(t *testing.T) {
	assert.Equal(t, ClassOptimal, ClassOf(80))
	assert.Equal(t, ClassOptimal, ClassOf(75))
	assert.Equal(t, ClassModerate, ClassOf(60))
	assert.Equal(t, ClassReduced, ClassOf(40))
	assert.Equal(t, ClassHalt, ClassOf(20))
}

func TestEnergyScoreTargetPrefersCheapComfortableHours(t *testing.T) {
	loc := madrid(t)
	proc := DefaultMachinery().Processes[0]

	// Valley-priced night hour at the process optimum.
	good := HourInput{
		Time:        time.Date(2025, 3, 12, 3, 0, 0, 0, loc),
		PriceEURKWh: 0.06,
		Temperature: proc.OptimalTempC,
		Humidity:    proc.OptimalHumidityPct,
		Process:     proc,
	}
	// Peak-priced hour far from the optimum.
	bad := HourInput{
		Time:        time.Date(2025, 1, 15, 11, 0, 0, 0, loc),
		PriceEURKWh: 0.32,
		Temperature: proc.OptimalTempC + 15,
		Humidity:    proc.OptimalHumidityPct + 40,
		Process:     proc,
	}

	gs, bs := EnergyScoreTarget(good, loc), EnergyScoreTarget(bad, loc)
	assert.Greater(t, gs, 85.0)
	assert.Less(t, bs, 40.0)
}

func TestSuitabilityValleyBoost(t *testing.T) {
	loc := madrid(t)
	proc := DefaultMachinery().Processes[0]
	in := HourInput{
		PriceEURKWh: 0.15,
		Temperature: proc.OptimalTempC + 4,
		Humidity:    proc.OptimalHumidityPct + 10,
		Process:     proc,
	}

	valley := in
	valley.Time = time.Date(2025, 3, 12, 3, 0, 0, 0, loc)
	peak := in
	peak.Time = time.Date(2025, 1, 15, 11, 0, 0, 0, loc)

	assert.Greater(t, Suitability(valley, loc), Suitability(peak, loc))
}

func TestVectorHasTenFeatures(t *testing.T) {
	loc := madrid(t)
	in := HourInput{
		Time:        time.Date(2025, 3, 12, 10, 0, 0, 0, loc),
		PriceEURKWh: 0.12,
		Temperature: 19,
		Humidity:    48,
		Process:     DefaultMachinery().Processes[0],
	}
	v := Vector(in, loc)
	assert.Len(t, v, len(FeatureNames))
}

func syntheticInputs(loc *time.Location, n int) []HourInput {
	machinery := DefaultMachinery()
	start := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	out := make([]HourInput, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		local := ts.In(loc)
		price := 0.10 + 0.08*float64(localRank(local.Hour()))/23
		out[i] = HourInput{
			Time:        ts,
			PriceEURKWh: price,
			Temperature: 14 + 8*float64(local.Hour()%12)/11,
			Humidity:    40 + float64(i%30),
			Process:     machinery.PrimaryAt(local),
		}
	}
	return out
}

func localRank(h int) int { return (h + 13) % 24 }

func TestTrainArtifactRecoversTargets(t *testing.T) {
	loc := madrid(t)
	a, err := TrainArtifact(syntheticInputs(loc, 24*21), loc)
	require.NoError(t, err)

	assert.Greater(t, a.Report.R2Test, 0.7)
	assert.Greater(t, a.Report.AccuracyTest, 0.7)
	assert.False(t, a.Report.OverfitRegressor)

	in := HourInput{
		Time:        time.Date(2025, 3, 12, 3, 0, 0, 0, loc),
		PriceEURKWh: 0.08,
		Temperature: 20,
		Humidity:    45,
		Process:     DefaultMachinery().Processes[0],
	}
	score := a.Score(in, loc)
	assert.InDelta(t, EnergyScoreTarget(in, loc), score, 15)

	class, conf := a.Classify(in, loc)
	assert.NotEmpty(t, class)
	assert.Greater(t, conf, 0.4)
}

func TestTrainArtifactRejectsShortDataset(t *testing.T) {
	loc := madrid(t)
	_, err := TrainArtifact(syntheticInputs(loc, 10), loc)
	assert.Error(t, err)
}

type fixedForecaster struct{ preds []forecast.Prediction }

func (f fixedForecaster) Forecast(_ context.Context, now time.Time, hours int) ([]forecast.Prediction, error) {
	if hours <= len(f.preds) {
		return f.preds[:hours], nil
	}
	return f.preds, nil
}

func newEngineFixture(t *testing.T) (*Engine, *storetest.Memory) {
	t.Helper()
	loc := madrid(t)
	mem := storetest.NewMemory()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Hour)
	var preds []forecast.Prediction
	for h := 1; h <= 168; h++ {
		ts := base.Add(time.Duration(h) * time.Hour)
		price := 0.10
		if ts.In(loc).Hour() < 8 {
			price = 0.06
		}
		preds = append(preds, forecast.Prediction{Time: ts, Value: price, Lower95: price * 0.8, Upper95: price * 1.2})
	}

	return NewEngine(mem, "operational", reg, DefaultMachinery(), fixedForecaster{preds}, loc), mem
}

func seedHistory(t *testing.T, mem *storetest.Memory, hoursBack int) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Hour)
	var points []store.Point
	for h := 1; h <= hoursBack; h++ {
		ts := now.Add(-time.Duration(h) * time.Hour)
		price := 0.09 + 0.05*float64(ts.Hour())/23
		points = append(points,
			ingest.PricePoint(upstream.PriceRecord{Time: ts, PriceEURMWh: price * 1000}, ingest.SourceHistorical, time.UTC),
			ingest.WeatherPoint(upstream.WeatherRecord{
				Time: ts, StationID: "ST01",
				Temperature: upstream.Float(15 + float64(ts.Hour()%10)),
				Humidity:    upstream.Float(45 + float64(ts.Hour())),
			}, ingest.SourceOfficial, "hourly"),
		)
	}
	_, err := mem.WritePoints(context.Background(), "operational", points)
	require.NoError(t, err)
}

func TestEngineTrainAndPlanDay(t *testing.T) {
	e, mem := newEngineFixture(t)
	seedHistory(t, mem, 24*14)

	report, err := e.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24*14, report.Rows)

	plan, err := e.PlanDay(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Timeline, 24)
	assert.GreaterOrEqual(t, plan.AggregateSavingsEUR, 0.0)
	assert.InDelta(t, plan.BaselineCostEUR, plan.OptimizedCostEUR+plan.AggregateSavingsEUR, 1e-9)
	for _, h := range plan.Timeline {
		assert.NotEmpty(t, h.Process)
		assert.GreaterOrEqual(t, h.EnergyScore, 0.0)
		assert.LessOrEqual(t, h.EnergyScore, 100.0)
	}
}

func TestEngineScoreRequiresArtifact(t *testing.T) {
	e, _ := newEngineFixture(t)
	_, _, err := e.ScoreHour(0.10, 20, 50)
	assert.Error(t, err)
}

func TestOptimalWindowsAreDisjointAndSortedByPrice(t *testing.T) {
	e, mem := newEngineFixture(t)
	seedHistory(t, mem, 24*14)
	_, err := e.Train(context.Background())
	require.NoError(t, err)

	windows, err := e.OptimalWindows(context.Background(), 4, 3)
	require.NoError(t, err)
	require.Len(t, windows, 3)

	for i := 1; i < len(windows); i++ {
		assert.LessOrEqual(t, windows[i-1].MeanPrice, windows[i].MeanPrice)
	}
	for i := range windows {
		for j := i + 1; j < len(windows); j++ {
			disjoint := !windows[i].Start.Before(windows[j].End) || !windows[j].Start.Before(windows[i].End)
			assert.True(t, disjoint, "windows %d and %d overlap", i, j)
		}
	}
}

func TestSavingsTracking(t *testing.T) {
	e, mem := newEngineFixture(t)
	seedHistory(t, mem, 24*14)

	savings, err := e.SavingsTracking(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, savings.DailyEUR*30, savings.MonthlyEUR, 1e-9)
	assert.InDelta(t, savings.DailyEUR*365, savings.AnnualEUR, 1e-9)
	assert.Contains(t, savings.Breakdown, "flat_mean_eur_kwh")
}

func TestLoadMachineryDefault(t *testing.T) {
	m, err := LoadMachinery("")
	require.NoError(t, err)
	assert.Len(t, m.Processes, 3)
	assert.Equal(t, "conching", m.PrimaryAt(time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)).Name)
}
