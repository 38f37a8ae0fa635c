package scoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/forecast"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/registry"
	"github.com/cacaoforge/chocowatt/internal/store"
)

// ArtifactKind is the registry key for the scoring artifact.
const ArtifactKind = "scoring"

const trainingLookback = 30 * 24 * time.Hour

// Forecaster is the price-forecast surface the planner needs.
type Forecaster interface {
	Forecast(ctx context.Context, now time.Time, hours int) ([]forecast.Prediction, error)
}

// Engine serves scores, classes, and day plans from the trained
// artifact.
type Engine struct {
	store     store.Store
	bucket    string
	reg       *registry.Registry
	machinery Machinery
	prices    Forecaster
	loc       *time.Location

	mu       sync.RWMutex
	artifact *Artifact

	now func() time.Time
}

func NewEngine(st store.Store, bucket string, reg *registry.Registry, machinery Machinery, prices Forecaster, loc *time.Location) *Engine {
	return &Engine{
		store:     st,
		bucket:    bucket,
		reg:       reg,
		machinery: machinery,
		prices:    prices,
		loc:       loc,
		now:       time.Now,
	}
}

// LoadLatest restores the published scoring artifact.
func (e *Engine) LoadLatest() error {
	var a Artifact
	if err := e.reg.LoadLatest(ArtifactKind, &a); err != nil {
		return err
	}
	e.mu.Lock()
	e.artifact = &a
	e.mu.Unlock()
	return nil
}

// Train builds the dataset from recent ingestion, fits both models,
// and publishes the artifact.
func (e *Engine) Train(ctx context.Context) (Report, error) {
	inputs, err := e.buildDataset(ctx)
	if err != nil {
		return Report{}, err
	}
	artifact, err := TrainArtifact(inputs, e.loc)
	if err != nil {
		return Report{}, err
	}
	if _, err := e.reg.Save(ArtifactKind, artifact, artifact.Report); err != nil {
		return Report{}, err
	}

	e.mu.Lock()
	e.artifact = artifact
	e.mu.Unlock()

	if artifact.Report.OverfitRegressor || artifact.Report.OverfitClassifier {
		log.Warn().Interface("report", artifact.Report).Msg("scoring artifact flagged as overfit")
	} else {
		log.Info().Int("rows", artifact.Report.Rows).
			Float64("r2_test", artifact.Report.R2Test).
			Float64("accuracy_test", artifact.Report.AccuracyTest).
			Msg("scoring artifact trained")
	}
	return artifact.Report, nil
}

// buildDataset joins hourly prices and weather over the training
// lookback, labeling each hour with its primary process.
func (e *Engine) buildDataset(ctx context.Context) ([]HourInput, error) {
	end := e.now().UTC().Truncate(time.Hour)
	start := end.Add(-trainingLookback)

	prices, err := e.store.Range(ctx, e.bucket, ingest.MeasurementPrices, nil, start, end)
	if err != nil {
		return nil, err
	}
	weather, err := e.store.Range(ctx, e.bucket, ingest.MeasurementWeather, nil, start, end)
	if err != nil {
		return nil, err
	}

	type wx struct{ temp, humidity float64 }
	byHour := map[time.Time]wx{}
	for _, r := range weather {
		t, okT := r.Fields["temperature"]
		h, okH := r.Fields["humidity"]
		if okT && okH {
			byHour[r.Time.Truncate(time.Hour)] = wx{t, h}
		}
	}

	var inputs []HourInput
	for _, r := range prices {
		price, ok := r.Fields["price_eur_kwh"]
		if !ok {
			continue
		}
		hour := r.Time.Truncate(time.Hour)
		w, ok := byHour[hour]
		if !ok {
			continue
		}
		inputs = append(inputs, HourInput{
			Time:        hour,
			PriceEURKWh: price,
			Temperature: w.temp,
			Humidity:    w.humidity,
			Process:     e.machinery.PrimaryAt(hour.In(e.loc)),
		})
	}
	return inputs, nil
}

// ScoreHour evaluates the regressor for explicit conditions; the
// process defaults to the primary one for the current hour.
func (e *Engine) ScoreHour(price, temperature, humidity float64) (float64, HourInput, error) {
	a, err := e.current()
	if err != nil {
		return 0, HourInput{}, err
	}
	in := HourInput{
		Time:        e.now(),
		PriceEURKWh: price,
		Temperature: temperature,
		Humidity:    humidity,
		Process:     e.machinery.PrimaryAt(e.now().In(e.loc)),
	}
	return a.Score(in, e.loc), in, nil
}

// ClassifyHour evaluates the classifier for explicit conditions.
func (e *Engine) ClassifyHour(price, temperature, humidity float64) (Class, float64, HourInput, error) {
	a, err := e.current()
	if err != nil {
		return "", 0, HourInput{}, err
	}
	in := HourInput{
		Time:        e.now(),
		PriceEURKWh: price,
		Temperature: temperature,
		Humidity:    humidity,
		Process:     e.machinery.PrimaryAt(e.now().In(e.loc)),
	}
	class, conf := a.Classify(in, e.loc)
	return class, conf, in, nil
}

// PlanHour is one row of the daily plan.
type PlanHour struct {
	Time             time.Time `json:"time"`
	Process          string    `json:"process"`
	PriceEURKWh      float64   `json:"price_eur_kwh"`
	Temperature      float64   `json:"temperature"`
	Humidity         float64   `json:"humidity"`
	EnergyScore      float64   `json:"energy_score"`
	Class            Class     `json:"production_class"`
	EstimatedCostEUR float64   `json:"estimated_cost_eur"`
}

// DayPlan is the full 24-hour recommendation.
type DayPlan struct {
	Date                time.Time  `json:"date"`
	Timeline            []PlanHour `json:"timeline"`
	BaselineCostEUR     float64    `json:"baseline_cost_eur"`
	OptimizedCostEUR    float64    `json:"optimized_cost_eur"`
	AggregateSavingsEUR float64    `json:"aggregate_savings_eur"`
}

// PlanDay scores all 24 hours of the next day from the price forecast
// and the stored weather forecast, then compares running every hour
// against running only the recommended ones.
func (e *Engine) PlanDay(ctx context.Context) (DayPlan, error) {
	a, err := e.current()
	if err != nil {
		return DayPlan{}, err
	}
	now := e.now()

	preds, err := e.prices.Forecast(ctx, now, 24)
	if err != nil {
		return DayPlan{}, err
	}
	wx, err := e.weatherForecast(ctx, preds[0].Time, preds[len(preds)-1].Time.Add(time.Hour))
	if err != nil {
		return DayPlan{}, err
	}

	plan := DayPlan{Date: preds[0].Time}
	for _, p := range preds {
		w := wx(p.Time)
		in := HourInput{
			Time:        p.Time,
			PriceEURKWh: p.Value,
			Temperature: w.temp,
			Humidity:    w.humidity,
			Process:     e.machinery.PrimaryAt(p.Time.In(e.loc)),
		}
		class, _ := a.Classify(in, e.loc)
		cost := in.PriceEURKWh * in.Process.PowerKW *
			ingest.TariffMultiplier(ingest.TariffPeriodOf(p.Time.In(e.loc)))

		plan.Timeline = append(plan.Timeline, PlanHour{
			Time:             p.Time,
			Process:          in.Process.Name,
			PriceEURKWh:      in.PriceEURKWh,
			Temperature:      in.Temperature,
			Humidity:         in.Humidity,
			EnergyScore:      a.Score(in, e.loc),
			Class:            class,
			EstimatedCostEUR: cost,
		})

		plan.BaselineCostEUR += cost
		if class == ClassOptimal || class == ClassModerate {
			plan.OptimizedCostEUR += cost
		}
	}
	plan.AggregateSavingsEUR = plan.BaselineCostEUR - plan.OptimizedCostEUR
	return plan, nil
}

type wxSample struct{ temp, humidity float64 }

// weatherForecast serves stored forecast points for the span, falling
// back to holding the latest observation flat when none exist.
func (e *Engine) weatherForecast(ctx context.Context, start, end time.Time) (func(time.Time) wxSample, error) {
	records, err := e.store.Range(ctx, e.bucket, ingest.MeasurementWeather,
		store.TagFilter{"data_source": ingest.SourceForecast}, start, end)
	if err != nil {
		return nil, err
	}
	byHour := map[time.Time]wxSample{}
	for _, r := range records {
		t, okT := r.Fields["temperature"]
		h, okH := r.Fields["humidity"]
		if okT && okH {
			byHour[r.Time.Truncate(time.Hour)] = wxSample{t, h}
		}
	}

	fallback := wxSample{temp: 18, humidity: 55}
	recent, err := e.store.Range(ctx, e.bucket, ingest.MeasurementWeather, nil,
		start.Add(-24*time.Hour), start)
	if err == nil {
		for _, r := range recent {
			t, okT := r.Fields["temperature"]
			h, okH := r.Fields["humidity"]
			if okT && okH {
				fallback = wxSample{t, h}
			}
		}
	}

	return func(t time.Time) wxSample {
		if w, ok := byHour[t.Truncate(time.Hour)]; ok {
			return w
		}
		return fallback
	}, nil
}

// Window is one ranked low-price span.
type Window struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	MeanPrice float64   `json:"mean_price"`
	Score     float64   `json:"score"`
}

// OptimalWindows ranks contiguous spans of the weekly forecast by mean
// price, one window length per process duration.
func (e *Engine) OptimalWindows(ctx context.Context, spanHours, topN int) ([]Window, error) {
	if spanHours < 1 {
		spanHours = e.machinery.Processes[0].DurationHours
	}
	if topN < 1 {
		topN = 5
	}

	preds, err := e.prices.Forecast(ctx, e.now(), forecast.MaxHorizonHours)
	if err != nil {
		return nil, err
	}
	if len(preds) < spanHours {
		return nil, errkind.New(errkind.Validation, "forecast shorter than window span %d", spanHours)
	}

	var windows []Window
	for i := 0; i+spanHours <= len(preds); i++ {
		var sum float64
		for _, p := range preds[i : i+spanHours] {
			sum += p.Value
		}
		mean := sum / float64(spanHours)
		windows = append(windows, Window{
			Start:     preds[i].Time,
			End:       preds[i+spanHours-1].Time.Add(time.Hour),
			MeanPrice: mean,
			Score:     (1 - priceNorm(mean)) * 100,
		})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].MeanPrice < windows[j].MeanPrice })

	// Drop overlapping runners-up so the list is actionable.
	var out []Window
	for _, w := range windows {
		overlaps := false
		for _, kept := range out {
			if w.Start.Before(kept.End) && kept.Start.Before(w.End) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			out = append(out, w)
		}
		if len(out) == topN {
			break
		}
	}
	return out, nil
}

// Savings is the rolling ROI estimate against a run-flat baseline.
type Savings struct {
	DailyEUR   float64            `json:"daily_eur"`
	MonthlyEUR float64            `json:"monthly_eur"`
	AnnualEUR  float64            `json:"annual_eur"`
	Breakdown  map[string]float64 `json:"breakdown"`
}

// SavingsTracking compares the mean price actually paid during valley
// hours against the flat daily mean over the last 30 days.
func (e *Engine) SavingsTracking(ctx context.Context) (Savings, error) {
	end := e.now().UTC().Truncate(time.Hour)
	start := end.Add(-30 * 24 * time.Hour)

	records, err := e.store.Range(ctx, e.bucket, ingest.MeasurementPrices, nil, start, end)
	if err != nil {
		return Savings{}, err
	}

	var flatSum, valleySum float64
	var flatN, valleyN int
	for _, r := range records {
		price, ok := r.Fields["price_eur_kwh"]
		if !ok {
			continue
		}
		flatSum += price
		flatN++
		if r.Tags["tariff_period"] == string(ingest.P6) {
			valleySum += price
			valleyN++
		}
	}
	if flatN == 0 || valleyN == 0 {
		return Savings{}, errkind.New(errkind.Validation, "not enough price history for savings tracking")
	}

	flatMean := flatSum / float64(flatN)
	valleyMean := valleySum / float64(valleyN)

	// Daily consumption of the heaviest process during its duration.
	proc := e.machinery.Processes[0]
	dailyKWh := proc.PowerKW * float64(proc.DurationHours)
	daily := (flatMean - valleyMean) * dailyKWh

	return Savings{
		DailyEUR:   daily,
		MonthlyEUR: daily * 30,
		AnnualEUR:  daily * 365,
		Breakdown: map[string]float64{
			"flat_mean_eur_kwh":   flatMean,
			"valley_mean_eur_kwh": valleyMean,
			"daily_kwh_shifted":   dailyKWh,
		},
	}, nil
}

// Status reports whether the artifact is loaded and its report.
func (e *Engine) Status() (Report, time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.artifact == nil {
		return Report{}, time.Time{}, false
	}
	return e.artifact.Report, e.artifact.TrainedAt, true
}

func (e *Engine) current() (*Artifact, error) {
	e.mu.RLock()
	a := e.artifact
	e.mu.RUnlock()
	if a != nil {
		return a, nil
	}
	if err := e.LoadLatest(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.artifact, nil
}
