// Package forecast fits and serves the hourly price model: an additive
// model on log prices with daily, weekly and yearly Fourier seasonality
// plus three frozen binary regressors. Working in log space makes the
// seasonal effects multiplicative on the price scale.
package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/ingest"
)

const (
	// MaxHorizonHours bounds prediction requests.
	MaxHorizonHours = 168

	// Fourier harmonics per seasonal component.
	dailyK  = 4
	weeklyK = 3
	yearlyK = 3

	hoursPerDay  = 24.0
	hoursPerWeek = 168.0
	hoursPerYear = 8766.0

	// logEpsilon guards the transform against zero prices.
	logEpsilon = 1e-3

	// z for the 95% prediction interval.
	z95 = 1.959963984540054

	minTrainingPoints = 72
	holdoutFraction   = 0.2
)

// Observation is one training input.
type Observation struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"` // price_eur_kwh
}

// Metrics is the holdout evaluation recorded with each artifact.
type Metrics struct {
	MAE        float64 `json:"mae"`
	RMSE       float64 `json:"rmse"`
	R2         float64 `json:"r2"`
	Coverage95 float64 `json:"coverage_95"`
}

// Model is the serializable artifact.
type Model struct {
	Coefficients  []float64 `json:"coefficients"`
	ResidualSigma float64   `json:"residual_sigma"`
	TrainedAt     time.Time `json:"trained_at"`
	TrainStart    time.Time `json:"train_start"`
	TrainEnd      time.Time `json:"train_end"`
	TrainingRows  int       `json:"training_rows"`
	Metrics       Metrics   `json:"metrics"`
	Location      string    `json:"location"`

	loc *time.Location
}

// Prediction is one forecast hour.
type Prediction struct {
	Time    time.Time `json:"time"`
	Value   float64   `json:"value"`
	Lower95 float64   `json:"lower_95"`
	Upper95 float64   `json:"upper_95"`
}

// features builds the design row for one hour. The regressor set
// {is_peak_hour, is_weekend, is_holiday} is frozen; see the training
// notes in DESIGN.md before changing it.
func features(t, origin time.Time, loc *time.Location) []float64 {
	h := t.Sub(origin).Hours()
	row := make([]float64, 0, 1+2*(dailyK+weeklyK+yearlyK)+3)
	row = append(row, 1) // intercept

	addFourier := func(period float64, k int) {
		for i := 1; i <= k; i++ {
			w := 2 * math.Pi * float64(i) * h / period
			row = append(row, math.Sin(w), math.Cos(w))
		}
	}
	addFourier(hoursPerDay, dailyK)
	addFourier(hoursPerWeek, weeklyK)
	addFourier(hoursPerYear, yearlyK)

	local := t.In(loc)
	row = append(row, b2f(ingest.IsPeakHour(local)))
	row = append(row, b2f(ingest.DayTypeOf(local) == ingest.DayWeekend))
	row = append(row, b2f(ingest.IsHoliday(local)))
	return row
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Train fits the model on the full history and evaluates it on the
// last 20% as a holdout, then refits on everything.
func Train(observations []Observation, loc *time.Location) (*Model, error) {
	if len(observations) < minTrainingPoints {
		return nil, errkind.New(errkind.Validation, "need at least %d observations, have %d", minTrainingPoints, len(observations))
	}
	obs := append([]Observation(nil), observations...)
	sort.Slice(obs, func(i, j int) bool { return obs[i].Time.Before(obs[j].Time) })

	origin := obs[0].Time.UTC()
	split := len(obs) - int(float64(len(obs))*holdoutFraction)
	train, test := obs[:split], obs[split:]

	coef, sigma, err := fit(train, origin, loc)
	if err != nil {
		return nil, err
	}
	metrics := evaluate(coef, sigma, test, origin, loc)

	// Final artifact uses every observation.
	coef, sigma, err = fit(obs, origin, loc)
	if err != nil {
		return nil, err
	}

	return &Model{
		Coefficients:  coef,
		ResidualSigma: sigma,
		TrainedAt:     time.Now().UTC(),
		TrainStart:    origin,
		TrainEnd:      obs[len(obs)-1].Time.UTC(),
		TrainingRows:  len(obs),
		Metrics:       metrics,
		Location:      loc.String(),
		loc:           loc,
	}, nil
}

func fit(obs []Observation, origin time.Time, loc *time.Location) ([]float64, float64, error) {
	x := make([][]float64, len(obs))
	y := make([]float64, len(obs))
	for i, o := range obs {
		x[i] = features(o.Time.UTC(), origin, loc)
		y[i] = math.Log(math.Max(o.Value, 0) + logEpsilon)
	}
	coef, err := OLS(x, y)
	if err != nil {
		return nil, 0, err
	}

	var ss float64
	for i := range x {
		r := y[i] - dot(coef, x[i])
		ss += r * r
	}
	sigma := math.Sqrt(ss / float64(len(x)))
	return coef, sigma, nil
}

func evaluate(coef []float64, sigma float64, test []Observation, origin time.Time, loc *time.Location) Metrics {
	if len(test) == 0 {
		return Metrics{}
	}
	var absSum, sqSum, mean float64
	for _, o := range test {
		mean += o.Value
	}
	mean /= float64(len(test))

	var ssTot, covered float64
	for _, o := range test {
		mu := dot(coef, features(o.Time.UTC(), origin, loc))
		pred := math.Exp(mu) - logEpsilon
		diff := pred - o.Value
		absSum += math.Abs(diff)
		sqSum += diff * diff
		ssTot += (o.Value - mean) * (o.Value - mean)

		lo := math.Exp(mu-z95*sigma) - logEpsilon
		hi := math.Exp(mu+z95*sigma) - logEpsilon
		if o.Value >= lo && o.Value <= hi {
			covered++
		}
	}
	n := float64(len(test))
	m := Metrics{
		MAE:        absSum / n,
		RMSE:       math.Sqrt(sqSum / n),
		Coverage95: covered / n,
	}
	if ssTot > 0 {
		m.R2 = 1 - sqSum/ssTot
	}
	return m
}

// Predict returns hours 1..horizon after now, deterministic for a
// fixed (artifact, now) pair.
func (m *Model) Predict(now time.Time, horizonHours int) ([]Prediction, error) {
	if horizonHours < 1 || horizonHours > MaxHorizonHours {
		return nil, errkind.New(errkind.HorizonOutOfRange, "horizon %d outside [1, %d]", horizonHours, MaxHorizonHours)
	}
	loc, err := m.location()
	if err != nil {
		return nil, err
	}

	base := now.UTC().Truncate(time.Hour)
	out := make([]Prediction, horizonHours)
	for h := 1; h <= horizonHours; h++ {
		t := base.Add(time.Duration(h) * time.Hour)
		mu := dot(m.Coefficients, features(t, m.TrainStart, loc))
		out[h-1] = Prediction{
			Time:    t,
			Value:   math.Max(0, math.Exp(mu)-logEpsilon),
			Lower95: math.Max(0, math.Exp(mu-z95*m.ResidualSigma)-logEpsilon),
			Upper95: math.Max(0, math.Exp(mu+z95*m.ResidualSigma)-logEpsilon),
		}
	}
	return out, nil
}

// PredictAt returns the point estimate for one hour; used by the
// scoring planner.
func (m *Model) PredictAt(t time.Time) (float64, error) {
	loc, err := m.location()
	if err != nil {
		return 0, err
	}
	mu := dot(m.Coefficients, features(t.UTC().Truncate(time.Hour), m.TrainStart, loc))
	return math.Max(0, math.Exp(mu)-logEpsilon), nil
}

func (m *Model) location() (*time.Location, error) {
	if m.loc != nil {
		return m.loc, nil
	}
	loc, err := time.LoadLocation(m.Location)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "artifact location %q", m.Location)
	}
	m.loc = loc
	return loc, nil
}

// Validate runs a smoke predict; called after loading an artifact so a
// corrupt file fails loudly instead of surfacing as cryptic prediction
// errors later.
func (m *Model) Validate(now time.Time) error {
	if len(m.Coefficients) != 1+2*(dailyK+weeklyK+yearlyK)+3 {
		return errkind.New(errkind.Internal, "artifact has %d coefficients", len(m.Coefficients))
	}
	preds, err := m.Predict(now, 1)
	if err != nil {
		return err
	}
	if math.IsNaN(preds[0].Value) || math.IsInf(preds[0].Value, 0) {
		return errkind.New(errkind.Internal, "artifact smoke predict produced %v", preds[0].Value)
	}
	return nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
