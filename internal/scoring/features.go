package scoring

import (
	"math"
	"time"

	"github.com/cacaoforge/chocowatt/internal/ingest"
)

// Reference price range for normalization when a request arrives
// without historical context.
const (
	priceNormMin = 0.05 // EUR/kWh
	priceNormMax = 0.35
)

// FeatureNames is the frozen model input order.
var FeatureNames = []string{
	"price_eur_kwh",
	"hour",
	"day_of_week",
	"temperature",
	"humidity",
	"machine_power_kw",
	"machine_thermal_efficiency",
	"machine_humidity_efficiency",
	"estimated_cost_eur",
	"tariff_multiplier",
}

// HourInput is the raw input for scoring one hour.
type HourInput struct {
	Time        time.Time
	PriceEURKWh float64
	Temperature float64
	Humidity    float64
	Process     ProcessSpec
}

// priceNorm maps a price into [0,1] against the reference band.
func priceNorm(price float64) float64 {
	n := (price - priceNormMin) / (priceNormMax - priceNormMin)
	return math.Min(1, math.Max(0, n))
}

// Vector builds the 10-feature model input.
func Vector(in HourInput, loc *time.Location) []float64 {
	local := in.Time.In(loc)
	period := ingest.TariffPeriodOf(local)
	cost := in.PriceEURKWh * in.Process.PowerKW * ingest.TariffMultiplier(period)
	return []float64{
		in.PriceEURKWh,
		float64(local.Hour()),
		float64(local.Weekday()),
		in.Temperature,
		in.Humidity,
		in.Process.PowerKW,
		in.Process.ThermalEfficiency,
		in.Process.HumidityEfficiency,
		cost,
		ingest.TariffMultiplier(period),
	}
}

// EnergyScoreTarget is the deterministic regression target in [0,100].
func EnergyScoreTarget(in HourInput, loc *time.Location) float64 {
	local := in.Time.In(loc)
	period := ingest.TariffPeriodOf(local)

	thermal := ingest.ThermalEfficiency(in.Temperature, in.Process.OptimalTempC)
	humid := ingest.HumidityEfficiency(in.Humidity, in.Process.OptimalHumidityPct)
	tariffBonus := 0.0
	if ingest.IsValley(period) {
		tariffBonus = 100.0
	}

	score := 0.40*(1-priceNorm(in.PriceEURKWh))*100 +
		0.35*thermal +
		0.15*humid +
		0.10*tariffBonus
	return math.Min(100, math.Max(0, score))
}

// Class is the production recommendation bucket.
type Class string

const (
	ClassOptimal  Class = "Optimal"
	ClassModerate Class = "Moderate"
	ClassReduced  Class = "Reduced"
	ClassHalt     Class = "Halt"
)

// valleyBoost lifts the suitability of cheap-band hours before binning.
const valleyBoost = 1.15

// Suitability is the deterministic classification score.
func Suitability(in HourInput, loc *time.Location) float64 {
	local := in.Time.In(loc)
	thermal := ingest.ThermalEfficiency(in.Temperature, in.Process.OptimalTempC)
	humid := ingest.HumidityEfficiency(in.Humidity, in.Process.OptimalHumidityPct)

	s := 0.45*thermal + 0.25*humid + 0.30*(1-priceNorm(in.PriceEURKWh))*100
	if ingest.IsValley(ingest.TariffPeriodOf(local)) {
		s *= valleyBoost
	}
	return math.Min(100, s)
}

// ClassOf bins a suitability score.
func ClassOf(suitability float64) Class {
	switch {
	case suitability >= 75:
		return ClassOptimal
	case suitability >= 55:
		return ClassModerate
	case suitability >= 35:
		return ClassReduced
	default:
		return ClassHalt
	}
}
