package ingest

import (
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

// Physical plausibility bounds. Records outside them are counted as
// validation errors and skipped; they never abort a batch.
const (
	minTemperature = -40.0
	maxTemperature = 60.0
	minHumidity    = 0.0
	maxHumidity    = 100.0
	minPressure    = 800.0
	maxPressure    = 1100.0

	maxPriceEURMWh = 5000.0
)

// clockSkewTolerance is how far into the future a timestamp may point
// before it is rejected; forecast sources bypass this check.
func validateTimestamp(t time.Time, allowFuture bool, skew time.Duration) error {
	if t.IsZero() {
		return errkind.New(errkind.Validation, "zero timestamp")
	}
	if !allowFuture && t.After(time.Now().Add(skew)) {
		return errkind.New(errkind.Validation, "timestamp %s is in the future", t.Format(time.RFC3339))
	}
	return nil
}

func validatePrice(rec upstream.PriceRecord, allowFuture bool, skew time.Duration) error {
	if err := validateTimestamp(rec.Time, allowFuture, skew); err != nil {
		return err
	}
	if rec.PriceEURMWh < 0 || rec.PriceEURMWh > maxPriceEURMWh {
		return errkind.New(errkind.Validation, "price %.2f EUR/MWh out of range", rec.PriceEURMWh)
	}
	return nil
}

func validateWeather(rec upstream.WeatherRecord, allowFuture bool, skew time.Duration) error {
	if err := validateTimestamp(rec.Time, allowFuture, skew); err != nil {
		return err
	}
	if rec.StationID == "" {
		return errkind.New(errkind.Validation, "missing station id")
	}
	check := func(name string, v *float64, lo, hi float64) error {
		if v == nil {
			return nil
		}
		if *v < lo || *v > hi {
			return errkind.New(errkind.Validation, "%s %.2f out of range [%.0f, %.0f]", name, *v, lo, hi)
		}
		return nil
	}
	for _, c := range []struct {
		name   string
		v      *float64
		lo, hi float64
	}{
		{"temperature", rec.Temperature, minTemperature, maxTemperature},
		{"temperature_min", rec.TemperatureMin, minTemperature, maxTemperature},
		{"temperature_max", rec.TemperatureMax, minTemperature, maxTemperature},
		{"humidity", rec.Humidity, minHumidity, maxHumidity},
		{"humidity_min", rec.HumidityMin, minHumidity, maxHumidity},
		{"humidity_max", rec.HumidityMax, minHumidity, maxHumidity},
		{"pressure", rec.Pressure, minPressure, maxPressure},
	} {
		if err := check(c.name, c.v, c.lo, c.hi); err != nil {
			return err
		}
	}
	return nil
}
