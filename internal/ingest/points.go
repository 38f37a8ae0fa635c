package ingest

import (
	"time"

	"github.com/cacaoforge/chocowatt/internal/store"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

// Measurement and tag vocabulary for the operational bucket.
const (
	MeasurementPrices  = "energy_prices"
	MeasurementWeather = "weather_data"
	MeasurementSIAR    = "siar_weather"

	SourceRealtime   = "realtime"
	SourceHistorical = "historical"
	SourceForecast   = "forecast"
	SourceOfficial   = "official"
	SourceCSV        = "historical_csv"

	providerREE    = "ree"
	marketPVPC     = "pvpc"
	dataTypeHourly = "hourly"
	dataTypeDaily  = "daily"
)

// PricePoint derives tags and fields for one hourly price. The tariff
// period and day type come from the plant's local calendar, so the
// caller passes the plant time zone.
func PricePoint(rec upstream.PriceRecord, dataSource string, loc *time.Location) store.Point {
	local := rec.Time.In(loc)
	return store.Point{
		Measurement: MeasurementPrices,
		Tags: map[string]string{
			"provider":      providerREE,
			"market_type":   marketPVPC,
			"tariff_period": string(TariffPeriodOf(local)),
			"day_type":      string(DayTypeOf(local)),
			"season":        string(SeasonOf(local)),
			"data_source":   dataSource,
		},
		Fields: map[string]float64{
			"price_eur_mwh": rec.PriceEURMWh,
			"price_eur_kwh": rec.PriceEURMWh / 1000,
		},
		Time: rec.Time,
	}
}

// WeatherPoint maps one weather record to a store point, computing the
// derived comfort fields when both temperature and humidity are known.
func WeatherPoint(rec upstream.WeatherRecord, dataSource, dataType string) store.Point {
	fields := map[string]float64{}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = *v
		}
	}
	put("temperature", rec.Temperature)
	put("temperature_min", rec.TemperatureMin)
	put("temperature_max", rec.TemperatureMax)
	put("humidity", rec.Humidity)
	put("humidity_min", rec.HumidityMin)
	put("humidity_max", rec.HumidityMax)
	put("pressure", rec.Pressure)
	put("wind_speed", rec.WindSpeed)
	put("wind_direction", rec.WindDirection)
	put("precipitation", rec.Precipitation)
	put("solar_radiation", rec.SolarRadiation)

	if rec.Temperature != nil && rec.Humidity != nil {
		fields["heat_index"] = HeatIndex(*rec.Temperature, *rec.Humidity)
		fields["production_comfort_index"] = DefaultComfortIndex(*rec.Temperature, *rec.Humidity)
	}

	return store.Point{
		Measurement: MeasurementWeather,
		Tags: map[string]string{
			"station_id":  rec.StationID,
			"data_source": dataSource,
			"data_type":   dataType,
		},
		Fields: fields,
		Time:   rec.Time,
	}
}

// ClimatologyPoint maps a consolidated daily aggregate to a daily
// weather point; the timestamp is local noon so it sorts inside the day
// it describes.
func ClimatologyPoint(rec upstream.DailyClimatology, loc *time.Location) store.Point {
	wrec := upstream.WeatherRecord{
		Time:           time.Date(rec.Date.Year(), rec.Date.Month(), rec.Date.Day(), 12, 0, 0, 0, loc).UTC(),
		StationID:      rec.StationID,
		Temperature:    rec.TempMean,
		TemperatureMin: rec.TempMin,
		TemperatureMax: rec.TempMax,
		Humidity:       rec.HumidityMean,
		WindSpeed:      rec.WindMean,
		Precipitation:  rec.Precipitation,
		SolarRadiation: rec.SolarRadiation,
	}
	return WeatherPoint(wrec, SourceOfficial, dataTypeDaily)
}
