package upstream

import "time"

// PriceRecord is one hourly wholesale price as returned by the price
// upstream, before tag derivation.
type PriceRecord struct {
	Time        time.Time
	PriceEURMWh float64
}

// WeatherRecord is one observation or forecast hour. Optional sensors
// are pointers so absent readings are distinguishable from zero.
type WeatherRecord struct {
	Time           time.Time
	StationID      string
	Temperature    *float64
	TemperatureMin *float64
	TemperatureMax *float64
	Humidity       *float64
	HumidityMin    *float64
	HumidityMax    *float64
	Pressure       *float64
	WindSpeed      *float64
	WindDirection  *float64
	Precipitation  *float64
	SolarRadiation *float64
}

// DailyClimatology is one consolidated daily aggregate from the
// observation upstream's climatology endpoint.
type DailyClimatology struct {
	Date           time.Time
	StationID      string
	TempMean       *float64
	TempMin        *float64
	TempMax        *float64
	HumidityMean   *float64
	WindMean       *float64
	Precipitation  *float64
	SolarRadiation *float64
}

func Float(v float64) *float64 { return &v }
