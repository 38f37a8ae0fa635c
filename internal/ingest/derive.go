package ingest

import "math"

// Default process optima for the comfort index when no machinery spec
// is in play (conching room setpoints).
const (
	defaultTempOpt     = 20.0
	defaultHumidityOpt = 45.0
)

// HeatIndex computes the apparent temperature (Rothfusz regression) in
// Celsius. Below 27C the simple formula is used; the full regression
// only holds in hot, humid conditions.
func HeatIndex(tempC, humidity float64) float64 {
	tf := tempC*9/5 + 32
	if tf < 80 {
		simple := 0.5 * (tf + 61.0 + (tf-68.0)*1.2 + humidity*0.094)
		return (simple - 32) * 5 / 9
	}
	hi := -42.379 +
		2.04901523*tf +
		10.14333127*humidity -
		0.22475541*tf*humidity -
		0.00683783*tf*tf -
		0.05481717*humidity*humidity +
		0.00122874*tf*tf*humidity +
		0.00085282*tf*humidity*humidity -
		0.00000199*tf*tf*humidity*humidity

	switch {
	case humidity < 13 && tf >= 80 && tf <= 112:
		hi -= ((13 - humidity) / 4) * math.Sqrt((17-math.Abs(tf-95))/17)
	case humidity > 85 && tf >= 80 && tf <= 87:
		hi += ((humidity - 85) / 10) * ((87 - tf) / 5)
	}
	return (hi - 32) * 5 / 9
}

// ThermalEfficiency scores how close the temperature is to the process
// optimum, in [0,100].
func ThermalEfficiency(tempC, tempOpt float64) float64 {
	return math.Max(0, 100-5*math.Abs(tempC-tempOpt))
}

// HumidityEfficiency scores humidity closeness to the optimum, in
// [0,100].
func HumidityEfficiency(humidity, humidityOpt float64) float64 {
	return math.Max(0, 100-2*math.Abs(humidity-humidityOpt))
}

// ComfortIndex is the production comfort index: a [0,100] suitability
// score for running the process at these ambient conditions.
func ComfortIndex(tempC, humidity, tempOpt, humidityOpt float64) float64 {
	return 0.6*ThermalEfficiency(tempC, tempOpt) + 0.4*HumidityEfficiency(humidity, humidityOpt)
}

// DefaultComfortIndex uses the conching room setpoints.
func DefaultComfortIndex(tempC, humidity float64) float64 {
	return ComfortIndex(tempC, humidity, defaultTempOpt, defaultHumidityOpt)
}
