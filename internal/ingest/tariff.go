package ingest

import "time"

// TariffPeriod is one of the six 3.0TD calendar-and-hour buckets. The
// band (peak, flat, valley) comes from the hour; which P-number the
// band maps to comes from the electrical season of the month.
type TariffPeriod string

const (
	P1 TariffPeriod = "P1"
	P2 TariffPeriod = "P2"
	P3 TariffPeriod = "P3"
	P4 TariffPeriod = "P4"
	P5 TariffPeriod = "P5"
	P6 TariffPeriod = "P6"
)

type tariffBand int

const (
	bandValley tariffBand = iota
	bandFlat
	bandPeak
)

func bandOf(hour int) tariffBand {
	switch {
	case hour < 8:
		return bandValley
	case hour >= 9 && hour < 14, hour >= 18 && hour < 22:
		return bandPeak
	default:
		return bandFlat
	}
}

// electricalSeason returns the (peak, flat) periods for the month per
// the peninsular 3.0TD calendar.
func electricalSeason(m time.Month) (TariffPeriod, TariffPeriod) {
	switch m {
	case time.January, time.February, time.July, time.December:
		return P1, P2
	case time.March, time.November:
		return P2, P3
	case time.June, time.August, time.September:
		return P3, P4
	default: // April, May, October
		return P4, P5
	}
}

// TariffPeriodOf classifies a local timestamp. Weekends and national
// holidays are entirely valley (P6).
func TariffPeriodOf(t time.Time) TariffPeriod {
	if DayTypeOf(t) != DayWeekday {
		return P6
	}
	band := bandOf(t.Hour())
	if band == bandValley {
		return P6
	}
	peak, flat := electricalSeason(t.Month())
	if band == bandPeak {
		return peak
	}
	return flat
}

// IsPeakHour reports whether the hour falls in the most expensive
// period (P1); used as a frozen forecaster regressor.
func IsPeakHour(t time.Time) bool {
	return TariffPeriodOf(t) == P1
}

// TariffMultiplier scales estimated costs by band: valley hours are
// rewarded, peak hours penalized.
func TariffMultiplier(p TariffPeriod) float64 {
	switch p {
	case P6:
		return 0.8
	case P1, P2:
		return 1.3
	default:
		return 1.0
	}
}

// IsValley reports whether the period is the cheap band.
func IsValley(p TariffPeriod) bool { return p == P6 }
