package ingest

import "time"

// DayType classifies a local date for tariff and feature derivation.
type DayType string

const (
	DayWeekday DayType = "weekday"
	DayWeekend DayType = "weekend"
	DayHoliday DayType = "holiday"
)

// Season is the meteorological season tag derived from the month.
type Season string

const (
	SeasonWinter Season = "winter"
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonAutumn Season = "autumn"
)

// SeasonOf maps months to meteorological seasons (Dec-Feb winter).
func SeasonOf(t time.Time) Season {
	switch t.Month() {
	case time.December, time.January, time.February:
		return SeasonWinter
	case time.March, time.April, time.May:
		return SeasonSpring
	case time.June, time.July, time.August:
		return SeasonSummer
	default:
		return SeasonAutumn
	}
}

// DayTypeOf classifies a local timestamp. Holidays take precedence over
// weekends so a holiday Saturday tags as holiday.
func DayTypeOf(t time.Time) DayType {
	if IsHoliday(t) {
		return DayHoliday
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return DayWeekend
	}
	return DayWeekday
}

// Spanish national holidays with fixed dates (month, day).
var fixedHolidays = [][2]int{
	{1, 1},   // Año Nuevo
	{1, 6},   // Epifanía
	{5, 1},   // Fiesta del Trabajo
	{8, 15},  // Asunción
	{10, 12}, // Fiesta Nacional
	{11, 1},  // Todos los Santos
	{12, 6},  // Constitución
	{12, 8},  // Inmaculada
	{12, 25}, // Navidad
}

// IsHoliday reports whether the local date is a Spanish national
// holiday. Regional holidays are deliberately excluded: the tariff
// calendar only recognizes national ones.
func IsHoliday(t time.Time) bool {
	m, d := int(t.Month()), t.Day()
	for _, h := range fixedHolidays {
		if h[0] == m && h[1] == d {
			return true
		}
	}
	// Good Friday moves with Easter.
	gf := easterSunday(t.Year()).AddDate(0, 0, -2)
	return t.Month() == gf.Month() && t.Day() == gf.Day()
}

// easterSunday computes Easter for a Gregorian year (anonymous
// computus).
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
