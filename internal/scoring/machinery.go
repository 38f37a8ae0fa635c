// Package scoring turns price and weather forecasts into hour-by-hour
// production recommendations for the plant's processes.
package scoring

import (
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

// ProcessSpec describes one production process. Immutable after
// startup: the optima here are the source of truth for scoring
// targets, never learned.
type ProcessSpec struct {
	Name               string  `yaml:"name" json:"name"`
	PowerKW            float64 `yaml:"power_kw" json:"power_kw"`
	DurationHours      int     `yaml:"duration_hours" json:"duration_hours"`
	OptimalTempC       float64 `yaml:"optimal_temp_c" json:"optimal_temp_c"`
	OptimalHumidityPct float64 `yaml:"optimal_humidity_pct" json:"optimal_humidity_pct"`
	ActiveHours        []int   `yaml:"active_hours" json:"active_hours"`

	// Relative efficiency factors used as model features.
	ThermalEfficiency  float64 `yaml:"thermal_efficiency" json:"thermal_efficiency"`
	HumidityEfficiency float64 `yaml:"humidity_efficiency" json:"humidity_efficiency"`
}

// Machinery is the full process catalog.
type Machinery struct {
	Processes []ProcessSpec `yaml:"processes"`
}

// LoadMachinery reads the YAML catalog; an empty path returns the
// built-in default.
func LoadMachinery(path string) (Machinery, error) {
	if path == "" {
		return DefaultMachinery(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Machinery{}, errkind.Wrap(errkind.Config, err, "reading machinery spec %s", path)
	}
	var m Machinery
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machinery{}, errkind.Wrap(errkind.Config, err, "parsing machinery spec %s", path)
	}
	if len(m.Processes) == 0 {
		return Machinery{}, errkind.New(errkind.Config, "machinery spec %s has no processes", path)
	}
	for _, p := range m.Processes {
		if p.PowerKW <= 0 {
			return Machinery{}, errkind.New(errkind.Config, "process %q has power %.1f kW", p.Name, p.PowerKW)
		}
	}
	return m, nil
}

// DefaultMachinery covers the three standard chocolate stages.
func DefaultMachinery() Machinery {
	return Machinery{Processes: []ProcessSpec{
		{
			Name: "conching", PowerKW: 45, DurationHours: 8,
			OptimalTempC: 20, OptimalHumidityPct: 45,
			ActiveHours:       hours(0, 23),
			ThermalEfficiency: 0.92, HumidityEfficiency: 0.88,
		},
		{
			Name: "tempering", PowerKW: 28, DurationHours: 3,
			OptimalTempC: 18, OptimalHumidityPct: 40,
			ActiveHours:       hours(6, 21),
			ThermalEfficiency: 0.95, HumidityEfficiency: 0.90,
		},
		{
			Name: "molding", PowerKW: 15, DurationHours: 4,
			OptimalTempC: 16, OptimalHumidityPct: 50,
			ActiveHours:       hours(7, 19),
			ThermalEfficiency: 0.90, HumidityEfficiency: 0.85,
		},
	}}
}

func hours(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

// ActiveAt returns the processes that may run at a local hour, ordered
// by power draw descending so the planner schedules the heaviest load
// first.
func (m Machinery) ActiveAt(hour int) []ProcessSpec {
	var out []ProcessSpec
	for _, p := range m.Processes {
		for _, h := range p.ActiveHours {
			if h == hour {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PowerKW > out[j].PowerKW })
	return out
}

// PrimaryAt returns the heaviest active process, falling back to the
// first in the catalog outside every active window.
func (m Machinery) PrimaryAt(t time.Time) ProcessSpec {
	if active := m.ActiveAt(t.Hour()); len(active) > 0 {
		return active[0]
	}
	return m.Processes[0]
}
