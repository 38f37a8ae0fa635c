// Package config loads runtime configuration from the environment.
// Missing required keys are a fatal ConfigError; the CLI maps that to
// exit code 2.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
)

type Store struct {
	URL               string
	Token             string
	Org               string
	BucketOperational string
	BucketHistorical  string
}

type Upstreams struct {
	PriceAPIBase           string
	WeatherObsAPIBase      string
	WeatherObsAPIKey       string
	WeatherRealtimeAPIBase string
	WeatherRealtimeAPIKey  string
}

type Location struct {
	StationID        string
	MunicipalityCode string
	Latitude         string
	Longitude        string
	Timezone         string
	TZ               *time.Location
}

type Runtime struct {
	LogLevel           string
	HTTPPort           int
	ClockSkewTolerance time.Duration
	ModelsDir          string
	CSVDir             string
	MachineryConfig    string
	TokenCachePath     string
}

type Config struct {
	Store     Store
	Upstreams Upstreams
	Location  Location
	Runtime   Runtime
}

// Load reads all configuration from the environment. Only the store
// connection and upstream API keys are required; everything else has a
// working default.
func Load() (*Config, error) {
	cfg := &Config{
		Store: Store{
			URL:               getenv("STORE_URL", "http://localhost:8086"),
			Token:             os.Getenv("STORE_TOKEN"),
			Org:               getenv("STORE_ORG", "chocowatt"),
			BucketOperational: getenv("STORE_BUCKET_OPERATIONAL", "operational"),
			BucketHistorical:  getenv("STORE_BUCKET_HISTORICAL", "historical"),
		},
		Upstreams: Upstreams{
			PriceAPIBase:           getenv("PRICE_API_BASE", "https://apidatos.ree.es"),
			WeatherObsAPIBase:      getenv("WEATHER_OBS_API_BASE", "https://opendata.aemet.es/opendata"),
			WeatherObsAPIKey:       os.Getenv("WEATHER_OBS_API_KEY"),
			WeatherRealtimeAPIBase: getenv("WEATHER_REALTIME_API_BASE", "https://api.openweathermap.org"),
			WeatherRealtimeAPIKey:  os.Getenv("WEATHER_REALTIME_API_KEY"),
		},
		Location: Location{
			StationID:        getenv("STATION_ID", "3195"),
			MunicipalityCode: getenv("MUNICIPALITY_CODE", "28079"),
			Latitude:         getenv("LATITUDE", "40.4168"),
			Longitude:        getenv("LONGITUDE", "-3.7038"),
			Timezone:         getenv("TIMEZONE", "Europe/Madrid"),
		},
		Runtime: Runtime{
			LogLevel:        getenv("LOG_LEVEL", "info"),
			ModelsDir:       getenv("MODELS_DIR", "models"),
			CSVDir:          getenv("CSV_DIR", "data/csv"),
			MachineryConfig: getenv("MACHINERY_CONFIG", "config/machinery.yaml"),
			TokenCachePath:  getenv("TOKEN_CACHE_PATH", "data/aemet_token.json"),
		},
	}

	if cfg.Store.Token == "" {
		return nil, errkind.New(errkind.Config, "STORE_TOKEN is required")
	}

	port, err := strconv.Atoi(getenv("HTTP_PORT", "8000"))
	if err != nil {
		return nil, errkind.New(errkind.Config, "HTTP_PORT is not a number: %q", os.Getenv("HTTP_PORT"))
	}
	cfg.Runtime.HTTPPort = port

	skew, err := strconv.Atoi(getenv("CLOCK_SKEW_TOLERANCE_SECONDS", "120"))
	if err != nil {
		return nil, errkind.New(errkind.Config, "CLOCK_SKEW_TOLERANCE_SECONDS is not a number")
	}
	cfg.Runtime.ClockSkewTolerance = time.Duration(skew) * time.Second

	loc, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		return nil, errkind.New(errkind.Config, "invalid TIMEZONE %q", cfg.Location.Timezone)
	}
	cfg.Location.TZ = loc

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
