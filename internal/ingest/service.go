// Package ingest turns upstream records into tagged, validated store
// points: tariff and calendar tags for prices, derived comfort fields
// for weather, plausibility checks for both.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/metrics"
	"github.com/cacaoforge/chocowatt/internal/store"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

// PriceSource is the wholesale price client surface the service needs.
type PriceSource interface {
	FetchWindow(ctx context.Context, start, end time.Time) ([]upstream.PriceRecord, error)
	FetchCurrent(ctx context.Context) (upstream.PriceRecord, error)
}

// ObservationSource is the consolidated weather client surface.
type ObservationSource interface {
	FetchWindow(ctx context.Context, stationID string, start, end time.Time) ([]upstream.WeatherRecord, error)
	FetchCurrent(ctx context.Context, stationID string) (upstream.WeatherRecord, error)
}

// RealtimeSource is the realtime weather client surface.
type RealtimeSource interface {
	FetchCurrent(ctx context.Context) (upstream.WeatherRecord, error)
}

// Stats summarizes one ingestion run.
type Stats struct {
	Requested        int           `json:"requested"`
	Obtained         int           `json:"obtained"`
	Written          int           `json:"written"`
	ValidationErrors int           `json:"validation_errors"`
	Duration         time.Duration `json:"-"`
	DurationSeconds  float64       `json:"duration_seconds"`
	SuccessRate      float64       `json:"success_rate"`
	Source           string        `json:"source_used"`
	FallbackUsed     bool          `json:"fallback_used,omitempty"`
}

func (s *Stats) finish(start time.Time) {
	s.Duration = time.Since(start)
	s.DurationSeconds = s.Duration.Seconds()
	if s.Obtained > 0 {
		s.SuccessRate = float64(s.Written) / float64(s.Obtained)
	}
}

type Service struct {
	store       store.Store
	bucket      string
	price       PriceSource
	observation ObservationSource
	realtime    RealtimeSource
	stationID   string
	loc         *time.Location
	skew        time.Duration

	// now is swapped in tests to pin the hybrid hour selection.
	now func() time.Time
}

func NewService(st store.Store, bucket string, price PriceSource, obs ObservationSource, rt RealtimeSource, stationID string, loc *time.Location, skew time.Duration) *Service {
	return &Service{
		store:       st,
		bucket:      bucket,
		price:       price,
		observation: obs,
		realtime:    rt,
		stationID:   stationID,
		loc:         loc,
		skew:        skew,
		now:         time.Now,
	}
}

// IngestPriceWindow fetches and writes hourly prices for [start, end).
func (s *Service) IngestPriceWindow(ctx context.Context, start, end time.Time, dataSource string) (Stats, error) {
	began := time.Now()
	stats := Stats{
		Requested: int(end.Sub(start).Hours()),
		Source:    "price",
	}

	records, err := s.price.FetchWindow(ctx, start, end)
	if err != nil {
		stats.finish(began)
		return stats, err
	}
	stats.Obtained = len(records)

	err = s.writePrices(ctx, records, dataSource, &stats)
	stats.finish(began)
	return stats, err
}

// IngestPriceCurrent fetches and writes the price for this hour.
func (s *Service) IngestPriceCurrent(ctx context.Context) (Stats, error) {
	began := time.Now()
	stats := Stats{Requested: 1, Source: "price"}

	rec, err := s.price.FetchCurrent(ctx)
	if err != nil {
		stats.finish(began)
		return stats, err
	}
	stats.Obtained = 1

	err = s.writePrices(ctx, []upstream.PriceRecord{rec}, SourceRealtime, &stats)
	stats.finish(began)
	return stats, err
}

func (s *Service) writePrices(ctx context.Context, records []upstream.PriceRecord, dataSource string, stats *Stats) error {
	allowFuture := dataSource == SourceForecast
	points := make([]store.Point, 0, len(records))
	for _, rec := range records {
		if err := validatePrice(rec, allowFuture, s.skew); err != nil {
			stats.ValidationErrors++
			metrics.IngestValidationErrors.WithLabelValues("price").Inc()
			log.Debug().Err(err).Time("ts", rec.Time).Msg("price record rejected")
			continue
		}
		points = append(points, PricePoint(rec, dataSource, s.loc))
	}
	return s.writePoints(ctx, points, dataSource, stats)
}

// IngestWeatherWindow fetches station observations for [start, end) and
// writes them tagged data_source=official.
func (s *Service) IngestWeatherWindow(ctx context.Context, start, end time.Time) (Stats, error) {
	began := time.Now()
	stats := Stats{
		Requested: int(end.Sub(start).Hours()),
		Source:    "observations",
	}

	records, err := s.observation.FetchWindow(ctx, s.stationID, start, end)
	if err != nil {
		stats.finish(began)
		return stats, err
	}
	stats.Obtained = len(records)

	err = s.WriteWeatherRecords(ctx, records, SourceOfficial, dataTypeHourly, &stats)
	stats.finish(began)
	return stats, err
}

// IngestWeatherCurrent fetches the realtime reading for this hour.
func (s *Service) IngestWeatherCurrent(ctx context.Context) (Stats, error) {
	began := time.Now()
	stats := Stats{Requested: 1, Source: "realtime"}

	rec, err := s.realtime.FetchCurrent(ctx)
	if err != nil {
		stats.finish(began)
		return stats, err
	}
	stats.Obtained = 1

	err = s.WriteWeatherRecords(ctx, []upstream.WeatherRecord{rec}, SourceRealtime, dataTypeHourly, &stats)
	stats.finish(began)
	return stats, err
}

// IngestHybridWeather picks the weather source by the plant's local
// hour: late-night hours prefer consolidated observations, daytime
// hours the realtime client. On primary failure it falls back to the
// other source and flags the substitution.
func (s *Service) IngestHybridWeather(ctx context.Context) (Stats, error) {
	hour := s.now().In(s.loc).Hour()
	nightWindow := hour <= 7

	primary, secondary := "realtime", "observations"
	if nightWindow {
		primary, secondary = secondary, primary
	}

	stats, err := s.ingestFrom(ctx, primary)
	if err == nil {
		return stats, nil
	}
	log.Warn().Err(err).Str("primary", primary).Str("fallback", secondary).
		Int("local_hour", hour).Msg("hybrid weather primary failed, trying fallback")

	stats, ferr := s.ingestFrom(ctx, secondary)
	stats.FallbackUsed = true
	if ferr != nil {
		return stats, ferr
	}
	return stats, nil
}

func (s *Service) ingestFrom(ctx context.Context, source string) (Stats, error) {
	if source == "observations" {
		began := time.Now()
		stats := Stats{Requested: 1, Source: source}
		rec, err := s.observation.FetchCurrent(ctx, s.stationID)
		if err != nil {
			stats.finish(began)
			return stats, err
		}
		stats.Obtained = 1
		err = s.WriteWeatherRecords(ctx, []upstream.WeatherRecord{rec}, SourceOfficial, dataTypeHourly, &stats)
		stats.finish(began)
		return stats, err
	}
	return s.IngestWeatherCurrent(ctx)
}

// WriteWeatherRecords validates, derives, and writes weather records.
// The backfill service reuses it for every recovery strategy.
func (s *Service) WriteWeatherRecords(ctx context.Context, records []upstream.WeatherRecord, dataSource, dataType string, stats *Stats) error {
	allowFuture := dataSource == SourceForecast
	points := make([]store.Point, 0, len(records))
	for _, rec := range records {
		if rec.StationID == "" {
			rec.StationID = s.stationID
		}
		if err := validateWeather(rec, allowFuture, s.skew); err != nil {
			stats.ValidationErrors++
			metrics.IngestValidationErrors.WithLabelValues("weather").Inc()
			log.Debug().Err(err).Time("ts", rec.Time).Msg("weather record rejected")
			continue
		}
		points = append(points, WeatherPoint(rec, dataSource, dataType))
	}
	return s.writePoints(ctx, points, dataSource, stats)
}

// WriteClimatology writes consolidated daily aggregates.
func (s *Service) WriteClimatology(ctx context.Context, records []upstream.DailyClimatology, stats *Stats) error {
	points := make([]store.Point, 0, len(records))
	for _, rec := range records {
		if rec.StationID == "" {
			rec.StationID = s.stationID
		}
		points = append(points, ClimatologyPoint(rec, s.loc))
	}
	return s.writePoints(ctx, points, SourceOfficial, stats)
}

// writePoints routes through the conditional path for forecast-tagged
// data so forecasts never overwrite observations.
func (s *Service) writePoints(ctx context.Context, points []store.Point, dataSource string, stats *Stats) error {
	if len(points) == 0 {
		return nil
	}
	var (
		ws  store.WriteStats
		err error
	)
	if dataSource == SourceForecast {
		ws, err = s.store.WriteForecastPoints(ctx, s.bucket, points, []string{SourceOfficial, SourceRealtime, SourceHistorical, SourceCSV})
	} else {
		ws, err = s.store.WritePoints(ctx, s.bucket, points)
	}
	if err != nil {
		return err
	}
	stats.Written += ws.Written
	return nil
}
