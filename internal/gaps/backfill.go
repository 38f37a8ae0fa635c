package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/metrics"
	"github.com/cacaoforge/chocowatt/internal/upstream"
)

const (
	priceChunk         = 24 * time.Hour
	priceChunkCritical = 6 * time.Hour
	chunkPause         = 2 * time.Second

	// Weather strategy boundaries.
	forecastHorizon = 48 * time.Hour
	climatologyAge  = 72 * time.Hour
	climatologySpan = 72 * time.Hour
)

// WeatherRecovery is the observation-client surface the backfiller
// uses: each method backs one temporal strategy.
type WeatherRecovery interface {
	FetchWindow(ctx context.Context, stationID string, start, end time.Time) ([]upstream.WeatherRecord, error)
	FetchDailyClimatology(ctx context.Context, stationID string, start, end time.Time) ([]upstream.DailyClimatology, error)
	FetchHourlyForecast(ctx context.Context, municipalityCode string) ([]upstream.WeatherRecord, error)
}

// CSVImporter recovers previous-month gaps from the offline archive.
type CSVImporter interface {
	ImportDir(ctx context.Context, dir string) (ImportStats, error)
}

// ImportStats mirrors the ETL result.
type ImportStats struct {
	FilesProcessed int `json:"files_processed"`
	FilesFailed    int `json:"files_failed"`
	RecordsWritten int `json:"records_written"`
}

// Result is the per-gap recovery outcome.
type Result struct {
	Gap              Gap      `json:"gap"`
	SourceUsed       string   `json:"source_used"`
	RecordsRequested int      `json:"records_requested"`
	RecordsObtained  int      `json:"records_obtained"`
	RecordsWritten   int      `json:"records_written"`
	Errors           []string `json:"errors,omitempty"`
	SuccessRate      float64  `json:"success_rate"`
}

// Backfiller fills detected gaps.
type Backfiller struct {
	ingest           *ingest.Service
	weather          WeatherRecovery
	csv              CSVImporter
	csvDir           string
	stationID        string
	municipalityCode string

	now func() time.Time
}

func NewBackfiller(svc *ingest.Service, weather WeatherRecovery, csv CSVImporter, csvDir, stationID, municipalityCode string) *Backfiller {
	return &Backfiller{
		ingest:           svc,
		weather:          weather,
		csv:              csv,
		csvDir:           csvDir,
		stationID:        stationID,
		municipalityCode: municipalityCode,
		now:              time.Now,
	}
}

// Fill recovers every gap and reports per-gap results plus the overall
// success rate across all of them.
func (b *Backfiller) Fill(ctx context.Context, gapList []Gap) ([]Result, float64) {
	results := make([]Result, 0, len(gapList))
	requested, written := 0, 0
	for _, g := range gapList {
		var res Result
		if g.Measurement == ingest.MeasurementPrices {
			res = b.fillPrice(ctx, g)
		} else {
			res = b.fillWeather(ctx, g)
		}
		if res.RecordsObtained > 0 {
			res.SuccessRate = float64(res.RecordsWritten) / float64(res.RecordsObtained)
		}
		logResult(res)
		metrics.BackfillRecords.WithLabelValues(res.SourceUsed).Add(float64(res.RecordsWritten))
		requested += res.RecordsRequested
		written += res.RecordsWritten
		results = append(results, res)
	}

	overall := 1.0
	if requested > 0 {
		overall = float64(written) / float64(requested)
	}
	return results, overall
}

func logResult(res Result) {
	ev := log.Info()
	switch {
	case res.SuccessRate < 0.5:
		ev = log.Error().Str("alert", "backfill_degraded")
	case res.SuccessRate < 0.9:
		ev = log.Warn()
	}
	ev.Str("measurement", res.Gap.Measurement).
		Str("severity", string(res.Gap.Severity)).
		Str("source", res.SourceUsed).
		Int("requested", res.RecordsRequested).
		Int("written", res.RecordsWritten).
		Float64("success_rate", res.SuccessRate).
		Strs("errors", res.Errors).
		Msg("backfill gap result")
}

// fillPrice recovers price gaps in chunks: daily normally, 6h for
// critical gaps so long outages recover incrementally. Each chunk
// retries independently inside the upstream client.
func (b *Backfiller) fillPrice(ctx context.Context, g Gap) Result {
	res := Result{Gap: g, SourceUsed: "price", RecordsRequested: g.MissingCount}

	chunk := priceChunk
	if g.Severity == SeverityCritical {
		chunk = priceChunkCritical
	}

	// The gap's End is the last missing hour; the ingest window is
	// half-open, so the upper bound sits one hour past it.
	limit := g.End.Add(time.Hour)
	for start := g.Start; start.Before(limit); start = start.Add(chunk) {
		end := start.Add(chunk)
		if end.After(limit) {
			end = limit
		}
		stats, err := b.ingest.IngestPriceWindow(ctx, start, end, ingest.SourceHistorical)
		res.RecordsObtained += stats.Obtained
		res.RecordsWritten += stats.Written
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", start.Format(time.RFC3339), err))
			if ctx.Err() != nil {
				break
			}
		}
		if start.Add(chunk).Before(limit) {
			select {
			case <-time.After(chunkPause):
			case <-ctx.Done():
				return res
			}
		}
	}
	return res
}

// fillWeather routes the gap to the cheapest source that can still
// cover it, by gap age and span.
func (b *Backfiller) fillWeather(ctx context.Context, g Gap) Result {
	res := Result{Gap: g, RecordsRequested: g.MissingCount}
	now := b.now().UTC()
	age := now.Sub(g.End)

	switch {
	case previousMonth(g.End, now):
		res.SourceUsed = "historical_csv"
		if b.csv == nil || b.csvDir == "" {
			res.Errors = append(res.Errors, "no csv archive configured")
			return res
		}
		stats, err := b.csv.ImportDir(ctx, b.csvDir)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.RecordsObtained = stats.RecordsWritten
		res.RecordsWritten = stats.RecordsWritten

	case age < forecastHorizon:
		// Recent or near-future hours the observations have not
		// published yet; points land tagged data_source=forecast.
		res.SourceUsed = "municipal_forecast"
		records, err := b.weather.FetchHourlyForecast(ctx, b.municipalityCode)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		records = clipWeather(records, g.Start, g.End)
		res.RecordsObtained = len(records)
		b.writeWeather(ctx, records, ingest.SourceForecast, &res)

	case age >= climatologyAge && g.End.Sub(g.Start) >= climatologySpan:
		res.SourceUsed = "climatology"
		daily, err := b.weather.FetchDailyClimatology(ctx, b.stationID, g.Start, g.End)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.RecordsObtained = len(daily)
		var stats ingest.Stats
		if err := b.ingest.WriteClimatology(ctx, daily, &stats); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.RecordsWritten = stats.Written

	default:
		res.SourceUsed = "station_observations"
		records, err := b.weather.FetchWindow(ctx, b.stationID, g.Start, g.End.Add(time.Hour))
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.RecordsObtained = len(records)
		b.writeWeather(ctx, records, ingest.SourceOfficial, &res)
	}
	return res
}

func (b *Backfiller) writeWeather(ctx context.Context, records []upstream.WeatherRecord, source string, res *Result) {
	var stats ingest.Stats
	if err := b.ingest.WriteWeatherRecords(ctx, records, source, "hourly", &stats); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	res.RecordsWritten += stats.Written
}

// clipWeather keeps records inside [start, end], end inclusive to
// match the gap bound convention.
func clipWeather(records []upstream.WeatherRecord, start, end time.Time) []upstream.WeatherRecord {
	out := records[:0]
	for _, r := range records {
		if !r.Time.Before(start) && !r.Time.After(end) {
			out = append(out, r)
		}
	}
	return out
}

// previousMonth reports whether the gap closed before the current
// calendar month began; the observation API does not serve long
// history reliably, so those gaps go to the CSV archive.
func previousMonth(gapEnd, now time.Time) bool {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return gapEnd.Before(monthStart)
}
