package gaps

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/store"
)

const (
	// DefaultMaxGapHours triggers the auto backfill when any series
	// lags further than this behind the clock.
	DefaultMaxGapHours = 6

	// DefaultDaysBack is the lookback of the intelligent backfill run.
	DefaultDaysBack = 10
)

// CheckOutcome is the auto-backfill controller's report.
type CheckOutcome struct {
	Action      string               `json:"action"` // "backfill_executed" or "no_action_needed"
	SeriesLag   map[string]float64   `json:"series_lag_hours"`
	Results     []Result             `json:"results,omitempty"`
	SuccessRate float64              `json:"overall_success_rate,omitempty"`
	Gaps        []Gap                `json:"gaps,omitempty"`
}

// Controller wires detection and recovery into the scheduled check.
type Controller struct {
	detector   *Detector
	backfiller *Backfiller

	now func() time.Time
}

func NewController(d *Detector, b *Backfiller) *Controller {
	return &Controller{detector: d, backfiller: b, now: time.Now}
}

// CheckAndRun measures how far each series lags behind the clock and
// runs the intelligent backfill when any lag exceeds maxGapHours.
func (c *Controller) CheckAndRun(ctx context.Context, maxGapHours float64) (CheckOutcome, error) {
	if maxGapHours <= 0 {
		maxGapHours = DefaultMaxGapHours
	}

	latest, err := c.detector.LatestTimestamps(ctx)
	if err != nil {
		return CheckOutcome{}, err
	}

	now := c.now().UTC()
	outcome := CheckOutcome{Action: "no_action_needed", SeriesLag: map[string]float64{}}
	trigger := false
	for series, ts := range latest {
		lag := now.Sub(ts).Hours()
		outcome.SeriesLag[series] = lag
		if lag > maxGapHours {
			trigger = true
		}
	}
	// A series with no data at all also triggers.
	for _, series := range []string{"price", "weather"} {
		if _, ok := latest[series]; !ok {
			outcome.SeriesLag[series] = -1
			trigger = true
		}
	}

	if !trigger {
		gaps, err := c.detectAll(ctx, DefaultDaysBack)
		if err != nil {
			return outcome, err
		}
		outcome.Gaps = gaps
		return outcome, nil
	}

	log.Info().Interface("series_lag_hours", outcome.SeriesLag).
		Float64("max_gap_hours", maxGapHours).
		Msg("series lag exceeds threshold, running intelligent backfill")

	results, rate, err := c.ExecuteIntelligentBackfill(ctx, DefaultDaysBack)
	if err != nil {
		return outcome, err
	}
	outcome.Action = "backfill_executed"
	outcome.Results = results
	outcome.SuccessRate = rate
	return outcome, nil
}

// ExecuteIntelligentBackfill detects gaps over the last daysBack days
// and fills each with its matched strategy.
func (c *Controller) ExecuteIntelligentBackfill(ctx context.Context, daysBack int) ([]Result, float64, error) {
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	gaps, err := c.detectAll(ctx, daysBack)
	if err != nil {
		return nil, 0, err
	}
	if len(gaps) == 0 {
		return nil, 1.0, nil
	}
	results, rate := c.backfiller.Fill(ctx, gaps)
	return results, rate, nil
}

func (c *Controller) detectAll(ctx context.Context, daysBack int) ([]Gap, error) {
	lookback := time.Duration(daysBack) * 24 * time.Hour
	var all []Gap
	for _, m := range []string{ingest.MeasurementPrices, ingest.MeasurementWeather} {
		gaps, err := c.detector.Detect(ctx, m, store.TagFilter(nil), time.Hour, lookback)
		if err != nil {
			return nil, err
		}
		all = append(all, gaps...)
	}
	return all, nil
}
