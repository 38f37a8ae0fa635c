package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/gaps"
	"github.com/cacaoforge/chocowatt/internal/ingest"
)

type ingestNowRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleIngestNow(w http.ResponseWriter, r *http.Request) {
	var req ingestNowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		stats ingest.Stats
		err   error
	)
	switch req.Source {
	case "price":
		stats, err = s.deps.Ingest.IngestPriceCurrent(r.Context())
	case "weather", "hybrid":
		// Weather always goes through the hybrid source selection so a
		// failing primary degrades instead of erroring.
		stats, err = s.deps.Ingest.IngestHybridWeather(r.Context())
	default:
		writeError(w, errkind.New(errkind.BadRequest, "source must be price, weather, or hybrid"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGapsSummary(w http.ResponseWriter, r *http.Request) {
	latest, err := s.deps.Detector.LatestTimestamps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	series := map[string]interface{}{}
	worst := 0.0
	for _, name := range []string{"price", "weather"} {
		entry := map[string]interface{}{"has_data": false}
		if ts, ok := latest[name]; ok {
			lag := now.Sub(ts).Hours()
			entry = map[string]interface{}{
				"has_data":         true,
				"latest_timestamp": ts,
				"gap_hours":        lag,
			}
			if lag > worst {
				worst = lag
			}
		} else {
			worst = 240 // no data reads as a very old gap
		}
		series[name] = entry
	}

	actionNeeded := worst > gaps.DefaultMaxGapHours
	suggested := "none"
	if actionNeeded {
		suggested = "POST /gaps/backfill/auto"
	}
	series["recommendations"] = map[string]interface{}{
		"action_needed": actionNeeded,
		"suggested":     suggested,
	}
	writeJSON(w, http.StatusOK, series)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errkind.New(errkind.BadRequest, "%s must be a positive integer", name)
	}
	return v, nil
}

func (s *Server) handleGapsDetect(w http.ResponseWriter, r *http.Request) {
	daysBack, err := queryInt(r, "days_back", gaps.DefaultDaysBack)
	if err != nil {
		writeError(w, err)
		return
	}
	lookback := time.Duration(daysBack) * 24 * time.Hour

	priceGaps, err := s.deps.Detector.Detect(r.Context(), ingest.MeasurementPrices, nil, time.Hour, lookback)
	if err != nil {
		writeError(w, err)
		return
	}
	weatherGaps, err := s.deps.Detector.Detect(r.Context(), ingest.MeasurementWeather, nil, time.Hour, lookback)
	if err != nil {
		writeError(w, err)
		return
	}

	strategy := "none"
	if len(priceGaps)+len(weatherGaps) > 0 {
		strategy = "POST /gaps/backfill?days_back=" + strconv.Itoa(daysBack)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": map[string]int{
			"price_gaps":   len(priceGaps),
			"weather_gaps": len(weatherGaps),
		},
		"price_gaps":           priceGaps,
		"weather_gaps":         weatherGaps,
		"recommended_strategy": strategy,
	})
}

// handleBackfill launches the recovery in the background; long gaps
// take minutes at upstream rate limits.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	daysBack, err := queryInt(r, "days_back", gaps.DefaultDaysBack)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, _, err := s.deps.Controller.ExecuteIntelligentBackfill(ctx, daysBack); err != nil {
			log.Error().Err(err).Int("days_back", daysBack).Msg("background backfill failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":          "executing_in_background",
		"days_processing": daysBack,
	})
}

func (s *Server) handleBackfillAuto(w http.ResponseWriter, r *http.Request) {
	maxGapHours := float64(gaps.DefaultMaxGapHours)
	if raw := r.URL.Query().Get("max_gap_hours"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			writeError(w, errkind.New(errkind.BadRequest, "max_gap_hours must be a positive number"))
			return
		}
		maxGapHours = v
	}

	outcome, err := s.deps.Controller.CheckAndRun(r.Context(), maxGapHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type backfillRangeRequest struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DataSource string    `json:"data_source"`
}

func (s *Server) handleBackfillRange(w http.ResponseWriter, r *http.Request) {
	var req backfillRangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Start.Before(req.End) {
		writeError(w, errkind.New(errkind.BadRequest, "start must precede end"))
		return
	}
	switch req.DataSource {
	case "":
		req.DataSource = ingest.SourceHistorical
	case ingest.SourceHistorical, ingest.SourceOfficial, ingest.SourceRealtime:
	default:
		writeError(w, errkind.New(errkind.BadRequest, "unknown data_source %q", req.DataSource))
		return
	}

	stats, err := s.deps.Ingest.IngestPriceWindow(r.Context(),
		req.Start.UTC().Truncate(time.Hour), req.End.UTC().Truncate(time.Hour), req.DataSource)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
