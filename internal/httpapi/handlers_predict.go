package httpapi

import (
	"net/http"
	"time"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/forecast"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/scoring"
	"github.com/cacaoforge/chocowatt/internal/store"
)

func (s *Server) handlePriceTrain(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.Forecaster.Train(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

type forecastRow struct {
	Timestamp time.Time `json:"timestamp"`
	Yhat      float64   `json:"yhat"`
	YhatLower float64   `json:"yhat_lower"`
	YhatUpper float64   `json:"yhat_upper"`
}

func forecastRows(preds []forecast.Prediction) []forecastRow {
	out := make([]forecastRow, len(preds))
	for i, p := range preds {
		out[i] = forecastRow{Timestamp: p.Time, Yhat: p.Value, YhatLower: p.Lower95, YhatUpper: p.Upper95}
	}
	return out
}

func (s *Server) handlePriceWeekly(w http.ResponseWriter, r *http.Request) {
	preds, err := s.deps.Forecaster.Forecast(r.Context(), time.Now(), forecast.MaxHorizonHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastRows(preds))
}

func (s *Server) handlePriceHourly(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		writeError(w, err)
		return
	}
	if hours > forecast.MaxHorizonHours {
		writeError(w, errkind.New(errkind.HorizonOutOfRange, "hours must be at most %d", forecast.MaxHorizonHours))
		return
	}
	preds, err := s.deps.Forecaster.Forecast(r.Context(), time.Now(), hours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastRows(preds))
}

func (s *Server) handlePriceStatus(w http.ResponseWriter, _ *http.Request) {
	metrics, trainedAt, ok := s.deps.Forecaster.Status()
	if !ok {
		writeError(w, errkind.New(errkind.ModelNotTrained, "price forecaster not trained"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":       metrics,
		"last_training": trainedAt,
	})
}

func (s *Server) handleScoringTrain(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Scoring.Train(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"r2_test":        report.R2Test,
		"r2_train":       report.R2Train,
		"accuracy_test":  report.AccuracyTest,
		"accuracy_train": report.AccuracyTrain,
		"cv": map[string]float64{
			"r2_mean":       report.CVR2Mean,
			"accuracy_mean": report.CVAccuracyMean,
		},
		"overfit": map[string]bool{
			"regressor":  report.OverfitRegressor,
			"classifier": report.OverfitClassifier,
		},
	})
}

type hourConditionsRequest struct {
	PriceEURKWh float64 `json:"price_eur_kwh"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

func (req hourConditionsRequest) validate() error {
	if req.PriceEURKWh < 0 {
		return errkind.New(errkind.Validation, "price_eur_kwh must be non-negative")
	}
	if req.Humidity < 0 || req.Humidity > 100 {
		return errkind.New(errkind.Validation, "humidity must be in [0, 100]")
	}
	if req.Temperature < -40 || req.Temperature > 60 {
		return errkind.New(errkind.Validation, "temperature must be in [-40, 60]")
	}
	return nil
}

func (s *Server) handleEnergyOptimization(w http.ResponseWriter, r *http.Request) {
	var req hourConditionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	score, in, err := s.deps.Scoring.ScoreHour(req.PriceEURKWh, req.Temperature, req.Humidity)
	if err != nil {
		writeError(w, err)
		return
	}

	recommendation := "schedule flexible loads now"
	switch {
	case score < 35:
		recommendation = "defer flexible loads to a cheaper hour"
	case score < 65:
		recommendation = "run essential loads only"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"energy_optimization_score": score,
		"features_used":             scoring.FeatureNames,
		"process":                   in.Process.Name,
		"recommendation":            recommendation,
	})
}

func (s *Server) handleProductionRecommendation(w http.ResponseWriter, r *http.Request) {
	var req hourConditionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	class, confidence, in, err := s.deps.Scoring.ClassifyHour(req.PriceEURKWh, req.Temperature, req.Humidity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendation": class,
		"confidence":     confidence,
		"reasoning": map[string]interface{}{
			"process":       in.Process.Name,
			"price_eur_kwh": req.PriceEURKWh,
			"temperature":   req.Temperature,
			"humidity":      req.Humidity,
		},
	})
}

func (s *Server) handlePlanDaily(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Scoring.PlanDay(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timeline":              plan.Timeline,
		"baseline_cost_eur":     plan.BaselineCostEUR,
		"optimized_cost_eur":    plan.OptimizedCostEUR,
		"aggregate_savings_eur": plan.AggregateSavingsEUR,
	})
}

func (s *Server) handleOptimalWindows(w http.ResponseWriter, r *http.Request) {
	span, err := queryInt(r, "span_hours", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	topN, err := queryInt(r, "top", 5)
	if err != nil {
		writeError(w, err)
		return
	}
	windows, err := s.deps.Scoring.OptimalWindows(r.Context(), span, topN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleSavingsTracking(w http.ResponseWriter, r *http.Request) {
	savings, err := s.deps.Scoring.SavingsTracking(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, savings)
}

// handleDashboard aggregates everything the UI needs in one call.
// Partial failures degrade to nulls instead of failing the whole blob.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	blob := map[string]interface{}{}

	current := map[string]interface{}{}
	if records, err := s.deps.Store.Range(ctx, s.deps.BucketOperational, ingest.MeasurementPrices, nil, now.Add(-2*time.Hour), now.Add(time.Hour)); err == nil && len(records) > 0 {
		current["price"] = records[len(records)-1].Fields
	}
	if records, err := s.deps.Store.Range(ctx, s.deps.BucketOperational, ingest.MeasurementWeather, nil, now.Add(-3*time.Hour), now.Add(time.Hour)); err == nil && len(records) > 0 {
		current["weather"] = records[len(records)-1].Fields
	}
	blob["current"] = current

	if preds, err := s.deps.Forecaster.Forecast(ctx, now, forecast.MaxHorizonHours); err == nil {
		blob["forecast"] = forecastRows(preds)
	} else {
		blob["forecast"] = nil
	}

	if plan, err := s.deps.Scoring.PlanDay(ctx); err == nil {
		blob["plan"] = plan.Timeline
	} else {
		blob["plan"] = nil
	}

	siar := map[string]interface{}{}
	if rows, err := s.deps.Store.AggregateWindow(ctx, s.deps.BucketHistorical, ingest.MeasurementSIAR,
		"temperature", store.TagFilter(nil), now.AddDate(-1, 0, -7), now.AddDate(-1, 0, 7),
		24*time.Hour, "mean"); err == nil && len(rows) > 0 {
		var sum float64
		for _, row := range rows {
			sum += row.Value
		}
		siar["same_period_last_year_temp_mean"] = sum / float64(len(rows))
	}
	blob["siar_context"] = siar

	insights := map[string]interface{}{}
	if windows, err := s.deps.Scoring.OptimalWindows(ctx, 0, 3); err == nil {
		insights["optimal_windows"] = windows
	}
	if savings, err := s.deps.Scoring.SavingsTracking(ctx); err == nil {
		insights["savings"] = savings
	}
	blob["insights"] = insights

	blob["system"] = map[string]interface{}{
		"jobs":  s.deps.Scheduler.Jobs(),
		"build": s.deps.Build,
	}
	writeJSON(w, http.StatusOK, blob)
}
