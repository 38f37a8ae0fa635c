package forecast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/registry"
	"github.com/cacaoforge/chocowatt/internal/store"
)

// ArtifactKind is the registry key for the price model.
const ArtifactKind = "price_forecaster"

// Service owns the artifact lifecycle: training from the store,
// publishing through the registry, and serving predictions from the
// loaded copy. The training job publishes atomically, so a prediction
// that started before a retrain completes on the old artifact.
type Service struct {
	store  store.Store
	bucket string
	reg    *registry.Registry
	loc    *time.Location

	mu    sync.RWMutex
	model *Model
}

func NewService(st store.Store, bucket string, reg *registry.Registry, loc *time.Location) *Service {
	return &Service{store: st, bucket: bucket, reg: reg, loc: loc}
}

// LoadLatest restores the published artifact, running the smoke
// predict before accepting it.
func (s *Service) LoadLatest() error {
	var m Model
	if err := s.reg.LoadLatest(ArtifactKind, &m); err != nil {
		return err
	}
	if err := m.Validate(time.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.model = &m
	s.mu.Unlock()
	return nil
}

// Train fits a new model on the full price history and publishes it.
func (s *Service) Train(ctx context.Context) (Metrics, error) {
	end := time.Now().UTC()
	start := end.Add(-2 * 365 * 24 * time.Hour)

	records, err := s.store.Range(ctx, s.bucket, ingest.MeasurementPrices, nil, start, end)
	if err != nil {
		return Metrics{}, err
	}

	obs := make([]Observation, 0, len(records))
	for _, r := range records {
		v, ok := r.Fields["price_eur_kwh"]
		if !ok {
			continue
		}
		obs = append(obs, Observation{Time: r.Time, Value: v})
	}

	model, err := Train(obs, s.loc)
	if err != nil {
		return Metrics{}, err
	}
	if _, err := s.reg.Save(ArtifactKind, model, model.Metrics); err != nil {
		return Metrics{}, err
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	log.Info().Int("rows", model.TrainingRows).
		Float64("mae", model.Metrics.MAE).
		Float64("coverage_95", model.Metrics.Coverage95).
		Msg("price forecaster trained")
	if failed := model.Metrics.belowAcceptance(); len(failed) > 0 {
		log.Warn().Strs("failed_thresholds", failed).
			Float64("mae", model.Metrics.MAE).
			Float64("r2", model.Metrics.R2).
			Float64("coverage_95", model.Metrics.Coverage95).
			Msg("trained model misses acceptance thresholds")
	}
	return model.Metrics, nil
}

// Acceptance thresholds for a newly trained model. Missing one never
// blocks publication, it only raises a warning.
const (
	acceptMaxMAE      = 0.05
	acceptMinR2       = 0.4
	acceptMinCoverage = 0.85
)

// belowAcceptance names the thresholds the holdout metrics fail.
func (m Metrics) belowAcceptance() []string {
	var failed []string
	if m.MAE >= acceptMaxMAE {
		failed = append(failed, "mae")
	}
	if m.R2 <= acceptMinR2 {
		failed = append(failed, "r2")
	}
	if m.Coverage95 < acceptMinCoverage {
		failed = append(failed, "coverage_95")
	}
	return failed
}

// Forecast returns hours 1..hours from the loaded artifact.
func (s *Service) Forecast(_ context.Context, now time.Time, hours int) ([]Prediction, error) {
	m, err := s.current()
	if err != nil {
		return nil, err
	}
	return m.Predict(now, hours)
}

// Status reports the loaded artifact's provenance and metrics.
func (s *Service) Status() (Metrics, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return Metrics{}, time.Time{}, false
	}
	return s.model.Metrics, s.model.TrainedAt, true
}

func (s *Service) current() (*Model, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()
	if m != nil {
		return m, nil
	}
	// Lazy load covers the first request after a restart.
	if err := s.LoadLatest(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model, nil
}
