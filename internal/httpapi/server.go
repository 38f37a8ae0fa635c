// Package httpapi is the JSON surface: thin handlers that validate
// inputs, call one or two services, and serialize the result. Handlers
// never talk to upstreams directly.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/forecast"
	"github.com/cacaoforge/chocowatt/internal/gaps"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/scheduler"
	"github.com/cacaoforge/chocowatt/internal/scoring"
	"github.com/cacaoforge/chocowatt/internal/store"
)

// BuildInfo is injected from the main package at link time.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"built_at"`
}

// Pinger is a named upstream reachability probe for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PriceForecaster is the slice of forecast.Service the handlers need.
type PriceForecaster interface {
	Train(ctx context.Context) (forecast.Metrics, error)
	Forecast(ctx context.Context, now time.Time, hours int) ([]forecast.Prediction, error)
	Status() (forecast.Metrics, time.Time, bool)
}

// ProductionScorer is the slice of scoring.Engine the handlers need.
type ProductionScorer interface {
	Train(ctx context.Context) (scoring.Report, error)
	ScoreHour(price, temperature, humidity float64) (float64, scoring.HourInput, error)
	ClassifyHour(price, temperature, humidity float64) (scoring.Class, float64, scoring.HourInput, error)
	PlanDay(ctx context.Context) (scoring.DayPlan, error)
	OptimalWindows(ctx context.Context, spanHours, topN int) ([]scoring.Window, error)
	SavingsTracking(ctx context.Context) (scoring.Savings, error)
}

// JobRunner is the scheduler surface exposed over HTTP.
type JobRunner interface {
	Jobs() []scheduler.JobView
	TriggerNow(ctx context.Context, id string) error
}

// Deps collects every service the handlers dispatch to.
type Deps struct {
	Store      store.Store
	Healthy    func() bool // store circuit state
	Ingest     *ingest.Service
	Detector   *gaps.Detector
	Controller *gaps.Controller
	Forecaster PriceForecaster
	Scoring    ProductionScorer
	Scheduler  JobRunner
	Upstreams  map[string]Pinger
	Build      BuildInfo
	Location   *time.Location

	BucketOperational string
	BucketHistorical  string
}

// Server hosts the API on one mux router.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
}

func NewServer(port int, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)

	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ingest/now", s.handleIngestNow).Methods(http.MethodPost)

	r.HandleFunc("/gaps/summary", s.handleGapsSummary).Methods(http.MethodGet)
	r.HandleFunc("/gaps/detect", s.handleGapsDetect).Methods(http.MethodGet)
	r.HandleFunc("/gaps/backfill", s.handleBackfill).Methods(http.MethodPost)
	r.HandleFunc("/gaps/backfill/auto", s.handleBackfillAuto).Methods(http.MethodPost)
	r.HandleFunc("/gaps/backfill/range", s.handleBackfillRange).Methods(http.MethodPost)

	r.HandleFunc("/predict/prices/train", s.handlePriceTrain).Methods(http.MethodPost)
	r.HandleFunc("/predict/prices/weekly", s.handlePriceWeekly).Methods(http.MethodGet)
	r.HandleFunc("/predict/prices/hourly", s.handlePriceHourly).Methods(http.MethodGet)
	r.HandleFunc("/predict/prices/status", s.handlePriceStatus).Methods(http.MethodGet)

	r.HandleFunc("/predict/train", s.handleScoringTrain).Methods(http.MethodPost)
	r.HandleFunc("/predict/energy-optimization", s.handleEnergyOptimization).Methods(http.MethodPost)
	r.HandleFunc("/predict/production-recommendation", s.handleProductionRecommendation).Methods(http.MethodPost)

	r.HandleFunc("/optimize/production/daily", s.handlePlanDaily).Methods(http.MethodPost)
	r.HandleFunc("/insights/optimal-windows", s.handleOptimalWindows).Methods(http.MethodGet)
	r.HandleFunc("/insights/savings-tracking", s.handleSavingsTracking).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/complete", s.handleDashboard).Methods(http.MethodGet)

	r.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/jobs/{id}/trigger", s.handleSchedulerTrigger).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, errkind.New(errkind.NotFound, "no such endpoint"))
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
