package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cacaoforge/chocowatt/internal/config"
	"github.com/cacaoforge/chocowatt/internal/forecast"
	"github.com/cacaoforge/chocowatt/internal/gaps"
	"github.com/cacaoforge/chocowatt/internal/httpapi"
	"github.com/cacaoforge/chocowatt/internal/ingest"
	"github.com/cacaoforge/chocowatt/internal/registry"
	"github.com/cacaoforge/chocowatt/internal/scheduler"
	"github.com/cacaoforge/chocowatt/internal/scoring"
	"github.com/cacaoforge/chocowatt/internal/siar"
	"github.com/cacaoforge/chocowatt/internal/store"
	"github.com/cacaoforge/chocowatt/internal/upstream/aemet"
	"github.com/cacaoforge/chocowatt/internal/upstream/openweather"
	"github.com/cacaoforge/chocowatt/internal/upstream/price"
)

const modelVersionsKept = 10

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the job scheduler",
		RunE:  runServe,
	}
}

type app struct {
	cfg        *config.Config
	store      *store.Influx
	registry   *registry.Registry
	prices     *price.Client
	obs        *aemet.Client
	realtime   *openweather.Client
	ingest     *ingest.Service
	detector   *gaps.Detector
	controller *gaps.Controller
	forecaster *forecast.Service
	scoring    *scoring.Engine
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := connectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Runtime.ModelsDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	machinery, err := scoring.LoadMachinery(cfg.Runtime.MachineryConfig)
	if err != nil {
		st.Close()
		return nil, err
	}

	prices := price.New(cfg.Upstreams.PriceAPIBase)
	obs := aemet.New(cfg.Upstreams.WeatherObsAPIBase, cfg.Upstreams.WeatherObsAPIKey,
		cfg.Runtime.TokenCachePath, cfg.Location.TZ)
	realtime := openweather.New(cfg.Upstreams.WeatherRealtimeAPIBase, cfg.Upstreams.WeatherRealtimeAPIKey,
		cfg.Location.Latitude, cfg.Location.Longitude, cfg.Location.StationID)

	svc := ingest.NewService(st, cfg.Store.BucketOperational, prices, obs, realtime,
		cfg.Location.StationID, cfg.Location.TZ, cfg.Runtime.ClockSkewTolerance)
	detector := gaps.NewDetector(st, cfg.Store.BucketOperational)
	csv := siar.NewImporter(st, cfg.Store.BucketHistorical)
	backfiller := gaps.NewBackfiller(svc, obs, csv, cfg.Runtime.CSVDir,
		cfg.Location.StationID, cfg.Location.MunicipalityCode)

	forecaster := forecast.NewService(st, cfg.Store.BucketOperational, reg, cfg.Location.TZ)
	engine := scoring.NewEngine(st, cfg.Store.BucketOperational, reg, machinery, forecaster, cfg.Location.TZ)

	return &app{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		prices:     prices,
		obs:        obs,
		realtime:   realtime,
		ingest:     svc,
		detector:   detector,
		controller: gaps.NewController(detector, backfiller),
		forecaster: forecaster,
		scoring:    engine,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Runtime.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	// Restore published models so the predict endpoints answer
	// immediately after a restart. Missing artifacts are expected on
	// first boot; the training jobs will produce them.
	if err := a.forecaster.LoadLatest(); err != nil {
		log.Warn().Err(err).Msg("no price forecaster artifact loaded")
	}
	if err := a.scoring.LoadLatest(); err != nil {
		log.Warn().Err(err).Msg("no scoring artifact loaded")
	}

	sched := scheduler.New()
	registerJobs(sched, a)

	srv := httpapi.NewServer(cfg.Runtime.HTTPPort, httpapi.Deps{
		Store:      a.store,
		Healthy:    a.store.Healthy,
		Ingest:     a.ingest,
		Detector:   a.detector,
		Controller: a.controller,
		Forecaster: a.forecaster,
		Scoring:    a.scoring,
		Scheduler:  sched,
		Upstreams: map[string]httpapi.Pinger{
			"price":            a.prices,
			"weather_obs":      a.obs,
			"weather_realtime": a.realtime,
		},
		Build:             httpapi.BuildInfo{Version: version, Commit: commit, BuiltAt: builtAt},
		Location:          cfg.Location.TZ,
		BucketOperational: cfg.Store.BucketOperational,
		BucketHistorical:  cfg.Store.BucketHistorical,
	})

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ListenAndServe() }()

	select {
	case err := <-serveDone:
		stop()
		<-schedDone
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := <-schedDone; err != nil {
		log.Error().Err(err).Msg("scheduler shutdown")
	}
	a.store.Close()
	log.Info().Msg("interrupted, shut down cleanly")
	os.Exit(130)
	return nil
}

func registerJobs(sched *scheduler.Scheduler, a *app) {
	loc := a.cfg.Location.TZ

	sched.Register("price_ingest", "PVPC price ingestion", scheduler.IntervalMinutes(5),
		func(ctx context.Context) error {
			_, err := a.ingest.IngestPriceCurrent(ctx)
			return err
		})

	sched.Register("weather_ingest_hybrid", "hybrid weather ingestion", scheduler.IntervalMinutes(5),
		func(ctx context.Context) error {
			_, err := a.ingest.IngestHybridWeather(ctx)
			return err
		})

	sched.Register("auto_backfill_check", "gap check and recovery", scheduler.IntervalMinutes(120),
		func(ctx context.Context) error {
			_, err := a.controller.CheckAndRun(ctx, gaps.DefaultMaxGapHours)
			return err
		})

	sched.Register("train_scoring", "scoring model training", scheduler.IntervalMinutes(30),
		func(ctx context.Context) error {
			_, err := a.scoring.Train(ctx)
			return err
		})

	sched.Register("train_forecaster", "price forecaster training", scheduler.CronDaily(2, 30, loc),
		func(ctx context.Context) error {
			_, err := a.forecaster.Train(ctx)
			return err
		})

	sched.Register("health_check", "store and upstream health probe", scheduler.IntervalMinutes(15),
		func(ctx context.Context) error {
			ev := log.Info()
			ev.Bool("store", a.store.Ping(ctx) == nil)
			ev.Bool("price", a.prices.Ping(ctx) == nil)
			ev.Bool("weather_obs", a.obs.Ping(ctx) == nil)
			ev.Bool("weather_realtime", a.realtime.Ping(ctx) == nil)
			ev.Msg("health check")
			return nil
		})

	sched.Register("token_refresh", "observation API token renewal", scheduler.CronDaily(3, 0, loc),
		func(ctx context.Context) error {
			return a.obs.Tokens().Refresh(ctx)
		})

	sched.Register("daily_backfill_validation", "yesterday completeness check", scheduler.CronDaily(1, 0, loc),
		func(ctx context.Context) error {
			_, _, err := a.controller.ExecuteIntelligentBackfill(ctx, 2)
			return err
		})

	sched.Register("weekly_cleanup", "old model artifact cleanup", scheduler.CronWeekly(time.Sunday, 2, 0, loc),
		func(ctx context.Context) error {
			for _, kind := range []string{forecast.ArtifactKind, scoring.ArtifactKind} {
				if _, err := a.registry.Prune(kind, modelVersionsKept); err != nil {
					return err
				}
			}
			return nil
		})

	sched.Register("hourly_optimization", "production plan refresh", scheduler.IntervalMinutes(30),
		func(ctx context.Context) error {
			plan, err := a.scoring.PlanDay(ctx)
			if err != nil {
				return err
			}
			log.Info().Float64("baseline_eur", plan.BaselineCostEUR).
				Float64("optimized_eur", plan.OptimizedCostEUR).
				Float64("savings_eur", plan.AggregateSavingsEUR).
				Msg("daily plan refreshed")
			return nil
		})
}
