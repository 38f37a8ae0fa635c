package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cacaoforge/chocowatt/internal/config"
	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/gaps"
	"github.com/cacaoforge/chocowatt/internal/ingest"
)

func newBackfillCmd() *cobra.Command {
	var (
		days  int
		start string
		end   string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Detect and fill data gaps, then exit",
		Long: `Without flags, scans the last --days for missing hours in both the
price and weather series and recovers them with the source matched to
each gap's age. With --start and --end, reingests that exact price
range instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd.Context(), days, start, end)
		},
	}
	cmd.Flags().IntVar(&days, "days", gaps.DefaultDaysBack, "how many days back to scan for gaps")
	cmd.Flags().StringVar(&start, "start", "", "explicit price range start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "explicit price range end (RFC 3339)")
	return cmd
}

func runBackfill(ctx context.Context, days int, start, end string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Runtime.LogLevel)
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if (start == "") != (end == "") {
		return errkind.New(errkind.BadRequest, "--start and --end must be given together")
	}

	if start != "" {
		from, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return errkind.New(errkind.BadRequest, "invalid --start: %v", err)
		}
		to, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return errkind.New(errkind.BadRequest, "invalid --end: %v", err)
		}
		if !from.Before(to) {
			return errkind.New(errkind.BadRequest, "--start must precede --end")
		}
		stats, err := a.ingest.IngestPriceWindow(ctx,
			from.UTC().Truncate(time.Hour), to.UTC().Truncate(time.Hour), ingest.SourceHistorical)
		if err != nil {
			return err
		}
		log.Info().Int("written", stats.Written).Float64("success_rate", stats.SuccessRate).
			Msg("range backfill finished")
		return nil
	}

	results, rate, err := a.controller.ExecuteIntelligentBackfill(ctx, days)
	if err != nil {
		return err
	}
	log.Info().Int("gaps", len(results)).Float64("overall_success_rate", rate).
		Msg("intelligent backfill finished")
	return nil
}
