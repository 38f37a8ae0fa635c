package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cacaoforge/chocowatt/internal/config"
	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/store"
)

const appName = "chocowatt"

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	builtAt = "unknown"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{
		Use:   appName,
		Short: "Energy-aware production planning for a chocolate factory",
		Long: `chocowatt ingests Spanish electricity prices (REE PVPC) and weather
observations, forecasts the next week of hourly prices, and recommends
the cheapest comfortable hours to run the factory's machinery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newBackfillCmd(), newSIARImportCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg(appName + " failed")
		if errkind.KindOf(err) == errkind.Config {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", appName, version, commit, builtAt)
		},
	}
}

func applyLogLevel(level string) {
	lv, err := zerolog.ParseLevel(level)
	if err != nil || lv == zerolog.NoLevel {
		lv = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lv)
}

// connectStore opens the store connection and blocks until the server
// answers pings, up to ~30s.
func connectStore(ctx context.Context, cfg *config.Config) (*store.Influx, error) {
	st := store.NewInflux(store.Options{
		URL:   cfg.Store.URL,
		Token: cfg.Store.Token,
		Org:   cfg.Store.Org,
	})
	if err := st.WaitReady(ctx, 10, 3*time.Second); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
