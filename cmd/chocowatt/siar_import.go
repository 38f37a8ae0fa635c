package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cacaoforge/chocowatt/internal/config"
	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/siar"
)

func newSIARImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "siar-import <dir>",
		Short: "Load agroclimatic station CSV archives into the historical bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSIARImport(cmd.Context(), args[0])
		},
	}
}

func runSIARImport(ctx context.Context, dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.Runtime.LogLevel)
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := siar.NewImporter(st, cfg.Store.BucketHistorical).ImportDir(ctx, dir)
	if err != nil {
		return err
	}
	log.Info().Int("files_processed", stats.FilesProcessed).
		Int("files_failed", stats.FilesFailed).
		Int("records_written", stats.RecordsWritten).
		Msg("archive import finished")
	if stats.FilesProcessed == 0 && stats.FilesFailed > 0 {
		return errkind.New(errkind.Validation, "every file in %s failed to import", dir)
	}
	return nil
}
