package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/internal/config"
	"github.com/seanblong/catalograg/internal/ingest"
	"github.com/seanblong/catalograg/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("catalograg-ingest", pflag.ExitOnError)
	skipSeed := fs.Bool("skip-seed", false, "Skip loading catalog files; only embed pending chunks")
	skipEmbed := fs.Bool("skip-embed", false, "Skip the embedding job; only load catalog files")

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	logger, err := cfg.Logger(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *skipSeed, *skipEmbed); err != nil {
		logger.Error().Err(err).Msg("ingest failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Specification, skipSeed, skipEmbed bool) error {
	logger := log.Logger
	logger.Info().Str("provider", cfg.Provider).Str("catalog_dir", cfg.CatalogDir).Msg("starting catalog ingest")

	c, err := ai.NewClient(cfg.AIConfig())
	if err != nil {
		return err
	}
	if c.Dim() == 0 {
		return fmt.Errorf("embedding dimension must be set")
	}

	st, err := store.Open(ctx, cfg.Database, store.WithIndexType(cfg.IndexType))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx, c.Dim()); err != nil {
		return err
	}

	if !skipSeed {
		sd := ingest.NewSeeder(st, cfg.CatalogDir, ingest.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap))
		rep, err := sd.Run(ctx)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", cfg.CatalogDir, err)
		}
		if rep.Failed > 0 {
			logger.Warn().Int("failed", rep.Failed).Msg("some catalog entries were not loaded")
		}
	}

	if skipEmbed {
		return nil
	}
	if u, ok := c.(*ai.Unconfigured); ok {
		logger.Warn().Str("reason", u.Reason()).Msg("skipping embedding job")
		return nil
	}

	rep, err := ingest.New(st, c, cfg.EmbedRate, cfg.Workers).Run(ctx)
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		logger.Warn().Int("failed", rep.Failed).Msg("some chunks are still pending; rerun to retry them")
	}
	return nil
}
