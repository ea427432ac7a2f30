package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/internal/api"
	"github.com/seanblong/catalograg/internal/config"
	"github.com/seanblong/catalograg/internal/rag"
	"github.com/seanblong/catalograg/internal/store"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("catalograg-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	logger, err := cfg.Logger(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting catalograg api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := ai.NewClient(cfg.AIConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create AI client")
	}
	if u, ok := c.(*ai.Unconfigured); ok {
		logger.Warn().Str("reason", u.Reason()).Msg("question answering disabled")
	}

	// Use the AI client's dimension for database migration
	dim := c.Dim()
	logger.Info().Int("embedding_dim", dim).Str("embed_model", c.EmbedModel()).Str("completion_model", c.CompletionModel()).Msg("AI client initialized")

	st, err := store.Open(ctx, cfg.Database, store.WithIndexType(cfg.IndexType))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	if err := st.Migrate(ctx, dim); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate database")
	}

	svc := rag.NewService(c, c, st, rag.Options{TopK: cfg.TopK, MinSimilarity: cfg.MinSimilarity})
	srv := api.NewServer(svc, st)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{
		Addr:              address,
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("api server stopped")
		return
	}
	logger.Info().Msg("api server stopped")
}
