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
	"github.com/seanblong/catalograg/internal/mcpserver"
	"github.com/seanblong/catalograg/internal/rag"
	"github.com/seanblong/catalograg/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("catalograg-mcp", pflag.ExitOnError)

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	// stdout carries the protocol; logs go to stderr
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := ai.NewClient(cfg.AIConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create AI client")
	}
	if u, ok := c.(*ai.Unconfigured); ok {
		logger.Warn().Str("reason", u.Reason()).Msg("question answering disabled")
	}

	st, err := store.Open(ctx, cfg.Database, store.WithIndexType(cfg.IndexType))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	svc := rag.NewService(c, c, st, rag.Options{TopK: cfg.TopK, MinSimilarity: cfg.MinSimilarity})
	srv, err := mcpserver.NewServer(svc, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MCP server")
	}

	logger.Info().Msg("mcp server listening on stdio")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("mcp server stopped")
	}
}
