package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/internal/config"
	"github.com/seanblong/catalograg/internal/rag"
	"github.com/seanblong/catalograg/internal/store"
	"github.com/seanblong/catalograg/pkg/models"
)

var (
	askCategory string
	askJSON     bool
	askConfig   string
)

const msgQueryFailed = "failed to process query, please try again"

// errConfig marks local configuration problems, which are safe to show as is.
var errConfig = errors.New("configuration error")

var rootCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the product catalog",
	Long: `Embeds the question, retrieves the most similar catalog passages and
prints a generated answer with the documents it cites.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAsk,
}

func init() {
	rootCmd.Flags().StringVarP(&askCategory, "category", "c", "", "restrict the answer to one product category")
	rootCmd.Flags().BoolVar(&askJSON, "json", false, "print the response as JSON")
	rootCmd.Flags().StringVar(&askConfig, "config", "", "path to config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", userMessage(err))
		stop()
		os.Exit(1)
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	question := strings.Join(args, " ")
	if err := rag.ValidateQuery(question); err != nil {
		return err
	}

	cfg, err := config.Load(askConfig, pflag.NewFlagSet("ask", pflag.ContinueOnError), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}
	log.Logger = logger

	c, err := ai.NewClient(cfg.AIConfig())
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Database, store.WithIndexType(cfg.IndexType))
	if err != nil {
		return err
	}
	defer st.Close()

	svc := rag.NewService(c, c, st, rag.Options{TopK: cfg.TopK, MinSimilarity: cfg.MinSimilarity})

	req := models.QueryRequest{Query: question}
	if category := strings.TrimSpace(askCategory); category != "" {
		req.Filters = &models.QueryFilters{Category: &category}
	}
	resp, err := svc.Query(ctx, req)
	if err != nil {
		return err
	}

	if askJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	writeAnswer(cmd.OutOrStdout(), resp)
	return nil
}

func writeJSON(w io.Writer, resp *models.RagResponse) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeAnswer(w io.Writer, resp *models.RagResponse) {
	heading := color.New(color.FgCyan, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	title := color.New(color.Bold).SprintFunc()

	fmt.Fprintln(w, heading("Answer"))
	fmt.Fprintln(w, resp.Answer)

	if len(resp.Sources) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, heading("Sources"))
	for i, s := range resp.Sources {
		line := fmt.Sprintf("  [%d] %s", i+1, title(s.Title))
		if s.Score != nil {
			line += dim(fmt.Sprintf(" (%.3f)", *s.Score))
		}
		fmt.Fprintln(w, line)
		if s.Snippet != "" {
			fmt.Fprintf(w, "      %s\n", dim(s.Snippet))
		}
	}
	if resp.Metadata != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, dim(fmt.Sprintf("%d chunks · %s · %s",
			resp.Metadata.ChunksRetrieved, resp.Metadata.EmbeddingModel, resp.Metadata.CompletionModel)))
	}
}

// userMessage hides provider and store details behind the same wording the
// HTTP API uses.
func userMessage(err error) string {
	switch {
	case errors.Is(err, rag.ErrInvalidQuery):
		return err.Error()
	case errors.Is(err, rag.ErrServiceNotConfigured), errors.Is(err, ai.ErrNotConfigured):
		return "AI question answering is not configured (set CATALOGRAG_PROVIDER_API_KEY)"
	case errors.Is(err, ai.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "the AI provider timed out, please try again"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, errConfig):
		return err.Error()
	default:
		log.Debug().Err(err).Msg("ask failed")
		return msgQueryFailed
	}
}
