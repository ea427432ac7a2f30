package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/pkg/models"
)

const (
	// MinQueryLength is the minimum number of characters in a question.
	MinQueryLength = 3

	DefaultTopK          = 5
	DefaultMinSimilarity = 0.3
)

// FallbackAnswer is returned when no chunk survives retrieval.
const FallbackAnswer = "I couldn't find relevant product information to answer your question. " +
	"Try rephrasing it or removing the category filter."

// Searcher is the read side of the catalog store used at query time.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error)
}

// Options tunes retrieval.
type Options struct {
	// TopK caps the nearest-neighbour results requested from the store.
	TopK int
	// MinSimilarity drops results scoring strictly below it.
	MinSimilarity float64
}

// DefaultOptions returns TopK 5 and MinSimilarity 0.3.
func DefaultOptions() Options {
	return Options{TopK: DefaultTopK, MinSimilarity: DefaultMinSimilarity}
}

// Service answers catalog questions. It holds no per-query state and is safe
// for concurrent use.
type Service struct {
	embedder  ai.Embedder
	generator ai.Generator
	store     Searcher
	opts      Options
}

// NewService creates a new question answering service. A non-positive TopK
// falls back to DefaultTopK.
func NewService(embedder ai.Embedder, generator ai.Generator, store Searcher, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Service{
		embedder:  embedder,
		generator: generator,
		store:     store,
		opts:      opts,
	}
}

// Configured reports whether both providers have credentials.
func (s *Service) Configured() bool {
	return s.embedder != nil && s.generator != nil &&
		s.embedder.Configured() && s.generator.Configured()
}

// Options returns the retrieval settings in effect.
func (s *Service) Options() Options { return s.opts }

// ValidateQuery checks the question before any external call is made.
func ValidateQuery(q string) error {
	if utf8.RuneCountInString(strings.TrimSpace(q)) < MinQueryLength {
		return fmt.Errorf("%w: query must be at least %d characters long", ErrInvalidQuery, MinQueryLength)
	}
	return nil
}

// Query embeds the question, retrieves and filters matching chunks and
// composes a cited answer. When nothing relevant is found the generator is
// not called and the fallback answer is returned with no sources.
func (s *Service) Query(ctx context.Context, req models.QueryRequest) (*models.RagResponse, error) {
	if err := ValidateQuery(req.Query); err != nil {
		return nil, err
	}
	if !s.Configured() {
		return nil, ErrServiceNotConfigured
	}

	category := strings.TrimSpace(req.CategoryFilter())

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := ai.CheckDim(vec, s.embedder.Dim()); err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	raw, err := s.store.Search(ctx, vec, s.opts.TopK, category)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	kept := DedupeByProduct(FilterByThreshold(raw, s.opts.MinSimilarity))

	log.Debug().
		Str("category", category).
		Int("retrieved", len(raw)).
		Int("kept", len(kept)).
		Msg("retrieval complete")

	meta := &models.ResponseMetadata{
		ChunksRetrieved: len(kept),
		EmbeddingModel:  s.embedder.EmbedModel(),
		CompletionModel: s.generator.CompletionModel(),
	}

	if len(kept) == 0 {
		return &models.RagResponse{
			Answer:   FallbackAnswer,
			Sources:  []models.Source{},
			Metadata: meta,
		}, nil
	}

	answer, err := s.generator.Generate(ctx, req.Query, BuildContext(kept))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &models.RagResponse{
		Answer:   answer,
		Sources:  FormatSources(kept),
		Metadata: meta,
	}, nil
}
