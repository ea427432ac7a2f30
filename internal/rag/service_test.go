package rag

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/pkg/models"
)

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	EmbedFunc  func(ctx context.Context, text string) ([]float32, error)
	DimValue   int
	Unready    bool
	EmbedCalls int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.EmbedCalls++
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return make([]float32, m.Dim()), nil
}

func (m *MockEmbedder) Dim() int {
	if m.DimValue == 0 {
		return 3
	}
	return m.DimValue
}

func (m *MockEmbedder) EmbedModel() string { return "mock-embed" }
func (m *MockEmbedder) Configured() bool   { return !m.Unready }

// MockGenerator implements ai.Generator for testing
type MockGenerator struct {
	GenerateFunc  func(ctx context.Context, question, contextText string) (string, error)
	Unready       bool
	GenerateCalls int
	LastQuestion  string
	LastContext   string
}

func (m *MockGenerator) Generate(ctx context.Context, question, contextText string) (string, error) {
	m.GenerateCalls++
	m.LastQuestion = question
	m.LastContext = contextText
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, question, contextText)
	}
	return "mock answer", nil
}

func (m *MockGenerator) CompletionModel() string { return "mock-completion" }
func (m *MockGenerator) Configured() bool        { return !m.Unready }

// MockSearcher implements Searcher for testing
type MockSearcher struct {
	SearchFunc   func(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error)
	SearchCalls  int
	LastK        int
	LastCategory string
}

func (m *MockSearcher) Search(ctx context.Context, vec []float32, k int, category string) ([]models.RetrievalResult, error) {
	m.SearchCalls++
	m.LastK = k
	m.LastCategory = category
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, vec, k, category)
	}
	return []models.RetrievalResult{}, nil
}

func strPtr(s string) *string { return &s }

func result(chunkID, productID string, sim float64) models.RetrievalResult {
	r := models.RetrievalResult{
		Chunk:      models.Chunk{ID: chunkID, Text: "text of " + chunkID},
		Document:   models.Document{ID: "doc-" + chunkID, Title: "Title " + chunkID},
		Similarity: sim,
	}
	if productID != "" {
		r.Product = &models.Product{ID: productID, Name: "Product " + productID, Category: "Cardiology", PriceCents: 129999}
		r.Document.ProductID = strPtr(productID)
	}
	return r
}

func fixedResults(rs ...models.RetrievalResult) func(context.Context, []float32, int, string) ([]models.RetrievalResult, error) {
	return func(context.Context, []float32, int, string) ([]models.RetrievalResult, error) {
		return rs, nil
	}
}

func TestService_Query(t *testing.T) {
	tests := []struct {
		name              string
		query             string
		category          *string
		results           []models.RetrievalResult
		expectedSources   []string
		expectedScores    []float64
		expectedAnswer    string
		expectedRetrieved int
		expectGenerate    bool
	}{
		{
			name:  "same product collapses to best chunk",
			query: "cardiology stent price",
			results: []models.RetrievalResult{
				result("c1", "p-stent", 0.81),
				result("c2", "p-stent", 0.74),
			},
			expectedSources:   []string{"Title c1"},
			expectedScores:    []float64{0.81},
			expectedAnswer:    "mock answer",
			expectedRetrieved: 1,
			expectGenerate:    true,
		},
		{
			name:  "all below threshold",
			query: "something unrelated",
			results: []models.RetrievalResult{
				result("c1", "p1", 0.1),
				result("c2", "p2", 0.1),
			},
			expectedSources:   []string{},
			expectedAnswer:    FallbackAnswer,
			expectedRetrieved: 0,
		},
		{
			name:              "no results",
			query:             "anything at all",
			expectedSources:   []string{},
			expectedAnswer:    FallbackAnswer,
			expectedRetrieved: 0,
		},
		{
			name:  "threshold is inclusive and product-less results are kept",
			query: "sterilization",
			results: []models.RetrievalResult{
				result("c1", "", 0.9),
				result("c2", "", 0.8),
				result("c3", "p1", 0.3),
				result("c4", "p2", 0.29999),
			},
			expectedSources:   []string{"Title c1", "Title c2", "Title c3"},
			expectedScores:    []float64{0.9, 0.8, 0.3},
			expectedAnswer:    "mock answer",
			expectedRetrieved: 3,
			expectGenerate:    true,
		},
		{
			name:     "category is passed to the store",
			query:    "stent price",
			category: strPtr("Cardiology"),
			results: []models.RetrievalResult{
				result("c1", "p1", 0.65432),
			},
			expectedSources:   []string{"Title c1"},
			expectedScores:    []float64{0.654},
			expectedAnswer:    "mock answer",
			expectedRetrieved: 1,
			expectGenerate:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embedder := &MockEmbedder{}
			generator := &MockGenerator{}
			searcher := &MockSearcher{SearchFunc: fixedResults(tt.results...)}
			svc := NewService(embedder, generator, searcher, DefaultOptions())

			req := models.QueryRequest{Query: tt.query}
			if tt.category != nil {
				req.Filters = &models.QueryFilters{Category: tt.category}
			}

			resp, err := svc.Query(context.Background(), req)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if resp.Answer != tt.expectedAnswer {
				t.Errorf("Expected answer %q, got %q", tt.expectedAnswer, resp.Answer)
			}
			if resp.Sources == nil {
				t.Fatal("Expected non-nil sources")
			}

			titles := []string{}
			scores := []float64{}
			for _, s := range resp.Sources {
				titles = append(titles, s.Title)
				if s.Score != nil {
					scores = append(scores, *s.Score)
				}
			}
			if !reflect.DeepEqual(titles, tt.expectedSources) {
				t.Errorf("Expected sources %v, got %v", tt.expectedSources, titles)
			}
			if tt.expectedScores != nil && !reflect.DeepEqual(scores, tt.expectedScores) {
				t.Errorf("Expected scores %v, got %v", tt.expectedScores, scores)
			}

			if resp.Metadata == nil {
				t.Fatal("Expected metadata")
			}
			if resp.Metadata.ChunksRetrieved != tt.expectedRetrieved {
				t.Errorf("Expected %d chunks retrieved, got %d", tt.expectedRetrieved, resp.Metadata.ChunksRetrieved)
			}
			if resp.Metadata.EmbeddingModel != "mock-embed" || resp.Metadata.CompletionModel != "mock-completion" {
				t.Errorf("Unexpected model metadata: %+v", resp.Metadata)
			}

			if tt.expectGenerate && generator.GenerateCalls != 1 {
				t.Errorf("Expected 1 generate call, got %d", generator.GenerateCalls)
			}
			if !tt.expectGenerate && generator.GenerateCalls != 0 {
				t.Errorf("Expected generator not to be called, got %d calls", generator.GenerateCalls)
			}

			if searcher.LastK != DefaultTopK {
				t.Errorf("Expected top-K %d, got %d", DefaultTopK, searcher.LastK)
			}
			expectedCategory := ""
			if tt.category != nil {
				expectedCategory = *tt.category
			}
			if searcher.LastCategory != expectedCategory {
				t.Errorf("Expected category %q, got %q", expectedCategory, searcher.LastCategory)
			}
		})
	}
}

func TestService_QueryScenarioA(t *testing.T) {
	searcher := &MockSearcher{SearchFunc: fixedResults(
		result("c1", "p-stent", 0.81),
		result("c2", "p-stent", 0.74),
	)}
	svc := NewService(&MockEmbedder{}, &MockGenerator{}, searcher, Options{TopK: 5, MinSimilarity: 0.3})

	resp, err := svc.Query(context.Background(), models.QueryRequest{Query: "cardiology stent price"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("Expected exactly one source, got %d", len(resp.Sources))
	}
	src := resp.Sources[0]
	if src.ProductID == nil || *src.ProductID != "p-stent" {
		t.Errorf("Expected product p-stent, got %v", src.ProductID)
	}
	if src.Score == nil || *src.Score != 0.81 {
		t.Errorf("Expected score 0.81, got %v", src.Score)
	}
}

func TestService_QueryRejectsShortQuery(t *testing.T) {
	queries := []string{"ok", "", "  a  ", "é!"}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			embedder := &MockEmbedder{}
			searcher := &MockSearcher{}
			svc := NewService(embedder, &MockGenerator{}, searcher, DefaultOptions())

			_, err := svc.Query(context.Background(), models.QueryRequest{Query: q})
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("Expected ErrInvalidQuery, got %v", err)
			}
			if embedder.EmbedCalls != 0 || searcher.SearchCalls != 0 {
				t.Errorf("Expected no external calls, got embed=%d search=%d", embedder.EmbedCalls, searcher.SearchCalls)
			}
		})
	}
}

func TestService_QueryNotConfigured(t *testing.T) {
	tests := []struct {
		name      string
		embedder  ai.Embedder
		generator ai.Generator
	}{
		{name: "embedder unconfigured", embedder: &MockEmbedder{Unready: true}, generator: &MockGenerator{}},
		{name: "generator unconfigured", embedder: &MockEmbedder{}, generator: &MockGenerator{Unready: true}},
		{
			name:      "unconfigured provider",
			embedder:  ai.NewUnconfigured(&ai.ClientConfig{Dim: 3}, "no key"),
			generator: ai.NewUnconfigured(&ai.ClientConfig{Dim: 3}, "no key"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &MockSearcher{}
			svc := NewService(tt.embedder, tt.generator, searcher, DefaultOptions())

			if svc.Configured() {
				t.Error("Expected service to report unconfigured")
			}
			_, err := svc.Query(context.Background(), models.QueryRequest{Query: "stent price"})
			if !errors.Is(err, ErrServiceNotConfigured) {
				t.Fatalf("Expected ErrServiceNotConfigured, got %v", err)
			}
			if searcher.SearchCalls != 0 {
				t.Error("Expected no search call")
			}
			if m, ok := tt.embedder.(*MockEmbedder); ok && m.EmbedCalls != 0 {
				t.Error("Expected no embed call")
			}
		})
	}
}

func TestService_QueryDimensionMismatch(t *testing.T) {
	embedder := &MockEmbedder{
		DimValue: 1536,
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return make([]float32, 512), nil
		},
	}
	searcher := &MockSearcher{}
	generator := &MockGenerator{}
	svc := NewService(embedder, generator, searcher, DefaultOptions())

	_, err := svc.Query(context.Background(), models.QueryRequest{Query: "cardiology stent price"})
	if !errors.Is(err, ai.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}
	var dimErr *ai.DimensionError
	if !errors.As(err, &dimErr) || dimErr.Want != 1536 || dimErr.Got != 512 {
		t.Errorf("Expected DimensionError{1536, 512}, got %v", err)
	}
	if searcher.SearchCalls != 0 {
		t.Error("Expected no search call after dimension mismatch")
	}
}

func TestService_QueryPropagatesErrors(t *testing.T) {
	storeErr := errors.New("connection refused")

	tests := []struct {
		name        string
		embedder    *MockEmbedder
		searcher    *MockSearcher
		generator   *MockGenerator
		expectedErr error
	}{
		{
			name: "embedding provider unavailable",
			embedder: &MockEmbedder{EmbedFunc: func(context.Context, string) ([]float32, error) {
				return nil, ai.ErrProviderUnavailable
			}},
			searcher:    &MockSearcher{},
			generator:   &MockGenerator{},
			expectedErr: ai.ErrProviderUnavailable,
		},
		{
			name:     "store failure",
			embedder: &MockEmbedder{},
			searcher: &MockSearcher{SearchFunc: func(context.Context, []float32, int, string) ([]models.RetrievalResult, error) {
				return nil, storeErr
			}},
			generator:   &MockGenerator{},
			expectedErr: storeErr,
		},
		{
			name:     "generation failed",
			embedder: &MockEmbedder{},
			searcher: &MockSearcher{SearchFunc: fixedResults(result("c1", "p1", 0.9))},
			generator: &MockGenerator{GenerateFunc: func(context.Context, string, string) (string, error) {
				return "", ai.ErrGenerationFailed
			}},
			expectedErr: ai.ErrGenerationFailed,
		},
		{
			name:     "generation timeout",
			embedder: &MockEmbedder{},
			searcher: &MockSearcher{SearchFunc: fixedResults(result("c1", "p1", 0.9))},
			generator: &MockGenerator{GenerateFunc: func(context.Context, string, string) (string, error) {
				return "", ai.ErrTimeout
			}},
			expectedErr: ai.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.embedder, tt.generator, tt.searcher, DefaultOptions())
			resp, err := svc.Query(context.Background(), models.QueryRequest{Query: "stent price"})
			if !errors.Is(err, tt.expectedErr) {
				t.Fatalf("Expected %v, got %v", tt.expectedErr, err)
			}
			if resp != nil {
				t.Error("Expected no response on failure")
			}
		})
	}
}

func TestService_QueryCancelled(t *testing.T) {
	embedder := &MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		return nil, ctx.Err()
	}}
	svc := NewService(embedder, &MockGenerator{}, &MockSearcher{}, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Query(ctx, models.QueryRequest{Query: "stent price"})
	if !errors.Is(err, context.Canceled) || resp != nil {
		t.Fatalf("Expected context.Canceled and no response, got %v, %v", resp, err)
	}
}

func TestService_QueryPassesQuestionVerbatim(t *testing.T) {
	var embedded string
	embedder := &MockEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		embedded = text
		return []float32{1, 0, 0}, nil
	}}
	generator := &MockGenerator{}
	searcher := &MockSearcher{SearchFunc: fixedResults(result("c1", "p1", 0.9))}
	svc := NewService(embedder, generator, searcher, DefaultOptions())

	_, err := svc.Query(context.Background(), models.QueryRequest{
		Query:   "  what does the stent cost?  ",
		Filters: &models.QueryFilters{Category: strPtr("Cardiology")},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if embedded != "  what does the stent cost?  " {
		t.Errorf("Expected the question to be embedded verbatim, got %q", embedded)
	}
	if generator.LastQuestion != "  what does the stent cost?  " {
		t.Errorf("Expected the generator to get the question verbatim, got %q", generator.LastQuestion)
	}
	if !strings.Contains(generator.LastContext, "[1] Title c1") {
		t.Errorf("Expected generator to receive the built context, got %q", generator.LastContext)
	}
}

func TestNewService_DefaultTopK(t *testing.T) {
	svc := NewService(&MockEmbedder{}, &MockGenerator{}, &MockSearcher{}, Options{MinSimilarity: 0.5})
	if svc.Options().TopK != DefaultTopK {
		t.Errorf("Expected default top-K %d, got %d", DefaultTopK, svc.Options().TopK)
	}
	if svc.Options().MinSimilarity != 0.5 {
		t.Errorf("Expected MinSimilarity 0.5, got %v", svc.Options().MinSimilarity)
	}
}
