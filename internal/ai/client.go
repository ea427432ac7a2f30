package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"time"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	EmbedModel() string
	Configured() bool
}

// Generator answers a question from an assembled context.
type Generator interface {
	Generate(ctx context.Context, question, contextText string) (string, error)
	CompletionModel() string
	Configured() bool
}

// Client provides both embedding and answer generation capabilities
type Client interface {
	Embedder
	Generator
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderStub   Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	BaseURL         string
	EmbedModel      string
	CompletionModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Timeout         time.Duration
	MaxRetries      int
	MaxTokens       int
	Temperature     float64
}

// NewClient creates a new AI client based on configuration. A provider that
// needs a credential but has none yields an Unconfigured client rather than
// an error, so the service can start with question answering disabled.
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(config.APIKey) == "" {
			applyOpenAIDefaults(config)
			return NewUnconfigured(config, "PROVIDER_API_KEY unset"), nil
		}
		return NewOpenAIClient(config), nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// Unconfigured is the disabled variant of a Client. It still reports the
// models and dimension it would use so startup code can migrate the store.
type Unconfigured struct {
	reason          string
	dim             int
	embedModel      string
	completionModel string
}

// NewUnconfigured creates a client that fails every call with ErrNotConfigured.
func NewUnconfigured(config *ClientConfig, reason string) *Unconfigured {
	return &Unconfigured{
		reason:          reason,
		dim:             config.Dim,
		embedModel:      config.EmbedModel,
		completionModel: config.CompletionModel,
	}
}

func (u *Unconfigured) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotConfigured, u.reason)
}

func (u *Unconfigured) Generate(ctx context.Context, question, contextText string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNotConfigured, u.reason)
}

func (u *Unconfigured) Dim() int                { return u.dim }
func (u *Unconfigured) EmbedModel() string      { return u.embedModel }
func (u *Unconfigured) CompletionModel() string { return u.completionModel }
func (u *Unconfigured) Configured() bool        { return false }

// Reason explains why the client is disabled.
func (u *Unconfigured) Reason() string { return u.reason }

const defaultStubDim = 1536

// StubClient is an offline Client. Embeddings are hashed bags of words, so
// texts sharing vocabulary land close together; answers are extractive.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, s.dim)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(s.dim)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Generate lists the products named in the context and quotes the first
// passage.
func (s *StubClient) Generate(ctx context.Context, question, contextText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var names []string
	seen := map[string]bool{}
	var passage string
	for _, line := range strings.Split(contextText, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Product: ") {
			name, _, _ := strings.Cut(strings.TrimPrefix(line, "Product: "), " | ")
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			continue
		}
		if passage == "" && line != "" && !strings.HasPrefix(line, "[") {
			passage = line
		}
	}
	if passage == "" {
		return "", ErrGenerationFailed
	}
	if len(names) == 0 {
		return passage, nil
	}
	return "Relevant products: " + strings.Join(names, ", ") + ". " + passage, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func (s *StubClient) EmbedModel() string      { return "stub-embedding" }
func (s *StubClient) CompletionModel() string { return "stub-completion" }
func (s *StubClient) Configured() bool        { return true }
