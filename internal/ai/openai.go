package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// systemPrompt constrains the model to the retrieved catalog context.
const systemPrompt = "You are a product specialist for a medical device catalog. " +
	"Answer the user's question using ONLY the information in the provided context. " +
	"If the context does not contain enough information to answer, say that you do not have enough information instead of guessing. " +
	"Always cite the product names you draw information from. " +
	"Be concise and factual; include prices and specifications exactly as they appear in the context."

type OpenAIClient struct {
	config *ClientConfig
	client openai.Client
}

func applyOpenAIDefaults(config *ClientConfig) {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.CompletionModel == "" {
		config.CompletionModel = "gpt-4o-mini"
	}
	if config.Dim == 0 {
		// Set default dimensions based on the embedding model
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}
	if config.Timeout == 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 500
	}
}

// NewOpenAIClient builds a client on the official SDK. Extra request options
// are applied last and exist for tests.
func NewOpenAIClient(config *ClientConfig, extra ...option.RequestOption) *OpenAIClient {
	applyOpenAIDefaults(config)

	// Create HTTP client with optional TLS skip verification
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("CATALOGRAG_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithHTTPClient(&http.Client{Transport: transport}),
		option.WithRequestTimeout(config.Timeout),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if strings.HasPrefix(config.APIKey, "sk-proj-") && config.ProjectID != "" {
		opts = append(opts, option.WithHeader("OpenAI-Project", config.ProjectID))
	}
	opts = append(opts, extra...)

	return &OpenAIClient{
		config: config,
		client: openai.NewClient(opts...),
	}
}

// Embed implements the embedding functionality
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embed: empty input")
	}

	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.config.EmbedModel),
	})
	if err != nil {
		return nil, classify(ctx, "openai embedding", err, ErrProviderUnavailable)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedding: %w: no embedding returned", ErrProviderUnavailable)
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	if err := CheckDim(vec, c.config.Dim); err != nil {
		return nil, err
	}
	return vec, nil
}

// Generate asks the completion model to answer question from contextText.
func (c *OpenAIClient) Generate(ctx context.Context, question, contextText string) (string, error) {
	user := "Context:\n" + contextText + "\n\nQuestion: " + question

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.config.CompletionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(c.config.Temperature),
		MaxCompletionTokens: openai.Int(int64(c.config.MaxTokens)),
	})
	if err != nil {
		return "", classify(ctx, "openai completion", err, ErrGenerationFailed)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: %w: no choices", ErrGenerationFailed)
	}

	s := strings.TrimSpace(resp.Choices[0].Message.Content)
	if s == "" {
		return "", fmt.Errorf("openai completion: %w: empty content", ErrGenerationFailed)
	}
	return s, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) EmbedModel() string      { return c.config.EmbedModel }
func (c *OpenAIClient) CompletionModel() string { return c.config.CompletionModel }
func (c *OpenAIClient) Configured() bool        { return true }
