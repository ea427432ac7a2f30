package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
)

// MockTransport implements http.RoundTripper for testing
type MockTransport struct {
	mu             sync.RWMutex
	responses      map[string]int
	responseBodies map[string]string
	requests       []*http.Request
	bodies         []string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses:      make(map[string]int),
		responseBodies: make(map[string]string),
	}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	key := fmt.Sprintf("%s %s", req.Method, req.URL.Path)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	if status, exists := m.responses[key]; exists {
		return &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Body:       io.NopCloser(strings.NewReader(m.responseBodies[key])),
			Header:     header,
			Request:    req,
		}, nil
	}

	// Default response if no mock is set up
	return &http.Response{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
		Header:     header,
		Request:    req,
	}, nil
}

func (m *MockTransport) AddResponse(method, path string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s %s", method, path)
	m.responses[key] = statusCode
	m.responseBodies[key] = body
}

func (m *MockTransport) Bodies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.bodies))
	copy(out, m.bodies)
	return out
}

// Helper function to create a client with mock transport
func createMockClient(transport *MockTransport, dim int) *OpenAIClient {
	config := &ClientConfig{
		APIKey:          "test-api-key",
		EmbedModel:      "text-embedding-3-small",
		CompletionModel: "gpt-4o-mini",
		Dim:             dim,
		ProjectID:       "test-project",
		Temperature:     0.2,
		MaxTokens:       300,
	}

	return NewOpenAIClient(config,
		option.WithBaseURL("https://api.openai.com/v1/"),
		option.WithHTTPClient(&http.Client{Transport: transport}),
		option.WithMaxRetries(0),
	)
}

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name               string
		config             *ClientConfig
		expectedEmbed      string
		expectedCompletion string
		expectedDim        int
	}{
		{
			name: "with all models specified",
			config: &ClientConfig{
				APIKey:          "test-key",
				EmbedModel:      "custom-embed-model",
				CompletionModel: "custom-completion-model",
				Dim:             768,
			},
			expectedEmbed:      "custom-embed-model",
			expectedCompletion: "custom-completion-model",
			expectedDim:        768,
		},
		{
			name:               "with default models",
			config:             &ClientConfig{APIKey: "test-key"},
			expectedEmbed:      "text-embedding-3-small",
			expectedCompletion: "gpt-4o-mini",
			expectedDim:        1536,
		},
		{
			name: "large embedding model picks its dimension",
			config: &ClientConfig{
				APIKey:     "test-key",
				EmbedModel: "text-embedding-3-large",
			},
			expectedEmbed:      "text-embedding-3-large",
			expectedCompletion: "gpt-4o-mini",
			expectedDim:        3072,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOpenAIClient(tt.config)

			if client.EmbedModel() != tt.expectedEmbed {
				t.Errorf("Expected EmbedModel '%s', got '%s'", tt.expectedEmbed, client.EmbedModel())
			}
			if client.CompletionModel() != tt.expectedCompletion {
				t.Errorf("Expected CompletionModel '%s', got '%s'", tt.expectedCompletion, client.CompletionModel())
			}
			if client.Dim() != tt.expectedDim {
				t.Errorf("Expected Dim %d, got %d", tt.expectedDim, client.Dim())
			}
			if client.config.Timeout != 20*time.Second {
				t.Errorf("Expected timeout 20s, got %v", client.config.Timeout)
			}
			if !client.Configured() {
				t.Error("Expected client to be configured")
			}
		})
	}
}

func TestOpenAIClient_Embed(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		dim          int
		statusCode   int
		responseBody string
		expectedErr  error
		expectedLen  int
	}{
		{
			name:         "successful embedding",
			text:         "test text",
			dim:          5,
			statusCode:   200,
			responseBody: `{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3,0.4,0.5]}]}`,
			expectedLen:  5,
		},
		{
			name:         "dimension mismatch",
			text:         "test text",
			dim:          1536,
			statusCode:   200,
			responseBody: `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}]}`,
			expectedErr:  ErrDimensionMismatch,
		},
		{
			name:         "empty data array",
			text:         "test text",
			dim:          5,
			statusCode:   200,
			responseBody: `{"object":"list","data":[]}`,
			expectedErr:  ErrProviderUnavailable,
		},
		{
			name:         "rate limit error",
			text:         "test text",
			dim:          5,
			statusCode:   429,
			responseBody: `{"error": {"message": "Rate limit exceeded"}}`,
			expectedErr:  ErrProviderUnavailable,
		},
		{
			name:         "unauthorized error",
			text:         "test text",
			dim:          5,
			statusCode:   401,
			responseBody: `{"error": {"message": "Invalid API key"}}`,
			expectedErr:  ErrProviderUnavailable,
		},
		{
			name:         "server error",
			text:         "test text",
			dim:          5,
			statusCode:   503,
			responseBody: `{"error": {"message": "overloaded"}}`,
			expectedErr:  ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			transport.AddResponse("POST", "/v1/embeddings", tt.statusCode, tt.responseBody)

			client := createMockClient(transport, tt.dim)
			embedding, err := client.Embed(context.Background(), tt.text)

			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Fatalf("Expected error %v, got %v", tt.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(embedding) != tt.expectedLen {
				t.Errorf("Expected embedding length %d, got %d", tt.expectedLen, len(embedding))
			}
		})
	}
}

func TestOpenAIClient_EmbedRequestBody(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", "/v1/embeddings", 200,
		`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0,0]}]}`)

	client := createMockClient(transport, 3)
	if _, err := client.Embed(context.Background(), "cardiology stent price"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	bodies := transport.Bodies()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(bodies))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatalf("Request body is not JSON: %v", err)
	}
	if payload["input"] != "cardiology stent price" {
		t.Errorf("Expected input to be the raw text, got %v", payload["input"])
	}
	if payload["model"] != "text-embedding-3-small" {
		t.Errorf("Expected model text-embedding-3-small, got %v", payload["model"])
	}
}

func TestOpenAIClient_EmbedEmptyText(t *testing.T) {
	transport := NewMockTransport()
	client := createMockClient(transport, 3)

	if _, err := client.Embed(context.Background(), "   "); err == nil {
		t.Fatal("Expected error for empty input")
	}
	if len(transport.Bodies()) != 0 {
		t.Error("Expected no request for empty input")
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		responseBody string
		expected     string
		expectedErr  error
	}{
		{
			name:         "successful completion",
			statusCode:   200,
			responseBody: `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  The CardioFlow catheter costs $1,299.99.  "}}]}`,
			expected:     "The CardioFlow catheter costs $1,299.99.",
		},
		{
			name:         "empty content",
			statusCode:   200,
			responseBody: `{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"   "}}]}`,
			expectedErr:  ErrGenerationFailed,
		},
		{
			name:         "no choices",
			statusCode:   200,
			responseBody: `{"id":"c1","object":"chat.completion","choices":[]}`,
			expectedErr:  ErrGenerationFailed,
		},
		{
			name:         "bad request",
			statusCode:   400,
			responseBody: `{"error": {"message": "context length exceeded"}}`,
			expectedErr:  ErrGenerationFailed,
		},
		{
			name:         "unauthorized",
			statusCode:   401,
			responseBody: `{"error": {"message": "Invalid API key"}}`,
			expectedErr:  ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			transport.AddResponse("POST", "/v1/chat/completions", tt.statusCode, tt.responseBody)

			client := createMockClient(transport, 3)
			answer, err := client.Generate(context.Background(), "How much is it?", "[1] CardioFlow Guide")

			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Fatalf("Expected error %v, got %v", tt.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if answer != tt.expected {
				t.Errorf("Expected answer %q, got %q", tt.expected, answer)
			}
		})
	}
}

func TestOpenAIClient_GeneratePrompt(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", "/v1/chat/completions", 200,
		`{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`)

	client := createMockClient(transport, 3)
	if _, err := client.Generate(context.Background(), "What is the price?", "[1] Guide\nPrice: $10.00"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var payload struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_completion_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(transport.Bodies()[0]), &payload); err != nil {
		t.Fatalf("Request body is not JSON: %v", err)
	}
	if payload.Model != "gpt-4o-mini" {
		t.Errorf("Expected model gpt-4o-mini, got %s", payload.Model)
	}
	if payload.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2, got %v", payload.Temperature)
	}
	if payload.MaxTokens != 300 {
		t.Errorf("Expected max tokens 300, got %d", payload.MaxTokens)
	}
	if len(payload.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Role != "system" || !strings.Contains(payload.Messages[0].Content, "ONLY") {
		t.Errorf("Unexpected system message: %+v", payload.Messages[0])
	}
	if !strings.Contains(payload.Messages[1].Content, "Price: $10.00") ||
		!strings.Contains(payload.Messages[1].Content, "Question: What is the price?") {
		t.Errorf("User message missing context or question: %q", payload.Messages[1].Content)
	}
}

func TestOpenAIClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	config := &ClientConfig{APIKey: "test-key", Dim: 3, Timeout: 50 * time.Millisecond}
	client := NewOpenAIClient(config, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))

	_, err := client.Embed(context.Background(), "slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestOpenAIClient_CallerCancellation(t *testing.T) {
	transport := NewMockTransport()
	client := createMockClient(transport, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Embed(ctx, "cancelled")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
