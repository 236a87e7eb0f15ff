package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OllamaClient handles communication with the Ollama API for local inference.
// It wraps all HTTP calls with circuit breaker protection to prevent cascading failures.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use for chat and embeddings (default: qwen2.5:7b)
	Model string

	// Timeout is the default per-call timeout (default: 60s)
	Timeout time.Duration

	// Logger receives circuit breaker state changes.
	Logger *zap.Logger
}

// chatRequest represents the request body for the /api/chat endpoint
type chatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  chatOptions         `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatResponse is one /api/chat response object. Streaming sends one per line.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// embedRequest represents the request body for /api/embed endpoint
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse represents the response from /api/embed endpoint
// The embeddings field is a 2D array; we always use the first (and only) embedding.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
// If configuration values are not provided, the following defaults are used:
//   - BaseURL: http://localhost:11434
//   - Model: qwen2.5:7b
//   - Timeout: 60 seconds
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &OllamaClient{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		client:         &http.Client{},
		circuitBreaker: NewCircuitBreaker("ollama", config.Logger),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

func (c *OllamaClient) chatBody(req Request, stream bool) chatRequest {
	var msgs []openAIChatMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, openAIChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, openAIChatMessage{Role: "user", Content: req.UserPrompt})
	return chatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   stream,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
}

// Generate sends a chat request to Ollama and returns the response text.
// The request is wrapped with circuit breaker protection.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - req: Prompts and sampling settings
//
// Returns:
//   - The completion response text
//   - An error if the request fails or the circuit breaker is open
func (c *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.generate(ctx, req)
	})

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return "", err
	}

	return result.(string), nil
}

// generate is the internal implementation of Generate without circuit breaker wrapping
func (c *OllamaClient) generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(req, c.timeout))
	defer cancel()

	resp, err := postJSON(ctx, c.client, c.baseURL+"/api/chat", nil, c.chatBody(req, false))
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var respData chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if respData.Error != "" {
		return "", fmt.Errorf("ollama: %s", respData.Error)
	}
	if strings.TrimSpace(respData.Message.Content) == "" {
		return "", fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}

	return respData.Message.Content, nil
}

// Stream opens a streamed chat. Ollama answers with one JSON object per
// line; the object with done=true ends the stream.
func (c *OllamaClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(req, c.timeout))
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return postJSON(ctx, c.client, c.baseURL+"/api/chat", nil, c.chatBody(req, true))
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama: %w", err)
	}
	resp := result.(*http.Response)
	return pump(ctx, cancel, resp.Body, parseOllamaLine), nil
}

func parseOllamaLine(line string) (string, bool, error) {
	var r chatResponse
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return "", false, fmt.Errorf("decode stream line: %w", err)
	}
	if r.Error != "" {
		return "", false, fmt.Errorf("ollama: %s", r.Error)
	}
	return r.Message.Content, r.Done, nil
}

// Embed generates embeddings for the given text using the configured model.
// The request is wrapped with circuit breaker protection.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, text)
	})

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("ollama circuit breaker open: %w", err)
		}
		return nil, err
	}

	return result.([]float32), nil
}

// embed is the internal implementation of Embed without circuit breaker wrapping
func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := postJSON(ctx, c.client, c.baseURL+"/api/embed", nil, embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Embeddings) == 0 || len(respData.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding vector")
	}

	return respData.Embeddings[0], nil
}

// HealthCheck verifies that Ollama is reachable by checking the /api/version endpoint.
// This does not use circuit breaker protection since it's a health check itself.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// BreakerState reports the circuit breaker state.
func (c *OllamaClient) BreakerState() string {
	return c.circuitBreaker.State()
}

// Compile-time assertions that OllamaClient satisfies both LLM interfaces.
var _ TextGenerator = (*OllamaClient)(nil)
var _ EmbeddingGenerator = (*OllamaClient)(nil)
