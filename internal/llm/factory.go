package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/config"
)

// DeepSeekBaseURL is the OpenAI-compatible DeepSeek endpoint.
const DeepSeekBaseURL = "https://api.deepseek.com"

// NewTextGenerator creates the appropriate TextGenerator based on the LLM config.
func NewTextGenerator(cfg config.LLMConfig, logger *zap.Logger) (TextGenerator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Logger: logger,
		}), nil
	case "deepseek":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DeepSeekBaseURL
		}
		model := cfg.Model
		if model == "" {
			model = "deepseek-chat"
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.DeepSeekAPIKey, Model: model, BaseURL: baseURL,
			Timeout: cfg.Timeout, Name: "deepseek", Logger: logger,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Logger: logger,
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout, Logger: logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

// NewEmbeddingGenerator creates the appropriate EmbeddingGenerator.
// Returns (nil, nil) when embeddings are disabled or the provider has none
// (Anthropic, DeepSeek).
func NewEmbeddingGenerator(cfg config.LLMConfig, logger *zap.Logger) (EmbeddingGenerator, error) {
	if !cfg.Embeddings {
		return nil, nil
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
			APIKey: cfg.OpenAIAPIKey, Model: cfg.EmbeddingModel, BaseURL: cfg.BaseURL, Logger: logger,
		}), nil
	case "ollama", "":
		model := cfg.EmbeddingModel
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: model, Logger: logger}), nil
	default:
		return nil, nil
	}
}
