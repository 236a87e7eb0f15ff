// Package llm provides the text-generation collaborator used by the recall
// pipeline and HTTP clients for OpenAI-compatible (OpenAI, DeepSeek), Ollama
// and Anthropic backends. Every client is wrapped in a circuit breaker.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyResponse is returned when a backend answers with no text.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrUnsupportedProvider is returned by the factories for unknown names.
	ErrUnsupportedProvider = errors.New("llm: unsupported provider")
)

// Request is one chat-style generation request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	// Timeout bounds the whole call including a streamed body. Zero uses the
	// client's configured timeout.
	Timeout time.Duration
}

// Chunk is one piece of a streamed response. A stream ends with exactly one
// chunk whose Done is true, unless the caller's context is cancelled first.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// TextGenerator generates text from a Request.
type TextGenerator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// BreakerReporter is implemented by clients that expose their circuit state.
type BreakerReporter interface {
	BreakerState() string
}

// Collect drains a stream into one string, calling onText for every
// non-empty piece. It returns the first error carried by the stream.
func Collect(ctx context.Context, ch <-chan Chunk, onText func(string)) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return b.String(), err
				}
				return b.String(), nil
			}
			if c.Text != "" {
				b.WriteString(c.Text)
				if onText != nil {
					onText(c.Text)
				}
			}
			if c.Done {
				return b.String(), c.Err
			}
		}
	}
}
