// Package provider defines the canonical chat and embedding shapes the
// pipeline speaks, and the adapters that translate them to each upstream's
// wire format. Adapters emit streaming chunks in OpenAI streaming shape
// regardless of the upstream's native framing.
package provider

import (
	"context"
	"errors"
)

// ErrNoProvider is returned when no adapter claims a model id.
var ErrNoProvider = errors.New("provider: no adapter for model")

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Trusted marks content that entered the gateway as a system message.
	Trusted bool `json:"-"`
}

// ChatRequest is the canonical chat-completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	// BaseURL overrides the adapter's default endpoint (self-hosted
	// providers, per-endpoint route tables).
	BaseURL string `json:"-"`
	// APIKey is the upstream credential for this call.
	APIKey string `json:"-"`
}

// ChatResponse is the canonical chat-completion response.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
}

// StreamChunk is one OpenAI-shaped streaming delta. Adapters translate
// native upstream events into this uniform shape.
type StreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int            `json:"index"`
		Delta        ChunkDelta     `json:"delta"`
		FinishReason *string        `json:"finish_reason"`
	} `json:"choices"`
}

// ChunkDelta carries the incremental content of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewChunk builds a single-choice chunk in OpenAI shape.
func NewChunk(id, model, content string, created int64, finish *string) StreamChunk {
	c := StreamChunk{ID: id, Object: "chat.completion.chunk", Created: created, Model: model}
	c.Choices = append(c.Choices, struct {
		Index        int            `json:"index"`
		Delta        ChunkDelta     `json:"delta"`
		FinishReason *string        `json:"finish_reason"`
	}{Index: 0, Delta: ChunkDelta{Content: content}, FinishReason: finish})
	return c
}

// EmbeddingRequest is the canonical embedding request.
type EmbeddingRequest struct {
	Model   string   `json:"model"`
	Input   []string `json:"input"`
	BaseURL string   `json:"-"`
	APIKey  string   `json:"-"`
}

// EmbeddingResponse is the canonical embedding response.
type EmbeddingResponse struct {
	Model       string      `json:"model"`
	Embeddings  [][]float64 `json:"embeddings"`
	InputTokens int         `json:"input_tokens"`
}

// Adapter translates canonical requests to one upstream provider family.
type Adapter interface {
	// Name identifies the adapter in route tables and health reports.
	Name() string

	// Supports reports whether this adapter claims the given model id.
	Supports(modelID string) bool

	// Chat performs a blocking chat completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming chat completion; chunks arrive on
	// the returned channel, which closes when the stream ends. A non-nil
	// error from the final call is delivered on errc.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error)
}

// Embedder is implemented by adapters that support embeddings.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}
