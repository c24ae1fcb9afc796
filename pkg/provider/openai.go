package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIAdapter speaks the OpenAI chat-completions wire format. It also
// serves every OpenAI-compatible upstream (Groq, Mistral, Azure, Ollama,
// LM Studio) through per-request base URLs.
type OpenAIAdapter struct {
	name     string
	baseURL  string
	prefixes []string
	client   *http.Client
}

// NewOpenAIAdapter builds the adapter for api.openai.com.
func NewOpenAIAdapter(timeout time.Duration) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:     "openai",
		baseURL:  "https://api.openai.com",
		prefixes: []string{"gpt-", "o1", "o3", "o4", "chatgpt-", "text-embedding-"},
		client:   &http.Client{Timeout: timeout},
	}
}

// NewOpenAICompatAdapter builds an adapter for a self-hosted or
// third-party OpenAI-compatible endpoint. prefixes claims model ids;
// a model prefix like "ollama/" is stripped before the upstream call.
func NewOpenAICompatAdapter(name, baseURL string, prefixes []string, timeout time.Duration) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		prefixes: prefixes,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

// Supports reports whether the adapter claims the model id.
func (a *OpenAIAdapter) Supports(modelID string) bool {
	lower := strings.ToLower(modelID)
	for _, p := range a.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Wire shapes for the chat-completions endpoint.

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat performs a blocking completion.
func (a *OpenAIAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.name, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%s: upstream error: %s", a.name, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty choices", a.name)
	}

	return &ChatResponse{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Content:      decoded.Choices[0].Message.Content,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
		FinishReason: decoded.Choices[0].FinishReason,
	}, nil
}

// ChatStream performs a streaming completion, forwarding upstream SSE
// chunks unchanged in shape.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error) {
	resp, err := a.post(ctx, req, true)
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan StreamChunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var chunk StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				errc <- fmt.Errorf("%s: decode chunk: %w", a.name, err)
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("%s: read stream: %w", a.name, err)
		}
	}()
	return chunks, errc, nil
}

// Embed calls the embeddings endpoint.
func (a *OpenAIAdapter) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model": a.upstreamModel(req.Model),
		"input": req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal embedding request: %w", a.name, err)
	}

	httpResp, err := a.send(ctx, a.base(req.BaseURL)+"/v1/embeddings", req.APIKey, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	var decoded struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
		Error *openAIError `json:"error,omitempty"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%s: decode embeddings: %w", a.name, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%s: upstream error: %s", a.name, decoded.Error.Message)
	}

	out := &EmbeddingResponse{Model: req.Model, InputTokens: decoded.Usage.PromptTokens}
	out.Embeddings = make([][]float64, len(decoded.Data))
	for _, d := range decoded.Data {
		if d.Index >= 0 && d.Index < len(out.Embeddings) {
			out.Embeddings[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) post(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	wire := openAIChatRequest{
		Model:       a.upstreamModel(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		role := m.Role
		// The data role is gateway vocabulary; compatible upstreams only
		// know user content.
		if role == "data" {
			role = "user"
		}
		wire.Messages = append(wire.Messages, openAIMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}
	return a.send(ctx, a.base(req.BaseURL)+"/v1/chat/completions", req.APIKey, body)
}

func (a *OpenAIAdapter) send(ctx context.Context, url, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: call upstream: %w", a.name, err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var decoded struct {
			Error *openAIError `json:"error"`
		}
		msg := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &decoded) == nil && decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return nil, fmt.Errorf("%s: upstream status %d: %s", a.name, resp.StatusCode, msg)
	}
	return resp, nil
}

func (a *OpenAIAdapter) base(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return a.baseURL
}

// upstreamModel strips a routing prefix like "ollama/" before the call.
func (a *OpenAIAdapter) upstreamModel(model string) string {
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		return model[idx+1:]
	}
	return model
}
