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

// VertexAdapter speaks the Gemini generateContent API. System messages
// become systemInstruction; streaming uses the SSE variant of the
// endpoint and is translated to OpenAI-shaped chunks.
type VertexAdapter struct {
	baseURL string
	client  *http.Client
}

// NewVertexAdapter builds the adapter; an empty baseURL targets the
// public generativelanguage endpoint.
func NewVertexAdapter(baseURL string, timeout time.Duration) *VertexAdapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &VertexAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *VertexAdapter) Name() string { return "vertex" }

// Supports claims gemini-family model ids.
func (a *VertexAdapter) Supports(modelID string) bool {
	return strings.HasPrefix(strings.ToLower(modelID), "gemini")
}

// Gemini wire shapes.

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *VertexAdapter) wireRequest(req *ChatRequest) geminiRequest {
	var wire geminiRequest
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &geminiContent{}
			}
			wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case "assistant":
			wire.Contents = append(wire.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			wire.Contents = append(wire.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		wire.GenerationConfig = &struct {
			MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
			Temperature     *float64 `json:"temperature,omitempty"`
		}{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}
	return wire
}

// Chat performs a blocking generateContent call.
func (a *VertexAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := a.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("vertex: decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("vertex: upstream error: %s", decoded.Error.Message)
	}
	if len(decoded.Candidates) == 0 {
		return nil, fmt.Errorf("vertex: empty candidates")
	}

	var sb strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return &ChatResponse{
		Model:        req.Model,
		Content:      sb.String(),
		InputTokens:  decoded.UsageMetadata.PromptTokenCount,
		OutputTokens: decoded.UsageMetadata.CandidatesTokenCount,
		FinishReason: geminiFinishReason(decoded.Candidates[0].FinishReason),
	}, nil
}

// ChatStream performs a streaming call against the SSE endpoint variant.
func (a *VertexAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error) {
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

		created := time.Now().Unix()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var decoded geminiResponse
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				errc <- fmt.Errorf("vertex: decode chunk: %w", err)
				return
			}
			if len(decoded.Candidates) == 0 {
				continue
			}
			cand := decoded.Candidates[0]
			var sb strings.Builder
			for _, p := range cand.Content.Parts {
				sb.WriteString(p.Text)
			}
			var finish *string
			if cand.FinishReason != "" {
				f := geminiFinishReason(cand.FinishReason)
				finish = &f
			}
			select {
			case chunks <- NewChunk("", req.Model, sb.String(), created, finish):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("vertex: read stream: %w", err)
		}
	}()
	return chunks, errc, nil
}

func (a *VertexAdapter) post(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(a.wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	method := "generateContent"
	query := ""
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse"
	}
	base := a.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", base, req.Model, method, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", req.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vertex: call upstream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vertex: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}

func geminiFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}
