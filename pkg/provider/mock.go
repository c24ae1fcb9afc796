package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// MockAdapter answers deterministically without any network. The dispatch
// layer routes everything here in test mode, so integration tests and
// sandbox environments never spend real money.
type MockAdapter struct{}

// NewMockAdapter builds the mock.
func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (m *MockAdapter) Name() string { return "mock" }

// Supports claims mock-prefixed models; in test mode dispatch routes every
// model here regardless.
func (m *MockAdapter) Supports(modelID string) bool {
	return strings.HasPrefix(strings.ToLower(modelID), "mock")
}

// Chat echoes a deterministic reply derived from the last message.
func (m *MockAdapter) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	content := fmt.Sprintf("mock response to %q", truncate(last, 64))
	return &ChatResponse{
		ID:           mockID(req.Model, last),
		Model:        req.Model,
		Content:      content,
		InputTokens:  EstimateTokens(req.Messages),
		OutputTokens: len(strings.Fields(content)),
		FinishReason: "stop",
	}, nil
}

// ChatStream emits the mock reply word by word.
func (m *MockAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan StreamChunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		created := time.Now().Unix()
		words := strings.Fields(resp.Content)
		for i, w := range words {
			piece := w
			if i < len(words)-1 {
				piece += " "
			}
			select {
			case chunks <- NewChunk(resp.ID, req.Model, piece, created, nil):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		finish := "stop"
		select {
		case chunks <- NewChunk(resp.ID, req.Model, "", created, &finish):
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()
	return chunks, errc, nil
}

// Embed returns small deterministic vectors.
func (m *MockAdapter) Embed(_ context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	out := &EmbeddingResponse{Model: req.Model, InputTokens: EstimateTextTokens(req.Input)}
	for _, input := range req.Input {
		sum := sha256.Sum256([]byte(input))
		vec := make([]float64, 8)
		for i := range vec {
			bits := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
			vec[i] = float64(bits)/float64(1<<32)*2 - 1
		}
		out.Embeddings = append(out.Embeddings, vec)
	}
	return out, nil
}

func mockID(model, content string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + content))
	return fmt.Sprintf("mock-%x", sum[:8])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
