package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens applies when the caller set no cap; the
// Anthropic API requires an explicit value.
const defaultAnthropicMaxTokens = 1024

// AnthropicAdapter speaks the Anthropic Messages API. System messages are
// lifted out of the turn list into the dedicated system field, and native
// streaming events are translated to OpenAI-shaped chunks.
type AnthropicAdapter struct {
	timeout time.Duration
}

// NewAnthropicAdapter builds the adapter.
func NewAnthropicAdapter(timeout time.Duration) *AnthropicAdapter {
	return &AnthropicAdapter{timeout: timeout}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Supports claims claude-family model ids.
func (a *AnthropicAdapter) Supports(modelID string) bool {
	return strings.HasPrefix(strings.ToLower(modelID), "claude")
}

func (a *AnthropicAdapter) client(req *ChatRequest) anthropic.Client {
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.BaseURL))
	}
	return anthropic.NewClient(opts...)
}

// params translates the canonical request. Assistant turns map to
// assistant params; data and tool content is presented as user turns since
// the Messages API has no equivalent roles.
func (a *AnthropicAdapter) params(req *ChatRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

// Chat performs a blocking completion.
func (a *AnthropicAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client := a.client(req)
	msg, err := client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: call upstream: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		FinishReason: finishReason(string(msg.StopReason)),
	}, nil
}

// ChatStream performs a streaming completion, converting Anthropic stream
// events into OpenAI-shaped chunks.
func (a *AnthropicAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error) {
	client := a.client(req)
	stream := client.Messages.NewStreaming(ctx, a.params(req))

	chunks := make(chan StreamChunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)

		created := time.Now().Unix()
		id := ""
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				id = ev.Message.ID
			case anthropic.ContentBlockDeltaEvent:
				if ev.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- NewChunk(id, req.Model, ev.Delta.Text, created, nil):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			case anthropic.MessageDeltaEvent:
				finish := finishReason(string(ev.Delta.StopReason))
				select {
				case chunks <- NewChunk(id, req.Model, "", created, &finish):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errc <- fmt.Errorf("anthropic: read stream: %w", err)
		}
	}()
	return chunks, errc, nil
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary the
// gateway emits.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return "stop"
	default:
		return stop
	}
}
