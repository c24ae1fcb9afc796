package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// bedrockModelPattern matches native Bedrock model ids like
// "anthropic.claude-3-5-sonnet-20241022-v2:0" or cross-region variants
// with a "us." prefix.
var bedrockModelPattern = regexp.MustCompile(`^([a-z]{2}\.)?[a-z0-9]+\.[a-z0-9-]+(:\d+)?$`)

// BedrockAdapter calls AWS Bedrock through the Converse API. Credentials
// come from the ambient AWS chain (environment, instance profile, SSO);
// per-request upstream keys do not apply here.
type BedrockAdapter struct {
	client  *bedrockruntime.Client
	timeout time.Duration
}

// NewBedrockAdapter loads the ambient AWS configuration. An empty region
// defers to the environment.
func NewBedrockAdapter(ctx context.Context, region string, timeout time.Duration) (*BedrockAdapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &BedrockAdapter{
		client:  bedrockruntime.NewFromConfig(cfg),
		timeout: timeout,
	}, nil
}

func (a *BedrockAdapter) Name() string { return "bedrock" }

// Supports claims "bedrock/"-prefixed ids and native Bedrock model ids.
func (a *BedrockAdapter) Supports(modelID string) bool {
	lower := strings.ToLower(modelID)
	if strings.HasPrefix(lower, "bedrock/") {
		return true
	}
	return bedrockModelPattern.MatchString(lower) && strings.Contains(lower, ".")
}

func (a *BedrockAdapter) converseInput(req *ChatRequest) *bedrockruntime.ConverseInput {
	model := strings.TrimPrefix(req.Model, "bedrock/")
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		input.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			input.System = append(input.System,
				&types.SystemContentBlockMemberText{Value: m.Content})
		case "assistant":
			input.Messages = append(input.Messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			input.Messages = append(input.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return input
}

// Chat performs a blocking Converse call.
func (a *BedrockAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.client.Converse(ctx, a.converseInput(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	var sb strings.Builder
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				sb.WriteString(text.Value)
			}
		}
	}

	resp := &ChatResponse{
		Model:        req.Model,
		Content:      sb.String(),
		FinishReason: bedrockFinishReason(out.StopReason),
	}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

// ChatStream performs a ConverseStream call, translating Bedrock stream
// events into OpenAI-shaped chunks.
func (a *BedrockAdapter) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, <-chan error, error) {
	input := a.converseInput(req)
	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
	}

	out, err := a.client.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	chunks := make(chan StreamChunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)

		stream := out.GetStream()
		defer func() { _ = stream.Close() }()

		created := time.Now().Unix()
		for event := range stream.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				text, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText)
				if !ok || text.Value == "" {
					continue
				}
				select {
				case chunks <- NewChunk("", req.Model, text.Value, created, nil):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				finish := bedrockFinishReason(ev.Value.StopReason)
				select {
				case chunks <- NewChunk("", req.Model, "", created, &finish):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errc <- fmt.Errorf("bedrock: read stream: %w", err)
		}
	}()
	return chunks, errc, nil
}

func bedrockFinishReason(stop types.StopReason) string {
	switch stop {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	case types.StopReasonMaxTokens:
		return "length"
	case "":
		return "stop"
	default:
		return string(stop)
	}
}
