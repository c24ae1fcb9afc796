package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GuardModerator asks a locally hosted guard model, served over an
// OpenAI-compatible endpoint, to classify the conversation. The model is
// prompted to answer "safe" or "unsafe" with an optional category line.
type GuardModerator struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewGuardModerator points at an OpenAI-compatible /v1/chat/completions
// endpoint serving a safety classifier.
func NewGuardModerator(baseURL, model string, timeout time.Duration) *GuardModerator {
	return &GuardModerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *GuardModerator) Name() string { return "guard_model" }

// Inspect sends the untrusted conversation to the guard model.
func (g *GuardModerator) Inspect(ctx context.Context, req *Request) ([]Finding, error) {
	var sb strings.Builder
	for _, m := range req.Messages {
		if m.Trusted {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	if sb.Len() == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "user", "content": sb.String()},
		},
		"max_tokens":  32,
		"temperature": 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("security: marshal guard request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("security: build guard request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("security: guard call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("security: guard returned %d", resp.StatusCode)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("security: decode guard response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, nil
	}

	verdict := strings.TrimSpace(strings.ToLower(decoded.Choices[0].Message.Content))
	if !strings.HasPrefix(verdict, "unsafe") {
		return nil, nil
	}
	detail := "guard model flagged content"
	if idx := strings.IndexByte(verdict, '\n'); idx > 0 && idx+1 < len(verdict) {
		detail = "guard category: " + strings.TrimSpace(verdict[idx+1:])
	}
	return []Finding{{
		Plugin:     g.Name(),
		Severity:   SeverityCritical,
		Confidence: 0.9,
		Detail:     detail,
	}}, nil
}

// RemoteModerator calls a hosted moderation endpoint in the OpenAI
// /v1/moderations shape.
type RemoteModerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteModerator points at a moderation API.
func NewRemoteModerator(baseURL, apiKey string, timeout time.Duration) *RemoteModerator {
	return &RemoteModerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteModerator) Name() string { return "remote_moderation" }

// Inspect submits each untrusted message and maps flagged categories to
// findings. Category scores above 0.8 are high severity, otherwise medium.
func (r *RemoteModerator) Inspect(ctx context.Context, req *Request) ([]Finding, error) {
	var inputs []string
	for _, m := range req.Messages {
		if !m.Trusted {
			inputs = append(inputs, m.Content)
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{"input": inputs})
	if err != nil {
		return nil, fmt.Errorf("security: marshal moderation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("security: build moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("security: moderation call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("security: moderation returned %d", resp.StatusCode)
	}

	var decoded struct {
		Results []struct {
			Flagged        bool               `json:"flagged"`
			CategoryScores map[string]float64 `json:"category_scores"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("security: decode moderation response: %w", err)
	}

	var findings []Finding
	for _, result := range decoded.Results {
		if !result.Flagged {
			continue
		}
		for category, score := range result.CategoryScores {
			if score < 0.5 {
				continue
			}
			severity := SeverityMedium
			if score >= 0.8 {
				severity = SeverityHigh
			}
			findings = append(findings, Finding{
				Plugin:     r.Name(),
				Severity:   severity,
				Confidence: score,
				Detail:     "moderation category: " + category,
			})
		}
	}
	return findings, nil
}
