package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/provider"
	"github.com/arbiterlabs/arbiter/pkg/registry"
	"github.com/arbiterlabs/arbiter/pkg/router"
	"github.com/arbiterlabs/arbiter/pkg/trace"
)

// Server is the HTTP surface over the admission pipeline.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	pipeline *Pipeline
	catalog  *registry.Registry
	routes   *router.Router
	mux      *chi.Mux
}

// NewServer wires the routes and middleware chain.
func NewServer(cfg *config.Config, log *slog.Logger, p *Pipeline, catalog *registry.Registry, routes *router.Router) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.With("component", "server"),
		pipeline: p,
		catalog:  catalog,
		routes:   routes,
		mux:      chi.NewRouter(),
	}

	s.mux.Use(requestID)
	s.mux.Use(requestLogger(s.log))
	s.mux.Use(recoverer(s.log))
	s.mux.Use(bodyLimit(cfg.MaxBodyBytes))
	s.mux.Use(rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	s.mux.Post("/v1/chat/completions", s.handleChat)
	s.mux.Post("/v1/embeddings", s.handleEmbeddings)
	s.mux.Get("/v1/models", s.handleModels)
	s.mux.Get("/v1/providers/health", s.handleProviderHealth)
	s.mux.Get("/healthz", s.handleHealthz)
	s.mux.Get("/ready", s.handleReady)

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// requestFromHeaders builds the pipeline request context from the wire
// headers. An unknown declared environment is a client error.
func requestFromHeaders(r *http.Request) (*Request, *APIError) {
	req := &Request{
		RequestID:  RequestIDFromContext(r.Context()),
		GatewayKey: r.Header.Get("X-API-Key"),
		Feature:    r.Header.Get("X-Feature-Id"),
		DryRun:     isTrue(r.Header.Get("X-Dry-Run")),
		Debug:      isTrue(r.Header.Get("X-Debug")),
	}
	if req.Feature == "" {
		req.Feature = "default"
	}
	// A bearer token overrides the stored upstream credential for this
	// one request.
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		req.UpstreamKey = strings.TrimPrefix(bearer, "Bearer ")
	}
	if env := r.Header.Get("X-Environment"); env != "" {
		e := config.Environment(env)
		if !e.Valid() {
			return nil, NewAPIError(http.StatusBadRequest, CodeInputInvalid,
				fmt.Sprintf("unknown environment %q", env))
		}
		req.Environment = e
	}
	return req, nil
}

func isTrue(v string) bool { return v == "true" || v == "1" }

// decodeBody reads the request body once and decodes it twice: as a
// generic document for the structural schema, and into the typed shape.
func decodeBody(r *http.Request, shapeCheck func(any) error, out any) *APIError {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return NewAPIError(http.StatusBadRequest, CodeInputInvalid, "unreadable request body")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NewAPIError(http.StatusBadRequest, CodeInputInvalid, "request body is not valid JSON")
	}
	if err := shapeCheck(doc); err != nil {
		return FromError(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewAPIError(http.StatusBadRequest, CodeInputInvalid, "request body is not valid JSON")
	}
	return nil
}

// Wire shapes for the OpenAI-compatible response surface.

type chatChoice struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`

	Warnings []string     `json:"warnings,omitempty"`
	Debug    []trace.Span `json:"debug,omitempty"`
}

type dryRunResponse struct {
	DryRun           bool         `json:"dry_run"`
	Decision         string       `json:"decision"`
	Model            string       `json:"model"`
	Provider         string       `json:"provider"`
	EstimatedTokens  int          `json:"estimated_tokens"`
	EstimatedCostUSD float64      `json:"estimated_cost_usd"`
	Warnings         []string     `json:"warnings,omitempty"`
	Debug            []trace.Span `json:"debug,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, apiErr := requestFromHeaders(r)
	if apiErr != nil {
		writeError(w, RequestIDFromContext(r.Context()), apiErr)
		return
	}

	var body ChatBody
	if apiErr := decodeBody(r, s.pipeline.validator.CheckChatShape, &body); apiErr != nil {
		writeError(w, req.RequestID, apiErr)
		return
	}

	if body.Stream && !req.DryRun {
		s.streamChat(w, r, req, &body)
		return
	}

	result, apiErr := s.pipeline.Chat(r.Context(), req, &body)
	if apiErr != nil {
		writeError(w, req.RequestID, apiErr)
		return
	}

	w.Header().Set("X-Trace-Id", result.TraceID)
	if result.Deprecation != "" {
		w.Header().Set("X-Model-Deprecation", result.Deprecation)
	}

	if result.DryRun {
		writeJSON(w, http.StatusOK, dryRunResponse{
			DryRun:           true,
			Decision:         result.Decision,
			Model:            result.Model,
			Provider:         result.Provider,
			EstimatedTokens:  result.EstimatedTokens,
			EstimatedCostUSD: result.EstimatedCostUSD,
			Warnings:         result.Warnings,
			Debug:            result.Chain,
		})
		return
	}

	resp := result.Response
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Model,
		Choices: []chatChoice{{
			Message:      provider.Message{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
		Warnings: result.Warnings,
		Debug:    result.Chain,
	})
}

// streamChat relays the provider stream as server-sent events in OpenAI
// chunk framing. Admission errors arrive before the first byte, so they
// still render as a normal error envelope.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *Request, body *ChatBody) {
	result, apiErr := s.pipeline.ChatStream(r.Context(), req, body)
	if apiErr != nil {
		writeError(w, req.RequestID, apiErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		// Drain so the pipeline still settles.
		for range result.Chunks {
		}
		writeError(w, req.RequestID,
			NewAPIError(http.StatusInternalServerError, CodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Trace-Id", result.TraceID)
	if result.Deprecation != "" {
		w.Header().Set("X-Model-Deprecation", result.Deprecation)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range result.Chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client is gone; keep draining so settlement happens.
			for range result.Chunks {
			}
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type embeddingDatum struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingResponse struct {
	Object string           `json:"object"`
	Data   []embeddingDatum `json:"data"`
	Model  string           `json:"model"`
	Usage  usage            `json:"usage"`

	Warnings []string `json:"warnings,omitempty"`
}

// embeddingWire is the wire shape of POST /v1/embeddings; input accepts
// a string or an array of strings.
type embeddingWire struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
	User  string          `json:"user,omitempty"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	req, apiErr := requestFromHeaders(r)
	if apiErr != nil {
		writeError(w, RequestIDFromContext(r.Context()), apiErr)
		return
	}

	var wire embeddingWire
	if apiErr := decodeBody(r, s.pipeline.validator.CheckEmbeddingShape, &wire); apiErr != nil {
		writeError(w, req.RequestID, apiErr)
		return
	}

	body := &EmbeddingBody{Model: wire.Model, User: wire.User}
	var single string
	if err := json.Unmarshal(wire.Input, &single); err == nil {
		body.Input = []string{single}
	} else if err := json.Unmarshal(wire.Input, &body.Input); err != nil {
		writeError(w, req.RequestID,
			NewAPIError(http.StatusBadRequest, CodeInputInvalid, "input must be a string or array of strings"))
		return
	}

	result, apiErr := s.pipeline.Embeddings(r.Context(), req, body)
	if apiErr != nil {
		writeError(w, req.RequestID, apiErr)
		return
	}

	w.Header().Set("X-Trace-Id", result.TraceID)

	if result.DryRun {
		writeJSON(w, http.StatusOK, dryRunResponse{
			DryRun:           true,
			Decision:         result.Decision,
			Model:            result.Model,
			Provider:         result.Provider,
			EstimatedTokens:  result.EstimatedTokens,
			EstimatedCostUSD: result.EstimatedCostUSD,
			Warnings:         result.Warnings,
		})
		return
	}

	resp := result.Response
	data := make([]embeddingDatum, len(resp.Embeddings))
	for i, v := range resp.Embeddings {
		data[i] = embeddingDatum{Object: "embedding", Index: i, Embedding: v}
	}
	writeJSON(w, http.StatusOK, embeddingResponse{
		Object: "list",
		Data:   data,
		Model:  result.Model,
		Usage: usage{
			PromptTokens: resp.InputTokens,
			TotalTokens:  resp.InputTokens,
		},
		Warnings: result.Warnings,
	})
}

type modelDatum struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	OwnedBy    string `json:"owned_by"`
	Status     string `json:"status,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.List()
	data := make([]modelDatum, 0, len(models))
	for _, d := range models {
		if d.Status == registry.StatusUnavailable {
			continue
		}
		data = append(data, modelDatum{
			ID:         d.ModelID,
			Object:     "model",
			OwnedBy:    string(d.Provider),
			Status:     string(d.Status),
			ReplacedBy: d.ReplacedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.routes.Health()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
