// Package gateway is the admission pipeline and HTTP surface. Every
// request walks the same ordered stages: credential resolution, input
// validation, abuse checks, feature gating, model resolution, policy,
// budget reservation, security inspection, provider dispatch, and cost
// settlement. A denial at any stage releases whatever was reserved and
// finalizes the trace; the provider is only ever reached by a request
// that cleared everything before it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arbiterlabs/arbiter/pkg/abuse"
	"github.com/arbiterlabs/arbiter/pkg/audit"
	"github.com/arbiterlabs/arbiter/pkg/auth"
	"github.com/arbiterlabs/arbiter/pkg/budget"
	"github.com/arbiterlabs/arbiter/pkg/config"
	"github.com/arbiterlabs/arbiter/pkg/features"
	"github.com/arbiterlabs/arbiter/pkg/metering"
	"github.com/arbiterlabs/arbiter/pkg/observability"
	"github.com/arbiterlabs/arbiter/pkg/policy"
	"github.com/arbiterlabs/arbiter/pkg/provider"
	"github.com/arbiterlabs/arbiter/pkg/registry"
	"github.com/arbiterlabs/arbiter/pkg/router"
	"github.com/arbiterlabs/arbiter/pkg/security"
	"github.com/arbiterlabs/arbiter/pkg/trace"
	"github.com/arbiterlabs/arbiter/pkg/validate"
)

// Pipeline wires the admission stages together.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	auth      *auth.Resolver
	validator *validate.Validator
	abuse     *abuse.Detector
	features  *features.Registry
	catalog   *registry.Registry
	policy    *policy.Engine
	budget    *budget.Ledger
	security  *security.Host
	dispatch  *provider.Dispatcher
	router    *router.Router
	traces    *trace.Recorder
	audit     audit.Logger
	meter     *metering.Meter
	obs       *observability.Provider
}

// Deps carries everything a Pipeline needs.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Auth      *auth.Resolver
	Validator *validate.Validator
	Abuse     *abuse.Detector
	Features  *features.Registry
	Catalog   *registry.Registry
	Policy    *policy.Engine
	Budget    *budget.Ledger
	Security  *security.Host
	Dispatch  *provider.Dispatcher
	Router    *router.Router
	Traces    *trace.Recorder
	Audit     audit.Logger
	Meter     *metering.Meter
	// Obs is optional; a nil provider records nothing.
	Obs *observability.Provider
}

// NewPipeline builds a Pipeline from its dependencies.
func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		cfg:       d.Config,
		log:       d.Logger.With("component", "pipeline"),
		auth:      d.Auth,
		validator: d.Validator,
		abuse:     d.Abuse,
		features:  d.Features,
		catalog:   d.Catalog,
		policy:    d.Policy,
		budget:    d.Budget,
		security:  d.Security,
		dispatch:  d.Dispatch,
		router:    d.Router,
		traces:    d.Traces,
		audit:     d.Audit,
		meter:     d.Meter,
		obs:       d.Obs,
	}
}

// Actions a request can perform, gated per feature.
const (
	actionChat       = "chat"
	actionEmbeddings = "embeddings"
)

// Request is the header-level context of one inbound call.
type Request struct {
	RequestID   string
	GatewayKey  string
	Feature     string
	Environment config.Environment
	DryRun      bool
	Debug       bool
	// UpstreamKey, when set, replaces the stored upstream credential
	// for this request only.
	UpstreamKey string
}

// ChatBody is the decoded chat-completion request body.
type ChatBody struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	User        string             `json:"user,omitempty"`
}

// ChatResult is the pipeline's answer for a non-streaming chat call.
type ChatResult struct {
	Response *provider.ChatResponse

	Model     string // gateway-facing model id
	Provider  string
	RequestID string
	TraceID   string

	DryRun           bool
	Decision         string
	EstimatedTokens  int
	EstimatedCostUSD float64

	Warnings    []string
	Deprecation string
	// Chain is the per-stage decision record, populated on debug requests.
	Chain []trace.Span
}

// StreamResult carries a live stream plus the settled admission context.
// Chunks closes when the stream ends; the pipeline settles cost and
// finalizes the trace as part of closing it.
type StreamResult struct {
	Chunks <-chan provider.StreamChunk

	Model     string
	Provider  string
	RequestID string
	TraceID   string

	Warnings    []string
	Deprecation string
}

// admission is the state accumulated while a request clears the stages.
type admission struct {
	req      *Request
	identity *auth.Identity
	active   *trace.Active
	settings config.EnvSettings
	started  time.Time

	messages  []provider.Message
	riskScore float64

	resolution *registry.Resolution
	adapter    provider.Adapter
	reserve    *budget.Reservation

	estTokens int
	estUSD    float64
}

// upstreamKey picks the credential for one endpoint attempt: endpoint
// override, then the caller's per-request bearer, then the stored key.
func (ad *admission) upstreamKey(ep router.Endpoint) string {
	if ep.APIKey != "" {
		return ep.APIKey
	}
	if ad.req.UpstreamKey != "" {
		return ad.req.UpstreamKey
	}
	return ad.identity.UpstreamKey
}

// outcomeFor maps a wire code onto the trace outcome vocabulary.
func outcomeFor(code Code) trace.Outcome {
	switch code {
	case CodeAbuseBlocked, CodeRateLimited:
		return trace.OutcomeDeniedAbuse
	case CodeFeatureNotAllowed, CodePolicyFeatureBlocked:
		return trace.OutcomeDeniedFeature
	case CodePolicyModelBlocked:
		return trace.OutcomeDeniedPolicy
	case CodeBudgetExceeded:
		return trace.OutcomeDeniedBudget
	case CodeContentBlocked, CodeInputInvalid:
		return trace.OutcomeDeniedContent
	default:
		return trace.OutcomeError
	}
}

// Chat runs the full admission pipeline and a blocking provider call.
func (p *Pipeline) Chat(ctx context.Context, req *Request, body *ChatBody) (*ChatResult, *APIError) {
	ad, apiErr := p.admit(ctx, req, body.Model, body.Messages, body.MaxTokens, body.User, actionChat)
	if apiErr != nil {
		return nil, apiErr
	}

	if req.DryRun {
		return p.dryRun(ctx, ad), nil
	}

	desc := ad.resolution.Descriptor
	var resp *provider.ChatResponse
	end := ad.active.StartSpan("provider_call")
	err := p.callProvider(ctx, ad, func(ctx context.Context, ep router.Endpoint) error {
		r, cerr := ad.adapter.Chat(ctx, p.chatRequest(ad, body, ep))
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	if err != nil {
		end("error", err.Error())
		return nil, p.upstreamFailed(ctx, ad, err)
	}
	end("ok", "")

	actualUSD := desc.CostUSD(resp.InputTokens, resp.OutputTokens)
	p.settle(ctx, ad, resp.InputTokens, resp.OutputTokens, actualUSD)

	result := &ChatResult{
		Response:         resp,
		Model:            desc.ModelID,
		Provider:         string(desc.Provider),
		RequestID:        req.RequestID,
		TraceID:          ad.active.ID(),
		EstimatedTokens:  ad.estTokens,
		EstimatedCostUSD: ad.estUSD,
		Warnings:         ad.active.Warnings(),
		Deprecation:      ad.resolution.DeprecationHint,
	}
	if req.Debug && ad.settings.DebugHeaders {
		result.Chain = ad.active.Spans()
	}
	return result, nil
}

// ChatStream runs the admission pipeline and opens a provider stream.
// Cost settles from counted output when the stream closes; streamed
// chunks carry no usage, so the output side stays an estimate.
func (p *Pipeline) ChatStream(ctx context.Context, req *Request, body *ChatBody) (*StreamResult, *APIError) {
	ad, apiErr := p.admit(ctx, req, body.Model, body.Messages, body.MaxTokens, body.User, actionChat)
	if apiErr != nil {
		return nil, apiErr
	}

	desc := ad.resolution.Descriptor
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StreamTimeout)

	var chunks <-chan provider.StreamChunk
	var errc <-chan error
	end := ad.active.StartSpan("provider_call")
	err := p.routeOnly(ctx, ad, func(_ context.Context, ep router.Endpoint) error {
		c, e, serr := ad.adapter.ChatStream(sctx, p.chatRequest(ad, body, ep))
		if serr != nil {
			return serr
		}
		chunks, errc = c, e
		return nil
	})
	if err != nil {
		cancel()
		end("error", err.Error())
		return nil, p.upstreamFailed(ctx, ad, err)
	}

	out := make(chan provider.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)

		words := 0
		for c := range chunks {
			for _, choice := range c.Choices {
				words += len(strings.Fields(choice.Delta.Content))
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Caller went away; drain the upstream and settle for
				// what was already generated.
				for range chunks {
				}
			}
		}

		var streamErr error
		select {
		case streamErr = <-errc:
		default:
		}

		outTokens := int(float64(words) * 1.3)
		actualUSD := desc.CostUSD(ad.estTokens, outTokens)
		if streamErr != nil {
			end("error", streamErr.Error())
			p.log.Warn("stream ended with error", "request_id", req.RequestID, "error", streamErr)
			_, _ = p.abuse.RecordError(context.WithoutCancel(ctx), ad.identity.AppID)
		} else {
			end("ok", "")
		}
		p.settle(context.WithoutCancel(ctx), ad, ad.estTokens, outTokens, actualUSD)
	}()

	return &StreamResult{
		Chunks:      out,
		Model:       desc.ModelID,
		Provider:    string(desc.Provider),
		RequestID:   req.RequestID,
		TraceID:     ad.active.ID(),
		Warnings:    ad.active.Warnings(),
		Deprecation: ad.resolution.DeprecationHint,
	}, nil
}

// EmbeddingBody is the decoded embedding request after input
// normalization.
type EmbeddingBody struct {
	Model string
	Input []string
	User  string
}

// EmbeddingResult is the pipeline's answer for an embedding call.
type EmbeddingResult struct {
	Response *provider.EmbeddingResponse

	Model     string
	Provider  string
	RequestID string
	TraceID   string

	DryRun           bool
	Decision         string
	EstimatedTokens  int
	EstimatedCostUSD float64
	Warnings         []string
}

// Embeddings runs the admission pipeline for an embedding call. The
// content stages treat each input as an untrusted user message; the
// moderation plugins do not run, embeddings produce no completion to
// protect.
func (p *Pipeline) Embeddings(ctx context.Context, req *Request, body *EmbeddingBody) (*EmbeddingResult, *APIError) {
	messages := make([]provider.Message, len(body.Input))
	for i, s := range body.Input {
		messages[i] = provider.Message{Role: validate.RoleUser, Content: s}
	}

	ad, apiErr := p.admit(ctx, req, body.Model, messages, 0, body.User, actionEmbeddings)
	if apiErr != nil {
		return nil, apiErr
	}

	desc := ad.resolution.Descriptor
	if req.DryRun {
		dry := p.dryRun(ctx, ad)
		return &EmbeddingResult{
			Model: dry.Model, Provider: dry.Provider,
			RequestID: dry.RequestID, TraceID: dry.TraceID,
			DryRun: true, Decision: dry.Decision,
			EstimatedTokens:  dry.EstimatedTokens,
			EstimatedCostUSD: dry.EstimatedCostUSD,
			Warnings:         dry.Warnings,
		}, nil
	}

	embedder, ok := ad.adapter.(provider.Embedder)
	if !ok {
		apiErr := NewAPIError(http.StatusNotFound, CodeModelNotFound,
			fmt.Sprintf("model %s does not support embeddings", desc.ModelID))
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}

	var resp *provider.EmbeddingResponse
	end := ad.active.StartSpan("provider_call")
	err := p.callProvider(ctx, ad, func(ctx context.Context, ep router.Endpoint) error {
		ereq := &provider.EmbeddingRequest{
			Model:   desc.ProviderModelID,
			Input:   body.Input,
			BaseURL: firstNonEmpty(ep.BaseURL, desc.BaseURL),
			APIKey:  ad.upstreamKey(ep),
		}
		r, cerr := embedder.Embed(ctx, ereq)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	if err != nil {
		end("error", err.Error())
		return nil, p.upstreamFailed(ctx, ad, err)
	}
	end("ok", "")

	actualUSD := desc.CostUSD(resp.InputTokens, 0)
	p.settle(ctx, ad, resp.InputTokens, 0, actualUSD)

	return &EmbeddingResult{
		Response:         resp,
		Model:            desc.ModelID,
		Provider:         string(desc.Provider),
		RequestID:        req.RequestID,
		TraceID:          ad.active.ID(),
		EstimatedTokens:  ad.estTokens,
		EstimatedCostUSD: ad.estUSD,
		Warnings:         ad.active.Warnings(),
	}, nil
}

// admit walks the ordered admission stages. On a denial the trace is
// finalized, any reservation released, and the wire error returned;
// the security plugins run for chat only.
func (p *Pipeline) admit(ctx context.Context, req *Request, model string, messages []provider.Message, maxTokens int, user, action string) (*admission, *APIError) {
	identity, err := p.auth.Resolve(ctx, req.GatewayKey, req.Environment)
	if err != nil {
		apiErr := FromError(err)
		p.audit.Record(ctx, audit.Event{
			Type: audit.EventDenial, Action: "auth_denied", Resource: "gateway_key",
			RequestID: req.RequestID,
			Metadata:  map[string]any{"code": string(apiErr.Code)},
		})
		return nil, apiErr
	}

	active, ctx := p.traces.Start(ctx, trace.Meta{
		RequestID:   req.RequestID,
		AppID:       identity.AppID,
		OrgID:       identity.OrgID,
		Feature:     req.Feature,
		Environment: string(identity.Environment),
		DryRun:      req.DryRun,
	})

	ad := &admission{
		req:      req,
		identity: identity,
		active:   active,
		settings: p.settingsFor(identity.Environment),
		started:  time.Now(),
	}
	for _, w := range identity.Warnings {
		active.AddWarning(w)
	}

	// Input validation.
	end := active.StartSpan("validate")
	res, err := p.validator.Validate(messages, ad.settings.StrictMode)
	if err != nil {
		end("denied", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", "")
	ad.messages = res.Messages
	ad.riskScore = res.RiskScore
	for _, w := range res.Warnings {
		active.AddWarning(w)
	}

	ad.estTokens = provider.EstimateTokens(ad.messages)

	// Abuse detection.
	end = active.StartSpan("abuse_check")
	sig, err := abuse.Signature(identity.AppID, req.Feature, model, ad.messages)
	if err != nil {
		end("error", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	verdict, err := p.abuse.Check(ctx, identity.AppID, sig, ad.messages)
	if err != nil {
		end("error", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	if verdict.Blocked {
		end("denied", verdict.Detail)
		apiErr := abuseError(verdict)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", "")
	for _, w := range verdict.Warnings {
		active.AddWarning(w)
	}

	// Feature gate, checked against the requested model id before any
	// alias resolution so the gate reads the way operators wrote it.
	end = active.StartSpan("feature_check")
	if err := p.features.Check(ctx, identity.AppID, req.Feature, action, model, identity.Environment, ad.estTokens); err != nil {
		end("denied", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", "")

	// Model resolution.
	end = active.StartSpan("model_resolution")
	resolution, err := p.catalog.Resolve(ctx, model)
	if err != nil {
		end("denied", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", resolution.Descriptor.ModelID)
	ad.resolution = resolution
	desc := resolution.Descriptor
	active.SetModel(desc.ModelID, string(desc.Provider))
	if resolution.DeprecationHint != "" {
		active.AddWarning(resolution.DeprecationHint)
	}

	// Policy evaluation.
	end = active.StartSpan("policy")
	pv, err := p.policy.Evaluate(ctx, policy.Input{
		AppID:           identity.AppID,
		OrgID:           identity.OrgID,
		Feature:         req.Feature,
		Model:           desc.ModelID,
		Provider:        string(desc.Provider),
		Environment:     string(identity.Environment),
		EstimatedTokens: ad.estTokens,
		RiskScore:       ad.riskScore,
		Hour:            time.Now().UTC().Hour(),
	})
	if err != nil {
		end("error", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	if pv.Action == policy.ActionDeny {
		end("denied", pv.Reason)
		apiErr := NewAPIError(http.StatusForbidden, CodePolicyModelBlocked, pv.Reason).
			WithReasons("rule:" + pv.RuleID)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", "")
	for _, w := range pv.Warnings {
		active.AddWarning(fmt.Sprintf("policy rule %s: %s", w.RuleID, w.Description))
	}

	// Budget reservation. The cost estimate prices the full window the
	// request could spend: estimated input plus the worst-case output.
	outCeiling := maxTokens
	if outCeiling <= 0 {
		outCeiling = desc.Limits.MaxOutputTokens
	}
	ad.estUSD = desc.CostUSD(ad.estTokens, outCeiling)
	active.SetEstimate(ad.estTokens, ad.estUSD)

	// BudgetMultiplier scales how hard an environment's spend counts
	// against its limits; sandbox spend counts tenfold.
	reserveUSD := ad.estUSD
	if m := ad.settings.BudgetMultiplier; m > 0 && m != 1 {
		reserveUSD = ad.estUSD / m
	}

	end = active.StartSpan("budget_reserve")
	reservation, err := p.budget.Reserve(ctx, budget.Scopes{
		Org:     identity.OrgID,
		App:     identity.AppID,
		Feature: req.Feature,
		User:    user,
	}, reserveUSD)
	if err != nil {
		end("denied", err.Error())
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	end("ok", "")
	ad.reserve = reservation
	for _, w := range reservation.Warnings {
		active.AddWarning(w)
	}

	// Security plugins.
	if action == actionChat && p.security != nil {
		end = active.StartSpan("security")
		report := p.security.Inspect(ctx, &security.Request{
			AppID:    identity.AppID,
			Feature:  req.Feature,
			Model:    desc.ModelID,
			Messages: ad.messages,
		})
		if report.Deny {
			reasons := make([]string, 0, len(report.Findings))
			for _, f := range report.Findings {
				if f.Severity == security.SeverityCritical {
					reasons = append(reasons, f.Plugin+": "+f.Detail)
				}
			}
			end("denied", strings.Join(reasons, "; "))
			apiErr := NewAPIError(http.StatusForbidden, CodeContentBlocked,
				"request blocked by content inspection").WithReasons(reasons...)
			p.denyAdmitted(ctx, ad, apiErr)
			return nil, apiErr
		}
		end("ok", fmt.Sprintf("risk %.2f", report.RiskScore))
		for _, name := range report.Failed {
			active.AddWarning("security plugin failed: " + name)
		}
	}

	// Provider dispatch.
	adapter, err := p.dispatch.Select(desc.ModelID, desc.Provider)
	if err != nil {
		apiErr := FromError(err)
		p.denyAdmitted(ctx, ad, apiErr)
		return nil, apiErr
	}
	ad.adapter = adapter

	return ad, nil
}

// dryRun finalizes an admitted request without a provider call: the
// reservation is returned, the trace completes as an allow.
func (p *Pipeline) dryRun(ctx context.Context, ad *admission) *ChatResult {
	_ = p.budget.Release(ctx, ad.reserve)

	decision := "allow"
	outcome := trace.OutcomeAllowed
	if len(ad.active.Warnings()) > 0 {
		decision = "warn"
		outcome = trace.OutcomeWarned
	}
	_ = ad.active.Fail(ctx, outcome, "")

	p.audit.Record(ctx, audit.Event{
		AppID: ad.identity.AppID, OrgID: ad.identity.OrgID,
		Type: audit.EventAdmission, Action: "dry_run", Resource: "model/" + ad.resolution.Descriptor.ModelID,
		RequestID: ad.req.RequestID,
		Metadata: map[string]any{
			"decision":           decision,
			"estimated_tokens":   ad.estTokens,
			"estimated_cost_usd": ad.estUSD,
		},
	})

	result := &ChatResult{
		Model:            ad.resolution.Descriptor.ModelID,
		Provider:         string(ad.resolution.Descriptor.Provider),
		RequestID:        ad.req.RequestID,
		TraceID:          ad.active.ID(),
		DryRun:           true,
		Decision:         decision,
		EstimatedTokens:  ad.estTokens,
		EstimatedCostUSD: ad.estUSD,
		Warnings:         ad.active.Warnings(),
		Deprecation:      ad.resolution.DeprecationHint,
	}
	if ad.req.Debug && ad.settings.DebugHeaders {
		result.Chain = ad.active.Spans()
	}
	return result
}

// callProvider runs the adapter call through the endpoint router under
// the provider timeout. With no route table configured for the family,
// the adapter is called directly on its default endpoint.
func (p *Pipeline) callProvider(ctx context.Context, ad *admission, call func(ctx context.Context, ep router.Endpoint) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()
	return p.routeOnly(ctx, ad, call)
}

func (p *Pipeline) routeOnly(ctx context.Context, ad *admission, call func(ctx context.Context, ep router.Endpoint) error) error {
	family := string(ad.resolution.Descriptor.Provider)
	err := p.router.Do(ctx, family, call)
	if errors.Is(err, router.ErrNoEndpoints) {
		return call(ctx, router.Endpoint{Provider: family})
	}
	return err
}

// chatRequest builds the upstream request for one endpoint attempt.
func (p *Pipeline) chatRequest(ad *admission, body *ChatBody, ep router.Endpoint) *provider.ChatRequest {
	desc := ad.resolution.Descriptor
	return &provider.ChatRequest{
		Model:       desc.ProviderModelID,
		Messages:    ad.messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		BaseURL:     firstNonEmpty(ep.BaseURL, desc.BaseURL),
		APIKey:      ad.upstreamKey(ep),
	}
}

// settle commits the reservation to actual cost, meters usage, records
// cost telemetry, and finalizes the trace.
func (p *Pipeline) settle(ctx context.Context, ad *admission, inTokens, outTokens int, actualUSD float64) {
	commitUSD := actualUSD
	if m := ad.settings.BudgetMultiplier; m > 0 && m != 1 {
		commitUSD = actualUSD / m
	}
	if err := p.budget.Commit(ctx, ad.reserve, commitUSD); err != nil {
		p.log.Warn("budget commit failed", "request_id", ad.req.RequestID, "error", err)
	}

	if spike, err := p.abuse.RecordCost(ctx, ad.identity.AppID, actualUSD); err != nil {
		p.log.Warn("cost telemetry failed", "request_id", ad.req.RequestID, "error", err)
	} else if spike {
		ad.active.AddWarning(string(abuse.ReasonCostSpike))
	}

	outcome := trace.OutcomeAllowed
	if len(ad.active.Warnings()) > 0 {
		outcome = trace.OutcomeWarned
	}

	desc := ad.resolution.Descriptor
	if err := p.meter.Record(ctx, &metering.Record{
		RequestID:    ad.req.RequestID,
		TraceID:      ad.active.ID(),
		AppID:        ad.identity.AppID,
		OrgID:        ad.identity.OrgID,
		Feature:      ad.req.Feature,
		Model:        desc.ModelID,
		Provider:     string(desc.Provider),
		Environment:  string(ad.identity.Environment),
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      actualUSD,
		Outcome:      string(outcome),
	}); err != nil {
		p.log.Error("usage record failed", "request_id", ad.req.RequestID, "error", err)
	}

	if err := ad.active.Complete(ctx, outcome, inTokens, outTokens, actualUSD); err != nil {
		p.log.Warn("trace persist failed", "request_id", ad.req.RequestID, "error", err)
	}

	if p.obs != nil {
		attrs := []attribute.KeyValue{
			attribute.String("arbiter.model", desc.ModelID),
			attribute.String("arbiter.provider", string(desc.Provider)),
		}
		p.obs.RecordRequest(ctx, attrs...)
		p.obs.RecordCost(ctx, actualUSD, attrs...)
		p.obs.RecordDuration(ctx, time.Since(ad.started), attrs...)
	}

	p.audit.Record(ctx, audit.Event{
		AppID: ad.identity.AppID, OrgID: ad.identity.OrgID,
		Type: audit.EventAdmission, Action: "request_completed", Resource: "model/" + desc.ModelID,
		RequestID: ad.req.RequestID,
		Metadata: map[string]any{
			"outcome":  string(outcome),
			"cost_usd": actualUSD,
		},
	})
}

// upstreamFailed releases the reservation and finalizes the trace after
// every endpoint attempt failed. Client cancellation is the caller's
// doing, not the upstream's; it reports as such without counting
// against the app's error budget.
func (p *Pipeline) upstreamFailed(ctx context.Context, ad *admission, err error) *APIError {
	canceled := errors.Is(err, context.Canceled) || ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	_ = p.budget.Release(ctx, ad.reserve)

	if !canceled {
		if verdict, aerr := p.abuse.RecordError(ctx, ad.identity.AppID); aerr != nil {
			p.log.Warn("error telemetry failed", "request_id", ad.req.RequestID, "error", aerr)
		} else if verdict.Blocked {
			p.log.Warn("app entered retry-storm cooldown",
				"request_id", ad.req.RequestID,
				"app_id", ad.identity.AppID,
				"retry_after", verdict.RetryAfter)
		}
	}

	apiErr := NewAPIError(http.StatusBadGateway, CodeUpstreamFailed, "upstream provider call failed")
	if canceled {
		apiErr = NewAPIError(499, CodeUpstreamFailed, "client closed request")
	}
	p.log.Error("provider call failed",
		"request_id", ad.req.RequestID,
		"model", ad.resolution.Descriptor.ModelID,
		"error", err)

	_ = ad.active.Fail(ctx, trace.OutcomeError, string(apiErr.Code))
	if p.obs != nil {
		p.obs.RecordError(ctx, err,
			attribute.String("arbiter.model", ad.resolution.Descriptor.ModelID))
	}
	p.audit.Record(ctx, audit.Event{
		AppID: ad.identity.AppID, OrgID: ad.identity.OrgID,
		Type: audit.EventSystem, Action: "upstream_failed", Resource: "model/" + ad.resolution.Descriptor.ModelID,
		RequestID: ad.req.RequestID,
		Metadata:  map[string]any{"error": err.Error()},
	})
	return apiErr
}

// denyAdmitted finalizes a denial that happened after the trace opened:
// release whatever was reserved, record the denial, close the trace.
func (p *Pipeline) denyAdmitted(ctx context.Context, ad *admission, apiErr *APIError) {
	ctx = context.WithoutCancel(ctx)
	if ad.reserve != nil {
		_ = p.budget.Release(ctx, ad.reserve)
	}

	outcome := outcomeFor(apiErr.Code)
	for _, r := range apiErr.Reasons {
		ad.active.AddReason(r)
	}
	_ = ad.active.Fail(ctx, outcome, string(apiErr.Code))

	if p.obs != nil {
		p.obs.RecordDenial(ctx, string(apiErr.Code))
		p.obs.RecordDuration(ctx, time.Since(ad.started))
	}

	p.audit.Record(ctx, audit.Event{
		AppID: ad.identity.AppID, OrgID: ad.identity.OrgID,
		Type: audit.EventDenial, Action: "request_denied", Resource: "request",
		RequestID: ad.req.RequestID,
		Metadata: map[string]any{
			"code":    string(apiErr.Code),
			"outcome": string(outcome),
		},
	})
}

func (p *Pipeline) settingsFor(env config.Environment) config.EnvSettings {
	if s, ok := p.cfg.Environments[env]; ok {
		return s
	}
	return config.EnvSettings{BudgetMultiplier: 1}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
