// Package trace records the full decision story of each request: one
// trace per request, one span per pipeline stage, finalized exactly once.
// The trace carries two axes: decision is the policy verdict (allow,
// warn, block) and status is technical, so any request that stopped
// short of a completed provider round trip persists an error status
// even when the block was deliberate.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otrace "go.opentelemetry.io/otel/trace"
)

// Outcome is the terminal disposition of a request.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeWarned        Outcome = "warned"
	OutcomeDeniedPolicy  Outcome = "denied_policy"
	OutcomeDeniedBudget  Outcome = "denied_budget"
	OutcomeDeniedAbuse   Outcome = "denied_abuse"
	OutcomeDeniedFeature Outcome = "denied_feature"
	OutcomeDeniedContent Outcome = "denied_content"
	OutcomeError         Outcome = "error"
)

// Decision is what the gateway chose to do with the request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// Status reports whether the gateway itself functioned.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// decision maps an outcome to the decision axis. Every denial and every
// failure is a block; the request did not go through.
func (o Outcome) decision() Decision {
	switch o {
	case OutcomeAllowed:
		return DecisionAllow
	case OutcomeWarned:
		return DecisionWarn
	default:
		return DecisionBlock
	}
}

// status maps an outcome to the status axis. Only a completed round trip
// reports completed.
func (o Outcome) status() Status {
	switch o {
	case OutcomeAllowed, OutcomeWarned:
		return StatusCompleted
	default:
		return StatusError
	}
}

// Span is one pipeline stage inside a trace.
type Span struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    string    `json:"status"` // ok, denied, error, skipped
	Detail    string    `json:"detail,omitempty"`
}

// Trace is the durable record of one request.
type Trace struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AppID       string `json:"app_id"`
	OrgID       string `json:"org_id,omitempty"`
	Feature     string `json:"feature,omitempty"`
	Model       string `json:"model,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Environment string `json:"environment,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Outcome  Outcome  `json:"outcome"`
	Decision Decision `json:"decision"`
	Status   Status   `json:"status"`

	EstimatedTokens  int     `json:"estimated_tokens,omitempty"`
	InputTokens      int     `json:"input_tokens,omitempty"`
	OutputTokens     int     `json:"output_tokens,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
	ActualCostUSD    float64 `json:"actual_cost_usd,omitempty"`
	// CostAvoidedUSD is the estimated spend a block prevented.
	CostAvoidedUSD float64 `json:"cost_avoided_usd,omitempty"`

	DryRun   bool     `json:"dry_run,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Spans    []Span   `json:"spans,omitempty"`
}

// Store durably persists finalized traces.
type Store interface {
	SaveTrace(ctx context.Context, t *Trace) error
}

// Recorder creates traces and persists them on finalize.
type Recorder struct {
	store  Store
	tracer otrace.Tracer
}

// NewRecorder builds a Recorder over the durable store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:  store,
		tracer: otel.Tracer("arbiter/trace"),
	}
}

// Active is a live, unfinalized trace.
type Active struct {
	rec  *Recorder
	span otrace.Span

	mu    sync.Mutex
	trace Trace
	once  sync.Once
}

// Meta is the identifying context a trace starts with.
type Meta struct {
	RequestID   string
	AppID       string
	OrgID       string
	Feature     string
	Environment string
	DryRun      bool
}

// Start opens a trace and a mirroring OTel span.
func (r *Recorder) Start(ctx context.Context, meta Meta) (*Active, context.Context) {
	ctx, span := r.tracer.Start(ctx, "gateway.request")
	a := &Active{
		rec:  r,
		span: span,
		trace: Trace{
			ID:          uuid.NewString(),
			RequestID:   meta.RequestID,
			AppID:       meta.AppID,
			OrgID:       meta.OrgID,
			Feature:     meta.Feature,
			Environment: meta.Environment,
			DryRun:      meta.DryRun,
			StartedAt:   time.Now().UTC(),
		},
	}
	span.SetAttributes(
		attribute.String("arbiter.request_id", meta.RequestID),
		attribute.String("arbiter.app_id", meta.AppID),
		attribute.String("arbiter.feature", meta.Feature),
	)
	return a, ctx
}

// StartSpan opens a pipeline-stage span; the returned func closes it.
func (a *Active) StartSpan(name string) func(status, detail string) {
	start := time.Now().UTC()
	return func(status, detail string) {
		a.mu.Lock()
		a.trace.Spans = append(a.trace.Spans, Span{
			Name:      name,
			StartedAt: start,
			EndedAt:   time.Now().UTC(),
			Status:    status,
			Detail:    detail,
		})
		a.mu.Unlock()
	}
}

// SetModel records the resolved model and provider.
func (a *Active) SetModel(model, provider string) {
	a.mu.Lock()
	a.trace.Model = model
	a.trace.Provider = provider
	a.mu.Unlock()
}

// SetEstimate records the pre-flight token and cost estimate.
func (a *Active) SetEstimate(tokens int, costUSD float64) {
	a.mu.Lock()
	a.trace.EstimatedTokens = tokens
	a.trace.EstimatedCostUSD = costUSD
	a.mu.Unlock()
}

// AddWarning appends a non-fatal observation.
func (a *Active) AddWarning(w string) {
	a.mu.Lock()
	a.trace.Warnings = append(a.trace.Warnings, w)
	a.mu.Unlock()
}

// AddReason appends a machine-readable denial or error reason.
func (a *Active) AddReason(r string) {
	a.mu.Lock()
	a.trace.Reasons = append(a.trace.Reasons, r)
	a.mu.Unlock()
}

// Spans returns a copy of the recorded spans, for debug responses.
func (a *Active) Spans() []Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Span, len(a.trace.Spans))
	copy(out, a.trace.Spans)
	return out
}

// Warnings returns a copy of accumulated warnings.
func (a *Active) Warnings() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.trace.Warnings))
	copy(out, a.trace.Warnings)
	return out
}

// ID returns the trace id.
func (a *Active) ID() string {
	return a.trace.ID
}

// Complete finalizes a trace that reached a provider. outcome must be
// allowed or warned.
func (a *Active) Complete(ctx context.Context, outcome Outcome, inputTokens, outputTokens int, costUSD float64) error {
	return a.finalize(ctx, outcome, func(t *Trace) {
		t.InputTokens = inputTokens
		t.OutputTokens = outputTokens
		t.ActualCostUSD = costUSD
	})
}

// Fail finalizes a trace that never produced a provider response, whether
// blocked or errored. For blocks, the pre-flight estimate becomes the
// cost avoided.
func (a *Active) Fail(ctx context.Context, outcome Outcome, reason string) error {
	return a.finalize(ctx, outcome, func(t *Trace) {
		if reason != "" {
			t.Reasons = append(t.Reasons, reason)
		}
		// Deliberate denials avoided the estimated spend; a raw error
		// avoided nothing, the caller will retry.
		if outcome != OutcomeError && outcome.decision() == DecisionBlock {
			t.CostAvoidedUSD = t.EstimatedCostUSD
		}
	})
}

// finalize persists exactly once; later calls are no-ops.
func (a *Active) finalize(ctx context.Context, outcome Outcome, mutate func(*Trace)) error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.trace.EndedAt = time.Now().UTC()
		a.trace.Outcome = outcome
		a.trace.Decision = outcome.decision()
		a.trace.Status = outcome.status()
		mutate(&a.trace)
		snapshot := a.trace
		a.mu.Unlock()

		a.span.SetAttributes(
			attribute.String("arbiter.outcome", string(outcome)),
			attribute.String("arbiter.decision", string(snapshot.Decision)),
			attribute.String("arbiter.model", snapshot.Model),
			attribute.Float64("arbiter.cost_usd", snapshot.ActualCostUSD),
		)
		a.span.End()

		if a.rec.store != nil {
			err = a.rec.store.SaveTrace(ctx, &snapshot)
		}
	})
	return err
}
