// Package security runs content-inspection plugins over admitted requests.
// Plugins fan out in parallel under one collective deadline; a plugin that
// panics or errors is reported as failed rather than taking the gateway
// down. Findings aggregate into a risk level and score; any critical
// finding denies the request.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/provider"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the severity's contribution to the aggregate risk score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.1
	case SeverityMedium:
		return 0.3
	case SeverityHigh:
		return 0.7
	case SeverityCritical:
		return 1.0
	}
	return 0
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// DefaultTimeout bounds one full plugin pass.
const DefaultTimeout = 30 * time.Second

// Request is the view plugins inspect.
type Request struct {
	AppID    string
	Feature  string
	Model    string
	Messages []provider.Message
}

// Finding is one issue a plugin raised.
type Finding struct {
	Plugin     string   `json:"plugin"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Detail     string   `json:"detail"`
}

// Report aggregates a full plugin pass.
type Report struct {
	Findings  []Finding `json:"findings,omitempty"`
	RiskLevel Severity  `json:"risk_level,omitempty"`
	RiskScore float64   `json:"risk_score"`
	// Deny is set when any finding is critical.
	Deny bool `json:"deny"`
	// Failed lists plugins that errored, panicked, or timed out. Failures
	// degrade coverage; they never block the request by themselves.
	Failed []string `json:"failed,omitempty"`
}

// Plugin inspects a request and returns findings.
type Plugin interface {
	Name() string
	Inspect(ctx context.Context, req *Request) ([]Finding, error)
}

// Host fans requests out to every registered plugin.
type Host struct {
	plugins []Plugin
	timeout time.Duration
	logger  *slog.Logger
}

// NewHost builds a Host. A zero timeout uses DefaultTimeout.
func NewHost(logger *slog.Logger, timeout time.Duration, plugins ...Plugin) *Host {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Host{
		plugins: plugins,
		timeout: timeout,
		logger:  logger.With("component", "security_host"),
	}
}

type pluginResult struct {
	name     string
	findings []Finding
	err      error
}

// Inspect runs every plugin in parallel and aggregates their findings.
// The pass as a whole is bounded by the host timeout; plugins still
// running at the deadline count as failed.
func (h *Host) Inspect(ctx context.Context, req *Request) *Report {
	if len(h.plugins) == 0 {
		return &Report{}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(chan pluginResult, len(h.plugins))
	var wg sync.WaitGroup
	for _, p := range h.plugins {
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- pluginResult{name: p.Name(), err: fmt.Errorf("panic: %v", r)}
				}
			}()
			findings, err := p.Inspect(ctx, req)
			results <- pluginResult{name: p.Name(), findings: findings, err: err}
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	report := &Report{}
	pending := len(h.plugins)
	seen := make(map[string]bool, pending)

collect:
	for pending > 0 {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			pending--
			seen[res.name] = true
			if res.err != nil {
				h.logger.Warn("plugin failed", "plugin", res.name, "error", res.err)
				report.Failed = append(report.Failed, res.name)
				continue
			}
			report.Findings = append(report.Findings, res.findings...)
		case <-ctx.Done():
			break collect
		}
	}
	// Anything that never reported by the deadline is failed.
	for _, p := range h.plugins {
		if !seen[p.Name()] {
			h.logger.Warn("plugin timed out", "plugin", p.Name())
			report.Failed = append(report.Failed, p.Name())
		}
	}

	aggregate(report)
	return report
}

// aggregate computes risk level, score, and the deny flag from findings.
// Score is sum(weight * confidence) / 2 capped at 1.0.
func aggregate(r *Report) {
	var sum float64
	for _, f := range r.Findings {
		sum += f.Severity.Weight() * f.Confidence
		if f.Severity.rank() > r.RiskLevel.rank() {
			r.RiskLevel = f.Severity
		}
		if f.Severity == SeverityCritical {
			r.Deny = true
		}
	}
	r.RiskScore = sum / 2
	if r.RiskScore > 1.0 {
		r.RiskScore = 1.0
	}
}
