package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	saved []*Trace
}

func (m *memStore) SaveTrace(_ context.Context, t *Trace) error {
	m.saved = append(m.saved, t)
	return nil
}

func TestCompleteFinalizesOnce(t *testing.T) {
	s := &memStore{}
	rec := NewRecorder(s)
	ctx := context.Background()

	a, ctx := rec.Start(ctx, Meta{RequestID: "req-1", AppID: "app-1", Feature: "chat"})
	a.SetModel("gpt-4o", "openai")
	a.SetEstimate(100, 0.002)

	require.NoError(t, a.Complete(ctx, OutcomeAllowed, 120, 40, 0.0031))
	// A second finalize of any kind is ignored.
	require.NoError(t, a.Fail(ctx, OutcomeError, "too late"))

	require.Len(t, s.saved, 1)
	saved := s.saved[0]
	assert.Equal(t, OutcomeAllowed, saved.Outcome)
	assert.Equal(t, DecisionAllow, saved.Decision)
	assert.Equal(t, StatusCompleted, saved.Status)
	assert.Equal(t, 120, saved.InputTokens)
	assert.InDelta(t, 0.0031, saved.ActualCostUSD, 1e-9)
	assert.Empty(t, saved.Reasons)
	assert.False(t, saved.EndedAt.IsZero())
}

func TestFailBlockSeparatesDecisionFromStatus(t *testing.T) {
	s := &memStore{}
	rec := NewRecorder(s)
	ctx := context.Background()

	a, ctx := rec.Start(ctx, Meta{RequestID: "req-2", AppID: "app-1"})
	a.SetEstimate(2000, 0.05)
	require.NoError(t, a.Fail(ctx, OutcomeDeniedBudget, "daily limit reached"))

	require.Len(t, s.saved, 1)
	saved := s.saved[0]
	assert.Equal(t, OutcomeDeniedBudget, saved.Outcome)
	// The decision carries the policy verdict; the status stays technical.
	assert.Equal(t, DecisionBlock, saved.Decision)
	assert.Equal(t, StatusError, saved.Status)
	assert.Equal(t, []string{"daily limit reached"}, saved.Reasons)
	assert.InDelta(t, 0.05, saved.CostAvoidedUSD, 1e-9)
}

func TestFailErrorStatus(t *testing.T) {
	s := &memStore{}
	rec := NewRecorder(s)
	ctx := context.Background()

	a, ctx := rec.Start(ctx, Meta{RequestID: "req-3", AppID: "app-1"})
	require.NoError(t, a.Fail(ctx, OutcomeError, "upstream unreachable"))

	saved := s.saved[0]
	assert.Equal(t, DecisionBlock, saved.Decision)
	assert.Equal(t, StatusError, saved.Status)
	assert.Zero(t, saved.CostAvoidedUSD, "errors avoid nothing, the caller may retry")
}

func TestSpansRecordStages(t *testing.T) {
	rec := NewRecorder(&memStore{})
	a, _ := rec.Start(context.Background(), Meta{RequestID: "req-4", AppID: "app-1"})

	end := a.StartSpan("auth")
	end("ok", "")
	end = a.StartSpan("policy")
	end("denied", "rule r-17")

	spans := a.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, "auth", spans[0].Name)
	assert.Equal(t, "policy", spans[1].Name)
	assert.Equal(t, "denied", spans[1].Status)
	assert.Equal(t, "rule r-17", spans[1].Detail)
	assert.False(t, spans[0].EndedAt.Before(spans[0].StartedAt))
}

func TestOutcomeAxes(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		decision Decision
		status   Status
	}{
		{OutcomeAllowed, DecisionAllow, StatusCompleted},
		{OutcomeWarned, DecisionWarn, StatusCompleted},
		{OutcomeDeniedPolicy, DecisionBlock, StatusError},
		{OutcomeDeniedBudget, DecisionBlock, StatusError},
		{OutcomeDeniedAbuse, DecisionBlock, StatusError},
		{OutcomeDeniedFeature, DecisionBlock, StatusError},
		{OutcomeDeniedContent, DecisionBlock, StatusError},
		{OutcomeError, DecisionBlock, StatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.decision, tt.outcome.decision())
			assert.Equal(t, tt.status, tt.outcome.status())
		})
	}
}

func TestWarningsAccumulate(t *testing.T) {
	rec := NewRecorder(&memStore{})
	a, _ := rec.Start(context.Background(), Meta{RequestID: "req-5", AppID: "app-1"})
	a.AddWarning("soft limit passed")
	a.AddWarning("deprecated model")
	assert.Equal(t, []string{"soft limit passed", "deprecated model"}, a.Warnings())
}
