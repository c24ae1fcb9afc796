package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rules []Rule
	calls int
}

func (f *fakeStore) ListRules(context.Context, string) ([]Rule, error) {
	f.calls++
	return f.rules, nil
}

func newEngine(t *testing.T, rules ...Rule) (*Engine, *fakeStore) {
	t.Helper()
	s := &fakeStore{rules: rules}
	e, err := NewEngine(s, time.Minute)
	require.NoError(t, err)
	return e, s
}

func baseInput() Input {
	return Input{
		AppID: "app-1", OrgID: "org-1", Feature: "chat",
		Model: "gpt-4o", Provider: "openai",
		Environment: "production", EstimatedTokens: 500, Hour: 14,
	}
}

func TestEvaluateNoRulesAllows(t *testing.T) {
	e, _ := newEngine(t)
	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluateModelFilterDeny(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "r1", Type: TypeModelFilter, Action: ActionDeny, Enabled: true,
		Conditions:  map[string]any{"models": []any{"gpt-4*"}},
		Description: "frontier models blocked",
	})

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)
	assert.Equal(t, "r1", v.RuleID)
	assert.Equal(t, "frontier models blocked", v.Reason)

	in := baseInput()
	in.Model = "claude-sonnet"
	v, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluatePriorityOrderDenyTerminates(t *testing.T) {
	e, _ := newEngine(t,
		Rule{ID: "warn-late", Priority: 50, Type: TypeEquality, Action: ActionWarn, Enabled: true,
			Conditions: map[string]any{"field": "environment", "value": "production"}},
		Rule{ID: "deny-early", Priority: 10, Type: TypeEquality, Action: ActionDeny, Enabled: true,
			Conditions: map[string]any{"field": "feature", "value": "chat"}},
	)

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)
	assert.Equal(t, "deny-early", v.RuleID)
	assert.Empty(t, v.Warnings, "later warn rule never ran")
}

func TestEvaluateWarnAccumulates(t *testing.T) {
	e, _ := newEngine(t,
		Rule{ID: "w1", Priority: 1, Type: TypeEquality, Action: ActionWarn, Enabled: true,
			Conditions: map[string]any{"field": "environment", "value": "production"}},
		Rule{ID: "w2", Priority: 2, Type: TypeTokenLimit, Action: ActionWarn, Enabled: true,
			Conditions: map[string]any{"max_tokens": float64(100)}},
	)

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionWarn, v.Action)
	require.Len(t, v.Warnings, 2)
	assert.Equal(t, "w1", v.Warnings[0].RuleID)
	assert.Equal(t, "w2", v.Warnings[1].RuleID)
}

func TestEvaluateDisabledRuleSkipped(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "off", Type: TypeEquality, Action: ActionDeny, Enabled: false,
		Conditions: map[string]any{"field": "feature", "value": "chat"},
	})
	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluateTimeWindow(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "night", Type: TypeTimeWindow, Action: ActionDeny, Enabled: true,
		Conditions: map[string]any{"start_hour": float64(22), "end_hour": float64(6)},
	})

	in := baseInput()
	in.Hour = 23
	v, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)

	in.Hour = 3
	v, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)

	in.Hour = 12
	v, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluateGeneralCEL(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "cel-1", Type: TypeGeneral, Action: ActionDeny, Enabled: true,
		Conditions: map[string]any{
			"expression": `model.startsWith("gpt") && estimated_tokens > 400 && environment == "production"`,
		},
	})

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)

	in := baseInput()
	in.EstimatedTokens = 100
	v, err = e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluateGeneralCELRiskScore(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "risky", Type: TypeGeneral, Action: ActionWarn, Enabled: true,
		Conditions: map[string]any{"expression": `risk_score >= 0.3`},
	})

	in := baseInput()
	in.RiskScore = 0.4
	v, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionWarn, v.Action)
}

func TestEvaluateBadDenyRuleFailsClosed(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "broken", Type: TypeGeneral, Action: ActionDeny, Enabled: true,
		Conditions: map[string]any{"expression": `this is not CEL (`},
	})

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, v.Action)
	assert.Equal(t, "broken", v.RuleID)
}

func TestEvaluateBadWarnRuleSkipped(t *testing.T) {
	e, _ := newEngine(t, Rule{
		ID: "broken", Type: TypeGeneral, Action: ActionWarn, Enabled: true,
		Conditions: map[string]any{"expression": `nonsense ((`},
	})

	v, err := e.Evaluate(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestRuleCacheAndInvalidate(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, baseInput())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.calls)

	e.Invalidate("app-1")
	_, err := e.Evaluate(ctx, baseInput())
	require.NoError(t, err)
	assert.Equal(t, 2, s.calls)
}
