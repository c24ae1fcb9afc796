// Package policy evaluates admission rules against resolved requests.
// Rules are ordered by priority; a deny terminates evaluation, warns
// accumulate, and the strongest action wins. Structured rule types cover
// the common cases; general rules carry a CEL expression for anything
// else.
package policy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Action is what a matched rule does to the request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionDeny  Action = "deny"
)

// RuleType selects the matching semantics of a rule's conditions.
type RuleType string

const (
	// TypeModelFilter matches when the model id matches any of the
	// condition globs.
	TypeModelFilter RuleType = "model_filter"
	// TypeEquality matches when a named request field equals a value,
	// case-insensitively.
	TypeEquality RuleType = "equality"
	// TypeTokenLimit matches when the estimated input exceeds a ceiling.
	TypeTokenLimit RuleType = "token_limit"
	// TypeTimeWindow matches inside an hour-of-day interval, wrap-around
	// allowed.
	TypeTimeWindow RuleType = "time_window"
	// TypeGeneral matches when the rule's CEL expression evaluates true.
	TypeGeneral RuleType = "general"
)

// ErrBadRule is returned when a rule's conditions cannot be interpreted.
var ErrBadRule = errors.New("policy: malformed rule")

// Rule is one stored policy rule. An empty AppID makes the rule global.
type Rule struct {
	ID          string         `json:"id"`
	AppID       string         `json:"app_id,omitempty"`
	Priority    int            `json:"priority"`
	Type        RuleType       `json:"type"`
	Action      Action         `json:"action"`
	Conditions  map[string]any `json:"conditions"`
	Enabled     bool           `json:"enabled"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Input is the request view rules evaluate against.
type Input struct {
	AppID           string
	OrgID           string
	Feature         string
	Model           string
	Provider        string
	Environment     string
	EstimatedTokens int
	RiskScore       float64
	Hour            int // 0-23 UTC
}

// Warning records a matched warn rule.
type Warning struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description,omitempty"`
}

// Verdict is the evaluation outcome.
type Verdict struct {
	Action    Action    `json:"action"`
	RuleID    string    `json:"rule_id,omitempty"` // the denying rule
	Reason    string    `json:"reason,omitempty"`
	Warnings  []Warning `json:"warnings,omitempty"`
	Evaluated int       `json:"evaluated"`
}

// Store loads the rules applying to an application: its own plus globals.
type Store interface {
	ListRules(ctx context.Context, appID string) ([]Rule, error)
}

type cacheEntry struct {
	rules    []Rule
	cachedAt time.Time
}

// Engine evaluates policy with a short-TTL per-app rule cache and a
// memoized CEL program per general rule.
type Engine struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	celEnv   *cel.Env
	progMu   sync.Mutex
	programs map[string]cel.Program
}

// NewEngine builds an Engine with the given rule-cache TTL.
func NewEngine(store Store, ttl time.Duration) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("app", cel.StringType),
		cel.Variable("org", cel.StringType),
		cel.Variable("feature", cel.StringType),
		cel.Variable("model", cel.StringType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("estimated_tokens", cel.IntType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &Engine{
		store:    store,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
		celEnv:   env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs all applicable rules against in. A store failure fails
// closed: no rules means no verdict means deny upstream of here.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	rules, err := e.rulesFor(ctx, in.AppID)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{Action: ActionAllow}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		matched, err := e.matches(r, in)
		if err != nil {
			// A rule the engine cannot interpret is treated as matching
			// for deny rules and skipped otherwise. Fail closed.
			if r.Action == ActionDeny {
				return &Verdict{
					Action: ActionDeny, RuleID: r.ID,
					Reason:    fmt.Sprintf("rule evaluation failed: %v", err),
					Warnings:  verdict.Warnings,
					Evaluated: verdict.Evaluated + 1,
				}, nil
			}
			continue
		}
		verdict.Evaluated++
		if !matched {
			continue
		}
		switch r.Action {
		case ActionDeny:
			verdict.Action = ActionDeny
			verdict.RuleID = r.ID
			verdict.Reason = r.Description
			return verdict, nil
		case ActionWarn:
			if verdict.Action != ActionDeny {
				verdict.Action = ActionWarn
			}
			verdict.Warnings = append(verdict.Warnings, Warning{RuleID: r.ID, Description: r.Description})
		case ActionAllow:
			// Explicit allow only documents intent; it never overrides a
			// later deny.
		}
	}
	return verdict, nil
}

// Invalidate drops the cached rules for one app. Driven by the policy
// pub/sub channel.
func (e *Engine) Invalidate(appID string) {
	e.mu.Lock()
	delete(e.cache, appID)
	e.mu.Unlock()
}

func (e *Engine) rulesFor(ctx context.Context, appID string) ([]Rule, error) {
	e.mu.Lock()
	entry, ok := e.cache[appID]
	e.mu.Unlock()
	if ok && time.Since(entry.cachedAt) <= e.ttl {
		return entry.rules, nil
	}

	rules, err := e.store.ListRules(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("policy: load rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	e.mu.Lock()
	e.cache[appID] = cacheEntry{rules: rules, cachedAt: time.Now()}
	e.mu.Unlock()
	return rules, nil
}

func (e *Engine) matches(r Rule, in Input) (bool, error) {
	switch r.Type {
	case TypeModelFilter:
		return matchModelFilter(r, in)
	case TypeEquality:
		return matchEquality(r, in)
	case TypeTokenLimit:
		return matchTokenLimit(r, in)
	case TypeTimeWindow:
		return matchTimeWindow(r, in)
	case TypeGeneral:
		return e.matchGeneral(r, in)
	default:
		return false, fmt.Errorf("%w: unknown type %q", ErrBadRule, r.Type)
	}
}

func matchModelFilter(r Rule, in Input) (bool, error) {
	globs, err := stringSlice(r.Conditions, "models")
	if err != nil {
		return false, err
	}
	model := strings.ToLower(in.Model)
	for _, g := range globs {
		if ok, merr := path.Match(strings.ToLower(g), model); merr == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func matchEquality(r Rule, in Input) (bool, error) {
	field, _ := r.Conditions["field"].(string)
	value, _ := r.Conditions["value"].(string)
	if field == "" {
		return false, fmt.Errorf("%w: equality rule without field", ErrBadRule)
	}

	var actual string
	switch field {
	case "app":
		actual = in.AppID
	case "org":
		actual = in.OrgID
	case "feature":
		actual = in.Feature
	case "model":
		actual = in.Model
	case "provider":
		actual = in.Provider
	case "environment":
		actual = in.Environment
	default:
		return false, fmt.Errorf("%w: unknown field %q", ErrBadRule, field)
	}
	return strings.EqualFold(actual, value), nil
}

func matchTokenLimit(r Rule, in Input) (bool, error) {
	max, ok := intCondition(r.Conditions, "max_tokens")
	if !ok {
		return false, fmt.Errorf("%w: token_limit rule without max_tokens", ErrBadRule)
	}
	return in.EstimatedTokens > max, nil
}

// matchTimeWindow matches hours in [start, end); start > end wraps past
// midnight.
func matchTimeWindow(r Rule, in Input) (bool, error) {
	start, okS := intCondition(r.Conditions, "start_hour")
	end, okE := intCondition(r.Conditions, "end_hour")
	if !okS || !okE || start < 0 || start > 23 || end < 0 || end > 24 {
		return false, fmt.Errorf("%w: time_window rule hours out of range", ErrBadRule)
	}
	if start <= end {
		return in.Hour >= start && in.Hour < end, nil
	}
	return in.Hour >= start || in.Hour < end, nil
}

func (e *Engine) matchGeneral(r Rule, in Input) (bool, error) {
	expr, _ := r.Conditions["expression"].(string)
	if expr == "" {
		return false, fmt.Errorf("%w: general rule without expression", ErrBadRule)
	}

	prg, err := e.program(r.ID, expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"app":              in.AppID,
		"org":              in.OrgID,
		"feature":          in.Feature,
		"model":            in.Model,
		"provider":         in.Provider,
		"environment":      in.Environment,
		"estimated_tokens": in.EstimatedTokens,
		"risk_score":       in.RiskScore,
		"hour":             in.Hour,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval rule %s: %w", r.ID, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: rule %s expression is not boolean", ErrBadRule, r.ID)
	}
	return b, nil
}

// program compiles and memoizes the CEL program for a rule. The cache key
// includes the expression so an edited rule recompiles.
func (e *Engine) program(ruleID, expr string) (cel.Program, error) {
	key := ruleID + "\x00" + expr

	e.progMu.Lock()
	prg, ok := e.programs[key]
	e.progMu.Unlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrBadRule, ruleID, iss.Err())
	}
	prg, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %s: %w", ruleID, err)
	}

	e.progMu.Lock()
	e.programs[key] = prg
	e.progMu.Unlock()
	return prg, nil
}

func stringSlice(conditions map[string]any, key string) ([]string, error) {
	raw, ok := conditions[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadRule, key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s contains a non-string", ErrBadRule, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a list", ErrBadRule, key)
	}
}

// intCondition reads an int condition that may have round-tripped through
// JSON as float64.
func intCondition(conditions map[string]any, key string) (int, bool) {
	switch v := conditions[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
