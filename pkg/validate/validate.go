// Package validate checks inbound request bodies before anything else in
// the admission pipeline touches them: structural shape, role vocabulary,
// and a weighted prompt-injection scan over untrusted message content.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiterlabs/arbiter/pkg/provider"
)

var (
	// ErrNoMessages is returned for an empty message list.
	ErrNoMessages = errors.New("validate: no messages")
	// ErrInvalidRole is returned for a role outside the accepted vocabulary.
	ErrInvalidRole = errors.New("validate: invalid role")
	// ErrEmptyContent is returned for a message with no content.
	ErrEmptyContent = errors.New("validate: empty message content")
	// ErrInjection is returned when untrusted content scores at or above
	// the injection threshold.
	ErrInjection = errors.New("validate: probable prompt injection")
	// ErrDataInstruction is returned in strict mode when a data-role
	// message carries instruction-like content. Data is payload, not
	// conversation; instructions inside it are always hostile.
	ErrDataInstruction = errors.New("validate: instruction in data message")
	// ErrBadShape is returned when the body fails the structural schema.
	ErrBadShape = errors.New("validate: malformed request body")
)

// Accepted message roles after normalization.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleData      = "data"
	RoleTool      = "tool"
)

// DefaultThreshold is the injection score at which untrusted user content
// is rejected outright.
const DefaultThreshold = 0.5

// Pattern family weights. A message matching several families accumulates
// their weights, capped at 1.0.
const (
	weightExplicit  = 0.3
	weightSeparator = 0.2
	weightHijack    = 0.4
)

type patternFamily struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

var families = []patternFamily{
	{
		name:   "explicit_instruction",
		weight: weightExplicit,
		patterns: compile(
			`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|messages|rules)`,
			`(?i)disregard\s+(your|all|any|the)\s+.{0,40}(instructions|rules|guidelines)`,
			`(?i)forget\s+(everything|all|your)\s+.{0,30}(instructions|told|rules)`,
			`(?i)\bnew\s+instructions?\s*:`,
			`(?i)override\s+(your|the)\s+(system\s+)?(prompt|instructions)`,
		),
	},
	{
		name:   "separator",
		weight: weightSeparator,
		patterns: compile(
			`-{5,}`,
			`={5,}`,
			`#{3,}`,
			`<\|im_(start|end)\|>`,
			`(?i)\[\s*(system|assistant)\s*\]`,
			"```\\s*(system|prompt)",
			`(?i)<(/)?(system|instructions)>`,
		),
	},
	{
		name:   "role_hijack",
		weight: weightHijack,
		patterns: compile(
			`(?i)\byou\s+are\s+now\b`,
			`(?i)\bact\s+as\s+(if\s+you\s+|an?\s+)`,
			`(?i)\bpretend\s+(to\s+be|you\s+are)\b`,
			`(?im)^\s*(system|assistant)\s*:`,
			`(?i)\b(jailbreak|jailbroken)\b`,
			`(?i)\bdan\s+mode\b`,
			`(?i)\bdeveloper\s+mode\s+(enabled|on)\b`,
			`(?i)\byour\s+(true|real|actual)\s+(purpose|identity|instructions)\b`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// chatBodySchema is the structural contract for POST /v1/chat/completions.
// The "function" role is accepted on the wire and normalized to "tool".
const chatBodySchema = `{
	"type": "object",
	"required": ["model", "messages"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"messages": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["role", "content"],
				"properties": {
					"role": {"enum": ["system", "user", "assistant", "data", "tool", "function"]},
					"content": {"type": "string"}
				}
			}
		},
		"max_tokens": {"type": "integer", "minimum": 0},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"stream": {"type": "boolean"}
	}
}`

// embeddingBodySchema is the structural contract for POST /v1/embeddings.
// Input accepts a bare string or an array of strings, matching the wire
// format clients already speak.
const embeddingBodySchema = `{
	"type": "object",
	"required": ["model", "input"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"input": {
			"anyOf": [
				{"type": "string", "minLength": 1},
				{"type": "array", "minItems": 1, "items": {"type": "string"}}
			]
		}
	}
}`

// Finding records one pattern-family hit inside one message.
type Finding struct {
	MessageIndex int     `json:"message_index"`
	Family       string  `json:"family"`
	Weight       float64 `json:"weight"`
}

// Result is the outcome of a successful validation pass.
type Result struct {
	// Messages is the normalized list: roles mapped to the canonical
	// vocabulary, trust flags set.
	Messages []provider.Message
	// RiskScore is the highest per-message injection score observed.
	RiskScore float64
	Findings  []Finding
	Warnings  []string
}

// Validator performs shape and content validation.
type Validator struct {
	chatSchema      *jsonschema.Schema
	embeddingSchema *jsonschema.Schema
	threshold       float64
}

// New builds a Validator with the default rejection threshold.
func New() *Validator {
	return &Validator{
		chatSchema:      jsonschema.MustCompileString("chat.json", chatBodySchema),
		embeddingSchema: jsonschema.MustCompileString("embedding.json", embeddingBodySchema),
		threshold:       DefaultThreshold,
	}
}

// CheckChatShape validates a decoded chat body against the structural
// schema.
func (v *Validator) CheckChatShape(doc any) error {
	if err := v.chatSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	return nil
}

// CheckEmbeddingShape validates a decoded embedding body against the
// structural schema.
func (v *Validator) CheckEmbeddingShape(doc any) error {
	if err := v.embeddingSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	return nil
}

// Validate normalizes roles, assigns trust, and scores untrusted content
// for injection patterns. strict controls whether an instruction inside a
// data-role message is a hard failure or a warning.
func (v *Validator) Validate(messages []provider.Message, strict bool) (*Result, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	res := &Result{Messages: make([]provider.Message, 0, len(messages))}

	for i, m := range messages {
		role, err := normalizeRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d role %q", ErrInvalidRole, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("%w: message %d", ErrEmptyContent, i)
		}

		msg := provider.Message{
			Role:    role,
			Content: m.Content,
			// Only content the operator placed in the system prompt is
			// trusted. Everything else arrived from outside.
			Trusted: role == RoleSystem,
		}

		if !msg.Trusted {
			score, findings := scoreMessage(i, m.Content)
			res.Findings = append(res.Findings, findings...)
			if score > res.RiskScore {
				res.RiskScore = score
			}

			switch {
			case role == RoleData && score > 0:
				if strict {
					return nil, fmt.Errorf("%w: message %d scored %.2f", ErrDataInstruction, i, score)
				}
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("data message %d contains instruction-like content (score %.2f)", i, score))
			case score >= v.threshold:
				return nil, fmt.Errorf("%w: message %d scored %.2f", ErrInjection, i, score)
			case score > 0:
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("message %d matched injection patterns (score %.2f)", i, score))
			}
		}

		res.Messages = append(res.Messages, msg)
	}

	return res, nil
}

// normalizeRole maps wire roles to the canonical vocabulary. "function" is
// the legacy spelling of "tool".
func normalizeRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleData:
		return RoleData, nil
	case RoleTool, "function":
		return RoleTool, nil
	default:
		return "", ErrInvalidRole
	}
}

// scoreMessage sums the weight of each matched family once, capped at 1.0.
func scoreMessage(index int, content string) (float64, []Finding) {
	var score float64
	var findings []Finding
	for _, fam := range families {
		for _, p := range fam.patterns {
			if p.MatchString(content) {
				score += fam.weight
				findings = append(findings, Finding{MessageIndex: index, Family: fam.name, Weight: fam.weight})
				break
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, findings
}
