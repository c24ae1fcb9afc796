package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arbiterlabs/arbiter/pkg/abuse"
	"github.com/arbiterlabs/arbiter/pkg/auth"
	"github.com/arbiterlabs/arbiter/pkg/budget"
	"github.com/arbiterlabs/arbiter/pkg/features"
	"github.com/arbiterlabs/arbiter/pkg/provider"
	"github.com/arbiterlabs/arbiter/pkg/registry"
	"github.com/arbiterlabs/arbiter/pkg/validate"
)

// Code is a stable machine-readable error code. Codes are part of the
// wire contract; clients branch on them, so they never change meaning.
type Code string

const (
	CodeAuthMissingKey       Code = "AUTH_MISSING_KEY"
	CodeAuthInvalidKey       Code = "AUTH_INVALID_KEY"
	CodeAuthEnvMismatch      Code = "AUTH_ENV_MISMATCH"
	CodeInputInvalid         Code = "INPUT_INVALID"
	CodeModelNotFound        Code = "MODEL_NOT_FOUND"
	CodeFeatureNotAllowed    Code = "FEATURE_NOT_ALLOWED"
	CodePolicyModelBlocked   Code = "POLICY_MODEL_BLOCKED"
	CodePolicyFeatureBlocked Code = "POLICY_FEATURE_BLOCKED"
	CodeBudgetExceeded       Code = "BUDGET_EXCEEDED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeAbuseBlocked         Code = "ABUSE_BLOCKED"
	CodeContentBlocked       Code = "CONTENT_BLOCKED"
	CodeUpstreamFailed       Code = "UPSTREAM_FAILED"
	CodeInternal             Code = "INTERNAL"
)

// APIError is the error shape every handler returns.
type APIError struct {
	Status  int      `json:"-"`
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func (e *APIError) Error() string { return string(e.Code) + ": " + e.Message }

// NewAPIError builds an APIError.
func NewAPIError(status int, code Code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// WithReasons attaches machine-readable denial reasons.
func (e *APIError) WithReasons(reasons ...string) *APIError {
	e.Reasons = append(e.Reasons, reasons...)
	return e
}

// FromError maps pipeline errors onto the wire contract. Unknown errors
// become INTERNAL without leaking detail to the caller.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, auth.ErrMissingKey):
		return NewAPIError(http.StatusUnauthorized, CodeAuthMissingKey, "no gateway key presented")
	case errors.Is(err, auth.ErrUnknownKey), errors.Is(err, auth.ErrKeyExpired):
		return NewAPIError(http.StatusUnauthorized, CodeAuthInvalidKey, "gateway key is not valid")
	case errors.Is(err, auth.ErrEnvMismatch):
		return NewAPIError(http.StatusForbidden, CodeAuthEnvMismatch, err.Error())

	case errors.Is(err, validate.ErrBadShape),
		errors.Is(err, validate.ErrNoMessages),
		errors.Is(err, validate.ErrInvalidRole),
		errors.Is(err, validate.ErrEmptyContent),
		errors.Is(err, validate.ErrInjection),
		errors.Is(err, validate.ErrDataInstruction):
		return NewAPIError(http.StatusBadRequest, CodeInputInvalid, err.Error())

	case errors.Is(err, registry.ErrModelNotFound):
		return NewAPIError(http.StatusNotFound, CodeModelNotFound, err.Error())

	case errors.Is(err, features.ErrFeatureNotFound),
		errors.Is(err, features.ErrFeatureDisabled),
		errors.Is(err, features.ErrActionNotAllowed),
		errors.Is(err, features.ErrEnvironment),
		errors.Is(err, features.ErrTokenCeiling):
		return NewAPIError(http.StatusForbidden, CodeFeatureNotAllowed, err.Error())
	case errors.Is(err, features.ErrModelNotAllowed):
		return NewAPIError(http.StatusForbidden, CodePolicyFeatureBlocked, err.Error())

	case errors.Is(err, budget.ErrBudgetExceeded):
		return NewAPIError(http.StatusPaymentRequired, CodeBudgetExceeded, err.Error())

	case errors.Is(err, provider.ErrNoProvider):
		return NewAPIError(http.StatusNotFound, CodeModelNotFound, err.Error())

	default:
		return NewAPIError(http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// abuseError maps an abuse verdict to the wire contract.
func abuseError(v *abuse.Verdict) *APIError {
	e := NewAPIError(http.StatusTooManyRequests, CodeAbuseBlocked, v.Detail).
		WithReasons(string(v.Reason))
	if v.Reason == abuse.ReasonRateSpike {
		e.Code = CodeRateLimited
	}
	return e
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      Code     `json:"code"`
	Message   string   `json:"message"`
	RequestID string   `json:"request_id,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}

// writeError renders the error envelope with its HTTP status.
func writeError(w http.ResponseWriter, requestID string, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: requestID,
		Reasons:   apiErr.Reasons,
	}})
}
