// Package metering is the durable ledger of model usage: one record per
// request that produced (or would have produced) provider spend. The
// metered ledger is the record of truth the budget counters reconcile
// against.
package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyAppID is returned when a usage record has no application.
	ErrEmptyAppID = errors.New("metering: app_id must not be empty")
	// ErrNegativeTokens is returned for negative token counts.
	ErrNegativeTokens = errors.New("metering: token counts must not be negative")
)

// Record is one metered request.
type Record struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	AppID        string    `json:"app_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Feature      string    `json:"feature,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Environment  string    `json:"environment,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Outcome      string    `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate checks required fields.
func (r Record) Validate() error {
	if r.AppID == "" {
		return ErrEmptyAppID
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return ErrNegativeTokens
	}
	return nil
}

// Store persists and aggregates usage records.
type Store interface {
	RecordUsage(ctx context.Context, r *Record) error
}

// Meter validates and persists usage records.
type Meter struct {
	store Store
	now   func() time.Time
}

// NewMeter builds a Meter over the durable store.
func NewMeter(store Store) *Meter {
	return &Meter{store: store, now: time.Now}
}

// Record stamps and persists one usage record.
func (m *Meter) Record(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now().UTC()
	}
	return m.store.RecordUsage(ctx, r)
}

// Summary aggregates usage over a window.
type Summary struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
