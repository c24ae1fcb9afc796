// Package audit records an append-only log of gateway decisions and
// admin mutations. Audit writes are best-effort on the request path:
// a failed write is logged, never surfaced to the caller.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAdmission EventType = "ADMISSION"
	EventDenial    EventType = "DENIAL"
	EventMutation  EventType = "MUTATION"
	EventSystem    EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	AppID     string         `json:"app_id"`
	OrgID     string         `json:"org_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, e Event)
}

// writerLogger writes newline-delimited JSON to a writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
	log    *slog.Logger
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger(log *slog.Logger) Logger {
	return NewLoggerWithWriter(os.Stdout, log)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer, log *slog.Logger) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w, log: log.With("component", "audit")}
}

// Record stamps and appends the event. Failures are swallowed after
// logging; the request must not fail because its audit line did.
func (l *writerLogger) Record(_ context.Context, e Event) {
	stamp(&e)
	data, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("audit marshal failed", "action", e.Action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		l.log.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// multiLogger fans events out to several sinks.
type multiLogger struct {
	loggers []Logger
}

// NewMultiLogger records every event to all given loggers.
func NewMultiLogger(loggers ...Logger) Logger {
	return &multiLogger{loggers: loggers}
}

func (m *multiLogger) Record(ctx context.Context, e Event) {
	stamp(&e)
	for _, l := range m.loggers {
		l.Record(ctx, e)
	}
}
