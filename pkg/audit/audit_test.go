package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRecordWritesNDJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, discard())

	l.Record(context.Background(), Event{
		AppID:    "app-1",
		Type:     EventDenial,
		Action:   "request_denied",
		Resource: "gpt-5",
		Metadata: map[string]any{"code": "BUDGET_EXCEEDED"},
	})
	l.Record(context.Background(), Event{
		AppID:  "app-1",
		Type:   EventAdmission,
		Action: "request_completed",
	})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var e Event
	require.NoError(t, json.Unmarshal(lines[0], &e))
	assert.Equal(t, EventDenial, e.Type)
	assert.Equal(t, "request_denied", e.Action)
	assert.Equal(t, "BUDGET_EXCEEDED", e.Metadata["code"])
}

func TestRecordStampsIDAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, discard())

	l.Record(context.Background(), Event{Action: "request_completed"})

	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Minute)
}

func TestRecordKeepsCallerStamp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, discard())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Record(context.Background(), Event{ID: "evt-1", Timestamp: ts, Action: "seed"})

	var e Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e))
	assert.Equal(t, "evt-1", e.ID)
	assert.True(t, e.Timestamp.Equal(ts))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRecordSwallowsWriteFailure(t *testing.T) {
	l := NewLoggerWithWriter(failingWriter{}, discard())

	assert.NotPanics(t, func() {
		l.Record(context.Background(), Event{Action: "request_completed"})
	})
}

type captureLogger struct {
	events []Event
}

func (c *captureLogger) Record(_ context.Context, e Event) {
	c.events = append(c.events, e)
}

func TestMultiLoggerFansOut(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}
	l := NewMultiLogger(a, b)

	l.Record(context.Background(), Event{Action: "key_issued", Type: EventMutation})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	// Stamped once, so both sinks see the same event id.
	assert.Equal(t, a.events[0].ID, b.events[0].ID)
	assert.NotEmpty(t, a.events[0].ID)
}
