package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/arbiterlabs/arbiter/pkg/store"
)

// SQLLogger appends audit events to the record store.
type SQLLogger struct {
	db  *store.DB
	log *slog.Logger
}

// NewSQLLogger creates an audit sink over the record store.
func NewSQLLogger(db *store.DB, log *slog.Logger) *SQLLogger {
	return &SQLLogger{db: db, log: log.With("component", "audit_store")}
}

// Init creates the audit tables. The table is append-only by convention;
// nothing in the gateway updates or deletes rows.
func (s *SQLLogger) Init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	ts TIMESTAMP NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_app ON audit_events(app_id, ts);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Record appends one event; failures are logged and swallowed.
func (s *SQLLogger) Record(ctx context.Context, e Event) {
	stamp(&e)
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		s.log.Warn("audit marshal failed", "action", e.Action, "error", err)
		return
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_events (id, app_id, org_id, event_type, action, resource, request_id, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AppID, e.OrgID, string(e.Type), e.Action, e.Resource,
		e.RequestID, e.Timestamp, string(metadata),
	)
	if err != nil {
		s.log.Warn("audit insert failed", "action", e.Action, "error", err)
	}
}
