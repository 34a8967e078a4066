package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is spec.md §5 audit event shape, persisted as the durable tail
// that internal/audit's ring buffer flushes into.
type AuditEvent struct {
	EventID         string
	Timestamp       time.Time
	EventType       string
	Severity        string
	SessionID       string
	ClientID        string
	UserID          string
	SourceIP        string
	Action          string
	AuthzDecision   string
	AuthzPolicy     string
	Metadata        map[string]interface{}
	ResponseSummary string
}

// ResponseSummary is spec.md §3's response_summary shape. Callers that have
// one build it with this type and call Encode to get the JSON text stored
// in AuditEvent.ResponseSummary, rather than stuffing the same fields into
// the generic Metadata map.
type ResponseSummary struct {
	DurationMs int64 `json:"duration_ms"`
	Size       int   `json:"size"`
	IsError    bool  `json:"is_error"`
}

// Encode marshals r to the JSON text AuditEvent.ResponseSummary carries.
func (r ResponseSummary) Encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// AppendAuditEvents writes a batch of events in one transaction, the shape
// internal/audit's periodic flush uses (spec.md §5: flush is batched, not
// per-event, to keep the buffer's add() path non-blocking).
func (s *Store) AppendAuditEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (event_id, timestamp, event_type, severity, session_id, client_id, user_id,
			source_ip, action, authz_decision, authz_policy, metadata, response_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling audit metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.EventID, e.Timestamp.Format(time.RFC3339Nano), e.EventType, e.Severity,
			nullableString(e.SessionID), nullableString(e.ClientID), nullableString(e.UserID), e.SourceIP, e.Action,
			nullableString(e.AuthzDecision), nullableString(e.AuthzPolicy), string(meta), nullableString(e.ResponseSummary)); err != nil {
			return fmt.Errorf("inserting audit event: %w", err)
		}
	}
	return tx.Commit()
}

// TailAuditEvents returns the most recent limit events, newest first, for
// the admin audit query endpoint (spec.md §6).
func (s *Store) TailAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, timestamp, event_type, severity, session_id, client_id, user_id, source_ip,
			action, authz_decision, authz_policy, metadata, response_summary
		FROM audit_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("tailing audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var sessionID, clientID, userID, authzDecision, authzPolicy, responseSummary sql.NullString
		var ts, meta string
		if err := rows.Scan(&e.EventID, &ts, &e.EventType, &e.Severity, &sessionID, &clientID, &userID, &e.SourceIP,
			&e.Action, &authzDecision, &authzPolicy, &meta, &responseSummary); err != nil {
			return nil, fmt.Errorf("scanning audit event row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.SessionID, e.ClientID, e.UserID = sessionID.String, clientID.String, userID.String
		e.AuthzDecision, e.AuthzPolicy, e.ResponseSummary = authzDecision.String, authzPolicy.String, responseSummary.String
		_ = json.Unmarshal([]byte(meta), &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAuditEventsBefore deletes events older than cutoff, for retention
// enforcement.
func (s *Store) PruneAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	return res.RowsAffected()
}
