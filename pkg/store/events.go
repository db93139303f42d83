package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
)

// Event is one logbook entry.
type Event struct {
	EventID       string         `json:"event_id"`
	TimestampUTC  string         `json:"timestamp_utc"`
	Type          string         `json:"event_type"`
	Source        string         `json:"source"`
	Profile       string         `json:"profile,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Severity      string         `json:"severity"`
	Payload       map[string]any `json:"payload"`
	Tags          []string       `json:"tags"`
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendEvent inserts an event. A missing event id, timestamp or
// severity is filled in.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (string, error) {
	return s.appendEvent(ctx, s.db, ev)
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev Event) (string, error) {
	return s.appendEvent(ctx, tx, ev)
}

func (s *Store) appendEvent(ctx context.Context, ex execContext, ev Event) (string, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TimestampUTC == "" {
		ev.TimestampUTC = contracts.FormatTimestamp(s.clock.Now())
	}
	if ev.Severity == "" {
		ev.Severity = "info"
	}
	payloadJSON, err := json.Marshal(orEmptyMap(ev.Payload))
	if err != nil {
		return "", fmt.Errorf("store: encode event payload: %w", err)
	}
	tagsJSON, err := json.Marshal(orEmptyTags(ev.Tags))
	if err != nil {
		return "", fmt.Errorf("store: encode event tags: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO event_log(
			event_id,timestamp_utc,event_type,source,profile,session_id,correlation_id,
			mode,severity,payload_json,tags_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		ev.EventID, ev.TimestampUTC, ev.Type, ev.Source,
		nullable(ev.Profile), nullable(ev.SessionID), nullable(ev.CorrelationID),
		nullable(ev.Mode), ev.Severity, string(payloadJSON), string(tagsJSON),
	)
	if err != nil {
		return "", fmt.Errorf("store: append event: %w", err)
	}
	return ev.EventID, nil
}

// EventFilter narrows ListEvents. Zero values mean "no filter".
type EventFilter struct {
	Type          string
	SessionID     string
	CorrelationID string
	Since         string
	Limit         int
}

// ListEvents returns newest-first events. Limit is clamped to 1..1000
// and defaults to 100.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.Since != "" {
		clauses = append(clauses, "timestamp_utc>=?")
		args = append(args, f.Since)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT event_id,timestamp_utc,event_type,source,profile,session_id,correlation_id,
		       mode,severity,payload_json,tags_json
		FROM event_log %s ORDER BY id DESC LIMIT ?`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// RecentPolicyAudit returns recent policy decision and tool execution
// events, optionally only denied decisions.
func (s *Store) RecentPolicyAudit(ctx context.Context, limit int, deniedOnly bool) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id,timestamp_utc,event_type,source,profile,session_id,correlation_id,
		       mode,severity,payload_json,tags_json
		FROM event_log
		WHERE event_type IN ('POLICY_DECISION','TOOL_EXECUTE_RESULT')
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: policy audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if deniedOnly && !isDeniedAudit(ev) {
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func isDeniedAudit(ev Event) bool {
	switch ev.Type {
	case "POLICY_DECISION":
		if decision, ok := ev.Payload["decision"].(map[string]any); ok {
			allowed, _ := decision["allowed"].(bool)
			return !allowed
		}
		return false
	case "TOOL_EXECUTE_RESULT":
		ok, _ := ev.Payload["ok"].(bool)
		return !ok
	}
	return false
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev            Event
		profile       sql.NullString
		sessionID     sql.NullString
		correlationID sql.NullString
		mode          sql.NullString
		payloadJSON   string
		tagsJSON      string
	)
	if err := rows.Scan(&ev.EventID, &ev.TimestampUTC, &ev.Type, &ev.Source,
		&profile, &sessionID, &correlationID, &mode, &ev.Severity,
		&payloadJSON, &tagsJSON); err != nil {
		return Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	ev.Profile = profile.String
	ev.SessionID = sessionID.String
	ev.CorrelationID = correlationID.String
	ev.Mode = mode.String
	_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
	_ = json.Unmarshal([]byte(tagsJSON), &ev.Tags)
	return ev, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}
