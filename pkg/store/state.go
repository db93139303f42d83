package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// StateItem is one key in the current-state table.
type StateItem struct {
	StateKey      string   `json:"state_key"`
	StateValue    any      `json:"state_value"`
	Source        string   `json:"source"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ObservedAtUTC string   `json:"observed_at_utc"`
	UpdatedAtUTC  string   `json:"updated_at_utc"`
}

// StateEvent configures the change event emitted by SetState and
// BatchSetState. Nil suppresses events.
type StateEvent struct {
	Type          string
	Source        string
	Profile       string
	SessionID     string
	CorrelationID string
	Mode          string
	Severity      string
	Payload       map[string]any
	Tags          []string
}

// SetStateResult reports whether a write actually changed the value.
type SetStateResult struct {
	StateKey      string `json:"state_key"`
	Changed       bool   `json:"changed"`
	EventID       string `json:"event_id,omitempty"`
	PreviousValue any    `json:"previous_value"`
	StateValue    any    `json:"state_value"`
}

// canonicalJSON renders a value in RFC 8785 canonical form so that
// key-order and number-formatting differences do not count as changes.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

func stateEqual(a, b any) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}

// SetState upserts one state key. When the canonical value is unchanged
// the write is recorded but no event is emitted.
func (s *Store) SetState(ctx context.Context, item StateItem, ev *StateEvent) (SetStateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SetStateResult{}, fmt.Errorf("store: set state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.setStateTx(ctx, tx, item, ev)
	if err != nil {
		return SetStateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SetStateResult{}, fmt.Errorf("store: set state commit: %w", err)
	}
	return res, nil
}

// BatchSetState applies all items in one transaction.
func (s *Store) BatchSetState(ctx context.Context, items []StateItem, ev *StateEvent) ([]SetStateResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: batch set state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]SetStateResult, 0, len(items))
	for _, item := range items {
		res, err := s.setStateTx(ctx, tx, item, ev)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: batch set state commit: %w", err)
	}
	return results, nil
}

func (s *Store) setStateTx(ctx context.Context, tx *sql.Tx, item StateItem, ev *StateEvent) (SetStateResult, error) {
	if item.UpdatedAtUTC == "" {
		item.UpdatedAtUTC = item.ObservedAtUTC
	}

	var prevJSON sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT state_value_json FROM state_current WHERE state_key=?", item.StateKey,
	).Scan(&prevJSON)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return SetStateResult{}, fmt.Errorf("store: read state %s: %w", item.StateKey, err)
	}

	var previous any
	if exists && prevJSON.Valid {
		_ = json.Unmarshal([]byte(prevJSON.String), &previous)
	}
	changed := !exists || !stateEqual(previous, item.StateValue)

	valueJSON, err := json.Marshal(item.StateValue)
	if err != nil {
		return SetStateResult{}, fmt.Errorf("store: encode state %s: %w", item.StateKey, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_current(state_key,state_value_json,source,confidence,observed_at_utc,updated_at_utc)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(state_key) DO UPDATE SET
			state_value_json=excluded.state_value_json,
			source=excluded.source,
			confidence=excluded.confidence,
			observed_at_utc=excluded.observed_at_utc,
			updated_at_utc=excluded.updated_at_utc`,
		item.StateKey, string(valueJSON), item.Source, item.Confidence,
		item.ObservedAtUTC, item.UpdatedAtUTC,
	)
	if err != nil {
		return SetStateResult{}, fmt.Errorf("store: upsert state %s: %w", item.StateKey, err)
	}

	result := SetStateResult{
		StateKey:      item.StateKey,
		Changed:       changed,
		PreviousValue: previous,
		StateValue:    item.StateValue,
	}
	if ev != nil && changed {
		eventID, err := s.appendEventTx(ctx, tx, stateChangeEvent(item, ev))
		if err != nil {
			return SetStateResult{}, err
		}
		result.EventID = eventID
	}
	return result, nil
}

func stateChangeEvent(item StateItem, ev *StateEvent) Event {
	eventType := ev.Type
	if eventType == "" {
		eventType = "STATE_UPDATED"
	}
	source := ev.Source
	if source == "" {
		source = item.Source
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{
			"state_key":       item.StateKey,
			"source":          item.Source,
			"observed_at_utc": item.ObservedAtUTC,
		}
		if item.Confidence != nil {
			payload["confidence"] = *item.Confidence
		}
	}
	return Event{
		TimestampUTC:  item.ObservedAtUTC,
		Type:          eventType,
		Source:        source,
		Profile:       ev.Profile,
		SessionID:     ev.SessionID,
		CorrelationID: ev.CorrelationID,
		Mode:          ev.Mode,
		Severity:      ev.Severity,
		Payload:       payload,
		Tags:          ev.Tags,
	}
}

// GetState returns one state item or ErrNotFound.
func (s *Store) GetState(ctx context.Context, stateKey string) (StateItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_key,state_value_json,source,confidence,observed_at_utc,updated_at_utc
		FROM state_current WHERE state_key=?`, stateKey)
	item, err := scanStateItem(row.Scan)
	if err == sql.ErrNoRows {
		return StateItem{}, ErrNotFound
	}
	if err != nil {
		return StateItem{}, fmt.Errorf("store: get state %s: %w", stateKey, err)
	}
	return item, nil
}

// ListState returns all state items, most recently updated first.
func (s *Store) ListState(ctx context.Context) ([]StateItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_key,state_value_json,source,confidence,observed_at_utc,updated_at_utc
		FROM state_current ORDER BY updated_at_utc DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []StateItem
	for rows.Next() {
		item, err := scanStateItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: list state: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanStateItem(scan func(dest ...any) error) (StateItem, error) {
	var (
		item       StateItem
		valueJSON  string
		confidence sql.NullFloat64
	)
	if err := scan(&item.StateKey, &valueJSON, &item.Source, &confidence,
		&item.ObservedAtUTC, &item.UpdatedAtUTC); err != nil {
		return StateItem{}, err
	}
	if confidence.Valid {
		c := confidence.Float64
		item.Confidence = &c
	}
	_ = json.Unmarshal([]byte(valueJSON), &item.StateValue)
	return item, nil
}
