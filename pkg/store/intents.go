package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
)

// IntentRow is the slice of an intent record the executor needs.
type IntentRow struct {
	RequestID string
	Mode      string
	SessionID string
}

// ActionParams is the metadata stored alongside each queued action.
type ActionParams struct {
	Parameters           map[string]any `json:"parameters"`
	ModeConstraints      []string       `json:"mode_constraints"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	TimeoutMS            int            `json:"timeout_ms"`
	Confidence           float64        `json:"confidence"`
}

// ActionRow is one queued or finalized action.
type ActionRow struct {
	ID          int64
	RequestID   string
	ActionID    string
	ToolName    string
	Status      string
	SafetyLevel string
	Params      ActionParams
}

// TerminalActionStatuses are the states an action cannot leave.
var TerminalActionStatuses = map[string]bool{
	"success": true, "error": true, "timeout": true, "denied": true,
}

// UpsertIntent stores a validated intent proposal, queues its actions
// and emits INTENT_PROPOSED, all in one transaction. Re-submitting a
// request id resets its rows. Returns the number of queued actions.
func (s *Store) UpsertIntent(ctx context.Context, intent map[string]any, source string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: upsert intent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	requestID, _ := intent["request_id"].(string)
	sessionID, _ := intent["session_id"].(string)
	mode, _ := intent["mode"].(string)

	questionsJSON := marshalOr(intent["clarification_questions"], "[]")
	retrievalJSON := marshalOr(intent["retrieval"], "{}")
	actions, _ := intent["proposed_actions"].([]any)
	actionsJSON := marshalOr(intent["proposed_actions"], "[]")
	responseText, _ := intent["response_text"].(string)

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO intent_log(
			request_id,schema_version,timestamp_utc,session_id,mode,domain,urgency,user_text,
			needs_tools,needs_clarification,clarification_questions_json,retrieval_json,
			proposed_actions_json,response_text
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		requestID,
		intent["schema_version"],
		intent["timestamp_utc"],
		nullable(sessionID),
		mode,
		intent["domain"],
		intent["urgency"],
		intent["user_text"],
		boolToInt(intent["needs_tools"]),
		boolToInt(intent["needs_clarification"]),
		questionsJSON,
		retrievalJSON,
		actionsJSON,
		responseText,
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert intent %s: %w", requestID, err)
	}

	count := 0
	actionIDs := make([]string, 0, len(actions))
	for _, raw := range actions {
		action, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		actionID, _ := action["action_id"].(string)
		params := map[string]any{
			"parameters":            orEmpty(action["parameters"]),
			"mode_constraints":      orEmptyList(action["mode_constraints"]),
			"requires_confirmation": action["requires_confirmation"] == true,
			"timeout_ms":            action["timeout_ms"],
			"confidence":            action["confidence"],
		}
		paramsJSON := marshalOr(params, "{}")
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO action_log(
				request_id,action_id,tool_name,status,safety_level,mode_at_execution,reason,parameters_json
			) VALUES(?,?,?,?,?,?,?,?)`,
			requestID, actionID, action["tool_name"], "queued",
			action["safety_level"], mode, action["reason"], paramsJSON,
		)
		if err != nil {
			return 0, fmt.Errorf("store: queue action %s/%s: %w", requestID, actionID, err)
		}
		actionIDs = append(actionIDs, actionID)
		count++
	}

	_, err = s.appendEventTx(ctx, tx, Event{
		Type:          "INTENT_PROPOSED",
		Source:        source,
		SessionID:     sessionID,
		CorrelationID: requestID,
		Mode:          mode,
		Payload: map[string]any{
			"request_id": requestID,
			"actions":    actionIDs,
			"domain":     intent["domain"],
			"urgency":    intent["urgency"],
		},
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: upsert intent commit: %w", err)
	}
	return count, nil
}

// GetIntent returns the intent record for requestID or ErrNotFound.
func (s *Store) GetIntent(ctx context.Context, requestID string) (IntentRow, error) {
	var (
		row       IntentRow
		sessionID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT request_id,mode,session_id FROM intent_log WHERE request_id=?", requestID,
	).Scan(&row.RequestID, &row.Mode, &sessionID)
	if err == sql.ErrNoRows {
		return IntentRow{}, ErrNotFound
	}
	if err != nil {
		return IntentRow{}, fmt.Errorf("store: get intent %s: %w", requestID, err)
	}
	row.SessionID = sessionID.String
	return row, nil
}

// ListActions returns the actions for a request in queue order,
// optionally narrowed to specific action ids.
func (s *Store) ListActions(ctx context.Context, requestID string, actionIDs []string) ([]ActionRow, error) {
	query := `SELECT id,request_id,action_id,tool_name,status,safety_level,parameters_json
		FROM action_log WHERE request_id=?`
	args := []any{requestID}
	if len(actionIDs) > 0 {
		query += " AND action_id IN (?" + repeatPlaceholder(len(actionIDs)-1) + ")"
		for _, id := range actionIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list actions %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var actions []ActionRow
	for rows.Next() {
		var (
			a          ActionRow
			paramsJSON string
		)
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActionID, &a.ToolName,
			&a.Status, &a.SafetyLevel, &paramsJSON); err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		_ = json.Unmarshal([]byte(paramsJSON), &a.Params)
		if a.Params.Parameters == nil {
			a.Params.Parameters = map[string]any{}
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

// MarkActionConfirmationPending keeps an action queued but records why
// it could not run yet.
func (s *Store) MarkActionConfirmationPending(ctx context.Context, id int64, errorCode, errorMessage string) error {
	return s.updateAction(ctx, `
		UPDATE action_log SET status='queued', error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		errorCode, errorMessage, contracts.FormatTimestamp(s.clock.Now()), id)
}

// MarkActionDenied finalizes an action as denied.
func (s *Store) MarkActionDenied(ctx context.Context, id int64, errorCode, errorMessage string) error {
	return s.updateAction(ctx, `
		UPDATE action_log SET status='denied', error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		errorCode, errorMessage, contracts.FormatTimestamp(s.clock.Now()), id)
}

// MarkActionApproved moves an action into the approved state.
func (s *Store) MarkActionApproved(ctx context.Context, id int64) error {
	return s.updateAction(ctx, `
		UPDATE action_log SET status='approved', started_at_utc=? WHERE id=?`,
		contracts.FormatTimestamp(s.clock.Now()), id)
}

// FinalizeAction records a terminal execution outcome.
func (s *Store) FinalizeAction(ctx context.Context, id int64, status string, output map[string]any, errorCode, errorMessage string) error {
	outputJSON := marshalOr(orEmpty(output), "{}")
	return s.updateAction(ctx, `
		UPDATE action_log SET status=?, output_json=?, error_code=?, error_message=?, ended_at_utc=? WHERE id=?`,
		status, outputJSON, nullable(errorCode), nullable(errorMessage),
		contracts.FormatTimestamp(s.clock.Now()), id)
}

func (s *Store) updateAction(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: update action: %w", err)
	}
	return nil
}

// Feedback is one user verdict on a finished request.
type Feedback struct {
	RequestID      string
	Rating         int
	CorrectionText string
	Reviewer       string
	SessionID      string
	Mode           string
}

// RecordFeedback stores feedback for a known request. ErrNotFound when
// the request id has no intent record.
func (s *Store) RecordFeedback(ctx context.Context, fb Feedback) error {
	if _, err := s.GetIntent(ctx, fb.RequestID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_log(request_id,timestamp_utc,rating,correction_text,reviewer,session_id,mode)
		VALUES(?,?,?,?,?,?,?)`,
		fb.RequestID, contracts.FormatTimestamp(s.clock.Now()), fb.Rating,
		nullable(fb.CorrectionText), nullable(fb.Reviewer), nullable(fb.SessionID), nullable(fb.Mode),
	)
	if err != nil {
		return fmt.Errorf("store: record feedback %s: %w", fb.RequestID, err)
	}
	return nil
}

func marshalOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(raw)
}

func boolToInt(v any) int {
	if v == true {
		return 1
	}
	return 0
}

func orEmpty(m any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyList(v any) any {
	if v == nil {
		return []any{}
	}
	return v
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}
