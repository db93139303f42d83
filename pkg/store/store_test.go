package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "logbook.db"))
	require.NoError(t, err)
	st.SetClock(fixedClock{testNow})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendAndListEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id1, err := st.AppendEvent(ctx, Event{Type: "POLICY_DECISION", Source: "test", CorrelationID: "req-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	_, err = st.AppendEvent(ctx, Event{Type: "ACTION_EXECUTED", Source: "test", CorrelationID: "req-1"})
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, Event{Type: "POLICY_DECISION", Source: "test", CorrelationID: "req-2"})
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "POLICY_DECISION", events[0].Type, "newest first")
	assert.Equal(t, "req-2", events[0].CorrelationID)
	assert.Equal(t, "info", events[0].Severity)
	assert.NotNil(t, events[0].Payload)
	assert.NotNil(t, events[0].Tags)

	byType, err := st.ListEvents(ctx, EventFilter{Type: "ACTION_EXECUTED"})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	byCorrelation, err := st.ListEvents(ctx, EventFilter{CorrelationID: "req-1"})
	require.NoError(t, err)
	require.Len(t, byCorrelation, 2)

	limited, err := st.ListEvents(ctx, EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEventOrderingWithinCorrelation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sequence := []string{
		"ASSIST_REQUEST_SUMMARY", "ASSIST_PROPOSAL_RECEIVED",
		"ASSIST_PROPOSAL_VALIDATED", "ASSIST_POLICY_PREVIEW", "ASSIST_PROPOSAL",
	}
	for _, typ := range sequence {
		_, err := st.AppendEvent(ctx, Event{Type: typ, Source: "test", CorrelationID: "req-x"})
		require.NoError(t, err)
	}
	events, err := st.ListEvents(ctx, EventFilter{CorrelationID: "req-x"})
	require.NoError(t, err)
	require.Len(t, events, len(sequence))
	// Same timestamp for every event; rowid keeps insertion order.
	for i, typ := range sequence {
		assert.Equal(t, typ, events[len(events)-1-i].Type)
	}
}

func TestSetStateChangeDetection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := "2024-03-01T12:00:00.000000Z"

	res, err := st.SetState(ctx, StateItem{
		StateKey: "ed.running", StateValue: true, Source: "probe", ObservedAtUTC: now,
	}, &StateEvent{Source: "probe"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.NotEmpty(t, res.EventID)

	// Same canonical value: no event.
	res, err = st.SetState(ctx, StateItem{
		StateKey: "ed.running", StateValue: true, Source: "probe", ObservedAtUTC: now,
	}, &StateEvent{Source: "probe"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.EventID)

	// Key-order differences are not changes.
	_, err = st.SetState(ctx, StateItem{
		StateKey: "ed.telemetry", StateValue: map[string]any{"a": 1.0, "b": 2.0}, Source: "probe", ObservedAtUTC: now,
	}, nil)
	require.NoError(t, err)
	res, err = st.SetState(ctx, StateItem{
		StateKey: "ed.telemetry", StateValue: map[string]any{"b": 2.0, "a": 1.0}, Source: "probe", ObservedAtUTC: now,
	}, &StateEvent{Source: "probe"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	item, err := st.GetState(ctx, "ed.running")
	require.NoError(t, err)
	assert.Equal(t, true, item.StateValue)

	_, err = st.GetState(ctx, "ed.missing")
	assert.ErrorIs(t, err, ErrNotFound)

	items, err := st.ListState(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestBatchSetState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := "2024-03-01T12:00:00.000000Z"
	results, err := st.BatchSetState(ctx, []StateItem{
		{StateKey: "music.playing", StateValue: true, Source: "probe", ObservedAtUTC: now},
		{StateKey: "music.track.title", StateValue: "Interstellar", Source: "probe", ObservedAtUTC: now},
	}, &StateEvent{Source: "probe", CorrelationID: "batch-1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Changed)
	assert.True(t, results[1].Changed)

	events, err := st.ListEvents(ctx, EventFilter{Type: "STATE_UPDATED"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func sampleIntent(requestID string) map[string]any {
	return map[string]any{
		"schema_version":          "1.0",
		"request_id":              requestID,
		"session_id":              "sess-1",
		"timestamp_utc":           "2024-03-01T12:00:00.000000Z",
		"mode":                    "game",
		"domain":                  "gameplay",
		"urgency":                 "normal",
		"user_text":               "lights to combat",
		"needs_tools":             true,
		"needs_clarification":     false,
		"clarification_questions": []any{},
		"retrieval":               map[string]any{"citation_ids": []any{}, "confidence": 0.0},
		"proposed_actions": []any{
			map[string]any{
				"action_id":             "action_set_lights",
				"tool_name":             "set_lights",
				"parameters":            map[string]any{"scene": "combat"},
				"safety_level":          "low_risk",
				"mode_constraints":      []any{"game"},
				"requires_confirmation": false,
				"timeout_ms":            1200,
				"reason":                "requested",
				"confidence":            0.9,
			},
			map[string]any{
				"action_id":             "action_keypress_g",
				"tool_name":             "keypress",
				"parameters":            map[string]any{"keys": []any{"g"}},
				"safety_level":          "high_risk",
				"mode_constraints":      []any{"game"},
				"requires_confirmation": true,
				"timeout_ms":            800,
				"reason":                "requested",
				"confidence":            0.8,
			},
		},
		"response_text": "Setting combat lights.",
	}
}

func TestUpsertIntentAndActions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	queued, err := st.UpsertIntent(ctx, sampleIntent("req-1"), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	intent, err := st.GetIntent(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "game", intent.Mode)
	assert.Equal(t, "sess-1", intent.SessionID)

	_, err = st.GetIntent(ctx, "req-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "action_set_lights", actions[0].ActionID, "queue order preserved")
	assert.Equal(t, "queued", actions[0].Status)
	assert.Equal(t, "combat", actions[0].Params.Parameters["scene"])
	assert.True(t, actions[1].Params.RequiresConfirmation)

	filtered, err := st.ListActions(ctx, "req-1", []string{"action_keypress_g"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "action_keypress_g", filtered[0].ActionID)

	events, err := st.ListEvents(ctx, EventFilter{Type: "INTENT_PROPOSED"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-1", events[0].CorrelationID)

	// Re-submitting the same request id resets rather than conflicts.
	queued, err = st.UpsertIntent(ctx, sampleIntent("req-1"), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
}

func TestActionLifecycleUpdates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertIntent(ctx, sampleIntent("req-1"), "test")
	require.NoError(t, err)
	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)

	require.NoError(t, st.MarkActionApproved(ctx, actions[0].ID))
	require.NoError(t, st.FinalizeAction(ctx, actions[0].ID, "success", map[string]any{"ok": true}, "", ""))
	require.NoError(t, st.MarkActionConfirmationPending(ctx, actions[1].ID, "DENY_NEEDS_CONFIRMATION", "needs confirm"))

	updated, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", updated[0].Status)
	assert.Equal(t, "queued", updated[1].Status, "confirmation-pending actions stay queued")

	require.NoError(t, st.MarkActionDenied(ctx, actions[1].ID, "DENY_EXPLICITLY_DENIED", "denied"))
	updated, err = st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "denied", updated[1].Status)
}

func TestRecordFeedback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.UpsertIntent(ctx, sampleIntent("req-1"), "test")
	require.NoError(t, err)

	err = st.RecordFeedback(ctx, Feedback{RequestID: "req-1", Rating: 1, Reviewer: "cmdr"})
	require.NoError(t, err)

	err = st.RecordFeedback(ctx, Feedback{RequestID: "req-unknown", Rating: -1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentPolicyAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AppendEvent(ctx, Event{Type: "POLICY_DECISION", Source: "test",
		Payload: map[string]any{"decision": map[string]any{"allowed": true}}})
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, Event{Type: "POLICY_DECISION", Source: "test",
		Payload: map[string]any{"decision": map[string]any{"allowed": false}}})
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, Event{Type: "TOOL_EXECUTE_RESULT", Source: "test",
		Payload: map[string]any{"ok": false}})
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, Event{Type: "STATE_UPDATED", Source: "test"})
	require.NoError(t, err)

	all, err := st.RecentPolicyAudit(ctx, 10, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	denied, err := st.RecentPolicyAudit(ctx, 10, true)
	require.NoError(t, err)
	assert.Len(t, denied, 2)
}
