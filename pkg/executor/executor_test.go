package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/router"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const executorOrders = `{
  "version": "1.0.0",
  "defaults": {
    "confirm_window_seconds": 12,
    "stt_min_confidence": 0.82,
    "ui_foreground_required_for_input": true
  },
  "watch_conditions": {
    "STANDBY": {"allowed_tools": ["sammi.*", "web.search"]},
    "GAME": {
      "allowed_tools": ["input.keypress", "sammi.*", "web.search"],
      "guardrails": {"foreground_process_must_be": ["EliteDangerous64.exe"]}
    },
    "WORK": {"deny_tools": ["input.keypress", "sammi.set_lights"]},
    "TUTOR": {"inherits": "WORK"},
    "RESTRICTED": {"inherits": "GAME"},
    "DEGRADED": {"deny_tools": ["*"]}
  },
  "tool_policies": {}
}`

// recordingDispatcher returns a canned output and remembers the calls.
type recordingDispatcher struct {
	calls  []ToolCall
	output map[string]any
	err    error
	block  bool
}

func (d *recordingDispatcher) Execute(ctx context.Context, call ToolCall) (map[string]any, error) {
	d.calls = append(d.calls, call)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.output, nil
}

func newTestExecutor(t *testing.T, dispatcher Dispatcher) (*Executor, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "logbook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ordersPath := filepath.Join(dir, "standing_orders.json")
	require.NoError(t, os.WriteFile(ordersPath, []byte(executorOrders), 0o644))
	engine, err := policy.NewEngine(ordersPath, nil)
	require.NoError(t, err)

	rt := router.New(engine, st, nil)
	rt.SetClock(fixedClock{testNow})

	ex := New(st, rt, dispatcher, nil, nil)
	ex.SetClock(fixedClock{testNow})
	return ex, st
}

func seedIntent(t *testing.T, st *store.Store, requestID string, actions []any) {
	t.Helper()
	_, err := st.UpsertIntent(context.Background(), map[string]any{
		"schema_version":          "1.0",
		"request_id":              requestID,
		"session_id":              "sess-1",
		"timestamp_utc":           "2024-03-01T12:00:00.000000Z",
		"mode":                    "game",
		"domain":                  "gameplay",
		"urgency":                 "normal",
		"user_text":               "lights and gear",
		"needs_tools":             true,
		"needs_clarification":     false,
		"clarification_questions": []any{},
		"retrieval":               map[string]any{"citation_ids": []any{}, "confidence": 0.0},
		"proposed_actions":        actions,
		"response_text":           "On it.",
	}, "test")
	require.NoError(t, err)
}

func lightsAction() map[string]any {
	return map[string]any{
		"action_id":             "action_set_lights",
		"tool_name":             "set_lights",
		"parameters":            map[string]any{"scene": "combat"},
		"safety_level":          "low_risk",
		"mode_constraints":      []any{"game"},
		"requires_confirmation": false,
		"timeout_ms":            1200,
		"reason":                "requested",
		"confidence":            0.9,
	}
}

func keypressAction() map[string]any {
	return map[string]any{
		"action_id":             "action_keypress_g",
		"tool_name":             "keypress",
		"parameters":            map[string]any{"keys": []any{"g"}},
		"safety_level":          "high_risk",
		"mode_constraints":      []any{"game"},
		"requires_confirmation": true,
		"timeout_ms":            800,
		"reason":                "requested",
		"confidence":            0.8,
	}
}

func TestExecuteActionsSuccessLifecycle(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{"scene": "combat"}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:      "req-1",
		WatchCondition: "STANDBY",
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-req-1", resp.IncidentID)
	assert.Equal(t, "STANDBY", resp.WatchCondition)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "success", resp.Results[0]["status"])

	require.Len(t, disp.calls, 1)
	assert.Equal(t, "set_lights", disp.calls[0].ToolName)
	assert.False(t, disp.calls[0].DryRun)

	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", actions[0].Status)

	for _, typ := range []string{"ACTION_APPROVED", "ACTION_EXECUTED", "TOOL_EXECUTE_RESULT"} {
		events, err := st.ListEvents(ctx, store.EventFilter{Type: typ})
		require.NoError(t, err)
		assert.Len(t, events, 1, typ)
	}
}

func TestExecuteActionsModeConstraintGate(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()

	action := lightsAction()
	action["mode_constraints"] = []any{"work"}
	seedIntent(t, st, "req-1", []any{action})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1", WatchCondition: "STANDBY"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "denied", resp.Results[0]["status"])
	assert.Equal(t, "DENY_MODE_CONSTRAINT", resp.Results[0]["reason_code"])
	assert.Empty(t, disp.calls, "denied actions never reach the dispatcher")

	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "denied", actions[0].Status)
}

func TestExecuteActionsHighRiskGate(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{keypressAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:         "req-1",
		WatchCondition:    "GAME",
		ForegroundProcess: "EliteDangerous64.exe",
	})
	require.NoError(t, err)
	assert.Equal(t, "denied", resp.Results[0]["status"])
	assert.Equal(t, "DENY_HIGH_RISK_NOT_ALLOWED", resp.Results[0]["reason_code"])
}

func TestExecuteActionsConfirmationPending(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{keypressAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:         "req-1",
		WatchCondition:    "GAME",
		AllowHighRisk:     true,
		ForegroundProcess: "EliteDangerous64.exe",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "requires_confirmation", resp.Results[0]["status"])
	assert.Equal(t, "DENY_NEEDS_CONFIRMATION", resp.Results[0]["reason_code"])
	assert.NotEmpty(t, resp.Results[0]["confirm_token"])
	assert.Empty(t, disp.calls)

	// Pending confirmation keeps the action in the queue for a retry.
	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "queued", actions[0].Status)

	events, err := st.ListEvents(ctx, store.EventFilter{Type: "ACTION_CONFIRMATION_REQUIRED"})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The user confirms; the same request now executes.
	resp, err = ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:         "req-1",
		WatchCondition:    "GAME",
		AllowHighRisk:     true,
		UserConfirmed:     true,
		ForegroundProcess: "EliteDangerous64.exe",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Results[0]["status"])
	require.Len(t, disp.calls, 1)
	assert.Equal(t, "keypress", disp.calls[0].ToolName)
}

func TestExecuteActionsTerminalIdempotency(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1", WatchCondition: "STANDBY"})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Results[0]["status"])

	resp, err = ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1", WatchCondition: "STANDBY"})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Results[0]["status"])
	assert.Equal(t, "already finalized", resp.Results[0]["result"])
	assert.Len(t, disp.calls, 1, "finalized actions never run twice")
}

func TestExecuteActionsTimeout(t *testing.T) {
	disp := &recordingDispatcher{block: true}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()

	action := lightsAction()
	action["timeout_ms"] = 100
	seedIntent(t, st, "req-1", []any{action})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1", WatchCondition: "STANDBY"})
	require.NoError(t, err)
	assert.Equal(t, "timeout", resp.Results[0]["status"])
	assert.Equal(t, "timeout", resp.Results[0]["error_code"])

	actions, err := st.ListActions(ctx, "req-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "timeout", actions[0].Status)

	events, err := st.ListEvents(ctx, store.EventFilter{Type: "ACTION_FAILED"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecuteActionsDryRunReachesDispatcher(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{"stubbed": true}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:      "req-1",
		WatchCondition: "STANDBY",
		DryRun:         true,
	})
	require.NoError(t, err)
	assert.True(t, resp.DryRun)
	assert.Equal(t, "success", resp.Results[0]["status"])
	require.Len(t, disp.calls, 1)
	assert.True(t, disp.calls[0].DryRun)
}

func TestExecuteActionsUnknownRequest(t *testing.T) {
	ex, _ := newTestExecutor(t, &recordingDispatcher{})
	_, err := ex.ExecuteActions(context.Background(), ExecuteRequest{RequestID: "req-missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteActionsActionSelection(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction(), keypressAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{
		RequestID:      "req-1",
		WatchCondition: "STANDBY",
		ActionIDs:      []string{"action_set_lights"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "action_set_lights", resp.Results[0]["action_id"])
}

func TestResolveWatchConditionFromState(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction()})

	_, err := st.SetState(ctx, store.StateItem{
		StateKey: "policy.watch_condition", StateValue: "WORK",
		Source: "test", ObservedAtUTC: "2024-03-01T12:00:00.000000Z",
	}, nil)
	require.NoError(t, err)

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "WORK", resp.WatchCondition)
	assert.Equal(t, "denied", resp.Results[0]["status"], "set_lights is denied on WORK watch")
	assert.Equal(t, "DENY_EXPLICITLY_DENIED", resp.Results[0]["reason_code"])
}

func TestResolveWatchConditionFromIntentMode(t *testing.T) {
	disp := &recordingDispatcher{output: map[string]any{}}
	ex, st := newTestExecutor(t, disp)
	ctx := context.Background()
	seedIntent(t, st, "req-1", []any{lightsAction()})

	resp, err := ex.ExecuteActions(ctx, ExecuteRequest{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "GAME", resp.WatchCondition, "intent mode maps onto the watch condition")
}
