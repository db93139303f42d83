package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// sinkEvent captures AppendEvent calls without a database.
type eventSink struct {
	events []store.Event
}

func (s *eventSink) AppendEvent(ctx context.Context, ev store.Event) (string, error) {
	s.events = append(s.events, ev)
	return "ev-1", nil
}

const ordersDoc = `{
  "version": "1.0.0",
  "defaults": {
    "confirm_window_seconds": 12,
    "stt_min_confidence": 0.82,
    "ui_foreground_required_for_input": true
  },
  "watch_conditions": {
    "STANDBY": {"allowed_tools": ["sammi.*", "web.search"]},
    "GAME": {
      "allowed_tools": ["input.keypress", "sammi.*", "twitch.*", "web.search"],
      "guardrails": {"foreground_process_must_be": ["EliteDangerous64.exe"]},
      "confirmation": {"always": ["twitch.*"]}
    },
    "WORK": {"deny_tools": ["input.keypress"]},
    "TUTOR": {"inherits": "WORK"},
    "RESTRICTED": {"inherits": "GAME"},
    "DEGRADED": {"deny_tools": ["*"]}
  },
  "tool_policies": {
    "twitch.*": {"requires": ["recent_user_confirm"]}
  }
}`

var baseTS = time.Unix(1_700_000_000, 0).UTC()

func newTestRouter(t *testing.T) (*Router, *eventSink) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	require.NoError(t, os.WriteFile(path, []byte(ordersDoc), 0o644))
	engine, err := policy.NewEngine(path, nil)
	require.NoError(t, err)
	sink := &eventSink{}
	rt := New(engine, sink, nil)
	rt.SetClock(fixedClock{baseTS})
	return rt, sink
}

func TestBuildConfirmationToken(t *testing.T) {
	assert.Equal(t, "confirm-inc-20240101-twitch-redeem",
		BuildConfirmationToken("inc-20240101-abcdef", "twitch.redeem"))
	assert.Equal(t, "confirm-inc-1-input-keypress",
		BuildConfirmationToken("inc-1", "input.keypress"))
}

func TestEvaluateActionAllowLogsDecision(t *testing.T) {
	rt, sink := newTestRouter(t)
	res := rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:     "inc-1",
		WatchCondition: "STANDBY",
		ToolName:       "set_lights",
		Now:            baseTS,
		Context:        RouteContext{RequestID: "req-1"},
	})
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, "sammi.set_lights", res.ToolKey)
	assert.Empty(t, res.ConfirmToken)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "POLICY_DECISION", ev.Type)
	assert.Equal(t, "req-1", ev.CorrelationID)
	assert.Equal(t, "info", ev.Severity)
}

func TestEvaluateActionDenySeverityWarn(t *testing.T) {
	rt, sink := newTestRouter(t)
	res := rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:     "inc-1",
		WatchCondition: "DEGRADED",
		ToolName:       "set_lights",
		Now:            baseTS,
	})
	assert.False(t, res.Decision.Allowed)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "warn", sink.events[0].Severity)
	assert.Equal(t, "inc-1", sink.events[0].CorrelationID, "incident id used when no request id")
}

func TestEvaluateActionConfirmationTokenSurfaces(t *testing.T) {
	rt, _ := newTestRouter(t)
	res := rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:     "inc-20240101-abc",
		WatchCondition: "GAME",
		ToolName:       "twitch.redeem",
		Now:            baseTS,
	})
	assert.False(t, res.Decision.Allowed)
	assert.True(t, res.Decision.RequiresConfirmation)
	assert.Equal(t, "confirm-inc-20240101-twitch-redeem", res.ConfirmToken)
	assert.Equal(t, res.ConfirmToken, res.Decision.Constraints["confirm_token"])
}

func TestEvaluateActionUserConfirmedRecordsAndPasses(t *testing.T) {
	rt, _ := newTestRouter(t)
	in := RouteInput{
		IncidentID:     "inc-1",
		WatchCondition: "GAME",
		ToolName:       "twitch.redeem",
		UserConfirmed:  true,
		Now:            baseTS,
	}
	res := rt.EvaluateAction(context.Background(), in)
	assert.True(t, res.Decision.Allowed, res.Decision.DenyReasonText)

	// The recorded confirmation also satisfies a later call that echoes
	// the token within the window.
	res = rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:       "inc-1",
		WatchCondition:   "GAME",
		ToolName:         "twitch.redeem",
		UserConfirmToken: BuildConfirmationToken("inc-1", "twitch.redeem"),
		Now:              baseTS.Add(5 * time.Second),
	})
	assert.True(t, res.Decision.Allowed, res.Decision.DenyReasonText)

	// Past the window the same token is stale.
	res = rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:       "inc-1",
		WatchCondition:   "GAME",
		ToolName:         "twitch.redeem",
		UserConfirmToken: BuildConfirmationToken("inc-1", "twitch.redeem"),
		Now:              baseTS.Add(30 * time.Second),
	})
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, policy.ReasonDenyConfirmationExpired, res.Decision.DenyReasonCode)
}

func TestEvaluateActionMetadataGate(t *testing.T) {
	rt, _ := newTestRouter(t)
	res := rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:                 "inc-1",
		WatchCondition:             "STANDBY",
		ToolName:                   "set_lights",
		ActionRequiresConfirmation: true,
		Now:                        baseTS,
	})
	assert.False(t, res.Decision.Allowed)
	assert.True(t, res.Decision.RequiresConfirmation)
	assert.Equal(t, policy.ReasonDenyNeedsConfirmation, res.Decision.DenyReasonCode)
	assert.NotEmpty(t, res.ConfirmToken)

	// Confirmed by the user, the metadata gate opens.
	res = rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:                 "inc-1",
		WatchCondition:             "STANDBY",
		ToolName:                   "set_lights",
		ActionRequiresConfirmation: true,
		UserConfirmed:              true,
		Now:                        baseTS,
	})
	assert.True(t, res.Decision.Allowed)
}

func TestConfirmRecordsLedgerEntry(t *testing.T) {
	rt, sink := newTestRouter(t)
	result := rt.Confirm(context.Background(), ConfirmInput{
		IncidentID:  "inc-1",
		ToolName:    "twitch.redeem",
		ConfirmedAt: baseTS,
		Context:     RouteContext{RequestID: "req-1"},
	})
	assert.Equal(t, "twitch.redeem", result.ToolKey)
	assert.Equal(t, "confirm-inc-1-twitch-redeem", result.ConfirmToken)
	assert.Equal(t, "2023-11-14T22:13:20.000000Z", result.ConfirmedAtUTC)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "POLICY_DECISION", sink.events[0].Type)

	// The recorded confirmation satisfies evaluation inside the window.
	res := rt.EvaluateAction(context.Background(), RouteInput{
		IncidentID:       "inc-1",
		WatchCondition:   "GAME",
		ToolName:         "twitch.redeem",
		UserConfirmToken: result.ConfirmToken,
		Now:              baseTS.Add(3 * time.Second),
	})
	assert.True(t, res.Decision.Allowed, res.Decision.DenyReasonText)
}
