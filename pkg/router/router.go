// Package router sits between callers and the Standing Orders engine:
// it canonicalizes tool names, manages confirmation tokens, logs every
// decision to the logbook and applies per-action confirmation metadata
// on top of the policy verdict.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/observability"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

// EventSink receives decision events. *store.Store satisfies it.
type EventSink interface {
	AppendEvent(ctx context.Context, ev store.Event) (string, error)
}

// Router gates individual tool calls.
type Router struct {
	engine  *policy.Engine
	events  EventSink
	logger  *slog.Logger
	clock   policy.Clock
	metrics *observability.Metrics
	source  string
}

// New builds a router. events may be nil; decisions are then only
// logged through the structured logger.
func New(engine *policy.Engine, events EventSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine: engine,
		events: events,
		logger: logger,
		clock:  policy.WallClock(),
		source: "brainstem_policy",
	}
}

// SetClock replaces the wall clock, for tests.
func (r *Router) SetClock(c policy.Clock) { r.clock = c }

// SetMetrics attaches decision counters. Nil is fine.
func (r *Router) SetMetrics(m *observability.Metrics) { r.metrics = m }

// BuildConfirmationToken derives the deterministic token a user must
// echo back to approve a gated tool call.
func BuildConfirmationToken(incidentID, toolKey string) string {
	short := incidentID
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("confirm-%s-%s", short, strings.ReplaceAll(toolKey, ".", "-"))
}

// RouteContext carries request metadata into decision events.
type RouteContext struct {
	RequestID string
	ActionID  string
	SessionID string
	Mode      string
}

// RouteInput is one gating question with its confirmation context.
type RouteInput struct {
	IncidentID                 string
	WatchCondition             string
	ToolName                   string
	Args                       map[string]any
	Source                     string
	STTConfidence              *float64
	ForegroundProcess          string
	UserConfirmed              bool
	UserConfirmToken           string
	ActionRequiresConfirmation bool
	Now                        time.Time // zero means "now"
	ConfirmationTime           time.Time // zero means evaluation time
	Context                    RouteContext
}

// RouteResult is the decision plus the canonical tool key. ConfirmToken
// is set only when the caller still owes a confirmation.
type RouteResult struct {
	Decision     policy.Decision
	ToolKey      string
	ConfirmToken string
}

// EvaluateAction records a fresh confirmation when the user just gave
// one, asks the engine, then overlays the action's own
// requires_confirmation metadata. The result always carries a usable
// confirmation token when one is still needed.
func (r *Router) EvaluateAction(ctx context.Context, in RouteInput) RouteResult {
	evalTime := in.Now
	if evalTime.IsZero() {
		evalTime = r.clock.Now()
	}
	toolKey := policy.CanonicalToolName(in.ToolName)

	confirmToken := strings.TrimSpace(in.UserConfirmToken)
	if confirmToken == "" {
		confirmToken = BuildConfirmationToken(in.IncidentID, toolKey)
	}

	if in.UserConfirmed {
		confirmedAt := in.ConfirmationTime
		if confirmedAt.IsZero() {
			confirmedAt = evalTime
		}
		r.engine.RecordConfirmation(in.IncidentID, toolKey, confirmToken, confirmedAt)
	}

	tokenForEval := ""
	if in.UserConfirmed || strings.TrimSpace(in.UserConfirmToken) != "" {
		tokenForEval = confirmToken
	}

	decision := r.engine.Evaluate(policy.ActionRequest{
		IncidentID:        in.IncidentID,
		WatchCondition:    in.WatchCondition,
		ToolName:          in.ToolName,
		Args:              in.Args,
		Source:            in.Source,
		STTConfidence:     in.STTConfidence,
		ForegroundProcess: in.ForegroundProcess,
		Now:               evalTime,
		UserConfirmToken:  tokenForEval,
	})

	// The proposal itself may demand confirmation even when standing
	// orders would let the tool through.
	if decision.Allowed && in.ActionRequiresConfirmation && !in.UserConfirmed {
		window := r.engine.ConfirmWindow()
		decision = policy.Decision{
			Allowed:              false,
			RequiresConfirmation: true,
			DenyReasonCode:       policy.ReasonDenyNeedsConfirmation,
			DenyReasonText:       "action metadata requires user confirmation",
			Constraints: map[string]any{
				"confirm_by_ts": float64(evalTime.Add(window).UnixNano()) / 1e9,
			},
		}
	}

	if decision.RequiresConfirmation {
		if _, ok := decision.Constraints["confirm_token"]; !ok {
			decision.Constraints["confirm_token"] = confirmToken
		}
	}

	r.logDecision(ctx, in, toolKey, decision)
	r.metrics.RecordDecision(ctx, decision.Allowed, decision.DenyReasonCode)

	result := RouteResult{Decision: decision, ToolKey: toolKey}
	if decision.RequiresConfirmation {
		result.ConfirmToken = confirmToken
	}
	return result
}

// ConfirmInput records an explicit user confirmation outside a routing
// pass (the /confirm endpoint).
type ConfirmInput struct {
	IncidentID       string
	ToolName         string
	UserConfirmToken string
	ConfirmedAt      time.Time // zero means "now"
	Context          RouteContext
}

// ConfirmResult echoes the canonical tool key and the effective token.
type ConfirmResult struct {
	ToolKey        string `json:"tool_name"`
	ConfirmToken   string `json:"confirm_token"`
	ConfirmedAtUTC string `json:"confirmed_at_utc"`
}

// Confirm registers a user confirmation in the ledger and mirrors it
// into the decision log as an explicit allow.
func (r *Router) Confirm(ctx context.Context, in ConfirmInput) ConfirmResult {
	toolKey := policy.CanonicalToolName(strings.TrimSpace(in.ToolName))
	confirmToken := strings.TrimSpace(in.UserConfirmToken)
	if confirmToken == "" {
		confirmToken = BuildConfirmationToken(in.IncidentID, toolKey)
	}
	confirmedAt := in.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = r.clock.Now()
	}
	r.engine.RecordConfirmation(in.IncidentID, toolKey, confirmToken, confirmedAt)

	confirmedAtUTC := contracts.FormatTimestamp(confirmedAt)
	correlationID := in.Context.RequestID
	if correlationID == "" {
		correlationID = in.IncidentID
	}
	if r.events != nil {
		_, err := r.events.AppendEvent(ctx, store.Event{
			Type:          "POLICY_DECISION",
			Source:        r.source,
			SessionID:     in.Context.SessionID,
			CorrelationID: correlationID,
			Mode:          in.Context.Mode,
			Severity:      "info",
			Tags:          []string{"policy", "standing_orders"},
			Payload: map[string]any{
				"incident_id": in.IncidentID,
				"tool_name":   toolKey,
				"decision": policy.Decision{
					Allowed:        true,
					DenyReasonCode: policy.ReasonAllow,
					Constraints: map[string]any{
						"recorded_confirmation": true,
						"confirmed_at_utc":      confirmedAtUTC,
					},
				},
				"context": map[string]any{
					"request_id": in.Context.RequestID,
				},
			},
		})
		if err != nil {
			r.logger.Warn("confirmation decision event write failed", "error", err)
		}
	}
	return ConfirmResult{ToolKey: toolKey, ConfirmToken: confirmToken, ConfirmedAtUTC: confirmedAtUTC}
}

func (r *Router) logDecision(ctx context.Context, in RouteInput, toolKey string, decision policy.Decision) {
	severity := "info"
	if !decision.Allowed {
		severity = "warn"
	}
	correlationID := in.Context.RequestID
	if correlationID == "" {
		correlationID = in.IncidentID
	}

	if r.events != nil {
		_, err := r.events.AppendEvent(ctx, store.Event{
			Type:          "POLICY_DECISION",
			Source:        r.source,
			SessionID:     in.Context.SessionID,
			CorrelationID: correlationID,
			Mode:          in.Context.Mode,
			Severity:      severity,
			Tags:          []string{"policy", "standing_orders"},
			Payload: map[string]any{
				"incident_id": in.IncidentID,
				"tool_name":   toolKey,
				"decision":    decision,
				"context": map[string]any{
					"request_id":         in.Context.RequestID,
					"action_id":          in.Context.ActionID,
					"watch_condition":    in.WatchCondition,
					"source":             in.Source,
					"stt_confidence":     in.STTConfidence,
					"foreground_process": in.ForegroundProcess,
				},
			},
		})
		if err == nil {
			return
		}
		r.logger.Warn("policy decision event write failed", "error", err)
	}

	r.logger.LogAttrs(ctx, slog.LevelInfo, "policy decision",
		slog.String("incident_id", in.IncidentID),
		slog.String("tool", toolKey),
		slog.Bool("allowed", decision.Allowed),
		slog.String("reason_code", decision.DenyReasonCode),
	)
}
