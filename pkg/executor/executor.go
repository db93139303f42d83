// Package executor drives the action lifecycle: queued actions are
// re-checked against mode constraints, the high-risk gate and the
// Standing Orders engine, then dispatched to actuators with a deadline.
// Every transition lands in the logbook.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/observability"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/router"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

// DefaultWatchCondition applies when neither the request, the state
// store nor the intent mode pins one down.
const DefaultWatchCondition = "STANDBY"

const defaultActionTimeout = 10 * time.Second

// ExecuteRequest asks for some or all actions of a stored intent to run.
type ExecuteRequest struct {
	RequestID         string
	IncidentID        string
	ActionIDs         []string
	WatchCondition    string
	DryRun            bool
	AllowHighRisk     bool
	UserConfirmed     bool
	UserConfirmToken  string
	ConfirmedAtUTC    string
	STTConfidence     *float64
	ForegroundProcess string
	Source            string
	SessionID         string
}

// ExecuteResponse reports per-action outcomes plus the resolved context.
type ExecuteResponse struct {
	RequestID      string           `json:"request_id"`
	IncidentID     string           `json:"incident_id"`
	WatchCondition string           `json:"watch_condition"`
	DryRun         bool             `json:"dry_run"`
	Results        []map[string]any `json:"results"`
}

// Executor runs queued actions through policy and actuators.
type Executor struct {
	store      *store.Store
	router     *router.Router
	dispatcher Dispatcher
	prober     Prober
	logger     *slog.Logger
	clock      policy.Clock
	metrics    *observability.Metrics
	source     string
}

// New builds an executor. dispatcher must not be nil; prober may be.
func New(st *store.Store, rt *router.Router, dispatcher Dispatcher, prober Prober, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if prober == nil {
		prober = NoProbe()
	}
	return &Executor{
		store:      st,
		router:     rt,
		dispatcher: dispatcher,
		prober:     prober,
		logger:     logger,
		clock:      policy.WallClock(),
		source:     "brainstem_executor",
	}
}

// SetClock replaces the wall clock, for tests.
func (e *Executor) SetClock(c policy.Clock) { e.clock = c }

// SetMetrics attaches action counters. Nil is fine.
func (e *Executor) SetMetrics(m *observability.Metrics) { e.metrics = m }

// ExecuteActions runs the selected actions of an intent in queue order.
// Missing request ids surface store.ErrNotFound.
func (e *Executor) ExecuteActions(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	intent, err := e.store.GetIntent(ctx, req.RequestID)
	if err != nil {
		return ExecuteResponse{}, err
	}

	incidentID := strings.TrimSpace(req.IncidentID)
	if incidentID == "" {
		incidentID = "inc-" + req.RequestID
	}
	watchCondition := e.resolveWatchCondition(ctx, req.WatchCondition, intent.Mode)

	foreground := req.ForegroundProcess
	if foreground == "" {
		fg, err := e.prober.ForegroundProcess(ctx)
		if err != nil {
			e.logger.Warn("foreground probe failed", "error", err)
		} else {
			foreground = fg
		}
	}

	actions, err := e.store.ListActions(ctx, req.RequestID, req.ActionIDs)
	if err != nil {
		return ExecuteResponse{}, err
	}

	resp := ExecuteResponse{
		RequestID:      req.RequestID,
		IncidentID:     incidentID,
		WatchCondition: watchCondition,
		DryRun:         req.DryRun,
		Results:        make([]map[string]any, 0, len(actions)),
	}
	for _, action := range actions {
		resp.Results = append(resp.Results,
			e.runAction(ctx, req, intent, action, incidentID, watchCondition, foreground))
	}
	return resp, nil
}

// resolveWatchCondition picks the active watch condition: explicit
// request, then the policy and system state keys, then the intent mode,
// then the standby default.
func (e *Executor) resolveWatchCondition(ctx context.Context, explicit, mode string) string {
	if c := strings.TrimSpace(explicit); c != "" {
		return c
	}
	for _, key := range []string{"policy.watch_condition", "system.watch_condition"} {
		item, err := e.store.GetState(ctx, key)
		if err != nil {
			continue
		}
		if c, ok := item.StateValue.(string); ok && strings.TrimSpace(c) != "" {
			return c
		}
	}
	if c := strings.ToUpper(strings.TrimSpace(mode)); contracts.WatchConditionSet[c] {
		return c
	}
	return DefaultWatchCondition
}

func (e *Executor) runAction(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	action store.ActionRow, incidentID, watchCondition, foreground string) map[string]any {

	if store.TerminalActionStatuses[action.Status] {
		return map[string]any{
			"action_id": action.ActionID,
			"status":    action.Status,
			"result":    "already finalized",
		}
	}

	if len(action.Params.ModeConstraints) > 0 && !containsString(action.Params.ModeConstraints, intent.Mode) {
		reason := fmt.Sprintf("mode %q not in action mode_constraints", intent.Mode)
		return e.denyAction(ctx, req, intent, action, incidentID, watchCondition,
			"DENY_MODE_CONSTRAINT", reason)
	}
	if action.SafetyLevel == "high_risk" && !req.AllowHighRisk {
		return e.denyAction(ctx, req, intent, action, incidentID, watchCondition,
			"DENY_HIGH_RISK_NOT_ALLOWED", "high_risk action requires allow_high_risk=true")
	}

	var confirmedAt time.Time
	if req.ConfirmedAtUTC != "" {
		if t, err := contracts.ParseTimestamp(req.ConfirmedAtUTC); err == nil {
			confirmedAt = t
		}
	}
	route := e.router.EvaluateAction(ctx, router.RouteInput{
		IncidentID:                 incidentID,
		WatchCondition:             watchCondition,
		ToolName:                   action.ToolName,
		Args:                       action.Params.Parameters,
		Source:                     orDefault(req.Source, e.source),
		STTConfidence:              req.STTConfidence,
		ForegroundProcess:          foreground,
		UserConfirmed:              req.UserConfirmed,
		UserConfirmToken:           req.UserConfirmToken,
		ActionRequiresConfirmation: action.Params.RequiresConfirmation,
		ConfirmationTime:           confirmedAt,
		Context: router.RouteContext{
			RequestID: req.RequestID,
			ActionID:  action.ActionID,
			SessionID: orDefault(req.SessionID, intent.SessionID),
			Mode:      intent.Mode,
		},
	})
	decision := route.Decision

	if decision.RequiresConfirmation {
		return e.confirmationPending(ctx, req, intent, action, incidentID, watchCondition, route)
	}
	if !decision.Allowed {
		return e.denyAction(ctx, req, intent, action, incidentID, watchCondition,
			decision.DenyReasonCode, decision.DenyReasonText)
	}

	if err := e.store.MarkActionApproved(ctx, action.ID); err != nil {
		e.logger.Error("approve action failed", "action_id", action.ActionID, "error", err)
	}
	e.emitActionEvent(ctx, req, intent, action, "ACTION_APPROVED", "info",
		[]string{"assist", "action"}, map[string]any{
			"incident_id":     incidentID,
			"watch_condition": watchCondition,
			"tool_key":        route.ToolKey,
		})

	return e.dispatchAction(ctx, req, intent, action, incidentID, watchCondition, foreground, route.ToolKey)
}

func (e *Executor) dispatchAction(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	action store.ActionRow, incidentID, watchCondition, foreground, toolKey string) map[string]any {

	timeout := defaultActionTimeout
	if action.Params.TimeoutMS > 0 {
		timeout = time.Duration(action.Params.TimeoutMS) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.dispatcher.Execute(execCtx, ToolCall{
		RequestID:         req.RequestID,
		ActionID:          action.ActionID,
		ToolName:          action.ToolName,
		Parameters:        action.Params.Parameters,
		DryRun:            req.DryRun,
		ForegroundProcess: foreground,
	})

	if err != nil {
		status, errorCode := "error", "execution_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			status, errorCode = "timeout", "timeout"
		}
		if dbErr := e.store.FinalizeAction(ctx, action.ID, status, nil, errorCode, err.Error()); dbErr != nil {
			e.logger.Error("finalize action failed", "action_id", action.ActionID, "error", dbErr)
		}
		e.logExecuteResult(ctx, req, intent, incidentID, toolKey, false, err.Error())
		e.emitActionEvent(ctx, req, intent, action, "ACTION_FAILED", "error",
			[]string{"assist", "error"}, map[string]any{
				"incident_id": incidentID,
				"error_code":  errorCode,
				"error":       err.Error(),
			})
		e.metrics.RecordActionFinalized(ctx, status)
		return map[string]any{
			"action_id":  action.ActionID,
			"status":     status,
			"error_code": errorCode,
			"error":      err.Error(),
		}
	}

	if dbErr := e.store.FinalizeAction(ctx, action.ID, "success", output, "", ""); dbErr != nil {
		e.logger.Error("finalize action failed", "action_id", action.ActionID, "error", dbErr)
	}
	e.logExecuteResult(ctx, req, intent, incidentID, toolKey, true, output)
	e.emitActionEvent(ctx, req, intent, action, "ACTION_EXECUTED", "info",
		[]string{"assist", "action"}, map[string]any{
			"incident_id": incidentID,
			"output":      output,
		})
	e.metrics.RecordActionFinalized(ctx, "success")
	return map[string]any{
		"action_id": action.ActionID,
		"status":    "success",
		"output":    output,
	}
}

func (e *Executor) confirmationPending(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	action store.ActionRow, incidentID, watchCondition string, route router.RouteResult) map[string]any {

	decision := route.Decision
	if err := e.store.MarkActionConfirmationPending(ctx, action.ID,
		decision.DenyReasonCode, decision.DenyReasonText); err != nil {
		e.logger.Error("mark confirmation pending failed", "action_id", action.ActionID, "error", err)
	}

	eventType := "ACTION_CONFIRMATION_REQUIRED"
	tags := []string{"assist", "confirm", "required"}
	if decision.DenyReasonCode == policy.ReasonDenyConfirmationExpired {
		eventType = "ACTION_CONFIRMATION_EXPIRED"
		tags = []string{"assist", "confirm", "expired"}
	}
	e.emitActionEvent(ctx, req, intent, action, eventType, "warn", tags, map[string]any{
		"incident_id":     incidentID,
		"watch_condition": watchCondition,
		"reason_code":     decision.DenyReasonCode,
		"confirm_token":   route.ConfirmToken,
		"constraints":     decision.Constraints,
	})

	return map[string]any{
		"action_id":       action.ActionID,
		"status":          "requires_confirmation",
		"reason_code":     decision.DenyReasonCode,
		"reason":          decision.DenyReasonText,
		"confirm_token":   route.ConfirmToken,
		"constraints":     decision.Constraints,
		"incident_id":     incidentID,
		"watch_condition": watchCondition,
	}
}

func (e *Executor) denyAction(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	action store.ActionRow, incidentID, watchCondition, reasonCode, reason string) map[string]any {

	if err := e.store.MarkActionDenied(ctx, action.ID, reasonCode, reason); err != nil {
		e.logger.Error("mark action denied failed", "action_id", action.ActionID, "error", err)
	}
	e.emitActionEvent(ctx, req, intent, action, "ACTION_DENIED", "warn",
		[]string{"assist", "deny"}, map[string]any{
			"incident_id":     incidentID,
			"watch_condition": watchCondition,
			"reason_code":     reasonCode,
			"reason":          reason,
		})
	e.metrics.RecordActionFinalized(ctx, "denied")
	return map[string]any{
		"action_id":   action.ActionID,
		"status":      "denied",
		"reason_code": reasonCode,
		"reason":      reason,
	}
}

// logExecuteResult mirrors every actuator outcome into the audit trail.
func (e *Executor) logExecuteResult(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	incidentID, toolKey string, ok bool, resultOrError any) {

	severity := "info"
	payload := map[string]any{
		"incident_id": incidentID,
		"tool_name":   toolKey,
		"ok":          ok,
	}
	if ok {
		payload["result"] = resultOrError
	} else {
		severity = "error"
		payload["error"] = resultOrError
	}
	_, err := e.store.AppendEvent(ctx, store.Event{
		Type:          "TOOL_EXECUTE_RESULT",
		Source:        e.source,
		SessionID:     orDefault(req.SessionID, intent.SessionID),
		CorrelationID: req.RequestID,
		Mode:          intent.Mode,
		Severity:      severity,
		Payload:       payload,
		Tags:          []string{"policy", "standing_orders"},
	})
	if err != nil {
		e.logger.Warn("tool execute result event write failed", "error", err)
	}
}

func (e *Executor) emitActionEvent(ctx context.Context, req ExecuteRequest, intent store.IntentRow,
	action store.ActionRow, eventType, severity string, tags []string, payload map[string]any) {

	payload["request_id"] = req.RequestID
	payload["action_id"] = action.ActionID
	payload["tool_name"] = action.ToolName
	_, err := e.store.AppendEvent(ctx, store.Event{
		Type:          eventType,
		Source:        e.source,
		SessionID:     orDefault(req.SessionID, intent.SessionID),
		CorrelationID: req.RequestID,
		Mode:          intent.Mode,
		Severity:      severity,
		Payload:       payload,
		Tags:          tags,
	})
	if err != nil {
		e.logger.Warn("action event write failed", "event_type", eventType, "error", err)
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
