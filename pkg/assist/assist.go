// Package assist glues the planner to the policy layer: one assist
// request becomes a validated intent proposal, a persisted action
// queue, and a per-action policy preview, with an ASSIST_* audit trail
// keyed by the proposal's request id.
package assist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/watchkeeper-labs/brainstem/pkg/advisory"
	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/observability"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/router"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

// Request is one validated assist payload.
type Request struct {
	IncidentID     string
	UserText       string
	Mode           string
	Domain         string
	Urgency        string
	WatchCondition string
	STTConfidence  *float64
	SessionID      string
	Source         string
}

// ActionPreview is the policy verdict for one proposed action before
// anything executes.
type ActionPreview struct {
	ActionID     string          `json:"action_id"`
	ToolName     string          `json:"tool_name"`
	Decision     policy.Decision `json:"decision"`
	ConfirmToken string          `json:"confirm_token,omitempty"`
}

// Response is the assist round-trip result.
type Response struct {
	RequestID         string          `json:"request_id"`
	IncidentID        string          `json:"incident_id"`
	WatchCondition    string          `json:"watch_condition,omitempty"`
	Proposal          map[string]any  `json:"proposal"`
	QueuedActions     int             `json:"queued_actions"`
	PolicyPreview     []ActionPreview `json:"policy_preview"`
	NeedsConfirmation bool            `json:"needs_confirmation"`
	Advisory          advisory.Meta   `json:"advisory"`
}

// Orchestrator runs the assist chain.
type Orchestrator struct {
	store    *store.Store
	router   *router.Router
	advisory *advisory.Client
	logger   *slog.Logger
	clock    policy.Clock
	metrics  *observability.Metrics
	source   string
	defaults DefaultContext
}

// DefaultContext fills assist fields the caller left blank.
type DefaultContext struct {
	Mode           string
	WatchCondition string
}

// New builds an orchestrator.
func New(st *store.Store, rt *router.Router, adv *advisory.Client, defaults DefaultContext, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Mode == "" {
		defaults.Mode = "standby"
	}
	if defaults.WatchCondition == "" {
		defaults.WatchCondition = "STANDBY"
	}
	return &Orchestrator{
		store:    st,
		router:   rt,
		advisory: adv,
		logger:   logger,
		clock:    policy.WallClock(),
		source:   "brainstem_assist",
		defaults: defaults,
	}
}

// SetClock replaces the wall clock, for tests.
func (o *Orchestrator) SetClock(c policy.Clock) { o.clock = c }

// SetMetrics attaches assist counters. Nil is fine.
func (o *Orchestrator) SetMetrics(m *observability.Metrics) { o.metrics = m }

// requestIDHint backstops proposals that arrive without a request id.
func requestIDHint() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Handle runs one assist request through planner, validation,
// persistence and policy preview.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	mode := req.Mode
	if !contracts.ModeSet[mode] {
		mode = o.defaults.Mode
	}
	source := req.Source
	if source == "" {
		source = o.source
	}
	hint := requestIDHint()

	input := advisory.ProposalInput{
		UserText:  req.UserText,
		Mode:      mode,
		Domain:    req.Domain,
		Urgency:   req.Urgency,
		SessionID: req.SessionID,
	}
	fallback := advisory.BuildFallbackProposal(input, o.clock)
	proposal, meta := o.advisory.GenerateIntentProposal(ctx, advisory.BuildPrompt(input), fallback)
	requestID, _ := proposal["request_id"].(string)
	if requestID == "" {
		requestID = hint
	}
	incidentID := strings.TrimSpace(req.IncidentID)
	if incidentID == "" {
		incidentID = "inc-" + requestID
	}
	sessionID, _ := proposal["session_id"].(string)
	proposalMode, _ := proposal["mode"].(string)

	// The summary is keyed by the proposal's request id so the whole
	// chain shares one correlation id; the hint only fills in when the
	// planner fails before assigning one.
	o.emit(ctx, store.Event{
		Type:          "ASSIST_REQUEST_SUMMARY",
		Source:        source,
		SessionID:     req.SessionID,
		CorrelationID: requestID,
		Mode:          mode,
		Payload: map[string]any{
			"request_id":      requestID,
			"incident_id":     incidentID,
			"mode":            mode,
			"domain":          req.Domain,
			"urgency":         req.Urgency,
			"watch_condition": req.WatchCondition,
			"user_text_chars": len(req.UserText),
		},
		Tags: []string{"assist", "request"},
	})

	o.metrics.RecordAssist(ctx, meta.Validation)

	if meta.Validation != advisory.ValidationOK {
		o.emit(ctx, store.Event{
			Type:          "ASSIST_PROPOSAL_INVALID",
			Source:        source,
			SessionID:     sessionID,
			CorrelationID: requestID,
			Mode:          proposalMode,
			Severity:      "warn",
			Payload: map[string]any{
				"request_id":       requestID,
				"incident_id":      incidentID,
				"provider":         meta.Provider,
				"parse_mode":       meta.ParseMode,
				"validation_error": meta.Error,
			},
			Tags: []string{"assist", "proposal", "invalid"},
		})
		return Response{
			RequestID:     requestID,
			IncidentID:    incidentID,
			Proposal:      proposal,
			PolicyPreview: []ActionPreview{},
			Advisory:      meta,
		}, nil
	}

	actions, _ := proposal["proposed_actions"].([]any)
	o.emit(ctx, store.Event{
		Type:          "ASSIST_PROPOSAL_RECEIVED",
		Source:        source,
		SessionID:     sessionID,
		CorrelationID: requestID,
		Mode:          proposalMode,
		Payload: map[string]any{
			"request_id":    requestID,
			"incident_id":   incidentID,
			"provider":      meta.Provider,
			"parse_mode":    meta.ParseMode,
			"actions_count": len(actions),
		},
		Tags: []string{"assist", "proposal", "received"},
	})

	if err := contracts.ValidateIntent(proposal); err != nil {
		// The advisory client already validated; reaching here means the
		// proposal was mutated in between, which is a bug, not user error.
		return Response{}, fmt.Errorf("assist: proposal failed re-validation: %w", err)
	}

	watchCondition := o.resolveWatchCondition(ctx, req.WatchCondition, proposalMode)
	o.emit(ctx, store.Event{
		Type:          "ASSIST_PROPOSAL_VALIDATED",
		Source:        source,
		SessionID:     sessionID,
		CorrelationID: requestID,
		Mode:          proposalMode,
		Payload: map[string]any{
			"request_id":          requestID,
			"incident_id":         incidentID,
			"watch_condition":     watchCondition,
			"actions_count":       len(actions),
			"needs_clarification": proposal["needs_clarification"] == true,
		},
		Tags: []string{"assist", "proposal", "validated"},
	})

	queued, err := o.store.UpsertIntent(ctx, proposal, source)
	if err != nil {
		return Response{}, err
	}

	preview := make([]ActionPreview, 0, len(actions))
	needsConfirmation := false
	gated := 0
	for _, raw := range actions {
		action, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		actionID, _ := action["action_id"].(string)
		toolName, _ := action["tool_name"].(string)
		params, _ := action["parameters"].(map[string]any)
		route := o.router.EvaluateAction(ctx, router.RouteInput{
			IncidentID:                 incidentID,
			WatchCondition:             watchCondition,
			ToolName:                   toolName,
			Args:                       params,
			Source:                     source,
			STTConfidence:              req.STTConfidence,
			ActionRequiresConfirmation: action["requires_confirmation"] == true,
			Now:                        o.clock.Now(),
			Context: router.RouteContext{
				RequestID: requestID,
				ActionID:  actionID,
				SessionID: sessionID,
				Mode:      proposalMode,
			},
		})
		if route.Decision.RequiresConfirmation {
			needsConfirmation = true
			o.emit(ctx, store.Event{
				Type:          "ASSIST_CONFIRM_ISSUED",
				Source:        source,
				SessionID:     sessionID,
				CorrelationID: requestID,
				Mode:          proposalMode,
				Severity:      "warn",
				Payload: map[string]any{
					"request_id":    requestID,
					"incident_id":   incidentID,
					"action_id":     actionID,
					"tool_name":     toolName,
					"confirm_token": route.ConfirmToken,
					"reason_code":   route.Decision.DenyReasonCode,
					"constraints":   route.Decision.Constraints,
				},
				Tags: []string{"assist", "confirm", "issued"},
			})
		}
		if !route.Decision.Allowed {
			gated++
		}
		preview = append(preview, ActionPreview{
			ActionID:     actionID,
			ToolName:     toolName,
			Decision:     route.Decision,
			ConfirmToken: route.ConfirmToken,
		})
	}

	o.emit(ctx, store.Event{
		Type:          "ASSIST_POLICY_PREVIEW",
		Source:        source,
		SessionID:     sessionID,
		CorrelationID: requestID,
		Mode:          proposalMode,
		Payload: map[string]any{
			"request_id":      requestID,
			"incident_id":     incidentID,
			"watch_condition": watchCondition,
			"actions":         preview,
		},
		Tags: []string{"assist", "policy", "preview"},
	})
	o.emit(ctx, store.Event{
		Type:          "ASSIST_PROPOSAL",
		Source:        source,
		SessionID:     sessionID,
		CorrelationID: requestID,
		Mode:          proposalMode,
		Payload: map[string]any{
			"request_id":         requestID,
			"incident_id":        incidentID,
			"watch_condition":    watchCondition,
			"queued_actions":     queued,
			"gated_action_count": gated,
			"needs_confirmation": needsConfirmation,
			"advisory":           meta,
		},
		Tags: []string{"assist", "proposal"},
	})

	return Response{
		RequestID:         requestID,
		IncidentID:        incidentID,
		WatchCondition:    watchCondition,
		Proposal:          proposal,
		QueuedActions:     queued,
		PolicyPreview:     preview,
		NeedsConfirmation: needsConfirmation,
		Advisory:          meta,
	}, nil
}

// ConfirmRequest is one validated /confirm payload.
type ConfirmRequest struct {
	IncidentID       string
	ToolName         string
	UserConfirmToken string
	ConfirmedAtUTC   string
	RequestID        string
	SessionID        string
	Mode             string
	Source           string
}

// Confirm records a user confirmation and emits the audit pair
// USER_CONFIRMATION_RECORDED and ASSIST_CONFIRM_ACCEPTED.
func (o *Orchestrator) Confirm(ctx context.Context, req ConfirmRequest) (router.ConfirmResult, error) {
	source := req.Source
	if source == "" {
		source = o.source
	}
	confirmedAt := o.clock.Now()
	if req.ConfirmedAtUTC != "" {
		t, err := contracts.ParseTimestamp(req.ConfirmedAtUTC)
		if err != nil {
			return router.ConfirmResult{}, err
		}
		confirmedAt = t
	}

	result := o.router.Confirm(ctx, router.ConfirmInput{
		IncidentID:       strings.TrimSpace(req.IncidentID),
		ToolName:         req.ToolName,
		UserConfirmToken: req.UserConfirmToken,
		ConfirmedAt:      confirmedAt,
		Context: router.RouteContext{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Mode:      req.Mode,
		},
	})

	correlationID := req.RequestID
	if correlationID == "" {
		correlationID = req.IncidentID
	}
	payload := map[string]any{
		"incident_id":      req.IncidentID,
		"tool_name":        result.ToolKey,
		"confirm_token":    result.ConfirmToken,
		"confirmed_at_utc": result.ConfirmedAtUTC,
		"request_id":       req.RequestID,
	}
	o.emit(ctx, store.Event{
		Type:          "USER_CONFIRMATION_RECORDED",
		Source:        source,
		SessionID:     req.SessionID,
		CorrelationID: correlationID,
		Mode:          req.Mode,
		Payload:       payload,
	})
	o.emit(ctx, store.Event{
		Type:          "ASSIST_CONFIRM_ACCEPTED",
		Source:        source,
		SessionID:     req.SessionID,
		CorrelationID: correlationID,
		Mode:          req.Mode,
		Payload:       payload,
		Tags:          []string{"assist", "confirm", "accepted"},
	})
	return result, nil
}

// resolveWatchCondition mirrors the executor's resolution: explicit
// request, persisted state, then the proposal's mode.
func (o *Orchestrator) resolveWatchCondition(ctx context.Context, explicit, mode string) string {
	if c := strings.ToUpper(strings.TrimSpace(explicit)); c != "" {
		return c
	}
	for _, key := range []string{"policy.watch_condition", "system.watch_condition"} {
		item, err := o.store.GetState(ctx, key)
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
	return o.defaults.WatchCondition
}

func (o *Orchestrator) emit(ctx context.Context, ev store.Event) {
	if _, err := o.store.AppendEvent(ctx, ev); err != nil {
		o.logger.Warn("assist event write failed", "event_type", ev.Type, "error", err)
	}
}
