// Package server is the thin JSON surface over the brainstem core. It
// validates payloads, maps typed errors to status codes and leaves all
// semantics to the packages behind it.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/watchkeeper-labs/brainstem/pkg/assist"
	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/executor"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

const maxBodyBytes = 1 << 20

// defaultSource labels writes whose caller sent no X-Source header.
const defaultSource = "brainstem_api"

// Server wires the HTTP handlers to the core services.
type Server struct {
	store    *store.Store
	engine   *policy.Engine
	executor *executor.Executor
	assist   *assist.Orchestrator
	logger   *slog.Logger
	clock    policy.Clock
}

// New builds a server.
func New(st *store.Store, engine *policy.Engine, exec *executor.Executor, orch *assist.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		engine:   engine,
		executor: exec,
		assist:   orch,
		logger:   logger,
		clock:    policy.WallClock(),
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Server) SetClock(c policy.Clock) { s.clock = c }

// Handler returns the routed handler without middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/policy/audit", s.handlePolicyAudit)
	mux.HandleFunc("/intent", s.handleIntent)
	mux.HandleFunc("/assist", s.handleAssist)
	mux.HandleFunc("/confirm", s.handleConfirm)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// handleNotFound keeps unknown routes on the JSON error envelope
// instead of ServeMux's plain-text fallback.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("no such route: %s", r.URL.Path))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	version, valid := s.engine.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ok",
		"time":   contracts.FormatTimestamp(s.clock.Now()),
		"policy": map[string]any{"version": version, "valid": valid},
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listState(w, r)
	case http.MethodPost:
		s.ingestState(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listState(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		item, err := s.store.GetState(r.Context(), key)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": item})
		return
	}
	items, err := s.store.ListState(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []store.StateItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func (s *Server) ingestState(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateStateIngest(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}

	emitEvents := true
	if v, present := payload["emit_events"].(bool); present {
		emitEvents = v
	}
	now := contracts.FormatTimestamp(s.clock.Now())
	rawItems := payload["items"].([]any)
	items := make([]store.StateItem, 0, len(rawItems))
	for _, raw := range rawItems {
		obj := raw.(map[string]any)
		item := store.StateItem{
			StateKey:      obj["state_key"].(string),
			StateValue:    obj["state_value"],
			Source:        obj["source"].(string),
			ObservedAtUTC: now,
		}
		if c, ok := obj["confidence"].(float64); ok {
			item.Confidence = &c
		}
		if at, ok := obj["observed_at_utc"].(string); ok && at != "" {
			item.ObservedAtUTC = at
		}
		items = append(items, item)
	}

	var ev *store.StateEvent
	if emitEvents {
		sessionID, _ := payload["session_id"].(string)
		correlationID, _ := payload["correlation_id"].(string)
		profile, _ := payload["profile"].(string)
		ev = &store.StateEvent{
			Source:        sourceOf(r),
			Profile:       profile,
			SessionID:     sessionID,
			CorrelationID: correlationID,
		}
	}

	results, err := s.store.BatchSetState(r.Context(), items, ev)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{
		Type:          q.Get("type"),
		SessionID:     q.Get("session_id"),
		CorrelationID: q.Get("correlation_id"),
		Since:         q.Get("since"),
		Limit:         intQuery(q.Get("limit")),
	}
	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	deniedOnly := q.Get("denied_only") == "true" || q.Get("denied_only") == "1"
	events, err := s.store.RecentPolicyAudit(r.Context(), intQuery(q.Get("limit")), deniedOnly)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateIntent(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	queued, err := s.store.UpsertIntent(r.Context(), payload, sourceOf(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"request_id":     payload["request_id"],
		"queued_actions": queued,
	})
}

func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateAssist(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.engine.MaybeReload()

	req := assist.Request{
		IncidentID:     stringField(payload, "incident_id"),
		UserText:       stringField(payload, "user_text"),
		Mode:           stringField(payload, "mode"),
		Domain:         stringField(payload, "domain"),
		Urgency:        stringField(payload, "urgency"),
		WatchCondition: strings.ToUpper(stringField(payload, "watch_condition")),
		SessionID:      stringField(payload, "session_id"),
		Source:         sourceOf(r),
	}
	if c, ok := payload["stt_confidence"].(float64); ok {
		req.STTConfidence = &c
	}

	resp, err := s.assist.Handle(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := map[string]any{
		"ok":                 true,
		"request_id":         resp.RequestID,
		"incident_id":        resp.IncidentID,
		"watch_condition":    resp.WatchCondition,
		"proposal":           resp.Proposal,
		"queued_actions":     resp.QueuedActions,
		"policy_preview":     resp.PolicyPreview,
		"needs_confirmation": resp.NeedsConfirmation,
		"advisory":           resp.Advisory,
	}

	// auto_execute runs the freshly queued actions in the same call.
	if payload["auto_execute"] == true && resp.Advisory.Validation == "ok" && resp.QueuedActions > 0 {
		execResp, err := s.executor.ExecuteActions(r.Context(), executor.ExecuteRequest{
			RequestID:      resp.RequestID,
			IncidentID:     resp.IncidentID,
			WatchCondition: resp.WatchCondition,
			DryRun:         payload["dry_run"] == true,
			AllowHighRisk:  payload["allow_high_risk"] == true,
			UserConfirmed:  payload["user_confirmed"] == true,
			ConfirmedAtUTC: stringField(payload, "confirmed_at_utc"),
			STTConfidence:  req.STTConfidence,
			Source:         req.Source,
			SessionID:      req.SessionID,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		out["execution"] = execResp
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateConfirm(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.engine.MaybeReload()

	result, err := s.assist.Confirm(r.Context(), assist.ConfirmRequest{
		IncidentID:       stringField(payload, "incident_id"),
		ToolName:         stringField(payload, "tool_name"),
		UserConfirmToken: stringField(payload, "user_confirm_token"),
		ConfirmedAtUTC:   stringField(payload, "confirmed_at_utc"),
		RequestID:        stringField(payload, "request_id"),
		SessionID:        stringField(payload, "session_id"),
		Mode:             stringField(payload, "mode"),
		Source:           sourceOf(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"incident_id":      payload["incident_id"],
		"tool_name":        result.ToolKey,
		"confirm_token":    result.ConfirmToken,
		"confirmed_at_utc": result.ConfirmedAtUTC,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateExecute(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.engine.MaybeReload()

	req := executor.ExecuteRequest{
		RequestID:        stringField(payload, "request_id"),
		IncidentID:       stringField(payload, "incident_id"),
		WatchCondition:   strings.ToUpper(stringField(payload, "watch_condition")),
		DryRun:           payload["dry_run"] == true,
		AllowHighRisk:    payload["allow_high_risk"] == true,
		UserConfirmed:    payload["user_confirmed"] == true,
		UserConfirmToken: stringField(payload, "user_confirm_token"),
		ConfirmedAtUTC:   stringField(payload, "confirmed_at_utc"),
		Source:           sourceOf(r),
		SessionID:        stringField(payload, "session_id"),
	}
	if c, ok := payload["stt_confidence"].(float64); ok {
		req.STTConfidence = &c
	}
	if ids, ok := payload["action_ids"].([]any); ok {
		for _, id := range ids {
			if v, ok := id.(string); ok {
				req.ActionIDs = append(req.ActionIDs, v)
			}
		}
	}

	resp, err := s.executor.ExecuteActions(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"request_id":      resp.RequestID,
		"incident_id":     resp.IncidentID,
		"watch_condition": resp.WatchCondition,
		"dry_run":         resp.DryRun,
		"results":         resp.Results,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := decodeBody(w, r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := contracts.ValidateFeedback(payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	rating := int(payload["rating"].(float64))
	fb := store.Feedback{
		RequestID:      stringField(payload, "request_id"),
		Rating:         rating,
		CorrectionText: stringField(payload, "correction_text"),
		Reviewer:       stringField(payload, "reviewer"),
		SessionID:      stringField(payload, "session_id"),
		Mode:           stringField(payload, "mode"),
	}
	if err := s.store.RecordFeedback(r.Context(), fb); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": fb.RequestID})
}

// writeServiceError maps typed errors onto the wire contract.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case contracts.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case err == store.ErrNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case strings.Contains(err.Error(), "UNIQUE constraint"):
		writeError(w, http.StatusConflict, "conflict")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, &contracts.ValidationError{Reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return payload, nil
}

func sourceOf(r *http.Request) string {
	if src := strings.TrimSpace(r.Header.Get("X-Source")); src != "" {
		return src
	}
	return defaultSource
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func intQuery(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// NewHTTPServer wraps the handler with conservative timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
