package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type confirmationRecord struct {
	incidentID string
	toolKey    string
	token      string
	ts         time.Time
}

// confirmationRetention bounds how long ledger entries are kept. The
// effective confirmation window is much shorter; this only caps memory.
const confirmationRetention = time.Hour

// rateWindow is the sliding interval for all rate limits.
const rateWindow = 60 * time.Second

// Engine evaluates action requests against the Standing Orders
// document. One mutex guards the document, the confirmation ledger and
// the rate windows; no I/O happens while it is held.
type Engine struct {
	logger *slog.Logger

	mu            sync.Mutex
	path          string
	mtime         time.Time
	doc           *Document
	loadErr       error
	confirmations []confirmationRecord
	rateWindows   map[string][]time.Time
}

// NewEngine loads the Standing Orders file at path. The engine is
// returned even when the initial load fails; it then denies everything
// with DENY_POLICY_INVALID until a valid file appears.
func NewEngine(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:      logger,
		path:        path,
		rateWindows: make(map[string][]time.Time),
	}
	doc, mtime, err := loadWithMtime(path)
	e.doc = doc
	e.mtime = mtime
	e.loadErr = err
	return e, err
}

func loadWithMtime(path string) (*Document, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, invalidDoc("stat %s: %v", path, err)
	}
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, info.ModTime(), err
	}
	return doc, info.ModTime(), nil
}

// MaybeReload re-reads the file when its mtime changed. Parsing happens
// before the lock is taken; the swap is atomic. An invalid replacement
// clears the active document so evaluation fails closed.
func (e *Engine) MaybeReload() {
	info, err := os.Stat(e.path)
	if err != nil {
		return
	}
	e.mu.Lock()
	unchanged := e.mtime.Equal(info.ModTime()) && e.doc != nil
	e.mu.Unlock()
	if unchanged {
		return
	}

	doc, loadErr := LoadDocument(e.path)

	e.mu.Lock()
	e.mtime = info.ModTime()
	e.doc = doc
	e.loadErr = loadErr
	e.mu.Unlock()

	if loadErr != nil {
		e.logger.Error("standing orders reload failed, denying all actions", "path", e.path, "error", loadErr)
	} else {
		e.logger.Info("standing orders reloaded", "path", e.path, "version", doc.Version)
	}
}

// Health reports the active document version and whether evaluation is
// currently failing closed.
func (e *Engine) Health() (version string, valid bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		return "", false
	}
	return e.doc.Version, true
}

// ConfirmWindow returns the effective confirmation window.
func (e *Engine) ConfirmWindow() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		return 12 * time.Second
	}
	return time.Duration(e.doc.Defaults.ConfirmWindowSeconds) * time.Second
}

// RecordConfirmation adds a ledger entry for (incident, tool, token)
// and trims entries older than the retention horizon. Blank fields are
// ignored; a confirmation without all three is meaningless.
func (e *Engine) RecordConfirmation(incidentID, toolName, token string, ts time.Time) {
	incidentID = strings.TrimSpace(incidentID)
	token = strings.TrimSpace(token)
	toolKey := strings.TrimSpace(CanonicalToolName(toolName))
	if incidentID == "" || toolKey == "" || token == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmations = append(e.confirmations, confirmationRecord{
		incidentID: incidentID,
		toolKey:    toolKey,
		token:      token,
		ts:         ts,
	})
	cutoff := ts.Add(-confirmationRetention)
	kept := e.confirmations[:0]
	for _, c := range e.confirmations {
		if !c.ts.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	e.confirmations = kept
}

// newestConfirmation returns the most recent matching entry. Caller
// holds the mutex.
func (e *Engine) newestConfirmation(incidentID, toolKey, token string) *confirmationRecord {
	var newest *confirmationRecord
	for i := range e.confirmations {
		c := &e.confirmations[i]
		if c.incidentID != incidentID || c.toolKey != toolKey {
			continue
		}
		if token != "" && c.token != token {
			continue
		}
		if newest == nil || c.ts.After(newest.ts) {
			newest = c
		}
	}
	return newest
}

// checkRateLimit trims the bucket to the sliding window, rejects when
// full, otherwise records now and reports the remaining budget. Caller
// holds the mutex.
func (e *Engine) checkRateLimit(bucket string, now time.Time, limitPerMinute int) (bool, int) {
	window := e.rateWindows[bucket]
	cutoff := now.Add(-rateWindow)
	kept := window[:0]
	for _, t := range window {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limitPerMinute {
		e.rateWindows[bucket] = kept
		return false, 0
	}
	kept = append(kept, now)
	e.rateWindows[bucket] = kept
	remaining := limitPerMinute - len(kept)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

func deny(code, text string, constraints map[string]any) Decision {
	return Decision{
		Allowed:        false,
		DenyReasonCode: code,
		DenyReasonText: text,
		Constraints:    constraints,
	}
}

// Evaluate answers one gating question. Deterministic given the request
// and engine state: time comes from req.Now, never the wall clock.
func (e *Engine) Evaluate(req ActionRequest) Decision {
	e.MaybeReload()

	e.mu.Lock()
	defer e.mu.Unlock()

	constraints := map[string]any{}

	if e.doc == nil {
		text := "standing orders unavailable"
		if e.loadErr != nil {
			text = e.loadErr.Error()
		}
		return deny(ReasonDenyPolicyInvalid, text, constraints)
	}

	toolKey := CanonicalToolName(req.ToolName)
	defaults := e.doc.Defaults

	if strings.TrimSpace(req.WatchCondition) == "" {
		return deny(ReasonDenyPolicyInvalid, "watch_condition is required", constraints)
	}
	if defaults.RequireIncidentID && strings.TrimSpace(req.IncidentID) == "" {
		return deny(ReasonDenyPolicyInvalid, "incident_id is required by policy", constraints)
	}

	condition := e.doc.Resolve(req.WatchCondition)
	if condition == nil {
		return deny(ReasonDenyPolicyInvalid,
			fmt.Sprintf("unknown watch_condition: %s", req.WatchCondition), constraints)
	}

	if condition.DenyTools != nil && anyMatch(*condition.DenyTools, toolKey) {
		return deny(ReasonDenyExplicitlyDenied,
			fmt.Sprintf("%s denied in %s", toolKey, req.WatchCondition), constraints)
	}
	if condition.AllowedTools != nil && len(*condition.AllowedTools) > 0 &&
		!anyMatch(*condition.AllowedTools, toolKey) {
		return deny(ReasonDenyNotAllowedInCondition,
			fmt.Sprintf("%s not allowed in %s", toolKey, req.WatchCondition), constraints)
	}

	guardrails := condition.Guardrails
	if guardrails == nil {
		guardrails = &Guardrails{}
	}
	confirmation := condition.Confirmation
	if confirmation == nil {
		confirmation = &Confirmation{}
	}
	toolPolicy := e.doc.FindToolPolicy(toolKey)
	if toolPolicy == nil {
		toolPolicy = &ToolPolicy{}
	}

	sttLow := req.STTConfidence != nil && *req.STTConfidence < defaults.STTMinConfidence

	if boolVal(guardrails.STTRequiresConfidenceForInput) && toolKey == "input.keypress" && sttLow {
		return deny(ReasonDenyLowSTTConfidence,
			fmt.Sprintf("stt_confidence %.2f below threshold %.2f", *req.STTConfidence, defaults.STTMinConfidence),
			constraints)
	}
	if contains(toolPolicy.DenyIf, "stt_confidence_low") && sttLow {
		return deny(ReasonDenyLowSTTConfidence,
			fmt.Sprintf("tool policy deny_if stt_confidence_low (%.2f<%.2f)", *req.STTConfidence, defaults.STTMinConfidence),
			constraints)
	}

	var foregroundExpected []string
	if guardrails.ForegroundProcessMustBe != nil {
		for _, p := range *guardrails.ForegroundProcessMustBe {
			foregroundExpected = append(foregroundExpected, strings.ToLower(p))
		}
	}
	if len(foregroundExpected) > 0 &&
		(toolKey == "input.keypress" || contains(toolPolicy.Requires, "foreground_ok")) {
		fg := strings.ToLower(req.ForegroundProcess)
		if fg == "" || !contains(foregroundExpected, fg) {
			return deny(ReasonDenyForegroundMismatch,
				fmt.Sprintf("foreground %q not in allowed %s", req.ForegroundProcess, strings.Join(foregroundExpected, ", ")),
				constraints)
		}
	}
	if defaults.UIForegroundRequiredForInput && toolKey == "input.keypress" &&
		strings.TrimSpace(req.ForegroundProcess) == "" {
		return deny(ReasonDenyForegroundMismatch,
			"foreground process required for input.keypress", constraints)
	}

	if toolKey == "input.keypress" && guardrails.MaxKeypressPerMinute != nil && *guardrails.MaxKeypressPerMinute > 0 {
		limit := *guardrails.MaxKeypressPerMinute
		bucket := fmt.Sprintf("%s:%s:guardrail", req.WatchCondition, toolKey)
		ok, remaining := e.checkRateLimit(bucket, req.Now, limit)
		constraints["rate_limit_remaining"] = remaining
		if !ok {
			return deny(ReasonDenyRateLimit,
				fmt.Sprintf("max_keypress_per_minute exceeded (%d/min)", limit), constraints)
		}
	}
	if toolPolicy.RateLimitPerMinute > 0 {
		bucket := fmt.Sprintf("%s:%s:tool_policy", req.WatchCondition, toolKey)
		ok, remaining := e.checkRateLimit(bucket, req.Now, toolPolicy.RateLimitPerMinute)
		constraints["rate_limit_remaining"] = remaining
		if !ok {
			return deny(ReasonDenyRateLimit,
				fmt.Sprintf("tool rate limit exceeded (%d/min)", toolPolicy.RateLimitPerMinute), constraints)
		}
	}

	requiresConfirmation := false
	if confirmation.Always != nil && anyMatch(*confirmation.Always, toolKey) {
		requiresConfirmation = true
	}
	if sttLow && confirmation.WhenLowConfidence != nil && anyMatch(*confirmation.WhenLowConfidence, toolKey) {
		requiresConfirmation = true
	}
	if boolVal(guardrails.RequireConfirmationForAllActions) {
		requiresConfirmation = true
	}
	if contains(toolPolicy.Requires, "recent_user_confirm") {
		requiresConfirmation = true
	}

	if requiresConfirmation {
		window := time.Duration(defaults.ConfirmWindowSeconds) * time.Second
		constraints["confirm_by_ts"] = epochSeconds(req.Now.Add(window))
		record := e.newestConfirmation(strings.TrimSpace(req.IncidentID), toolKey, strings.TrimSpace(req.UserConfirmToken))
		if record == nil {
			d := deny(ReasonDenyNeedsConfirmation,
				fmt.Sprintf("%s requires user confirmation", toolKey), constraints)
			d.RequiresConfirmation = true
			return d
		}
		age := req.Now.Sub(record.ts)
		if age > window {
			d := deny(ReasonDenyConfirmationExpired,
				fmt.Sprintf("confirmation expired (%.1fs > %ds)", age.Seconds(), defaults.ConfirmWindowSeconds),
				constraints)
			d.RequiresConfirmation = true
			return d
		}
	}

	return Decision{
		Allowed:        true,
		DenyReasonCode: ReasonAllow,
		Constraints:    constraints,
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func boolVal(b *bool) bool { return b != nil && *b }

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
