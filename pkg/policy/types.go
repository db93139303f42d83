// Package policy implements the Standing Orders engine: a typed policy
// document with watch-condition inheritance, glob tool matching,
// guardrails, rate windows and a short-lived confirmation ledger.
//
// Every gate fails closed: when the document cannot be loaded or a
// request is structurally wrong the engine answers with a deny decision
// rather than an error.
package policy

import "time"

// Closed reason-code set. Every decision carries exactly one of these.
const (
	ReasonAllow                     = "ALLOW"
	ReasonDenyNotAllowedInCondition = "DENY_NOT_ALLOWED_IN_CONDITION"
	ReasonDenyExplicitlyDenied      = "DENY_EXPLICITLY_DENIED"
	ReasonDenyNeedsConfirmation     = "DENY_NEEDS_CONFIRMATION"
	ReasonDenyConfirmationExpired   = "DENY_CONFIRMATION_EXPIRED"
	ReasonDenyLowSTTConfidence      = "DENY_LOW_STT_CONFIDENCE"
	ReasonDenyForegroundMismatch    = "DENY_FOREGROUND_MISMATCH"
	ReasonDenyRateLimit             = "DENY_RATE_LIMIT"
	ReasonDenyPolicyInvalid         = "DENY_POLICY_INVALID"
)

// KnownReasonCodes lists every reason code the engine can emit.
var KnownReasonCodes = map[string]bool{
	ReasonAllow:                     true,
	ReasonDenyNotAllowedInCondition: true,
	ReasonDenyExplicitlyDenied:      true,
	ReasonDenyNeedsConfirmation:     true,
	ReasonDenyConfirmationExpired:   true,
	ReasonDenyLowSTTConfidence:      true,
	ReasonDenyForegroundMismatch:    true,
	ReasonDenyRateLimit:             true,
	ReasonDenyPolicyInvalid:         true,
}

// ActionRequest is one gating question: may this tool run right now?
// Now is supplied by the caller so that evaluation is deterministic
// under test.
type ActionRequest struct {
	IncidentID        string
	WatchCondition    string
	ToolName          string
	Args              map[string]any
	Source            string
	STTConfidence     *float64
	ForegroundProcess string
	Now               time.Time
	UserConfirmToken  string
}

// Decision is the engine's answer. Constraints carries machine-readable
// hints (confirm_by_ts, rate_limit_remaining) for the caller.
type Decision struct {
	Allowed              bool           `json:"allowed"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	DenyReasonCode       string         `json:"deny_reason_code,omitempty"`
	DenyReasonText       string         `json:"deny_reason_text,omitempty"`
	Constraints          map[string]any `json:"constraints"`
}

// Clock abstracts wall time for components that stamp records.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns the real-time clock.
func WallClock() Clock { return wallClock{} }
