package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrPolicyInvalid marks a structurally broken Standing Orders document.
var ErrPolicyInvalid = errors.New("standing orders invalid")

func invalidDoc(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyInvalid, fmt.Sprintf(format, args...))
}

// RequiredWatchConditions must all be present in a valid document.
var RequiredWatchConditions = []string{"STANDBY", "GAME", "WORK", "TUTOR", "RESTRICTED", "DEGRADED"}

// Defaults holds document-wide fallbacks.
type Defaults struct {
	ConfirmWindowSeconds         int
	STTMinConfidence             float64
	UIForegroundRequiredForInput bool
	RequireIncidentID            bool
	LogAllDenies                 bool
	LogAllExecutes               bool
}

// Confirmation lists tool patterns that need a recent user confirmation.
// Pointer slices distinguish an absent key from an empty list so that
// inheritance merging only overrides what the child actually sets.
type Confirmation struct {
	Always            *[]string `json:"always,omitempty"`
	WhenLowConfidence *[]string `json:"when_low_confidence,omitempty"`
}

// Guardrails are per-condition safety limits.
type Guardrails struct {
	ForegroundProcessMustBe          *[]string `json:"foreground_process_must_be,omitempty"`
	MaxKeypressPerMinute             *int      `json:"max_keypress_per_minute,omitempty"`
	STTRequiresConfidenceForInput    *bool     `json:"stt_requires_confidence_for_input,omitempty"`
	RequireConfirmationForAllActions *bool     `json:"require_confirmation_for_all_actions,omitempty"`
}

// WatchCondition is one named operating posture.
type WatchCondition struct {
	Inherits     string        `json:"inherits,omitempty"`
	AllowedTools *[]string     `json:"allowed_tools,omitempty"`
	DenyTools    *[]string     `json:"deny_tools,omitempty"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
	Guardrails   *Guardrails   `json:"guardrails,omitempty"`
}

// ToolPolicy binds a glob pattern to per-tool requirements. Policies
// keep the order they have in the document; the first match wins.
type ToolPolicy struct {
	Pattern            string
	Requires           []string
	DenyIf             []string
	RateLimitPerMinute int
}

// Document is a parsed, validated Standing Orders file.
type Document struct {
	Version         string
	Defaults        Defaults
	WatchConditions map[string]*WatchCondition
	ToolPolicies    []ToolPolicy
}

type rawDefaults struct {
	ConfirmWindowSeconds         *float64 `json:"confirm_window_seconds"`
	STTMinConfidence             *float64 `json:"stt_min_confidence"`
	UIForegroundRequiredForInput *bool    `json:"ui_foreground_required_for_input"`
	RequireIncidentID            *bool    `json:"require_incident_id"`
	LogAllDenies                 *bool    `json:"log_all_denies"`
	LogAllExecutes               *bool    `json:"log_all_executes"`
}

type rawToolPolicy struct {
	Requires           []string `json:"requires"`
	DenyIf             []string `json:"deny_if"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute"`
}

type rawDocument struct {
	Version         *string                    `json:"version"`
	Defaults        *rawDefaults               `json:"defaults"`
	WatchConditions map[string]*WatchCondition `json:"watch_conditions"`
	ToolPolicies    *json.RawMessage           `json:"tool_policies"`
}

// ParseDocument parses and validates a Standing Orders document. All
// failures wrap ErrPolicyInvalid.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidDoc("not valid JSON: %v", err)
	}
	if raw.Version == nil {
		return nil, invalidDoc("missing key 'version'")
	}
	if _, err := semver.NewVersion(*raw.Version); err != nil {
		return nil, invalidDoc("version %q is not a valid version string", *raw.Version)
	}
	if raw.Defaults == nil {
		return nil, invalidDoc("missing key 'defaults'")
	}
	if raw.WatchConditions == nil {
		return nil, invalidDoc("missing key 'watch_conditions'")
	}
	if raw.ToolPolicies == nil {
		return nil, invalidDoc("missing key 'tool_policies'")
	}

	if raw.Defaults.ConfirmWindowSeconds == nil {
		return nil, invalidDoc("defaults.confirm_window_seconds must be numeric")
	}
	if raw.Defaults.STTMinConfidence == nil {
		return nil, invalidDoc("defaults.stt_min_confidence must be numeric")
	}
	if raw.Defaults.UIForegroundRequiredForInput == nil {
		return nil, invalidDoc("defaults.ui_foreground_required_for_input must be boolean")
	}

	doc := &Document{
		Version: *raw.Version,
		Defaults: Defaults{
			ConfirmWindowSeconds:         int(*raw.Defaults.ConfirmWindowSeconds),
			STTMinConfidence:             *raw.Defaults.STTMinConfidence,
			UIForegroundRequiredForInput: *raw.Defaults.UIForegroundRequiredForInput,
			RequireIncidentID:            true,
		},
		WatchConditions: raw.WatchConditions,
	}
	if raw.Defaults.RequireIncidentID != nil {
		doc.Defaults.RequireIncidentID = *raw.Defaults.RequireIncidentID
	}
	if raw.Defaults.LogAllDenies != nil {
		doc.Defaults.LogAllDenies = *raw.Defaults.LogAllDenies
	}
	if raw.Defaults.LogAllExecutes != nil {
		doc.Defaults.LogAllExecutes = *raw.Defaults.LogAllExecutes
	}

	policies, err := parseToolPolicies(*raw.ToolPolicies)
	if err != nil {
		return nil, err
	}
	doc.ToolPolicies = policies

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// parseToolPolicies walks the tool_policies object with a token decoder
// so the document's pattern order survives; encoding/json maps would
// randomize it and break first-match-wins.
func parseToolPolicies(data json.RawMessage) ([]ToolPolicy, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, invalidDoc("tool_policies must be an object")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, invalidDoc("tool_policies must be an object")
	}
	var policies []ToolPolicy
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, invalidDoc("tool_policies: %v", err)
		}
		pattern, ok := keyTok.(string)
		if !ok {
			return nil, invalidDoc("tool policy pattern must be string")
		}
		var rp rawToolPolicy
		if err := dec.Decode(&rp); err != nil {
			return nil, invalidDoc("tool_policies.%s: %v", pattern, err)
		}
		tp := ToolPolicy{Pattern: pattern, Requires: rp.Requires, DenyIf: rp.DenyIf}
		if rp.RateLimitPerMinute != nil {
			tp.RateLimitPerMinute = *rp.RateLimitPerMinute
		}
		policies = append(policies, tp)
	}
	return policies, nil
}

func (d *Document) validate() error {
	for _, name := range RequiredWatchConditions {
		if _, ok := d.WatchConditions[name]; !ok {
			return invalidDoc("missing watch_conditions: %s", name)
		}
	}
	for name, cond := range d.WatchConditions {
		if cond == nil {
			return invalidDoc("watch_conditions.%s must be an object", name)
		}
		if cond.Inherits != "" {
			if err := d.checkInheritance(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkInheritance rejects dangling parents and cycles at load time so
// evaluation never meets them.
func (d *Document) checkInheritance(name string) error {
	visited := map[string]bool{}
	current := name
	for {
		cond := d.WatchConditions[current]
		if cond == nil {
			return invalidDoc("%s inherits unknown watch condition", name)
		}
		if cond.Inherits == "" {
			return nil
		}
		parent := strings.ToUpper(cond.Inherits)
		if visited[parent] || parent == strings.ToUpper(current) {
			return invalidDoc("inheritance cycle through %s", name)
		}
		visited[strings.ToUpper(current)] = true
		if _, ok := d.WatchConditions[parent]; !ok {
			return invalidDoc("%s inherits unknown watch condition %q", current, cond.Inherits)
		}
		current = parent
	}
}

// Resolve returns the effective configuration for a watch condition
// with inheritance applied. Nil when the condition is unknown.
func (d *Document) Resolve(watchCondition string) *WatchCondition {
	return d.resolve(strings.ToUpper(watchCondition), map[string]bool{})
}

func (d *Document) resolve(key string, visited map[string]bool) *WatchCondition {
	cond, ok := d.WatchConditions[key]
	if !ok || cond == nil {
		return nil
	}
	if cond.Inherits == "" {
		c := *cond
		return &c
	}
	if visited[key] {
		// Cycles are rejected at load; stop here if one slips through.
		c := *cond
		return &c
	}
	visited[key] = true
	parent := d.resolve(strings.ToUpper(cond.Inherits), visited)
	if parent == nil {
		c := *cond
		return &c
	}
	return mergeConditions(parent, cond)
}

// mergeConditions overlays child on parent. Lists replace wholesale;
// confirmation and guardrails merge field-wise.
func mergeConditions(parent, child *WatchCondition) *WatchCondition {
	out := *parent
	out.Inherits = ""
	if child.AllowedTools != nil {
		out.AllowedTools = child.AllowedTools
	}
	if child.DenyTools != nil {
		out.DenyTools = child.DenyTools
	}
	if child.Confirmation != nil {
		if out.Confirmation == nil {
			out.Confirmation = child.Confirmation
		} else {
			merged := *out.Confirmation
			if child.Confirmation.Always != nil {
				merged.Always = child.Confirmation.Always
			}
			if child.Confirmation.WhenLowConfidence != nil {
				merged.WhenLowConfidence = child.Confirmation.WhenLowConfidence
			}
			out.Confirmation = &merged
		}
	}
	if child.Guardrails != nil {
		if out.Guardrails == nil {
			out.Guardrails = child.Guardrails
		} else {
			merged := *out.Guardrails
			if child.Guardrails.ForegroundProcessMustBe != nil {
				merged.ForegroundProcessMustBe = child.Guardrails.ForegroundProcessMustBe
			}
			if child.Guardrails.MaxKeypressPerMinute != nil {
				merged.MaxKeypressPerMinute = child.Guardrails.MaxKeypressPerMinute
			}
			if child.Guardrails.STTRequiresConfidenceForInput != nil {
				merged.STTRequiresConfidenceForInput = child.Guardrails.STTRequiresConfidenceForInput
			}
			if child.Guardrails.RequireConfirmationForAllActions != nil {
				merged.RequireConfirmationForAllActions = child.Guardrails.RequireConfirmationForAllActions
			}
			out.Guardrails = &merged
		}
	}
	return &out
}

// FindToolPolicy returns the first tool policy whose pattern matches
// the canonical tool key, or nil.
func (d *Document) FindToolPolicy(toolKey string) *ToolPolicy {
	for i := range d.ToolPolicies {
		if globMatch(d.ToolPolicies[i].Pattern, toolKey) {
			tp := d.ToolPolicies[i]
			return &tp
		}
	}
	return nil
}

// LoadDocument reads and parses the Standing Orders file at path.
func LoadDocument(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, invalidDoc("read %s: %v", filePath, err)
	}
	return ParseDocument(data)
}

var canonicalTools = map[string]string{
	"keypress":        "input.keypress",
	"set_lights":      "sammi.set_lights",
	"music_next":      "sammi.music_next",
	"music_pause":     "sammi.music_pause",
	"music_resume":    "sammi.music_resume",
	"edparser_start":  "edparser.start",
	"edparser_stop":   "edparser.stop",
	"edparser_status": "edparser.status",
}

// CanonicalToolName maps short tool aliases to their dotted keys.
// Unknown names pass through unchanged.
func CanonicalToolName(toolName string) string {
	if key, ok := canonicalTools[toolName]; ok {
		return key
	}
	return toolName
}

// globMatch is a case-insensitive fnmatch on the tool key namespace.
// Malformed patterns never match.
func globMatch(pattern, value string) bool {
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(value))
	return err == nil && ok
}

func anyMatch(patterns []string, value string) bool {
	for _, p := range patterns {
		if globMatch(p, value) {
			return true
		}
	}
	return false
}
