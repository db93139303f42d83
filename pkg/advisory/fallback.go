package advisory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
)

// ProposalInput carries the assist request fields the prompt and the
// deterministic fallback proposal are built from.
type ProposalInput struct {
	UserText  string
	Mode      string
	Domain    string
	Urgency   string
	SessionID string
}

// InferDomain guesses the request domain from keyword hits. The LLM
// usually overrides this; it only has to be a sane default.
func InferDomain(userText string) string {
	text := strings.ToLower(userText)
	switch {
	case containsAny(text, "thargoid", "guardian", "lore", "galnet"):
		return "lore"
	case containsAny(text, "python", "golang", "rust", "code", "coding", "compile"):
		return "coding"
	case containsAny(text, "network", "dns", "router", "switch"):
		return "networking"
	case containsAny(text, "music", "track", "song", "album"):
		return "music"
	case containsAny(text, "ship", "jump", "hardpoint", "lights", "supercruise"):
		return "gameplay"
	case containsAny(text, "cpu", "memory", "temperature", "system"):
		return "system"
	}
	return "general"
}

// InferUrgency guesses urgency from the phrasing.
func InferUrgency(userText string) string {
	text := strings.ToLower(userText)
	if containsAny(text, "urgent", "immediately", "now now", "emergency") {
		return "high"
	}
	return "normal"
}

var keypressRe = regexp.MustCompile(`\bpress\s+([a-z0-9]+)\b`)

// ProposeActions derives tool actions from simple phrase heuristics.
// This is the stub planner: good enough to exercise the whole policy
// and execution pipeline without a model.
func ProposeActions(userText string) []map[string]any {
	text := strings.ToLower(userText)
	var actions []map[string]any

	if strings.Contains(text, "light") {
		scene := "default"
		switch {
		case strings.Contains(text, "combat"):
			scene = "combat"
		case strings.Contains(text, "exploration"):
			scene = "exploration"
		case strings.Contains(text, "docking"):
			scene = "docking"
		}
		actions = append(actions, map[string]any{
			"action_id":             "action_set_lights",
			"tool_name":             "set_lights",
			"parameters":            map[string]any{"scene": scene},
			"safety_level":          "low_risk",
			"mode_constraints":      []any{"game", "standby"},
			"requires_confirmation": false,
			"timeout_ms":            1200,
			"reason":                "User requested lighting change.",
			"confidence":            0.92,
		})
	}

	if containsAny(text, "pause music", "stop music", "music off") {
		actions = append(actions, musicAction("action_music_pause", "music_pause", "User requested music pause.", 0.91))
	}
	if containsAny(text, "resume music", "play music", "music on") {
		actions = append(actions, musicAction("action_music_resume", "music_resume", "User requested music resume.", 0.90))
	}
	if containsAny(text, "next track", "skip track", "skip song") {
		actions = append(actions, musicAction("action_music_next", "music_next", "User requested next track.", 0.90))
	}

	if m := keypressRe.FindStringSubmatch(text); m != nil {
		key := m[1]
		actions = append(actions, map[string]any{
			"action_id":             "action_keypress_" + key,
			"tool_name":             "keypress",
			"parameters":            map[string]any{"key": key},
			"safety_level":          "high_risk",
			"mode_constraints":      []any{"game"},
			"requires_confirmation": true,
			"timeout_ms":            800,
			"reason":                "User requested keypress action.",
			"confidence":            0.78,
		})
	}

	return actions
}

func musicAction(actionID, toolName, reason string, confidence float64) map[string]any {
	return map[string]any{
		"action_id":             actionID,
		"tool_name":             toolName,
		"parameters":            map[string]any{},
		"safety_level":          "low_risk",
		"mode_constraints":      []any{"game", "work", "standby"},
		"requires_confirmation": false,
		"timeout_ms":            1200,
		"reason":                reason,
		"confidence":            confidence,
	}
}

// BuildFallbackProposal builds the deterministic proposal used when the
// planner is stubbed out or its output cannot be trusted. It always
// validates against the intent contract.
func BuildFallbackProposal(in ProposalInput, clock policy.Clock) map[string]any {
	userText := strings.TrimSpace(in.UserText)
	if userText == "" {
		userText = "unspecified request"
	}
	mode := in.Mode
	if !contracts.ModeSet[mode] {
		mode = "standby"
	}
	domain := in.Domain
	if !contracts.DomainSet[domain] {
		domain = InferDomain(userText)
	}
	urgency := in.Urgency
	if !contracts.UrgencySet[urgency] {
		urgency = InferUrgency(userText)
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "assist-" + uuid.NewString()[:8]
	}

	actions := ProposeActions(userText)
	actionList := make([]any, 0, len(actions))
	toolNames := make([]string, 0, len(actions))
	for _, a := range actions {
		actionList = append(actionList, a)
		toolNames = append(toolNames, a["tool_name"].(string))
	}

	responseText := fmt.Sprintf("Understood. No tool action required for: %s", userText)
	if len(actions) > 0 {
		responseText = fmt.Sprintf("Understood. I will run: %s.", strings.Join(toolNames, ", "))
	}

	return map[string]any{
		"schema_version":          contracts.SchemaVersion,
		"request_id":              uuid.NewString(),
		"session_id":              sessionID,
		"timestamp_utc":           contracts.FormatTimestamp(clock.Now()),
		"mode":                    mode,
		"domain":                  domain,
		"urgency":                 urgency,
		"user_text":               userText,
		"needs_tools":             len(actions) > 0,
		"needs_clarification":     false,
		"clarification_questions": []any{},
		"retrieval": map[string]any{
			"citation_ids": []any{},
			"confidence":   0.0,
		},
		"proposed_actions": actionList,
		"response_text":    responseText,
	}
}

// BuildPrompt renders the planner prompt: the contract rules the model
// must honor, then the request context, then the user's words.
func BuildPrompt(in ProposalInput) string {
	var b strings.Builder
	b.WriteString("You are the planning assistant of a voice-operated desktop co-pilot.\n")
	b.WriteString("Respond with exactly one JSON object matching the intent_proposal v1.0 contract.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- schema_version must be \"1.0\"; include request_id, timestamp_utc, mode, domain, urgency.\n")
	b.WriteString("- proposed_actions may hold at most 10 entries; each needs action_id, tool_name, parameters,\n")
	b.WriteString("  safety_level (read_only|low_risk|high_risk), timeout_ms (100..120000) and confidence (0..1).\n")
	b.WriteString("- When unsure, set needs_clarification=true and propose no actions.\n")
	b.WriteString("- Never invent tools; known tools include set_lights, music_next, music_pause, music_resume, keypress.\n\n")
	fmt.Fprintf(&b, "Mode: %s\nDomain hint: %s\nUrgency hint: %s\n\n", in.Mode, in.Domain, in.Urgency)
	fmt.Fprintf(&b, "User said: %s\n", strings.TrimSpace(in.UserText))
	return b.String()
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
