package contracts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ValidationError marks a payload problem the caller can fix. The HTTP
// layer maps it to 400; anything else is an internal failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var stateKeyRe = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)+$`)

var (
	intentAllowedKeys = keySet(
		"schema_version", "request_id", "session_id", "timestamp_utc", "mode",
		"domain", "urgency", "user_text", "needs_tools", "needs_clarification",
		"clarification_questions", "retrieval", "proposed_actions", "response_text",
	)
	actionAllowedKeys = keySet(
		"action_id", "tool_name", "parameters", "safety_level", "mode_constraints",
		"requires_confirmation", "timeout_ms", "reason", "confidence",
	)
	stateItemAllowedKeys = keySet(
		"state_key", "state_value", "source", "confidence", "observed_at_utc",
	)
	stateIngestAllowedKeys = keySet(
		"items", "emit_events", "profile", "session_id", "correlation_id",
	)
	feedbackAllowedKeys = keySet(
		"request_id", "rating", "correction_text", "reviewer", "session_id", "mode",
	)
	confirmAllowedKeys = keySet(
		"incident_id", "tool_name", "user_confirm_token", "confirmed_at_utc",
		"request_id", "session_id", "mode",
	)
	assistAllowedKeys = keySet(
		"incident_id", "user_text", "mode", "domain", "urgency", "watch_condition",
		"stt_confidence", "session_id", "auto_execute", "dry_run", "allow_high_risk",
		"user_confirmed", "confirmed_at_utc", "use_knowledge",
	)
)

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func checkExtraKeys(obj map[string]any, allowed map[string]bool, name string) error {
	var extra []string
	for k := range obj {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return invalidf("%s contains unsupported fields: %s", name, strings.Join(extra, ", "))
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

// number matches JSON numbers after generic decoding (float64) plus ints
// produced in-process.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func integer(v any) (int, bool) {
	n, ok := number(v)
	if !ok || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

// ValidateAction checks one proposed action at position index.
func ValidateAction(v any, index int) error {
	action, ok := v.(map[string]any)
	if !ok {
		return invalidf("proposed_actions[%d] must be an object", index)
	}
	if err := checkExtraKeys(action, actionAllowedKeys, fmt.Sprintf("proposed_actions[%d]", index)); err != nil {
		return err
	}
	for _, key := range []string{"action_id", "tool_name", "parameters", "safety_level", "timeout_ms", "confidence"} {
		if _, present := action[key]; !present {
			return invalidf("proposed_actions[%d] missing required field: %s", index, key)
		}
	}
	if _, ok := nonEmptyString(action["action_id"]); !ok {
		return invalidf("proposed_actions[%d].action_id must be a non-empty string", index)
	}
	if _, ok := nonEmptyString(action["tool_name"]); !ok {
		return invalidf("proposed_actions[%d].tool_name must be a non-empty string", index)
	}
	if _, ok := action["parameters"].(map[string]any); !ok {
		return invalidf("proposed_actions[%d].parameters must be an object", index)
	}
	if level, _ := action["safety_level"].(string); !SafetySet[level] {
		return invalidf("proposed_actions[%d].safety_level must be one of: %s", index, sortedKeys(SafetySet))
	}
	if ms, ok := integer(action["timeout_ms"]); !ok || ms < 100 || ms > 120000 {
		return invalidf("proposed_actions[%d].timeout_ms must be integer 100..120000", index)
	}
	if c, ok := number(action["confidence"]); !ok || c < 0 || c > 1 {
		return invalidf("proposed_actions[%d].confidence must be number 0..1", index)
	}
	if mc, present := action["mode_constraints"]; present {
		list, ok := mc.([]any)
		if !ok {
			return invalidf("proposed_actions[%d].mode_constraints must be a list", index)
		}
		for _, m := range list {
			if mode, _ := m.(string); !ModeSet[mode] {
				return invalidf("proposed_actions[%d].mode_constraints entries must be one of: %s", index, sortedKeys(ModeSet))
			}
		}
	}
	if rc, present := action["requires_confirmation"]; present {
		if _, ok := rc.(bool); !ok {
			return invalidf("proposed_actions[%d].requires_confirmation must be boolean", index)
		}
	}
	return nil
}

// ValidateIntent checks a full intent proposal object.
func ValidateIntent(intent map[string]any) error {
	if intent == nil {
		return invalidf("body must be a JSON object")
	}
	if err := checkExtraKeys(intent, intentAllowedKeys, "intent"); err != nil {
		return err
	}
	required := []string{
		"schema_version", "request_id", "timestamp_utc", "mode", "domain", "urgency",
		"user_text", "needs_tools", "needs_clarification", "proposed_actions", "response_text",
	}
	for _, key := range required {
		if _, present := intent[key]; !present {
			return invalidf("missing required field: %s", key)
		}
	}
	if v, _ := intent["schema_version"].(string); v != SchemaVersion {
		return invalidf("schema_version must be '%s'", SchemaVersion)
	}
	if _, ok := nonEmptyString(intent["request_id"]); !ok {
		return invalidf("request_id must be a non-empty string")
	}
	ts, ok := nonEmptyString(intent["timestamp_utc"])
	if !ok {
		return invalidf("timestamp_utc must be a non-empty string")
	}
	if _, err := ParseTimestamp(ts); err != nil {
		return invalidf("timestamp_utc must be ISO-8601 UTC")
	}
	if mode, _ := intent["mode"].(string); !ModeSet[mode] {
		return invalidf("mode must be one of: %s", sortedKeys(ModeSet))
	}
	if domain, _ := intent["domain"].(string); !DomainSet[domain] {
		return invalidf("domain must be one of: %s", sortedKeys(DomainSet))
	}
	if urgency, _ := intent["urgency"].(string); !UrgencySet[urgency] {
		return invalidf("urgency must be one of: %s", sortedKeys(UrgencySet))
	}
	if _, ok := nonEmptyString(intent["user_text"]); !ok {
		return invalidf("user_text must be a non-empty string")
	}
	if _, ok := intent["needs_tools"].(bool); !ok {
		return invalidf("needs_tools must be boolean")
	}
	if _, ok := intent["needs_clarification"].(bool); !ok {
		return invalidf("needs_clarification must be boolean")
	}
	if qs, present := intent["clarification_questions"]; present {
		list, ok := qs.([]any)
		if !ok {
			return invalidf("clarification_questions must be an array")
		}
		if len(list) > MaxClarificationQuestions {
			return invalidf("clarification_questions must have at most %d items", MaxClarificationQuestions)
		}
		for idx, q := range list {
			if _, ok := nonEmptyString(q); !ok {
				return invalidf("clarification_questions[%d] must be a non-empty string", idx)
			}
		}
	}
	if r, present := intent["retrieval"]; present {
		if _, ok := r.(map[string]any); !ok {
			return invalidf("retrieval must be an object")
		}
	}
	actions, ok := intent["proposed_actions"].([]any)
	if !ok {
		return invalidf("proposed_actions must be an array")
	}
	if len(actions) > MaxProposedActions {
		return invalidf("proposed_actions must have at most %d items", MaxProposedActions)
	}
	for idx, action := range actions {
		if err := ValidateAction(action, idx); err != nil {
			return err
		}
	}
	if _, ok := intent["response_text"].(string); !ok {
		return invalidf("response_text must be a string")
	}
	return nil
}

// ValidateStateItem checks one state ingestion item at position index.
func ValidateStateItem(v any, index int) error {
	item, ok := v.(map[string]any)
	if !ok {
		return invalidf("items[%d] must be an object", index)
	}
	if err := checkExtraKeys(item, stateItemAllowedKeys, fmt.Sprintf("items[%d]", index)); err != nil {
		return err
	}
	for _, key := range []string{"state_key", "state_value", "source"} {
		if _, present := item[key]; !present {
			return invalidf("items[%d] missing required field: %s", index, key)
		}
	}
	key, ok := nonEmptyString(item["state_key"])
	if !ok {
		return invalidf("items[%d].state_key must be a non-empty string", index)
	}
	if !stateKeyRe.MatchString(key) {
		return invalidf("items[%d].state_key must match %s", index, stateKeyRe.String())
	}
	if !hasStatePrefix(key) {
		return invalidf("items[%d].state_key must start with one of: %s", index, strings.Join(StateKeyPrefixes, ", "))
	}
	if _, ok := nonEmptyString(item["source"]); !ok {
		return invalidf("items[%d].source must be a non-empty string", index)
	}
	if c, present := item["confidence"]; present {
		if n, ok := number(c); !ok || n < 0 || n > 1 {
			return invalidf("items[%d].confidence must be number 0..1", index)
		}
	}
	if at, present := item["observed_at_utc"]; present {
		s, ok := nonEmptyString(at)
		if !ok {
			return invalidf("items[%d].observed_at_utc must be a non-empty string", index)
		}
		if _, err := ParseTimestamp(s); err != nil {
			return invalidf("items[%d].observed_at_utc must be ISO-8601 UTC", index)
		}
	}
	return nil
}

func hasStatePrefix(key string) bool {
	for _, p := range StateKeyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// ValidateStateIngest checks a state ingestion batch.
func ValidateStateIngest(payload map[string]any) error {
	if payload == nil {
		return invalidf("body must be a JSON object")
	}
	if err := checkExtraKeys(payload, stateIngestAllowedKeys, "state_ingest"); err != nil {
		return err
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) == 0 {
		return invalidf("items is required and must be a non-empty array")
	}
	for idx, item := range items {
		if err := ValidateStateItem(item, idx); err != nil {
			return err
		}
	}
	if v, present := payload["emit_events"]; present {
		if _, ok := v.(bool); !ok {
			return invalidf("emit_events must be boolean when supplied")
		}
	}
	for _, key := range []string{"profile", "session_id", "correlation_id"} {
		if v, present := payload[key]; present && v != nil {
			if _, ok := nonEmptyString(v); !ok {
				return invalidf("%s must be a non-empty string when supplied", key)
			}
		}
	}
	return nil
}

// ValidateFeedback checks a feedback payload. Rating is thumbs up/down.
func ValidateFeedback(payload map[string]any) error {
	if payload == nil {
		return invalidf("body must be a JSON object")
	}
	if err := checkExtraKeys(payload, feedbackAllowedKeys, "feedback"); err != nil {
		return err
	}
	if _, ok := nonEmptyString(payload["request_id"]); !ok {
		return invalidf("request_id is required and must be a non-empty string")
	}
	if r, ok := integer(payload["rating"]); !ok || (r != -1 && r != 1) {
		return invalidf("rating must be -1 or 1")
	}
	if v, present := payload["correction_text"]; present && v != nil {
		if _, ok := v.(string); !ok {
			return invalidf("correction_text must be a string when supplied")
		}
	}
	for _, key := range []string{"reviewer", "session_id"} {
		if v, present := payload[key]; present && v != nil {
			if _, ok := nonEmptyString(v); !ok {
				return invalidf("%s must be a non-empty string when supplied", key)
			}
		}
	}
	if v, present := payload["mode"]; present && v != nil {
		if mode, _ := v.(string); !ModeSet[mode] {
			return invalidf("mode must be one of: %s", sortedKeys(ModeSet))
		}
	}
	return nil
}

// ValidateConfirm checks a user confirmation payload.
func ValidateConfirm(payload map[string]any) error {
	if payload == nil {
		return invalidf("body must be a JSON object")
	}
	if err := checkExtraKeys(payload, confirmAllowedKeys, "confirm"); err != nil {
		return err
	}
	if _, ok := nonEmptyString(payload["incident_id"]); !ok {
		return invalidf("incident_id is required and must be a non-empty string")
	}
	if _, ok := nonEmptyString(payload["tool_name"]); !ok {
		return invalidf("tool_name is required and must be a non-empty string")
	}
	if v, present := payload["user_confirm_token"]; present && v != nil {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return invalidf("user_confirm_token must be a non-empty string when supplied")
		}
	}
	if v, present := payload["confirmed_at_utc"]; present && v != nil {
		s, ok := nonEmptyString(v)
		if !ok {
			return invalidf("confirmed_at_utc must be a non-empty string when supplied")
		}
		if _, err := ParseTimestamp(s); err != nil {
			return invalidf("confirmed_at_utc must be ISO-8601 UTC")
		}
	}
	for _, key := range []string{"request_id", "session_id"} {
		if v, present := payload[key]; present && v != nil {
			if _, ok := nonEmptyString(v); !ok {
				return invalidf("%s must be a non-empty string when supplied", key)
			}
		}
	}
	return nil
}

// WatchConditionSet lists the recognized watch conditions.
var WatchConditionSet = map[string]bool{
	"STANDBY": true, "GAME": true, "WORK": true,
	"TUTOR": true, "RESTRICTED": true, "DEGRADED": true,
}

// ValidateAssist checks an assist request payload.
func ValidateAssist(payload map[string]any) error {
	if payload == nil {
		return invalidf("body must be a JSON object")
	}
	if err := checkExtraKeys(payload, assistAllowedKeys, "assist_request"); err != nil {
		return err
	}
	if _, ok := nonEmptyString(payload["user_text"]); !ok {
		return invalidf("user_text is required and must be a non-empty string")
	}
	if v, present := payload["mode"]; present {
		if mode, _ := v.(string); !ModeSet[mode] {
			return invalidf("mode must be one of: %s", sortedKeys(ModeSet))
		}
	}
	if v, present := payload["domain"]; present && v != nil {
		if domain, _ := v.(string); !DomainSet[domain] {
			return invalidf("domain must be one of: %s", sortedKeys(DomainSet))
		}
	}
	if v, present := payload["urgency"]; present {
		if urgency, _ := v.(string); !UrgencySet[urgency] {
			return invalidf("urgency must be one of: %s", sortedKeys(UrgencySet))
		}
	}
	if v, present := payload["incident_id"]; present && v != nil {
		if _, ok := nonEmptyString(v); !ok {
			return invalidf("incident_id must be a non-empty string when supplied")
		}
	}
	if v, present := payload["watch_condition"]; present && v != nil {
		s, ok := nonEmptyString(v)
		if !ok {
			return invalidf("watch_condition must be a non-empty string when supplied")
		}
		if !WatchConditionSet[strings.ToUpper(strings.TrimSpace(s))] {
			return invalidf("watch_condition must be one of: %s", sortedKeys(WatchConditionSet))
		}
	}
	if v, present := payload["stt_confidence"]; present && v != nil {
		if n, ok := number(v); !ok || n < 0 || n > 1 {
			return invalidf("stt_confidence must be number 0..1 when supplied")
		}
	}
	for _, key := range []string{"auto_execute", "dry_run", "allow_high_risk", "user_confirmed", "use_knowledge"} {
		if v, present := payload[key]; present {
			if _, ok := v.(bool); !ok {
				return invalidf("%s must be boolean when supplied", key)
			}
		}
	}
	if v, present := payload["session_id"]; present && v != nil {
		if _, ok := nonEmptyString(v); !ok {
			return invalidf("session_id must be a non-empty string when supplied")
		}
	}
	if v, present := payload["confirmed_at_utc"]; present && v != nil {
		s, ok := nonEmptyString(v)
		if !ok {
			return invalidf("confirmed_at_utc must be a non-empty string when supplied")
		}
		if _, err := ParseTimestamp(s); err != nil {
			return invalidf("confirmed_at_utc must be ISO-8601")
		}
	}
	return nil
}

// ValidateExecute checks an execute payload. Unlike intent ingestion the
// execute body tolerates extra keys for forward compatibility.
func ValidateExecute(payload map[string]any) error {
	if payload == nil {
		return invalidf("body must be a JSON object")
	}
	if _, ok := nonEmptyString(payload["request_id"]); !ok {
		return invalidf("request_id is required and must be a non-empty string")
	}
	if v, present := payload["action_ids"]; present && v != nil {
		list, ok := v.([]any)
		if !ok {
			return invalidf("action_ids must be an array when supplied")
		}
		for idx, id := range list {
			if _, ok := nonEmptyString(id); !ok {
				return invalidf("action_ids[%d] must be a non-empty string", idx)
			}
		}
	}
	for _, key := range []string{"dry_run", "allow_high_risk", "user_confirmed"} {
		if v, present := payload[key]; present {
			if _, ok := v.(bool); !ok {
				return invalidf("%s must be boolean", key)
			}
		}
	}
	if v, present := payload["user_confirm_token"]; present && v != nil {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return invalidf("user_confirm_token must be a non-empty string when supplied")
		}
	}
	for _, key := range []string{"incident_id", "watch_condition"} {
		if v, present := payload[key]; present && v != nil {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return invalidf("%s must be a non-empty string when supplied", key)
			}
		}
	}
	if v, present := payload["stt_confidence"]; present && v != nil {
		if n, ok := number(v); !ok || n < 0 || n > 1 {
			return invalidf("stt_confidence must be number 0..1 when supplied")
		}
	}
	if v, present := payload["confirmed_at_utc"]; present && v != nil {
		s, ok := nonEmptyString(v)
		if !ok {
			return invalidf("confirmed_at_utc must be non-empty string when supplied")
		}
		if _, err := ParseTimestamp(s); err != nil {
			return invalidf("confirmed_at_utc must be ISO-8601 UTC")
		}
	}
	return nil
}

func sortedKeys(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
