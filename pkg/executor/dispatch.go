package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

// ToolCall is one approved tool invocation handed to a dispatcher.
type ToolCall struct {
	RequestID         string
	ActionID          string
	ToolName          string
	Parameters        map[string]any
	DryRun            bool
	ForegroundProcess string
}

// Dispatcher turns an approved tool call into a real-world effect.
type Dispatcher interface {
	Execute(ctx context.Context, call ToolCall) (map[string]any, error)
}

// Keyer injects key presses into the desktop session.
type Keyer interface {
	PressKey(ctx context.Context, key string) error
}

// StateStore is the slice of the logbook the actuators need.
type StateStore interface {
	SetState(ctx context.Context, item store.StateItem, ev *store.StateEvent) (store.SetStateResult, error)
	GetState(ctx context.Context, stateKey string) (store.StateItem, error)
}

// ActuatorConfig gates what the dispatcher may actually touch.
type ActuatorConfig struct {
	EnableActuators          bool
	EnableKeypress           bool
	AllowedKeypressProcesses []string
	LightsWebhookURL         string
}

// Actuators is the production dispatcher. With actuators disabled (the
// default) every call returns a stub result, so the full approval and
// logging path can be exercised without side effects.
type Actuators struct {
	cfg    ActuatorConfig
	httpc  *http.Client
	keyer  Keyer
	states StateStore
	clock  policy.Clock
}

// NewActuators builds the dispatcher. keyer may be nil when key
// injection is unavailable on the host.
func NewActuators(cfg ActuatorConfig, httpc *http.Client, keyer Keyer, states StateStore) *Actuators {
	if httpc == nil {
		httpc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Actuators{cfg: cfg, httpc: httpc, keyer: keyer, states: states, clock: policy.WallClock()}
}

// SetClock replaces the wall clock, for tests.
func (a *Actuators) SetClock(c policy.Clock) { a.clock = c }

func (a *Actuators) stub(call ToolCall) map[string]any {
	return map[string]any{
		"stub_execution": true,
		"dry_run":        true,
		"tool_name":      call.ToolName,
		"action_id":      call.ActionID,
		"parameters":     call.Parameters,
		"result":         "stubbed, no actuator invoked",
	}
}

// Execute dispatches on the raw tool name. Unknown tools are an error;
// the policy layer has already vetted everything that reaches here.
func (a *Actuators) Execute(ctx context.Context, call ToolCall) (map[string]any, error) {
	if !a.cfg.EnableActuators || call.DryRun {
		return a.stub(call), nil
	}
	switch call.ToolName {
	case "set_lights":
		return a.setLights(ctx, call)
	case "music_next":
		return a.pressMedia(ctx, call, "VK_MEDIA_NEXT_TRACK")
	case "music_pause", "music_resume":
		return a.pressMedia(ctx, call, "VK_MEDIA_PLAY_PAUSE")
	case "keypress":
		return a.keypress(ctx, call)
	case "edparser_start", "edparser_stop", "edparser_status":
		return a.edparser(ctx, call)
	case "jinx_set_effect", "jinx_set_scene", "jinx_set_chase":
		return a.jinx(ctx, call)
	}
	return nil, fmt.Errorf("executor: unknown tool %q", call.ToolName)
}

func (a *Actuators) setLights(ctx context.Context, call ToolCall) (map[string]any, error) {
	if a.cfg.LightsWebhookURL == "" {
		return nil, fmt.Errorf("executor: lights webhook not configured")
	}
	scene, _ := call.Parameters["scene"].(string)
	body, err := json.Marshal(map[string]any{
		"scene":         scene,
		"request_id":    call.RequestID,
		"action_id":     call.ActionID,
		"timestamp_utc": contracts.FormatTimestamp(a.clock.Now()),
	})
	if err != nil {
		return nil, fmt.Errorf("executor: encode lights payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.LightsWebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: lights request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: lights webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor: lights webhook status %d", resp.StatusCode)
	}
	return map[string]any{"tool_name": call.ToolName, "scene": scene, "webhook_status": resp.StatusCode}, nil
}

func (a *Actuators) pressMedia(ctx context.Context, call ToolCall, key string) (map[string]any, error) {
	if a.keyer == nil {
		return nil, fmt.Errorf("executor: key injection unavailable")
	}
	if err := a.keyer.PressKey(ctx, key); err != nil {
		return nil, fmt.Errorf("executor: media key %s: %w", key, err)
	}
	return map[string]any{"tool_name": call.ToolName, "key": key}, nil
}

func (a *Actuators) keypress(ctx context.Context, call ToolCall) (map[string]any, error) {
	if !a.cfg.EnableKeypress {
		return nil, fmt.Errorf("executor: keypress actuator disabled")
	}
	if a.keyer == nil {
		return nil, fmt.Errorf("executor: key injection unavailable")
	}
	if len(a.cfg.AllowedKeypressProcesses) > 0 {
		fg := strings.ToLower(call.ForegroundProcess)
		allowed := false
		for _, p := range a.cfg.AllowedKeypressProcesses {
			if strings.ToLower(p) == fg {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("executor: keypress refused, foreground %q not in allowed processes", call.ForegroundProcess)
		}
	}
	keys := keyList(call.Parameters["keys"])
	if len(keys) == 0 {
		return nil, fmt.Errorf("executor: keypress requires a keys parameter")
	}
	for _, k := range keys {
		if err := a.keyer.PressKey(ctx, k); err != nil {
			return nil, fmt.Errorf("executor: keypress %s: %w", k, err)
		}
	}
	return map[string]any{"tool_name": call.ToolName, "keys": keys}, nil
}

func keyList(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

const edparserStatusKey = "hw.edparser.status"

func (a *Actuators) edparser(ctx context.Context, call ToolCall) (map[string]any, error) {
	if a.states == nil {
		return nil, fmt.Errorf("executor: state store unavailable")
	}
	now := contracts.FormatTimestamp(a.clock.Now())
	switch call.ToolName {
	case "edparser_status":
		item, err := a.states.GetState(ctx, edparserStatusKey)
		if err == store.ErrNotFound {
			return map[string]any{"tool_name": call.ToolName, "status": "stopped"}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"tool_name": call.ToolName, "status": item.StateValue}, nil
	case "edparser_start", "edparser_stop":
		status := "running"
		if call.ToolName == "edparser_stop" {
			status = "stopped"
		}
		_, err := a.states.SetState(ctx, store.StateItem{
			StateKey:      edparserStatusKey,
			StateValue:    status,
			Source:        "brainstem_executor",
			ObservedAtUTC: now,
		}, &store.StateEvent{CorrelationID: call.RequestID, Tags: []string{"actuator", "edparser"}})
		if err != nil {
			return nil, err
		}
		return map[string]any{"tool_name": call.ToolName, "status": status}, nil
	}
	return nil, fmt.Errorf("executor: unknown edparser tool %q", call.ToolName)
}

// jinx routes one lighting effect to the scene, chase or raw-effect
// slot. Effect strings are normalized: "S3" means scene 3, "C2" means
// chase 2. Setting one slot clears the other two; the controller runs
// exactly one program at a time.
func (a *Actuators) jinx(ctx context.Context, call ToolCall) (map[string]any, error) {
	if a.states == nil {
		return nil, fmt.Errorf("executor: state store unavailable")
	}
	effect, _ := call.Parameters["effect"].(string)
	effect = strings.TrimSpace(effect)
	if effect == "" {
		return nil, fmt.Errorf("executor: jinx tool requires an effect parameter")
	}

	slot := "hw.jinx.effect"
	switch {
	case call.ToolName == "jinx_set_scene":
		slot = "hw.jinx.scene"
	case call.ToolName == "jinx_set_chase":
		slot = "hw.jinx.chase"
	case strings.HasPrefix(strings.ToUpper(effect), "S"):
		slot = "hw.jinx.scene"
	case strings.HasPrefix(strings.ToUpper(effect), "C"):
		slot = "hw.jinx.chase"
	}

	now := contracts.FormatTimestamp(a.clock.Now())
	for _, key := range []string{"hw.jinx.scene", "hw.jinx.chase", "hw.jinx.effect"} {
		value := any(nil)
		if key == slot {
			value = effect
		}
		_, err := a.states.SetState(ctx, store.StateItem{
			StateKey:      key,
			StateValue:    value,
			Source:        "brainstem_executor",
			ObservedAtUTC: now,
		}, &store.StateEvent{CorrelationID: call.RequestID, Tags: []string{"actuator", "jinx"}})
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"tool_name": call.ToolName, "slot": slot, "effect": effect}, nil
}
