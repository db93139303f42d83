// Package supervisor derives the active watch condition from observed
// state and publishes it. The mapping is deliberately dumb: degraded
// beats restricted beats game beats standby, with an operator override
// on top. Clever inference belongs in the probes that feed the state,
// not here.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/watchkeeper-labs/brainstem/pkg/contracts"
	"github.com/watchkeeper-labs/brainstem/pkg/policy"
	"github.com/watchkeeper-labs/brainstem/pkg/store"
)

// DefaultInterval is the cadence of the supervisor loop.
const DefaultInterval = 5 * time.Second

const watchConditionKey = "system.watch_condition"

// memoryAlarmThreshold is the used-memory fraction above which the
// handover note raises an alarm.
const memoryAlarmThreshold = 0.90

// Supervisor publishes the watch condition and handover notes.
type Supervisor struct {
	store     *store.Store
	logger    *slog.Logger
	clock     policy.Clock
	interval  time.Duration
	force     string
	sessionID string
	source    string

	previous string
}

// New builds a supervisor. force, when non-empty, pins the condition
// regardless of observed state (operator override).
func New(st *store.Store, force string, interval time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Supervisor{
		store:     st,
		logger:    logger,
		clock:     policy.WallClock(),
		interval:  interval,
		force:     strings.ToUpper(strings.TrimSpace(force)),
		sessionID: "supervisor-main",
		source:    "watch_condition_supervisor",
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Supervisor) SetClock(c policy.Clock) { s.clock = c }

// Derive computes the current watch condition from state. Precedence:
// operator override, degraded, restricted, game, standby.
func (s *Supervisor) Derive(ctx context.Context) string {
	if s.force != "" {
		return s.force
	}
	if s.stateTruthy(ctx, "system.degraded") {
		return "DEGRADED"
	}
	if s.stateTruthy(ctx, "system.restricted_mode") {
		return "RESTRICTED"
	}
	if s.stateTruthy(ctx, "ed.running") {
		return "GAME"
	}
	return "STANDBY"
}

// Tick derives and publishes the watch condition once. On a transition
// it emits WATCH_CONDITION_CHANGED plus a HANDOVER_NOTE snapshot under
// a shared correlation id. Returns the active condition.
func (s *Supervisor) Tick(ctx context.Context) string {
	condition := s.Derive(ctx)
	now := contracts.FormatTimestamp(s.clock.Now())
	mode := conditionMode(condition)

	confidence := 1.0
	_, err := s.store.SetState(ctx, store.StateItem{
		StateKey:      watchConditionKey,
		StateValue:    condition,
		Source:        s.source,
		Confidence:    &confidence,
		ObservedAtUTC: now,
	}, &store.StateEvent{
		Source:    s.source,
		SessionID: s.sessionID,
		Mode:      mode,
		Payload:   map[string]any{"state_key": watchConditionKey, "value": condition},
		Tags:      []string{"watch_condition"},
	})
	if err != nil {
		s.logger.Error("watch condition state write failed", "error", err)
	}

	if s.previous == condition {
		return condition
	}
	from := s.previous
	s.previous = condition

	correlationID := uuid.NewString()
	_, err = s.store.AppendEvent(ctx, store.Event{
		TimestampUTC:  now,
		Type:          "WATCH_CONDITION_CHANGED",
		Source:        s.source,
		SessionID:     s.sessionID,
		CorrelationID: correlationID,
		Mode:          mode,
		Payload:       map[string]any{"from": nullableFrom(from), "to": condition},
		Tags:          []string{"watch_condition", "handover"},
	})
	if err != nil {
		s.logger.Error("watch condition change event failed", "error", err)
	}
	_, err = s.store.AppendEvent(ctx, store.Event{
		TimestampUTC:  now,
		Type:          "HANDOVER_NOTE",
		Source:        s.source,
		SessionID:     s.sessionID,
		CorrelationID: correlationID,
		Mode:          mode,
		Payload:       s.handoverSnapshot(ctx),
		Tags:          []string{"handover"},
	})
	if err != nil {
		s.logger.Error("handover note event failed", "error", err)
	}

	s.logger.Info("watch condition changed", "from", from, "to", condition)
	return condition
}

// Run publishes the watch condition until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// handoverSnapshot captures what the next watchstander needs to know:
// alarms, which probes are reporting, game and music status, AI
// availability.
func (s *Supervisor) handoverSnapshot(ctx context.Context) map[string]any {
	memUsed, memPresent := s.stateNumber(ctx, "hw.memory_used_percent")
	var alarms []string
	if memPresent && memUsed >= memoryAlarmThreshold {
		alarms = append(alarms, "hw.memory_used_percent_high")
	}
	if alarms == nil {
		alarms = []string{}
	}

	aiStatus := "unknown"
	switch {
	case s.stateTruthy(ctx, "ai.degraded"):
		aiStatus = "degraded"
	case s.stateTruthy(ctx, "ai.local.available") && s.stateTruthy(ctx, "ai.cloud.available"):
		aiStatus = "local+cloud"
	case s.stateTruthy(ctx, "ai.local.available"):
		aiStatus = "local_only"
	case s.stateTruthy(ctx, "ai.cloud.available"):
		aiStatus = "cloud_only"
	}

	return map[string]any{
		"equipment": map[string]any{
			"hardware_probe": memPresent,
			"ed_probe":       s.statePresent(ctx, "ed.running"),
			"music_probe":    s.statePresent(ctx, "music.playing"),
		},
		"current_alarms": alarms,
		"ed_status": map[string]any{
			"running":        s.stateValue(ctx, "ed.running"),
			"system_name":    s.stateValue(ctx, "ed.telemetry.system_name"),
			"parser_running": s.stateValue(ctx, "ed.parser.running"),
			"parser_error":   s.stateValue(ctx, "ed.parser.last_error"),
			"aux_apps": map[string]any{
				"sammi_running": s.stateValue(ctx, "hw.app.sammi_running"),
				"jinx_running":  s.stateValue(ctx, "hw.app.jinx_running"),
			},
		},
		"music_status": map[string]any{
			"playing": s.stateValue(ctx, "music.playing"),
			"title":   s.stateValue(ctx, "music.track.title"),
			"artist":  s.stateValue(ctx, "music.track.artist"),
		},
		"ai_status": aiStatus,
	}
}

func (s *Supervisor) stateValue(ctx context.Context, key string) any {
	item, err := s.store.GetState(ctx, key)
	if err != nil {
		return nil
	}
	return item.StateValue
}

func (s *Supervisor) statePresent(ctx context.Context, key string) bool {
	_, err := s.store.GetState(ctx, key)
	return err == nil
}

func (s *Supervisor) stateTruthy(ctx context.Context, key string) bool {
	return truthy(s.stateValue(ctx, key))
}

func (s *Supervisor) stateNumber(ctx context.Context, key string) (float64, bool) {
	n, ok := s.stateValue(ctx, key).(float64)
	return n, ok
}

// truthy mirrors loose boolean coercion for state values written by
// shell probes: "1", "true", "yes" and "on" count as true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func conditionMode(condition string) string {
	mode := strings.ToLower(condition)
	if contracts.ModeSet[mode] {
		return mode
	}
	return "standby"
}

func nullableFrom(from string) any {
	if from == "" {
		return nil
	}
	return from
}
