// Package config loads brainstem settings from an optional YAML file
// overlaid with WKV_* environment variables. Environment always wins,
// so a probe script can flip one knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob of the daemon.
type Config struct {
	Addr               string `yaml:"addr"`
	DBPath             string `yaml:"db_path"`
	StandingOrdersPath string `yaml:"standing_orders_path"`
	LogLevel           string `yaml:"log_level"`

	DefaultWatchCondition string `yaml:"default_watch_condition"`
	ForceWatchCondition   string `yaml:"force_watch_condition"`
	SupervisorInterval    string `yaml:"supervisor_interval"`

	EnableActuators          bool   `yaml:"enable_actuators"`
	EnableKeypress           bool   `yaml:"enable_keypress"`
	KeypressAllowedProcesses string `yaml:"keypress_allowed_processes"`
	LightsWebhookURL         string `yaml:"lights_webhook_url"`

	AdvisoryMode    string `yaml:"advisory_mode"`
	AdvisoryURL     string `yaml:"advisory_url"`
	AdvisoryModel   string `yaml:"advisory_model"`
	AdvisoryTimeout string `yaml:"advisory_timeout"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:                  "127.0.0.1:8131",
		DBPath:                "brainstem.db",
		StandingOrdersPath:    "config/standing_orders.json",
		LogLevel:              "info",
		DefaultWatchCondition: "STANDBY",
		SupervisorInterval:    "5s",
		AdvisoryMode:          "stub",
		AdvisoryURL:           "http://127.0.0.1:11434/api/generate",
		AdvisoryModel:         "phi3:mini",
		AdvisoryTimeout:       "8s",
		RequestsPerSecond:     25,
		RequestBurst:          50,
	}
}

// Load builds the config: defaults, then the YAML file named by
// WKV_CONFIG_FILE (if any), then WKV_* environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("WKV_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if _, err := cfg.SupervisorIntervalDuration(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.AdvisoryTimeoutDuration(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.Addr, "WKV_ADDR")
	envString(&cfg.DBPath, "WKV_DB_PATH")
	envString(&cfg.StandingOrdersPath, "WKV_STANDING_ORDERS_PATH")
	envString(&cfg.LogLevel, "WKV_LOG_LEVEL")
	envString(&cfg.DefaultWatchCondition, "WKV_DEFAULT_WATCH_CONDITION")
	envString(&cfg.ForceWatchCondition, "WKV_FORCE_WATCH_CONDITION")
	envString(&cfg.SupervisorInterval, "WKV_SUPERVISOR_INTERVAL")
	envBool(&cfg.EnableActuators, "WKV_ENABLE_ACTUATORS")
	envBool(&cfg.EnableKeypress, "WKV_ENABLE_KEYPRESS")
	envString(&cfg.KeypressAllowedProcesses, "WKV_KEYPRESS_ALLOWED_PROCESSES")
	envString(&cfg.LightsWebhookURL, "WKV_LIGHTS_WEBHOOK_URL")
	envString(&cfg.AdvisoryMode, "WKV_ADVISORY_MODE")
	envString(&cfg.AdvisoryURL, "WKV_ADVISORY_URL")
	envString(&cfg.AdvisoryModel, "WKV_ADVISORY_MODEL")
	envString(&cfg.AdvisoryTimeout, "WKV_ADVISORY_TIMEOUT")
	envFloat(&cfg.RequestsPerSecond, "WKV_REQUESTS_PER_SECOND")
	envInt(&cfg.RequestBurst, "WKV_REQUEST_BURST")
}

// SupervisorIntervalDuration parses the supervisor cadence.
func (c Config) SupervisorIntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.SupervisorInterval)
	if err != nil {
		return 0, fmt.Errorf("config: supervisor_interval: %w", err)
	}
	return d, nil
}

// AdvisoryTimeoutDuration parses the planner round-trip bound.
func (c Config) AdvisoryTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.AdvisoryTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: advisory_timeout: %w", err)
	}
	return d, nil
}

// KeypressProcesses splits the comma-separated allowlist.
func (c Config) KeypressProcesses() []string {
	var out []string
	for _, p := range strings.Split(c.KeypressAllowedProcesses, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
