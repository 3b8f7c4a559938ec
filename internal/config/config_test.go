package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(MapEnvLookup(nil))

	if !cfg.ExecutorEnabled {
		t.Error("executor disabled by default")
	}
	if cfg.ExecutorMode != ModeShadow {
		t.Errorf("mode = %q, want shadow default", cfg.ExecutorMode)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("poll = %s", cfg.PollInterval)
	}
	if cfg.MaxBackoff != 30*time.Second {
		t.Errorf("backoff = %s", cfg.MaxBackoff)
	}
	if cfg.MaxStepsPerMin != 60 {
		t.Errorf("steps/min = %d", cfg.MaxStepsPerMin)
	}
	if cfg.EventStoreEnabled {
		t.Error("event store on by default")
	}
	if cfg.BotAPIURL != "http://localhost:3005" {
		t.Errorf("bot url = %q", cfg.BotAPIURL)
	}
	if cfg.BuildBudget.MaxAttempts != 5 || cfg.BuildBudget.MinInterval != 250*time.Millisecond {
		t.Errorf("build budget = %+v", cfg.BuildBudget)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg := Load(MapEnvLookup(map[string]string{
		"EXECUTOR_MODE":                  "LIVE",
		"EXECUTOR_POLL_MS":               "2500",
		"EXECUTOR_MAX_STEPS_PER_MINUTE":  "12",
		"ENABLE_PLANNING_EXECUTOR":       "off",
		"PLANNING_STRICT_FINALIZE":       "yes",
		"PLANNING_EVENT_STORE":           "1",
		"PLANNING_DATABASE_URL":          "postgres://localhost/steve",
		"WORLD_SEED":                     "-42",
		"EXECUTOR_EMERGENCY_TOKEN":       "hunter2",
		"BUILD_EXEC_BUDGET_DISABLED":     "true",
	}))

	if cfg.ExecutorMode != ModeLive {
		t.Errorf("mode = %q", cfg.ExecutorMode)
	}
	if cfg.PollInterval != 2500*time.Millisecond {
		t.Errorf("poll = %s", cfg.PollInterval)
	}
	if cfg.MaxStepsPerMin != 12 {
		t.Errorf("steps/min = %d", cfg.MaxStepsPerMin)
	}
	if cfg.ExecutorEnabled {
		t.Error("executor flag override ignored")
	}
	if !cfg.StrictFinalize || !cfg.EventStoreEnabled || !cfg.BuildBudget.Disabled {
		t.Error("bool overrides ignored")
	}
	if cfg.WorldSeed != "-42" || cfg.EmergencyToken != "hunter2" {
		t.Error("string overrides ignored")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cfg := Load(MapEnvLookup(map[string]string{
		"EXECUTOR_MODE":                 "turbo",
		"EXECUTOR_POLL_MS":              "not-a-number",
		"EXECUTOR_MAX_STEPS_PER_MINUTE": "-5",
		"ENABLE_GOAL_BINDING":           "maybe",
	}))

	if cfg.ExecutorMode != ModeShadow {
		t.Errorf("unknown mode accepted: %q", cfg.ExecutorMode)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("invalid poll accepted: %s", cfg.PollInterval)
	}
	if cfg.MaxStepsPerMin != 60 {
		t.Errorf("negative rate accepted: %d", cfg.MaxStepsPerMin)
	}
	if !cfg.GoalBinding {
		t.Error("unparseable bool did not fall back to default")
	}
}
