// Package config resolves the planning runtime configuration from the
// process environment. Components never read os.Getenv directly; they take a
// Config snapshot (or an EnvLookup for the few late-bound switches).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvLookup resolves an environment variable. It mirrors os.LookupEnv so
// tests can substitute a map-backed implementation.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnvLookup returns an EnvLookup backed by a static map. Test helper.
func MapEnvLookup(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

// ExecutorMode selects whether the executor dispatches actions or only
// observes them.
type ExecutorMode string

const (
	ModeShadow ExecutorMode = "shadow"
	ModeLive   ExecutorMode = "live"
)

// Config is the resolved planning runtime configuration.
type Config struct {
	// Executor
	ExecutorEnabled  bool
	ExecutorMode     ExecutorMode
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	MaxStepsPerMin   int
	BreakerOpenFor   time.Duration
	EmergencyToken   string
	MCPOnly          bool
	StrictFinalize   bool
	GoalBinding      bool
	RigEEnabled      bool
	EpisodeDebug     bool
	JoinKeysCompat   bool
	BuildBudget      BuildBudget
	// Event store
	EventStoreEnabled bool
	DatabaseURL       string
	WorldSeed         string
	// Service endpoints
	BotAPIURL    string
	SterlingURL  string
	CognitionURL string
	MemoryURL    string
	DashboardURL string
	// HTTP server
	ListenAddr string
}

// BuildBudget bounds per-step execution of building leaves.
type BuildBudget struct {
	Disabled    bool
	MaxAttempts int
	MaxElapsed  time.Duration
	MinInterval time.Duration
}

// Load resolves a Config from env. Missing keys fall back to defaults that
// match a local single-bot deployment.
func Load(env EnvLookup) Config {
	if env == nil {
		env = DefaultEnvLookup
	}

	mode := ModeShadow
	if raw, ok := env("EXECUTOR_MODE"); ok && strings.EqualFold(strings.TrimSpace(raw), string(ModeLive)) {
		mode = ModeLive
	}

	return Config{
		ExecutorEnabled:  boolFlag(env, "ENABLE_PLANNING_EXECUTOR", true),
		ExecutorMode:     mode,
		PollInterval:     durationMS(env, "EXECUTOR_POLL_MS", 10*time.Second),
		MaxBackoff:       durationMS(env, "EXECUTOR_MAX_BACKOFF_MS", 30*time.Second),
		MaxStepsPerMin:   intValue(env, "EXECUTOR_MAX_STEPS_PER_MINUTE", 60),
		BreakerOpenFor:   durationMS(env, "BOT_BREAKER_OPEN_MS", 30*time.Second),
		EmergencyToken:   stringValue(env, "EXECUTOR_EMERGENCY_TOKEN", ""),
		MCPOnly:          boolFlag(env, "MCP_ONLY", false),
		StrictFinalize:   boolFlag(env, "PLANNING_STRICT_FINALIZE", false),
		GoalBinding:      boolFlag(env, "ENABLE_GOAL_BINDING", true),
		RigEEnabled:      boolFlag(env, "ENABLE_RIG_E", false),
		EpisodeDebug:     boolFlag(env, "STERLING_EPISODE_DEBUG", false),
		JoinKeysCompat:   boolFlag(env, "JOIN_KEYS_DEPRECATED_COMPAT", false),
		BuildBudget: BuildBudget{
			Disabled:    boolFlag(env, "BUILD_EXEC_BUDGET_DISABLED", false),
			MaxAttempts: intValue(env, "BUILD_EXEC_MAX_ATTEMPTS", 5),
			MaxElapsed:  durationMS(env, "BUILD_EXEC_MAX_ELAPSED_MS", 5*time.Minute),
			MinInterval: durationMS(env, "BUILD_EXEC_MIN_INTERVAL_MS", 250*time.Millisecond),
		},
		EventStoreEnabled: boolFlag(env, "PLANNING_EVENT_STORE", false),
		DatabaseURL:       stringValue(env, "PLANNING_DATABASE_URL", ""),
		WorldSeed:         stringValue(env, "WORLD_SEED", ""),
		BotAPIURL:         stringValue(env, "BOT_API_URL", "http://localhost:3005"),
		SterlingURL:       stringValue(env, "STERLING_URL", "http://localhost:3011"),
		CognitionURL:      stringValue(env, "COGNITION_URL", "http://localhost:3003"),
		MemoryURL:         stringValue(env, "MEMORY_URL", "http://localhost:3001"),
		DashboardURL:      stringValue(env, "DASHBOARD_URL", "http://localhost:3000"),
		ListenAddr:        stringValue(env, "PLANNING_LISTEN_ADDR", ":3002"),
	}
}

func stringValue(env EnvLookup, key, fallback string) string {
	if raw, ok := env(key); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func boolFlag(env EnvLookup, key string, fallback bool) bool {
	raw, ok := env(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func intValue(env EnvLookup, key string, fallback int) int {
	raw, ok := env(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func durationMS(env EnvLookup, key string, fallback time.Duration) time.Duration {
	raw, ok := env(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
