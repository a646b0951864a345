package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const (
	StoreModePostgres = "postgres"
	StoreModeMemory   = "memory"

	SchedulerModeTemporal = "temporal"
	SchedulerModeLocal    = "local"

	ActuatorModeBrowser    = "browser"
	ActuatorModeToolRunner = "toolrunner"

	LiveBrokerMemory = "memory"
	LiveBrokerRedis  = "redis"
)

type Config struct {
	ControlPlanePort  string
	PostgresURL       string
	TemporalAddress   string
	TemporalTaskQueue string

	LLMMode          string
	LLMProvider      string
	LLMModel         string
	LLMBaseURL       string
	OpenAIAPIKey     string
	OpenRouterAPIKey string

	ToolRunnerURL     string
	BrowserExecPath   string
	BrowserUserAgent  string
	DiscordWebhookURL string

	StoreMode     string
	SchedulerMode string
	ActuatorMode  string
	LiveBroker    string
	RedisURL      string
	AssetsDir     string
	LiveRetention time.Duration

	RobotsUserAgent string
	RobotsCacheTTL  time.Duration
	RiskRulesPath   string

	PlannerTimeout     time.Duration
	ActionTimeout      time.Duration
	PolicyTimeout      time.Duration
	StaleRunAfter      time.Duration
	StaleSweepSchedule string

	LogLevel  string
	LogFormat string

	DefaultLimits store.PlanLimits
}

var defaults = map[string]any{
	"CONTROL_PLANE_PORT":             "8080",
	"POSTGRES_USER":                  "gavryn",
	"POSTGRES_PASSWORD":              "gavryn",
	"POSTGRES_HOST":                  "localhost",
	"POSTGRES_PORT":                  "5432",
	"POSTGRES_DB":                    "gavryn",
	"TEMPORAL_ADDRESS":               "localhost:7233",
	"TEMPORAL_TASK_QUEUE":            "orchestrator-runs",
	"LLM_MODE":                       "remote",
	"LLM_PROVIDER":                   "openai",
	"LLM_MODEL":                      "gpt-4o-mini",
	"TOOL_RUNNER_URL":                "http://localhost:8081",
	"STORE_MODE":                     StoreModePostgres,
	"SCHEDULER_MODE":                 SchedulerModeTemporal,
	"ACTUATOR_MODE":                  ActuatorModeBrowser,
	"LIVE_BROKER":                    LiveBrokerMemory,
	"REDIS_URL":                      "redis://localhost:6379/0",
	"ASSETS_DIR":                     "./data/assets",
	"ROBOTS_USER_AGENT":              "gavryn-orchestrator",
	"ROBOTS_CACHE_TTL":               "1h",
	"PLANNER_TIMEOUT":                "60s",
	"ACTION_TIMEOUT":                 "45s",
	"POLICY_TIMEOUT":                 "5s",
	"STALE_RUN_AFTER":                "10m",
	"LIVE_RETENTION":                 "10m",
	"STALE_SWEEP_SCHEDULE":           "*/5 * * * *",
	"LOG_LEVEL":                      "info",
	"LOG_FORMAT":                     "text",
	"DEFAULT_MAX_STEP_ATTEMPTS":      3,
	"DEFAULT_REPLAN_EVERY_STEPS":     5,
	"DEFAULT_MAX_REPLAN_CALLS":       3,
	"DEFAULT_SELF_CHECK_EVERY_STEPS": 4,
	"DEFAULT_MAX_SELF_CHECKS":        3,
	"DEFAULT_MAX_BRANCH_CALLS":       3,
	"DEFAULT_LOOP_GUARD_WINDOW":      3,
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := Config{
		ControlPlanePort:   v.GetString("CONTROL_PLANE_PORT"),
		PostgresURL:        v.GetString("POSTGRES_URL"),
		TemporalAddress:    v.GetString("TEMPORAL_ADDRESS"),
		TemporalTaskQueue:  v.GetString("TEMPORAL_TASK_QUEUE"),
		LLMMode:            v.GetString("LLM_MODE"),
		LLMProvider:        v.GetString("LLM_PROVIDER"),
		LLMModel:           v.GetString("LLM_MODEL"),
		LLMBaseURL:         v.GetString("LLM_BASE_URL"),
		OpenAIAPIKey:       v.GetString("OPENAI_API_KEY"),
		OpenRouterAPIKey:   v.GetString("OPENROUTER_API_KEY"),
		ToolRunnerURL:      v.GetString("TOOL_RUNNER_URL"),
		BrowserExecPath:    v.GetString("BROWSER_EXEC_PATH"),
		BrowserUserAgent:   v.GetString("BROWSER_USER_AGENT"),
		DiscordWebhookURL:  v.GetString("DISCORD_WEBHOOK_URL"),
		StoreMode:          strings.ToLower(v.GetString("STORE_MODE")),
		SchedulerMode:      strings.ToLower(v.GetString("SCHEDULER_MODE")),
		ActuatorMode:       strings.ToLower(v.GetString("ACTUATOR_MODE")),
		LiveBroker:         strings.ToLower(v.GetString("LIVE_BROKER")),
		RedisURL:           v.GetString("REDIS_URL"),
		AssetsDir:          v.GetString("ASSETS_DIR"),
		RobotsUserAgent:    v.GetString("ROBOTS_USER_AGENT"),
		RiskRulesPath:      v.GetString("RISK_RULES_PATH"),
		StaleSweepSchedule: v.GetString("STALE_SWEEP_SCHEDULE"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:          strings.ToLower(v.GetString("LOG_FORMAT")),
		DefaultLimits: store.PlanLimits{
			MaxStepAttempts:     v.GetInt("DEFAULT_MAX_STEP_ATTEMPTS"),
			ReplanEverySteps:    v.GetInt("DEFAULT_REPLAN_EVERY_STEPS"),
			MaxReplanCalls:      v.GetInt("DEFAULT_MAX_REPLAN_CALLS"),
			SelfCheckEverySteps: v.GetInt("DEFAULT_SELF_CHECK_EVERY_STEPS"),
			MaxSelfChecks:       v.GetInt("DEFAULT_MAX_SELF_CHECKS"),
			MaxBranchCalls:      v.GetInt("DEFAULT_MAX_BRANCH_CALLS"),
			LoopGuardWindow:     v.GetInt("DEFAULT_LOOP_GUARD_WINDOW"),
		},
	}
	if cfg.PostgresURL == "" {
		cfg.PostgresURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			v.GetString("POSTGRES_USER"),
			v.GetString("POSTGRES_PASSWORD"),
			v.GetString("POSTGRES_HOST"),
			v.GetString("POSTGRES_PORT"),
			v.GetString("POSTGRES_DB"),
		)
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"ROBOTS_CACHE_TTL", &cfg.RobotsCacheTTL},
		{"PLANNER_TIMEOUT", &cfg.PlannerTimeout},
		{"ACTION_TIMEOUT", &cfg.ActionTimeout},
		{"POLICY_TIMEOUT", &cfg.PolicyTimeout},
		{"STALE_RUN_AFTER", &cfg.StaleRunAfter},
		{"LIVE_RETENTION", &cfg.LiveRetention},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.target = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	enums := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"STORE_MODE", c.StoreMode, []string{StoreModePostgres, StoreModeMemory}},
		{"SCHEDULER_MODE", c.SchedulerMode, []string{SchedulerModeTemporal, SchedulerModeLocal}},
		{"ACTUATOR_MODE", c.ActuatorMode, []string{ActuatorModeBrowser, ActuatorModeToolRunner}},
		{"LIVE_BROKER", c.LiveBroker, []string{LiveBrokerMemory, LiveBrokerRedis}},
		{"LLM_MODE", c.LLMMode, []string{"remote", "local", "heuristic"}},
		{"LOG_LEVEL", c.LogLevel, []string{"debug", "info", "warn", "error"}},
		{"LOG_FORMAT", c.LogFormat, []string{"text", "json"}},
	}
	for _, e := range enums {
		if !contains(e.allowed, e.value) {
			return fmt.Errorf("%s must be one of %s, got %q", e.key, strings.Join(e.allowed, "|"), e.value)
		}
	}
	if strings.TrimSpace(c.StaleSweepSchedule) == "" {
		return fmt.Errorf("STALE_SWEEP_SCHEDULE is required")
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
