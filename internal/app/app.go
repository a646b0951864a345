// Package app assembles the orchestrator and its collaborators from
// configuration. Both binaries share it so the control plane and the worker
// drive runs with the same stack.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator/browser"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator/toolrunner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/notify"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/planner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/policy"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store/postgres"
)

var dialRedis = events.Dial

var openPostgres = func(dsn string) (store.Store, func() error, error) {
	st, err := postgres.New(dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

// Runtime holds a wired orchestrator and what it was built from.
type Runtime struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        store.Store
	Metrics      *orchestrator.Metrics
	Orchestrator *orchestrator.Orchestrator
	closers      []func() error
}

// Close releases sessions first, then the connections they may still use.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.Orchestrator != nil {
		r.Orchestrator.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.Logger.Warn("close runtime resource", "error", err)
		}
	}
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	fail := func(err error) (*Runtime, error) {
		rt.Close()
		return nil, err
	}

	st, err := newStore(cfg)
	if err != nil {
		return fail(err)
	}
	rt.Store = st.store
	if st.close != nil {
		rt.closers = append(rt.closers, st.close)
	}

	guard, err := NewGuard(cfg)
	if err != nil {
		return fail(err)
	}
	plan, err := NewPlanner(cfg)
	if err != nil {
		return fail(err)
	}
	broadcaster, closeBroadcaster, err := NewBroadcaster(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if closeBroadcaster != nil {
		rt.closers = append(rt.closers, closeBroadcaster)
	}
	assets, err := orchestrator.NewAssetStore(cfg.AssetsDir)
	if err != nil {
		return fail(fmt.Errorf("asset store: %w", err))
	}

	opts := orchestrator.Options{
		Store:          rt.Store,
		Planner:        plan,
		Guard:          guard,
		Launcher:       NewLauncher(cfg, logger),
		Broadcaster:    broadcaster,
		Assets:         assets,
		Metrics:        orchestrator.NewMetrics(),
		Logger:         logger,
		Limits:         cfg.DefaultLimits,
		PlannerTimeout: cfg.PlannerTimeout,
		ActionTimeout:  cfg.ActionTimeout,
	}
	if discord := notify.NewDiscord(cfg.DiscordWebhookURL, nil, logger); discord != nil {
		opts.Notifier = discord
	}
	rt.Metrics = opts.Metrics
	rt.Orchestrator = orchestrator.New(opts)
	return rt, nil
}

type openedStore struct {
	store store.Store
	close func() error
}

func newStore(cfg config.Config) (openedStore, error) {
	switch cfg.StoreMode {
	case config.StoreModeMemory:
		return openedStore{store: memory.New()}, nil
	case config.StoreModePostgres, "":
		st, closeFn, err := openPostgres(cfg.PostgresURL)
		if err != nil {
			return openedStore{}, fmt.Errorf("open postgres store: %w", err)
		}
		return openedStore{store: st, close: closeFn}, nil
	}
	return openedStore{}, fmt.Errorf("unknown store mode %q", cfg.StoreMode)
}

// NewGuard builds the policy guard: robots.txt for navigation, the default
// risk rules plus any YAML rules for approval.
func NewGuard(cfg config.Config) (*policy.Guard, error) {
	robots := policy.NewRobotsChecker(&http.Client{Timeout: cfg.PolicyTimeout}, cfg.RobotsUserAgent, cfg.RobotsCacheTTL)
	opts := []policy.GuardOption{policy.WithLookupTimeout(cfg.PolicyTimeout)}
	if cfg.RiskRulesPath != "" {
		rules, err := policy.LoadRuleSet(cfg.RiskRulesPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, policy.WithRiskPredicate(policy.AnyOf(policy.DefaultRisk, rules)))
	}
	return policy.NewGuard(robots, opts...), nil
}

// NewPlanner returns nil in heuristic mode; the orchestrator then plans
// without a model.
func NewPlanner(cfg config.Config) (planner.Planner, error) {
	provider, err := llm.NewProvider(llm.Config{
		Mode:             cfg.LLMMode,
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		Timeout:          cfg.PlannerTimeout,
		JSONResponses:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if provider == nil {
		return nil, nil
	}
	return planner.NewLLMPlanner(provider), nil
}

func NewLauncher(cfg config.Config, logger *slog.Logger) actuator.Launcher {
	if cfg.ActuatorMode == config.ActuatorModeToolRunner {
		return toolrunner.NewLauncher(cfg.ToolRunnerURL, nil, cfg.ActionTimeout)
	}
	opts := []browser.Option{browser.WithActionTimeout(cfg.ActionTimeout)}
	if cfg.BrowserExecPath != "" {
		opts = append(opts, browser.WithExecPath(cfg.BrowserExecPath))
	}
	if cfg.BrowserUserAgent != "" {
		opts = append(opts, browser.WithUserAgent(cfg.BrowserUserAgent))
	}
	return browser.NewLauncher(logger, opts...)
}

// NewBroadcaster returns the live channel and, for Redis, a closer for the
// client.
func NewBroadcaster(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Broadcaster, func() error, error) {
	if cfg.LiveBroker != config.LiveBrokerRedis {
		return events.NewBroker(events.WithRetention(cfg.LiveRetention)), nil, nil
	}
	client, err := dialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("live broker: %w", err)
	}
	return events.NewRedisBroker(client, logger), client.Close, nil
}
