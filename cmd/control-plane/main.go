package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/app"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig         = config.Load
	logOutput          io.Writer = os.Stderr
	buildRuntime                 = app.Build
	dialTemporal                 = client.Dial
	newWorkflowService           = workflows.NewService
	newServer                    = func(rt *app.Runtime) server {
		return api.NewServer(rt.Orchestrator, rt.Store, rt.Metrics, rt.Config)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(logOutput)
	slog.SetDefault(logger)

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	switch cfg.SchedulerMode {
	case config.SchedulerModeLocal:
		scheduler := orchestrator.NewLocalScheduler(rt.Orchestrator, logger)
		defer scheduler.Close()
		rt.Orchestrator.SetScheduler(scheduler)
	default:
		workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		rt.Orchestrator.SetScheduler(newWorkflowService(workflowClient, cfg.TemporalTaskQueue))
	}

	sweeper, err := orchestrator.NewSweeper(rt.Orchestrator, cfg.StaleSweepSchedule, cfg.StaleRunAfter)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	logger.Info("orchestrator control plane listening",
		"addr", addr,
		"store", cfg.StoreMode,
		"scheduler", cfg.SchedulerMode,
		"actuator", cfg.ActuatorMode,
		"live_broker", cfg.LiveBroker,
	)
	if err := newServer(rt).Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
