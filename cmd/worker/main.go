package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/app"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/workflows"
)

var (
	loadConfig                = config.Load
	logOutput       io.Writer = os.Stderr
	buildRuntime              = app.Build
	dialTemporal              = client.Dial
	newWorker                 = worker.New
	workerInterrupt           = worker.InterruptCh
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

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	rt, err := buildRuntime(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w, workflows.NewActivities(rt.Orchestrator, rt.Store))

	logger.Info("orchestrator worker started", "task_queue", cfg.TemporalTaskQueue, "actuator", cfg.ActuatorMode)
	return w.Run(workerInterrupt())
}
