package workflows

import (
	"context"
	"errors"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type DriveInput struct {
	RunID string
}

type DriveResult struct {
	Status string
}

// RunReader reads the status a drive left the run in.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*store.Run, error)
}

type Activities struct {
	driver orchestrator.Driver
	runs   RunReader
}

func NewActivities(driver orchestrator.Driver, runs RunReader) *Activities {
	return &Activities{driver: driver, runs: runs}
}

// DriveRun advances the run until it settles and reports where it ended.
func (a *Activities) DriveRun(ctx context.Context, input DriveInput) (DriveResult, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return DriveResult{}, errors.New("run_id required")
	}
	if err := a.driver.Drive(ctx, input.RunID); err != nil {
		return DriveResult{}, err
	}
	run, err := a.runs.GetRun(ctx, input.RunID)
	if err != nil {
		return DriveResult{}, err
	}
	return DriveResult{Status: string(run.Status)}, nil
}
