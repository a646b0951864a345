package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

const (
	DriveSignalName = "drive"
)

// Service schedules runs on Temporal. It satisfies orchestrator.Scheduler.
type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = "orchestrator-runs"
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// Schedule signals the run's workflow to drive, starting it when it is not
// running.
func (s *Service) Schedule(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.SignalWithStartWorkflow(
		ctx,
		workflowID(runID),
		DriveSignalName,
		runID,
		options,
		RunWorkflow,
		RunInput{RunID: runID},
	)
	if err != nil {
		return fmt.Errorf("signal run workflow: %w", err)
	}
	return nil
}

// CancelRun ends the run's workflow. The run itself is left as it is, and a
// workflow that already closed is not an error.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	err := s.client.CancelWorkflow(ctx, workflowID(runID), "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Register adds the workflow and its activity to a worker.
func Register(registry worker.Registry, activities *Activities) {
	registry.RegisterWorkflow(RunWorkflow)
	registry.RegisterActivityWithOptions(activities.DriveRun, activity.RegisterOptions{Name: DriveActivityName})
}

func workflowID(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}
