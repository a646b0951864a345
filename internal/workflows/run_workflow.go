package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// DriveActivityName is the registered name of Activities.DriveRun.
const DriveActivityName = "DriveRun"

// drivesPerExecution bounds workflow history; the workflow continues as new
// once it is reached.
const drivesPerExecution = 200

type RunInput struct {
	RunID string
}

type RunResult struct {
	Status string
}

// RunWorkflow owns one run. Every drive signal executes DriveRun; signals
// that arrive while a drive is in flight collapse into the next one. The
// workflow ends once the run completes.
func RunWorkflow(ctx workflow.Context, input RunInput) (RunResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	logger := workflow.GetLogger(ctx)
	driveCh := workflow.GetSignalChannel(ctx, DriveSignalName)

	for drives := 0; ; {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(driveCh, func(c workflow.ReceiveChannel, more bool) {
			var reason string
			c.Receive(ctx, &reason)
			for c.ReceiveAsync(&reason) {
			}
		})
		selector.Select(ctx)
		if ctx.Err() != nil {
			return RunResult{Status: "cancelled"}, nil
		}

		drives++
		result := DriveResult{}
		if err := workflow.ExecuteActivity(ctx, DriveActivityName, DriveInput{RunID: input.RunID}).Get(ctx, &result); err != nil {
			// The stale-run sweeper resumes the run and signals again.
			logger.Error("drive activity failed", "run_id", input.RunID, "error", err)
			if ctx.Err() != nil {
				return RunResult{Status: "cancelled"}, nil
			}
			continue
		}
		logger.Info("run driven", "run_id", input.RunID, "status", result.Status)
		if result.Status == string(store.RunCompleted) {
			return RunResult{Status: result.Status}, nil
		}
		if drives >= drivesPerExecution && driveCh.Len() == 0 {
			return RunResult{}, workflow.NewContinueAsNewError(ctx, RunWorkflow, input)
		}
	}
}
