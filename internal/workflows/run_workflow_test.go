package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	tests "go.temporal.io/sdk/testsuite"
)

type WorkflowTestSuite struct {
	suite.Suite
	testSuite *tests.WorkflowTestSuite
	env       *tests.TestWorkflowEnvironment
}

func (s *WorkflowTestSuite) SetupTest() {
	s.testSuite = &tests.WorkflowTestSuite{}
	s.env = s.testSuite.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflow(RunWorkflow)
	s.env.RegisterActivityWithOptions(func(ctx context.Context, input DriveInput) (DriveResult, error) {
		return DriveResult{Status: "completed"}, nil
	}, activity.RegisterOptions{Name: DriveActivityName})
}

func (s *WorkflowTestSuite) TearDownTest() {
	s.env.AssertExpectations(s.T())
}

func (s *WorkflowTestSuite) signalAt(delay time.Duration) {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(DriveSignalName, "scheduled")
	}, delay)
}

func (s *WorkflowTestSuite) TestRunWorkflow_DrivesUntilCompleted() {
	runID := "run-1"

	s.env.OnActivity(DriveActivityName, mock.Anything, DriveInput{RunID: runID}).Return(DriveResult{Status: "waiting_human"}, nil).Once()
	s.env.OnActivity(DriveActivityName, mock.Anything, DriveInput{RunID: runID}).Return(DriveResult{Status: "completed"}, nil).Once()
	s.signalAt(time.Millisecond)
	s.signalAt(time.Minute)

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: runID})
	s.True(s.env.IsWorkflowCompleted())

	var result RunResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
}

func (s *WorkflowTestSuite) TestRunWorkflow_CoalescesSignals() {
	runID := "run-2"

	s.env.OnActivity(DriveActivityName, mock.Anything, DriveInput{RunID: runID}).Return(DriveResult{Status: "stopped"}, nil).Once()
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(DriveSignalName, "one")
		s.env.SignalWorkflow(DriveSignalName, "two")
		s.env.SignalWorkflow(DriveSignalName, "three")
	}, time.Millisecond)
	s.env.RegisterDelayedCallback(func() {
		s.env.CancelWorkflow()
	}, time.Minute)

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: runID})
	s.True(s.env.IsWorkflowCompleted())

	var result RunResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("cancelled", result.Status)
}

func (s *WorkflowTestSuite) TestRunWorkflow_Cancellation() {
	s.env.RegisterDelayedCallback(func() {
		s.env.CancelWorkflow()
	}, time.Millisecond)
	s.signalAt(2 * time.Millisecond)

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-3"})
	s.True(s.env.IsWorkflowCompleted())

	var result RunResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("cancelled", result.Status)
}

func (s *WorkflowTestSuite) TestRunWorkflow_WaitsAfterActivityFailure() {
	runID := "run-4"

	s.env.OnActivity(DriveActivityName, mock.Anything, DriveInput{RunID: runID}).Return(DriveResult{}, errors.New("store unavailable")).Once()
	s.env.OnActivity(DriveActivityName, mock.Anything, DriveInput{RunID: runID}).Return(DriveResult{Status: "completed"}, nil).Once()
	s.signalAt(time.Millisecond)
	s.signalAt(time.Minute)

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: runID})
	s.True(s.env.IsWorkflowCompleted())

	var result RunResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
}

func (s *WorkflowTestSuite) TestRunWorkflow_Timeout() {
	s.env.SetTestTimeout(10 * time.Millisecond)
	s.env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-timeout"})

	err := s.env.GetWorkflowError()
	s.Error(err)

	var timeoutErr *temporal.TimeoutError
	s.True(errors.As(err, &timeoutErr))
}

func TestWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(WorkflowTestSuite))
}
