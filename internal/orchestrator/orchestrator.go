// Package orchestrator drives runs: it plans, executes steps through the
// actuator under the policy guard, adapts the plan, checkpoints, and
// serves the administrative operations that act on a run from outside the
// loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/planner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/policy"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

var (
	// ErrRunActive rejects administrative mutation while the loop owns the run.
	ErrRunActive   = errors.New("run is active")
	ErrRunTerminal = errors.New("run is completed")
	ErrInvalid     = errors.New("invalid request")
)

// Failure reason codes.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonBlockedByPolicy  = "blocked_by_policy"
	ReasonLoopGuard        = "loop_guard"
	ReasonApprovalRequired = "approval_required"
	ReasonUnexpected       = "unexpected error"
)

const (
	defaultPlannerAttempts = 2
	defaultPlannerTimeout  = 60 * time.Second
	defaultActionTimeout   = 45 * time.Second
	maxObservations        = 10
	observationChars       = 600
	resumeRecapEntries     = 12
)

// DefaultLimits apply to runs that leave a limit unset.
var DefaultLimits = store.PlanLimits{
	MaxStepAttempts:     3,
	ReplanEverySteps:    5,
	MaxReplanCalls:      3,
	SelfCheckEverySteps: 4,
	MaxSelfChecks:       3,
	MaxBranchCalls:      3,
	LoopGuardWindow:     3,
}

// Scheduler arranges for Drive to be called for a run.
type Scheduler interface {
	Schedule(ctx context.Context, runID string) error
}

// runCanceller is implemented by schedulers that hold per-run state
// outliving the run, such as a workflow.
type runCanceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// PolicyGuard is satisfied by *policy.Guard.
type PolicyGuard interface {
	CheckNavigation(ctx context.Context, rawURL string, prefs store.Preferences) policy.NavigationDecision
	CheckApproval(step store.Step, prefs store.Preferences, nav *policy.NavigationDecision) policy.ApprovalDecision
}

type Notification struct {
	RunID  string
	Task   string
	Status store.RunStatus
	Reason string
	StepID string
	Error  string
}

// Notifier hears about runs that need a person or have settled.
type Notifier interface {
	Notify(ctx context.Context, notification Notification)
}

type Options struct {
	Store           store.Store
	Planner         planner.Planner
	Guard           PolicyGuard
	Launcher        actuator.Launcher
	Broadcaster     events.Broadcaster
	Assets          *AssetStore
	Notifier        Notifier
	Metrics         *Metrics
	Logger          *slog.Logger
	Limits          store.PlanLimits
	PlannerTimeout  time.Duration
	PlannerAttempts int
	ActionTimeout   time.Duration
}

type Orchestrator struct {
	store           store.Store
	audit           *audit.Log
	planner         planner.Planner
	guard           PolicyGuard
	sessions        *sessionRegistry
	broadcaster     events.Broadcaster
	assets          *AssetStore
	notifier        Notifier
	metrics         *Metrics
	logger          *slog.Logger
	limits          store.PlanLimits
	plannerTimeout  time.Duration
	plannerAttempts int
	actionTimeout   time.Duration
	scheduler       Scheduler
	now             func() time.Time
	newID           func() string
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var plan planner.Planner = planner.Heuristic{}
	if opts.Planner != nil {
		plan = opts.Planner
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = events.NewBroker()
	}
	o := &Orchestrator{
		store:           opts.Store,
		audit:           audit.NewLog(opts.Store),
		planner:         plan,
		guard:           opts.Guard,
		sessions:        newSessionRegistry(opts.Launcher),
		broadcaster:     broadcaster,
		assets:          opts.Assets,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		logger:          logger,
		limits:          opts.Limits.WithDefaults(DefaultLimits),
		plannerTimeout:  opts.PlannerTimeout,
		plannerAttempts: opts.PlannerAttempts,
		actionTimeout:   opts.ActionTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	if o.plannerTimeout <= 0 {
		o.plannerTimeout = defaultPlannerTimeout
	}
	if o.plannerAttempts <= 0 {
		o.plannerAttempts = defaultPlannerAttempts
	}
	if o.actionTimeout <= 0 {
		o.actionTimeout = defaultActionTimeout
	}
	return o
}

// SetScheduler wires the scheduler used by Enqueue and the lifecycle
// actions. Schedulers usually need the Orchestrator themselves, hence the
// setter.
func (o *Orchestrator) SetScheduler(scheduler Scheduler) {
	o.scheduler = scheduler
}

func (o *Orchestrator) Broadcaster() events.Broadcaster {
	return o.broadcaster
}

func (o *Orchestrator) schedule(ctx context.Context, runID string) {
	if o.scheduler == nil {
		o.logger.Warn("no scheduler configured", "run_id", runID)
		return
	}
	if err := o.scheduler.Schedule(ctx, runID); err != nil {
		// The stale-run sweeper picks the run up later.
		o.logger.Error("schedule run", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, runID string, stepID string, record audit.Record) {
	if _, err := o.audit.Append(ctx, runID, stepID, record); err != nil {
		o.logger.Error("append audit entry", "run_id", runID, "type", record.AuditType(), "error", err)
	}
}

// transition moves a run to status inside one guarded update, then emits
// the audit entry, live status event, metrics, and notification. mutate may
// adjust the run further before the write. A terminal transition also saves
// the session recording and points the run at it.
func (o *Orchestrator) transition(ctx context.Context, runID string, to store.RunStatus, reason string, errMessage string, mutate store.RunMutation) (*store.Run, error) {
	var recordingRef string
	if terminal(to) {
		recordingRef = o.saveRecording(runID)
	}
	var from store.RunStatus
	run, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		from = run.Status
		if err := run.Transition(to); err != nil {
			return err
		}
		if errMessage != "" {
			run.ErrorMessage = errMessage
		}
		if recordingRef != "" {
			run.RecordingRef = recordingRef
		}
		if mutate != nil {
			return mutate(run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.afterTransition(ctx, *run, from, reason, errMessage)
	return run, nil
}

func (o *Orchestrator) afterTransition(ctx context.Context, run store.Run, from store.RunStatus, reason string, errMessage string) {
	o.record(ctx, run.ID, run.PlanState.PendingApprovalStepID, audit.RunStatusChanged{From: from, To: run.Status, Reason: reason, Error: errMessage})
	o.broadcaster.Publish(ctx, events.StatusEvent(run.ID, run.Status))
	o.metrics.observeTransition(from, run.Status)
	o.logger.Info("run status changed", "run_id", run.ID, "from", from, "to", run.Status, "reason", reason)

	if terminal(run.Status) {
		o.sessions.close(run.ID)
	}
	if o.notifier != nil && (run.Status == store.RunWaitingHuman || terminal(run.Status)) {
		o.notifier.Notify(ctx, Notification{
			RunID:  run.ID,
			Task:   run.Task,
			Status: run.Status,
			Reason: reason,
			StepID: run.PlanState.PendingApprovalStepID,
			Error:  errMessage,
		})
	}
}

func terminal(status store.RunStatus) bool {
	switch status {
	case store.RunCompleted, store.RunFailed, store.RunStopped:
		return true
	}
	return false
}

func (o *Orchestrator) saveRecording(runID string) string {
	if o.assets == nil {
		return ""
	}
	recording, ok := o.sessions.recording(runID)
	if !ok {
		return ""
	}
	ref, err := o.assets.Write(runID, "recording."+recording.Extension, recording.Data)
	if err != nil {
		o.logger.Warn("save session recording", "run_id", runID, "error", err)
		return ""
	}
	return ref
}

func (o *Orchestrator) fail(ctx context.Context, runID string, reason string, cause error) {
	message := reason
	if cause != nil {
		message = fmt.Sprintf("%s: %v", reason, cause)
	}
	if _, err := o.transition(ctx, runID, store.RunFailed, reason, message, nil); err != nil {
		o.logger.Error("mark run failed", "run_id", runID, "reason", reason, "error", err)
	}
}

// ignoreTransition swallows a rejected status change. The run moved on
// underneath the loop, which is not an error for the loop.
func ignoreTransition(err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (o *Orchestrator) effectiveLimits(prefs store.Preferences) store.PlanLimits {
	return prefs.Limits.WithDefaults(o.limits)
}
