package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/extraction"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/planner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// Drive advances runID until it settles, stops, or ctx ends. Only queued
// and running runs are advanced; for any other status Drive returns nil.
// A step interrupted mid-flight is retried the next time Drive is called.
// Any other error, or a panic in a collaborator, fails the run with the
// cause recorded; a failed run can be resumed.
func (o *Orchestrator) Drive(ctx context.Context, runID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("drive panicked", "run_id", runID, "panic", r, "stack", string(debug.Stack()))
			err = o.unexpected(ctx, runID, fmt.Errorf("panic: %v", r))
		}
	}()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunQueued:
		if _, err := o.transition(ctx, runID, store.RunRunning, "scheduled", "", nil); err != nil {
			if err = ignoreTransition(err); err != nil {
				return o.unexpected(ctx, runID, err)
			}
			return nil
		}
	case store.RunRunning:
	default:
		return nil
	}
	if err := o.recoverInterrupted(ctx, runID); err != nil {
		return o.unexpected(ctx, runID, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		settled, err := o.advance(ctx, runID)
		if err != nil {
			return o.unexpected(ctx, runID, err)
		}
		if settled {
			return nil
		}
	}
}

// unexpected fails the run for an error the loop has no handling for.
// Cancellation and a deleted run pass through untouched.
func (o *Orchestrator) unexpected(ctx context.Context, runID string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrRunNotFound) {
		return err
	}
	o.logger.Error("drive run", "run_id", runID, "error", err)
	o.fail(context.WithoutCancel(ctx), runID, ReasonUnexpected, err)
	return err
}

// advance performs one unit of work. It reports settled once the loop has
// nothing more to do for the run.
func (o *Orchestrator) advance(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	if run.Status != store.RunRunning {
		return true, nil
	}
	if run.StopRequested {
		_, err := o.transition(ctx, runID, store.RunStopped, "stop requested", "", func(r *store.Run) error {
			r.StopRequested = false
			return nil
		})
		return true, ignoreTransition(err)
	}

	state := &run.PlanState
	if !state.Planned() {
		return o.initialPlan(ctx, *run)
	}
	if step, ok := state.NextReady(); ok {
		return o.runStep(ctx, *run, *step)
	}
	if stranded := state.Unreachable(); len(stranded) > 0 {
		return o.recoverStranded(ctx, *run, stranded)
	}
	if state.PendingCount() == 0 {
		return o.finish(ctx, *run)
	}
	o.fail(ctx, runID, "plan stalled", fmt.Errorf("%d steps pending with none ready", state.PendingCount()))
	return true, nil
}

func (o *Orchestrator) recoverInterrupted(ctx context.Context, runID string) error {
	var reset []string
	_, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		reset = reset[:0]
		for _, step := range run.PlanState.Steps {
			if step.Status != store.StepRunning {
				continue
			}
			if err := run.PlanState.SetStepStatus(step.ID, store.StepPending, true); err != nil {
				return err
			}
			reset = append(reset, step.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range reset {
		o.record(ctx, runID, id, audit.PlanUpdate{
			Operation: "interrupted",
			StepID:    id,
			From:      store.StepRunning,
			To:        store.StepPending,
			Reason:    "step was running when the loop stopped",
		})
	}
	return nil
}

func (o *Orchestrator) plannerRequest(run store.Run, trigger planner.Trigger, reason string) planner.Request {
	state := run.PlanState
	return planner.Request{
		RunID:         run.ID,
		Task:          run.Task,
		Trigger:       trigger,
		Reason:        reason,
		Preferences:   state.Preferences,
		Plan:          state.Plan,
		Steps:         state.Steps,
		Critique:      state.Critique,
		ResumeSummary: state.ResumeSummary,
		Observations:  state.Observations,
	}
}

func (o *Orchestrator) recordPlannerContext(ctx context.Context, req planner.Request) {
	record := audit.PlannerContext{
		Trigger:       string(req.Trigger),
		Task:          req.Task,
		ResumeSummary: req.ResumeSummary,
		Observations:  req.Observations,
	}
	for _, step := range req.Completed() {
		record.CompletedIDs = append(record.CompletedIDs, step.ID)
	}
	for _, step := range req.Pending() {
		record.PendingIDs = append(record.PendingIDs, step.ID)
	}
	o.record(ctx, req.RunID, req.FailedStepID, record)
}

// withPlannerRetry calls the planner up to the configured number of
// attempts, each bounded by the planner timeout. It returns the attempts
// spent.
func withPlannerRetry[T any](ctx context.Context, o *Orchestrator, trigger planner.Trigger, call func(context.Context) (T, error)) (T, int, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= o.plannerAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.plannerTimeout)
		result, err = call(callCtx)
		cancel()
		o.metrics.observePlanner(string(trigger), err)
		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return result, attempt, err
		}
		o.logger.Warn("planner call failed", "trigger", trigger, "attempt", attempt, "error", err)
	}
	return result, o.plannerAttempts, err
}

func (o *Orchestrator) plannerFailed(ctx context.Context, runID string, trigger planner.Trigger, attempts int, cause error, mutate func(*store.PlanState)) {
	_, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		run.PlanState.Counters.PlannerCalls += attempts
		if mutate != nil {
			mutate(&run.PlanState)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("record planner failure", "run_id", runID, "error", err)
	}
	o.record(ctx, runID, "", audit.PlannerFailure{Trigger: string(trigger), Attempts: attempts, Error: cause.Error()})
}

func (o *Orchestrator) initialPlan(ctx context.Context, run store.Run) (bool, error) {
	req := o.plannerRequest(run, planner.TriggerInitial, "initial plan")
	o.recordPlannerContext(ctx, req)
	proposal, attempts, err := withPlannerRetry(ctx, o, planner.TriggerInitial, func(ctx context.Context) (planner.Proposal, error) {
		proposal, err := o.planner.Plan(ctx, req)
		if err != nil {
			return proposal, err
		}
		return proposal, planner.Finalize(&proposal, "step", string(planner.TriggerInitial), nil)
	})
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		o.plannerFailed(ctx, run.ID, planner.TriggerInitial, attempts, err, nil)
		o.fail(ctx, run.ID, "planning failed", err)
		return true, nil
	}

	updated, err := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		state := &r.PlanState
		if state.Planned() {
			return nil
		}
		state.Plan = proposal.Plan
		state.Steps = proposal.Steps
		if len(state.Plan.Goals) == 0 {
			state.AttachSubgoal(store.Subgoal{ID: "plan", Title: r.Task, StepIDs: stepIDs(proposal.Steps)})
		}
		state.Critique = proposal.Critique
		state.Alternatives = proposal.Alternatives
		state.Counters.PlannerCalls += attempts
		return nil
	})
	if err != nil {
		return true, err
	}
	o.record(ctx, run.ID, "", audit.PlanCreated{
		Goals:        updated.PlanState.Plan.Goals,
		Steps:        updated.PlanState.Steps,
		Critique:     updated.PlanState.Critique,
		Alternatives: updated.PlanState.Alternatives,
	})
	o.logger.Info("plan created", "run_id", run.ID, "steps", len(updated.PlanState.Steps))
	return false, nil
}

// recoverStranded handles pending steps stuck behind a failed dependency,
// which happens after an operator marks a step failed.
func (o *Orchestrator) recoverStranded(ctx context.Context, run store.Run, stranded []string) (bool, error) {
	root := ""
	for _, id := range stranded {
		step, _ := run.PlanState.Step(id)
		for _, dep := range step.DependsOn {
			if other, ok := run.PlanState.Step(dep); ok && other.Status == store.StepFailed {
				root = other.ID
				break
			}
		}
		if root != "" {
			break
		}
	}
	if root == "" {
		// Dependencies that no longer exist: drop the stranded steps.
		_, err := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
			kept := r.PlanState.Steps[:0]
			drop := make(map[string]bool, len(stranded))
			for _, id := range stranded {
				drop[id] = true
			}
			for _, step := range r.PlanState.Steps {
				if !drop[step.ID] {
					kept = append(kept, step)
				}
			}
			r.PlanState.Steps = kept
			return nil
		})
		if err != nil {
			return true, err
		}
		o.record(ctx, run.ID, "", audit.PlanAdapt{Reason: "dropped steps with missing dependencies", StepIDs: stranded})
		return false, nil
	}
	return o.handleStepFailure(ctx, run.ID, root, "dependency failed")
}

// handleStepFailure branches around a failed step, falls back to the next
// alternative, and fails the run when neither is available.
func (o *Orchestrator) handleStepFailure(ctx context.Context, runID string, stepID string, reason string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	limits := o.effectiveLimits(run.PlanState.Preferences)
	var cause error
	if run.PlanState.Counters.BranchCalls < limits.MaxBranchCalls {
		if cause = o.branch(ctx, *run, stepID, reason); cause == nil {
			return false, nil
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}
	adopted, err := o.adoptAlternative(ctx, runID, stepID)
	if err != nil {
		return true, err
	}
	if adopted {
		return false, nil
	}
	if cause == nil {
		cause = errors.New("no branch or alternative available")
	}
	o.fail(ctx, runID, fmt.Sprintf("step %s failed (%s)", stepID, reason), cause)
	return true, nil
}

func (o *Orchestrator) finish(ctx context.Context, run store.Run) (bool, error) {
	counters := run.PlanState.Counters
	limits := o.effectiveLimits(run.PlanState.Preferences)
	if counters.SelfChecks < limits.MaxSelfChecks && (counters.SelfChecks == 0 || counters.StepsSinceSelfCheck > 0) {
		settled, err := o.selfCheck(ctx, run, true)
		if err != nil || settled {
			return true, err
		}
		current, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return true, err
		}
		if current.Status != store.RunRunning || current.PlanState.PendingCount() > 0 {
			return false, nil
		}
		run = *current
	}

	outcome := extraction.Finish(run.PlanState)
	if plan := run.PlanState.Preferences.Extraction; plan != nil {
		o.record(ctx, run.ID, "", audit.ExtractionResult{
			Target:  plan.Target,
			Outcome: string(outcome.Kind),
			Items:   len(outcome.Items),
			Note:    outcome.Note,
		})
	}
	reason := "plan complete"
	if outcome.Kind == store.OutcomeNoResults {
		reason = "no results"
	}
	_, err := o.transition(ctx, run.ID, store.RunCompleted, reason, "", func(r *store.Run) error {
		r.PlanState.Outcome = &outcome
		r.ErrorMessage = ""
		r.RequiresHumanIntervention = false
		return nil
	})
	return true, ignoreTransition(err)
}

func stepIDs(steps []store.Step) []string {
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, step.ID)
	}
	return ids
}
