package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/planner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// revision is a remainder replacement produced by the planner.
type revision struct {
	call     int
	replaced []string
	steps    []store.Step
}

// adapt runs the post-step triggers in order: loop guard, scheduled
// replan, self-check. Each trigger that fires writes exactly one audit
// entry describing what it did.
func (o *Orchestrator) adapt(ctx context.Context, run store.Run) (bool, error) {
	limits := o.effectiveLimits(run.PlanState.Preferences)

	if signature, repeats, stalled := loopDetected(run.PlanState.RecentSignatures, limits.LoopGuardWindow); stalled {
		settled, err := o.tripLoopGuard(ctx, run, signature, repeats, limits)
		if err != nil || settled {
			return true, err
		}
		return o.adaptSelfCheck(ctx, run.ID)
	}

	counters := run.PlanState.Counters
	if limits.ReplanEverySteps > 0 &&
		counters.StepsSinceReplan >= limits.ReplanEverySteps &&
		counters.ReplanCalls < limits.MaxReplanCalls &&
		run.PlanState.PendingCount() > 0 {
		reason := fmt.Sprintf("scheduled after %d steps", counters.StepsSinceReplan)
		rev, err := o.replan(ctx, run, planner.TriggerScheduled, reason, nil)
		if err == nil {
			o.record(ctx, run.ID, "", audit.PlanReplan{
				Reason:          reason,
				ReplanCall:      rev.call,
				CompletedSteps:  counters.CompletedSteps,
				ReplacedStepIDs: rev.replaced,
				Steps:           rev.steps,
			})
		} else if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}
	return o.adaptSelfCheck(ctx, run.ID)
}

func (o *Orchestrator) adaptSelfCheck(ctx context.Context, runID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	limits := o.effectiveLimits(run.PlanState.Preferences)
	counters := run.PlanState.Counters
	if limits.SelfCheckEverySteps <= 0 ||
		counters.StepsSinceSelfCheck < limits.SelfCheckEverySteps ||
		counters.SelfChecks >= limits.MaxSelfChecks {
		return false, nil
	}
	return o.selfCheck(ctx, *run, false)
}

// loopDetected reports whether the last window signatures are identical.
// Windows below two disable the guard.
func loopDetected(signatures []string, window int) (string, int, bool) {
	if window < 2 || len(signatures) < window {
		return "", 0, false
	}
	tail := signatures[len(signatures)-window:]
	for _, signature := range tail[1:] {
		if signature != tail[0] {
			return "", 0, false
		}
	}
	return tail[0], window, true
}

func (o *Orchestrator) tripLoopGuard(ctx context.Context, run store.Run, signature string, repeats int, limits store.PlanLimits) (bool, error) {
	counters := run.PlanState.Counters
	trips := counters.LoopGuardTrips + 1
	action := strings.SplitN(signature, "#", 2)[0]
	reason := fmt.Sprintf("%q repeated %d times with no change in the page", action, repeats)
	o.logger.Warn("loop guard tripped", "run_id", run.ID, "signature", action, "repeats", repeats)

	if counters.ReplanCalls < limits.MaxReplanCalls {
		rev, err := o.replan(ctx, run, planner.TriggerLoopGuard, reason, func(state *store.PlanState) {
			state.Counters.LoopGuardTrips++
			state.RecentSignatures = nil
		})
		if err == nil {
			o.record(ctx, run.ID, run.ActiveStepID, audit.LoopGuard{
				Signature:       action,
				Repeats:         repeats,
				Action:          "replan",
				Reason:          reason,
				TripCounter:     trips,
				ReplanCall:      rev.call,
				ReplacedStepIDs: rev.replaced,
				Steps:           rev.steps,
			})
			return false, nil
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}

	if _, err := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.PlanState.Counters.LoopGuardTrips++
		return nil
	}); err != nil {
		return true, err
	}
	o.record(ctx, run.ID, run.ActiveStepID, audit.LoopGuard{
		Signature:   action,
		Repeats:     repeats,
		Action:      "abort",
		Reason:      reason,
		TripCounter: trips,
	})
	o.fail(ctx, run.ID, ReasonLoopGuard, errors.New(reason))
	return true, nil
}

// replan asks the planner for a fresh remainder and swaps it in. extra
// runs inside the same guarded update.
func (o *Orchestrator) replan(ctx context.Context, run store.Run, trigger planner.Trigger, reason string, extra func(*store.PlanState)) (revision, error) {
	req := o.plannerRequest(run, trigger, reason)
	o.recordPlannerContext(ctx, req)
	prefix := fmt.Sprintf("replan-%d", run.PlanState.Counters.ReplanCalls+1)
	proposal, attempts, err := withPlannerRetry(ctx, o, trigger, func(ctx context.Context) (planner.Proposal, error) {
		proposal, err := o.planner.Plan(ctx, req)
		if err != nil {
			return proposal, err
		}
		return proposal, planner.Finalize(&proposal, prefix, string(trigger), run.PlanState.Steps)
	})
	if err != nil {
		if ctx.Err() != nil {
			return revision{}, err
		}
		// A failed invocation still spends the replan budget.
		o.plannerFailed(ctx, run.ID, trigger, attempts, err, func(state *store.PlanState) {
			state.Counters.ReplanCalls++
			state.Counters.StepsSinceReplan = 0
		})
		return revision{}, err
	}

	var rev revision
	_, err = o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		state := &r.PlanState
		state.Counters.ReplanCalls++
		state.Counters.PlannerCalls += attempts
		state.Counters.StepsSinceReplan = 0
		rev = revision{call: state.Counters.ReplanCalls}
		rev.replaced = state.ReplaceRemainder("", proposal.Steps)
		rev.steps = addedSteps(state, proposal.Steps)
		state.AttachSubgoal(store.Subgoal{ID: prefix, Title: reason, StepIDs: stepIDs(rev.steps)})
		if !emptyCritique(proposal.Critique) {
			state.Critique = proposal.Critique
		}
		if len(proposal.Alternatives) > 0 {
			state.Alternatives = proposal.Alternatives
		}
		if extra != nil {
			extra(state)
		}
		return nil
	})
	if err != nil {
		return revision{}, err
	}
	o.logger.Info("plan revised", "run_id", run.ID, "trigger", trigger, "replaced", len(rev.replaced), "steps", len(rev.steps))
	return rev, nil
}

// branch replaces the remainder after a failed step with a localized
// recovery plan.
func (o *Orchestrator) branch(ctx context.Context, run store.Run, failedStepID string, reason string) error {
	req := o.plannerRequest(run, planner.TriggerBranch, reason)
	req.FailedStepID = failedStepID
	o.recordPlannerContext(ctx, req)
	call := run.PlanState.Counters.BranchCalls + 1
	prefix := fmt.Sprintf("branch-%d", call)
	proposal, attempts, err := withPlannerRetry(ctx, o, planner.TriggerBranch, func(ctx context.Context) (planner.Proposal, error) {
		proposal, err := o.planner.Branch(ctx, req)
		if err != nil {
			return proposal, err
		}
		return proposal, planner.Finalize(&proposal, prefix, string(planner.TriggerBranch), run.PlanState.Steps)
	})
	if err != nil {
		o.plannerFailed(ctx, run.ID, planner.TriggerBranch, attempts, err, nil)
		return err
	}

	var (
		replaced []string
		added    []store.Step
	)
	_, err = o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		state := &r.PlanState
		state.Counters.BranchCalls++
		state.Counters.PlannerCalls += attempts
		call = state.Counters.BranchCalls
		replaced = state.ReplaceRemainder(failedStepID, proposal.Steps)
		added = addedSteps(state, proposal.Steps)
		state.AttachSubgoal(store.Subgoal{ID: prefix, Title: "Recover from " + failedStepID, StepIDs: stepIDs(added)})
		state.Branches = append(state.Branches, store.BranchRecord{
			StepID:          failedStepID,
			Reason:          reason,
			ReplacedStepIDs: replaced,
			NewStepIDs:      stepIDs(added),
			At:              o.now(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	o.record(ctx, run.ID, failedStepID, audit.PlanBranch{
		FailedStepID:    failedStepID,
		Reason:          reason,
		ReplacedStepIDs: replaced,
		Steps:           added,
		BranchCall:      call,
	})
	return nil
}

// adoptAlternative swaps in the highest ranked unused alternative plan.
func (o *Orchestrator) adoptAlternative(ctx context.Context, runID string, failedStepID string) (bool, error) {
	var (
		adopted   store.Alternative
		added     []store.Step
		remaining int
		found     bool
	)
	_, err := o.store.UpdateRun(ctx, runID, func(r *store.Run) error {
		state := &r.PlanState
		for i, alt := range state.Alternatives {
			if len(alt.Steps) == 0 {
				continue
			}
			proposal := planner.Proposal{Steps: append([]store.Step(nil), alt.Steps...)}
			prefix := fmt.Sprintf("alt-%d", len(state.Branches)+i+1)
			if err := planner.Finalize(&proposal, prefix, "alternative", state.Steps); err != nil {
				continue
			}
			state.Alternatives = append(state.Alternatives[:i:i], state.Alternatives[i+1:]...)
			replaced := state.ReplaceRemainder(failedStepID, proposal.Steps)
			added = addedSteps(state, proposal.Steps)
			state.Branches = append(state.Branches, store.BranchRecord{
				StepID:          failedStepID,
				Reason:          "alternative: " + alt.Title,
				ReplacedStepIDs: replaced,
				NewStepIDs:      stepIDs(added),
				At:              o.now(),
			})
			state.AttachSubgoal(store.Subgoal{ID: prefix, Title: alt.Title, StepIDs: stepIDs(added)})
			adopted = alt
			remaining = len(state.Alternatives)
			found = true
			return nil
		}
		return nil
	})
	if err != nil || !found {
		return false, err
	}
	o.record(ctx, runID, failedStepID, audit.PlanAdapt{
		Reason:       fmt.Sprintf("adopted alternative %q after %s failed", adopted.Title, failedStepID),
		StepIDs:      stepIDs(added),
		Alternatives: remaining,
	})
	return true, nil
}

// selfCheck asks the planner to evaluate progress and acts on the verdict.
func (o *Orchestrator) selfCheck(ctx context.Context, run store.Run, final bool) (bool, error) {
	check := run.PlanState.Counters.SelfChecks + 1
	req := o.plannerRequest(run, planner.TriggerEvaluate, "progress check")
	req.Final = final
	o.recordPlannerContext(ctx, req)
	eval, attempts, err := withPlannerRetry(ctx, o, planner.TriggerEvaluate, func(ctx context.Context) (planner.Evaluation, error) {
		return o.planner.Evaluate(ctx, req)
	})
	if _, uerr := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.PlanState.Counters.SelfChecks++
		r.PlanState.Counters.StepsSinceSelfCheck = 0
		r.PlanState.Counters.PlannerCalls += attempts
		return nil
	}); uerr != nil {
		return true, uerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		o.record(ctx, run.ID, "", audit.PlannerFailure{Trigger: string(planner.TriggerEvaluate), Attempts: attempts, Error: err.Error()})
		return false, nil
	}

	o.record(ctx, run.ID, "", audit.SelfCheck{
		Check:              check,
		Evidence:           eval.Evidence,
		Questions:          eval.Questions,
		MissingInformation: eval.MissingInformation,
		Blockers:           eval.Blockers,
		Hypotheses:         eval.Hypotheses,
		VerificationSteps:  eval.VerificationSteps,
		AbortSignals:       eval.AbortSignals,
		FinishSignals:      eval.FinishSignals,
		OffTrack:           eval.OffTrack,
		NeedsHuman:         eval.NeedsHuman,
		GoalSatisfied:      eval.GoalSatisfied,
		Final:              final,
	})
	if len(eval.Improvements) > 0 {
		o.record(ctx, run.ID, "", audit.SelfImprovement{Check: check, Notes: eval.Improvements})
	}

	switch {
	case eval.NeedsHuman:
		reason := "self-check needs a human"
		if len(eval.Blockers) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, strings.Join(eval.Blockers, "; "))
		}
		_, err := o.transition(ctx, run.ID, store.RunWaitingHuman, reason, "", func(r *store.Run) error {
			r.RequiresHumanIntervention = true
			return nil
		})
		return true, ignoreTransition(err)
	case eval.OffTrack:
		current, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return true, err
		}
		limits := o.effectiveLimits(current.PlanState.Preferences)
		if current.PlanState.Counters.ReplanCalls >= limits.MaxReplanCalls {
			o.fail(ctx, run.ID, "replan budget exhausted while off track", nil)
			return true, nil
		}
		reason := "self-check found the run off track"
		if len(eval.AbortSignals) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, strings.Join(eval.AbortSignals, "; "))
		}
		rev, err := o.replan(ctx, *current, planner.TriggerSelfCheck, reason, nil)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return false, nil
		}
		o.record(ctx, run.ID, "", audit.SelfCheckReplan{
			Reason:          reason,
			Check:           check,
			ReplanCall:      rev.call,
			ReplacedStepIDs: rev.replaced,
			Steps:           rev.steps,
		})
	}
	return false, nil
}

// addedSteps returns the state's copies of steps, which carry any
// dependency pruning applied on insertion.
func addedSteps(state *store.PlanState, steps []store.Step) []store.Step {
	out := make([]store.Step, 0, len(steps))
	for _, step := range steps {
		if current, ok := state.Step(step.ID); ok {
			out = append(out, *current)
		}
	}
	return out
}

func emptyCritique(c store.Critique) bool {
	return len(c.Assumptions) == 0 && len(c.Risks) == 0 && len(c.Unknowns) == 0 && len(c.Questions) == 0 && len(c.SafetyChecks) == 0
}
