package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/extraction"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/policy"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// runStep executes one ready step: policy and approval checks, then up to
// MaxStepAttempts actuator attempts, each captured as a snapshot.
func (o *Orchestrator) runStep(ctx context.Context, run store.Run, step store.Step) (bool, error) {
	prefs := run.PlanState.Preferences

	var nav *policy.NavigationDecision
	if step.Action.Kind == store.ActionNavigate && o.guard != nil {
		decision := o.guard.CheckNavigation(ctx, step.Action.URL, prefs)
		if decision.Verdict == policy.Blocked && step.Approved {
			decision.Overridden = true
			decision.Reason = strings.TrimSpace(decision.Reason + " (approved by operator)")
		}
		nav = &decision
		o.metrics.observePolicy(string(decision.Verdict))
		o.record(ctx, run.ID, step.ID, audit.PolicyDecision{
			URL:        decision.URL,
			Verdict:    string(decision.Verdict),
			Reason:     decision.Reason,
			Overridden: decision.Overridden,
			Caveat:     decision.Caveat,
		})
		if !decision.Permitted() {
			return o.blockStep(ctx, run, step, decision)
		}
	}
	if o.guard != nil {
		if approval := o.guard.CheckApproval(step, prefs, nav); approval.Required {
			return o.requestApproval(ctx, run.ID, step.ID, approval.Reason)
		}
	}

	started := o.now()
	_, err := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		if err := r.PlanState.SetStepStatus(step.ID, store.StepRunning, false); err != nil {
			return err
		}
		current, _ := r.PlanState.Step(step.ID)
		current.StartedAt = &started
		current.PolicyOverridden = nav != nil && nav.Overridden
		r.ActiveStepID = step.ID
		return nil
	})
	if err != nil {
		return true, err
	}

	maxAttempts := max(o.effectiveLimits(prefs).MaxStepAttempts, 1)
	attempt := step.Attempts
	if attempt >= maxAttempts {
		attempt = 0
	}
	var (
		obs     actuator.Observation
		lastErr error
	)
	for attempt < maxAttempts {
		attempt++
		obs, lastErr = o.attempt(ctx, run, step, attempt)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		o.logger.Warn("step attempt failed", "run_id", run.ID, "step_id", step.ID, "attempt", attempt, "error", lastErr)
	}
	if lastErr != nil {
		if err := o.failStep(ctx, run.ID, step.ID, attempt, ReasonRetriesExhausted, lastErr.Error()); err != nil {
			return true, err
		}
		return o.handleStepFailure(ctx, run.ID, step.ID, ReasonRetriesExhausted)
	}
	return o.completeStep(ctx, run, step, obs, attempt)
}

func (o *Orchestrator) attempt(ctx context.Context, run store.Run, step store.Step, attempt int) (actuator.Observation, error) {
	actionCtx, cancel := context.WithTimeout(ctx, o.actionTimeout)
	obs, err := o.sessions.do(actionCtx, run, step.Action)
	cancel()

	snapshotID, logCount := o.capture(ctx, run.ID, step.ID, obs)
	_, updateErr := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		current, ok := r.PlanState.Step(step.ID)
		if !ok {
			return store.ErrStepNotFound
		}
		current.Attempts = attempt
		current.LogCount += logCount
		if snapshotID != "" {
			current.SnapshotID = snapshotID
		}
		current.Error = ""
		if err != nil {
			current.Error = err.Error()
		}
		return nil
	})
	if updateErr != nil {
		o.logger.Error("record step attempt", "run_id", run.ID, "step_id", step.ID, "error", updateErr)
	}
	return obs, err
}

// capture persists what an observation carries: a snapshot when there is a
// page or screenshot, plus any console lines.
func (o *Orchestrator) capture(ctx context.Context, runID string, stepID string, obs actuator.Observation) (string, int) {
	var snapshotID string
	if obs.URL != "" || len(obs.Screenshot) > 0 {
		snapshot := store.Snapshot{
			ID:             o.newID(),
			RunID:          runID,
			StepID:         stepID,
			URL:            obs.URL,
			Title:          obs.Title,
			DOMText:        obs.DOMText,
			CursorX:        obs.CursorX,
			CursorY:        obs.CursorY,
			ViewportWidth:  obs.ViewportWidth,
			ViewportHeight: obs.ViewportHeight,
			CreatedAt:      o.now(),
		}
		if len(obs.Screenshot) > 0 {
			if o.assets != nil {
				ref, err := o.assets.Write(runID, snapshot.ID+".png", obs.Screenshot)
				if err != nil {
					o.logger.Warn("write screenshot", "run_id", runID, "error", err)
				}
				snapshot.ScreenshotRef = ref
			} else {
				snapshot.ScreenshotData = obs.Screenshot
			}
		}
		if err := o.store.AppendSnapshot(ctx, snapshot); err != nil {
			o.logger.Error("append snapshot", "run_id", runID, "error", err)
		} else {
			snapshotID = snapshot.ID
			o.broadcaster.Publish(ctx, events.SnapshotEvent(snapshot))
		}
	}

	if len(obs.Logs) == 0 {
		return snapshotID, 0
	}
	logs := make([]store.BrowserLog, 0, len(obs.Logs))
	for _, line := range obs.Logs {
		at := line.At
		if at.IsZero() {
			at = o.now()
		}
		logs = append(logs, store.BrowserLog{
			ID:        o.newID(),
			RunID:     runID,
			StepID:    stepID,
			Level:     line.Level,
			Message:   line.Message,
			CreatedAt: at,
		})
	}
	if err := o.store.AppendBrowserLogs(ctx, logs); err != nil {
		o.logger.Error("append browser logs", "run_id", runID, "error", err)
		return snapshotID, 0
	}
	return snapshotID, len(logs)
}

func (o *Orchestrator) failStep(ctx context.Context, runID string, stepID string, attempts int, reason string, message string) error {
	finished := o.now()
	var current store.Step
	_, err := o.store.UpdateRun(ctx, runID, func(r *store.Run) error {
		step, ok := r.PlanState.Step(stepID)
		if !ok {
			return store.ErrStepNotFound
		}
		if step.Status == store.StepPending {
			if err := r.PlanState.SetStepStatus(stepID, store.StepRunning, false); err != nil {
				return err
			}
		}
		if err := r.PlanState.SetStepStatus(stepID, store.StepFailed, false); err != nil {
			return err
		}
		step.FailureReason = reason
		step.Error = message
		step.CompletedAt = &finished
		if attempts > 0 {
			step.Attempts = attempts
		}
		current = *step
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.observeStep(store.StepFailed)
	o.record(ctx, runID, stepID, audit.StepOutcome{
		Status:     store.StepFailed,
		Attempts:   current.Attempts,
		Reason:     reason,
		Error:      message,
		SnapshotID: current.SnapshotID,
		LogCount:   current.LogCount,
		URL:        current.Action.URL,
	})
	return nil
}

// blockStep fails a navigation the guard refused without touching the
// actuator. With approval enabled the run waits for an operator instead of
// failing.
func (o *Orchestrator) blockStep(ctx context.Context, run store.Run, step store.Step, decision policy.NavigationDecision) (bool, error) {
	message := "blocked by policy"
	if decision.Reason != "" {
		message = fmt.Sprintf("blocked by policy: %s", decision.Reason)
	}
	if err := o.failStep(ctx, run.ID, step.ID, 0, ReasonBlockedByPolicy, message); err != nil {
		return true, err
	}
	if run.PlanState.Preferences.RequireHumanApproval {
		return o.requestApproval(ctx, run.ID, step.ID, message)
	}
	o.fail(ctx, run.ID, ReasonBlockedByPolicy, fmt.Errorf("step %s: %s", step.ID, message))
	return true, nil
}

func (o *Orchestrator) requestApproval(ctx context.Context, runID string, stepID string, reason string) (bool, error) {
	_, err := o.transition(ctx, runID, store.RunWaitingHuman, ReasonApprovalRequired, "", func(r *store.Run) error {
		r.PlanState.PendingApprovalStepID = stepID
		return nil
	})
	if err != nil {
		return true, ignoreTransition(err)
	}
	o.record(ctx, runID, stepID, audit.ApprovalRequested{StepID: stepID, Reason: reason})
	return true, nil
}

func (o *Orchestrator) completeStep(ctx context.Context, run store.Run, step store.Step, obs actuator.Observation, attempts int) (bool, error) {
	prefs := run.PlanState.Preferences
	limits := o.effectiveLimits(prefs)

	var extracted extraction.Result
	if step.Action.Kind == store.ActionExtract && prefs.Extraction != nil {
		var err error
		extracted, err = extraction.Extract(obs.HTML, *prefs.Extraction)
		if err != nil {
			o.logger.Warn("extract records", "run_id", run.ID, "step_id", step.ID, "error", err)
		}
	}

	signature := step.Action.Signature() + "#" + observationHash(obs)
	summary := summarizeObservation(step, obs)
	finished := o.now()
	var current store.Step
	updated, err := o.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		state := &r.PlanState
		if err := state.SetStepStatus(step.ID, store.StepCompleted, false); err != nil {
			return err
		}
		s, _ := state.Step(step.ID)
		s.CompletedAt = &finished
		s.Error = ""
		s.FailureReason = ""
		current = *s

		if len(extracted.Items) > 0 {
			if state.Outcome == nil {
				state.Outcome = &store.Outcome{Target: prefs.Extraction.Target}
			}
			state.Outcome.Items = extraction.Merge(state.Outcome.Items, extracted.Items)
		}
		state.Counters.CompletedSteps++
		state.Counters.StepsSinceReplan++
		state.Counters.StepsSinceSelfCheck++
		state.RecentSignatures = appendBounded(state.RecentSignatures, signature, max(limits.LoopGuardWindow, 1))
		state.Observations = appendBounded(state.Observations, summary, maxObservations)
		if state.ResumeFromStepID == step.ID {
			state.ResumeFromStepID = ""
		}
		r.ActiveStepID = step.ID
		r.CheckpointedAt = finished
		return nil
	})
	if err != nil {
		return true, err
	}
	o.metrics.observeStep(store.StepCompleted)
	o.record(ctx, run.ID, step.ID, audit.StepOutcome{
		Status:     store.StepCompleted,
		Attempts:   attempts,
		SnapshotID: current.SnapshotID,
		LogCount:   current.LogCount,
		URL:        obs.URL,
	})
	if step.Action.Kind == store.ActionExtract && prefs.Extraction != nil {
		o.logger.Info("extracted records", "run_id", run.ID, "step_id", step.ID, "items", len(extracted.Items), "selector", extracted.Selector)
	}
	return o.adapt(ctx, *updated)
}

func appendBounded(values []string, value string, limit int) []string {
	values = append(values, value)
	if len(values) > limit {
		values = append([]string(nil), values[len(values)-limit:]...)
	}
	return values
}

func observationHash(obs actuator.Observation) string {
	sum := sha256.Sum256([]byte(obs.URL + "\x00" + obs.Title + "\x00" + obs.DOMText))
	return hex.EncodeToString(sum[:6])
}

func summarizeObservation(step store.Step, obs actuator.Observation) string {
	text := strings.Join(strings.Fields(obs.DOMText), " ")
	if runes := []rune(text); len(runes) > observationChars {
		text = string(runes[:observationChars]) + "..."
	}
	return fmt.Sprintf("%s [%s] %s %q: %s", step.ID, step.Action.Kind, obs.URL, obs.Title, text)
}
