package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type EnqueueRequest struct {
	Task                 string
	Model                string
	Browser              string
	Headless             bool
	IgnoreRobotsTxt      bool
	RequireHumanApproval bool
	Limits               store.PlanLimits
	Extraction           *store.ExtractionPlan
}

func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Run, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalid)
	}
	if req.Extraction != nil && len(req.Extraction.Fields) == 0 {
		return nil, fmt.Errorf("%w: extraction plan needs at least one field", ErrInvalid)
	}
	browser := strings.TrimSpace(req.Browser)
	if browser == "" {
		browser = "chromium"
	}
	now := o.now()
	run := store.Run{
		ID:       o.newID(),
		Task:     task,
		Model:    strings.TrimSpace(req.Model),
		Browser:  browser,
		Headless: req.Headless,
		Status:   store.RunQueued,
		PlanState: store.PlanState{
			Preferences: store.Preferences{
				IgnoreRobotsTxt:      req.IgnoreRobotsTxt,
				RequireHumanApproval: req.RequireHumanApproval,
				Limits:               req.Limits,
				Extraction:           req.Extraction,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	o.metrics.observeCreated()
	o.logger.Info("run enqueued", "run_id", run.ID)
	o.schedule(ctx, run.ID)
	return o.store.GetRun(ctx, run.ID)
}

func (o *Orchestrator) Status(ctx context.Context, runID string) (*store.Run, error) {
	return o.store.GetRun(ctx, runID)
}

func (o *Orchestrator) List(ctx context.Context) ([]store.Run, error) {
	return o.store.ListRuns(ctx)
}

// Delete removes a run and everything recorded for it. Running runs must be
// stopped first.
func (o *Orchestrator) Delete(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunRunning {
		return ErrRunActive
	}
	o.sessions.close(runID)
	if err := o.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	o.broadcaster.Forget(ctx, runID)
	if canceller, ok := o.scheduler.(runCanceller); ok {
		if err := canceller.CancelRun(ctx, runID); err != nil {
			o.logger.Warn("cancel run schedule", "run_id", runID, "error", err)
		}
	}
	if o.assets != nil {
		if err := o.assets.Remove(runID); err != nil {
			o.logger.Warn("remove run assets", "run_id", runID, "error", err)
		}
	}
	return nil
}

const (
	ControlGoto     = "goto"
	ControlReload   = "reload"
	ControlSnapshot = "snapshot"
)

// Control performs one actuator action outside the plan. It shares the
// run's session with the loop and is serialized with it.
func (o *Orchestrator) Control(ctx context.Context, runID string, action string, rawURL string) (*store.Snapshot, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var act store.Action
	switch action {
	case ControlGoto:
		if strings.TrimSpace(rawURL) == "" {
			return nil, fmt.Errorf("%w: goto requires a url", ErrInvalid)
		}
		act = store.Action{Kind: store.ActionNavigate, URL: strings.TrimSpace(rawURL)}
	case ControlReload:
		act = store.Action{Kind: store.ActionReload}
	case ControlSnapshot:
		act = store.Action{Kind: store.ActionSnapshot}
	default:
		return nil, fmt.Errorf("%w: unknown control action %q", ErrInvalid, action)
	}

	actionCtx, cancel := context.WithTimeout(ctx, o.actionTimeout)
	obs, actErr := o.sessions.do(actionCtx, *run, act)
	cancel()
	snapshotID, _ := o.capture(ctx, runID, "", obs)

	record := audit.ControlAction{Action: action, URL: act.URL, SnapshotID: snapshotID}
	if actErr != nil {
		record.Error = actErr.Error()
	}
	o.record(ctx, runID, "", record)
	if actErr != nil {
		return nil, fmt.Errorf("control %s: %w", action, actErr)
	}
	if snapshotID == "" {
		return nil, nil
	}
	return o.store.GetSnapshot(ctx, runID, snapshotID)
}

// Stop is cooperative for running runs: the loop honours the flag between
// steps. Queued and waiting runs stop immediately.
func (o *Orchestrator) Stop(ctx context.Context, runID string) (*store.Run, error) {
	var from store.RunStatus
	run, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		from = run.Status
		switch run.Status {
		case store.RunCompleted, store.RunFailed:
			return ErrRunTerminal
		case store.RunStopped:
			return nil
		case store.RunRunning:
			run.StopRequested = true
			return nil
		}
		return run.Transition(store.RunStopped)
	})
	if err != nil {
		return nil, err
	}
	if from != run.Status {
		o.afterTransition(ctx, *run, from, "stopped by operator", "")
	}
	return run, nil
}

// Resume restarts the loop for a stopped, failed, or waiting run. A named
// step and everything depending on it are reset to pending and the loop
// starts there; otherwise it continues after the last checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string, stepID string, automatic bool) (*store.Run, error) {
	current, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if automatic && current.Status == store.RunRunning && current.StopRequested {
		// The drive ended before honouring the operator's stop.
		return o.transition(ctx, runID, store.RunStopped, "stop requested", "", func(r *store.Run) error {
			r.StopRequested = false
			return nil
		})
	}
	summary := o.resumeSummary(ctx, runID)

	var (
		from  store.RunStatus
		reset []string
	)
	run, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		from = run.Status
		switch run.Status {
		case store.RunCompleted:
			return ErrRunTerminal
		case store.RunRunning:
			if !automatic {
				return ErrRunActive
			}
		case store.RunQueued:
			return ErrRunActive
		}
		state := &run.PlanState
		if stepID != "" {
			if _, ok := state.Step(stepID); !ok {
				return fmt.Errorf("%w: %s", store.ErrStepNotFound, stepID)
			}
		}
		reset = resetForResume(state, stepID)
		state.ResumeFromStepID = stepID
		if stepID != "" {
			run.ActiveStepID = stepID
		}
		state.ResumeSummary = summary
		state.RecentSignatures = nil
		run.StopRequested = false
		run.ErrorMessage = ""
		run.RequiresHumanIntervention = false
		if run.Status == store.RunRunning {
			return nil
		}
		return run.Transition(store.RunRunning)
	})
	if err != nil {
		return nil, err
	}
	o.record(ctx, runID, stepID, audit.ResumeRecap{
		FromStepID:   stepID,
		Automatic:    automatic,
		PriorStatus:  string(current.Status),
		Summary:      summary,
		ResetStepIDs: reset,
	})
	if from != run.Status {
		reason := "resumed by operator"
		if automatic {
			reason = "resumed automatically"
		}
		o.afterTransition(ctx, *run, from, reason, "")
	}
	o.schedule(ctx, runID)
	return run, nil
}

// resetForResume returns interrupted steps, failures not already covered by
// a branch, and the named step with its dependents to pending.
func resetForResume(state *store.PlanState, stepID string) []string {
	branched := make(map[string]bool, len(state.Branches))
	for _, branch := range state.Branches {
		branched[branch.StepID] = true
	}
	targets := map[string]bool{}
	if stepID != "" {
		targets = dependents(state, stepID)
		targets[stepID] = true
	}
	var reset []string
	for i := range state.Steps {
		step := &state.Steps[i]
		switch {
		case targets[step.ID] && step.Status != store.StepPending:
		case step.Status == store.StepRunning:
		case step.Status == store.StepFailed && !branched[step.ID]:
		default:
			continue
		}
		step.Status = store.StepPending
		step.Attempts = 0
		step.Error = ""
		step.FailureReason = ""
		step.CompletedAt = nil
		reset = append(reset, step.ID)
	}
	return reset
}

// dependents returns every step that transitively depends on stepID.
func dependents(state *store.PlanState, stepID string) map[string]bool {
	out := map[string]bool{}
	frontier := []string{stepID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, step := range state.Steps {
			if out[step.ID] {
				continue
			}
			for _, dep := range step.DependsOn {
				if dep == id {
					out[step.ID] = true
					frontier = append(frontier, step.ID)
					break
				}
			}
		}
	}
	return out
}

func (o *Orchestrator) resumeSummary(ctx context.Context, runID string) string {
	records, err := o.audit.Recent(ctx, runID, resumeRecapEntries)
	if err != nil {
		o.logger.Warn("read recent audit", "run_id", runID, "error", err)
		return ""
	}
	lines := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := record.(audit.PlannerContext); ok {
			continue
		}
		lines = append(lines, "- "+audit.Describe(record))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Before resuming:\n" + strings.Join(lines, "\n")
}

// adminUpdate applies a step mutation to a run the loop does not own and
// puts the run back in the loop.
func (o *Orchestrator) adminUpdate(ctx context.Context, runID string, stepID string, reason string, mutate func(run *store.Run, step *store.Step) error) (*store.Run, error) {
	var from store.RunStatus
	run, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		from = run.Status
		switch run.Status {
		case store.RunRunning, store.RunQueued:
			return ErrRunActive
		case store.RunCompleted:
			return ErrRunTerminal
		}
		step, ok := run.PlanState.Step(stepID)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrStepNotFound, stepID)
		}
		if err := mutate(run, step); err != nil {
			return err
		}
		run.StopRequested = false
		run.ErrorMessage = ""
		run.RequiresHumanIntervention = false
		return run.Transition(store.RunRunning)
	})
	if err != nil {
		return nil, err
	}
	o.afterTransition(ctx, *run, from, reason, "")
	o.schedule(ctx, runID)
	return run, nil
}

// RetryStep re-executes a failed or completed step through the normal
// runner path.
func (o *Orchestrator) RetryStep(ctx context.Context, runID string, stepID string) (*store.Run, error) {
	var prior store.StepStatus
	run, err := o.adminUpdate(ctx, runID, stepID, "retry "+stepID, func(run *store.Run, step *store.Step) error {
		prior = step.Status
		if step.Status != store.StepFailed && step.Status != store.StepCompleted {
			return fmt.Errorf("%w: step %s is %s", ErrInvalid, stepID, step.Status)
		}
		if err := run.PlanState.SetStepStatus(stepID, store.StepPending, true); err != nil {
			return err
		}
		step.Attempts = 0
		step.Error = ""
		step.FailureReason = ""
		step.CompletedAt = nil
		run.PlanState.ResumeFromStepID = stepID
		run.ActiveStepID = stepID
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.record(ctx, runID, stepID, audit.PlanUpdate{Operation: "retry", StepID: stepID, From: prior, To: store.StepPending})
	return run, nil
}

// OverrideStep sets a step's status without executing it.
func (o *Orchestrator) OverrideStep(ctx context.Context, runID string, stepID string, status store.StepStatus) (*store.Run, error) {
	switch status {
	case store.StepCompleted, store.StepFailed, store.StepPending:
	default:
		return nil, fmt.Errorf("%w: override status must be completed, failed, or pending", ErrInvalid)
	}
	var prior store.StepStatus
	finished := o.now()
	run, err := o.adminUpdate(ctx, runID, stepID, "override "+stepID, func(run *store.Run, step *store.Step) error {
		prior = step.Status
		if err := run.PlanState.SetStepStatus(stepID, status, true); err != nil {
			return err
		}
		switch status {
		case store.StepPending:
			step.Attempts = 0
			step.CompletedAt = nil
		case store.StepCompleted:
			step.CompletedAt = &finished
			step.Error = ""
			step.FailureReason = ""
		case store.StepFailed:
			step.CompletedAt = &finished
			step.FailureReason = "override"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.record(ctx, runID, stepID, audit.PlanUpdate{Operation: "override", StepID: stepID, From: prior, To: status, Reason: "operator override"})
	return run, nil
}

// ApproveStep clears the pending-approval pointer when stepID matches it.
// Any other step id leaves the run untouched.
func (o *Orchestrator) ApproveStep(ctx context.Context, runID string, stepID string) (*store.Run, error) {
	var (
		from    store.RunStatus
		matched bool
	)
	run, err := o.store.UpdateRun(ctx, runID, func(run *store.Run) error {
		from = run.Status
		matched = false
		switch run.Status {
		case store.RunRunning, store.RunQueued:
			return ErrRunActive
		case store.RunCompleted:
			return ErrRunTerminal
		}
		state := &run.PlanState
		if stepID == "" || state.PendingApprovalStepID != stepID {
			return errNoChange
		}
		step, ok := state.Step(stepID)
		if !ok {
			return errNoChange
		}
		step.Approved = true
		if step.Status == store.StepFailed {
			if err := state.SetStepStatus(stepID, store.StepPending, true); err != nil {
				return err
			}
			step.Attempts = 0
			step.Error = ""
			step.FailureReason = ""
			step.CompletedAt = nil
		}
		state.PendingApprovalStepID = ""
		state.ResumeFromStepID = stepID
		run.StopRequested = false
		run.RequiresHumanIntervention = false
		run.ErrorMessage = ""
		matched = true
		return run.Transition(store.RunRunning)
	})
	if errors.Is(err, errNoChange) {
		return o.store.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	if matched {
		o.record(ctx, runID, stepID, audit.PlanUpdate{Operation: "approve", StepID: stepID, Reason: "approved by operator"})
		o.afterTransition(ctx, *run, from, "approved "+stepID, "")
		o.schedule(ctx, runID)
	}
	return run, nil
}

var errNoChange = errors.New("no change")

func (o *Orchestrator) ListSnapshots(ctx context.Context, runID string, page store.Page) ([]store.Snapshot, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListSnapshots(ctx, runID, page.Normalize())
}

func (o *Orchestrator) ListLogs(ctx context.Context, runID string, stepID string, page store.Page) ([]store.BrowserLog, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListBrowserLogs(ctx, runID, stepID, page.Normalize())
}

func (o *Orchestrator) ListAudit(ctx context.Context, runID string, page store.Page) ([]store.AuditEntry, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListAudit(ctx, runID, page.Normalize())
}

// LatestSnapshot answers polling callers from the live cache, falling back
// to the store when the cache is cold.
func (o *Orchestrator) LatestSnapshot(ctx context.Context, runID string) (*events.SnapshotPayload, error) {
	if event, ok := o.broadcaster.Latest(ctx, runID); ok && event.Snapshot != nil {
		return event.Snapshot, nil
	}
	snapshot, err := o.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return events.SnapshotEvent(*snapshot).Snapshot, nil
}

// Asset resolves a stored asset reference to a path inside the run's
// directory.
func (o *Orchestrator) Asset(ctx context.Context, runID string, ref string) (string, error) {
	if o.assets == nil {
		return "", fmt.Errorf("%w: asset storage is not configured", ErrInvalid)
	}
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return "", err
	}
	return o.assets.Resolve(runID, ref)
}
