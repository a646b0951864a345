// Package planner turns a task and run context into plans, localized
// branches, and self-check evaluations.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

var ErrMalformedResponse = errors.New("malformed planner response")

type Trigger string

const (
	TriggerInitial   Trigger = "initial"
	TriggerScheduled Trigger = "scheduled-replan"
	TriggerSelfCheck Trigger = "self-check-replan"
	TriggerBranch    Trigger = "branch"
	TriggerLoopGuard Trigger = "loop-guard"
	TriggerEvaluate  Trigger = "self-check"
)

type Request struct {
	RunID         string
	Task          string
	Trigger       Trigger
	Reason        string
	Preferences   store.Preferences
	Plan          store.Plan
	Steps         []store.Step
	Critique      store.Critique
	ResumeSummary string
	Observations  []string
	FailedStepID  string
	// Final is set on the evaluation that runs once no steps remain.
	Final bool
}

// Completed and Pending split the request's steps for prompt building.
func (r Request) Completed() []store.Step {
	return filterSteps(r.Steps, store.StepCompleted)
}

func (r Request) Pending() []store.Step {
	return filterSteps(r.Steps, store.StepPending)
}

func filterSteps(steps []store.Step, status store.StepStatus) []store.Step {
	var out []store.Step
	for _, step := range steps {
		if step.Status == status {
			out = append(out, step)
		}
	}
	return out
}

type Proposal struct {
	Plan         store.Plan
	Steps        []store.Step
	Critique     store.Critique
	Alternatives []store.Alternative
}

type Evaluation struct {
	Evidence           []string
	Questions          []string
	MissingInformation []string
	Blockers           []string
	Hypotheses         []string
	VerificationSteps  []string
	AbortSignals       []string
	FinishSignals      []string
	OffTrack           bool
	NeedsHuman         bool
	GoalSatisfied      bool
	Improvements       []string
}

// Planner is a blocking call; the caller bounds it with a context deadline.
type Planner interface {
	Plan(ctx context.Context, req Request) (Proposal, error)
	Branch(ctx context.Context, req Request) (Proposal, error)
	Evaluate(ctx context.Context, req Request) (Evaluation, error)
}

// Finalize gives proposed steps arena-unique ids under prefix, resets their
// execution fields, remaps intra-proposal dependencies and subgoal
// references, and validates the result against the existing steps.
func Finalize(proposal *Proposal, prefix string, origin string, existing []store.Step) error {
	if len(proposal.Steps) == 0 {
		return fmt.Errorf("%w: no steps proposed", ErrMalformedResponse)
	}
	taken := make(map[string]bool, len(existing)+len(proposal.Steps))
	for _, step := range existing {
		taken[step.ID] = true
	}
	rename := make(map[string]string, len(proposal.Steps))
	next := 1
	for i := range proposal.Steps {
		step := &proposal.Steps[i]
		original := strings.TrimSpace(step.ID)
		id := original
		if id == "" || taken[id] {
			for {
				id = fmt.Sprintf("%s-%d", prefix, next)
				next++
				if !taken[id] {
					break
				}
			}
		}
		taken[id] = true
		if original != "" {
			rename[original] = id
		}
		step.ID = id
	}
	for i := range proposal.Steps {
		step := &proposal.Steps[i]
		if !knownActions[step.Action.Kind] {
			return fmt.Errorf("%w: step %s has unknown action %q", ErrMalformedResponse, step.ID, step.Action.Kind)
		}
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if renamed, ok := rename[dep]; ok {
				dep = renamed
			}
			if dep != step.ID {
				deps = append(deps, dep)
			}
		}
		step.DependsOn = deps
		step.Status = store.StepPending
		step.Attempts = 0
		step.SnapshotID = ""
		step.LogCount = 0
		step.FailureReason = ""
		step.Error = ""
		step.Approved = false
		step.PolicyOverridden = false
		step.StartedAt = nil
		step.CompletedAt = nil
		step.Origin = origin
		if step.Title == "" {
			step.Title = describeAction(step.Action)
		}
		if step.Tool == "" {
			step.Tool = "browser." + string(step.Action.Kind)
		}
	}
	for gi := range proposal.Plan.Goals {
		for si := range proposal.Plan.Goals[gi].Subgoals {
			ids := proposal.Plan.Goals[gi].Subgoals[si].StepIDs
			for k, id := range ids {
				if renamed, ok := rename[id]; ok {
					ids[k] = renamed
				}
			}
		}
	}
	return store.ValidateSteps(proposal.Steps, existing)
}

var knownActions = map[store.ActionKind]bool{
	store.ActionNavigate: true,
	store.ActionClick:    true,
	store.ActionType:     true,
	store.ActionScroll:   true,
	store.ActionWait:     true,
	store.ActionBack:     true,
	store.ActionReload:   true,
	store.ActionSnapshot: true,
	store.ActionExtract:  true,
}

func describeAction(action store.Action) string {
	switch {
	case action.URL != "":
		return fmt.Sprintf("%s %s", action.Kind, action.URL)
	case action.Selector != "":
		return fmt.Sprintf("%s %s", action.Kind, action.Selector)
	}
	return string(action.Kind)
}
