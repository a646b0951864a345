package planner

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const searchURL = "https://duckduckgo.com/html/?q="

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	humanPattern = regexp.MustCompile(`(?i)(captcha|verify you are human|sign in to continue|log in to continue|access denied)`)
)

// Heuristic plans without a model: it visits every URL named in the task
// (or a web search for the task), snapshots each page, and finishes with an
// extraction step when the run declares one.
type Heuristic struct{}

func (Heuristic) Plan(ctx context.Context, req Request) (Proposal, error) {
	targets := taskURLs(req.Task)
	if len(targets) == 0 {
		targets = []string{searchURL + url.QueryEscape(strings.TrimSpace(req.Task))}
	}
	var (
		proposal Proposal
		ids      []string
		previous string
	)
	completed := map[string]bool{}
	for _, step := range req.Completed() {
		if step.Action.Kind == store.ActionNavigate {
			completed[step.Action.URL] = true
		}
	}
	for i, target := range targets {
		if completed[target] {
			continue
		}
		navID := fmt.Sprintf("visit-%d", i+1)
		snapID := fmt.Sprintf("capture-%d", i+1)
		nav := store.Step{
			ID:                  navID,
			Title:               "Open " + target,
			Phase:               "collect",
			Action:              store.Action{Kind: store.ActionNavigate, URL: target},
			ExpectedObservation: "page loads",
		}
		if previous != "" {
			nav.DependsOn = []string{previous}
		}
		snap := store.Step{
			ID:               snapID,
			Title:            "Capture " + target,
			Phase:            "collect",
			DependsOn:        []string{navID},
			Action:           store.Action{Kind: store.ActionSnapshot},
			SuccessCriterion: "page content captured",
		}
		proposal.Steps = append(proposal.Steps, nav, snap)
		ids = append(ids, navID, snapID)
		previous = snapID
	}
	if extraction := req.Preferences.Extraction; extraction != nil {
		extract := store.Step{
			ID:               "extract",
			Title:            "Extract " + extraction.Target,
			Phase:            "extract",
			Action:           store.Action{Kind: store.ActionExtract, Selector: extraction.ItemSelector},
			SuccessCriterion: "matching items collected",
		}
		if previous != "" {
			extract.DependsOn = []string{previous}
		}
		proposal.Steps = append(proposal.Steps, extract)
		ids = append(ids, extract.ID)
	}
	if len(proposal.Steps) == 0 {
		proposal.Steps = []store.Step{{ID: "recapture", Title: "Capture current page", Action: store.Action{Kind: store.ActionSnapshot}}}
		ids = []string{"recapture"}
	}
	proposal.Plan = store.Plan{Goals: []store.Goal{{
		ID:               "goal-1",
		Title:            strings.TrimSpace(req.Task),
		SuccessCriterion: "every named page visited",
		Subgoals:         []store.Subgoal{{ID: "goal-1.1", Title: "Visit pages", StepIDs: ids}},
	}}}
	proposal.Critique = store.Critique{
		Assumptions:  []string{"the pages named in the task are publicly reachable"},
		Unknowns:     []string{"page structure"},
		SafetyChecks: []string{"read-only navigation"},
	}
	return proposal, nil
}

// Branch retries the failed step's intent through a different path: a failed
// navigation goes through the site root, anything else reloads first.
func (Heuristic) Branch(ctx context.Context, req Request) (Proposal, error) {
	var failed *store.Step
	for i := range req.Steps {
		if req.Steps[i].ID == req.FailedStepID {
			failed = &req.Steps[i]
		}
	}
	if failed == nil {
		return Proposal{}, fmt.Errorf("%w: failed step %s not in request", ErrMalformedResponse, req.FailedStepID)
	}
	var steps []store.Step
	if failed.Action.Kind == store.ActionNavigate {
		root := failed.Action.URL
		if parsed, err := url.Parse(failed.Action.URL); err == nil && parsed.Host != "" {
			root = parsed.Scheme + "://" + parsed.Host + "/"
		}
		steps = []store.Step{
			{ID: "via-root", Title: "Open site root", Action: store.Action{Kind: store.ActionNavigate, URL: root}},
			{ID: "via-root-capture", Title: "Capture site root", DependsOn: []string{"via-root"}, Action: store.Action{Kind: store.ActionSnapshot}},
		}
	} else {
		retry := *failed
		retry.ID = "after-reload"
		retry.DependsOn = []string{"reload"}
		steps = []store.Step{
			{ID: "reload", Title: "Reload page", Action: store.Action{Kind: store.ActionReload}},
			retry,
		}
	}
	for _, pending := range req.Pending() {
		if pending.Action.Kind == store.ActionExtract {
			extract := pending
			extract.ID = ""
			extract.DependsOn = []string{steps[len(steps)-1].ID}
			steps = append(steps, extract)
		}
	}
	return Proposal{
		Plan:  store.Plan{Goals: []store.Goal{{ID: "branch", Title: "Recover from " + failed.ID}}},
		Steps: steps,
	}, nil
}

func (Heuristic) Evaluate(ctx context.Context, req Request) (Evaluation, error) {
	var evaluation Evaluation
	for _, step := range req.Completed() {
		evaluation.Evidence = append(evaluation.Evidence, step.ID+" completed")
	}
	if n := len(req.Observations); n > 0 {
		if match := humanPattern.FindString(req.Observations[n-1]); match != "" {
			evaluation.NeedsHuman = true
			evaluation.Blockers = append(evaluation.Blockers, "page asks for a person: "+match)
		}
	}
	pending := req.Pending()
	evaluation.GoalSatisfied = len(pending) == 0 && !evaluation.NeedsHuman
	if evaluation.GoalSatisfied {
		evaluation.FinishSignals = append(evaluation.FinishSignals, "no steps remain")
	}
	return evaluation, nil
}

func taskURLs(task string) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range urlPattern.FindAllString(task, -1) {
		match = strings.TrimRight(match, ".,;:!?")
		if !seen[match] {
			seen[match] = true
			out = append(out, match)
		}
	}
	return out
}
