package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrStepNotFound          = errors.New("step not found")
	ErrInvalidStepTransition = errors.New("invalid step status transition")
	ErrInvalidPlan           = errors.New("invalid plan")
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionWait     ActionKind = "wait"
	ActionBack     ActionKind = "back"
	ActionReload   ActionKind = "reload"
	ActionSnapshot ActionKind = "snapshot"
	ActionExtract  ActionKind = "extract"
)

type Action struct {
	Kind         ActionKind `json:"kind"`
	URL          string     `json:"url,omitempty"`
	Selector     string     `json:"selector,omitempty"`
	Text         string     `json:"text,omitempty"`
	Destructive  bool       `json:"destructive,omitempty"`
	Irreversible bool       `json:"irreversible,omitempty"`
}

// Signature identifies an action for stall detection.
func (a Action) Signature() string {
	return strings.Join([]string{string(a.Kind), a.URL, a.Selector, a.Text}, "|")
}

type Step struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Status              StepStatus `json:"status"`
	DependsOn           []string   `json:"dependsOn,omitempty"`
	Phase               string     `json:"phase,omitempty"`
	Priority            int        `json:"priority,omitempty"`
	Tool                string     `json:"tool,omitempty"`
	Action              Action     `json:"action"`
	ExpectedObservation string     `json:"expectedObservation,omitempty"`
	SuccessCriterion    string     `json:"successCriterion,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
	SnapshotID          string     `json:"snapshotId,omitempty"`
	LogCount            int        `json:"logCount,omitempty"`
	FailureReason       string     `json:"failureReason,omitempty"`
	Error               string     `json:"error,omitempty"`
	Approved            bool       `json:"approved,omitempty"`
	PolicyOverridden    bool       `json:"policyOverridden,omitempty"`
	Origin              string     `json:"origin,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

type Goal struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	SuccessCriterion string    `json:"successCriterion,omitempty"`
	Subgoals         []Subgoal `json:"subgoals,omitempty"`
}

type Subgoal struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	SuccessCriterion string   `json:"successCriterion,omitempty"`
	StepIDs          []string `json:"stepIds,omitempty"`
}

// Plan is the display hierarchy. Execution reads PlanState.Steps.
type Plan struct {
	Goals []Goal `json:"goals,omitempty"`
}

type Critique struct {
	Assumptions  []string `json:"assumptions,omitempty"`
	Risks        []string `json:"risks,omitempty"`
	Unknowns     []string `json:"unknowns,omitempty"`
	Questions    []string `json:"questions,omitempty"`
	SafetyChecks []string `json:"safetyChecks,omitempty"`
}

type Alternative struct {
	Rank      int    `json:"rank"`
	Title     string `json:"title"`
	Rationale string `json:"rationale,omitempty"`
	Steps     []Step `json:"steps,omitempty"`
}

type PlanLimits struct {
	MaxStepAttempts     int `json:"maxStepAttempts,omitempty"`
	ReplanEverySteps    int `json:"replanEverySteps,omitempty"`
	MaxReplanCalls      int `json:"maxReplanCalls,omitempty"`
	SelfCheckEverySteps int `json:"selfCheckEverySteps,omitempty"`
	MaxSelfChecks       int `json:"maxSelfChecks,omitempty"`
	MaxBranchCalls      int `json:"maxBranchCalls,omitempty"`
	LoopGuardWindow     int `json:"loopGuardWindow,omitempty"`
}

// WithDefaults fills unset (zero) limits from defaults. Negative values mean
// "disabled" and are clamped to zero.
func (l PlanLimits) WithDefaults(defaults PlanLimits) PlanLimits {
	pick := func(value, fallback int) int {
		if value < 0 {
			return 0
		}
		if value == 0 {
			return fallback
		}
		return value
	}
	return PlanLimits{
		MaxStepAttempts:     pick(l.MaxStepAttempts, defaults.MaxStepAttempts),
		ReplanEverySteps:    pick(l.ReplanEverySteps, defaults.ReplanEverySteps),
		MaxReplanCalls:      pick(l.MaxReplanCalls, defaults.MaxReplanCalls),
		SelfCheckEverySteps: pick(l.SelfCheckEverySteps, defaults.SelfCheckEverySteps),
		MaxSelfChecks:       pick(l.MaxSelfChecks, defaults.MaxSelfChecks),
		MaxBranchCalls:      pick(l.MaxBranchCalls, defaults.MaxBranchCalls),
		LoopGuardWindow:     pick(l.LoopGuardWindow, defaults.LoopGuardWindow),
	}
}

type ExtractionField struct {
	Name             string `json:"name"`
	Selector         string `json:"selector"`
	FallbackSelector string `json:"fallbackSelector,omitempty"`
	// Attr applies to Selector matches and FallbackAttr to FallbackSelector
	// matches. An empty attribute reads the element text.
	Attr         string `json:"attr,omitempty"`
	FallbackAttr string `json:"fallbackAttr,omitempty"`
}

type ExtractionPlan struct {
	Target               string            `json:"target"`
	ItemSelector         string            `json:"itemSelector,omitempty"`
	FallbackItemSelector string            `json:"fallbackItemSelector,omitempty"`
	Fields               []ExtractionField `json:"fields"`
}

type Preferences struct {
	IgnoreRobotsTxt      bool            `json:"ignoreRobotsTxt,omitempty"`
	RequireHumanApproval bool            `json:"requireHumanApproval,omitempty"`
	Limits               PlanLimits      `json:"limits"`
	Extraction           *ExtractionPlan `json:"extraction,omitempty"`
}

type Counters struct {
	CompletedSteps      int `json:"completedSteps"`
	StepsSinceReplan    int `json:"stepsSinceReplan"`
	StepsSinceSelfCheck int `json:"stepsSinceSelfCheck"`
	PlannerCalls        int `json:"plannerCalls"`
	ReplanCalls         int `json:"replanCalls"`
	SelfChecks          int `json:"selfChecks"`
	BranchCalls         int `json:"branchCalls"`
	LoopGuardTrips      int `json:"loopGuardTrips"`
}

type BranchRecord struct {
	StepID          string    `json:"stepId"`
	Reason          string    `json:"reason"`
	ReplacedStepIDs []string  `json:"replacedStepIds,omitempty"`
	NewStepIDs      []string  `json:"newStepIds,omitempty"`
	At              time.Time `json:"at"`
}

type OutcomeKind string

const (
	OutcomeDone      OutcomeKind = "done"
	OutcomeResults   OutcomeKind = "results"
	OutcomeNoResults OutcomeKind = "no_results"
)

type Outcome struct {
	Kind   OutcomeKind         `json:"kind"`
	Target string              `json:"target,omitempty"`
	Items  []map[string]string `json:"items,omitempty"`
	Note   string              `json:"note,omitempty"`
}

// PlanState is the serializable run-state record owned by the controller.
type PlanState struct {
	Preferences           Preferences    `json:"preferences"`
	Plan                  Plan           `json:"plan"`
	Steps                 []Step         `json:"steps,omitempty"`
	Critique              Critique       `json:"critique"`
	Alternatives          []Alternative  `json:"alternatives,omitempty"`
	Counters              Counters       `json:"counters"`
	Branches              []BranchRecord `json:"branches,omitempty"`
	PendingApprovalStepID string         `json:"pendingApprovalStepId,omitempty"`
	ResumeFromStepID      string         `json:"resumeFromStepId,omitempty"`
	ResumeSummary         string         `json:"resumeSummary,omitempty"`
	RecentSignatures      []string       `json:"recentSignatures,omitempty"`
	Observations          []string       `json:"observations,omitempty"`
	Outcome               *Outcome       `json:"outcome,omitempty"`
}

func (p PlanState) Clone() PlanState {
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out PlanState
	if err := json.Unmarshal(raw, &out); err != nil {
		return p
	}
	return out
}

func (p *PlanState) Planned() bool {
	return len(p.Steps) > 0
}

func (p *PlanState) Step(stepID string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

func (p *PlanState) DependenciesMet(step Step) bool {
	for _, dep := range step.DependsOn {
		other, ok := p.Step(dep)
		if !ok || other.Status != StepCompleted {
			return false
		}
	}
	return true
}

// NextReady returns the first pending step whose dependencies are completed.
// A pending ResumeFromStepID wins when it is ready.
func (p *PlanState) NextReady() (*Step, bool) {
	if p.ResumeFromStepID != "" {
		if step, ok := p.Step(p.ResumeFromStepID); ok && step.Status == StepPending && p.DependenciesMet(*step) {
			return step, true
		}
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending && p.DependenciesMet(p.Steps[i]) {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Unreachable lists pending steps that can never start because a
// dependency failed or does not exist.
func (p *PlanState) Unreachable() []string {
	var out []string
	for _, step := range p.Steps {
		if step.Status != StepPending {
			continue
		}
		for _, dep := range step.DependsOn {
			other, ok := p.Step(dep)
			if !ok || other.Status == StepFailed {
				out = append(out, step.ID)
				break
			}
		}
	}
	return out
}

func (p *PlanState) PendingCount() int {
	count := 0
	for _, step := range p.Steps {
		if step.Status == StepPending || step.Status == StepRunning {
			count++
		}
	}
	return count
}

// SetStepStatus moves a step forward. Backward or sideways moves are only
// accepted when override is set.
func (p *PlanState) SetStepStatus(stepID string, to StepStatus, override bool) error {
	step, ok := p.Step(stepID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidStepTransition, to)
	}
	if !override && !stepForward(step.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidStepTransition, stepID, step.Status, to)
	}
	step.Status = to
	return nil
}

func stepForward(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepRunning
	case StepRunning:
		return to == StepRunning || to == StepCompleted || to == StepFailed
	}
	return false
}

// ReplaceRemainder drops every pending step and appends the replacement
// steps, returning the ids that were dropped. Dependencies that point at
// dropped steps or at the failed root are removed from the replacements.
func (p *PlanState) ReplaceRemainder(rootStepID string, replacements []Step) []string {
	dropped := map[string]bool{rootStepID: true}
	var replaced []string
	kept := make([]Step, 0, len(p.Steps)+len(replacements))
	for _, step := range p.Steps {
		if step.Status == StepPending {
			dropped[step.ID] = true
			replaced = append(replaced, step.ID)
			continue
		}
		kept = append(kept, step)
	}
	for _, step := range replacements {
		deps := step.DependsOn[:0:0]
		for _, dep := range step.DependsOn {
			if !dropped[dep] {
				deps = append(deps, dep)
			}
		}
		step.DependsOn = deps
		kept = append(kept, step)
	}
	p.Steps = kept
	p.pruneTree(dropped)
	if dropped[p.ResumeFromStepID] {
		p.ResumeFromStepID = ""
	}
	return replaced
}

func (p *PlanState) pruneTree(dropped map[string]bool) {
	for gi := range p.Plan.Goals {
		for si := range p.Plan.Goals[gi].Subgoals {
			sub := &p.Plan.Goals[gi].Subgoals[si]
			ids := sub.StepIDs[:0]
			for _, id := range sub.StepIDs {
				if !dropped[id] || p.hasStep(id) {
					ids = append(ids, id)
				}
			}
			sub.StepIDs = ids
		}
	}
}

func (p *PlanState) hasStep(stepID string) bool {
	_, ok := p.Step(stepID)
	return ok
}

// AttachSubgoal appends a subgoal holding stepIDs to the last goal, creating
// a goal when the tree is empty.
func (p *PlanState) AttachSubgoal(sub Subgoal) {
	if len(p.Plan.Goals) == 0 {
		p.Plan.Goals = append(p.Plan.Goals, Goal{ID: "goal-1", Title: sub.Title})
	}
	last := &p.Plan.Goals[len(p.Plan.Goals)-1]
	last.Subgoals = append(last.Subgoals, sub)
}

// ValidateSteps checks ids are unique and every dependency resolves to a
// known step without cycles. existing holds ids already in the arena.
func ValidateSteps(steps []Step, existing []Step) error {
	known := make(map[string]Step, len(steps)+len(existing))
	for _, step := range existing {
		known[step.ID] = step
	}
	for _, step := range steps {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("%w: step without id", ErrInvalidPlan)
		}
		if _, dup := known[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidPlan, step.ID)
		}
		known[step.ID] = step
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := known[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidPlan, step.ID, dep)
			}
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(known))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle at %s", ErrInvalidPlan, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range known[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, step := range steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}
