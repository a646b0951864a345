// Package audit defines the typed records written to a run's audit trail.
// Each record kind has its own payload struct; the Type discriminator is
// stored alongside the JSON payload and drives decoding.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type Type string

const (
	TypePlannerContext  Type = "planner-context"
	TypePlan            Type = "plan"
	TypePlanUpdate      Type = "plan-update"
	TypePlanBranch      Type = "plan-branch"
	TypePlanReplan      Type = "plan-replan"
	TypePlanAdapt       Type = "plan-adapt"
	TypeSelfCheck       Type = "self-check"
	TypeSelfCheckReplan Type = "self-check-replan"
	TypeSelfImprovement Type = "self-improvement"
	TypeLoopGuard       Type = "loop-guard"
	TypeRunStatus       Type = "run-status"
	TypeStepOutcome     Type = "step-outcome"
	TypePolicy          Type = "policy"
	TypeApproval        Type = "approval"
	TypeResume          Type = "resume"
	TypeControl         Type = "control"
	TypeExtraction      Type = "extraction"
	TypePlannerFailure  Type = "planner-failure"
)

// Record is implemented by every audit payload.
type Record interface {
	AuditType() Type
}

type PlannerContext struct {
	Trigger       string   `json:"trigger"`
	Task          string   `json:"task"`
	CompletedIDs  []string `json:"completedStepIds,omitempty"`
	PendingIDs    []string `json:"pendingStepIds,omitempty"`
	ResumeSummary string   `json:"resumeSummary,omitempty"`
	Observations  []string `json:"observations,omitempty"`
}

type PlanCreated struct {
	Goals        []store.Goal        `json:"goals"`
	Steps        []store.Step        `json:"steps"`
	Critique     store.Critique      `json:"critique"`
	Alternatives []store.Alternative `json:"alternatives,omitempty"`
}

type PlanUpdate struct {
	Operation string           `json:"operation"`
	StepID    string           `json:"stepId"`
	From      store.StepStatus `json:"from,omitempty"`
	To        store.StepStatus `json:"to,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type PlanBranch struct {
	FailedStepID    string       `json:"failedStepId"`
	Reason          string       `json:"reason"`
	ReplacedStepIDs []string     `json:"replacedStepIds,omitempty"`
	Steps           []store.Step `json:"steps"`
	BranchCall      int          `json:"branchCall"`
}

type PlanReplan struct {
	Reason          string       `json:"reason"`
	ReplanCall      int          `json:"replanCall"`
	CompletedSteps  int          `json:"completedSteps"`
	ReplacedStepIDs []string     `json:"replacedStepIds,omitempty"`
	Steps           []store.Step `json:"steps"`
}

// PlanAdapt records a local change to the plan that did not come from a
// planner call, such as dropping steps stranded behind a failed dependency.
type PlanAdapt struct {
	Reason       string   `json:"reason"`
	StepIDs      []string `json:"stepIds"`
	Alternatives int      `json:"alternatives,omitempty"`
}

type SelfCheck struct {
	Check              int      `json:"check"`
	Evidence           []string `json:"evidence,omitempty"`
	Questions          []string `json:"questions,omitempty"`
	MissingInformation []string `json:"missingInformation,omitempty"`
	Blockers           []string `json:"blockers,omitempty"`
	Hypotheses         []string `json:"hypotheses,omitempty"`
	VerificationSteps  []string `json:"verificationSteps,omitempty"`
	AbortSignals       []string `json:"abortSignals,omitempty"`
	FinishSignals      []string `json:"finishSignals,omitempty"`
	OffTrack           bool     `json:"offTrack"`
	NeedsHuman         bool     `json:"needsHuman"`
	GoalSatisfied      bool     `json:"goalSatisfied"`
	Final              bool     `json:"final,omitempty"`
}

type SelfCheckReplan struct {
	Reason          string       `json:"reason"`
	Check           int          `json:"check"`
	ReplanCall      int          `json:"replanCall"`
	ReplacedStepIDs []string     `json:"replacedStepIds,omitempty"`
	Steps           []store.Step `json:"steps"`
}

type SelfImprovement struct {
	Check int      `json:"check"`
	Notes []string `json:"notes"`
}

// LoopGuard records a stall. Action is "replan" (with the replacement
// steps) or "abort".
type LoopGuard struct {
	Signature       string       `json:"signature"`
	Repeats         int          `json:"repeats"`
	Action          string       `json:"action"`
	Reason          string       `json:"reason"`
	TripCounter     int          `json:"trips"`
	ReplanCall      int          `json:"replanCall,omitempty"`
	ReplacedStepIDs []string     `json:"replacedStepIds,omitempty"`
	Steps           []store.Step `json:"steps,omitempty"`
}

type RunStatusChanged struct {
	From   store.RunStatus `json:"from"`
	To     store.RunStatus `json:"to"`
	Reason string          `json:"reason"`
	Error  string          `json:"error,omitempty"`
}

type StepOutcome struct {
	Status     store.StepStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	SnapshotID string           `json:"snapshotId,omitempty"`
	LogCount   int              `json:"logCount"`
	URL        string           `json:"url,omitempty"`
}

type PolicyDecision struct {
	URL        string `json:"url"`
	Verdict    string `json:"verdict"`
	Reason     string `json:"reason,omitempty"`
	Overridden bool   `json:"overridden,omitempty"`
	Caveat     string `json:"caveat,omitempty"`
}

type ApprovalRequested struct {
	StepID string `json:"stepId"`
	Reason string `json:"reason"`
}

type ResumeRecap struct {
	FromStepID   string   `json:"fromStepId,omitempty"`
	Automatic    bool     `json:"automatic,omitempty"`
	PriorStatus  string   `json:"priorStatus"`
	Summary      string   `json:"summary"`
	ResetStepIDs []string `json:"resetStepIds,omitempty"`
}

type ControlAction struct {
	Action     string `json:"action"`
	URL        string `json:"url,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ExtractionResult struct {
	Target   string `json:"target"`
	Outcome  string `json:"outcome"`
	Items    int    `json:"items"`
	Selector string `json:"selector,omitempty"`
	Note     string `json:"note,omitempty"`
}

type PlannerFailure struct {
	Trigger  string `json:"trigger"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (PlannerContext) AuditType() Type    { return TypePlannerContext }
func (PlanCreated) AuditType() Type       { return TypePlan }
func (PlanUpdate) AuditType() Type        { return TypePlanUpdate }
func (PlanBranch) AuditType() Type        { return TypePlanBranch }
func (PlanReplan) AuditType() Type        { return TypePlanReplan }
func (PlanAdapt) AuditType() Type         { return TypePlanAdapt }
func (SelfCheck) AuditType() Type         { return TypeSelfCheck }
func (SelfCheckReplan) AuditType() Type   { return TypeSelfCheckReplan }
func (SelfImprovement) AuditType() Type   { return TypeSelfImprovement }
func (LoopGuard) AuditType() Type         { return TypeLoopGuard }
func (RunStatusChanged) AuditType() Type  { return TypeRunStatus }
func (StepOutcome) AuditType() Type       { return TypeStepOutcome }
func (PolicyDecision) AuditType() Type    { return TypePolicy }
func (ApprovalRequested) AuditType() Type { return TypeApproval }
func (ResumeRecap) AuditType() Type       { return TypeResume }
func (ControlAction) AuditType() Type     { return TypeControl }
func (ExtractionResult) AuditType() Type  { return TypeExtraction }
func (PlannerFailure) AuditType() Type    { return TypePlannerFailure }

var decoders = map[Type]func(json.RawMessage) (Record, error){
	TypePlannerContext:  decodeAs[PlannerContext],
	TypePlan:            decodeAs[PlanCreated],
	TypePlanUpdate:      decodeAs[PlanUpdate],
	TypePlanBranch:      decodeAs[PlanBranch],
	TypePlanReplan:      decodeAs[PlanReplan],
	TypePlanAdapt:       decodeAs[PlanAdapt],
	TypeSelfCheck:       decodeAs[SelfCheck],
	TypeSelfCheckReplan: decodeAs[SelfCheckReplan],
	TypeSelfImprovement: decodeAs[SelfImprovement],
	TypeLoopGuard:       decodeAs[LoopGuard],
	TypeRunStatus:       decodeAs[RunStatusChanged],
	TypeStepOutcome:     decodeAs[StepOutcome],
	TypePolicy:          decodeAs[PolicyDecision],
	TypeApproval:        decodeAs[ApprovalRequested],
	TypeResume:          decodeAs[ResumeRecap],
	TypeControl:         decodeAs[ControlAction],
	TypeExtraction:      decodeAs[ExtractionResult],
	TypePlannerFailure:  decodeAs[PlannerFailure],
}

// Decode rebuilds the typed record for a stored entry.
func Decode(entry store.AuditEntry) (Record, error) {
	decode, ok := decoders[Type(entry.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown audit type %q", entry.Type)
	}
	record, err := decode(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", entry.Type, err)
	}
	return record, nil
}

func decodeAs[T Record](payload json.RawMessage) (Record, error) {
	var value T
	if len(payload) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}
