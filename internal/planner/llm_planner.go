package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const (
	maxPromptObservations = 6
	maxObservationChars   = 1200
)

const planSystemPrompt = `You plan browser automation runs. Reply with one JSON object and nothing else:
{"goals":[{"title":"","successCriterion":"","subgoals":[{"title":"","successCriterion":"","steps":[STEP]}]}],
 "critique":{"assumptions":[],"risks":[],"unknowns":[],"questions":[],"safetyChecks":[]},
 "alternatives":[{"rank":1,"title":"","rationale":"","steps":[STEP]}]}
STEP is {"id":"","title":"","dependsOn":[],"phase":"","priority":0,"expectedObservation":"","successCriterion":"",
 "action":{"kind":"navigate|click|type|scroll|wait|back|reload|snapshot|extract","url":"","selector":"","text":"","destructive":false,"irreversible":false}}.
Mark actions that submit, purchase, delete or send as destructive. Mark navigation that cannot be undone as irreversible.`

const branchSystemPrompt = `A step of a browser automation run failed after all retries. Propose a short replacement
sequence that reaches the same subgoal another way. Reply with one JSON object in the same shape as a plan, holding a
single goal with the replacement steps. Do not repeat the failed action unchanged.`

const evaluateSystemPrompt = `You review the progress of a browser automation run against its task. Reply with one JSON object:
{"evidence":[],"questions":[],"missingInformation":[],"blockers":[],"hypotheses":[],"verificationSteps":[],
 "abortSignals":[],"finishSignals":[],"offTrack":false,"needsHuman":false,"goalSatisfied":false,"improvements":[]}
Set needsHuman only when the run cannot continue without a person (login, captcha, ambiguous instruction).`

// LLMPlanner asks a chat model for plans and evaluations.
type LLMPlanner struct {
	provider llm.Provider
}

func NewLLMPlanner(provider llm.Provider) *LLMPlanner {
	return &LLMPlanner{provider: provider}
}

func (p *LLMPlanner) Plan(ctx context.Context, req Request) (Proposal, error) {
	return p.propose(ctx, planSystemPrompt, req)
}

func (p *LLMPlanner) Branch(ctx context.Context, req Request) (Proposal, error) {
	return p.propose(ctx, branchSystemPrompt, req)
}

func (p *LLMPlanner) Evaluate(ctx context.Context, req Request) (Evaluation, error) {
	content, err := p.provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: evaluateSystemPrompt},
		{Role: "user", Content: buildContext(req)},
	})
	if err != nil {
		return Evaluation{}, err
	}
	var wire wireEvaluation
	if err := decodeJSONObject(content, &wire); err != nil {
		return Evaluation{}, err
	}
	return Evaluation(wire), nil
}

func (p *LLMPlanner) propose(ctx context.Context, system string, req Request) (Proposal, error) {
	content, err := p.provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: buildContext(req)},
	})
	if err != nil {
		return Proposal{}, err
	}
	return ParseProposal(content)
}

func buildContext(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", strings.TrimSpace(req.Task))
	fmt.Fprintf(&b, "Trigger: %s\n", req.Trigger)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	}
	if req.Final {
		b.WriteString("No planned steps remain. Decide whether the task is satisfied.\n")
	}
	if req.ResumeSummary != "" {
		fmt.Fprintf(&b, "Resumed after a pause. Recap:\n%s\n", req.ResumeSummary)
	}
	if extraction := req.Preferences.Extraction; extraction != nil {
		fields := make([]string, 0, len(extraction.Fields))
		for _, field := range extraction.Fields {
			fields = append(fields, field.Name)
		}
		fmt.Fprintf(&b, "Extraction target: %s (fields: %s)\n", extraction.Target, strings.Join(fields, ", "))
	}
	if req.FailedStepID != "" {
		for _, step := range req.Steps {
			if step.ID == req.FailedStepID {
				fmt.Fprintf(&b, "Failed step %s: %s [%s] error: %s\n", step.ID, step.Title, step.Action.Signature(), step.Error)
			}
		}
	}
	if completed := req.Completed(); len(completed) > 0 {
		b.WriteString("Completed steps:\n")
		for _, step := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", step.ID, step.Title)
		}
	}
	if pending := req.Pending(); len(pending) > 0 {
		b.WriteString("Pending steps:\n")
		for _, step := range pending {
			fmt.Fprintf(&b, "- %s: %s [%s]\n", step.ID, step.Title, step.Action.Signature())
		}
	}
	if len(req.Critique.Risks) > 0 {
		fmt.Fprintf(&b, "Known risks: %s\n", strings.Join(req.Critique.Risks, "; "))
	}
	observations := req.Observations
	if len(observations) > maxPromptObservations {
		observations = observations[len(observations)-maxPromptObservations:]
	}
	if len(observations) > 0 {
		b.WriteString("Recent observations:\n")
		for _, observation := range observations {
			fmt.Fprintf(&b, "- %s\n", truncate(observation, maxObservationChars))
		}
	}
	return b.String()
}

type wireStep struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	DependsOn           []string     `json:"dependsOn"`
	Phase               string       `json:"phase"`
	Priority            int          `json:"priority"`
	Tool                string       `json:"tool"`
	ExpectedObservation string       `json:"expectedObservation"`
	SuccessCriterion    string       `json:"successCriterion"`
	Action              store.Action `json:"action"`
}

type wireSubgoal struct {
	Title            string     `json:"title"`
	SuccessCriterion string     `json:"successCriterion"`
	Steps            []wireStep `json:"steps"`
}

type wireGoal struct {
	Title            string        `json:"title"`
	SuccessCriterion string        `json:"successCriterion"`
	Subgoals         []wireSubgoal `json:"subgoals"`
	Steps            []wireStep    `json:"steps"`
}

type wireAlternative struct {
	Rank      int        `json:"rank"`
	Title     string     `json:"title"`
	Rationale string     `json:"rationale"`
	Steps     []wireStep `json:"steps"`
}

type wireProposal struct {
	Goals        []wireGoal        `json:"goals"`
	Steps        []wireStep        `json:"steps"`
	Critique     store.Critique    `json:"critique"`
	Alternatives []wireAlternative `json:"alternatives"`
}

type wireEvaluation struct {
	Evidence           []string `json:"evidence"`
	Questions          []string `json:"questions"`
	MissingInformation []string `json:"missingInformation"`
	Blockers           []string `json:"blockers"`
	Hypotheses         []string `json:"hypotheses"`
	VerificationSteps  []string `json:"verificationSteps"`
	AbortSignals       []string `json:"abortSignals"`
	FinishSignals      []string `json:"finishSignals"`
	OffTrack           bool     `json:"offTrack"`
	NeedsHuman         bool     `json:"needsHuman"`
	GoalSatisfied      bool     `json:"goalSatisfied"`
	Improvements       []string `json:"improvements"`
}

func (w wireStep) step() store.Step {
	return store.Step{
		ID:                  strings.TrimSpace(w.ID),
		Title:               strings.TrimSpace(w.Title),
		DependsOn:           w.DependsOn,
		Phase:               w.Phase,
		Priority:            w.Priority,
		Tool:                w.Tool,
		Action:              w.Action,
		ExpectedObservation: w.ExpectedObservation,
		SuccessCriterion:    w.SuccessCriterion,
	}
}

// ParseProposal flattens a goal/subgoal/step tree from model output into
// the step arena plus the display hierarchy. Steps without ids get
// positional ids so subgoals can reference them.
func ParseProposal(content string) (Proposal, error) {
	var wire wireProposal
	if err := decodeJSONObject(content, &wire); err != nil {
		return Proposal{}, err
	}
	var proposal Proposal
	counter := 0
	flatten := func(steps []wireStep) []string {
		ids := make([]string, 0, len(steps))
		for _, ws := range steps {
			counter++
			step := ws.step()
			if step.ID == "" {
				step.ID = fmt.Sprintf("s%d", counter)
			}
			proposal.Steps = append(proposal.Steps, step)
			ids = append(ids, step.ID)
		}
		return ids
	}
	for gi, wg := range wire.Goals {
		goal := store.Goal{ID: fmt.Sprintf("goal-%d", gi+1), Title: wg.Title, SuccessCriterion: wg.SuccessCriterion}
		for si, ws := range wg.Subgoals {
			goal.Subgoals = append(goal.Subgoals, store.Subgoal{
				ID:               fmt.Sprintf("goal-%d.%d", gi+1, si+1),
				Title:            ws.Title,
				SuccessCriterion: ws.SuccessCriterion,
				StepIDs:          flatten(ws.Steps),
			})
		}
		if len(wg.Steps) > 0 {
			goal.Subgoals = append(goal.Subgoals, store.Subgoal{
				ID:      fmt.Sprintf("goal-%d.%d", gi+1, len(goal.Subgoals)+1),
				Title:   wg.Title,
				StepIDs: flatten(wg.Steps),
			})
		}
		proposal.Plan.Goals = append(proposal.Plan.Goals, goal)
	}
	if len(wire.Steps) > 0 {
		ids := flatten(wire.Steps)
		proposal.Plan.Goals = append(proposal.Plan.Goals, store.Goal{
			ID:       fmt.Sprintf("goal-%d", len(proposal.Plan.Goals)+1),
			Title:    "Plan",
			Subgoals: []store.Subgoal{{ID: "steps", Title: "Steps", StepIDs: ids}},
		})
	}
	if len(proposal.Steps) == 0 {
		return Proposal{}, fmt.Errorf("%w: no steps in plan", ErrMalformedResponse)
	}
	proposal.Critique = wire.Critique
	for _, alt := range wire.Alternatives {
		converted := store.Alternative{Rank: alt.Rank, Title: alt.Title, Rationale: alt.Rationale}
		for _, ws := range alt.Steps {
			converted.Steps = append(converted.Steps, ws.step())
		}
		proposal.Alternatives = append(proposal.Alternatives, converted)
	}
	return proposal, nil
}

// decodeJSONObject tolerates code fences and prose around the object.
func decodeJSONObject(content string, out any) error {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func truncate(value string, maxChars int) string {
	runes := []rune(value)
	if len(runes) <= maxChars {
		return value
	}
	return string(runes[:maxChars]) + "..."
}
