package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type scriptedProvider struct {
	replies  []string
	err      error
	messages [][]llm.Message
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	p.messages = append(p.messages, messages)
	if p.err != nil {
		return "", p.err
	}
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return reply, nil
}

const planReply = "```json\n" + `{
  "goals": [{
    "title": "Collect contacts",
    "subgoals": [{
      "title": "Open directory",
      "steps": [
        {"id": "open", "title": "Open", "action": {"kind": "navigate", "url": "https://example.com/team"}},
        {"id": "grab", "dependsOn": ["open"], "action": {"kind": "extract", "selector": ".person"}}
      ]
    }]
  }],
  "critique": {"risks": ["page may require login"]},
  "alternatives": [{"rank": 1, "title": "Use search", "steps": [{"action": {"kind": "navigate", "url": "https://duckduckgo.com"}}]}]
}` + "\n```"

func TestLLMPlanner_Plan(t *testing.T) {
	provider := &scriptedProvider{replies: []string{planReply}}
	proposal, err := NewLLMPlanner(provider).Plan(context.Background(), Request{Task: "find the team", Trigger: TriggerInitial})
	require.NoError(t, err)

	require.Len(t, proposal.Steps, 2)
	require.Equal(t, []string{"open"}, proposal.Steps[1].DependsOn)
	require.Equal(t, []string{"open", "grab"}, proposal.Plan.Goals[0].Subgoals[0].StepIDs)
	require.Equal(t, []string{"page may require login"}, proposal.Critique.Risks)
	require.Len(t, proposal.Alternatives, 1)

	require.Len(t, provider.messages, 1)
	require.Equal(t, "system", provider.messages[0][0].Role)
	require.Contains(t, provider.messages[0][1].Content, "Task: find the team")
}

func TestLLMPlanner_MalformedResponses(t *testing.T) {
	for name, reply := range map[string]string{
		"prose only": "I cannot help with that",
		"bad json":   "{\"goals\": [",
		"no steps":   `{"goals":[{"title":"empty"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewLLMPlanner(&scriptedProvider{replies: []string{reply}}).Plan(context.Background(), Request{Task: "x"})
			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestLLMPlanner_ProviderErrorPassesThrough(t *testing.T) {
	boom := errors.New("timeout")
	_, err := NewLLMPlanner(&scriptedProvider{err: boom}).Branch(context.Background(), Request{Task: "x"})
	require.ErrorIs(t, err, boom)
}

func TestLLMPlanner_Evaluate(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`Here you go: {"evidence":["found page"],"offTrack":true,"needsHuman":false,"improvements":["scroll first"]}`}}
	evaluation, err := NewLLMPlanner(provider).Evaluate(context.Background(), Request{
		Task:         "x",
		Final:        true,
		Observations: []string{strings.Repeat("a", 5000)},
		Steps: []store.Step{
			{ID: "s1", Title: "done", Status: store.StepCompleted},
			{ID: "s2", Title: "todo", Status: store.StepPending, Action: store.Action{Kind: store.ActionClick, Selector: "#go"}},
		},
	})
	require.NoError(t, err)
	require.True(t, evaluation.OffTrack)
	require.Equal(t, []string{"found page"}, evaluation.Evidence)
	require.Equal(t, []string{"scroll first"}, evaluation.Improvements)

	prompt := provider.messages[0][1].Content
	require.Contains(t, prompt, "No planned steps remain")
	require.Contains(t, prompt, "- s1: done")
	require.Contains(t, prompt, "- s2: todo [click||#go|]")
	require.Less(t, len(prompt), 2000, "observations are truncated")
}

func TestFinalize(t *testing.T) {
	existing := []store.Step{{ID: "s1", Status: store.StepCompleted}}
	proposal := Proposal{
		Plan: store.Plan{Goals: []store.Goal{{Subgoals: []store.Subgoal{{StepIDs: []string{"s1", "s2"}}}}}},
		Steps: []store.Step{
			{ID: "s1", Action: store.Action{Kind: store.ActionNavigate, URL: "https://example.com"}, Attempts: 4, Status: store.StepFailed},
			{ID: "s2", DependsOn: []string{"s1", "s2"}, Action: store.Action{Kind: store.ActionSnapshot}},
			{Action: store.Action{Kind: store.ActionReload}},
		},
	}
	require.NoError(t, Finalize(&proposal, "replan-1", "scheduled-replan", existing))

	require.Equal(t, "replan-1-1", proposal.Steps[0].ID)
	require.Equal(t, "s2", proposal.Steps[1].ID)
	require.Equal(t, []string{"replan-1-1"}, proposal.Steps[1].DependsOn)
	require.Equal(t, "replan-1-2", proposal.Steps[2].ID)
	require.Equal(t, []string{"replan-1-1", "s2"}, proposal.Plan.Goals[0].Subgoals[0].StepIDs)
	for _, step := range proposal.Steps {
		require.Equal(t, store.StepPending, step.Status)
		require.Zero(t, step.Attempts)
		require.Equal(t, "scheduled-replan", step.Origin)
		require.NotEmpty(t, step.Title)
		require.True(t, strings.HasPrefix(step.Tool, "browser."))
	}
}

func TestFinalize_Rejects(t *testing.T) {
	require.ErrorIs(t, Finalize(&Proposal{}, "p", "initial", nil), ErrMalformedResponse)

	unknown := Proposal{Steps: []store.Step{{ID: "a", Action: store.Action{Kind: "teleport"}}}}
	require.ErrorIs(t, Finalize(&unknown, "p", "initial", nil), ErrMalformedResponse)

	dangling := Proposal{Steps: []store.Step{{ID: "a", DependsOn: []string{"ghost"}, Action: store.Action{Kind: store.ActionReload}}}}
	require.ErrorIs(t, Finalize(&dangling, "p", "initial", nil), store.ErrInvalidPlan)
}

func TestHeuristic_Plan(t *testing.T) {
	req := Request{
		Task: "Collect emails from https://example.com/team and https://example.org/people.",
		Preferences: store.Preferences{Extraction: &store.ExtractionPlan{
			Target:       "emails",
			ItemSelector: ".person",
			Fields:       []store.ExtractionField{{Name: "email", Selector: "a.mail"}},
		}},
	}
	proposal, err := Heuristic{}.Plan(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, Finalize(&proposal, "initial", "initial", nil))

	require.Len(t, proposal.Steps, 5)
	require.Equal(t, "https://example.org/people", proposal.Steps[2].Action.URL)
	require.Equal(t, []string{"capture-1"}, proposal.Steps[2].DependsOn)
	require.Equal(t, store.ActionExtract, proposal.Steps[4].Action.Kind)
	require.Equal(t, []string{"capture-2"}, proposal.Steps[4].DependsOn)
}

func TestHeuristic_PlanFallsBackToSearch(t *testing.T) {
	proposal, err := Heuristic{}.Plan(context.Background(), Request{Task: "golang release notes"})
	require.NoError(t, err)
	require.Equal(t, searchURL+"golang+release+notes", proposal.Steps[0].Action.URL)
}

func TestHeuristic_BranchAndEvaluate(t *testing.T) {
	steps := []store.Step{
		{ID: "visit-1", Status: store.StepFailed, Action: store.Action{Kind: store.ActionNavigate, URL: "https://example.com/deep/page"}},
		{ID: "extract", Status: store.StepPending, DependsOn: []string{"visit-1"}, Action: store.Action{Kind: store.ActionExtract}},
	}
	proposal, err := Heuristic{}.Branch(context.Background(), Request{Steps: steps, FailedStepID: "visit-1"})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", proposal.Steps[0].Action.URL)
	require.Equal(t, store.ActionExtract, proposal.Steps[len(proposal.Steps)-1].Action.Kind)
	require.NoError(t, Finalize(&proposal, "branch-1", "branch", steps))

	evaluation, err := Heuristic{}.Evaluate(context.Background(), Request{
		Steps:        steps,
		Observations: []string{"fine", "Please complete the CAPTCHA"},
	})
	require.NoError(t, err)
	require.True(t, evaluation.NeedsHuman)
	require.False(t, evaluation.GoalSatisfied)

	evaluation, err = Heuristic{}.Evaluate(context.Background(), Request{Steps: []store.Step{{ID: "a", Status: store.StepCompleted}}})
	require.NoError(t, err)
	require.True(t, evaluation.GoalSatisfied)
}
