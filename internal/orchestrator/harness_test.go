package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/audit"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/planner"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/policy"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store/memory"
)

// robotsStub blocks the listed paths and allows everything else.
type robotsStub map[string]policy.Verdict

func (r robotsStub) Check(ctx context.Context, target *url.URL) (policy.Verdict, string) {
	if verdict, ok := r[target.Path]; ok {
		return verdict, "robots.txt rule for " + target.Path
	}
	return policy.Allowed, "allowed by robots.txt"
}

type scriptedPlanner struct {
	mu       sync.Mutex
	plan     func(req planner.Request) (planner.Proposal, error)
	branch   func(req planner.Request) (planner.Proposal, error)
	evaluate func(req planner.Request) (planner.Evaluation, error)
	requests []planner.Request
}

func (p *scriptedPlanner) Plan(ctx context.Context, req planner.Request) (planner.Proposal, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.plan == nil {
		return planner.Proposal{}, errors.New("no plan scripted")
	}
	return p.plan(req)
}

func (p *scriptedPlanner) Branch(ctx context.Context, req planner.Request) (planner.Proposal, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.branch == nil {
		return planner.Proposal{}, errors.New("no branch scripted")
	}
	return p.branch(req)
}

func (p *scriptedPlanner) Evaluate(ctx context.Context, req planner.Request) (planner.Evaluation, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.evaluate == nil {
		return planner.Evaluation{GoalSatisfied: true}, nil
	}
	return p.evaluate(req)
}

func (p *scriptedPlanner) count(trigger planner.Trigger) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, req := range p.requests {
		if req.Trigger == trigger {
			n++
		}
	}
	return n
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingScheduler) Schedule(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, runID)
	return nil
}

func (s *recordingScheduler) scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

type harness struct {
	o         *Orchestrator
	store     *memory.MemoryStore
	launcher  *actuator.FakeLauncher
	scheduler *recordingScheduler
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, plan planner.Planner, robots robotsStub) *harness {
	t.Helper()
	h := &harness{
		store:     memory.New(),
		launcher:  actuator.NewFakeLauncher(),
		scheduler: &recordingScheduler{},
		notifier:  &recordingNotifier{},
	}
	if robots == nil {
		robots = robotsStub{}
	}
	h.o = New(Options{
		Store:    h.store,
		Planner:  plan,
		Guard:    policy.NewGuard(robots),
		Launcher: h.launcher,
		Notifier: h.notifier,
		Metrics:  NewMetrics(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.o.SetScheduler(h.scheduler)
	t.Cleanup(h.o.Close)
	return h
}

// quiet disables every adaptive trigger so scenarios only exercise the
// mechanism under test.
func quiet(attempts int) store.PlanLimits {
	return store.PlanLimits{
		MaxStepAttempts:     attempts,
		ReplanEverySteps:    -1,
		MaxReplanCalls:      -1,
		SelfCheckEverySteps: -1,
		MaxSelfChecks:       -1,
		LoopGuardWindow:     -1,
	}
}

func (h *harness) enqueue(t *testing.T, req EnqueueRequest) string {
	t.Helper()
	run, err := h.o.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return run.ID
}

func (h *harness) drive(t *testing.T, runID string) *store.Run {
	t.Helper()
	require.NoError(t, h.o.Drive(context.Background(), runID))
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (h *harness) records(t *testing.T, runID string) []audit.Record {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), runID, store.Page{Limit: store.MaxPageLimit})
	require.NoError(t, err)
	out := make([]audit.Record, 0, len(entries))
	for _, entry := range entries {
		record, err := audit.Decode(entry)
		require.NoError(t, err)
		out = append(out, record)
	}
	return out
}

func recordsOf[T audit.Record](records []audit.Record) []T {
	var out []T
	for _, record := range records {
		if typed, ok := record.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func navigateSteps(urls ...string) []store.Step {
	steps := make([]store.Step, 0, len(urls))
	for i, u := range urls {
		step := store.Step{
			ID:     "s" + strconv.Itoa(i+1),
			Status: store.StepPending,
			Action: store.Action{Kind: store.ActionNavigate, URL: u},
		}
		if i > 0 {
			step.DependsOn = []string{steps[i-1].ID}
		}
		steps = append(steps, step)
	}
	return steps
}

func fixedPlan(steps ...store.Step) func(planner.Request) (planner.Proposal, error) {
	return func(planner.Request) (planner.Proposal, error) {
		return planner.Proposal{Steps: append([]store.Step(nil), steps...)}, nil
	}
}

func countActions(actions []store.Action, match store.Action) int {
	n := 0
	for _, action := range actions {
		if action.Signature() == match.Signature() {
			n++
		}
	}
	return n
}
