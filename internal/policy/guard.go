package policy

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type Verdict string

const (
	Allowed Verdict = "allowed"
	Blocked Verdict = "blocked"
	Unknown Verdict = "unknown"
)

type NavigationDecision struct {
	URL        string
	Verdict    Verdict
	Reason     string
	Overridden bool
	Caveat     string
}

// Permitted reports whether the action may proceed. Unknown verdicts are
// permitted with a caveat.
func (d NavigationDecision) Permitted() bool {
	return d.Verdict != Blocked || d.Overridden
}

type ApprovalDecision struct {
	Required bool
	Reason   string
}

type NavigationChecker interface {
	Check(ctx context.Context, target *url.URL) (Verdict, string)
}

type Guard struct {
	robots  NavigationChecker
	risk    RiskPredicate
	timeout time.Duration
}

type GuardOption func(*Guard)

func WithRiskPredicate(risk RiskPredicate) GuardOption {
	return func(g *Guard) {
		if risk != nil {
			g.risk = risk
		}
	}
}

func WithLookupTimeout(timeout time.Duration) GuardOption {
	return func(g *Guard) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

func NewGuard(robots NavigationChecker, opts ...GuardOption) *Guard {
	g := &Guard{
		robots:  robots,
		risk:    DefaultRisk,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) CheckNavigation(ctx context.Context, rawURL string, prefs store.Preferences) NavigationDecision {
	decision := NavigationDecision{URL: rawURL}
	target, err := url.Parse(strings.TrimSpace(rawURL))
	switch {
	case err != nil || target.Scheme == "":
		decision.Verdict = Blocked
		decision.Reason = "invalid url"
		return decision
	case target.Scheme != "http" && target.Scheme != "https":
		decision.Verdict = Allowed
		decision.Reason = "non-http scheme"
		return decision
	case target.Host == "":
		decision.Verdict = Blocked
		decision.Reason = "invalid url"
		return decision
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	decision.Verdict, decision.Reason = g.robots.Check(lookupCtx, target)

	switch decision.Verdict {
	case Blocked:
		if prefs.IgnoreRobotsTxt {
			decision.Overridden = true
		}
	case Unknown:
		decision.Caveat = "exclusion policy unavailable; proceeding"
	}
	return decision
}

func (g *Guard) CheckApproval(step store.Step, prefs store.Preferences, nav *NavigationDecision) ApprovalDecision {
	if !prefs.RequireHumanApproval || step.Approved {
		return ApprovalDecision{}
	}
	assessment := g.risk.Assess(step, nav)
	if !assessment.Risky {
		return ApprovalDecision{}
	}
	return ApprovalDecision{Required: true, Reason: assessment.Reason}
}
