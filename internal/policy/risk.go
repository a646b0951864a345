package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type RiskAssessment struct {
	Risky  bool
	Reason string
}

// RiskPredicate decides whether a step needs a human before it runs.
type RiskPredicate interface {
	Assess(step store.Step, nav *NavigationDecision) RiskAssessment
}

type RiskFunc func(step store.Step, nav *NavigationDecision) RiskAssessment

func (f RiskFunc) Assess(step store.Step, nav *NavigationDecision) RiskAssessment {
	return f(step, nav)
}

// DefaultRisk flags destructive actions, irreversible navigation, and
// navigation that only proceeds through a robots.txt override.
var DefaultRisk RiskPredicate = RiskFunc(func(step store.Step, nav *NavigationDecision) RiskAssessment {
	switch {
	case step.Action.Destructive:
		return RiskAssessment{Risky: true, Reason: "destructive action"}
	case step.Action.Irreversible:
		return RiskAssessment{Risky: true, Reason: "irreversible navigation"}
	case nav != nil && nav.Overridden:
		return RiskAssessment{Risky: true, Reason: "policy override"}
	}
	return RiskAssessment{}
})

// AnyOf is risky when any predicate is.
func AnyOf(predicates ...RiskPredicate) RiskPredicate {
	return RiskFunc(func(step store.Step, nav *NavigationDecision) RiskAssessment {
		for _, predicate := range predicates {
			if assessment := predicate.Assess(step, nav); assessment.Risky {
				return assessment
			}
		}
		return RiskAssessment{}
	})
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name     string   `yaml:"name"`
	Actions  []string `yaml:"actions"`
	Selector string   `yaml:"selector"`
	URL      string   `yaml:"url"`
	Text     string   `yaml:"text"`
	Title    string   `yaml:"title"`
	Reason   string   `yaml:"reason"`
}

type rule struct {
	name     string
	actions  map[store.ActionKind]bool
	selector *regexp.Regexp
	url      *regexp.Regexp
	text     *regexp.Regexp
	title    *regexp.Regexp
	reason   string
}

// RuleSet is a YAML-configured predicate. A rule matches when every
// pattern it declares matches the step.
type RuleSet struct {
	rules []rule
}

func LoadRuleSet(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk rules: %w", err)
	}
	return ParseRuleSet(raw)
}

func ParseRuleSet(raw []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse risk rules: %w", err)
	}
	set := &RuleSet{}
	for i, def := range file.Rules {
		compiled := rule{name: def.Name, reason: def.Reason}
		if compiled.name == "" {
			compiled.name = fmt.Sprintf("rule-%d", i+1)
		}
		if compiled.reason == "" {
			compiled.reason = "matched risk rule " + compiled.name
		}
		if len(def.Actions) > 0 {
			compiled.actions = map[store.ActionKind]bool{}
			for _, action := range def.Actions {
				compiled.actions[store.ActionKind(action)] = true
			}
		}
		var err error
		if compiled.selector, err = compileOptional(def.Selector); err != nil {
			return nil, fmt.Errorf("rule %s selector: %w", compiled.name, err)
		}
		if compiled.url, err = compileOptional(def.URL); err != nil {
			return nil, fmt.Errorf("rule %s url: %w", compiled.name, err)
		}
		if compiled.text, err = compileOptional(def.Text); err != nil {
			return nil, fmt.Errorf("rule %s text: %w", compiled.name, err)
		}
		if compiled.title, err = compileOptional(def.Title); err != nil {
			return nil, fmt.Errorf("rule %s title: %w", compiled.name, err)
		}
		set.rules = append(set.rules, compiled)
	}
	return set, nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func (s *RuleSet) Len() int {
	return len(s.rules)
}

func (s *RuleSet) Assess(step store.Step, nav *NavigationDecision) RiskAssessment {
	for _, r := range s.rules {
		if r.matches(step) {
			return RiskAssessment{Risky: true, Reason: r.reason}
		}
	}
	return RiskAssessment{}
}

func (r rule) matches(step store.Step) bool {
	if r.actions != nil && !r.actions[step.Action.Kind] {
		return false
	}
	if r.selector != nil && !r.selector.MatchString(step.Action.Selector) {
		return false
	}
	if r.url != nil && !r.url.MatchString(step.Action.URL) {
		return false
	}
	if r.text != nil && !r.text.MatchString(step.Action.Text) {
		return false
	}
	if r.title != nil && !r.title.MatchString(step.Title) {
		return false
	}
	return true
}
