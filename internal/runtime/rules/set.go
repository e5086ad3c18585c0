package rules

import (
	"fmt"
	"sync/atomic"

	"github.com/l0p7/streamcache/internal/expr"
	"github.com/l0p7/streamcache/internal/templates"
)

// Set is the ordered rule list of one configuration generation.
type Set struct {
	rules   []*Rule
	byName  map[string]*Rule
	enabled atomic.Bool
}

// Compile converts the declarative specs into a rule set, preserving order.
// Names must be unique.
func Compile(specs []DefinitionSpec, enabled bool, renderer *templates.Renderer) (*Set, error) {
	requestEnv, err := expr.NewRequestEnvironment()
	if err != nil {
		return nil, err
	}
	responseEnv, err := expr.NewResponseEnvironment()
	if err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}

	compiled := make([]*Rule, 0, len(specs))
	for idx, spec := range specs {
		rule, err := compileRule(idx, spec, requestEnv, responseEnv, renderer)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Name, err)
		}
		compiled = append(compiled, rule)
	}
	return NewSet(compiled, enabled)
}

// NewSet assembles an ordered set from compiled rules, renumbering positions.
func NewSet(rules []*Rule, enabled bool) (*Set, error) {
	s := &Set{
		rules:  make([]*Rule, 0, len(rules)),
		byName: make(map[string]*Rule, len(rules)),
	}
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if _, exists := s.byName[rule.Name]; exists {
			return nil, fmt.Errorf("rules: duplicate rule %q", rule.Name)
		}
		rule.Position = len(s.rules)
		s.rules = append(s.rules, rule)
		s.byName[rule.Name] = rule
	}
	s.enabled.Store(enabled)
	return s, nil
}

// Empty returns an enabled set without rules.
func Empty() *Set {
	s, _ := NewSet(nil, true)
	return s
}

// Rules returns the rules in configured order. The slice must not be modified.
func (s *Set) Rules() []*Rule {
	if s == nil {
		return nil
	}
	return s.rules
}

// Len reports the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Lookup finds a rule by name.
func (s *Set) Lookup(name string) (*Rule, bool) {
	if s == nil {
		return nil, false
	}
	rule, ok := s.byName[name]
	return rule, ok
}

// Enabled reports the set-level switch.
func (s *Set) Enabled() bool { return s != nil && s.enabled.Load() }

// SetEnabled flips the set-level switch.
func (s *Set) SetEnabled(enabled bool) { s.enabled.Store(enabled) }
