package rules

import (
	"fmt"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
)

// Rule is a compiled supplementary detection rule.
type Rule struct {
	ID          string
	Description string
	Expression  string
	match       Predicate
}

// Match reports whether the rule holds for w.
func (r *Rule) Match(w Window) bool { return r.match(w) }

// Set is an immutable, ordered collection of enabled rules. Hot-reload
// builds a new Set and swaps it in.
type Set struct {
	rules []*Rule
}

// Build compiles every enabled rule definition.
func Build(defs []config.RuleDef) (*Set, error) {
	s := &Set{}
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		pred, err := Compile(d.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile %q: %w", d.ID, d.Expression, err)
		}
		s.rules = append(s.rules, &Rule{
			ID:          d.ID,
			Description: d.Description,
			Expression:  d.Expression,
			match:       pred,
		})
	}
	return s, nil
}

// Match returns the rules that hold for w, in definition order.
func (s *Set) Match(w Window) []*Rule {
	if s == nil {
		return nil
	}
	var out []*Rule
	for _, r := range s.rules {
		if r.match(w) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of enabled rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the enabled rules in definition order.
func (s *Set) Rules() []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
