package registry

import "strings"

// ScopeSet is a recursive authorisation predicate over OAuth token scopes. A
// set is one of: a single scope string, any-of a list of child sets, or
// all-of a list of child sets. The zero value places no requirement.
type ScopeSet struct {
	Scope string
	AnyOf []ScopeSet
	AllOf []ScopeSet
}

// Scope builds a predicate satisfied when the token carries the given scope.
func Scope(name string) ScopeSet {
	return ScopeSet{Scope: strings.TrimSpace(name)}
}

// AnyOf builds a predicate satisfied when at least one child set is satisfied.
func AnyOf(sets ...ScopeSet) ScopeSet {
	return ScopeSet{AnyOf: sets}
}

// AllOf builds a predicate satisfied only when every child set is satisfied.
func AllOf(sets ...ScopeSet) ScopeSet {
	return ScopeSet{AllOf: sets}
}

// Zero reports whether the set places no requirement.
func (s ScopeSet) Zero() bool {
	return s.Scope == "" && len(s.AnyOf) == 0 && len(s.AllOf) == 0
}

// SatisfiedBy evaluates the predicate against the scopes granted to a token.
func (s ScopeSet) SatisfiedBy(granted []string) bool {
	switch {
	case s.Scope != "":
		for _, g := range granted {
			if g == s.Scope {
				return true
			}
		}
		return false
	case len(s.AnyOf) > 0:
		for _, child := range s.AnyOf {
			if child.SatisfiedBy(granted) {
				return true
			}
		}
		return false
	case len(s.AllOf) > 0:
		for _, child := range s.AllOf {
			if !child.SatisfiedBy(granted) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders the predicate in a compact any()/all() notation.
func (s ScopeSet) String() string {
	switch {
	case s.Scope != "":
		return s.Scope
	case len(s.AnyOf) > 0:
		return "any(" + joinScopeSets(s.AnyOf) + ")"
	case len(s.AllOf) > 0:
		return "all(" + joinScopeSets(s.AllOf) + ")"
	default:
		return "none"
	}
}

func joinScopeSets(sets []ScopeSet) string {
	parts := make([]string, 0, len(sets))
	for _, s := range sets {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ", ")
}
