package rules

import (
	"github.com/dlclark/regexp2"

	"regsweep/scanner/prefilter"
)

// Store is the read-only predicate index of one scan run. It keeps the
// enabled rules in their configured order, plus the union of their keywords
// and all of their regexes for the fast path.
type Store struct {
	specs    []*RuleSpec
	keywords *prefilter.TokenMatcher
	regexes  []*regexp2.Regexp
}

// NewStore indexes the enabled rules of specs.
func NewStore(specs []RuleSpec) *Store {
	s := &Store{}
	var keywords []string
	seenRe := make(map[string]struct{})
	for i := range specs {
		if !specs[i].Enabled {
			continue
		}
		spec := &specs[i]
		s.specs = append(s.specs, spec)
		for _, p := range spec.Predicates {
			switch p.kind {
			case KindKeyword:
				if p.value != "" {
					keywords = append(keywords, p.value)
				}
			case KindRegex:
				if p.re == nil {
					continue
				}
				if _, ok := seenRe[p.value]; ok {
					continue
				}
				seenRe[p.value] = struct{}{}
				s.regexes = append(s.regexes, p.re)
			}
		}
	}
	s.keywords = prefilter.NewTokenMatcher(keywords)
	return s
}

// Len reports the number of enabled rules.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.specs)
}

// Rules returns the enabled rules in order.
func (s *Store) Rules() []*RuleSpec {
	if s == nil {
		return nil
	}
	return s.specs
}

// FastPathHit reports whether any rule keyword or regex hits name or text.
// It is a necessary condition for Resolve to find a rule.
func (s *Store) FastPathHit(name, text string) bool {
	if s == nil {
		return false
	}
	if s.keywords.Len() > 0 {
		if s.keywords.Match(name) || s.keywords.Match(text) {
			return true
		}
	}
	for _, re := range s.regexes {
		if searchRegex(re, name) || searchRegex(re, text) {
			return true
		}
	}
	return false
}

// Resolve returns the first enabled rule, in configured order, whose own
// predicates hit name or text.
func (s *Store) Resolve(name, text string) (*RuleSpec, bool) {
	if s == nil {
		return nil, false
	}
	for _, spec := range s.specs {
		if spec.Matches(name, text) {
			return spec, true
		}
	}
	return nil, false
}

// Match runs the fast path and, on a hit, resolves the rule.
func (s *Store) Match(name, text string) (*RuleSpec, bool) {
	if !s.FastPathHit(name, text) {
		return nil, false
	}
	return s.Resolve(name, text)
}
