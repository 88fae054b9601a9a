package rules

// RuleSpec is one detection rule.
type RuleSpec struct {
	Path       string
	Title      string
	Level      string
	Enabled    bool
	Digest     string
	Predicates []Predicate
}

// Matches returns true if any predicate hits name or text, checked in
// predicate order. A rule without predicates never matches.
func (r *RuleSpec) Matches(name, text string) bool {
	for _, p := range r.Predicates {
		if p.Match(name, text) {
			return true
		}
	}
	return false
}

// Keywords lists the values of the keyword predicates.
func (r *RuleSpec) Keywords() []string {
	var out []string
	for _, p := range r.Predicates {
		if p.kind == KindKeyword {
			out = append(out, p.value)
		}
	}
	return out
}
