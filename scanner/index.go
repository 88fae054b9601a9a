package scanner

import (
	"regsweep/rules"
	"regsweep/scanner/prefilter"
)

// scanIndex is built once per run from the criteria and rules and only read
// afterwards.
type scanIndex struct {
	crit   Criteria
	tokens *prefilter.TokenMatcher
	rules  *rules.Store
}

func buildIndex(crit Criteria, specs []rules.RuleSpec) *scanIndex {
	ix := &scanIndex{crit: crit, rules: rules.NewStore(specs)}
	if crit.ScanKeywords {
		ix.tokens = prefilter.NewTokenMatcher(SplitTokens(crit.Keywords))
	}
	return ix
}

func (ix *scanIndex) keywordMode() bool {
	return ix.crit.ScanKeywords && ix.tokens.Len() > 0
}

func (ix *scanIndex) ruleMode() bool {
	return ix.crit.ScanRules && ix.rules.Len() > 0
}

// filtersActive reports whether a matching mode can narrow the results.
func (ix *scanIndex) filtersActive() bool {
	return ix.keywordMode() || ix.ruleMode()
}

// matchKeyword checks the value name before the value text.
func (ix *scanIndex) matchKeyword(name, text string) (string, bool) {
	if hit, ok := ix.tokens.Find(name); ok {
		return hit, true
	}
	return ix.tokens.Find(text)
}

func (ix *scanIndex) include(matchedAny bool) bool {
	if ix.crit.display() == DisplayMatched && ix.filtersActive() {
		return matchedAny
	}
	return true
}
