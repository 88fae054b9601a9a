package rules

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"regsweep/logger"
	"regsweep/scanner/prefilter"
)

// regexTimeout bounds a single regex evaluation. A match that runs out of
// time counts as a miss.
var regexTimeout = 250 * time.Millisecond

// Kind tags the variant of a Predicate.
type Kind uint8

const (
	KindKeyword Kind = iota + 1
	KindRegex
)

func (k Kind) String() string {
	switch k {
	case KindKeyword:
		return "kw"
	case KindRegex:
		return "re"
	default:
		return "unknown"
	}
}

// Predicate is a single detection test of a rule: either a word-bounded
// keyword or a case-insensitive regular expression.
type Predicate struct {
	kind  Kind
	value string
	re    *regexp2.Regexp
}

// Keyword returns a keyword predicate.
func Keyword(value string) Predicate {
	return Predicate{kind: KindKeyword, value: value}
}

// Regex compiles pattern case-insensitively into a regex predicate.
func Regex(pattern string) (Predicate, error) {
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return Predicate{}, err
	}
	re.MatchTimeout = regexTimeout
	return Predicate{kind: KindRegex, value: pattern, re: re}, nil
}

// regexHints are the substrings that mark a detection string as a pattern.
var regexHints = []string{"^", ".*", "(", `\`, "$", "+", "?", "|"}

// Classify turns a detection string into a predicate. Strings that look
// like patterns become regexes when they compile; everything else,
// including patterns that fail to compile, is a keyword.
func Classify(item string) Predicate {
	for _, hint := range regexHints {
		if strings.Contains(item, hint) {
			if p, err := Regex(item); err == nil {
				return p
			}
			break
		}
	}
	return Keyword(item)
}

func (p Predicate) Kind() Kind     { return p.kind }
func (p Predicate) Value() string  { return p.value }
func (p Predicate) IsRegex() bool  { return p.kind == KindRegex }
func (p Predicate) String() string { return p.kind.String() + ":" + p.value }

// Regexp exposes the compiled matcher of a regex predicate.
func (p Predicate) Regexp() *regexp2.Regexp { return p.re }

// Match reports whether the predicate hits the value name or its text.
func (p Predicate) Match(name, text string) bool {
	switch p.kind {
	case KindKeyword:
		return prefilter.ContainsToken(name, p.value) || prefilter.ContainsToken(text, p.value)
	case KindRegex:
		return p.re != nil && (searchRegex(p.re, name) || searchRegex(p.re, text))
	default:
		return false
	}
}

// Dedupe drops predicates with the same kind and value as an earlier one.
func Dedupe(preds []Predicate) []Predicate {
	type key struct {
		kind  Kind
		value string
	}
	seen := make(map[key]struct{}, len(preds))
	out := preds[:0:0]
	for _, p := range preds {
		k := key{p.kind, p.value}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

// searchRegex reports whether re occurs anywhere in s. Evaluation errors,
// including timeouts, are misses.
func searchRegex(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	if err != nil {
		logger.Debugf("Regex %q failed: %v", re.String(), err)
		return false
	}
	return ok
}
