package prefilter

import (
	"strings"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"
	"github.com/cloudflare/ahocorasick"
)

const autoAhoMinTerms = 8

// TokenMatcher finds the first of a fixed set of tokens that occurs in a
// text as a case-sensitive exact substring bounded on both sides by a
// non-word character or the edge of the text. Word characters are ASCII
// letters, digits and underscore, so "ssh" matches "ssh-agent" and
// "C:\ssh\x" but not "asshole".
//
// Tokens made only of word characters can only match a maximal run of word
// characters, so they are looked up by hash. Other tokens are searched
// directly, through an Aho-Corasick automaton once there are enough of them.
type TokenMatcher struct {
	tokens []string

	words  map[uint64][]int
	filter *xorfilter.Xor8

	punct      []int
	punctTerms []string
	aho        *ahocorasick.Matcher
}

// NewTokenMatcher compiles tokens in the given order. Empty tokens and
// repeats of an earlier token are ignored.
func NewTokenMatcher(tokens []string) *TokenMatcher {
	m := &TokenMatcher{}
	seen := make(map[string]struct{}, len(tokens))
	var keys []uint64
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		idx := len(m.tokens)
		m.tokens = append(m.tokens, token)
		if isWord(token) {
			if m.words == nil {
				m.words = make(map[uint64][]int)
			}
			h := xxhash.Sum64String(token)
			if _, ok := m.words[h]; !ok {
				keys = append(keys, h)
			}
			m.words[h] = append(m.words[h], idx)
			continue
		}
		m.punct = append(m.punct, idx)
		m.punctTerms = append(m.punctTerms, token)
	}
	if len(keys) > 0 {
		if f, err := xorfilter.Populate(keys); err == nil {
			m.filter = f
		}
	}
	if len(m.punctTerms) >= autoAhoMinTerms {
		m.aho = ahocorasick.NewStringMatcher(m.punctTerms)
	}
	return m
}

// Len reports the number of distinct tokens.
func (m *TokenMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.tokens)
}

// Tokens returns the distinct tokens in match precedence order.
func (m *TokenMatcher) Tokens() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.tokens...)
}

// Find returns the earliest-supplied token present in text.
func (m *TokenMatcher) Find(text string) (string, bool) {
	if m == nil || text == "" || len(m.tokens) == 0 {
		return "", false
	}
	best := len(m.tokens)
	if m.words != nil {
		best = m.findWord(text, best)
		if best == 0 {
			return m.tokens[0], true
		}
	}
	best = m.findPunct(text, best)
	if best < len(m.tokens) {
		return m.tokens[best], true
	}
	return "", false
}

// Match reports whether any token is present in text.
func (m *TokenMatcher) Match(text string) bool {
	_, ok := m.Find(text)
	return ok
}

func (m *TokenMatcher) findWord(text string, best int) int {
	for i := 0; i < len(text); {
		if !isWordByte(text[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(text) && isWordByte(text[j]) {
			j++
		}
		run := text[i:j]
		i = j
		h := xxhash.Sum64String(run)
		if m.filter != nil && !m.filter.Contains(h) {
			continue
		}
		for _, idx := range m.words[h] {
			if idx < best && m.tokens[idx] == run {
				best = idx
				if best == 0 {
					return 0
				}
			}
		}
	}
	return best
}

func (m *TokenMatcher) findPunct(text string, best int) int {
	if len(m.punct) == 0 {
		return best
	}
	if m.aho != nil {
		for _, hit := range m.aho.MatchThreadSafe([]byte(text)) {
			if hit < 0 || hit >= len(m.punct) {
				continue
			}
			idx := m.punct[hit]
			if idx < best && ContainsToken(text, m.tokens[idx]) {
				best = idx
			}
		}
		return best
	}
	for _, idx := range m.punct {
		if idx >= best {
			break
		}
		if ContainsToken(text, m.tokens[idx]) {
			return idx
		}
	}
	return best
}

// ContainsToken reports whether token occurs in text with a non-word
// character or text edge on both sides.
func ContainsToken(text, token string) bool {
	if token == "" || len(token) > len(text) {
		return false
	}
	for from := 0; from <= len(text)-len(token); {
		i := strings.Index(text[from:], token)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(token)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) {
			return false
		}
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}
