package scanner

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"regsweep/registry"
)

// AccessState reports whether a key could be opened.
type AccessState string

const (
	StateAccess AccessState = "Access"
	StateDenied AccessState = "Denied"
)

const (
	ReasonKeyword    = "Keyword match"
	reasonRulePrefix = "Rule match: "

	lastModifiedLayout = "2006-01-02 15:04:05"
	notAvailable       = "N/A"
)

// Result is one reported registry value.
type Result struct {
	ID             string      `json:"id"`
	Key            string      `json:"key"`
	ValueName      string      `json:"value_name"`
	ValueText      string      `json:"value"`
	MatchedKeyword string      `json:"matched_keyword,omitempty"`
	ValueType      string      `json:"value_type"`
	LastWrite      time.Time   `json:"-"`
	LastModified   string      `json:"last_modified"`
	Owner          string      `json:"owner"`
	State          AccessState `json:"state"`
	MatchedRule    string      `json:"matched_rule,omitempty"`
	RuleLevel      string      `json:"rule_level,omitempty"`
	Reasons        []string    `json:"reasons,omitempty"`
	MatchedAny     bool        `json:"matched_any"`
	BinaryKind     string      `json:"binary_kind,omitempty"`

	// Raw coordinates of the value for callers that edit or delete it.
	Hive    registry.Hive      `json:"-"`
	SubKey  string             `json:"-"`
	RawType registry.ValueType `json:"raw_type"`
}

// RuleReason renders the reason recorded for a rule hit.
func RuleReason(title string) string {
	return reasonRulePrefix + title
}

// FormatLastWrite renders a key timestamp in UTC, or N/A when unknown.
func FormatLastWrite(t time.Time) string {
	if t.IsZero() {
		return notAvailable
	}
	return t.UTC().Format(lastModifiedLayout)
}

func resultID(key, name string, typ registry.ValueType) string {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(typ.Name())
	return fmt.Sprintf("%016x", d.Sum64())
}

// Report is the outcome of a run.
type Report struct {
	Results   []Result
	Total     int
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// Matched counts results with at least one reason.
func (r *Report) Matched() int {
	if r == nil {
		return 0
	}
	n := 0
	for i := range r.Results {
		if r.Results[i].MatchedAny {
			n++
		}
	}
	return n
}

// ReasonCounts tallies results per reason.
func (r *Report) ReasonCounts() map[string]int {
	counts := make(map[string]int)
	if r == nil {
		return counts
	}
	for i := range r.Results {
		for _, reason := range r.Results[i].Reasons {
			counts[reason]++
		}
	}
	return counts
}

// Reasons lists the distinct reasons, most frequent first.
func (r *Report) Reasons() []string {
	counts := r.ReasonCounts()
	out := make([]string, 0, len(counts))
	for reason := range counts {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r == nil || r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
