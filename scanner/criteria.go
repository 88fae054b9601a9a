package scanner

import (
	"strings"

	"regsweep/owner"
	"regsweep/registry"
)

// DisplayMode selects which enumerated values become results.
type DisplayMode string

const (
	DisplayMatched DisplayMode = "matched"
	DisplayAll     DisplayMode = "all"
)

// TypeAll disables the value type filter.
const TypeAll = "all"

// Criteria configures one scan run. It is read-only while the run is in
// flight.
type Criteria struct {
	Keys         []string
	Keywords     []string
	ValueType    string
	UseAge       bool
	Days         int
	OwnerFilter  owner.Mode
	ScanKeywords bool
	ScanRules    bool
	Display      DisplayMode
}

// DefaultCriteria returns keyword mode, matched display and no filters.
func DefaultCriteria() Criteria {
	return Criteria{
		ValueType:    TypeAll,
		OwnerFilter:  owner.ModeAll,
		ScanKeywords: true,
		Display:      DisplayMatched,
	}
}

// SplitTokens splits every entry on commas and drops blank parts.
func SplitTokens(entries []string) []string {
	var out []string
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			if t := strings.TrimSpace(part); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func (c Criteria) typeFilter() string {
	t := strings.ToLower(strings.TrimSpace(c.ValueType))
	if t == "" {
		return TypeAll
	}
	return t
}

func (c Criteria) ownerMode() owner.Mode {
	m := owner.Mode(strings.ToLower(strings.TrimSpace(string(c.OwnerFilter))))
	if m == "" {
		return owner.ModeAll
	}
	return m
}

func (c Criteria) display() DisplayMode {
	d := DisplayMode(strings.ToLower(strings.TrimSpace(string(c.Display))))
	if d == "" {
		return DisplayMatched
	}
	return d
}

// wantType applies the value type filter. An unknown filter name admits
// nothing.
func (c Criteria) wantType(t registry.ValueType) bool {
	name := c.typeFilter()
	if name == TypeAll {
		return true
	}
	want, ok := registry.ParseTypeName(name)
	return ok && want == t
}

// active reports whether any filter or root is configured. Inactive runs
// return an empty report without touching the registry.
func (c Criteria) active(ix *scanIndex) bool {
	return len(c.Keys) > 0 ||
		ix.keywordMode() ||
		ix.ruleMode() ||
		(c.UseAge && c.Days > 0) ||
		c.typeFilter() != TypeAll ||
		c.ownerMode() != owner.ModeAll
}
