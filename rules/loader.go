package rules

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"regsweep/logger"
)

// Entry names a rule file to load. Empty Title and Level are taken from the
// file itself.
type Entry struct {
	Path    string `json:"path"`
	Title   string `json:"title,omitempty"`
	Level   string `json:"level,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (e Entry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// LoadFile reads one YAML rule file.
func LoadFile(path string) (RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSpec{}, fmt.Errorf("could not read rule file: %w", err)
	}
	return Parse(path, data)
}

// Parse builds a rule from YAML content. path is recorded as the source and
// supplies the fallback title.
func Parse(path string, data []byte) (RuleSpec, error) {
	sum := blake3.Sum256(data)
	spec := RuleSpec{
		Path:    path,
		Enabled: true,
		Digest:  hex.EncodeToString(sum[:]),
	}
	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return RuleSpec{}, fmt.Errorf("invalid rule YAML in %s: %w", path, err)
		}
	}
	root := documentRoot(&doc)
	title := scalarField(root, "title")
	if title == "" {
		title = scalarField(root, "id")
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	spec.Title = title
	spec.Level = scalarField(root, "level")
	spec.Predicates = Dedupe(detectionPredicates(mappingField(root, "detection")))
	return spec, nil
}

// LoadEntries loads the enabled entries in order. Files that cannot be read
// or parsed are skipped with a warning.
func LoadEntries(entries []Entry) []RuleSpec {
	specs := make([]RuleSpec, 0, len(entries))
	for _, e := range entries {
		if !e.enabled() {
			continue
		}
		spec, err := LoadFile(e.Path)
		if err != nil {
			logger.Warnf("Skipping rule %s: %v", e.Path, err)
			continue
		}
		if e.Title != "" {
			spec.Title = e.Title
		}
		if e.Level != "" {
			spec.Level = e.Level
		}
		specs = append(specs, spec)
	}
	return specs
}

// LoadFiles loads rule files in order, ignoring repeated paths.
func LoadFiles(paths []string) []RuleSpec {
	return LoadEntries(EntriesFor(paths))
}

// EntriesFor turns paths into entries, dropping blanks and case-insensitive
// duplicates.
func EntriesFor(paths []string) []Entry {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		dup := false
		for _, e := range entries {
			if strings.EqualFold(e.Path, p) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, Entry{Path: p})
		}
	}
	return entries
}

// FindRuleFiles returns every .yml and .yaml file below dir, in lexical
// walk order.
func FindRuleFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsRuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list rules in %s: %w", dir, err)
	}
	return files, nil
}

// IsRuleFile reports whether path has a YAML extension.
func IsRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// LoadDir loads every rule file below dir.
func LoadDir(dir string) ([]RuleSpec, error) {
	files, err := FindRuleFiles(dir)
	if err != nil {
		return nil, err
	}
	return LoadFiles(files), nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return nil
}

func mappingField(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func scalarField(node *yaml.Node, key string) string {
	v := mappingField(node, key)
	if v == nil || v.Kind != yaml.ScalarNode || v.ShortTag() == "!!null" {
		return ""
	}
	return strings.TrimSpace(v.Value)
}

func detectionPredicates(det *yaml.Node) []Predicate {
	if det == nil || det.Kind != yaml.MappingNode {
		return nil
	}
	var preds []Predicate
	for i := 0; i+1 < len(det.Content); i += 2 {
		if det.Content[i].Value == "condition" {
			continue
		}
		v := det.Content[i+1]
		if v.Kind == yaml.MappingNode {
			for j := 1; j < len(v.Content); j += 2 {
				preds = appendLeaves(preds, v.Content[j])
			}
			continue
		}
		preds = appendLeaves(preds, v)
	}
	return preds
}

func appendLeaves(preds []Predicate, node *yaml.Node) []Predicate {
	switch node.Kind {
	case yaml.ScalarNode:
		if isString(node) {
			preds = append(preds, Classify(node.Value))
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind == yaml.ScalarNode && isString(item) {
				preds = append(preds, Classify(item.Value))
			}
		}
	}
	return preds
}

func isString(node *yaml.Node) bool {
	return node.ShortTag() == "!!str" && node.Value != ""
}
