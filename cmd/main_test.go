package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"regsweep/config"
	"regsweep/logger"
	"regsweep/scanner"
)

func init() {
	logger.Init("error")
	os.Setenv("REGSWEEP_DISABLE_PROGRESS", "1")
}

const testSnapshot = `
keys:
  - path: HKCU\Software\Run
    owner: CONTOSO\alice
    last_write: 2024-05-01T10:00:00Z
    values:
      - {name: Updater, type: string, data: 'C:\Temp\reverse_shell.exe'}
      - {name: Benign, type: string, data: hello}
  - path: HKCU\Software\Locked
    denied: true
`

const testRule = `
title: Temp executable
level: high
detection:
  selection:
    - '\\Temp\\.*\.exe$'
  condition: selection
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestHandleSignalEventCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cancel, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestWithRunSuffix(t *testing.T) {
	if got := withRunSuffix("out.ndjson", 0); got != "out.ndjson" {
		t.Fatalf("first run keeps the name, got %s", got)
	}
	if got := withRunSuffix(filepath.Join("dir", "out.ndjson"), 2); got != filepath.Join("dir", "out.run2.ndjson") {
		t.Fatalf("unexpected suffixed name: %s", got)
	}
}

func TestRunScanAgainstSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "hive.yaml")
	rule := filepath.Join(dir, "temp.yml")
	out := filepath.Join(dir, "out.ndjson")
	writeFile(t, snap, testSnapshot)
	writeFile(t, rule, testRule)

	cfg := &config.Config{
		Keys:           []string{`HKCU\Software`},
		Keywords:       []string{"reverse_shell"},
		ValueType:      scanner.TypeAll,
		OwnerFilter:    "all",
		ScanKeywords:   true,
		ScanRules:      true,
		DisplayMode:    "matched",
		RuleFiles:      []string{rule},
		Snapshot:       snap,
		OutputFormat:   "json",
		OutputFileName: out,
	}
	e, err := newEnv(cfg)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	report, err := e.runScan(context.Background(), 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected one matched value, got %+v", report.Results)
	}
	res := report.Results[0]
	if res.ValueName != "Updater" || res.MatchedKeyword != "reverse_shell" || res.MatchedRule != "Temp executable" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if report.Total < 3 {
		t.Fatalf("expected the denied key and both values to be counted, got %d", report.Total)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"record_type":"registry_value"`) || !strings.Contains(text, `"record_type":"metrics"`) {
		t.Fatalf("unexpected output:\n%s", text)
	}
}

func TestRunScanMissingSnapshot(t *testing.T) {
	cfg := &config.Config{Snapshot: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := newEnv(cfg); err == nil {
		t.Fatal("expected error for a missing snapshot")
	}
}

func TestLoadRulesSkippedWhenRulesDisabled(t *testing.T) {
	specs, err := loadRules(&config.Config{RuleFiles: []string{"ignored.yml"}})
	if err != nil || specs != nil {
		t.Fatalf("expected no rules, got %v err %v", specs, err)
	}
}

func TestWatchSetRelevant(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "single.txt")
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(filepath.Join(rulesDir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, single, "title: x\n")

	set := newWatchSet()
	set.files[single] = struct{}{}
	set.roots = append(set.roots, rulesDir)

	cases := []struct {
		name string
		want bool
	}{
		{single, true},
		{filepath.Join(dir, "other.yml"), false},
		{filepath.Join(rulesDir, "a.yml"), true},
		{filepath.Join(rulesDir, "nested", "b.YAML"), true},
		{filepath.Join(rulesDir, "notes.txt"), false},
		{filepath.Join(dir, "rules-old", "c.yml"), false},
	}
	for _, tc := range cases {
		if got := set.relevant(tc.name); got != tc.want {
			t.Fatalf("relevant(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRunWatchRerunsOnRuleChange(t *testing.T) {
	dir := t.TempDir()
	rule := filepath.Join(dir, "a.yml")
	writeFile(t, rule, testRule)

	runs := make(chan int, 8)
	run := func(ctx context.Context, n int) (*scanner.Report, error) {
		runs <- n
		return &scanner.Report{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, []string{dir}, 50*time.Millisecond, run)
	}()

	select {
	case n := <-runs:
		if n != 0 {
			t.Fatalf("expected initial run 0, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not happen")
	}

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, rule, testRule+"\n# edited\n")

	select {
	case n := <-runs:
		if n != 1 {
			t.Fatalf("expected re-run 1, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rule change did not trigger a re-run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
