package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"regsweep/config"
	"regsweep/logger"
	"regsweep/scanner"
	"regsweep/systeminfo"
)

func init() {
	logger.Init("error")
}

type ndjsonTestRecord struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

func TestOutputLifecycle(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.ndjson")
	cfg := &config.Config{OutputFileName: name, OutputFormat: "json"}
	host := &systeminfo.HostInfo{Hostname: "ws-01", OS: "windows"}
	w, err := New(cfg, host, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	w.WriteResult(sampleResult())
	unmatched := sampleResult()
	unmatched.ID = "0000000000000002"
	unmatched.MatchedAny = false
	w.WriteResult(unmatched)
	w.SetMetrics(Metrics{KeysVisited: 4})
	w.Close()

	records := readNDJSONRecords(t, name)
	if len(records) != 4 {
		t.Fatalf("expected host, two values and metrics, got %d", len(records))
	}
	if records[0].RecordType != recordHost || records[3].RecordType != recordMetrics {
		t.Fatalf("unexpected record order: %s .. %s", records[0].RecordType, records[3].RecordType)
	}
	if records[0].SchemaVersion != SchemaVersion {
		t.Fatalf("unexpected schema version: %s", records[0].SchemaVersion)
	}

	var res scanner.Result
	if err := json.Unmarshal(records[1].Payload, &res); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if res.Key != `HKCU\Software\Test` || res.MatchedRule != "Run key persistence" || len(res.Reasons) != 2 {
		t.Fatalf("unexpected value payload: %+v", res)
	}

	var m Metrics
	if err := json.Unmarshal(records[3].Payload, &m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.KeysVisited != 4 || m.ValuesWritten != 2 || m.MatchedValues != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestWriteReport(t *testing.T) {
	name := filepath.Join(t.TempDir(), "report.ndjson")
	w, err := New(&config.Config{OutputFileName: name}, nil, nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	start := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	rep := &scanner.Report{
		Results:   []scanner.Result{sampleResult()},
		Total:     12,
		Cancelled: true,
		Started:   start,
		Finished:  start.Add(time.Minute),
	}
	w.WriteReport(rep)
	w.WriteReport(nil)
	w.Close()

	records := readNDJSONRecords(t, name)
	last := records[len(records)-1]
	if last.RecordType != recordMetrics {
		t.Fatalf("expected trailing metrics record, got %s", last.RecordType)
	}
	var m Metrics
	if err := json.Unmarshal(last.Payload, &m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.KeysVisited != 12 || !m.Cancelled || m.EndTime != "2026-02-18T00:01:00Z" {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if m.Reasons[scanner.ReasonKeyword] != 1 {
		t.Fatalf("unexpected reason counts: %v", m.Reasons)
	}
}

func TestWriteResultConcurrent(t *testing.T) {
	name := filepath.Join(t.TempDir(), "concurrent.ndjson")
	w, err := New(&config.Config{OutputFileName: name, OutputFormat: "json"}, nil, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := sampleResult()
			res.ValueName = fmt.Sprintf("value-%d", i)
			w.WriteResult(res)
		}(i)
	}
	wg.Wait()
	w.Close()

	content, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range 5 {
		if !strings.Contains(string(content), fmt.Sprintf("value-%d", i)) {
			t.Fatalf("missing entry %d", i)
		}
	}
	if w.ValuesWritten() != 5 {
		t.Fatalf("expected 5 values written, got %d", w.ValuesWritten())
	}
}

func TestOutputRotation(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out.ndjson")
	cfg := &config.Config{OutputFileName: base, OutputFormat: "json", MaxOutputFileSize: 600}
	w, err := New(cfg, nil, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	for i := 0; i < 5; i++ {
		res := sampleResult()
		res.ValueText = strings.Repeat("a", 300)
		w.WriteResult(res)
	}
	w.Close()

	if _, err := os.Stat(base); err != nil {
		t.Fatalf("missing base file: %v", err)
	}
	rotated := strings.TrimSuffix(base, ".ndjson") + ".1.ndjson"
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("rotation file not created")
	}
	records := readNDJSONRecords(t, rotated)
	if len(records) == 0 || records[0].RecordType != recordHost {
		t.Fatal("expected rotated file to start with a host record")
	}
	for _, path := range []string{base, rotated} {
		for _, r := range readNDJSONRecords(t, path) {
			if r.RecordType == recordMetrics {
				t.Fatalf("%s: metrics written before any report", path)
			}
		}
	}
}

func TestCSVRotationCountsBufferedRows(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out.csv")
	cfg := &config.Config{OutputFileName: base, OutputFormat: "csv", MaxOutputFileSize: 1500}
	w, err := New(cfg, nil, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 5; i++ {
		res := sampleResult()
		res.ValueText = strings.Repeat("a", 300)
		w.WriteResult(res)
	}
	w.Close()

	rotated := strings.TrimSuffix(base, ".csv") + ".1.csv"
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("expected csv output to rotate: %v", err)
	}
}

func TestReportMetricsOnlyInLastFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out.ndjson")
	cfg := &config.Config{OutputFileName: base, OutputFormat: "json", MaxOutputFileSize: 600}
	w, err := New(cfg, nil, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	rep := &scanner.Report{Total: 3}
	for i := 0; i < 3; i++ {
		res := sampleResult()
		res.ValueText = strings.Repeat("a", 300)
		rep.Results = append(rep.Results, res)
	}
	w.WriteReport(rep)
	last := w.Name()
	w.Close()

	if last == base {
		t.Fatal("expected the report to rotate")
	}
	if records := readNDJSONRecords(t, base); records[len(records)-1].RecordType == recordMetrics {
		t.Fatal("rotated-away file must not carry metrics")
	}
	records := readNDJSONRecords(t, last)
	if records[len(records)-1].RecordType != recordMetrics {
		t.Fatalf("expected metrics at the end of %s", last)
	}
}

func TestCSVOutput(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.csv")
	w, err := New(&config.Config{OutputFileName: name, OutputFormat: "CSV"}, &systeminfo.HostInfo{Hostname: "ws-01"}, &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	w.WriteResult(sampleResult())
	w.SetMetrics(Metrics{KeysVisited: 1})
	w.Close()

	f, err := os.Open(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header, host, value and metrics rows, got %d", len(rows))
	}
	if rows[0][3] != "key" || rows[1][0] != recordHost || !strings.Contains(rows[1][17], "ws-01") {
		t.Fatalf("unexpected leading rows: %v", rows[:2])
	}
	value := rows[2]
	if value[0] != recordValue || value[3] != `HKCU\Software\Test` || value[14] != "Keyword match; Rule match: Run key persistence" {
		t.Fatalf("unexpected value row: %v", value)
	}
	if value[7] != "1" || value[15] != "true" {
		t.Fatalf("unexpected raw type or matched flag: %v", value)
	}
	if rows[3][0] != recordMetrics || !strings.Contains(rows[3][18], `"values_written":1`) {
		t.Fatalf("unexpected metrics row: %v", rows[3])
	}
}

func TestNewRejectsBadPath(t *testing.T) {
	cfg := &config.Config{OutputFileName: filepath.Join(t.TempDir(), "missing", "out.ndjson")}
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("expected error for unwritable output path")
	}
	if _, err := New(nil, nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestShouldSync(t *testing.T) {
	w := &Writer{recordsSinceSync: 1, lastSyncAt: time.Now()}
	if !w.shouldSync() {
		t.Fatal("expected sync on first record")
	}

	w.recordsSinceSync = flushEveryRecords
	if !w.shouldSync() {
		t.Fatal("expected sync at flush threshold")
	}

	w.recordsSinceSync = 2
	w.lastSyncAt = time.Now().Add(-flushMaxInterval - time.Millisecond)
	if !w.shouldSync() {
		t.Fatal("expected time-based sync")
	}

	w.recordsSinceSync = 2
	w.lastSyncAt = time.Now()
	if w.shouldSync() {
		t.Fatal("expected no sync when below thresholds")
	}
}

func TestSetMetricsUsesAtomicCounters(t *testing.T) {
	w := &Writer{}
	w.valuesWritten.Store(3)
	w.matchedValues.Store(2)

	w.SetMetrics(Metrics{KeysVisited: 10, ValuesWritten: 99})
	if w.metrics == nil {
		t.Fatal("expected metrics to be set")
	}
	if w.metrics.KeysVisited != 10 || w.metrics.ValuesWritten != 3 || w.metrics.MatchedValues != 2 {
		t.Fatalf("unexpected metrics: %+v", w.metrics)
	}
}

func readNDJSONRecords(t *testing.T, path string) []ndjsonTestRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var records []ndjsonTestRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ndjsonTestRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode ndjson: %v", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan ndjson: %v", err)
	}
	return records
}
