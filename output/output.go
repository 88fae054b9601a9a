package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"regsweep/config"
	"regsweep/logger"
	"regsweep/scanner"
	"regsweep/systeminfo"
)

// SchemaVersion is stamped on every record so consumers can detect layout
// changes.
const SchemaVersion = "1.0"

const (
	recordHost    = "host"
	recordValue   = "registry_value"
	recordMetrics = "metrics"

	flushEveryRecords = 256
	flushMaxInterval  = 2 * time.Second
)

type Metrics struct {
	StartTime     string         `json:"start_time"`
	EndTime       string         `json:"end_time"`
	KeysVisited   int            `json:"keys_visited"`
	ValuesWritten int            `json:"values_written"`
	MatchedValues int            `json:"matched_values"`
	Cancelled     bool           `json:"cancelled"`
	Reasons       map[string]int `json:"reasons,omitempty"`
}

type record struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	Payload       interface{} `json:"payload"`
}

type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	csvw    *csv.Writer
	mu      sync.Mutex
	metrics *Metrics
	cfg     *config.Config
	host    *systeminfo.HostInfo
	otel    *otelLogger
	base    string
	ext     string
	index   int
	format  string

	recordsSinceSync int
	lastSyncAt       time.Time

	// metrics records are written only once run totals are known
	reported bool

	valuesWritten atomic.Int64
	matchedValues atomic.Int64
}

func New(cfg *config.Config, host *systeminfo.HostInfo, m *Metrics) (*Writer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("output: nil config")
	}
	ext := filepath.Ext(cfg.OutputFileName)
	base := strings.TrimSuffix(cfg.OutputFileName, ext)
	format := strings.ToLower(cfg.OutputFormat)
	if format == "" {
		format = "json"
	}
	if host == nil {
		host = &systeminfo.HostInfo{}
	}

	w := &Writer{
		metrics: m,
		cfg:     cfg,
		host:    host,
		base:    base,
		ext:     ext,
		format:  format,
	}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	w.emitRecordLocked(recordHost, w.host)
	return w, nil
}

// Name returns the path of the file currently being written.
func (w *Writer) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

func (w *Writer) openFile() error {
	name := w.base + w.ext
	if w.index > 0 {
		name = fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 256*1024)
	w.csvw = nil
	w.recordsSinceSync = 0
	w.lastSyncAt = time.Now()

	switch w.format {
	case "csv":
		w.csvw = csv.NewWriter(w.buf)
		if err := w.csvw.Write(csvHeader); err != nil {
			return err
		}
		if err := w.writeCSVRow(recordHost, nil, w.host, nil); err != nil {
			return err
		}
	default:
		if err := w.writeRecord(recordHost, w.host); err != nil {
			return err
		}
	}
	w.flush()
	return nil
}

func (w *Writer) writeRecord(recordType string, payload interface{}) error {
	data, err := jsonMarshal(record{RecordType: recordType, SchemaVersion: SchemaVersion, Payload: payload})
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

// WriteResult appends one registry value record.
func (w *Writer) WriteResult(res scanner.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	switch w.format {
	case "csv":
		err = w.writeCSVRow(recordValue, &res, nil, nil)
	default:
		err = w.writeRecord(recordValue, res)
	}
	if err != nil {
		logger.Warnf("Failed to write result %s: %v", res.ID, err)
		return
	}
	w.valuesWritten.Add(1)
	if res.MatchedAny {
		w.matchedValues.Add(1)
	}
	w.emitRecordLocked(recordValue, res)

	w.recordsSinceSync++
	if w.shouldSync() {
		w.flush()
		w.recordsSinceSync = 0
		w.lastSyncAt = time.Now()
	}

	if w.cfg.MaxOutputFileSize > 0 {
		w.flush()
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.cfg.MaxOutputFileSize {
			w.rotate()
		}
	}
}

// WriteReport writes every result of a run and records its totals.
func (w *Writer) WriteReport(rep *scanner.Report) {
	if rep == nil {
		return
	}
	for _, res := range rep.Results {
		w.WriteResult(res)
	}
	m := Metrics{
		KeysVisited: rep.Total,
		Cancelled:   rep.Cancelled,
		Reasons:     rep.ReasonCounts(),
	}
	if !rep.Started.IsZero() {
		m.StartTime = rep.Started.UTC().Format(time.RFC3339)
	}
	if !rep.Finished.IsZero() {
		m.EndTime = rep.Finished.UTC().Format(time.RFC3339)
	}
	w.SetMetrics(m)
}

func (w *Writer) shouldSync() bool {
	if w.recordsSinceSync <= 1 || w.recordsSinceSync >= flushEveryRecords {
		return true
	}
	return time.Since(w.lastSyncAt) >= flushMaxInterval
}

// SetMetrics replaces the run metrics. Written and matched counts always
// come from the writer's own counters.
func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m.ValuesWritten = int(w.valuesWritten.Load())
	m.MatchedValues = int(w.matchedValues.Load())
	w.metrics = &m
	w.reported = true
}

func (w *Writer) ValuesWritten() int {
	return int(w.valuesWritten.Load())
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.metrics != nil && w.reported {
		w.metrics.ValuesWritten = int(w.valuesWritten.Load())
		w.metrics.MatchedValues = int(w.matchedValues.Load())
		w.emitRecordLocked(recordMetrics, w.metrics)
	}
	w.closeFile()
	if w.otel != nil {
		w.otel.Shutdown()
	}
}

func (w *Writer) rotate() {
	w.closeFile()
	w.index++
	if err := w.openFile(); err != nil {
		logger.Errorf("Failed to rotate output file: %v", err)
	}
}

func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}
	if w.metrics != nil && w.reported {
		switch w.format {
		case "csv":
			_ = w.writeCSVRow(recordMetrics, nil, nil, w.metrics)
		default:
			_ = w.writeRecord(recordMetrics, w.metrics)
		}
	}
	w.flush()
	_ = w.file.Sync()
	_ = w.file.Close()
	w.file = nil
}

func (w *Writer) flush() {
	if w.csvw != nil {
		w.csvw.Flush()
	}
	if w.buf != nil {
		_ = w.buf.Flush()
	}
}

var csvHeader = []string{
	"record_type",
	"schema_version",
	"id",
	"key",
	"value_name",
	"value",
	"value_type",
	"raw_type",
	"last_modified",
	"owner",
	"state",
	"matched_keyword",
	"matched_rule",
	"rule_level",
	"reasons",
	"matched_any",
	"binary_kind",
	"host",
	"metrics",
}

func (w *Writer) writeCSVRow(recordType string, res *scanner.Result, host *systeminfo.HostInfo, metrics *Metrics) error {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	if res != nil {
		row[2] = res.ID
		row[3] = res.Key
		row[4] = res.ValueName
		row[5] = res.ValueText
		row[6] = res.ValueType
		row[7] = strconv.FormatUint(uint64(res.RawType), 10)
		row[8] = res.LastModified
		row[9] = res.Owner
		row[10] = string(res.State)
		row[11] = res.MatchedKeyword
		row[12] = res.MatchedRule
		row[13] = res.RuleLevel
		row[14] = strings.Join(res.Reasons, "; ")
		row[15] = strconv.FormatBool(res.MatchedAny)
		row[16] = res.BinaryKind
	}
	if host != nil {
		row[17] = jsonString(host)
	}
	if metrics != nil {
		row[18] = jsonString(metrics)
	}
	if err := w.csvw.Write(row); err != nil {
		return err
	}
	return w.csvw.Error()
}

func (w *Writer) emitRecordLocked(recordType string, payload interface{}) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordType, payload)
}

func jsonString(value interface{}) string {
	if value == nil {
		return ""
	}
	bytes, err := jsonMarshal(value)
	if err != nil {
		return ""
	}
	return string(bytes)
}
