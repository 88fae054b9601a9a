package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"regsweep/owner"
	"regsweep/registry"
	"regsweep/rules"
	"regsweep/scanner"
	"regsweep/version"
)

type Config struct {
	Keys              []string          `json:"keys"`
	Keywords          []string          `json:"keywords"`
	ValueType         string            `json:"value_type"`
	UseAge            bool              `json:"use_age"`
	Days              int               `json:"days"`
	OwnerFilter       string            `json:"owner_filter"`
	ScanKeywords      bool              `json:"scan_keywords"`
	ScanRules         bool              `json:"scan_rules"`
	DisplayMode       string            `json:"display_mode"`
	RuleFiles         []string          `json:"rule_files"`
	Rules             []rules.Entry     `json:"rules"`
	RulesDir          string            `json:"rules_dir"`
	Snapshot          string            `json:"snapshot"`
	OutputFormat      string            `json:"output_format"`
	OutputFileName    string            `json:"output_file_name"`
	MaxOutputFileSize int64             `json:"max_output_file_size"`
	LogLevel          string            `json:"log_level"`
	MaxKeysPerSecond  int               `json:"max_keys_per_second"`
	Watch             bool              `json:"watch"`
	WatchDebounce     time.Duration     `json:"watch_debounce"`
	StallThreshold    time.Duration     `json:"stall_threshold"`
	DiagDir           string            `json:"diag_dir"`
	DiagGoroutineLeak bool              `json:"diag_goroutine_leak"`
	ConfigFile        string            `json:"config_file"`
	OtelEndpoint      string            `json:"otel_endpoint"`
	OtelFromEnv       bool              `json:"otel_from_env"`
	OtelHeaders       map[string]string `json:"otel_headers"`
	OtelServiceName   string            `json:"otel_service_name"`
	OtelTimeout       time.Duration     `json:"otel_timeout"`
	OtelExportPaths   bool              `json:"otel_export_paths"`
	OtelExportValues  bool              `json:"otel_export_values"`
}

func defaultConfig() *Config {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	return &Config{
		Keys:              []string{`HKLM\SOFTWARE`},
		Keywords:          []string{},
		ValueType:         scanner.TypeAll,
		OwnerFilter:       string(owner.ModeAll),
		ScanKeywords:      true,
		ScanRules:         false,
		DisplayMode:       string(scanner.DisplayMatched),
		RuleFiles:         []string{},
		OutputFormat:      "json",
		OutputFileName:    fmt.Sprintf("regsweep-%s-%d.ndjson", timestamp, now.Unix()),
		MaxOutputFileSize: 104857600,
		LogLevel:          "info",
		MaxKeysPerSecond:  0,
		WatchDebounce:     500 * time.Millisecond,
		DiagDir:           ".",
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "regsweep",
		OtelTimeout:       5 * time.Second,
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	keys := flag.String("keys", strings.Join(cfg.Keys, ";"), fmt.Sprintf("Semicolon-separated list of root keys to scan (default: %s).", strings.Join(cfg.Keys, ";")))
	keywords := flag.String("keywords", "", "Comma-separated list of keyword tokens (default: none).")
	valueType := flag.String("value-type", cfg.ValueType, "Value type filter: all, string, expandstring, multistring, dword, qword or binary (default: all).")
	useAge := flag.Bool("use-age", cfg.UseAge, fmt.Sprintf("Enable the age filter (default: %t).", cfg.UseAge))
	days := flag.Int("days", cfg.Days, "Age filter window in days (default: 0).")
	ownerFilter := flag.String("owner-filter", cfg.OwnerFilter, "Owner filter: all, systems, localsystem or users (default: all).")
	scanKeywords := flag.Bool("scan-keywords", cfg.ScanKeywords, fmt.Sprintf("Match values against keywords (default: %t).", cfg.ScanKeywords))
	scanRules := flag.Bool("scan-rules", cfg.ScanRules, fmt.Sprintf("Match values against YAML rules (default: %t).", cfg.ScanRules))
	display := flag.String("display", cfg.DisplayMode, "Display mode: matched or all (default: matched).")
	ruleFiles := flag.String("rules", "", "Comma-separated list of YAML rule files (default: none).")
	rulesDir := flag.String("rules-dir", cfg.RulesDir, "Directory searched recursively for .yml/.yaml rules (default: none).")
	snapshot := flag.String("snapshot", cfg.Snapshot, "Scan a YAML registry snapshot instead of the live registry (default: none).")
	format := flag.String("format", cfg.OutputFormat, fmt.Sprintf("Output format: json or csv (default: %s).", cfg.OutputFormat))
	output := flag.String("output", cfg.OutputFileName, "Output file name (default: regsweep-<timestamp>-<unix>.ndjson).")
	maxOutputFileSize := flag.Int64("max-output-file-size", cfg.MaxOutputFileSize, fmt.Sprintf("Maximum output file size before rotation in bytes (default: %d).", cfg.MaxOutputFileSize))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	maxKeys := flag.Int("max-keys-per-second", cfg.MaxKeysPerSecond, "Maximum key opens per second, 0 for unlimited (default: 0).")
	watch := flag.Bool("watch", cfg.Watch, "Re-run the scan whenever rule files change (default: false).")
	watchDebounce := flag.Duration("watch-debounce", cfg.WatchDebounce, "Quiet period before a watched change triggers a re-run (default: 500ms).")
	stallThreshold := flag.Duration("stall-threshold", cfg.StallThreshold, "Write a stall report and goroutine stacks when no key completes for this long, 0 to disable (default: 0).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, fmt.Sprintf("Directory for diagnostics artifacts (default: %s).", cfg.DiagDir))
	diagGoroutineLeak := flag.Bool("diag-goroutine-leak", cfg.DiagGoroutineLeak, "Dump a goroutine profile at exit (default: false).")
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: regsweep).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw key paths in OTEL payloads (default: false).")
	otelExportValues := flag.Bool("otel-export-values", cfg.OtelExportValues, "Include value data in OTEL payloads (default: false).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("regsweep version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "keys":
			cfg.Keys = parseKeyList(*keys)
		case "keywords":
			cfg.Keywords = parseCommaSeparated(*keywords)
		case "value-type":
			cfg.ValueType = *valueType
		case "use-age":
			cfg.UseAge = *useAge
		case "days":
			cfg.Days = *days
		case "owner-filter":
			cfg.OwnerFilter = *ownerFilter
		case "scan-keywords":
			cfg.ScanKeywords = *scanKeywords
		case "scan-rules":
			cfg.ScanRules = *scanRules
		case "display":
			cfg.DisplayMode = *display
		case "rules":
			cfg.RuleFiles = parseCommaSeparated(*ruleFiles)
		case "rules-dir":
			cfg.RulesDir = strings.TrimSpace(*rulesDir)
		case "snapshot":
			cfg.Snapshot = strings.TrimSpace(*snapshot)
		case "format":
			cfg.OutputFormat = *format
		case "output":
			cfg.OutputFileName = *output
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *maxOutputFileSize
		case "log-level":
			cfg.LogLevel = *logLevel
		case "max-keys-per-second":
			cfg.MaxKeysPerSecond = *maxKeys
		case "watch":
			cfg.Watch = *watch
		case "watch-debounce":
			cfg.WatchDebounce = *watchDebounce
		case "stall-threshold":
			cfg.StallThreshold = *stallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "otel-export-values":
			cfg.OtelExportValues = *otelExportValues
		}
	})
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("regsweep - Windows registry keyword and rule scanner")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  regsweep [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println(`  regsweep --keys "HKCU\Software\Microsoft\Windows\CurrentVersion\Run" --keywords "mimikatz,nc.exe"`)
	fmt.Println(`  regsweep --scan-keywords=false --scan-rules --rules-dir ./rules --owner-filter users`)
	fmt.Println(`  regsweep --snapshot hive.yaml --display all --format csv`)
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.ValueType = strings.ToLower(strings.TrimSpace(cfg.ValueType))
	cfg.OwnerFilter = strings.ToLower(strings.TrimSpace(cfg.OwnerFilter))
	cfg.DisplayMode = strings.ToLower(strings.TrimSpace(cfg.DisplayMode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.ValueType == "" {
		cfg.ValueType = scanner.TypeAll
	}
	if cfg.OwnerFilter == "" {
		cfg.OwnerFilter = string(owner.ModeAll)
	}
	if cfg.DisplayMode == "" {
		cfg.DisplayMode = string(scanner.DisplayMatched)
	}
	if cfg.OtelHeaders == nil {
		cfg.OtelHeaders = map[string]string{}
	}
}

func (cfg *Config) validate() error {
	if cfg.OutputFormat != "json" && cfg.OutputFormat != "csv" {
		return fmt.Errorf("invalid output format: %s (json or csv)", cfg.OutputFormat)
	}
	if cfg.ValueType != scanner.TypeAll {
		if _, ok := registry.ParseTypeName(cfg.ValueType); !ok {
			return fmt.Errorf("invalid value type: %s", cfg.ValueType)
		}
	}
	if _, err := owner.ParseMode(cfg.OwnerFilter); err != nil {
		return err
	}
	if cfg.DisplayMode != string(scanner.DisplayMatched) && cfg.DisplayMode != string(scanner.DisplayAll) {
		return fmt.Errorf("invalid display mode: %s", cfg.DisplayMode)
	}
	for _, key := range cfg.Keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if _, _, err := registry.ParsePath(key); err != nil {
			return fmt.Errorf("invalid key %q: %v", key, err)
		}
	}
	if cfg.Days < 0 {
		return fmt.Errorf("days must be zero or positive")
	}
	if cfg.ScanRules && len(cfg.RuleFiles) == 0 && len(cfg.Rules) == 0 && cfg.RulesDir == "" {
		return fmt.Errorf("--scan-rules needs --rules, --rules-dir or rules in the config file")
	}
	if cfg.Watch && len(cfg.RuleFiles) == 0 && len(cfg.Rules) == 0 && cfg.RulesDir == "" {
		return fmt.Errorf("--watch needs rule files or a rules directory to watch")
	}
	if cfg.WatchDebounce < 0 {
		return fmt.Errorf("watch-debounce must be zero or positive")
	}
	if cfg.StallThreshold < 0 {
		return fmt.Errorf("stall-threshold must be zero or positive")
	}
	if cfg.MaxOutputFileSize < 0 {
		return fmt.Errorf("max-output-file-size must be zero or positive")
	}
	if cfg.MaxKeysPerSecond < 0 {
		return fmt.Errorf("max-keys-per-second must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

// Criteria converts the configuration into scan criteria.
func (cfg *Config) Criteria() scanner.Criteria {
	return scanner.Criteria{
		Keys:         append([]string(nil), cfg.Keys...),
		Keywords:     scanner.SplitTokens(cfg.Keywords),
		ValueType:    cfg.ValueType,
		UseAge:       cfg.UseAge,
		Days:         cfg.Days,
		OwnerFilter:  owner.Mode(cfg.OwnerFilter),
		ScanKeywords: cfg.ScanKeywords,
		ScanRules:    cfg.ScanRules,
		Display:      scanner.DisplayMode(cfg.DisplayMode),
	}
}

// RuleEntries lists every configured rule file: entries from the config
// file first, then -rules, then the files found under -rules-dir.
func (cfg *Config) RuleEntries() ([]rules.Entry, error) {
	entries := append([]rules.Entry(nil), cfg.Rules...)
	paths := append([]string(nil), cfg.RuleFiles...)
	if cfg.RulesDir != "" {
		found, err := rules.FindRuleFiles(cfg.RulesDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	for _, e := range rules.EntriesFor(paths) {
		dup := false
		for _, existing := range entries {
			if strings.EqualFold(existing.Path, e.Path) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// WatchPaths returns the files and directories whose changes trigger a
// re-run.
func (cfg *Config) WatchPaths() []string {
	var paths []string
	for _, e := range cfg.Rules {
		paths = append(paths, e.Path)
	}
	paths = append(paths, cfg.RuleFiles...)
	if cfg.RulesDir != "" {
		paths = append(paths, cfg.RulesDir)
	}
	return paths
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseKeyList splits on semicolons; key paths never contain them.
func parseKeyList(input string) []string {
	if input == "" {
		return []string{}
	}
	var out []string
	for _, item := range strings.Split(input, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
