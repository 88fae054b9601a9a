package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"regsweep/config"
	"regsweep/diag"
	"regsweep/logger"
	"regsweep/output"
	"regsweep/owner"
	"regsweep/registry"
	"regsweep/rules"
	"regsweep/scanner"
	"regsweep/systeminfo"

	"github.com/schollz/progressbar/v3"
)

// env holds what stays fixed across runs of one invocation.
type env struct {
	cfg         *config.Config
	store       registry.Store
	host        *systeminfo.HostInfo
	currentUser string
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	e, err := newEnv(cfg)
	if err != nil {
		logger.Fatalf("Failed to prepare scan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Watch {
		if err := runWatch(ctx, cfg.WatchPaths(), cfg.WatchDebounce, e.runScan); err != nil {
			logger.Fatalf("Watch failed: %v", err)
		}
		return
	}

	if _, err := e.runScan(ctx, 0); err != nil {
		logger.Fatalf("Scanning failed: %v", err)
	}
}

func newEnv(cfg *config.Config) (*env, error) {
	e := &env{cfg: cfg, currentUser: owner.CurrentUser()}
	if cfg.Snapshot != "" {
		store, err := registry.LoadSnapshotFile(cfg.Snapshot)
		if err != nil {
			return nil, err
		}
		logger.Infof("Scanning snapshot %s", cfg.Snapshot)
		e.store = store
	} else {
		e.store = registry.Native()
	}
	e.host = systeminfo.Collect(e.currentUser)
	return e, nil
}

// loadRules reads the configured rule files. Rules are reloaded on every
// run so watch mode picks up edits.
func loadRules(cfg *config.Config) ([]rules.RuleSpec, error) {
	if !cfg.ScanRules {
		return nil, nil
	}
	entries, err := cfg.RuleEntries()
	if err != nil {
		return nil, err
	}
	specs := rules.LoadEntries(entries)
	logger.Infof("Loaded %d of %d rule files", len(specs), len(entries))
	return specs, nil
}

// runScan performs one scan and writes its report. run numbers above zero
// write to a suffixed output file.
func (e *env) runScan(ctx context.Context, run int) (*scanner.Report, error) {
	specs, err := loadRules(e.cfg)
	if err != nil {
		return nil, err
	}

	outCfg := *e.cfg
	outCfg.OutputFileName = withRunSuffix(e.cfg.OutputFileName, run)
	metrics := output.Metrics{StartTime: time.Now().UTC().Format(time.RFC3339)}
	writer, err := output.New(&outCfg, e.host, &metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize output: %w", err)
	}
	defer writer.Close()

	job := scanner.Start(ctx, e.cfg.Criteria(), specs, scanner.Options{
		Store:       e.store,
		Limiter:     scanner.NewLimiter(e.cfg.MaxKeysPerSecond),
		CurrentUser: e.currentUser,
	})

	watchdog := diag.NewController(diag.Options{
		StallThreshold: e.cfg.StallThreshold,
		Dir:            e.cfg.DiagDir,
		GoroutineLeak:  e.cfg.DiagGoroutineLeak,
		ProgressFn:     job.Steps,
	})
	watchdog.Start(ctx)
	defer watchdog.Close()

	report, err := consumeEvents(job, newProgressBar())
	if err != nil {
		return nil, err
	}

	writer.WriteReport(report)
	logSummary(report, writer.Name())
	return report, nil
}

// consumeEvents drains a job's events into the bar and returns its outcome.
func consumeEvents(job *scanner.Job, bar *progressbar.ProgressBar) (*scanner.Report, error) {
	var (
		report *scanner.Report
		err    error
	)
	for ev := range job.Events() {
		switch ev.Kind {
		case scanner.EventProgress:
			if bar != nil {
				_ = bar.Set(ev.Processed)
			}
		case scanner.EventFinished:
			report = ev.Report
			if bar != nil {
				_ = bar.Set(ev.Processed)
			}
		case scanner.EventFailed:
			err = ev.Err
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return report, err
}

func newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning registry"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionFullWidth(),
	)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("REGSWEEP_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}

func logSummary(report *scanner.Report, outputName string) {
	if report.Cancelled {
		logger.Warnf("Scan cancelled after %d items; partial results written to %s", report.Total, outputName)
	} else {
		logger.Infof("Scan finished: %d items processed, %d results, %d matched in %s",
			report.Total, len(report.Results), report.Matched(), report.Duration().Round(time.Millisecond))
	}
	counts := report.ReasonCounts()
	for _, reason := range report.Reasons() {
		logger.Infof("  %s: %d", reason, counts[reason])
	}
	logger.Infof("Results written to %s", outputName)
}

func withRunSuffix(name string, run int) string {
	if run <= 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s.run%d%s", strings.TrimSuffix(name, ext), run, ext)
}

func handleSignals(cancelFunc context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(cancelFunc, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, sigChan <-chan os.Signal) {
	sig := <-sigChan
	logger.Infof("Signal %v received. Stopping scan...", sig)
	cancelFunc()
}
