package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"regsweep/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Options configures a stall watchdog. A zero StallThreshold or a nil
// ProgressFn disables the stall check.
type Options struct {
	StallThreshold  time.Duration
	Dir             string
	GoroutineLeak   bool
	ProgressFn      func() int64
	NowFn           func() time.Time
	ProfileLookupFn func(name string) profileWriter
}

// Controller watches a scan's processed-key counter and writes a stall
// report plus goroutine stacks when the counter stops moving. A registry
// call blocked on a slow hive shows up in those stacks.
type Controller struct {
	stallThreshold  time.Duration
	dir             string
	goroutineLeak   bool
	progressFn      func() int64
	nowFn           func() time.Time
	profileLookupFn func(name string) profileWriter

	mu             sync.Mutex
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time
	dumps          int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewController(opts Options) *Controller {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	return &Controller{
		stallThreshold:  opts.StallThreshold,
		dir:             dir,
		goroutineLeak:   opts.GoroutineLeak,
		progressFn:      opts.ProgressFn,
		nowFn:           nowFn,
		profileLookupFn: profileLookup,
	}
}

// Start begins probing until ctx ends or Close is called.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.stallThreshold <= 0 || c.progressFn == nil || c.stopCh != nil {
		return
	}

	c.mu.Lock()
	c.lastProgress = c.progressFn()
	c.lastProgressAt = c.nowFn()
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	interval := c.stallThreshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runCheck(c.nowFn())
			}
		}
	}()
}

// Dumps returns how many stall reports were written.
func (c *Controller) Dumps() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumps
}

func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
		c.stopCh = nil
		c.doneCh = nil
	}

	if c.goroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

func (c *Controller) runCheck(now time.Time) {
	if c == nil || c.progressFn == nil || c.stallThreshold <= 0 {
		return
	}

	progress := c.progressFn()

	c.mu.Lock()
	if progress != c.lastProgress || c.lastProgressAt.IsZero() {
		c.lastProgress = progress
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	shouldDump := stalledFor >= c.stallThreshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.stallThreshold)
	if shouldDump {
		c.lastDumpAt = now
		c.dumps++
	}
	c.mu.Unlock()

	if shouldDump {
		logger.Warnf("Scan stalled for %s at %d keys", stalledFor.Round(time.Millisecond), progress)
		if err := c.dumpStall(now, progress, stalledFor); err != nil {
			logger.Warnf("Diagnostics stall dump failed: %v", err)
		}
	}
}

func (c *Controller) dumpStall(now time.Time, progress int64, stalledFor time.Duration) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	event := map[string]interface{}{
		"event":           "scan_stalled",
		"timestamp":       now.UTC().Format(time.RFC3339Nano),
		"keys_processed":  progress,
		"threshold_ms":    c.stallThreshold.Milliseconds(),
		"stalled_ms":      stalledFor.Milliseconds(),
		"goroutine_count": goroutineCount(c.profileLookupFn),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	eventPath := filepath.Join(c.dir, fmt.Sprintf("regsweep-stall-%s.json", ts))
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}
	if _, err := c.writeProfile("goroutine", 2); err != nil {
		logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
	}
	return nil
}

func goroutineCount(lookup func(string) profileWriter) int {
	if lookup == nil {
		return 0
	}
	if p, ok := lookup("goroutine").(*pprof.Profile); ok && p != nil {
		return p.Count()
	}
	return 0
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	if c == nil {
		return "", fmt.Errorf("diagnostics controller is nil")
	}
	if c.profileLookupFn == nil {
		return "", fmt.Errorf("profile lookup function is nil")
	}
	profile := c.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	ts := c.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(c.dir, fmt.Sprintf("regsweep-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
