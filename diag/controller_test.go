package diag

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"regsweep/logger"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func fakeLookup(content string) func(string) profileWriter {
	return func(name string) profileWriter {
		if name == "goroutine" {
			return fakeProfileWriter{content: content}
		}
		return nil
	}
}

func TestRunCheckWritesStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := int64(42)
	dir := t.TempDir()

	controller := NewController(Options{
		StallThreshold:  2 * time.Second,
		Dir:             dir,
		ProgressFn:      func() int64 { return progress },
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: fakeLookup("stacks"),
	})
	controller.lastProgress = progress
	controller.lastProgressAt = now

	controller.runCheck(now.Add(time.Second))
	if controller.Dumps() != 0 {
		t.Fatal("did not expect a dump below the threshold")
	}
	controller.runCheck(now.Add(3 * time.Second))
	controller.runCheck(now.Add(4 * time.Second))
	if controller.Dumps() != 1 {
		t.Fatalf("expected one dump per threshold window, got %d", controller.Dumps())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var foundStall, foundProfile bool
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "regsweep-stall-") && strings.HasSuffix(name, ".json") {
			foundStall = true
			data, _ := os.ReadFile(filepath.Join(dir, name))
			if !strings.Contains(string(data), `"keys_processed": 42`) {
				t.Fatalf("unexpected stall report: %s", data)
			}
		}
		if strings.HasPrefix(name, "regsweep-goroutine-profile-") {
			foundProfile = true
		}
	}
	if !foundStall || !foundProfile {
		t.Fatalf("expected stall report and goroutine profile, got %v", entries)
	}
}

func TestRunCheckResetsOnProgress(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	var progress atomic.Int64
	controller := NewController(Options{
		StallThreshold:  time.Second,
		Dir:             t.TempDir(),
		ProgressFn:      progress.Load,
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: fakeLookup("x"),
	})
	controller.lastProgressAt = now

	for i := 1; i <= 5; i++ {
		progress.Add(50)
		controller.runCheck(now.Add(time.Duration(i) * time.Second))
	}
	if controller.Dumps() != 0 {
		t.Fatalf("moving counter must not trigger a dump, got %d", controller.Dumps())
	}
}

func TestStartIsInertWithoutThreshold(t *testing.T) {
	controller := NewController(Options{ProgressFn: func() int64 { return 0 }})
	controller.Start(context.Background())
	if controller.stopCh != nil {
		t.Fatal("expected no check loop without a threshold")
	}
	controller.Close()

	var nilController *Controller
	nilController.Start(context.Background())
	nilController.Close()
	if nilController.Dumps() != 0 {
		t.Fatal("nil controller should report no dumps")
	}
}

func TestStartAndCloseStopsCheckLoop(t *testing.T) {
	controller := NewController(Options{
		StallThreshold:  20 * time.Millisecond,
		Dir:             t.TempDir(),
		ProgressFn:      func() int64 { return 7 },
		ProfileLookupFn: fakeLookup("x"),
	})
	controller.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for controller.Dumps() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	controller.Close()
	if controller.Dumps() == 0 {
		t.Fatal("expected a stalled counter to produce a dump")
	}
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	controller := NewController(Options{
		Dir:             t.TempDir(),
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: fakeLookup("goroutine-profile"),
	})

	path, err := controller.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}

	if _, err := controller.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineLeakProfileWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	controller := NewController(Options{
		Dir:             dir,
		GoroutineLeak:   true,
		ProfileLookupFn: fakeLookup("leak-profile"),
	})

	controller.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "regsweep-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
