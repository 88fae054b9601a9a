package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"regsweep/logger"
	"regsweep/rules"
	"regsweep/scanner"

	"github.com/fsnotify/fsnotify"
)

type runFunc func(ctx context.Context, run int) (*scanner.Report, error)

// watchSet decides which file events concern the configured rules.
type watchSet struct {
	files map[string]struct{}
	roots []string
}

func newWatchSet() *watchSet {
	return &watchSet{files: make(map[string]struct{})}
}

// add registers path with the watcher. Directories are watched
// recursively; a single file is watched through its parent directory so
// editors that replace the file on save are still seen.
func (s *watchSet) add(w *fsnotify.Watcher, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		s.roots = append(s.roots, abs)
		return addWatchRecursive(w, abs)
	}
	s.files[abs] = struct{}{}
	return w.Add(filepath.Dir(abs))
}

func (s *watchSet) relevant(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	if _, ok := s.files[abs]; ok {
		return true
	}
	return rules.IsRuleFile(abs) && s.underRoot(abs)
}

func (s *watchSet) underRoot(name string) bool {
	for _, root := range s.roots {
		rel, err := filepath.Rel(root, name)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addWatchRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// runWatch runs once, then again after every quiet period that follows a
// rule file change, until ctx ends. Runs never overlap.
func runWatch(ctx context.Context, paths []string, debounce time.Duration, run runFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	set := newWatchSet()
	for _, p := range paths {
		if err := set.add(watcher, p); err != nil {
			logger.Warnf("Cannot watch %s: %v", p, err)
		}
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	runs := 0
	if _, err := run(ctx, runs); err != nil {
		logger.Errorf("Scan failed: %v", err)
	}
	logger.Infof("Watching %d rule paths for changes", len(paths))

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && set.underRoot(ev.Name) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addWatchRecursive(watcher, ev.Name)
				}
			}
			if !set.relevant(ev.Name) {
				continue
			}
			logger.Debugf("Rule change: %s", ev)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			if ctx.Err() != nil {
				return nil
			}
			runs++
			logger.Infof("Rules changed, re-running scan (run %d)", runs)
			if _, err := run(ctx, runs); err != nil {
				logger.Errorf("Scan failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Watch error: %v", err)
		}
	}
}
