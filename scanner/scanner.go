package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"regsweep/logger"
	"regsweep/owner"
	"regsweep/registry"
	"regsweep/rules"
)

// Options wires a run to its collaborators.
type Options struct {
	// Store defaults to the native registry.
	Store registry.Store
	// OnProgress receives the processed count every 50 denied keys and every
	// 200 values, and once more with the final total.
	OnProgress func(processed int)
	// Steps, when set, is incremented live for every key open attempt and
	// every enumerated value, independent of the progress thresholds.
	Steps *atomic.Int64
	// Limiter, when set, is waited on before every key open.
	Limiter *rate.Limiter
	// CurrentUser is the identity matched by the users owner filter. It is
	// discovered from the environment when empty and that filter is used.
	CurrentUser string
}

// NewLimiter returns a key-open limiter, or nil when perSecond is not
// positive.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Run scans every root key of crit depth-first and returns the collected
// results. A cancelled context stops the walk at the next key, value or
// subkey step; the partial report is returned with Cancelled set. Faults
// that escape the per-key recovery abort the run with an error and no
// report.
func Run(ctx context.Context, crit Criteria, specs []rules.RuleSpec, opts Options) (report *Report, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("scan aborted: %v", r)
		}
	}()

	ix := buildIndex(crit, specs)
	if !crit.active(ix) {
		logger.Info("No keys or filters configured; nothing to scan")
		now := time.Now().UTC()
		return &Report{Started: started, Finished: now}, nil
	}

	store := opts.Store
	if store == nil {
		store = registry.Native()
	}
	currentUser := opts.CurrentUser
	if currentUser == "" && crit.ownerMode() == owner.ModeUsers {
		currentUser = owner.CurrentUser()
	}
	w := &walker{
		ctx:         ctx,
		store:       store,
		owners:      owner.NewResolver(store),
		ix:          ix,
		currentUser: currentUser,
		limiter:     opts.Limiter,
		onProgress:  opts.OnProgress,
		steps:       opts.Steps,
	}

	logger.Infof("Scanning %d root keys (keywords=%d, rules=%d)", len(crit.Keys), ix.tokens.Len(), ix.rules.Len())
	for _, raw := range crit.Keys {
		if w.cancelled() {
			break
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		hive, subkey, perr := registry.ParsePath(raw)
		if perr != nil {
			logger.Warnf("Skipping root %q: %v", raw, perr)
			continue
		}
		w.walk(hive, subkey, 0)
	}
	if w.count != w.lastEmitted {
		w.emit()
	}

	report = &Report{
		Results:   w.results,
		Total:     w.count,
		Cancelled: ctx.Err() != nil,
		Started:   started,
		Finished:  time.Now().UTC(),
	}
	if report.Cancelled {
		logger.Infof("Scan cancelled after %d items (%d results)", report.Total, len(report.Results))
	} else {
		logger.Infof("Scan finished: %d items processed, %d results", report.Total, len(report.Results))
	}
	return report, nil
}
