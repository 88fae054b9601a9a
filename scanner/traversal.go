package scanner

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/h2non/filetype"
	"golang.org/x/time/rate"

	"regsweep/logger"
	"regsweep/owner"
	"regsweep/registry"
)

const (
	deniedProgressEvery = 50
	valueProgressEvery  = 200

	maxDepth = 512
)

// walker performs one depth-first traversal. It owns the result list and
// the processed counter for the whole run.
type walker struct {
	ctx         context.Context
	store       registry.Store
	owners      *owner.Resolver
	ix          *scanIndex
	currentUser string
	limiter     *rate.Limiter
	onProgress  func(int)
	steps       *atomic.Int64

	results     []Result
	count       int
	lastEmitted int
}

func (w *walker) cancelled() bool {
	return w.ctx.Err() != nil
}

func (w *walker) tick(every int) {
	w.count++
	if w.count%every == 0 {
		w.emit()
	}
}

func (w *walker) step() {
	if w.steps != nil {
		w.steps.Add(1)
	}
}

func (w *walker) emit() {
	w.lastEmitted = w.count
	if w.onProgress != nil {
		w.onProgress(w.count)
	}
}

// walk visits the key and its subtree. It returns early, releasing any
// open handle, as soon as the context is done.
func (w *walker) walk(hive registry.Hive, subkey string, depth int) {
	if w.cancelled() {
		return
	}
	if depth > maxDepth {
		logger.Debugf("Skipping %s: deeper than %d levels", registry.FullPath(hive, subkey), maxDepth)
		return
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
	}

	w.step()
	key, info, state := openKey(w.store, hive, subkey)
	if key == nil {
		w.tick(deniedProgressEvery)
		return
	}
	defer func() {
		if err := key.Close(); err != nil {
			logger.Debugf("Close %s failed: %v", registry.FullPath(hive, subkey), err)
		}
	}()

	ownerName := w.owners.Resolve(hive, subkey)
	if !owner.Passes(ownerName, w.ix.crit.ownerMode(), w.currentUser) {
		return
	}

	w.values(key, hive, subkey, info, ownerName, state)

	count := 0
	if fresh, err := key.Info(); err == nil {
		count = fresh.SubKeyCount
	}
	for i := 0; i < count; i++ {
		if w.cancelled() {
			return
		}
		name, err := key.EnumSubKey(i)
		if err != nil {
			logger.Debugf("Subkey %d of %s unreadable: %v", i, registry.FullPath(hive, subkey), err)
			continue
		}
		if w.cancelled() {
			return
		}
		w.child(hive, registry.JoinPath(subkey, name), depth+1)
	}
}

// child walks one subkey. A fault inside the subtree is contained so the
// remaining siblings are still visited.
func (w *walker) child(hive registry.Hive, subkey string, depth int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("Recovered fault under %s: %v", registry.FullPath(hive, subkey), r)
		}
	}()
	w.walk(hive, subkey, depth)
}

// values enumerates the values of an open key. The first enumeration error
// ends the enumeration.
func (w *walker) values(key registry.Key, hive registry.Hive, subkey string, info registry.KeyInfo, ownerName string, state AccessState) {
	keyPath := registry.FullPath(hive, subkey)
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("Recovered fault enumerating values of %s: %v", keyPath, r)
		}
	}()
	for i := 0; ; i++ {
		if w.cancelled() {
			return
		}
		v, err := key.EnumValue(i)
		if err != nil {
			if !errors.Is(err, registry.ErrNoMoreItems) {
				logger.Debugf("Value %d of %s unreadable: %v", i, keyPath, err)
			}
			return
		}
		w.step()
		w.tick(valueProgressEvery)
		if !w.ix.crit.wantType(v.Type) {
			continue
		}
		res, ok := w.evaluate(v, keyPath)
		if !ok {
			continue
		}
		res.LastWrite = info.LastWrite
		res.LastModified = FormatLastWrite(info.LastWrite)
		res.Owner = ownerName
		res.State = state
		res.Hive = hive
		res.SubKey = subkey
		w.results = append(w.results, res)
	}
}

// evaluate applies keyword and rule matching to a value and the inclusion
// policy to the outcome.
func (w *walker) evaluate(v registry.Value, keyPath string) (Result, bool) {
	text := v.Text()
	res := Result{
		Key:       keyPath,
		ValueName: v.Name,
		ValueText: text,
		ValueType: v.Type.Name(),
		RawType:   v.Type,
	}
	if w.ix.keywordMode() {
		if hit, ok := w.ix.matchKeyword(v.Name, text); ok {
			res.MatchedKeyword = hit
			res.Reasons = append(res.Reasons, ReasonKeyword)
			res.MatchedAny = true
		}
	}
	if w.ix.ruleMode() && w.ix.rules.FastPathHit(v.Name, text) {
		if spec, ok := w.ix.rules.Resolve(v.Name, text); ok {
			res.MatchedRule = spec.Title
			res.RuleLevel = spec.Level
			res.Reasons = append(res.Reasons, RuleReason(spec.Title))
			res.MatchedAny = true
		}
	}
	if !w.ix.include(res.MatchedAny) {
		return Result{}, false
	}
	res.ID = resultID(keyPath, v.Name, v.Type)
	if v.Type == registry.TypeBinary && len(v.Binary) > 0 {
		if kind, err := filetype.Match(v.Binary); err == nil && kind != filetype.Unknown {
			res.BinaryKind = kind.MIME.Value
		}
	}
	return res, true
}
