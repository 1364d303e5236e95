// Package registry holds the mutable serving state: which box, ocr and tsl
// models are loaded, the active language pair, per-language frequency
// dictionaries and the plugin installation flags. Loads and unloads are
// serialised against in-flight pipeline requests.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
	"github.com/Crivella/ocr-translate-sub000/pkg/trie"
)

var (
	// ErrModelNotLoaded is returned when a pipeline needs a stage model and
	// none is loaded for that kind.
	ErrModelNotLoaded = errors.New("registry: model not loaded")
	// ErrLanguageNotLoaded is returned when no language pair is set.
	ErrLanguageNotLoaded = errors.New("registry: languages not set")
	// ErrModelInactive rejects loading a deactivated model.
	ErrModelInactive = errors.New("registry: model is deactivated")
	// ErrBusy is returned when a state change times out waiting for
	// in-flight requests to drain.
	ErrBusy = errors.New("registry: timed out waiting for in-flight requests")
)

const defaultLockTimeout = 10 * time.Second

// Load event target prefixes, also used to replay the last/most loaded
// state at startup.
const (
	evBox = "box:"
	evOCR = "ocr:"
	evTSL = "tsl:"
	evSrc = "src:"
	evDst = "dst:"
)

// Config configures a Registry.
type Config struct {
	Store          *store.Store
	Device         string
	DataDir        string
	AllowDownloads bool
	// LockTimeout bounds how long a load, unload or plugin change waits for
	// in-flight requests before failing with ErrBusy.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	store          *store.Store
	log            *slog.Logger
	device         string
	dataDir        string
	allowDownloads bool
	lockTimeout    time.Duration

	// work is held shared by every pipeline request and exclusively by
	// model loads, unloads and plugin changes.
	work sync.RWMutex

	trieMu sync.Mutex

	mu        sync.RWMutex
	boxModel  *store.Model
	boxEngine stage.Box
	ocrModel  *store.Model
	ocrEngine stage.OCR
	tslModel  *store.Model
	tslEngine stage.TSL
	src, dst  *store.Language
	tries     map[string]*trie.Trie

	subMu sync.Mutex
	subs  []chan struct{}
}

func New(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaultLockTimeout
	}
	return &Registry{
		store:          config.Store,
		log:            config.Logger,
		device:         config.Device,
		dataDir:        config.DataDir,
		allowDownloads: config.AllowDownloads,
		lockTimeout:    config.LockTimeout,
		tries:          make(map[string]*trie.Trie),
	}
}

// AcquireWork takes the shared request lock, failing with ErrBusy when a
// state change holds it exclusively for longer than the configured timeout.
func (r *Registry) AcquireWork() error {
	if !acquire(r.work.TryRLock, r.lockTimeout) {
		return ErrBusy
	}
	return nil
}

// ReleaseWork releases the shared request lock.
func (r *Registry) ReleaseWork() { r.work.RUnlock() }

func (r *Registry) lockExclusive() error {
	if !acquire(r.work.TryLock, r.lockTimeout) {
		return ErrBusy
	}
	return nil
}

func acquire(try func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !try() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Subscribe returns a channel that receives a signal after every registry
// change. The channel is never closed and signals may coalesce.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) stageConfig(m store.Model) stage.Config {
	return stage.Config{
		Entrypoint:     m.Entrypoint,
		Device:         r.device,
		DataDir:        r.dataDir,
		AllowDownloads: r.allowDownloads,
		Options:        m.DefaultOptions,
		Logger:         r.log,
	}
}

func (r *Registry) fetchModel(kind store.ModelKind, name string) (store.Model, error) {
	m, err := r.store.GetModel(kind, name)
	if err != nil {
		return store.Model{}, err
	}
	if !m.Active {
		return store.Model{}, fmt.Errorf("%w: %s %q", ErrModelInactive, kind, name)
	}
	return m, nil
}

// LoadBox makes name the loaded box model, unloading the current one first.
// Loading the already-loaded model is a no-op.
func (r *Registry) LoadBox(name string) error {
	r.mu.RLock()
	same := r.boxModel != nil && r.boxModel.Name == name
	r.mu.RUnlock()
	if same {
		return nil
	}
	m, err := r.fetchModel(store.KindBox, name)
	if err != nil {
		return err
	}
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()

	r.unloadBoxSlot()
	engine, err := stage.NewBox(r.stageConfig(m))
	if err != nil {
		return err
	}
	if err := engine.Load(); err != nil {
		return fmt.Errorf("registry: loading box model %q: %w", name, err)
	}
	r.mu.Lock()
	r.boxModel, r.boxEngine = &m, engine
	r.mu.Unlock()
	r.log.Info("box model loaded", "model", name)
	if err := r.store.RecordLoadEvent(evBox + name); err != nil {
		return err
	}
	r.notify()
	return nil
}

// LoadOCR makes name the loaded ocr model, unloading the current one first.
func (r *Registry) LoadOCR(name string) error {
	r.mu.RLock()
	same := r.ocrModel != nil && r.ocrModel.Name == name
	r.mu.RUnlock()
	if same {
		return nil
	}
	m, err := r.fetchModel(store.KindOCR, name)
	if err != nil {
		return err
	}
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()

	r.unloadOCRSlot()
	engine, err := stage.NewOCR(r.stageConfig(m))
	if err != nil {
		return err
	}
	if err := engine.Load(); err != nil {
		return fmt.Errorf("registry: loading ocr model %q: %w", name, err)
	}
	r.mu.Lock()
	r.ocrModel, r.ocrEngine = &m, engine
	r.mu.Unlock()
	r.log.Info("ocr model loaded", "model", name)
	if err := r.store.RecordLoadEvent(evOCR + name); err != nil {
		return err
	}
	r.notify()
	return nil
}

// LoadTSL makes name the loaded tsl model, unloading the current one first.
func (r *Registry) LoadTSL(name string) error {
	r.mu.RLock()
	same := r.tslModel != nil && r.tslModel.Name == name
	r.mu.RUnlock()
	if same {
		return nil
	}
	m, err := r.fetchModel(store.KindTSL, name)
	if err != nil {
		return err
	}
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()

	r.unloadTSLSlot()
	engine, err := stage.NewTSL(r.stageConfig(m))
	if err != nil {
		return err
	}
	if err := engine.Load(); err != nil {
		return fmt.Errorf("registry: loading tsl model %q: %w", name, err)
	}
	r.mu.Lock()
	r.tslModel, r.tslEngine = &m, engine
	r.mu.Unlock()
	r.log.Info("tsl model loaded", "model", name)
	if err := r.store.RecordLoadEvent(evTSL + name); err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *Registry) unloadBoxSlot() {
	r.mu.Lock()
	model, engine := r.boxModel, r.boxEngine
	r.boxModel, r.boxEngine = nil, nil
	r.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Unload(); err != nil {
		r.log.Warn("unloading box model", "model", model.Name, "error", err)
	}
}

func (r *Registry) unloadOCRSlot() {
	r.mu.Lock()
	model, engine := r.ocrModel, r.ocrEngine
	r.ocrModel, r.ocrEngine = nil, nil
	r.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Unload(); err != nil {
		r.log.Warn("unloading ocr model", "model", model.Name, "error", err)
	}
}

func (r *Registry) unloadTSLSlot() {
	r.mu.Lock()
	model, engine := r.tslModel, r.tslEngine
	r.tslModel, r.tslEngine = nil, nil
	r.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Unload(); err != nil {
		r.log.Warn("unloading tsl model", "model", model.Name, "error", err)
	}
}

// UnloadAll releases every loaded model. Called on shutdown and after
// plugin removal.
func (r *Registry) UnloadAll() error {
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()
	r.unloadBoxSlot()
	r.unloadOCRSlot()
	r.unloadTSLSlot()
	r.notify()
	return nil
}

// SetLanguages sets the active language pair and unloads any loaded model
// that does not support it.
func (r *Registry) SetLanguages(srcISO1, dstISO1 string) error {
	src, err := r.store.GetLanguage(srcISO1)
	if err != nil {
		return err
	}
	dst, err := r.store.GetLanguage(dstISO1)
	if err != nil {
		return err
	}
	if err := r.lockExclusive(); err != nil {
		return err
	}
	defer r.work.Unlock()

	r.mu.Lock()
	r.src, r.dst = &src, &dst
	boxModel, ocrModel, tslModel := r.boxModel, r.ocrModel, r.tslModel
	r.mu.Unlock()

	if boxModel != nil && !boxModel.SupportsLanguage(src.ISO1) {
		r.log.Info("unloading box model incompatible with new source language", "model", boxModel.Name, "lang", src.ISO1)
		r.unloadBoxSlot()
	}
	if ocrModel != nil && !ocrModel.SupportsLanguage(src.ISO1) {
		r.log.Info("unloading ocr model incompatible with new source language", "model", ocrModel.Name, "lang", src.ISO1)
		r.unloadOCRSlot()
	}
	if tslModel != nil && (!tslModel.SupportsLanguage(src.ISO1) || !tslModel.SupportsLanguage(dst.ISO1)) {
		r.log.Info("unloading tsl model incompatible with new language pair", "model", tslModel.Name, "src", src.ISO1, "dst", dst.ISO1)
		r.unloadTSLSlot()
	}

	if err := r.store.RecordLoadEvent(evSrc + src.ISO1); err != nil {
		return err
	}
	if err := r.store.RecordLoadEvent(evDst + dst.ISO1); err != nil {
		return err
	}
	r.notify()
	return nil
}

// Snapshot is a consistent view of the serving state for one pipeline run.
type Snapshot struct {
	Src, Dst  store.Language
	Box       store.Model
	BoxEngine stage.Box
	OCR       store.Model
	OCREngine stage.OCR
	TSL       store.Model
	TSLEngine stage.TSL
	SrcTrie   *trie.Trie
}

// Snapshot returns the current serving state, requiring languages and all
// three models to be loaded.
func (r *Registry) Snapshot() (Snapshot, error) {
	r.mu.RLock()
	if r.src == nil || r.dst == nil {
		r.mu.RUnlock()
		return Snapshot{}, ErrLanguageNotLoaded
	}
	if r.boxModel == nil {
		r.mu.RUnlock()
		return Snapshot{}, fmt.Errorf("%w: box", ErrModelNotLoaded)
	}
	if r.ocrModel == nil {
		r.mu.RUnlock()
		return Snapshot{}, fmt.Errorf("%w: ocr", ErrModelNotLoaded)
	}
	if r.tslModel == nil {
		r.mu.RUnlock()
		return Snapshot{}, fmt.Errorf("%w: tsl", ErrModelNotLoaded)
	}
	snap := Snapshot{
		Src: *r.src, Dst: *r.dst,
		Box: *r.boxModel, BoxEngine: r.boxEngine,
		OCR: *r.ocrModel, OCREngine: r.ocrEngine,
		TSL: *r.tslModel, TSLEngine: r.tslEngine,
	}
	r.mu.RUnlock()
	snap.SrcTrie = r.TrieFor(snap.Src.ISO1)
	return snap, nil
}

// Languages returns the active language pair.
func (r *Registry) Languages() (src, dst store.Language, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.src == nil || r.dst == nil {
		return store.Language{}, store.Language{}, ErrLanguageNotLoaded
	}
	return *r.src, *r.dst, nil
}

// LoadedModels returns the names of the loaded models, empty strings for
// unloaded slots.
func (r *Registry) LoadedModels() (box, ocr, tsl string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.boxModel != nil {
		box = r.boxModel.Name
	}
	if r.ocrModel != nil {
		ocr = r.ocrModel.Name
	}
	if r.tslModel != nil {
		tsl = r.tslModel.Name
	}
	return box, ocr, tsl
}

// LoadedTSL returns the loaded tsl model and engine, so text-only
// endpoints can run without box and ocr models.
func (r *Registry) LoadedTSL() (store.Model, stage.TSL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tslModel == nil {
		return store.Model{}, nil, fmt.Errorf("%w: tsl", ErrModelNotLoaded)
	}
	return *r.tslModel, r.tslEngine, nil
}

// AllowedModels lists the active models compatible with the current
// language pair, per kind. With no language pair set, every active model is
// allowed.
func (r *Registry) AllowedModels() (box, ocr, tsl []string, err error) {
	r.mu.RLock()
	src, dst := r.src, r.dst
	r.mu.RUnlock()

	filter := func(kind store.ModelKind) ([]string, error) {
		models, err := r.store.ListModels(kind)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, m := range models {
			if !m.Active || m.Name == store.ManualModel {
				continue
			}
			if src != nil && !m.SupportsLanguage(src.ISO1) {
				continue
			}
			if kind == store.KindTSL && dst != nil && !m.SupportsLanguage(dst.ISO1) {
				continue
			}
			names = append(names, m.Name)
		}
		return names, nil
	}
	if box, err = filter(store.KindBox); err != nil {
		return nil, nil, nil, err
	}
	if ocr, err = filter(store.KindOCR); err != nil {
		return nil, nil, nil, err
	}
	if tsl, err = filter(store.KindTSL); err != nil {
		return nil, nil, nil, err
	}
	return box, ocr, tsl, nil
}

// RestoreStartupState replays the load-event journal to pick the language
// pair and models to load at startup. policy is "last" (most recent event
// per slot) or "most" (most frequent target per slot). Missing or failing
// targets are logged and skipped.
func (r *Registry) RestoreStartupState(policy string) error {
	events, err := r.store.LoadEvents()
	if err != nil {
		return err
	}
	pick := pickLast
	if policy == "most" {
		pick = pickMost
	}

	src := pick(events, evSrc)
	dst := pick(events, evDst)
	if src != "" && dst != "" {
		if err := r.SetLanguages(src, dst); err != nil {
			r.log.Warn("restoring language pair", "src", src, "dst", dst, "error", err)
		}
	}
	for _, slot := range []struct {
		prefix string
		load   func(string) error
	}{
		{evBox, r.LoadBox},
		{evOCR, r.LoadOCR},
		{evTSL, r.LoadTSL},
	} {
		name := pick(events, slot.prefix)
		if name == "" {
			continue
		}
		if err := slot.load(name); err != nil {
			r.log.Warn("restoring model", "target", slot.prefix+name, "error", err)
		}
	}
	return nil
}

func pickLast(events []store.LoadEvent, prefix string) string {
	last := ""
	for _, ev := range events {
		if strings.HasPrefix(ev.Target, prefix) {
			last = strings.TrimPrefix(ev.Target, prefix)
		}
	}
	return last
}

func pickMost(events []store.LoadEvent, prefix string) string {
	counts := map[string]int{}
	best, bestCount := "", 0
	for _, ev := range events {
		if !strings.HasPrefix(ev.Target, prefix) {
			continue
		}
		name := strings.TrimPrefix(ev.Target, prefix)
		counts[name]++
		// Ties go to the most recently seen target.
		if counts[name] >= bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best
}
