package app

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-appd/internal/callback"
	"github.com/nerrad567/gray-logic-appd/internal/clock"
	"github.com/nerrad567/gray-logic-appd/internal/dispatch"
	"github.com/nerrad567/gray-logic-appd/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appd/internal/scheduler"
	"github.com/nerrad567/gray-logic-appd/internal/sequence"
	"github.com/nerrad567/gray-logic-appd/internal/service"
	"github.com/nerrad567/gray-logic-appd/internal/state"
	"github.com/nerrad567/gray-logic-appd/internal/worker"
)

// CountApps reports how many enabled app definitions the directory
// holds. Used to size the worker pool before anything is loaded.
func CountApps(dir string, exclude []string) (int, error) {
	res, err := scan(dir, exclude)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, def := range res.defs {
		if !def.Disable {
			n++
		}
	}
	return n, nil
}

type instance struct {
	name string
	id   string
	def  Definition
	app  App
	api  *API

	mu           sync.Mutex
	initializing bool
}

func (in *instance) setInitializing(v bool) {
	in.mu.Lock()
	in.initializing = v
	in.mu.Unlock()
}

func (in *instance) isInitializing() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.initializing
}

// Manager drives the app lifecycle: scan, dependency resolution,
// initialization, change detection and termination. It implements the
// dispatcher's app directory, so stale-instance and initializing
// checks reach into live bookkeeping.
type Manager struct {
	cfg        config.AppsConfig
	pinApps    bool
	pinThreads int

	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	services   *service.Registry
	store      *state.Store
	sequences  *sequence.Engine
	plugins    PluginRouter
	futures    *worker.Futures
	clock      *clock.Clock
	globals    *Globals
	log        Logger
	loggerFor  func(app string) Logger

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string // current topological order of loaded apps
	defs      map[string]Definition
	globalSet map[string]bool // names listed in global_modules
	mtimes    map[string]time.Time
	nextPin   int

	dirtyMu sync.Mutex
	dirty   bool

	watcher *fsnotify.Watcher
}

// Options configures a Manager.
type Options struct {
	Config config.AppsConfig

	// PinApps and PinThreads are the pool-wide pinning defaults.
	PinApps    bool
	PinThreads int

	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Services   *service.Registry
	Store      *state.Store
	Sequences  *sequence.Engine
	Plugins    PluginRouter
	Futures    *worker.Futures
	Clock      *clock.Clock

	Logger Logger
	// LoggerFor builds an app-tagged logger. Defaults to Logger.
	LoggerFor func(app string) Logger
}

// NewManager creates a Manager. Apps load in Start.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	loggerFor := opts.LoggerFor
	if loggerFor == nil {
		loggerFor = func(string) Logger { return log }
	}
	return &Manager{
		cfg:        opts.Config,
		pinApps:    opts.PinApps,
		pinThreads: opts.PinThreads,
		dispatcher: opts.Dispatcher,
		sched:      opts.Scheduler,
		services:   opts.Services,
		store:      opts.Store,
		sequences:  opts.Sequences,
		plugins:    opts.Plugins,
		futures:    opts.Futures,
		clock:      opts.Clock,
		globals:    NewGlobals(),
		log:        log,
		loggerFor:  loggerFor,
		instances:  make(map[string]*instance),
		defs:       make(map[string]Definition),
		globalSet:  make(map[string]bool),
		mtimes:     make(map[string]time.Time),
	}
}

// Start performs the initial scan and initializes every app in
// topological order, then begins watching the app directory.
func (m *Manager) Start(ctx context.Context) error {
	res, err := scan(m.cfg.Directory, m.cfg.ExcludeDirs)
	if err != nil {
		return err
	}
	m.adopt(res)

	order, excluded := topoSort(res.defs)
	if len(excluded) > 0 {
		m.log.Error("apps excluded: dependency cycle or missing dependency",
			"apps", joinNames(excluded))
	}
	m.initializeApps(ctx, order)

	if m.cfg.Directory != "" {
		if err := m.watch(); err != nil {
			m.log.Warn("app directory watch unavailable, relying on mtime scans",
				"error", err)
		}
	}
	return nil
}

// Stop terminates every app in reverse topological order.
func (m *Manager) Stop() {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()
	for _, name := range reverse(order) {
		m.terminateApp(name)
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

func (m *Manager) adopt(res *scanResult) {
	m.mu.Lock()
	m.defs = res.defs
	m.mtimes = res.mtimes
	m.globalSet = make(map[string]bool, len(res.globals))
	for _, name := range res.globals {
		m.globalSet[name] = true
	}
	m.mu.Unlock()
}

// CheckUpdate rescans the app directory and reloads what changed.
// Production mode skips the check unless force is set (the forced
// reload signal). Called from the supervisor tick.
func (m *Manager) CheckUpdate(ctx context.Context, force bool) {
	if m.cfg.ProductionMode && !force {
		return
	}
	if !force && !m.changed() {
		return
	}

	res, err := scan(m.cfg.Directory, m.cfg.ExcludeDirs)
	if err != nil {
		m.log.Error("app rescan failed, keeping running set", "error", err)
		return
	}

	term, init := m.diff(res, force)
	if len(term) == 0 && len(init) == 0 {
		m.adopt(res)
		return
	}
	m.log.Info("app changes detected",
		"terminate", joinNames(term), "initialize", joinNames(init))

	m.mu.RLock()
	oldOrder := append([]string(nil), m.order...)
	m.mu.RUnlock()

	termSet := toSet(term)
	for _, name := range reverse(oldOrder) {
		if termSet[name] {
			m.terminateApp(name)
		}
	}

	m.adopt(res)

	order, excluded := topoSort(res.defs)
	if len(excluded) > 0 {
		m.log.Error("apps excluded: dependency cycle or missing dependency",
			"apps", joinNames(excluded))
	}
	initSet := toSet(init)
	filtered := order[:0:0]
	for _, name := range order {
		if initSet[name] {
			filtered = append(filtered, name)
		}
	}
	m.initializeApps(ctx, filtered)
}

// changed reports whether the config tree moved since the last scan:
// either the watcher flagged it or a file mtime differs.
func (m *Manager) changed() bool {
	m.dirtyMu.Lock()
	dirty := m.dirty
	m.dirty = false
	m.dirtyMu.Unlock()
	if dirty {
		return true
	}

	if m.cfg.Directory == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	excluded := make(map[string]bool, len(m.cfg.ExcludeDirs))
	for _, name := range m.cfg.ExcludeDirs {
		excluded[name] = true
	}
	seen := 0
	ok := true
	err := filepath.WalkDir(m.cfg.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.cfg.Directory && excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		seen++
		info, err := d.Info()
		if err != nil {
			return err
		}
		prev, known := m.mtimes[path]
		if !known || !prev.Equal(info.ModTime()) {
			ok = false
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return true
	}
	return !ok || seen != len(m.mtimes)
}

// diff computes the terminate and initialize sets between the running
// definitions and a fresh scan. A changed global module reloads
// everything; otherwise termination cascades to dependents.
func (m *Manager) diff(res *scanResult, force bool) (term, init []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	newGlobals := make(map[string]bool, len(res.globals))
	for _, name := range res.globals {
		newGlobals[name] = true
	}

	changed := make(map[string]bool)
	for name, old := range m.defs {
		cur, exists := res.defs[name]
		if !exists || !equalDefs(old, cur) {
			changed[name] = true
		}
	}
	for name := range res.defs {
		if _, exists := m.defs[name]; !exists {
			changed[name] = true
		}
	}

	reloadAll := force
	for name := range changed {
		if m.globalSet[name] || newGlobals[name] {
			reloadAll = true
			break
		}
	}

	termSet := make(map[string]bool)
	initSet := make(map[string]bool)
	if reloadAll {
		for name := range m.instances {
			termSet[name] = true
		}
		for name, def := range res.defs {
			if !def.Disable {
				initSet[name] = true
			}
		}
	} else {
		for name := range changed {
			if _, running := m.instances[name]; running {
				termSet[name] = true
			}
			if def, exists := res.defs[name]; exists && !def.Disable {
				initSet[name] = true
			}
		}
		// Terminating an app takes its dependents down with it; they
		// come back in the initialize pass.
		cascadeDependents(res.defs, termSet, m.instances)
		for name := range termSet {
			if def, exists := res.defs[name]; exists && !def.Disable {
				initSet[name] = true
			}
		}
	}

	return setToSorted(termSet), setToSorted(initSet)
}

func cascadeDependents(defs map[string]Definition, termSet map[string]bool, running map[string]*instance) {
	for {
		grew := false
		for name, def := range defs {
			if termSet[name] {
				continue
			}
			if _, isRunning := running[name]; !isRunning {
				continue
			}
			for _, dep := range def.Dependencies {
				if termSet[dep] {
					termSet[name] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			return
		}
	}
}

// initializeApps builds and initializes the named apps in the given
// (already topological) order. An app whose dependency failed is
// skipped.
func (m *Manager) initializeApps(ctx context.Context, order []string) {
	failed := make(map[string]bool)

	for _, name := range order {
		m.mu.RLock()
		def := m.defs[name]
		m.mu.RUnlock()

		if def.Disable {
			continue
		}
		if dep, bad := failedDependency(def, failed); bad {
			m.log.Warn("app skipped: dependency failed",
				"app", name, "dependency", dep)
			failed[name] = true
			continue
		}

		if err := m.initializeApp(ctx, name, def); err != nil {
			m.log.Error("app failed to initialize", "app", name, "error", err)
			failed[name] = true
			continue
		}
		m.mu.Lock()
		m.order = append(m.order, name)
		m.mu.Unlock()
	}
}

func failedDependency(def Definition, failed map[string]bool) (string, bool) {
	for _, dep := range def.Dependencies {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

func (m *Manager) initializeApp(ctx context.Context, name string, def Definition) (err error) {
	factory, ok := lookupClass(def.Class)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, def.Class)
	}

	in := &instance{
		name: name,
		id:   uuid.NewString(),
		def:  def,
		app:  factory(),
	}
	in.api = &API{
		name:       name,
		id:         in.id,
		namespace:  def.Namespace,
		pin:        m.assignPin(def),
		args:       def.Args,
		dispatcher: m.dispatcher,
		sched:      m.sched,
		services:   m.services,
		store:      m.store,
		sequences:  m.sequences,
		plugins:    m.plugins,
		clock:      m.clock,
		globals:    m.globals,
		log:        m.loggerFor(name),
	}

	in.setInitializing(true)
	m.mu.Lock()
	m.instances[name] = in
	m.mu.Unlock()
	m.setAppEntity(name, "initializing")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
		if err != nil {
			// Anything registered before the failure must not linger.
			m.dispatcher.ClearApp(name)
			m.services.UnregisterApp(name)
			m.unload(name)
			return
		}
		in.setInitializing(false)
		m.setAppEntity(name, "running")
	}()

	return in.app.Initialize(in.api)
}

// assignPin resolves an app's worker pinning from its definition and
// the pool defaults. Pinned apps without an explicit thread get one
// round-robin over the pinned subrange.
func (m *Manager) assignPin(def Definition) callback.Pin {
	pinned := m.pinApps
	if def.PinApp != nil {
		pinned = *def.PinApp
	}
	if !pinned {
		return callback.Pin{}
	}
	if def.PinThread != nil {
		return callback.Pin{PinApp: true, Thread: *def.PinThread}
	}
	if m.pinThreads <= 0 {
		return callback.Pin{PinApp: true, Thread: -1}
	}
	m.mu.Lock()
	thread := m.nextPin % m.pinThreads
	m.nextPin++
	m.mu.Unlock()
	return callback.Pin{PinApp: true, Thread: thread}
}

// terminateApp cancels everything the app owns, then calls Terminate.
// Callbacks, timers and futures are gone before Terminate returns.
func (m *Manager) terminateApp(name string) {
	m.mu.RLock()
	in := m.instances[name]
	m.mu.RUnlock()
	if in == nil {
		return
	}

	m.dispatcher.ClearApp(name)
	if m.futures != nil {
		m.futures.CancelApp(name)
	}
	m.services.UnregisterApp(name)

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("terminate panicked", "app", name, "panic", r)
			}
		}()
		in.app.Terminate()
	}()

	m.unload(name)
	m.log.Info("app terminated", "app", name)
}

func (m *Manager) unload(name string) {
	m.mu.Lock()
	delete(m.instances, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.removeAppEntity(name)
}

func (m *Manager) setAppEntity(name, status string) {
	ctx := context.Background()
	id := "app." + name
	if !m.store.EntityExists(state.NamespaceAdmin, id) {
		if err := m.store.AddEntity(ctx, state.NamespaceAdmin, id, status, nil); err != nil {
			m.log.Debug("admin app entity add failed", "app", name, "error", err)
		}
		return
	}
	if _, err := m.store.Set(ctx, state.NamespaceAdmin, id, state.SetOptions{
		State: status, HasState: true,
	}); err != nil {
		m.log.Debug("admin app entity update failed", "app", name, "error", err)
	}
}

func (m *Manager) removeAppEntity(name string) {
	_ = m.store.RemoveEntity(context.Background(), state.NamespaceAdmin, "app."+name)
}

// watch installs an fsnotify watcher over the app directory tree.
// Events only mark the tree dirty; the supervisor tick does the
// rescan.
func (m *Manager) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{m.cfg.Directory: true}
	excluded := make(map[string]bool, len(m.cfg.ExcludeDirs))
	for _, name := range m.cfg.ExcludeDirs {
		excluded[name] = true
	}
	_ = filepath.WalkDir(m.cfg.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if excluded[d.Name()] {
				return filepath.SkipDir
			}
			dirs[path] = true
		}
		return nil
	})
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			m.log.Debug("watch add failed", "dir", dir, "error", err)
		}
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					// New subdirectories need their own watch.
					_ = w.Add(ev.Name)
				}
				m.markDirty()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn("app directory watch error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) markDirty() {
	m.dirtyMu.Lock()
	m.dirty = true
	m.dirtyMu.Unlock()
}

// InstanceID reports the live instance id for an app. Part of the
// dispatcher's app directory.
func (m *Manager) InstanceID(app string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[app]
	if !ok {
		return "", false
	}
	return in.id, true
}

// IsInitializing reports whether the app is inside Initialize. Events
// arriving then are discarded.
func (m *Manager) IsInitializing(app string) bool {
	m.mu.RLock()
	in := m.instances[app]
	m.mu.RUnlock()
	return in != nil && in.isInitializing()
}

// CheckConstraint evaluates an app-registered constraint. Part of the
// dispatcher's app directory.
func (m *Manager) CheckConstraint(app, name string, arg any) bool {
	m.mu.RLock()
	in := m.instances[app]
	m.mu.RUnlock()
	if in == nil {
		return false
	}
	return in.api.checkConstraint(name, arg)
}

// ActiveCount is the number of loaded apps.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Order is the current topological order of loaded apps.
func (m *Manager) Order() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = true
	}
	return out
}

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
